package wallet

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
)

const (
	// DerivationBIP44 and DerivationBIP45 are the supported address
	// derivation strategies.
	DerivationBIP44 = "BIP44"
	DerivationBIP45 = "BIP45"

	// AddressTypeP2PKH and AddressTypeP2SH are the supported output
	// script types. 1-of-1 BIP44 wallets use P2PKH; everything else is
	// P2SH multisig.
	AddressTypeP2PKH = "P2PKH"
	AddressTypeP2SH  = "P2SH"

	// MaxCopayers is the upper bound on wallet size: a 15-of-15
	// redeem script is the largest that fits a standard P2SH spend.
	MaxCopayers = 15

	// ScanStatusRunning, ScanStatusSuccess and ScanStatusError track an
	// in-flight address scan. An empty status means never scanned.
	ScanStatusRunning = "running"
	ScanStatusSuccess = "success"
	ScanStatusError   = "error"
)

// Wallet is a shared m-of-n wallet. Copayers are appended in join order
// until the wallet is complete; nothing about a wallet is mutable after
// completion except the address manager indices and scan status.
type Wallet struct {
	ID                 string          `json:"id"`
	CreatedOn          int64           `json:"createdOn"`
	Name               string          `json:"name"`
	M                  int             `json:"m"`
	N                  int             `json:"n"`
	Network            string          `json:"network"`
	PubKey             string          `json:"pubKey"`
	SingleAddress      bool            `json:"singleAddress"`
	DerivationStrategy string          `json:"derivationStrategy"`
	AddressType        string          `json:"addressType"`
	Copayers           []*Copayer      `json:"copayers"`
	AddressManager     *AddressManager `json:"addressManager"`
	ScanStatus         string          `json:"scanStatus,omitempty"`
}

// Copayer is a wallet participant. ID is deterministic from the extended
// public key so the same key cannot register twice.
type Copayer struct {
	ID             string          `json:"id"`
	CreatedOn      int64           `json:"createdOn"`
	Name           string          `json:"name"`
	CopayerIndex   int             `json:"copayerIndex"`
	XPubKey        string          `json:"xPubKey"`
	RequestPubKeys []RequestPubKey `json:"requestPubKeys"`
	CustomData     string          `json:"customData,omitempty"`
	AddressManager *AddressManager `json:"addressManager,omitempty"`
}

// RequestPubKey is a key authorized to sign requests on behalf of a
// copayer, with the signature that chains it back to the copayer's xpub.
type RequestPubKey struct {
	Key       string `json:"key"`
	Signature string `json:"signature"`
	Name      string `json:"name,omitempty"`
}

// WalletOpts collects the createWallet arguments.
type WalletOpts struct {
	ID                 string // optional, client-supplied
	Name               string
	M                  int
	N                  int
	Network            string
	PubKey             string
	SingleAddress      bool
	DerivationStrategy string
	AddressType        string
}

// ValidCopayerPair reports whether an m-of-n combination is acceptable.
func ValidCopayerPair(m, n int) bool {
	return n >= 1 && n <= MaxCopayers && m >= 1 && m <= n
}

// NewWallet builds an incomplete wallet with no copayers.
func NewWallet(opts WalletOpts) (*Wallet, error) {
	if !ValidCopayerPair(opts.M, opts.N) {
		return nil, NewClientError("Invalid combination of required copayers / total copayers")
	}
	if !ValidNetwork(opts.Network) {
		return nil, NewClientError("Invalid network")
	}
	pubBytes, err := hex.DecodeString(opts.PubKey)
	if err != nil {
		return nil, NewClientError("Invalid public key")
	}
	if _, err := btcec.ParsePubKey(pubBytes); err != nil {
		return nil, NewClientError("Invalid public key")
	}
	strategy := opts.DerivationStrategy
	if strategy == "" {
		strategy = DerivationBIP45
	}
	if strategy != DerivationBIP44 && strategy != DerivationBIP45 {
		return nil, NewClientError("Invalid derivation strategy")
	}
	addressType := opts.AddressType
	if addressType == "" {
		addressType = AddressTypeP2SH
	}
	if addressType != AddressTypeP2PKH && addressType != AddressTypeP2SH {
		return nil, NewClientError("Invalid address type")
	}
	if addressType == AddressTypeP2PKH && opts.N != 1 {
		return nil, NewClientError("P2PKH wallets must be 1-of-1")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Wallet{
		ID:                 id,
		CreatedOn:          time.Now().Unix(),
		Name:               opts.Name,
		M:                  opts.M,
		N:                  opts.N,
		Network:            opts.Network,
		PubKey:             opts.PubKey,
		SingleAddress:      opts.SingleAddress,
		DerivationStrategy: strategy,
		AddressType:        addressType,
		AddressManager:     NewAddressManager(strategy, SharedCosignerIndex),
	}, nil
}

// IsComplete reports whether every expected copayer has joined.
func (w *Wallet) IsComplete() bool {
	return len(w.Copayers) == w.N
}

// IsShared reports whether the wallet has more than one copayer.
func (w *Wallet) IsShared() bool {
	return w.N > 1
}

// SupportsCopayerBranches reports whether the derivation strategy carries
// per-copayer address branches (BIP45 only).
func (w *Wallet) SupportsCopayerBranches() bool {
	return w.DerivationStrategy == DerivationBIP45
}

// CopayerByID returns the copayer with the given id, or nil.
func (w *Wallet) CopayerByID(id string) *Copayer {
	for _, c := range w.Copayers {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// CopayerByXPub returns the copayer with the given xpub, or nil.
func (w *Wallet) CopayerByXPub(xPubKey string) *Copayer {
	for _, c := range w.Copayers {
		if c.XPubKey == xPubKey {
			return c
		}
	}
	return nil
}

// NewCopayer validates a joiner's key material and assigns the next
// copayer index. It does not append: the caller adds the copayer after the
// global registration check.
func (w *Wallet) NewCopayer(name, xPubKey, requestPubKey, signature, customData string) (*Copayer, error) {
	if w.IsComplete() {
		return nil, ErrWalletFull
	}
	if _, err := ParseXPub(xPubKey); err != nil {
		return nil, NewClientError("Invalid extended public key")
	}
	c := &Copayer{
		ID:           XPubToCopayerID(xPubKey),
		CreatedOn:    time.Now().Unix(),
		Name:         name,
		CopayerIndex: len(w.Copayers),
		XPubKey:      xPubKey,
		CustomData:   customData,
		RequestPubKeys: []RequestPubKey{{
			Key:       requestPubKey,
			Signature: signature,
		}},
	}
	if w.SupportsCopayerBranches() {
		c.AddressManager = NewAddressManager(w.DerivationStrategy, uint32(c.CopayerIndex))
	}
	return c, nil
}

// AddCopayer appends a validated copayer.
func (w *Wallet) AddCopayer(c *Copayer) {
	w.Copayers = append(w.Copayers, c)
}

// PublicKeyRing returns the copayer xpubs in join order. Address derivation
// walks this ring.
func (w *Wallet) PublicKeyRing() []string {
	ring := make([]string, len(w.Copayers))
	for i, c := range w.Copayers {
		ring[i] = c.XPubKey
	}
	return ring
}

// CreateAddress derives the next address on the shared branch and advances
// the manager index. The caller persists both wallet and address.
func (w *Wallet) CreateAddress(isChange bool) (*Address, error) {
	if !w.IsComplete() {
		return nil, ErrWalletNotComplete
	}
	path := w.AddressManager.NewPath(isChange)
	return DeriveAddress(w, path, isChange)
}

// AddressManager tracks the next derivation index per chain (receive and
// change) for one branch. The wallet-level manager uses the shared
// cosigner branch under BIP45; copayer-level managers use the copayer's
// own index.
type AddressManager struct {
	DerivationStrategy  string `json:"derivationStrategy"`
	ReceiveAddressIndex uint32 `json:"receiveAddressIndex"`
	ChangeAddressIndex  uint32 `json:"changeAddressIndex"`
	CopayerIndex        uint32 `json:"copayerIndex"`
}

// NewAddressManager builds a manager for one derivation branch.
func NewAddressManager(strategy string, copayerIndex uint32) *AddressManager {
	return &AddressManager{
		DerivationStrategy: strategy,
		CopayerIndex:       copayerIndex,
	}
}

// CurrentPath returns the derivation path the next address will use.
func (m *AddressManager) CurrentPath(isChange bool) string {
	chain, index := 0, m.ReceiveAddressIndex
	if isChange {
		chain, index = 1, m.ChangeAddressIndex
	}
	if m.DerivationStrategy == DerivationBIP45 {
		return fmt.Sprintf("m/%d/%d/%d", m.CopayerIndex, chain, index)
	}
	return fmt.Sprintf("m/%d/%d", chain, index)
}

// NewPath returns the current path and advances the chain index.
func (m *AddressManager) NewPath(isChange bool) string {
	path := m.CurrentPath(isChange)
	if isChange {
		m.ChangeAddressIndex++
	} else {
		m.ReceiveAddressIndex++
	}
	return path
}

// RewindIndex undoes up to n derivations on a chain. Used by the scan to
// drop the trailing window that showed no activity.
func (m *AddressManager) RewindIndex(isChange bool, n uint32) {
	if isChange {
		if n > m.ChangeAddressIndex {
			n = m.ChangeAddressIndex
		}
		m.ChangeAddressIndex -= n
	} else {
		if n > m.ReceiveAddressIndex {
			n = m.ReceiveAddressIndex
		}
		m.ReceiveAddressIndex -= n
	}
}
