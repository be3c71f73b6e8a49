package wallet

import (
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Address is a derived wallet address. PublicKeys holds the derived EC
// keys in the exact order the output script uses them (sorted), so the
// signing order for P2SH spends is unambiguous.
type Address struct {
	Address     string   `json:"address"`
	WalletID    string   `json:"walletId"`
	CreatedOn   int64    `json:"createdOn"`
	IsChange    bool     `json:"isChange"`
	Path        string   `json:"path"`
	PublicKeys  []string `json:"publicKeys"`
	Network     string   `json:"network"`
	Type        string   `json:"type"`
	HasActivity bool     `json:"hasActivity"`
	LastUsedOn  int64    `json:"lastUsedOn,omitempty"`
}

// DeriveAddress derives the address at a relative path from the wallet's
// joint public-key ring. Every copayer contributes the same child of their
// own xpub; the keys are sorted and assembled into the wallet's script type.
func DeriveAddress(w *Wallet, path string, isChange bool) (*Address, error) {
	params, err := NetworkParams(w.Network)
	if err != nil {
		return nil, err
	}

	publicKeys := make([]string, 0, len(w.Copayers))
	for _, xPubKey := range w.PublicKeyRing() {
		pubKey, err := DerivePubKeyByPath(xPubKey, path)
		if err != nil {
			return nil, fmt.Errorf("failed to derive ring key at %s: %w", path, err)
		}
		publicKeys = append(publicKeys, hex.EncodeToString(pubKey.SerializeCompressed()))
	}
	sort.Strings(publicKeys)

	var encoded string
	switch w.AddressType {
	case AddressTypeP2SH:
		script, err := MultiSigRedeemScript(publicKeys, w.M, params)
		if err != nil {
			return nil, err
		}
		addr, err := btcutil.NewAddressScriptHash(script, params)
		if err != nil {
			return nil, fmt.Errorf("failed to create P2SH address: %w", err)
		}
		encoded = addr.EncodeAddress()
	case AddressTypeP2PKH:
		if len(publicKeys) != 1 {
			return nil, fmt.Errorf("P2PKH address requires a single key, got %d", len(publicKeys))
		}
		keyBytes, err := hex.DecodeString(publicKeys[0])
		if err != nil {
			return nil, fmt.Errorf("failed to decode derived key: %w", err)
		}
		addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(keyBytes), params)
		if err != nil {
			return nil, fmt.Errorf("failed to create P2PKH address: %w", err)
		}
		encoded = addr.EncodeAddress()
	default:
		return nil, fmt.Errorf("unsupported address type: %s", w.AddressType)
	}

	return &Address{
		Address:    encoded,
		WalletID:   w.ID,
		CreatedOn:  time.Now().Unix(),
		IsChange:   isChange,
		Path:       path,
		PublicKeys: publicKeys,
		Network:    w.Network,
		Type:       w.AddressType,
	}, nil
}

// MultiSigRedeemScript assembles the m-of-n CHECKMULTISIG redeem script over
// hex-encoded compressed keys, preserving the given key order.
func MultiSigRedeemScript(publicKeys []string, m int, params *chaincfg.Params) ([]byte, error) {
	addrPubKeys := make([]*btcutil.AddressPubKey, 0, len(publicKeys))
	for _, key := range publicKeys {
		keyBytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("failed to decode public key %s: %w", key, err)
		}
		addrPubKey, err := btcutil.NewAddressPubKey(keyBytes, params)
		if err != nil {
			return nil, fmt.Errorf("invalid public key %s: %w", key, err)
		}
		addrPubKeys = append(addrPubKeys, addrPubKey)
	}
	script, err := txscript.MultiSigScript(addrPubKeys, m)
	if err != nil {
		return nil, fmt.Errorf("failed to build multisig script: %w", err)
	}
	return script, nil
}

// ScriptPubKey returns the output script paying to an address.
func ScriptPubKey(address, network string) ([]byte, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create scriptPubKey: %w", err)
	}
	return script, nil
}

// CheckAddress validates a destination address against the wallet network.
// The distinction between a malformed address and a valid address of the
// wrong network is part of the client error surface.
func CheckAddress(address, network string) error {
	params, err := NetworkParams(network)
	if err != nil {
		return err
	}
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		// A parseable address of the opposite network decodes fine
		// against its own params.
		other := NetworkTestnet
		if network == NetworkTestnet {
			other = NetworkLivenet
		}
		otherParams, _ := NetworkParams(other)
		if _, otherErr := btcutil.DecodeAddress(address, otherParams); otherErr == nil {
			return ErrIncorrectAddressNetwork
		}
		return ErrInvalidAddress
	}
	if !addr.IsForNet(params) {
		return ErrIncorrectAddressNetwork
	}
	return nil
}
