package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// newTestAccountKey returns a deterministic account-level extended private
// key derived from a one-byte seed.
func newTestAccountKey(t *testing.T, seedByte byte, network string) *hdkeychain.ExtendedKey {
	t.Helper()
	params, err := NetworkParams(network)
	if err != nil {
		t.Fatalf("NetworkParams() error = %v", err)
	}
	master, err := hdkeychain.NewMaster(bytes.Repeat([]byte{seedByte}, 32), params)
	if err != nil {
		t.Fatalf("NewMaster() error = %v", err)
	}
	key, err := master.Derive(hdkeychain.HardenedKeyStart + 45)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	return key
}

func neuterKey(t *testing.T, key *hdkeychain.ExtendedKey) string {
	t.Helper()
	pub, err := key.Neuter()
	if err != nil {
		t.Fatalf("Neuter() error = %v", err)
	}
	return pub.String()
}

func compressedPubHex(t *testing.T, key *hdkeychain.ExtendedKey) string {
	t.Helper()
	pub, err := key.ECPubKey()
	if err != nil {
		t.Fatalf("ECPubKey() error = %v", err)
	}
	return hex.EncodeToString(pub.SerializeCompressed())
}

// newTestWallet builds a complete m-of-n livenet wallet. Copayer i holds
// the account key seeded with byte i+1; the returned keys are in join
// order.
func newTestWallet(t *testing.T, m, n int) (*Wallet, []*hdkeychain.ExtendedKey) {
	t.Helper()
	secretKey := newTestAccountKey(t, 0xEE, NetworkLivenet)
	w, err := NewWallet(WalletOpts{
		Name:    "test wallet",
		M:       m,
		N:       n,
		Network: NetworkLivenet,
		PubKey:  compressedPubHex(t, secretKey),
	})
	if err != nil {
		t.Fatalf("NewWallet() error = %v", err)
	}
	keys := make([]*hdkeychain.ExtendedKey, n)
	for i := 0; i < n; i++ {
		acct := newTestAccountKey(t, byte(i+1), NetworkLivenet)
		keys[i] = acct
		reqKey, err := DeriveByPath(acct, RequestKeyAuthPath)
		if err != nil {
			t.Fatalf("DeriveByPath() error = %v", err)
		}
		c, err := w.NewCopayer(fmt.Sprintf("copayer %d", i+1), neuterKey(t, acct), compressedPubHex(t, reqKey), "", "")
		if err != nil {
			t.Fatalf("NewCopayer() error = %v", err)
		}
		w.AddCopayer(c)
	}
	return w, keys
}

// signProposal produces the per-input DER signatures the holder of the
// account key would submit for the proposal.
func signProposal(t *testing.T, txp *TxProposal, acct *hdkeychain.ExtendedKey) []string {
	t.Helper()
	tx, err := BuildUnsignedTx(txp)
	if err != nil {
		t.Fatalf("BuildUnsignedTx() error = %v", err)
	}
	hashes, err := SignatureHashes(txp, tx)
	if err != nil {
		t.Fatalf("SignatureHashes() error = %v", err)
	}
	sigs := make([]string, len(txp.Inputs))
	for i, in := range txp.Inputs {
		key, err := DeriveByPath(acct, in.Path)
		if err != nil {
			t.Fatalf("DeriveByPath(%s) error = %v", in.Path, err)
		}
		priv, err := key.ECPrivKey()
		if err != nil {
			t.Fatalf("ECPrivKey() error = %v", err)
		}
		sigs[i] = hex.EncodeToString(ecdsa.Sign(priv, hashes[i]).Serialize())
	}
	return sigs
}
