package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// NetworkLivenet and NetworkTestnet are the supported network names.
	NetworkLivenet = "livenet"
	NetworkTestnet = "testnet"

	// RequestKeyAuthPath is the fixed non-hardened path, relative to a
	// copayer's account-level xpub, whose key authorizes additional
	// request keys (addAccess).
	RequestKeyAuthPath = "m/2"

	// SharedCosignerIndex is the joint branch index used for wallet-level
	// address derivation under BIP45 (per-copayer branches use the
	// copayer's own index).
	SharedCosignerIndex = 0x7FFFFFFF
)

// NetworkParams returns the chain configuration for the given network name
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case NetworkLivenet:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	default:
		return nil, fmt.Errorf("unknown network: %s (supported: livenet, testnet)", network)
	}
}

// ValidNetwork reports whether network names a supported chain.
func ValidNetwork(network string) bool {
	return network == NetworkLivenet || network == NetworkTestnet
}

// XPubToCopayerID derives the canonical copayer identity from an extended
// public key: the hex-encoded sha256 of the serialized xpub string.
func XPubToCopayerID(xPubKey string) string {
	hash := sha256.Sum256([]byte(xPubKey))
	return hex.EncodeToString(hash[:])
}

// ParseXPub decodes and sanity-checks an extended public key
func ParseXPub(xPubKey string) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(xPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse extended public key: %w", err)
	}
	if key.IsPrivate() {
		return nil, fmt.Errorf("extended key is private, expected public")
	}
	return key, nil
}

// DeriveByPath derives a child of an extended key along a relative path of
// the form m/x/y/z. Hardened components are rejected: all server-side
// derivation happens on public keys.
func DeriveByPath(key *hdkeychain.ExtendedKey, path string) (*hdkeychain.ExtendedKey, error) {
	indices, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	derived := key
	for _, index := range indices {
		derived, err = derived.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child %d of %s: %w", index, path, err)
		}
	}
	return derived, nil
}

// DerivePubKeyByPath derives the EC public key at a relative path of an xpub.
func DerivePubKeyByPath(xPubKey, path string) (*btcec.PublicKey, error) {
	key, err := ParseXPub(xPubKey)
	if err != nil {
		return nil, err
	}
	child, err := DeriveByPath(key, path)
	if err != nil {
		return nil, err
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get EC public key: %w", err)
	}
	return pubKey, nil
}

func parsePath(path string) ([]uint32, error) {
	components := strings.Split(path, "/")
	if len(components) == 0 || components[0] != "m" {
		return nil, fmt.Errorf("invalid derivation path: %s", path)
	}
	indices := make([]uint32, 0, len(components)-1)
	for _, c := range components[1:] {
		if strings.HasSuffix(c, "'") {
			return nil, fmt.Errorf("hardened derivation not supported on public keys: %s", path)
		}
		index, err := strconv.ParseUint(c, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid derivation path component %q: %w", c, err)
		}
		if index >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("derivation index %d out of range", index)
		}
		indices = append(indices, uint32(index))
	}
	return indices, nil
}

// HashMessage computes the double-sha256 digest request and proposal
// signatures are made over.
func HashMessage(message string) []byte {
	return chainhash.DoubleHashB([]byte(message))
}

// VerifyMessage checks a hex DER ECDSA signature over the double-sha256 of
// message against a hex-encoded compressed public key.
func VerifyMessage(message, signatureHex, pubKeyHex string) bool {
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false
	}
	pubKey, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	return sig.Verify(HashMessage(message), pubKey)
}

// SignMessage produces the hex DER ECDSA signature over the double-sha256
// of message. The server never signs on behalf of clients; this is used by
// tooling and tests to produce client-side signatures.
func SignMessage(message string, privKey *btcec.PrivateKey) string {
	sig := ecdsa.Sign(privKey, HashMessage(message))
	return hex.EncodeToString(sig.Serialize())
}

// CopayerHash is the message a joining copayer signs with the wallet
// secret key: name|xPubKey|requestPubKey.
func CopayerHash(name, xPubKey, requestPubKey string) string {
	return strings.Join([]string{name, xPubKey, requestPubKey}, "|")
}

// VerifyRequestPubKey checks that a new request public key was authorized
// by the holder of xPubKey: the signature must verify against the key
// derived at RequestKeyAuthPath.
func VerifyRequestPubKey(requestPubKey, signatureHex, xPubKey string) bool {
	authKey, err := DerivePubKeyByPath(xPubKey, RequestKeyAuthPath)
	if err != nil {
		return false
	}
	return VerifyMessage(requestPubKey, signatureHex, hex.EncodeToString(authKey.SerializeCompressed()))
}
