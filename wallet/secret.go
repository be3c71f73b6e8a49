package wallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// Secret is the shareable joining credential for a wallet: the wallet id,
// the wallet-secret private key and the network flag. Whoever holds it can
// prove knowledge of the secret key when joining.
type Secret struct {
	WalletID string
	WIF      *btcutil.WIF
	Network  string
}

// EncodeSecret serializes a secret as <walletId>:<WIF>:<L|T>.
func EncodeSecret(s Secret) (string, error) {
	if !ValidNetwork(s.Network) {
		return "", fmt.Errorf("unknown network: %s", s.Network)
	}
	networkChar := "L"
	if s.Network == NetworkTestnet {
		networkChar = "T"
	}
	return strings.Join([]string{s.WalletID, s.WIF.String(), networkChar}, ":"), nil
}

// DecodeSecret parses a joining secret and checks the embedded key against
// the declared network.
func DecodeSecret(secret string) (Secret, error) {
	parts := strings.Split(secret, ":")
	if len(parts) != 3 {
		return Secret{}, fmt.Errorf("invalid secret format")
	}
	wif, err := btcutil.DecodeWIF(parts[1])
	if err != nil {
		return Secret{}, fmt.Errorf("invalid secret key: %w", err)
	}
	var network string
	switch parts[2] {
	case "L":
		network = NetworkLivenet
	case "T":
		network = NetworkTestnet
	default:
		return Secret{}, fmt.Errorf("invalid secret network flag %q", parts[2])
	}
	params, err := NetworkParams(network)
	if err != nil {
		return Secret{}, err
	}
	if !wif.IsForNet(params) {
		return Secret{}, fmt.Errorf("secret key does not match network %s", network)
	}
	return Secret{WalletID: parts[0], WIF: wif, Network: network}, nil
}
