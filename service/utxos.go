package service

import (
	"context"
	"fmt"

	"github.com/dan/bws/explorer"
	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// UTXO is a wallet unspent output annotated with its derivation info,
// reservation state and replaceability.
type UTXO struct {
	TxID          string   `json:"txid"`
	Vout          uint32   `json:"vout"`
	Address       string   `json:"address"`
	ScriptPubKey  string   `json:"scriptPubKey"`
	Satoshis      int64    `json:"satoshis"`
	Confirmations int64    `json:"confirmations"`
	Path          string   `json:"path"`
	PublicKeys    []string `json:"publicKeys"`
	Locked        bool     `json:"locked"`
	Unsafe        bool     `json:"unsafe,omitempty"`
}

// Outpoint is the (txid, vout) identity of the output.
func (u *UTXO) Outpoint() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}

func (u *UTXO) toInput() *wallet.TxInput {
	return &wallet.TxInput{
		TxID:          u.TxID,
		Vout:          u.Vout,
		Satoshis:      u.Satoshis,
		Address:       u.Address,
		ScriptPubKey:  u.ScriptPubKey,
		Confirmations: u.Confirmations,
		Path:          u.Path,
		PublicKeys:    u.PublicKeys,
	}
}

// GetUtxos returns the wallet's annotated unspent outputs. A non-empty
// addresses argument restricts the query to those addresses.
func (s *Service) GetUtxos(ctx context.Context, session *Session, addresses []string) ([]*UTXO, error) {
	w, err := s.fetchWallet(session.WalletID)
	if err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return s.walletUtxos(ctx, w, nil, true)
	}
	known, err := s.knownAddresses(w.ID, addresses)
	if err != nil {
		return nil, err
	}
	return s.walletUtxos(ctx, w, known, true)
}

// knownAddresses resolves the given addresses against the wallet's own,
// rejecting foreign ones.
func (s *Service) knownAddresses(walletID string, addresses []string) ([]*wallet.Address, error) {
	out := make([]*wallet.Address, 0, len(addresses))
	for _, a := range addresses {
		rec, err := s.store.FetchAddress(a)
		if err == storage.ErrNotFound || (err == nil && rec.WalletID != walletID) {
			return nil, wallet.NewClientError("Address not found in wallet")
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// walletUtxos queries the explorer for the unspent outputs of the given
// addresses (all wallet addresses when nil) and annotates them. Locked
// outputs are those reserved by proposals that still hold their inputs.
func (s *Service) walletUtxos(ctx context.Context, w *wallet.Wallet, addrs []*wallet.Address, checkSafety bool) ([]*UTXO, error) {
	var err error
	if addrs == nil {
		addrs, err = s.store.FetchAddresses(w.ID)
		if err != nil {
			return nil, err
		}
	}
	if len(addrs) == 0 {
		return []*UTXO{}, nil
	}

	byAddress := make(map[string]*wallet.Address, len(addrs))
	list := make([]string, 0, len(addrs))
	for _, a := range addrs {
		byAddress[a.Address] = a
		list = append(list, a.Address)
	}

	exp, err := s.explorerFor(w.Network)
	if err != nil {
		return nil, err
	}
	raw, err := exp.GetUtxos(ctx, list)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch utxos: %w", err)
	}

	lockedOutpoints, err := s.lockedOutpoints(w.ID)
	if err != nil {
		return nil, err
	}

	utxos := make([]*UTXO, 0, len(raw))
	for _, u := range raw {
		rec, ok := byAddress[u.Address]
		if !ok {
			s.log.Warn("explorer returned utxo for unknown address", "address", u.Address, "txid", u.TxID)
			continue
		}
		utxo := &UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Address:       u.Address,
			ScriptPubKey:  u.ScriptPubKey,
			Satoshis:      u.Satoshis,
			Confirmations: u.Confirmations,
			Path:          rec.Path,
			PublicKeys:    rec.PublicKeys,
		}
		utxo.Locked = lockedOutpoints[utxo.Outpoint()]
		utxos = append(utxos, utxo)
	}

	if checkSafety {
		s.tagUnsafeUtxos(ctx, exp, utxos)
	}
	return utxos, nil
}

// lockedOutpoints collects the outpoints reserved by proposals that are
// pending or accepted.
func (s *Service) lockedOutpoints(walletID string) (map[string]bool, error) {
	pending, err := s.store.FetchPendingTxProposals(walletID)
	if err != nil {
		return nil, err
	}
	locked := make(map[string]bool)
	for _, txp := range pending {
		for _, in := range txp.Inputs {
			locked[in.Outpoint()] = true
		}
	}
	return locked, nil
}

// tagUnsafeUtxos marks unconfirmed outputs whose source transaction could
// still be replaced. Verification results are shared across outputs of the
// same transaction.
func (s *Service) tagUnsafeUtxos(ctx context.Context, exp explorer.Explorer, utxos []*UTXO) {
	verdicts := make(map[string]bool)
	for _, u := range utxos {
		if u.Confirmations > 0 {
			continue
		}
		verdict, ok := verdicts[u.TxID]
		if !ok {
			verdict = s.isTxUnsafe(ctx, exp, u.TxID)
			verdicts[u.TxID] = verdict
		}
		u.Unsafe = verdict
	}
}

// isOwnTx reports whether a txid belongs to one of this service's own
// broadcasted proposals.
func (s *Service) isOwnTx(txid string) bool {
	txp, err := s.store.FetchTxProposalByTxID(txid)
	return err == nil && txp != nil
}

func signalsRBF(tx *explorer.Tx) bool {
	for _, in := range tx.Inputs {
		if in.Sequence < wallet.SequenceRBFCeiling {
			return true
		}
	}
	return false
}

func parentTxIDs(tx *explorer.Tx) []string {
	ids := make([]string, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		ids = append(ids, in.TxID)
	}
	return ids
}

// isTxUnsafe reports whether an unconfirmed transaction could still be
// replaced before confirming: it signals RBF itself, descends from an
// unconfirmed RBF ancestor, or carries more unconfirmed ancestry than we
// are willing to verify. The wallet's own transactions are final by
// construction and need no lookup.
func (s *Service) isTxUnsafe(ctx context.Context, exp explorer.Explorer, txid string) bool {
	if s.isOwnTx(txid) {
		return false
	}
	tx, err := exp.GetTransaction(ctx, txid)
	if err != nil {
		s.log.Warn("failed to verify utxo source, treating as unsafe", "txid", txid, "err", err)
		return true
	}
	if signalsRBF(tx) {
		return true
	}

	seen := map[string]bool{txid: true}
	queue := parentTxIDs(tx)
	verified := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if s.isOwnTx(id) {
			continue
		}
		parent, err := exp.GetTransaction(ctx, id)
		if err != nil {
			s.log.Warn("failed to verify utxo ancestor, treating as unsafe", "txid", id, "err", err)
			return true
		}
		if parent.Confirmations > 0 {
			continue
		}
		verified++
		if verified > s.opts.MaxAncestorsToVerify {
			return true
		}
		if signalsRBF(parent) {
			return true
		}
		queue = append(queue, parentTxIDs(parent)...)
	}
	return false
}
