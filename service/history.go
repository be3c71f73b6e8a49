package service

import (
	"context"
	"encoding/json"

	"github.com/dan/bws/explorer"
	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// defaultHistoryPage is the page size when the client does not ask for one.
const defaultHistoryPage = 50

// HistoryAction mirrors a proposal vote on a history item, without the
// signatures.
type HistoryAction struct {
	CopayerID   string `json:"copayerId"`
	CopayerName string `json:"copayerName,omitempty"`
	Type        string `json:"type"`
	CreatedOn   int64  `json:"createdOn"`
	Comment     string `json:"comment,omitempty"`
}

// HistoryOutput is one destination of a sent transaction.
type HistoryOutput struct {
	Address string `json:"address,omitempty"`
	Amount  int64  `json:"amount"`
	Message string `json:"message,omitempty"`
}

// HistoryItem is one wallet-perspective history entry: the raw transaction
// reduced to direction and net amount, decorated with the matching proposal
// when the wallet itself produced the transaction.
type HistoryItem struct {
	TxID          string           `json:"txid"`
	Action        string           `json:"action"`
	Amount        int64            `json:"amount"`
	Fees          int64            `json:"fees"`
	Time          int64            `json:"time"`
	AddressTo     string           `json:"addressTo,omitempty"`
	Confirmations int64            `json:"confirmations"`
	Outputs       []*HistoryOutput `json:"outputs,omitempty"`
	ProposalID    string           `json:"proposalId,omitempty"`
	CreatorName   string           `json:"creatorName,omitempty"`
	Message       string           `json:"message,omitempty"`
	CustomData    string           `json:"customData,omitempty"`
	Actions       []*HistoryAction `json:"actions,omitempty"`
}

// History directions.
const (
	historyActionSent     = "sent"
	historyActionReceived = "received"
	historyActionMoved    = "moved"
)

// GetTxHistory returns a page of the wallet's transaction history, newest
// first. Pages within the cacheable prefix are answered from the history
// cache until the monitor invalidates it.
func (s *Service) GetTxHistory(ctx context.Context, session *Session, skip, limit int) ([]*HistoryItem, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultHistoryPage
	}
	if limit > s.opts.HistoryLimit {
		return nil, wallet.ErrHistoryLimitExceeded
	}

	w, err := s.fetchWallet(session.WalletID)
	if err != nil {
		return nil, err
	}
	addrs, err := s.store.FetchAddresses(w.ID)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return []*HistoryItem{}, nil
	}

	if items, ok := s.historyFromCache(w.ID, skip, limit); ok {
		return items, nil
	}

	exp, err := s.explorerFor(w.Network)
	if err != nil {
		return nil, err
	}

	// Pages within the history limit are fetched from zero so the whole
	// prefix can be cached; deeper reads bypass the cache.
	cacheable := skip+limit <= s.opts.HistoryLimit
	from, to := skip, skip+limit
	if cacheable {
		from = 0
	}
	addresses := make([]string, len(addrs))
	for i, a := range addrs {
		addresses[i] = a.Address
	}
	page, err := exp.GetTransactions(ctx, addresses, from, to)
	if err != nil {
		return nil, err
	}

	txps, err := s.GetTxProposals(ctx, session, storage.TxQuery{})
	if err != nil {
		return nil, err
	}
	items := decorateHistory(page.Items, addrs, txps)

	if cacheable {
		if err := s.storeHistoryCache(w.ID, items); err != nil {
			s.log.Warn("failed to cache tx history", "wallet", w.ID, "err", err)
		}
		if skip >= len(items) {
			return []*HistoryItem{}, nil
		}
		end := skip + limit
		if end > len(items) {
			end = len(items)
		}
		return items[skip:end], nil
	}
	return items, nil
}

func (s *Service) historyFromCache(walletID string, skip, limit int) ([]*HistoryItem, bool) {
	c, err := s.store.FetchTxHistoryCache(walletID)
	if err != nil || !c.Valid || len(c.Items) == 0 {
		return nil, false
	}
	var items []*HistoryItem
	if err := json.Unmarshal(c.Items, &items); err != nil {
		s.log.Warn("discarding unreadable history cache", "wallet", walletID, "err", err)
		return nil, false
	}
	if skip+limit > len(items) {
		return nil, false
	}
	return items[skip : skip+limit], true
}

func (s *Service) storeHistoryCache(walletID string, items []*HistoryItem) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return s.store.StoreTxHistoryCache(walletID, &storage.TxHistoryCache{
		Valid:     true,
		UpdatedOn: s.now().Unix(),
		Items:     raw,
	})
}

// decorateHistory reduces raw transactions to the wallet's point of view.
// The direction falls out of where the value came from and went: all funds
// in and out of own addresses is a move, a positive net outflow is a send,
// anything else is a receive.
func decorateHistory(txs []*explorer.Tx, addrs []*wallet.Address, txps []*wallet.TxProposal) []*HistoryItem {
	owned := make(map[string]*wallet.Address, len(addrs))
	for _, a := range addrs {
		owned[a.Address] = a
	}
	proposals := make(map[string]*wallet.TxProposal, len(txps))
	for _, txp := range txps {
		if txp.TxID != "" {
			proposals[txp.TxID] = txp
		}
	}

	items := make([]*HistoryItem, 0, len(txs))
	for _, tx := range txs {
		var amountIn, amountOut, amountOutChange int64
		for _, in := range tx.Inputs {
			if _, mine := owned[in.Address]; mine {
				amountIn += in.ValueSat
			}
		}
		for _, out := range tx.Outputs {
			a := ownedOutput(owned, out)
			if a == nil {
				continue
			}
			if a.IsChange {
				amountOutChange += out.ValueSat
			} else {
				amountOut += out.ValueSat
			}
		}

		fees := tx.FeeSat
		var spentFees int64
		if amountIn > 0 {
			spentFees = fees
		}
		item := &HistoryItem{
			TxID:          tx.TxID,
			Fees:          fees,
			Time:          tx.Time,
			Confirmations: tx.Confirmations,
		}
		if amountIn == amountOut+amountOutChange+spentFees {
			item.Action = historyActionMoved
			item.Amount = amountOut
		} else {
			amount := amountIn - amountOut - amountOutChange - spentFees
			if amount > 0 {
				item.Action = historyActionSent
			} else {
				item.Action = historyActionReceived
			}
			if amount < 0 {
				amount = -amount
			}
			item.Amount = amount
		}

		if item.Action == historyActionSent || item.Action == historyActionMoved {
			item.AddressTo = "N/A"
			for _, out := range tx.Outputs {
				if ownedOutput(owned, out) == nil && len(out.Addresses) > 0 {
					item.AddressTo = out.Addresses[0]
					break
				}
			}
		}
		if item.Action == historyActionSent {
			for _, out := range tx.Outputs {
				if ownedOutput(owned, out) != nil || len(out.Addresses) == 0 {
					continue
				}
				item.Outputs = append(item.Outputs, &HistoryOutput{
					Address: out.Addresses[0],
					Amount:  out.ValueSat,
				})
			}
		}

		if txp := proposals[tx.TxID]; txp != nil {
			item.ProposalID = txp.ID
			item.CreatorName = txp.CreatorName
			item.Message = txp.Message
			item.CustomData = txp.CustomData
			for _, action := range txp.Actions {
				item.Actions = append(item.Actions, &HistoryAction{
					CopayerID:   action.CopayerID,
					CopayerName: action.CopayerName,
					Type:        action.Type,
					CreatedOn:   action.CreatedOn,
					Comment:     action.Comment,
				})
			}
			for _, out := range item.Outputs {
				for _, po := range txp.Outputs {
					if po.ToAddress == out.Address && po.Amount == out.Amount {
						out.Message = po.Message
						break
					}
				}
			}
		}
		items = append(items, item)
	}
	return items
}

// ownedOutput returns the wallet address an output pays to, or nil.
func ownedOutput(owned map[string]*wallet.Address, out *explorer.TxOutput) *wallet.Address {
	for _, addr := range out.Addresses {
		if a, ok := owned[addr]; ok {
			return a
		}
	}
	return nil
}
