package service

import (
	"context"
	"fmt"

	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// NetworkStats aggregates one network's wallets and proposals.
type NetworkStats struct {
	TotalWallets      int            `json:"totalWallets"`
	CompleteWallets   int            `json:"completeWallets"`
	SingleAddress     int            `json:"singleAddressWallets"`
	TotalCopayers     int            `json:"totalCopayers"`
	TxProposals       map[string]int `json:"txProposals"`
	BroadcastedAmount int64          `json:"broadcastedAmount"`
	WalletSizes       map[string]int `json:"walletSizes"`
}

// Stats is a point-in-time aggregate across all wallets, keyed by network.
type Stats struct {
	GeneratedOn int64                    `json:"generatedOn"`
	Networks    map[string]*NetworkStats `json:"networks"`
}

// GetStats walks every wallet and its proposals. It is a full scan: callers
// are expected to be dashboards, not clients in a hot path.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	wallets, err := s.store.FetchAllWallets()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		GeneratedOn: s.now().Unix(),
		Networks:    make(map[string]*NetworkStats),
	}
	for _, w := range wallets {
		ns := stats.Networks[w.Network]
		if ns == nil {
			ns = &NetworkStats{
				TxProposals: make(map[string]int),
				WalletSizes: make(map[string]int),
			}
			stats.Networks[w.Network] = ns
		}
		ns.TotalWallets++
		if w.IsComplete() {
			ns.CompleteWallets++
		}
		if w.SingleAddress {
			ns.SingleAddress++
		}
		ns.TotalCopayers += len(w.Copayers)
		ns.WalletSizes[walletSizeKey(w)]++

		txps, err := s.store.FetchTxProposals(w.ID, storage.TxQuery{})
		if err != nil {
			return nil, err
		}
		for _, txp := range txps {
			ns.TxProposals[txp.Status]++
			if txp.Status == wallet.TxStatusBroadcasted {
				ns.BroadcastedAmount += txp.Amount
			}
		}
	}
	return stats, nil
}

func walletSizeKey(w *wallet.Wallet) string {
	return fmt.Sprintf("%d-of-%d", w.M, w.N)
}
