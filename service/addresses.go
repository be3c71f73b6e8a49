package service

import (
	"context"

	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// CreateAddress derives the next receive address. Single-address wallets
// always return their first address. Derivation stops when the trailing
// run of unused main addresses reaches the gap limit, unless ignoreMaxGap
// is set.
func (s *Service) CreateAddress(ctx context.Context, session *Session, ignoreMaxGap bool) (*wallet.Address, error) {
	var addr *wallet.Address
	err := s.runLocked(ctx, session.WalletID, func() error {
		w, err := s.fetchWallet(session.WalletID)
		if err != nil {
			return err
		}
		if !w.IsComplete() {
			return wallet.ErrWalletNotComplete
		}

		if w.SingleAddress {
			existing, err := s.store.FetchFirstMainAddress(w.ID)
			if err != nil && err != storage.ErrNotFound {
				return err
			}
			if existing != nil {
				addr = existing
				return nil
			}
		} else if !ignoreMaxGap {
			ok, err := s.canCreateAddress(ctx, w)
			if err != nil {
				return err
			}
			if !ok {
				return wallet.ErrMainAddressGapReached
			}
		}

		addr, err = w.CreateAddress(false)
		if err != nil {
			return err
		}
		if err := s.store.StoreAddressesAndWallet(w, []*wallet.Address{addr}); err != nil {
			return err
		}
		s.notify(w.ID, session.CopayerID, wallet.NotifyNewAddress, map[string]interface{}{
			"address": addr.Address,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return addr, nil
}

// canCreateAddress enforces the main-address gap limit. When the last
// MaxMainAddressGap main addresses all lack recorded activity, the
// explorer is consulted newest first; the first live hit is persisted as
// usage and unblocks derivation.
func (s *Service) canCreateAddress(ctx context.Context, w *wallet.Wallet) (bool, error) {
	all, err := s.store.FetchAddresses(w.ID)
	if err != nil {
		return false, err
	}
	var main []*wallet.Address
	for _, a := range all {
		if !a.IsChange {
			main = append(main, a)
		}
	}
	if len(main) < s.opts.MaxMainAddressGap {
		return true, nil
	}
	latest := main[len(main)-s.opts.MaxMainAddressGap:]
	for i := len(latest) - 1; i >= 0; i-- {
		if latest[i].HasActivity {
			return true, nil
		}
	}

	exp, err := s.explorerFor(w.Network)
	if err != nil {
		return false, err
	}
	for i := len(latest) - 1; i >= 0; i-- {
		active, err := exp.GetAddressActivity(ctx, latest[i].Address)
		if err != nil {
			return false, err
		}
		if active {
			if err := s.store.MarkAddressesUsed([]string{latest[i].Address}, s.now().Unix()); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// GetMainAddresses lists the wallet's receive addresses in derivation
// order. reverse returns newest first; limit truncates after ordering.
func (s *Service) GetMainAddresses(ctx context.Context, session *Session, limit int, reverse bool) ([]*wallet.Address, error) {
	all, err := s.store.FetchAddresses(session.WalletID)
	if err != nil {
		return nil, err
	}
	main := make([]*wallet.Address, 0, len(all))
	for _, a := range all {
		if !a.IsChange {
			main = append(main, a)
		}
	}
	if reverse {
		for i, j := 0, len(main)-1; i < j; i, j = i+1, j-1 {
			main[i], main[j] = main[j], main[i]
		}
	}
	if limit > 0 && limit < len(main) {
		main = main[:limit]
	}
	return main, nil
}
