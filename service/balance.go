package service

import (
	"context"
	"sort"
	"time"

	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// recentAddressWindow bounds how far back an address still counts as
// recent for the fast half of a two-step balance.
const recentAddressWindow = 24 * time.Hour

const twoStepRecheckTimeout = time.Minute

// balanceFromUtxos totalizes annotated outputs into a balance.
func balanceFromUtxos(utxos []*UTXO) *wallet.Balance {
	b := &wallet.Balance{ByAddress: []wallet.AddressBalance{}}
	perAddress := make(map[string]*wallet.AddressBalance)
	for _, u := range utxos {
		b.TotalAmount += u.Satoshis
		if u.Locked {
			b.LockedAmount += u.Satoshis
		}
		if u.Confirmations > 0 {
			b.TotalConfirmedAmount += u.Satoshis
			if u.Locked {
				b.LockedConfirmedAmount += u.Satoshis
			}
		}
		if u.Unsafe {
			b.TotalUnsafeAmount += u.Satoshis
		}
		ab, ok := perAddress[u.Address]
		if !ok {
			ab = &wallet.AddressBalance{Address: u.Address, Path: u.Path}
			perAddress[u.Address] = ab
		}
		ab.Amount += u.Satoshis
	}
	b.AvailableAmount = b.TotalAmount - b.LockedAmount
	b.AvailableConfirmedAmount = b.TotalConfirmedAmount - b.LockedConfirmedAmount

	for _, ab := range perAddress {
		b.ByAddress = append(b.ByAddress, *ab)
	}
	sort.Slice(b.ByAddress, func(i, j int) bool {
		return b.ByAddress[i].Address < b.ByAddress[j].Address
	})
	return b
}

// GetBalance computes the wallet balance from its unspent outputs. With
// twoStep set and an address set past the threshold, the balance of the
// recently active addresses is returned immediately and the full set is
// rechecked in the background; a difference is announced as a
// BalanceUpdated notification.
func (s *Service) GetBalance(ctx context.Context, session *Session, twoStep bool) (*wallet.Balance, error) {
	w, err := s.fetchWallet(session.WalletID)
	if err != nil {
		return nil, err
	}
	addrs, err := s.store.FetchAddresses(w.ID)
	if err != nil {
		return nil, err
	}
	if !twoStep || len(addrs) < s.opts.TwoStepBalanceThreshold {
		return s.fullBalance(ctx, w, addrs)
	}

	active := s.activeAddresses(w.ID, addrs)
	partial, err := s.computeBalance(ctx, w, active)
	if err != nil {
		return nil, err
	}
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), twoStepRecheckTimeout)
		defer cancel()
		if err := s.recheckBalance(rctx, w, partial); err != nil {
			s.log.Warn("background balance recheck failed", "wallet", w.ID, "err", err)
		}
	}()
	return partial, nil
}

// activeAddresses picks the addresses worth querying first: those with
// recorded activity, those the last full balance saw funds on, and
// anything derived inside the recent window.
func (s *Service) activeAddresses(walletID string, addrs []*wallet.Address) []*wallet.Address {
	funded := make(map[string]bool)
	if cache, err := s.store.FetchBalanceCache(walletID); err == nil && cache.Balance != nil {
		for _, ab := range cache.Balance.ByAddress {
			funded[ab.Address] = true
		}
	}
	cutoff := s.now().Add(-recentAddressWindow).Unix()
	active := make([]*wallet.Address, 0, len(addrs))
	for _, a := range addrs {
		if a.HasActivity || funded[a.Address] || a.CreatedOn > cutoff {
			active = append(active, a)
		}
	}
	return active
}

func (s *Service) computeBalance(ctx context.Context, w *wallet.Wallet, addrs []*wallet.Address) (*wallet.Balance, error) {
	utxos, err := s.walletUtxos(ctx, w, addrs, true)
	if err != nil {
		return nil, err
	}
	b := balanceFromUtxos(utxos)
	b.TotalBytesToSendMax = sendMaxSizeEstimate(w, utxos)
	return b, nil
}

// sendMaxSizeEstimate is the serialized size of a transaction spending
// every currently spendable output.
func sendMaxSizeEstimate(w *wallet.Wallet, utxos []*UTXO) int64 {
	var spendable int64
	for _, u := range utxos {
		if !u.Locked && !u.Unsafe {
			spendable++
		}
	}
	sizer := &wallet.TxProposal{
		WalletM:            w.M,
		WalletN:            w.N,
		RequiredSignatures: w.M,
		AddressType:        w.AddressType,
	}
	return sizer.EstimatedSizeWithInputs(spendable)
}

// fullBalance computes the balance over every address and refreshes the
// stored snapshot.
func (s *Service) fullBalance(ctx context.Context, w *wallet.Wallet, addrs []*wallet.Address) (*wallet.Balance, error) {
	b, err := s.computeBalance(ctx, w, addrs)
	if err != nil {
		return nil, err
	}
	cache := &storage.BalanceCache{
		Balance:     b,
		UpdatedOn:   s.now().Unix(),
		NbAddresses: len(addrs),
	}
	if err := s.store.StoreBalanceCache(w.ID, cache); err != nil {
		s.log.Warn("failed to store balance snapshot", "wallet", w.ID, "err", err)
	}
	return b, nil
}

// recheckBalance recomputes the full balance after a partial answer was
// served and announces any difference.
func (s *Service) recheckBalance(ctx context.Context, w *wallet.Wallet, served *wallet.Balance) error {
	addrs, err := s.store.FetchAddresses(w.ID)
	if err != nil {
		return err
	}
	full, err := s.fullBalance(ctx, w, addrs)
	if err != nil {
		return err
	}
	if balancesEqual(served, full) {
		return nil
	}
	s.notify(w.ID, "", wallet.NotifyBalanceUpdated, balanceData(full))
	return nil
}

func balancesEqual(a, b *wallet.Balance) bool {
	return a.TotalAmount == b.TotalAmount &&
		a.LockedAmount == b.LockedAmount &&
		a.TotalConfirmedAmount == b.TotalConfirmedAmount &&
		a.LockedConfirmedAmount == b.LockedConfirmedAmount &&
		a.TotalUnsafeAmount == b.TotalUnsafeAmount &&
		a.TotalBytesToSendMax == b.TotalBytesToSendMax
}

func balanceData(b *wallet.Balance) map[string]interface{} {
	return map[string]interface{}{
		"totalAmount":              b.TotalAmount,
		"lockedAmount":             b.LockedAmount,
		"totalConfirmedAmount":     b.TotalConfirmedAmount,
		"lockedConfirmedAmount":    b.LockedConfirmedAmount,
		"availableAmount":          b.AvailableAmount,
		"availableConfirmedAmount": b.AvailableConfirmedAmount,
		"totalUnsafeAmount":        b.TotalUnsafeAmount,
	}
}
