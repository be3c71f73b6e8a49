package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dan/bws/wallet"
)

// scanTimeout bounds a detached scan run.
const scanTimeout = 10 * time.Minute

// derivator walks one derivation branch: shared receive, shared change, and
// under BIP45 optionally each copayer's own branches.
type derivator struct {
	manager  *wallet.AddressManager
	isChange bool
}

func (d *derivator) derive(w *wallet.Wallet) (*wallet.Address, error) {
	path := d.manager.NewPath(d.isChange)
	return wallet.DeriveAddress(w, path, d.isChange)
}

func (d *derivator) rewind(n uint32) {
	d.manager.RewindIndex(d.isChange, n)
}

// StartScan kicks off an address scan for the session wallet and returns
// immediately. The scan itself runs detached, under the wallet lock, and
// reports its outcome through the wallet's scanStatus and a ScanFinished
// notification.
func (s *Service) StartScan(ctx context.Context, session *Session, includeCopayerBranches bool) error {
	err := s.runLocked(ctx, session.WalletID, func() error {
		w, err := s.fetchWallet(session.WalletID)
		if err != nil {
			return err
		}
		if !w.IsComplete() {
			return wallet.ErrWalletNotComplete
		}
		w.ScanStatus = wallet.ScanStatusRunning
		return s.store.StoreWallet(w)
	})
	if err != nil {
		return err
	}

	go s.scan(session.WalletID, includeCopayerBranches)
	return nil
}

// scan derives fresh addresses on every branch until a full gap of
// consecutive inactive ones, persists the active window and rewinds the
// managers past the inactive tail.
func (s *Service) scan(walletID string, includeCopayerBranches bool) {
	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	err := s.runLocked(ctx, walletID, func() error {
		w, err := s.fetchWallet(walletID)
		if err != nil {
			return err
		}
		exp, err := s.explorerFor(w.Network)
		if err != nil {
			return err
		}

		derivators := scanDerivators(w, includeCopayerBranches)
		found := make([][]*wallet.Address, len(derivators))
		g, gctx := errgroup.WithContext(ctx)
		for i, d := range derivators {
			i, d := i, d
			g.Go(func() error {
				addrs, err := s.scanBranch(gctx, w, exp, d)
				if err != nil {
					return err
				}
				found[i] = addrs
				return nil
			})
		}
		scanErr := g.Wait()

		if scanErr != nil {
			w.ScanStatus = wallet.ScanStatusError
			if storeErr := s.store.StoreWallet(w); storeErr != nil {
				s.log.Error("failed to store wallet after scan", "wallet", walletID, "err", storeErr)
			}
			return scanErr
		}

		var all []*wallet.Address
		for _, addrs := range found {
			all = append(all, addrs...)
		}
		w.ScanStatus = wallet.ScanStatusSuccess
		if err := s.store.StoreAddressesAndWallet(w, all); err != nil {
			return err
		}
		s.notify(walletID, "", wallet.NotifyScanFinished, map[string]interface{}{
			"result":         wallet.ScanStatusSuccess,
			"foundAddresses": len(all),
		})
		return nil
	})
	if err != nil {
		s.log.Error("wallet scan failed", "wallet", walletID, "err", err)
		s.notify(walletID, "", wallet.NotifyScanFinished, map[string]interface{}{
			"result": wallet.ScanStatusError,
			"error":  err.Error(),
		})
	}
}

// scanBranch derives addresses one at a time until gap consecutive addresses
// show no activity, then rewinds the inactive tail so the next derivation
// reuses those indexes. Returned addresses stop before the tail.
func (s *Service) scanBranch(ctx context.Context, w *wallet.Wallet, exp addressActivityChecker, d *derivator) ([]*wallet.Address, error) {
	gap := s.opts.ScanAddressGap
	var derived []*wallet.Address
	inactive := 0
	for inactive < gap {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		addr, err := d.derive(w)
		if err != nil {
			return nil, err
		}
		active, err := exp.GetAddressActivity(ctx, addr.Address)
		if err != nil {
			return nil, err
		}
		if active {
			addr.HasActivity = true
			inactive = 0
		} else {
			inactive++
		}
		derived = append(derived, addr)
	}
	d.rewind(uint32(gap))
	return derived[:len(derived)-gap], nil
}

type addressActivityChecker interface {
	GetAddressActivity(ctx context.Context, address string) (bool, error)
}

// scanDerivators lists the branches a scan covers. BIP45 wallets may also
// scan the per-copayer branches legacy clients derived on.
func scanDerivators(w *wallet.Wallet, includeCopayerBranches bool) []*derivator {
	var ds []*derivator
	for _, isChange := range []bool{false, true} {
		ds = append(ds, &derivator{manager: w.AddressManager, isChange: isChange})
		if includeCopayerBranches && w.SupportsCopayerBranches() {
			for _, c := range w.Copayers {
				if c.AddressManager == nil {
					continue
				}
				ds = append(ds, &derivator{manager: c.AddressManager, isChange: isChange})
			}
		}
	}
	return ds
}
