// Package monitor turns raw explorer events into wallet notifications. One
// pipeline per network subscribes to mempool transactions and new blocks,
// recognizes outgoing and incoming payments of stored wallets, keeps address
// activity and cached state in sync with the chain, and tolerates re-orgs by
// walking unseen ancestors within a bounded window. Every emitted
// notification is deduplicated on its content hash, so replayed events are
// harmless.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/dan/bws/broker"
	"github.com/dan/bws/explorer"
	"github.com/dan/bws/lock"
	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// Source is the event feed of one network. *explorer.Socket satisfies it.
type Source interface {
	// Txs emits txids of transactions entering the mempool.
	Txs() <-chan string
	// Blocks emits hashes of newly mined blocks.
	Blocks() <-chan string
	// Run produces events until ctx is done.
	Run(ctx context.Context) error
}

// Options tunes the monitor. Zero fields take their default.
type Options struct {
	// BroadcastConfirmDelay is how long an observed transaction matching an
	// accepted proposal waits before the proposal is settled as broadcast by
	// a third party. The delay lets the wallet's own broadcast call finish
	// first.
	BroadcastConfirmDelay time.Duration

	// MaxReorgDepth bounds the ancestor walk on an unknown parent hash and
	// the per-network tip window.
	MaxReorgDepth int
}

// DefaultOptions returns the stock monitor limits.
func DefaultOptions() Options {
	return Options{
		BroadcastConfirmDelay: 20 * time.Second,
		MaxReorgDepth:         100,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BroadcastConfirmDelay == 0 {
		o.BroadcastConfirmDelay = d.BroadcastConfirmDelay
	}
	if o.MaxReorgDepth == 0 {
		o.MaxReorgDepth = d.MaxReorgDepth
	}
	return o
}

// Monitor runs the per-network event pipelines.
type Monitor struct {
	store     *storage.Store
	locks     lock.Locker
	broker    *broker.Broker
	explorers map[string]explorer.Explorer
	sources   map[string]Source
	log       hclog.Logger
	opts      Options
	now       func() time.Time

	txEvents      *prometheus.CounterVec
	blockEvents   *prometheus.CounterVec
	eventErrors   *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New wires a Monitor. explorers and sources are keyed by network name; every
// source network needs a matching explorer.
func New(store *storage.Store, locks lock.Locker, brk *broker.Broker,
	explorers map[string]explorer.Explorer, sources map[string]Source,
	logger hclog.Logger, opts Options, reg prometheus.Registerer) *Monitor {

	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Monitor{
		store:     store,
		locks:     locks,
		broker:    brk,
		explorers: explorers,
		sources:   sources,
		log:       logger,
		opts:      opts.withDefaults(),
		now:       time.Now,
		txEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bws", Subsystem: "monitor", Name: "tx_events_total",
			Help: "Mempool transaction events received per network.",
		}, []string{"network"}),
		blockEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bws", Subsystem: "monitor", Name: "block_events_total",
			Help: "New block events received per network.",
		}, []string{"network"}),
		eventErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bws", Subsystem: "monitor", Name: "event_errors_total",
			Help: "Events dropped after a handling error.",
		}, []string{"network", "kind"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bws", Subsystem: "monitor", Name: "notifications_total",
			Help: "Notifications emitted by the monitor, by type.",
		}, []string{"type"}),
	}
}

// Run starts every network pipeline and blocks until ctx is done or a source
// fails. A handling error on one event is logged and dropped; it never stops
// the pipeline.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for network, src := range m.sources {
		if _, ok := m.explorers[network]; !ok {
			return fmt.Errorf("monitor: no explorer configured for network %s", network)
		}
		network, src := network, src
		g.Go(func() error { return src.Run(ctx) })
		g.Go(func() error { return m.watch(ctx, network, src) })
	}
	return g.Wait()
}

func (m *Monitor) watch(ctx context.Context, network string, src Source) error {
	m.log.Info("monitor watching", "network", network)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case txid, ok := <-src.Txs():
			if !ok {
				return nil
			}
			m.txEvents.WithLabelValues(network).Inc()
			if err := m.handleTx(ctx, network, txid); err != nil {
				m.eventErrors.WithLabelValues(network, "tx").Inc()
				m.log.Error("tx event failed", "network", network, "txid", txid, "err", err)
			}
		case hash, ok := <-src.Blocks():
			if !ok {
				return nil
			}
			m.blockEvents.WithLabelValues(network).Inc()
			if err := m.handleBlock(ctx, network, hash); err != nil {
				m.eventErrors.WithLabelValues(network, "block").Inc()
				m.log.Error("block event failed", "network", network, "hash", hash, "err", err)
			}
		}
	}
}

// handleTx runs both recognition paths on one observed transaction:
// settling accepted proposals broadcast by someone else, and crediting
// incoming payments to watched addresses.
func (m *Monitor) handleTx(ctx context.Context, network, txid string) error {
	if err := m.checkOutgoing(ctx, network, txid); err != nil {
		return err
	}
	return m.checkIncoming(ctx, network, txid)
}

// checkOutgoing settles an accepted proposal whose transaction showed up
// on the network without the wallet's own broadcast call completing.
func (m *Monitor) checkOutgoing(ctx context.Context, network, txid string) error {
	txp, err := m.store.FetchTxProposalByTxID(txid)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !txp.IsAccepted() {
		return nil
	}

	// Give BroadcastTx's own completion path time to win before declaring a
	// third-party broadcast.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.opts.BroadcastConfirmDelay):
	}

	return lock.RunLocked(ctx, m.locks, txp.WalletID, func() error {
		txp, err := m.store.FetchTxProposal(txp.WalletID, txp.ID)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if !txp.IsAccepted() {
			return nil
		}
		txp.SetBroadcasted()
		if err := m.store.UpdateTxProposal(txp); err != nil {
			return err
		}
		if err := m.store.SoftResetTxHistoryCache(txp.WalletID); err != nil {
			m.log.Warn("failed to reset history cache", "wallet", txp.WalletID, "err", err)
		}
		m.log.Info("proposal broadcast by third party",
			"network", network, "wallet", txp.WalletID, "txid", txid)
		n := wallet.NewNotification(wallet.NotifyNewOutgoingTxThirdParty, map[string]interface{}{
			"txProposalId": txp.ID,
			"creatorId":    txp.CreatorID,
			"amount":       txp.TotalAmount(),
			"message":      txp.Message,
			"txid":         txid,
		})
		n.WalletID = txp.WalletID
		return m.notifyOnce(n)
	})
}

// checkIncoming credits the transaction's outputs to the wallets owning the
// receiving addresses. Replaceable unconfirmed transactions are not
// announced; the block confirming them emits the notification instead.
func (m *Monitor) checkIncoming(ctx context.Context, network, txid string) error {
	exp := m.explorers[network]
	tx, err := exp.GetTransaction(ctx, txid)
	if err == explorer.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	replaceable := tx.Confirmations == 0 && signalsRBF(tx)

	var seen []string
	for _, out := range tx.Outputs {
		for _, address := range out.Addresses {
			addr, err := m.store.FetchAddress(address)
			if err == storage.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			seen = append(seen, address)
			if addr.IsChange {
				continue
			}
			if replaceable {
				m.log.Debug("replaceable incoming tx held until confirmation",
					"network", network, "txid", txid, "address", address)
				continue
			}
			if err := m.store.SoftResetTxHistoryCache(addr.WalletID); err != nil {
				m.log.Warn("failed to reset history cache", "wallet", addr.WalletID, "err", err)
			}
			n := wallet.NewNotification(wallet.NotifyNewIncomingTx, map[string]interface{}{
				"txid":    txid,
				"address": address,
				"amount":  out.ValueSat,
			})
			n.WalletID = addr.WalletID
			if err := m.notifyOnce(n); err != nil {
				return err
			}
		}
	}
	if len(seen) > 0 {
		if err := m.store.MarkAddressesUsed(seen, m.now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

// handleBlock processes a new tip. An unknown parent triggers an ancestor
// walk so blocks missed during a re-org or an outage are processed in chain
// order, bounded by MaxReorgDepth.
func (m *Monitor) handleBlock(ctx context.Context, network, hash string) error {
	exp := m.explorers[network]

	tip, err := m.store.FetchChainTip(network)
	if err == storage.ErrNotFound {
		tip = &storage.ChainTip{Network: network}
	} else if err != nil {
		return err
	}
	if tip.Contains(hash) {
		m.log.Debug("block already processed", "network", network, "hash", hash)
		return nil
	}

	block, err := exp.GetBlock(ctx, hash)
	if err != nil {
		return err
	}

	// Newest first; unseen ancestors are appended until a known hash or the
	// window boundary.
	chain := []*explorer.Block{block}
	if len(tip.Hashes) > 0 {
		prev := block.PreviousBlockHash
		for prev != "" && !tip.Contains(prev) && len(chain) < m.opts.MaxReorgDepth {
			anc, err := exp.GetBlock(ctx, prev)
			if err != nil {
				m.log.Warn("ancestor walk stopped", "network", network, "hash", prev, "err", err)
				break
			}
			chain = append(chain, anc)
			prev = anc.PreviousBlockHash
		}
	}

	for i := len(chain) - 1; i >= 0; i-- {
		b := chain[i]
		m.log.Info("processing block", "network", network, "hash", b.Hash, "height", b.Height, "txs", len(b.TxIDs))
		for _, txid := range b.TxIDs {
			if err := m.handleTx(ctx, network, txid); err != nil {
				m.eventErrors.WithLabelValues(network, "block_tx").Inc()
				m.log.Error("block tx failed", "network", network, "txid", txid, "err", err)
			}
		}
		tip.Push(b.Hash, m.opts.MaxReorgDepth)

		n := wallet.NewNotification(wallet.NotifyNewBlock, map[string]interface{}{
			"hash":   b.Hash,
			"height": b.Height,
		})
		n.WalletID = network
		if err := m.notifyOnce(n); err != nil {
			return err
		}
	}

	tip.UpdatedOn = m.now().Unix()
	if err := m.store.StoreChainTip(tip); err != nil {
		return err
	}
	return m.resetHistoryCaches(network)
}

// resetHistoryCaches invalidates every network wallet's cached history so the
// next read picks up fresh confirmation counts.
func (m *Monitor) resetHistoryCaches(network string) error {
	wallets, err := m.store.FetchAllWallets()
	if err != nil {
		return err
	}
	for _, w := range wallets {
		if w.Network != network {
			continue
		}
		if err := m.store.SoftResetTxHistoryCache(w.ID); err != nil {
			m.log.Warn("failed to reset history cache", "wallet", w.ID, "err", err)
		}
	}
	return nil
}

// notifyOnce stores the notification unless its content hash was stored
// before, and publishes it to the broker only when new.
func (m *Monitor) notifyOnce(n *wallet.Notification) error {
	created, err := m.store.StoreNotificationIfNew(n)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	m.notifications.WithLabelValues(n.Type).Inc()
	m.broker.Publish(n)
	return nil
}

func signalsRBF(tx *explorer.Tx) bool {
	for _, in := range tx.Inputs {
		if in.Sequence < wallet.SequenceRBFCeiling {
			return true
		}
	}
	return false
}
