// Package service implements the wallet coordination operations: wallet and
// copayer lifecycle, address derivation, balances and UTXOs, transaction
// proposals with their votes, history, scans, fee levels and notifications.
// Every wallet-mutating operation runs under the wallet's lock. Storage,
// explorers, locks and the notification broker are injected.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"

	"github.com/dan/bws/broker"
	"github.com/dan/bws/explorer"
	"github.com/dan/bws/lock"
	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// Options tunes the service limits. Zero fields take their default.
type Options struct {
	// Proposal lifecycle.
	DeleteLocktime time.Duration
	BackoffOffset  int
	BackoffTime    time.Duration
	MaxTxSizeKB    int64
	MinFeePerKb    int64
	MaxFeePerKb    int64
	MaxTxFee       int64

	// Output and input policy.
	MinOutputAmount             int64
	MaxSingleUtxoFactor         float64
	MaxFeeVsTxAmountFactor      float64
	MinTxAmountVsUtxoFactor     float64
	MaxFeeVsSingleUtxoFeeFactor float64
	MaxAncestorsToVerify        int

	// Addresses and scans.
	MaxMainAddressGap int
	ScanAddressGap    int

	// Access keys per copayer.
	MaxKeys int

	// Reads.
	HistoryLimit             int
	TwoStepBalanceThreshold  int
	FeeLevelsCacheTTL        time.Duration
	NotificationsTimeSpan    time.Duration
	MaxNotificationsTimeSpan time.Duration
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	return Options{
		DeleteLocktime:              24 * time.Hour,
		BackoffOffset:               3,
		BackoffTime:                 2 * time.Minute,
		MaxTxSizeKB:                 100,
		MinFeePerKb:                 0,
		MaxFeePerKb:                 10000,
		MaxTxFee:                    5000000, // 0.05 BTC
		MinOutputAmount:             5000,
		MaxSingleUtxoFactor:         2,
		MaxFeeVsTxAmountFactor:      0.05,
		MinTxAmountVsUtxoFactor:     0.5,
		MaxFeeVsSingleUtxoFeeFactor: 5,
		MaxAncestorsToVerify:        5,
		MaxMainAddressGap:           20,
		ScanAddressGap:              20,
		MaxKeys:                     100,
		HistoryLimit:                1000,
		TwoStepBalanceThreshold:     100,
		FeeLevelsCacheTTL:           5 * time.Minute,
		NotificationsTimeSpan:       10 * time.Minute,
		MaxNotificationsTimeSpan:    time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DeleteLocktime == 0 {
		o.DeleteLocktime = d.DeleteLocktime
	}
	if o.BackoffOffset == 0 {
		o.BackoffOffset = d.BackoffOffset
	}
	if o.BackoffTime == 0 {
		o.BackoffTime = d.BackoffTime
	}
	if o.MaxTxSizeKB == 0 {
		o.MaxTxSizeKB = d.MaxTxSizeKB
	}
	if o.MaxFeePerKb == 0 {
		o.MaxFeePerKb = d.MaxFeePerKb
	}
	if o.MaxTxFee == 0 {
		o.MaxTxFee = d.MaxTxFee
	}
	if o.MinOutputAmount == 0 {
		o.MinOutputAmount = d.MinOutputAmount
	}
	if o.MaxSingleUtxoFactor == 0 {
		o.MaxSingleUtxoFactor = d.MaxSingleUtxoFactor
	}
	if o.MaxFeeVsTxAmountFactor == 0 {
		o.MaxFeeVsTxAmountFactor = d.MaxFeeVsTxAmountFactor
	}
	if o.MinTxAmountVsUtxoFactor == 0 {
		o.MinTxAmountVsUtxoFactor = d.MinTxAmountVsUtxoFactor
	}
	if o.MaxFeeVsSingleUtxoFeeFactor == 0 {
		o.MaxFeeVsSingleUtxoFeeFactor = d.MaxFeeVsSingleUtxoFeeFactor
	}
	if o.MaxAncestorsToVerify == 0 {
		o.MaxAncestorsToVerify = d.MaxAncestorsToVerify
	}
	if o.MaxMainAddressGap == 0 {
		o.MaxMainAddressGap = d.MaxMainAddressGap
	}
	if o.ScanAddressGap == 0 {
		o.ScanAddressGap = d.ScanAddressGap
	}
	if o.MaxKeys == 0 {
		o.MaxKeys = d.MaxKeys
	}
	if o.HistoryLimit == 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.TwoStepBalanceThreshold == 0 {
		o.TwoStepBalanceThreshold = d.TwoStepBalanceThreshold
	}
	if o.FeeLevelsCacheTTL == 0 {
		o.FeeLevelsCacheTTL = d.FeeLevelsCacheTTL
	}
	if o.NotificationsTimeSpan == 0 {
		o.NotificationsTimeSpan = d.NotificationsTimeSpan
	}
	if o.MaxNotificationsTimeSpan == 0 {
		o.MaxNotificationsTimeSpan = d.MaxNotificationsTimeSpan
	}
	return o
}

const feeCacheSize = 8

// Service is the coordination core shared by the HTTP server and the
// blockchain monitor.
type Service struct {
	store     *storage.Store
	locks     lock.Locker
	broker    *broker.Broker
	explorers map[string]explorer.Explorer
	log       hclog.Logger
	opts      Options

	feeCache *lru.Cache
	now      func() time.Time
}

// New wires a Service. explorers maps network names to their explorer
// client.
func New(store *storage.Store, locks lock.Locker, brk *broker.Broker,
	explorers map[string]explorer.Explorer, logger hclog.Logger, opts Options) *Service {

	feeCache, _ := lru.New(feeCacheSize)
	return &Service{
		store:     store,
		locks:     locks,
		broker:    brk,
		explorers: explorers,
		log:       logger,
		opts:      opts.withDefaults(),
		feeCache:  feeCache,
		now:       time.Now,
	}
}

// Session identifies an authenticated copayer for one request.
type Session struct {
	CopayerID     string
	WalletID      string
	ClientVersion string
}

// Credentials is the raw auth material of a request.
type Credentials struct {
	CopayerID     string
	Signature     string
	Method        string
	URL           string
	Body          string
	ClientVersion string
}

// SigningMessage is the exact string a client signs for request auth.
func SigningMessage(method, url, body string) string {
	if body == "" {
		body = "{}"
	}
	return strings.ToLower(method) + "|" + url + "|" + body
}

// The two-step proposal flow needs bwc 1.2 or later; older bwc agents are
// turned away at proposal creation and publish. Other agents pass ungated.
const (
	minSupportedBWCMajor = 1
	minSupportedBWCMinor = 2
)

func checkClientVersion(v string) error {
	if v == "" {
		return nil
	}
	parts := strings.SplitN(v, "-", 2)
	if len(parts) != 2 || parts[0] != "bwc" {
		return nil
	}
	nums := strings.Split(parts[1], ".")
	if len(nums) < 2 {
		return nil
	}
	major, err := strconv.Atoi(nums[0])
	if err != nil {
		return nil
	}
	minor, err := strconv.Atoi(nums[1])
	if err != nil {
		return nil
	}
	if major < minSupportedBWCMajor ||
		(major == minSupportedBWCMajor && minor < minSupportedBWCMinor) {
		return wallet.ErrUpgradeNeeded
	}
	return nil
}

// Authenticate verifies the request signature against the copayer's
// registered request keys and resolves the copayer's wallet.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	lookup, err := s.store.FetchCopayerLookup(creds.CopayerID)
	if err == storage.ErrNotFound {
		return nil, wallet.ErrNotAuthorized
	}
	if err != nil {
		return nil, err
	}
	message := SigningMessage(creds.Method, creds.URL, creds.Body)
	for _, k := range lookup.RequestPubKeys {
		if wallet.VerifyMessage(message, creds.Signature, k.Key) {
			return &Session{
				CopayerID:     lookup.CopayerID,
				WalletID:      lookup.WalletID,
				ClientVersion: creds.ClientVersion,
			}, nil
		}
	}
	return nil, wallet.ErrNotAuthorized
}

func (s *Service) explorerFor(network string) (explorer.Explorer, error) {
	e, ok := s.explorers[network]
	if !ok {
		return nil, fmt.Errorf("no explorer configured for network %s", network)
	}
	return e, nil
}

// runLocked serializes a wallet mutation, mapping a lock timeout to the
// client-visible busy error.
func (s *Service) runLocked(ctx context.Context, walletID string, fn func() error) error {
	err := lock.RunLocked(ctx, s.locks, walletID, fn)
	if errors.Is(err, lock.ErrBusy) {
		return wallet.ErrWalletBusy
	}
	return err
}

// notify stores a notification (assigning its ordered id) and hands it to
// the broker. Notification failures are logged, never surfaced: the
// triggering operation already succeeded.
func (s *Service) notify(walletID, creatorID, notifType string, data map[string]interface{}) {
	n := wallet.NewNotification(notifType, data)
	n.WalletID = walletID
	n.CreatorID = creatorID
	if err := s.store.StoreNotification(n); err != nil {
		s.log.Error("failed to store notification", "type", notifType, "wallet", walletID, "err", err)
		return
	}
	s.broker.Publish(n)
}

func (s *Service) fetchWallet(walletID string) (*wallet.Wallet, error) {
	w, err := s.store.FetchWallet(walletID)
	if err == storage.ErrNotFound {
		return nil, wallet.ErrWalletNotFound
	}
	return w, err
}

// dustThreshold is the minimum acceptable output amount.
func (s *Service) dustThreshold() int64 {
	if s.opts.MinOutputAmount > wallet.DustAmount {
		return s.opts.MinOutputAmount
	}
	return wallet.DustAmount
}
