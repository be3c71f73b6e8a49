package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dan/bws/wallet"
)

// ErrAlreadyExists is returned when an insert collides with a stored key.
var ErrAlreadyExists = errors.New("storage: already exists")

// Key prefixes. Every document lives under a short type prefix so related
// records iterate together.
//
//	w/<walletId>                      wallet
//	cl/<copayerId>                    copayer -> wallet lookup
//	a/<walletId>/<seq>                address, in derivation order
//	as/<walletId>                     address sequence counter
//	ax/<address>                      address -> wallet pointer
//	t/<walletId>/<txProposalId>       tx proposal
//	to/<walletId>/<ts>/<txProposalId> tx proposal time index
//	p/<walletId>/<txProposalId>       pending tx proposal index
//	x/<txid>                          broadcast txid -> proposal pointer
//	n/<walletId>/<notificationId>     notification
//	nd/<walletId>/<dataHash>          notification duplicate marker
//	pr/<walletId>/<copayerId>         copayer preferences
//	tip/<network>                     chain tip marker
//	bc/<walletId>                     balance cache
//	hc/<walletId>                     tx history cache
const (
	maxNotificationTicker = 10000
)

func walletKey(walletID string) []byte {
	return []byte("w/" + walletID)
}

func copayerKey(copayerID string) []byte {
	return []byte("cl/" + copayerID)
}

func addressKey(walletID string, seq int) []byte {
	return []byte(fmt.Sprintf("a/%s/%010d", walletID, seq))
}

func addressPrefix(walletID string) []byte {
	return []byte("a/" + walletID + "/")
}

func addressSeqKey(walletID string) []byte {
	return []byte("as/" + walletID)
}

func addressIndexKey(address string) []byte {
	return []byte("ax/" + address)
}

func txpKey(walletID, txpID string) []byte {
	return []byte("t/" + walletID + "/" + txpID)
}

func txpTimeKey(walletID string, createdOn int64, txpID string) []byte {
	return []byte(fmt.Sprintf("to/%s/%014d/%s", walletID, createdOn, txpID))
}

func txpTimePrefix(walletID string) []byte {
	return []byte("to/" + walletID + "/")
}

func txpPendingKey(walletID, txpID string) []byte {
	return []byte("p/" + walletID + "/" + txpID)
}

func txpPendingPrefix(walletID string) []byte {
	return []byte("p/" + walletID + "/")
}

func txidKey(txid string) []byte {
	return []byte("x/" + txid)
}

func notificationKey(walletID, id string) []byte {
	return []byte("n/" + walletID + "/" + id)
}

func notificationPrefix(walletID string) []byte {
	return []byte("n/" + walletID + "/")
}

func notificationDedupKey(walletID, dataHash string) []byte {
	return []byte("nd/" + walletID + "/" + dataHash)
}

func preferencesKey(walletID, copayerID string) []byte {
	return []byte("pr/" + walletID + "/" + copayerID)
}

func preferencesPrefix(walletID string) []byte {
	return []byte("pr/" + walletID + "/")
}

func chainTipKey(network string) []byte {
	return []byte("tip/" + network)
}

func balanceCacheKey(walletID string) []byte {
	return []byte("bc/" + walletID)
}

func historyCacheKey(walletID string) []byte {
	return []byte("hc/" + walletID)
}

// CopayerLookup resolves an authenticated copayer id to its wallet and the
// request keys accepted for it.
type CopayerLookup struct {
	CopayerID      string                 `json:"copayerId"`
	WalletID       string                 `json:"walletId"`
	RequestPubKeys []wallet.RequestPubKey `json:"requestPubKeys"`
}

// ChainTip remembers the recently processed block hashes of a network,
// newest first, so a reorged parent can be recognized.
type ChainTip struct {
	Network   string   `json:"network"`
	Hashes    []string `json:"hashes"`
	UpdatedOn int64    `json:"updatedOn"`
}

// Contains reports whether the hash is among the remembered blocks.
func (t *ChainTip) Contains(hash string) bool {
	for _, h := range t.Hashes {
		if h == hash {
			return true
		}
	}
	return false
}

// Push records a newly processed block hash, keeping at most max entries.
func (t *ChainTip) Push(hash string, max int) {
	t.Hashes = append([]string{hash}, t.Hashes...)
	if max > 0 && len(t.Hashes) > max {
		t.Hashes = t.Hashes[:max]
	}
}

// BalanceCache is the stored result of a full balance computation, with the
// address count it covered so a staleness check is cheap.
type BalanceCache struct {
	Balance     *wallet.Balance `json:"balance"`
	UpdatedOn   int64           `json:"updatedOn"`
	NbAddresses int             `json:"nbAddresses"`
}

// TxHistoryCache stores a normalized history page. A soft reset keeps the
// items but marks them invalid so the next read refreshes.
type TxHistoryCache struct {
	Valid     bool            `json:"valid"`
	UpdatedOn int64           `json:"updatedOn"`
	TipHeight int64           `json:"tipHeight"`
	Items     json.RawMessage `json:"items,omitempty"`
}

// TxQuery bounds a proposal listing. Zero values leave the bound open;
// CreatorID restricts to one copayer's proposals.
type TxQuery struct {
	MinTs     int64
	MaxTs     int64
	Limit     int
	CreatorID string
}

type addressPointer struct {
	WalletID string `json:"walletId"`
	Seq      int    `json:"seq"`
}

type txPointer struct {
	WalletID     string `json:"walletId"`
	TxProposalID string `json:"txProposalId"`
}

// Store is the persistence layer. All compound updates go through a single
// batch so a crash never leaves indexes half written.
type Store struct {
	kv  KV
	log hclog.Logger
	now func() time.Time
}

func New(kv KV, logger hclog.Logger) *Store {
	return &Store{kv: kv, log: logger, now: time.Now}
}

func (s *Store) Close() error {
	return s.kv.Close()
}

func (s *Store) getJSON(key []byte, v interface{}) error {
	data, err := s.kv.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) putJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Put(key, data)
}

func batchPutJSON(b Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// StoreWallet persists the wallet document alone. Use
// StoreWalletAndUpdateCopayerLookup when the copayer set changed.
func (s *Store) StoreWallet(w *wallet.Wallet) error {
	return s.putJSON(walletKey(w.ID), w)
}

// StoreWalletAndUpdateCopayerLookup persists the wallet and refreshes the
// copayer lookup entry of every member in one batch.
func (s *Store) StoreWalletAndUpdateCopayerLookup(w *wallet.Wallet) error {
	batch := s.kv.NewBatch()
	if err := batchPutJSON(batch, walletKey(w.ID), w); err != nil {
		return err
	}
	for _, c := range w.Copayers {
		lookup := &CopayerLookup{
			CopayerID:      c.ID,
			WalletID:       w.ID,
			RequestPubKeys: c.RequestPubKeys,
		}
		if err := batchPutJSON(batch, copayerKey(c.ID), lookup); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (s *Store) FetchWallet(walletID string) (*wallet.Wallet, error) {
	w := new(wallet.Wallet)
	if err := s.getJSON(walletKey(walletID), w); err != nil {
		return nil, err
	}
	return w, nil
}

// FetchAllWallets loads every stored wallet. Used by aggregate reporting,
// not by the request path.
func (s *Store) FetchAllWallets() ([]*wallet.Wallet, error) {
	it := s.kv.NewIterator([]byte("w/"), nil)
	defer it.Release()

	var wallets []*wallet.Wallet
	for it.Next() {
		w := new(wallet.Wallet)
		if err := json.Unmarshal(it.Value(), w); err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, it.Error()
}

func (s *Store) HasCopayer(copayerID string) (bool, error) {
	return s.kv.Has(copayerKey(copayerID))
}

func (s *Store) FetchCopayerLookup(copayerID string) (*CopayerLookup, error) {
	lookup := new(CopayerLookup)
	if err := s.getJSON(copayerKey(copayerID), lookup); err != nil {
		return nil, err
	}
	return lookup, nil
}

func (s *Store) addressSeq(walletID string) (int, error) {
	var seq int
	err := s.getJSON(addressSeqKey(walletID), &seq)
	if err == ErrNotFound {
		return 0, nil
	}
	return seq, err
}

// StoreAddressesAndWallet appends new addresses and persists the wallet's
// updated derivation state in one batch. Addresses already stored keep
// their position, so a replayed call is harmless.
func (s *Store) StoreAddressesAndWallet(w *wallet.Wallet, addrs []*wallet.Address) error {
	seq, err := s.addressSeq(w.ID)
	if err != nil {
		return err
	}

	batch := s.kv.NewBatch()
	for _, addr := range addrs {
		ok, err := s.kv.Has(addressIndexKey(addr.Address))
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := batchPutJSON(batch, addressKey(w.ID, seq), addr); err != nil {
			return err
		}
		ptr := &addressPointer{WalletID: w.ID, Seq: seq}
		if err := batchPutJSON(batch, addressIndexKey(addr.Address), ptr); err != nil {
			return err
		}
		seq++
	}
	if err := batchPutJSON(batch, addressSeqKey(w.ID), seq); err != nil {
		return err
	}
	if err := batchPutJSON(batch, walletKey(w.ID), w); err != nil {
		return err
	}
	return batch.Write()
}

// FetchAddresses returns the wallet's addresses in derivation order.
func (s *Store) FetchAddresses(walletID string) ([]*wallet.Address, error) {
	it := s.kv.NewIterator(addressPrefix(walletID), nil)
	defer it.Release()

	var addrs []*wallet.Address
	for it.Next() {
		addr := new(wallet.Address)
		if err := json.Unmarshal(it.Value(), addr); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, it.Error()
}

// FetchAddress resolves an address string to its stored record, across all
// wallets.
func (s *Store) FetchAddress(address string) (*wallet.Address, error) {
	ptr := new(addressPointer)
	if err := s.getJSON(addressIndexKey(address), ptr); err != nil {
		return nil, err
	}
	addr := new(wallet.Address)
	if err := s.getJSON(addressKey(ptr.WalletID, ptr.Seq), addr); err != nil {
		if err == ErrNotFound {
			s.log.Warn("dangling address index", "address", address, "wallet", ptr.WalletID)
		}
		return nil, err
	}
	return addr, nil
}

// FetchFirstMainAddress returns the oldest receive address of the wallet,
// or ErrNotFound when none was derived yet.
func (s *Store) FetchFirstMainAddress(walletID string) (*wallet.Address, error) {
	it := s.kv.NewIterator(addressPrefix(walletID), nil)
	defer it.Release()

	for it.Next() {
		addr := new(wallet.Address)
		if err := json.Unmarshal(it.Value(), addr); err != nil {
			return nil, err
		}
		if !addr.IsChange {
			return addr, nil
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// CountAddresses reports how many addresses the wallet has stored.
func (s *Store) CountAddresses(walletID string) (int, error) {
	return s.addressSeq(walletID)
}

// MarkAddressesUsed flags stored addresses as having on-chain activity.
// Addresses not owned by any wallet are skipped.
func (s *Store) MarkAddressesUsed(addresses []string, usedOn int64) error {
	batch := s.kv.NewBatch()
	dirty := false
	for _, address := range addresses {
		ptr := new(addressPointer)
		err := s.getJSON(addressIndexKey(address), ptr)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		key := addressKey(ptr.WalletID, ptr.Seq)
		addr := new(wallet.Address)
		if err := s.getJSON(key, addr); err != nil {
			return err
		}
		if addr.HasActivity && addr.LastUsedOn >= usedOn {
			continue
		}
		addr.HasActivity = true
		addr.LastUsedOn = usedOn
		if err := batchPutJSON(batch, key, addr); err != nil {
			return err
		}
		dirty = true
	}
	if !dirty {
		return nil
	}
	return batch.Write()
}

func (s *Store) writeTxProposal(txp *wallet.TxProposal) error {
	batch := s.kv.NewBatch()
	if err := batchPutJSON(batch, txpKey(txp.WalletID, txp.ID), txp); err != nil {
		return err
	}
	timeKey := txpTimeKey(txp.WalletID, txp.CreatedOn, txp.ID)
	if err := batch.Put(timeKey, []byte(txp.ID)); err != nil {
		return err
	}
	pendingKey := txpPendingKey(txp.WalletID, txp.ID)
	if txp.IsPending() {
		if err := batch.Put(pendingKey, []byte(txp.ID)); err != nil {
			return err
		}
	} else {
		if err := batch.Delete(pendingKey); err != nil {
			return err
		}
	}
	if txp.TxID != "" {
		ptr := &txPointer{WalletID: txp.WalletID, TxProposalID: txp.ID}
		if err := batchPutJSON(batch, txidKey(txp.TxID), ptr); err != nil {
			return err
		}
	}
	return batch.Write()
}

// InsertTxProposal stores a new proposal, rejecting id reuse.
func (s *Store) InsertTxProposal(txp *wallet.TxProposal) error {
	ok, err := s.kv.Has(txpKey(txp.WalletID, txp.ID))
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyExists
	}
	return s.writeTxProposal(txp)
}

// UpdateTxProposal rewrites a proposal and keeps its indexes in sync with
// the proposal's status and txid.
func (s *Store) UpdateTxProposal(txp *wallet.TxProposal) error {
	return s.writeTxProposal(txp)
}

// RemoveTxProposal deletes a proposal and all its index entries.
func (s *Store) RemoveTxProposal(txp *wallet.TxProposal) error {
	batch := s.kv.NewBatch()
	if err := batch.Delete(txpKey(txp.WalletID, txp.ID)); err != nil {
		return err
	}
	if err := batch.Delete(txpTimeKey(txp.WalletID, txp.CreatedOn, txp.ID)); err != nil {
		return err
	}
	if err := batch.Delete(txpPendingKey(txp.WalletID, txp.ID)); err != nil {
		return err
	}
	if txp.TxID != "" {
		if err := batch.Delete(txidKey(txp.TxID)); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (s *Store) FetchTxProposal(walletID, txpID string) (*wallet.TxProposal, error) {
	txp := new(wallet.TxProposal)
	if err := s.getJSON(txpKey(walletID, txpID), txp); err != nil {
		return nil, err
	}
	return txp, nil
}

// FetchTxProposalByTxID resolves a broadcast transaction id to the proposal
// that produced it.
func (s *Store) FetchTxProposalByTxID(txid string) (*wallet.TxProposal, error) {
	ptr := new(txPointer)
	if err := s.getJSON(txidKey(txid), ptr); err != nil {
		return nil, err
	}
	return s.FetchTxProposal(ptr.WalletID, ptr.TxProposalID)
}

// FetchPendingTxProposals returns proposals in state pending or accepted,
// newest first.
func (s *Store) FetchPendingTxProposals(walletID string) ([]*wallet.TxProposal, error) {
	it := s.kv.NewIterator(txpPendingPrefix(walletID), nil)
	var ids []string
	for it.Next() {
		ids = append(ids, string(it.Value()))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return nil, err
	}

	txps := make([]*wallet.TxProposal, 0, len(ids))
	for _, id := range ids {
		txp, err := s.FetchTxProposal(walletID, id)
		if err != nil {
			return nil, err
		}
		txps = append(txps, txp)
	}
	sort.Slice(txps, func(i, j int) bool {
		return txps[i].CreatedOn > txps[j].CreatedOn
	})
	return txps, nil
}

func (s *Store) fetchTxProposalIDs(walletID string, q TxQuery) ([]string, error) {
	var start []byte
	if q.MinTs > 0 {
		start = []byte(fmt.Sprintf("%014d", q.MinTs))
	}
	prefix := txpTimePrefix(walletID)
	it := s.kv.NewIterator(prefix, start)
	defer it.Release()

	var ids []string
	for it.Next() {
		if q.MaxTs > 0 {
			ts := string(it.Key()[len(prefix) : len(prefix)+14])
			if ts > fmt.Sprintf("%014d", q.MaxTs) {
				break
			}
		}
		ids = append(ids, string(it.Value()))
	}
	return ids, it.Error()
}

// FetchTxProposals returns proposals within the query bounds, newest first.
func (s *Store) FetchTxProposals(walletID string, q TxQuery) ([]*wallet.TxProposal, error) {
	ids, err := s.fetchTxProposalIDs(walletID, q)
	if err != nil {
		return nil, err
	}
	// Reverse into creation order, newest first.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	txps := make([]*wallet.TxProposal, 0, len(ids))
	for _, id := range ids {
		if q.Limit > 0 && len(txps) == q.Limit {
			break
		}
		txp, err := s.FetchTxProposal(walletID, id)
		if err != nil {
			return nil, err
		}
		if q.CreatorID != "" && txp.CreatorID != q.CreatorID {
			continue
		}
		txps = append(txps, txp)
	}
	return txps, nil
}

// FetchLastTxProposals returns the most recent proposals, newest first.
func (s *Store) FetchLastTxProposals(walletID string, limit int) ([]*wallet.TxProposal, error) {
	return s.FetchTxProposals(walletID, TxQuery{Limit: limit})
}

// StoreNotification assigns the notification its time-ordered id and
// persists it. Ids colliding within the same millisecond get their ticker
// bumped.
func (s *Store) StoreNotification(n *wallet.Notification) error {
	nowMs := s.now().UnixMilli()
	if n.CreatedOn == 0 {
		n.CreatedOn = nowMs / 1000
	}
	for ticker := 0; ticker < maxNotificationTicker; ticker++ {
		id := wallet.NotificationID(nowMs, ticker)
		key := notificationKey(n.WalletID, id)
		ok, err := s.kv.Has(key)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		n.ID = id
		return s.putJSON(key, n)
	}
	return fmt.Errorf("storage: notification id space exhausted for wallet %s", n.WalletID)
}

// StoreNotificationIfNew persists the notification unless one with the same
// data hash was stored before. It reports whether the notification was new.
func (s *Store) StoreNotificationIfNew(n *wallet.Notification) (bool, error) {
	hash, err := n.DataHash()
	if err != nil {
		return false, err
	}
	marker := notificationDedupKey(n.WalletID, hash)
	ok, err := s.kv.Has(marker)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if err := s.StoreNotification(n); err != nil {
		return false, err
	}
	if err := s.kv.Put(marker, []byte(n.ID)); err != nil {
		return false, err
	}
	return true, nil
}

// FetchNotifications returns the wallet's notifications with id strictly
// greater than sinceID and createdOn at or after minTs, oldest first.
func (s *Store) FetchNotifications(walletID, sinceID string, minTs int64) ([]*wallet.Notification, error) {
	it := s.kv.NewIterator(notificationPrefix(walletID), []byte(sinceID))
	defer it.Release()

	var out []*wallet.Notification
	for it.Next() {
		n := new(wallet.Notification)
		if err := json.Unmarshal(it.Value(), n); err != nil {
			return nil, err
		}
		if sinceID != "" && n.ID <= sinceID {
			continue
		}
		if minTs > 0 && n.CreatedOn < minTs {
			continue
		}
		out = append(out, n)
	}
	return out, it.Error()
}

func (s *Store) StorePreferences(p *wallet.Preferences) error {
	return s.putJSON(preferencesKey(p.WalletID, p.CopayerID), p)
}

func (s *Store) FetchPreferences(walletID, copayerID string) (*wallet.Preferences, error) {
	p := new(wallet.Preferences)
	if err := s.getJSON(preferencesKey(walletID, copayerID), p); err != nil {
		return nil, err
	}
	return p, nil
}

// FetchWalletPreferences returns the stored preferences of every copayer in
// the wallet.
func (s *Store) FetchWalletPreferences(walletID string) ([]*wallet.Preferences, error) {
	it := s.kv.NewIterator(preferencesPrefix(walletID), nil)
	defer it.Release()

	var out []*wallet.Preferences
	for it.Next() {
		p := new(wallet.Preferences)
		if err := json.Unmarshal(it.Value(), p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, it.Error()
}

func (s *Store) StoreChainTip(tip *ChainTip) error {
	return s.putJSON(chainTipKey(tip.Network), tip)
}

func (s *Store) FetchChainTip(network string) (*ChainTip, error) {
	tip := new(ChainTip)
	if err := s.getJSON(chainTipKey(network), tip); err != nil {
		return nil, err
	}
	return tip, nil
}

func (s *Store) StoreBalanceCache(walletID string, bc *BalanceCache) error {
	return s.putJSON(balanceCacheKey(walletID), bc)
}

func (s *Store) FetchBalanceCache(walletID string) (*BalanceCache, error) {
	bc := new(BalanceCache)
	if err := s.getJSON(balanceCacheKey(walletID), bc); err != nil {
		return nil, err
	}
	return bc, nil
}

func (s *Store) StoreTxHistoryCache(walletID string, c *TxHistoryCache) error {
	return s.putJSON(historyCacheKey(walletID), c)
}

func (s *Store) FetchTxHistoryCache(walletID string) (*TxHistoryCache, error) {
	c := new(TxHistoryCache)
	if err := s.getJSON(historyCacheKey(walletID), c); err != nil {
		return nil, err
	}
	return c, nil
}

// SoftResetTxHistoryCache invalidates the cache without dropping its
// contents. A missing cache is a no-op.
func (s *Store) SoftResetTxHistoryCache(walletID string) error {
	c, err := s.FetchTxHistoryCache(walletID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	c.Valid = false
	return s.StoreTxHistoryCache(walletID, c)
}
