package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/dan/bws/wallet"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(NewMemDB(), hclog.NewNullLogger())
	t.Cleanup(func() { s.Close() })
	return s
}

func testWallet(id string) *wallet.Wallet {
	return &wallet.Wallet{
		ID:        id,
		CreatedOn: 1000,
		Name:      "family savings",
		M:         2,
		N:         3,
		Network:   "livenet",
		Copayers: []*wallet.Copayer{
			{ID: "copayer-1", Name: "alice", RequestPubKeys: []wallet.RequestPubKey{{Key: "02aa", Signature: "3044aa"}}},
			{ID: "copayer-2", Name: "bob", RequestPubKeys: []wallet.RequestPubKey{{Key: "02bb", Signature: "3044bb"}}},
		},
	}
}

func testTxp(walletID, id string, createdOn int64, status string) *wallet.TxProposal {
	return &wallet.TxProposal{
		ID:        id,
		WalletID:  walletID,
		CreatedOn: createdOn,
		Status:    status,
		Amount:    50000,
	}
}

func TestWalletRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.FetchWallet("missing")
	require.Equal(t, ErrNotFound, err)

	w := testWallet("w-1")
	require.NoError(t, s.StoreWalletAndUpdateCopayerLookup(w))

	got, err := s.FetchWallet("w-1")
	require.NoError(t, err)
	require.Equal(t, w.Name, got.Name)
	require.Len(t, got.Copayers, 2)

	ok, err := s.HasCopayer("copayer-2")
	require.NoError(t, err)
	require.True(t, ok)

	lookup, err := s.FetchCopayerLookup("copayer-1")
	require.NoError(t, err)
	require.Equal(t, "w-1", lookup.WalletID)
	require.Equal(t, "02aa", lookup.RequestPubKeys[0].Key)

	require.NoError(t, s.StoreWalletAndUpdateCopayerLookup(testWallet("w-2")))
	all, err := s.FetchAllWallets()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestStoreAddresses(t *testing.T) {
	s := newTestStore(t)
	w := testWallet("w-1")
	require.NoError(t, s.StoreWallet(w))

	addrs := []*wallet.Address{
		{Address: "1main0", WalletID: "w-1", Path: "m/0/0", CreatedOn: 10},
		{Address: "1change0", WalletID: "w-1", Path: "m/1/0", IsChange: true, CreatedOn: 11},
		{Address: "1main1", WalletID: "w-1", Path: "m/0/1", CreatedOn: 12},
	}
	require.NoError(t, s.StoreAddressesAndWallet(w, addrs))

	// Replaying the same batch must not duplicate anything.
	require.NoError(t, s.StoreAddressesAndWallet(w, addrs[:2]))

	got, err := s.FetchAddresses("w-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "1main0", got[0].Address)
	require.Equal(t, "1change0", got[1].Address)
	require.Equal(t, "1main1", got[2].Address)

	count, err := s.CountAddresses("w-1")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	byAddr, err := s.FetchAddress("1change0")
	require.NoError(t, err)
	require.Equal(t, "m/1/0", byAddr.Path)
	require.True(t, byAddr.IsChange)

	_, err = s.FetchAddress("1unknown")
	require.Equal(t, ErrNotFound, err)

	first, err := s.FetchFirstMainAddress("w-1")
	require.NoError(t, err)
	require.Equal(t, "1main0", first.Address)

	require.NoError(t, s.MarkAddressesUsed([]string{"1main1", "1unknown"}, 99))
	used, err := s.FetchAddress("1main1")
	require.NoError(t, err)
	require.True(t, used.HasActivity)
	require.EqualValues(t, 99, used.LastUsedOn)

	untouched, err := s.FetchAddress("1main0")
	require.NoError(t, err)
	require.False(t, untouched.HasActivity)
}

func TestTxProposalIndexes(t *testing.T) {
	s := newTestStore(t)

	txp := testTxp("w-1", "txp-1", 100, wallet.TxStatusTemporary)
	require.NoError(t, s.InsertTxProposal(txp))
	require.Equal(t, ErrAlreadyExists, s.InsertTxProposal(txp))

	pending, err := s.FetchPendingTxProposals("w-1")
	require.NoError(t, err)
	require.Empty(t, pending)

	txp.Status = wallet.TxStatusPending
	require.NoError(t, s.UpdateTxProposal(txp))
	pending, err = s.FetchPendingTxProposals("w-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "txp-1", pending[0].ID)

	txp.Status = wallet.TxStatusBroadcasted
	txp.TxID = "feed0000"
	require.NoError(t, s.UpdateTxProposal(txp))

	pending, err = s.FetchPendingTxProposals("w-1")
	require.NoError(t, err)
	require.Empty(t, pending)

	byTxid, err := s.FetchTxProposalByTxID("feed0000")
	require.NoError(t, err)
	require.Equal(t, "txp-1", byTxid.ID)
	require.Equal(t, wallet.TxStatusBroadcasted, byTxid.Status)

	require.NoError(t, s.RemoveTxProposal(txp))
	_, err = s.FetchTxProposal("w-1", "txp-1")
	require.Equal(t, ErrNotFound, err)
	_, err = s.FetchTxProposalByTxID("feed0000")
	require.Equal(t, ErrNotFound, err)
	last, err := s.FetchLastTxProposals("w-1", 10)
	require.NoError(t, err)
	require.Empty(t, last)
}

func TestTxProposalQueries(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 5; i++ {
		txp := testTxp("w-1", fmt.Sprintf("txp-%d", i), int64(i*100), wallet.TxStatusPending)
		require.NoError(t, s.InsertTxProposal(txp))
	}
	// Another wallet's proposals must stay invisible.
	require.NoError(t, s.InsertTxProposal(testTxp("w-2", "other", 250, wallet.TxStatusPending)))

	last, err := s.FetchLastTxProposals("w-1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	require.Equal(t, "txp-5", last[0].ID)
	require.Equal(t, "txp-4", last[1].ID)

	window, err := s.FetchTxProposals("w-1", TxQuery{MinTs: 200, MaxTs: 400})
	require.NoError(t, err)
	require.Len(t, window, 3)
	require.Equal(t, "txp-4", window[0].ID)
	require.Equal(t, "txp-2", window[2].ID)

	all, err := s.FetchTxProposals("w-1", TxQuery{})
	require.NoError(t, err)
	require.Len(t, all, 5)

	pending, err := s.FetchPendingTxProposals("w-1")
	require.NoError(t, err)
	require.Len(t, pending, 5)
	require.Equal(t, "txp-5", pending[0].ID)
}

func TestStoreNotification(t *testing.T) {
	s := newTestStore(t)
	s.now = func() time.Time { return time.UnixMilli(1234567890123) }

	n1 := wallet.NewNotification(wallet.NotifyNewTxProposal, map[string]interface{}{"txProposalId": "txp-1"})
	n1.WalletID = "w-1"
	require.NoError(t, s.StoreNotification(n1))
	require.Equal(t, "012345678901230000", n1.ID)
	require.EqualValues(t, 1234567890, n1.CreatedOn)

	// Same frozen millisecond bumps the ticker.
	n2 := wallet.NewNotification(wallet.NotifyNewTxProposal, map[string]interface{}{"txProposalId": "txp-2"})
	n2.WalletID = "w-1"
	require.NoError(t, s.StoreNotification(n2))
	require.Equal(t, "012345678901230001", n2.ID)

	// Same id is fine on another wallet's stream.
	n3 := wallet.NewNotification(wallet.NotifyNewBlock, nil)
	n3.WalletID = "livenet"
	require.NoError(t, s.StoreNotification(n3))
	require.Equal(t, "012345678901230000", n3.ID)

	got, err := s.FetchNotifications("w-1", "", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, n1.ID, got[0].ID)
	require.Equal(t, n2.ID, got[1].ID)

	after, err := s.FetchNotifications("w-1", n1.ID, 0)
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, n2.ID, after[0].ID)

	none, err := s.FetchNotifications("w-1", "", 9999999999)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestStoreNotificationIfNew(t *testing.T) {
	s := newTestStore(t)

	data := map[string]interface{}{"txid": "aa01", "address": "1abc", "amount": float64(1000)}

	n1 := wallet.NewNotification(wallet.NotifyNewIncomingTx, data)
	n1.WalletID = "w-1"
	stored, err := s.StoreNotificationIfNew(n1)
	require.NoError(t, err)
	require.True(t, stored)

	n2 := wallet.NewNotification(wallet.NotifyNewIncomingTx, data)
	n2.WalletID = "w-1"
	stored, err = s.StoreNotificationIfNew(n2)
	require.NoError(t, err)
	require.False(t, stored)

	// Same payload on a different wallet is a different event.
	n3 := wallet.NewNotification(wallet.NotifyNewIncomingTx, data)
	n3.WalletID = "w-2"
	stored, err = s.StoreNotificationIfNew(n3)
	require.NoError(t, err)
	require.True(t, stored)

	got, err := s.FetchNotifications("w-1", "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestPreferences(t *testing.T) {
	s := newTestStore(t)

	_, err := s.FetchPreferences("w-1", "copayer-1")
	require.Equal(t, ErrNotFound, err)

	require.NoError(t, s.StorePreferences(&wallet.Preferences{
		WalletID: "w-1", CopayerID: "copayer-1", Email: "a@example.com", Language: "en", Unit: "btc",
	}))
	require.NoError(t, s.StorePreferences(&wallet.Preferences{
		WalletID: "w-1", CopayerID: "copayer-2", Language: "es", Unit: "bit",
	}))

	p, err := s.FetchPreferences("w-1", "copayer-1")
	require.NoError(t, err)
	require.Equal(t, "a@example.com", p.Email)

	all, err := s.FetchWalletPreferences("w-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestChainTipAndCaches(t *testing.T) {
	s := newTestStore(t)

	_, err := s.FetchChainTip("livenet")
	require.Equal(t, ErrNotFound, err)

	tip := &ChainTip{Network: "livenet", UpdatedOn: 123}
	tip.Push("00dead", 3)
	tip.Push("00beef", 3)
	require.NoError(t, s.StoreChainTip(tip))
	got, err := s.FetchChainTip("livenet")
	require.NoError(t, err)
	require.Equal(t, []string{"00beef", "00dead"}, got.Hashes)
	require.True(t, got.Contains("00dead"))
	require.False(t, got.Contains("00f00d"))

	got.Push("00aaaa", 3)
	got.Push("00bbbb", 3)
	require.Equal(t, []string{"00bbbb", "00aaaa", "00beef"}, got.Hashes)

	bc := &BalanceCache{
		Balance:     &wallet.Balance{TotalAmount: 123456, AvailableAmount: 100000},
		UpdatedOn:   42,
		NbAddresses: 250,
	}
	require.NoError(t, s.StoreBalanceCache("w-1", bc))
	gotBC, err := s.FetchBalanceCache("w-1")
	require.NoError(t, err)
	require.EqualValues(t, 123456, gotBC.Balance.TotalAmount)
	require.Equal(t, 250, gotBC.NbAddresses)

	hc := &TxHistoryCache{Valid: true, UpdatedOn: 42, TipHeight: 850000, Items: []byte(`[{"txid":"aa"}]`)}
	require.NoError(t, s.StoreTxHistoryCache("w-1", hc))
	gotHC, err := s.FetchTxHistoryCache("w-1")
	require.NoError(t, err)
	require.True(t, gotHC.Valid)

	require.NoError(t, s.SoftResetTxHistoryCache("w-1"))
	gotHC, err = s.FetchTxHistoryCache("w-1")
	require.NoError(t, err)
	require.False(t, gotHC.Valid)
	require.JSONEq(t, `[{"txid":"aa"}]`, string(gotHC.Items))

	// Soft reset with no cache stored is a no-op.
	require.NoError(t, s.SoftResetTxHistoryCache("w-2"))
}

func TestMemDBIterator(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	require.NoError(t, db.Put([]byte("a/1"), []byte("v1")))
	require.NoError(t, db.Put([]byte("a/2"), []byte("v2")))
	require.NoError(t, db.Put([]byte("a/3"), []byte("v3")))
	require.NoError(t, db.Put([]byte("b/1"), []byte("w1")))

	it := db.NewIterator([]byte("a/"), nil)
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	it.Release()
	require.Equal(t, []string{"a/1", "a/2", "a/3"}, keys)

	it = db.NewIterator([]byte("a/"), []byte("2"))
	keys = nil
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	it.Release()
	require.Equal(t, []string{"a/2", "a/3"}, keys)

	batch := db.NewBatch()
	require.NoError(t, batch.Put([]byte("c/1"), []byte("x")))
	require.NoError(t, batch.Delete([]byte("a/1")))
	require.NoError(t, batch.Write())

	ok, err := db.Has([]byte("a/1"))
	require.NoError(t, err)
	require.False(t, ok)
	v, err := db.Get([]byte("c/1"))
	require.NoError(t, err)
	require.Equal(t, []byte("x"), v)
}

func TestLevelDBBackend(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenLevelDB(dir, hclog.NewNullLogger())
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("k/1"), []byte("v1")))
	require.NoError(t, db.Put([]byte("k/2"), []byte("v2")))

	_, err = db.Get([]byte("missing"))
	require.Equal(t, ErrNotFound, err)

	it := db.NewIterator([]byte("k/"), []byte("2"))
	require.True(t, it.Next())
	require.Equal(t, "k/2", string(it.Key()))
	require.False(t, it.Next())
	it.Release()

	batch := db.NewBatch()
	require.NoError(t, batch.Put([]byte("k/3"), []byte("v3")))
	require.NoError(t, batch.Write())
	require.NoError(t, db.Close())

	// Data survives a reopen.
	db, err = OpenLevelDB(dir, hclog.NewNullLogger())
	require.NoError(t, err)
	defer db.Close()
	v, err := db.Get([]byte("k/3"))
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), v)
}
