package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/dan/bws/broker"
	"github.com/dan/bws/explorer"
	"github.com/dan/bws/lock"
	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// fakeExplorer serves canned chain data and records broadcasts. All fields
// are guarded so background rechecks can race test setup safely.
type fakeExplorer struct {
	mu           sync.Mutex
	utxos        []*explorer.UTXO
	txs          map[string]*explorer.Tx
	blocks       map[string]*explorer.Block
	activity     map[string]bool
	fees         map[int]float64
	feeErr       error
	feeCalls     int
	best         string
	history      []*explorer.Tx
	historyErr   error
	broadcastErr error
	broadcasted  []string
	nextTxID     int
}

func newFakeExplorer() *fakeExplorer {
	return &fakeExplorer{
		txs:      make(map[string]*explorer.Tx),
		blocks:   make(map[string]*explorer.Block),
		activity: make(map[string]bool),
		fees:     make(map[int]float64),
	}
}

// addUtxo registers a spendable output on the given wallet address, backed
// by a synthetic funding transaction so safety checks can resolve it.
func (f *fakeExplorer) addUtxo(t *testing.T, addr *wallet.Address, satoshis, confirmations int64) *explorer.UTXO {
	t.Helper()
	script, err := wallet.ScriptPubKey(addr.Address, addr.Network)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTxID++
	txid := fmt.Sprintf("%064x", f.nextTxID)
	parentID := fmt.Sprintf("%064x", 0xFFFF+f.nextTxID)
	u := &explorer.UTXO{
		TxID:          txid,
		Vout:          0,
		Address:       addr.Address,
		ScriptPubKey:  hex.EncodeToString(script),
		Satoshis:      satoshis,
		Confirmations: confirmations,
	}
	f.utxos = append(f.utxos, u)
	f.txs[txid] = &explorer.Tx{
		TxID:          txid,
		Inputs:        []*explorer.TxInput{{TxID: parentID, Sequence: wallet.SequenceFinal}},
		Outputs:       []*explorer.TxOutput{{ValueSat: satoshis, Addresses: []string{addr.Address}}},
		Confirmations: confirmations,
	}
	// A settled parent keeps unconfirmed outputs safe unless a test
	// rewires the ancestry.
	f.txs[parentID] = &explorer.Tx{
		TxID:          parentID,
		Inputs:        []*explorer.TxInput{{Sequence: wallet.SequenceFinal}},
		Confirmations: 100,
	}
	return u
}

func (f *fakeExplorer) GetUtxos(ctx context.Context, addresses []string) ([]*explorer.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		wanted[a] = true
	}
	var out []*explorer.UTXO
	for _, u := range f.utxos {
		if wanted[u.Address] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeExplorer) GetTransaction(ctx context.Context, txid string) (*explorer.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txid]
	if !ok {
		return nil, explorer.ErrNotFound
	}
	return tx, nil
}

func (f *fakeExplorer) GetTransactions(ctx context.Context, addresses []string, from, to int) (*explorer.TxPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if from > len(f.history) {
		from = len(f.history)
	}
	if to > len(f.history) {
		to = len(f.history)
	}
	return &explorer.TxPage{
		TotalItems: len(f.history),
		From:       from,
		To:         to,
		Items:      f.history[from:to],
	}, nil
}

func (f *fakeExplorer) GetAddressActivity(ctx context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activity[address], nil
}

func (f *fakeExplorer) GetBlock(ctx context.Context, hash string) (*explorer.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[hash]
	if !ok {
		return nil, explorer.ErrNotFound
	}
	return b, nil
}

func (f *fakeExplorer) GetBestBlockHash(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.best, nil
}

func (f *fakeExplorer) EstimateFee(ctx context.Context, nbBlocks []int) (map[int]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeCalls++
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	out := make(map[int]float64, len(nbBlocks))
	for _, n := range nbBlocks {
		fee, ok := f.fees[n]
		if !ok {
			fee = -1
		}
		out[n] = fee
	}
	return out, nil
}

func (f *fakeExplorer) Broadcast(ctx context.Context, rawTx string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	f.broadcasted = append(f.broadcasted, rawTx)
	return "", nil
}

func newTestService(t *testing.T) (*Service, *fakeExplorer) {
	return newTestServiceOpts(t, Options{})
}

func newTestServiceOpts(t *testing.T, opts Options) (*Service, *fakeExplorer) {
	t.Helper()
	fe := newFakeExplorer()
	store := storage.New(storage.NewMemDB(), hclog.NewNullLogger())
	svc := New(store, lock.NewManager(0, 0), broker.New(hclog.NewNullLogger()),
		map[string]explorer.Explorer{
			wallet.NetworkLivenet: fe,
			wallet.NetworkTestnet: fe,
		}, hclog.NewNullLogger(), opts)
	return svc, fe
}

// testCopayer bundles a joined copayer's key material with its session.
type testCopayer struct {
	id      string
	name    string
	acct    *hdkeychain.ExtendedKey
	reqPriv *btcec.PrivateKey
	session *Session
}

func testAccountKey(t *testing.T, seedByte byte) *hdkeychain.ExtendedKey {
	t.Helper()
	params, err := wallet.NetworkParams(wallet.NetworkLivenet)
	require.NoError(t, err)
	master, err := hdkeychain.NewMaster(bytes.Repeat([]byte{seedByte}, 32), params)
	require.NoError(t, err)
	key, err := master.Derive(hdkeychain.HardenedKeyStart + 45)
	require.NoError(t, err)
	return key
}

// setupWallet creates a complete m-of-n livenet wallet through the service,
// joining n copayers with deterministic keys.
func setupWallet(t *testing.T, svc *Service, m, n int) (string, []*testCopayer) {
	t.Helper()
	ctx := context.Background()
	secret, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0xEE}, 32))

	walletID, err := svc.CreateWallet(ctx, CreateWalletArgs{
		Name:    "test wallet",
		M:       m,
		N:       n,
		Network: wallet.NetworkLivenet,
		PubKey:  hex.EncodeToString(secret.PubKey().SerializeCompressed()),
	})
	require.NoError(t, err)

	copayers := make([]*testCopayer, n)
	for i := 0; i < n; i++ {
		acct := testAccountKey(t, byte(i+1))
		xpubKey, err := acct.Neuter()
		require.NoError(t, err)
		xpub := xpubKey.String()

		reqKey, err := wallet.DeriveByPath(acct, wallet.RequestKeyAuthPath)
		require.NoError(t, err)
		reqPriv, err := reqKey.ECPrivKey()
		require.NoError(t, err)
		reqPub := hex.EncodeToString(reqPriv.PubKey().SerializeCompressed())

		name := fmt.Sprintf("copayer %d", i+1)
		res, err := svc.JoinWallet(ctx, JoinWalletArgs{
			WalletID:         walletID,
			Name:             name,
			XPubKey:          xpub,
			RequestPubKey:    reqPub,
			CopayerSignature: wallet.SignMessage(wallet.CopayerHash(name, xpub, reqPub), secret),
		})
		require.NoError(t, err)

		copayers[i] = &testCopayer{
			id:      res.CopayerID,
			name:    name,
			acct:    acct,
			reqPriv: reqPriv,
			session: &Session{CopayerID: res.CopayerID, WalletID: walletID},
		}
	}
	return walletID, copayers
}

// fundWallet derives a fresh receive address and plants a UTXO on it.
func fundWallet(t *testing.T, svc *Service, fe *fakeExplorer, c *testCopayer, satoshis, confirmations int64) *explorer.UTXO {
	t.Helper()
	addr, err := svc.CreateAddress(context.Background(), c.session, false)
	require.NoError(t, err)
	return fe.addUtxo(t, addr, satoshis, confirmations)
}

// publishTxAs signs the proposal header with the copayer's request key and
// publishes.
func publishTxAs(t *testing.T, svc *Service, c *testCopayer, txp *wallet.TxProposal) *wallet.TxProposal {
	t.Helper()
	payload, err := txp.SigningPayload()
	require.NoError(t, err)
	published, err := svc.PublishTx(context.Background(), c.session, txp.ID,
		wallet.SignMessage(payload, c.reqPriv))
	require.NoError(t, err)
	return published
}

// inputSignatures produces the per-input signatures the copayer's account
// key yields for the proposal.
func inputSignatures(t *testing.T, txp *wallet.TxProposal, acct *hdkeychain.ExtendedKey) []string {
	t.Helper()
	tx, err := wallet.BuildUnsignedTx(txp)
	require.NoError(t, err)
	hashes, err := wallet.SignatureHashes(txp, tx)
	require.NoError(t, err)
	sigs := make([]string, len(txp.Inputs))
	for i, in := range txp.Inputs {
		key, err := wallet.DeriveByPath(acct, in.Path)
		require.NoError(t, err)
		priv, err := key.ECPrivKey()
		require.NoError(t, err)
		sigs[i] = hex.EncodeToString(ecdsa.Sign(priv, hashes[i]).Serialize())
	}
	return sigs
}

// notificationsOfType reads the wallet's stored notifications of one type.
func notificationsOfType(t *testing.T, svc *Service, walletID, notifType string) []*wallet.Notification {
	t.Helper()
	all, err := svc.store.FetchNotifications(walletID, "", 0)
	require.NoError(t, err)
	var out []*wallet.Notification
	for _, n := range all {
		if n.Type == notifType {
			out = append(out, n)
		}
	}
	return out
}
