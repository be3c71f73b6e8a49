package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dan/bws/broker"
	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// pushServer records every payload the dispatcher posts, optionally failing
// the first few requests.
type pushServer struct {
	mu       sync.Mutex
	requests []pushRequest
	failNext int
}

func (p *pushServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var req pushRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.requests = append(p.requests, req)
		if p.failNext > 0 {
			p.failNext--
			http.Error(w, "push server down", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (p *pushServer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *pushServer) all() []pushRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pushRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

type harness struct {
	store  *storage.Store
	broker *broker.Broker
	server *pushServer
}

func startDispatcher(t *testing.T) *harness {
	t.Helper()
	ps := &pushServer{}
	ts := httptest.NewServer(ps.handler())
	t.Cleanup(ts.Close)

	store := storage.New(storage.NewMemDB(), hclog.NewNullLogger())
	brk := broker.New(hclog.NewNullLogger())
	d := New(store, brk, hclog.NewNullLogger(),
		Options{ServerURL: ts.URL}, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{store: store, broker: brk, server: ps}
}

func seedPushWallet(t *testing.T, store *storage.Store, m, n int) *wallet.Wallet {
	t.Helper()
	names := []string{"Alice", "Bob", "Carol", "Dave"}
	w := &wallet.Wallet{
		ID:      "w-push",
		Name:    "household",
		M:       m,
		N:       n,
		Network: wallet.NetworkLivenet,
	}
	for i := 0; i < n; i++ {
		w.Copayers = append(w.Copayers, &wallet.Copayer{
			ID:   fmt.Sprintf("cop-%d", i),
			Name: names[i],
		})
	}
	require.NoError(t, store.StoreWallet(w))
	return w
}

func publish(brk *broker.Broker, notifType, walletID, creatorID string, data map[string]interface{}) {
	n := wallet.NewNotification(notifType, data)
	n.WalletID = walletID
	n.CreatorID = creatorID
	brk.Publish(n)
}

func TestDeliversToAllButCreator(t *testing.T) {
	h := startDispatcher(t)
	w := seedPushWallet(t, h.store, 2, 3)

	// Bob prefers bits; Carol's language has no templates and falls back.
	require.NoError(t, h.store.StorePreferences(&wallet.Preferences{
		WalletID: w.ID, CopayerID: "cop-1", Unit: wallet.UnitBit,
	}))
	require.NoError(t, h.store.StorePreferences(&wallet.Preferences{
		WalletID: w.ID, CopayerID: "cop-2", Language: "es",
	}))

	publish(h.broker, wallet.NotifyNewIncomingTx, w.ID, "cop-0", map[string]interface{}{
		"txid":    "aa01",
		"address": "1Receive",
		"amount":  int64(150000),
	})

	require.Eventually(t, func() bool { return h.server.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	reqs := h.server.all()
	require.Equal(t, []string{"w-push$cop-1"}, reqs[0].Users)
	require.Equal(t, "New payment received", reqs[0].Android.Data.Title)
	require.Equal(t, `A payment of 1,500 bit was received in your wallet "household".`,
		reqs[0].Android.Data.Message)
	require.Equal(t, "New payment received", reqs[0].IOS.Alert)
	require.Equal(t, "default", reqs[0].IOS.Sound)

	require.Equal(t, []string{"w-push$cop-2"}, reqs[1].Users)
	require.Equal(t, `A payment of 0.0015 btc was received in your wallet "household".`,
		reqs[1].Android.Data.Message)
}

func TestSkipsSingleSigProposals(t *testing.T) {
	h := startDispatcher(t)
	w := seedPushWallet(t, h.store, 1, 2)

	// No co-signer is needed for a 1-of-n proposal, so it is not pushed.
	// The outgoing notification that follows proves the queue kept moving.
	publish(h.broker, wallet.NotifyNewTxProposal, w.ID, "cop-0", map[string]interface{}{
		"txProposalId": "txp-1",
		"amount":       int64(50000),
	})
	publish(h.broker, wallet.NotifyNewOutgoingTx, w.ID, "cop-0", map[string]interface{}{
		"txProposalId": "txp-1",
		"txid":         "bb01",
		"amount":       int64(50000),
	})

	require.Eventually(t, func() bool { return h.server.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	reqs := h.server.all()
	require.Equal(t, []string{"w-push$cop-1"}, reqs[0].Users)
	require.Equal(t, "Payment sent", reqs[0].Android.Data.Title)
	require.Equal(t, `A payment of 0.0005 btc was sent from your wallet "household".`,
		reqs[0].Android.Data.Message)
}

func TestFinalRejectionNamesRejectors(t *testing.T) {
	h := startDispatcher(t)
	w := seedPushWallet(t, h.store, 2, 3)

	publish(h.broker, wallet.NotifyTxProposalFinallyRejected, w.ID, "cop-1", map[string]interface{}{
		"txProposalId": "txp-9",
		"rejectedBy":   []string{"cop-1", "cop-2"},
	})

	require.Eventually(t, func() bool { return h.server.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	reqs := h.server.all()
	require.Equal(t, []string{"w-push$cop-0"}, reqs[0].Users)
	require.Equal(t, "Payment proposal rejected", reqs[0].Android.Data.Title)
	require.Equal(t, `A payment proposal in your wallet "household" was rejected by Bob, Carol.`,
		reqs[0].Android.Data.Message)
	require.Equal(t, []string{"w-push$cop-2"}, reqs[1].Users)
}

func TestDeliveryFailureDoesNotBlockOthers(t *testing.T) {
	h := startDispatcher(t)
	w := seedPushWallet(t, h.store, 2, 3)
	h.server.mu.Lock()
	h.server.failNext = 1
	h.server.mu.Unlock()

	publish(h.broker, wallet.NotifyWalletComplete, w.ID, "cop-0", map[string]interface{}{
		"walletId": w.ID,
	})

	// Both recipients are attempted even though the first post fails.
	require.Eventually(t, func() bool { return h.server.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	publish(h.broker, wallet.NotifyWalletComplete, w.ID, "cop-1", map[string]interface{}{
		"walletId": w.ID, "again": true,
	})
	require.Eventually(t, func() bool { return h.server.count() == 4 }, 2*time.Second, 10*time.Millisecond)
}

func TestIgnoresUndeliveredTypesAndUnknownWallets(t *testing.T) {
	h := startDispatcher(t)
	w := seedPushWallet(t, h.store, 2, 3)

	publish(h.broker, wallet.NotifyNewAddress, w.ID, "cop-0", map[string]interface{}{"address": "1New"})
	publish(h.broker, wallet.NotifyNewBlock, wallet.NetworkLivenet, "", map[string]interface{}{"hash": "b1"})
	publish(h.broker, wallet.NotifyTxProposalAcceptedBy, w.ID, "cop-0", map[string]interface{}{"txProposalId": "txp-1"})
	publish(h.broker, wallet.NotifyNewIncomingTx, "no-such-wallet", "", map[string]interface{}{
		"txid": "cc01", "address": "1X", "amount": int64(1000),
	})

	publish(h.broker, wallet.NotifyNewCopayer, w.ID, "cop-2", map[string]interface{}{
		"walletId":    w.ID,
		"copayerId":   "cop-2",
		"copayerName": "Carol",
	})

	require.Eventually(t, func() bool { return h.server.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	reqs := h.server.all()
	require.Equal(t, []string{"w-push$cop-0"}, reqs[0].Users)
	require.Equal(t, "New copayer", reqs[0].Android.Data.Title)
	require.Equal(t, `Carol has joined your wallet "household".`, reqs[0].Android.Data.Message)
	require.Equal(t, []string{"w-push$cop-1"}, reqs[1].Users)
}

func TestRenderTemplate(t *testing.T) {
	out := renderTemplate(`{{a}} and {{ b }} but not {{missing}}.`, map[string]string{
		"a": "one", "b": "two",
	})
	require.Equal(t, "one and two but not .", out)

	subject, body := splitSubject("Subject line\nBody first\nBody second\n")
	require.Equal(t, "Subject line", subject)
	require.Equal(t, "Body first\nBody second", body)
}

func TestDefaultTemplatesComplete(t *testing.T) {
	for _, file := range deliveredTemplates {
		msg, err := renderMessage(DefaultTemplates(), "en", file, map[string]string{})
		require.NoError(t, err, "template %s", file)
		require.NotEmpty(t, msg.Subject)
		require.NotEmpty(t, msg.PlainBody)
		require.NotEmpty(t, msg.HTMLBody)
	}
}
