package explorer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *InsightClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewInsightClient(srv.URL, 5*time.Second, hclog.NewNullLogger())
}

func TestGetUtxos(t *testing.T) {
	var gotBody map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/addrs/utxo", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		io.WriteString(w, `[
			{"address":"1abc","txid":"aa01","vout":1,"scriptPubKey":"76a9","satoshis":150000,"amount":0.0015,"confirmations":12},
			{"address":"1def","txid":"bb02","vout":0,"scriptPubKey":"a914","amount":0.5,"confirmations":0}
		]`)
	}))

	utxos, err := c.GetUtxos(context.Background(), []string{"1abc", "1def"})
	require.NoError(t, err)
	require.Equal(t, "1abc,1def", gotBody["addrs"])
	require.Len(t, utxos, 2)
	require.EqualValues(t, 150000, utxos[0].Satoshis)
	require.EqualValues(t, 12, utxos[0].Confirmations)
	// Missing satoshis falls back to the BTC amount.
	require.EqualValues(t, 50000000, utxos[1].Satoshis)

	empty, err := c.GetUtxos(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, empty)
}

func TestGetTransaction(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tx/aa01", r.URL.Path)
		io.WriteString(w, `{
			"txid":"aa01",
			"vin":[{"txid":"bb02","vout":3,"sequence":4294967294,"addr":"1src","valueSat":200000}],
			"vout":[{"value":"0.00150000","scriptPubKey":{"hex":"76a9","addresses":["1dst"]},"spentTxId":"cc03"}],
			"blockhash":"00beef","blockheight":850000,"confirmations":3,"time":1700000000,
			"fees":0.0001,"size":226
		}`)
	}))

	tx, err := c.GetTransaction(context.Background(), "aa01")
	require.NoError(t, err)
	require.Equal(t, "aa01", tx.TxID)
	require.Len(t, tx.Inputs, 1)
	require.Equal(t, "1src", tx.Inputs[0].Address)
	require.EqualValues(t, 4294967294, tx.Inputs[0].Sequence)
	require.Len(t, tx.Outputs, 1)
	require.EqualValues(t, 150000, tx.Outputs[0].ValueSat)
	require.Equal(t, []string{"1dst"}, tx.Outputs[0].Addresses)
	require.Equal(t, "cc03", tx.Outputs[0].SpentTxID)
	require.EqualValues(t, 10000, tx.FeeSat)
	require.EqualValues(t, 850000, tx.BlockHeight)
}

func TestGetTransactionNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := c.GetTransaction(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetTransactionCachesDeepConfirmations(t *testing.T) {
	hits := map[string]int{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		txid := r.URL.Path[len("/tx/"):]
		hits[txid]++
		switch txid {
		case "deep01":
			io.WriteString(w, `{"txid":"deep01","confirmations":120,"vin":[],"vout":[]}`)
		case "shallow01":
			io.WriteString(w, `{"txid":"shallow01","confirmations":0,"vin":[],"vout":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))

	for i := 0; i < 3; i++ {
		tx, err := c.GetTransaction(context.Background(), "deep01")
		require.NoError(t, err)
		require.EqualValues(t, 120, tx.Confirmations)

		_, err = c.GetTransaction(context.Background(), "shallow01")
		require.NoError(t, err)
	}

	// Only the deeply confirmed transaction is served from cache.
	require.Equal(t, 1, hits["deep01"])
	require.Equal(t, 3, hits["shallow01"])
}

func TestGetTransactions(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/addrs/txs", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "1abc", body["addrs"])
		require.EqualValues(t, 0, body["from"])
		require.EqualValues(t, 10, body["to"])
		io.WriteString(w, `{"totalItems":2,"from":0,"to":10,"items":[
			{"txid":"aa01","confirmations":1,"time":200,"vout":[]},
			{"txid":"bb02","confirmations":9,"time":100,"vout":[]}
		]}`)
	}))

	page, err := c.GetTransactions(context.Background(), []string{"1abc"}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 2, page.TotalItems)
	require.Len(t, page.Items, 2)
	require.Equal(t, "aa01", page.Items[0].TxID)
}

func TestGetAddressActivity(t *testing.T) {
	active := map[string]bool{"1used": true, "1fresh": false}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("noTxList"))
		if active[r.URL.Path[len("/addr/"):]] {
			io.WriteString(w, `{"txApperances":2,"unconfirmedTxApperances":0}`)
			return
		}
		io.WriteString(w, `{"txApperances":0,"unconfirmedTxApperances":0}`)
	}))

	got, err := c.GetAddressActivity(context.Background(), "1used")
	require.NoError(t, err)
	require.True(t, got)

	got, err = c.GetAddressActivity(context.Background(), "1fresh")
	require.NoError(t, err)
	require.False(t, got)
}

func TestGetBlockAndBestHash(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/block/00beef":
			io.WriteString(w, `{"hash":"00beef","height":850000,"time":1700000000,
				"previousblockhash":"00dead","tx":["aa01","bb02"]}`)
		case "/status":
			require.Equal(t, "getBestBlockHash", r.URL.Query().Get("q"))
			io.WriteString(w, `{"bestblockhash":"00beef"}`)
		default:
			http.NotFound(w, r)
		}
	}))

	block, err := c.GetBlock(context.Background(), "00beef")
	require.NoError(t, err)
	require.EqualValues(t, 850000, block.Height)
	require.Equal(t, "00dead", block.PreviousBlockHash)
	require.Equal(t, []string{"aa01", "bb02"}, block.TxIDs)

	best, err := c.GetBestBlockHash(context.Background())
	require.NoError(t, err)
	require.Equal(t, "00beef", best)
}

func TestEstimateFee(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/utils/estimatefee", r.URL.Path)
		require.Equal(t, "2,6,24", r.URL.Query().Get("nbBlocks"))
		io.WriteString(w, `{"2":0.0002,"6":0.0001}`)
	}))

	fees, err := c.EstimateFee(context.Background(), []int{2, 6, 24})
	require.NoError(t, err)
	require.Equal(t, 0.0002, fees[2])
	require.Equal(t, 0.0001, fees[6])
	// The explorer had no estimate for the long target.
	require.Equal(t, float64(-1), fees[24])
}

func TestBroadcast(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tx/send", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "0100beef", body["rawtx"])
		io.WriteString(w, `{"txid":"aa01"}`)
	}))

	txid, err := c.Broadcast(context.Background(), "0100beef")
	require.NoError(t, err)
	require.Equal(t, "aa01", txid)
}

func TestServerErrorSurfaces(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "16: mandatory-script-verify-flag-failed", http.StatusBadRequest)
	}))

	_, err := c.Broadcast(context.Background(), "0100beef")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 400")
	require.Contains(t, err.Error(), "mandatory-script-verify-flag-failed")
}
