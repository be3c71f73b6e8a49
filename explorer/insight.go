package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultRequestTimeout = 30 * time.Second

	// maxResponseBytes caps explorer responses. History pages of busy
	// wallets run large but nowhere near this.
	maxResponseBytes = 32 << 20

	txCacheSize = 4096

	// txCacheMinConfirmations is the depth below which a transaction is
	// still mutable and must not be cached.
	txCacheMinConfirmations = 6
)

// InsightClient implements Explorer against an insight-api instance.
type InsightClient struct {
	baseURL string
	hc      *http.Client
	log     hclog.Logger

	// txs holds deeply confirmed transactions, which ancestry checks
	// re-read on every utxo query.
	txs *lru.Cache
}

var _ Explorer = (*InsightClient)(nil)

// NewInsightClient builds a client for the given API root, e.g.
// https://insight.bitpay.com/api. A non-positive timeout falls back to the
// default.
func NewInsightClient(baseURL string, timeout time.Duration, logger hclog.Logger) *InsightClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = timeout
	txs, _ := lru.New(txCacheSize)
	return &InsightClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      hc,
		log:     logger,
		txs:     txs,
	}
}

func (c *InsightClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("explorer request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read explorer response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("explorer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse explorer response: %w", err)
	}
	return nil
}

func (c *InsightClient) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *InsightClient) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

type insightUTXO struct {
	Address       string  `json:"address"`
	TxID          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	ScriptPubKey  string  `json:"scriptPubKey"`
	Amount        float64 `json:"amount"`
	Satoshis      int64   `json:"satoshis"`
	Confirmations int64   `json:"confirmations"`
}

type insightVin struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Sequence uint32 `json:"sequence"`
	Addr     string `json:"addr"`
	ValueSat int64  `json:"valueSat"`
}

type insightVout struct {
	Value        string `json:"value"`
	ScriptPubKey struct {
		Hex       string   `json:"hex"`
		Addresses []string `json:"addresses"`
	} `json:"scriptPubKey"`
	SpentTxID string `json:"spentTxId"`
}

type insightTx struct {
	TxID          string         `json:"txid"`
	Vin           []*insightVin  `json:"vin"`
	Vout          []*insightVout `json:"vout"`
	BlockHash     string         `json:"blockhash"`
	BlockHeight   int64          `json:"blockheight"`
	Confirmations int64          `json:"confirmations"`
	Time          int64          `json:"time"`
	Fees          float64        `json:"fees"`
	Size          int            `json:"size"`
}

func btcToSatoshis(btc float64) int64 {
	return int64(math.Round(btc * 1e8))
}

func (t *insightTx) normalize() *Tx {
	tx := &Tx{
		TxID:          t.TxID,
		BlockHash:     t.BlockHash,
		BlockHeight:   t.BlockHeight,
		Confirmations: t.Confirmations,
		Time:          t.Time,
		FeeSat:        btcToSatoshis(t.Fees),
		Size:          t.Size,
	}
	for _, in := range t.Vin {
		tx.Inputs = append(tx.Inputs, &TxInput{
			TxID:     in.TxID,
			Vout:     in.Vout,
			Address:  in.Addr,
			ValueSat: in.ValueSat,
			Sequence: in.Sequence,
		})
	}
	for _, out := range t.Vout {
		valueSat := int64(0)
		if v, err := strconv.ParseFloat(out.Value, 64); err == nil {
			valueSat = btcToSatoshis(v)
		}
		tx.Outputs = append(tx.Outputs, &TxOutput{
			ValueSat:  valueSat,
			Addresses: out.ScriptPubKey.Addresses,
			SpentTxID: out.SpentTxID,
		})
	}
	return tx
}

func (c *InsightClient) GetUtxos(ctx context.Context, addresses []string) ([]*UTXO, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	var raw []*insightUTXO
	body := map[string]string{"addrs": strings.Join(addresses, ",")}
	if err := c.post(ctx, "/addrs/utxo", body, &raw); err != nil {
		return nil, err
	}
	utxos := make([]*UTXO, 0, len(raw))
	for _, u := range raw {
		satoshis := u.Satoshis
		if satoshis == 0 && u.Amount > 0 {
			satoshis = btcToSatoshis(u.Amount)
		}
		utxos = append(utxos, &UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Address:       u.Address,
			ScriptPubKey:  u.ScriptPubKey,
			Satoshis:      satoshis,
			Confirmations: u.Confirmations,
		})
	}
	return utxos, nil
}

func (c *InsightClient) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	if cached, ok := c.txs.Get(txid); ok {
		return cached.(*Tx), nil
	}
	var raw insightTx
	if err := c.get(ctx, "/tx/"+url.PathEscape(txid), &raw); err != nil {
		return nil, err
	}
	tx := raw.normalize()
	if tx.Confirmations >= txCacheMinConfirmations {
		c.txs.Add(txid, tx)
	}
	return tx, nil
}

func (c *InsightClient) GetTransactions(ctx context.Context, addresses []string, from, to int) (*TxPage, error) {
	var raw struct {
		TotalItems int          `json:"totalItems"`
		From       int          `json:"from"`
		To         int          `json:"to"`
		Items      []*insightTx `json:"items"`
	}
	body := map[string]interface{}{
		"addrs": strings.Join(addresses, ","),
		"from":  from,
		"to":    to,
	}
	if err := c.post(ctx, "/addrs/txs", body, &raw); err != nil {
		return nil, err
	}
	page := &TxPage{TotalItems: raw.TotalItems, From: raw.From, To: raw.To}
	for _, t := range raw.Items {
		page.Items = append(page.Items, t.normalize())
	}
	return page, nil
}

func (c *InsightClient) GetAddressActivity(ctx context.Context, address string) (bool, error) {
	// The misspelled field is the explorer's, not ours.
	var raw struct {
		TxAppearances            int `json:"txApperances"`
		UnconfirmedTxAppearances int `json:"unconfirmedTxApperances"`
	}
	if err := c.get(ctx, "/addr/"+url.PathEscape(address)+"?noTxList=1", &raw); err != nil {
		return false, err
	}
	return raw.TxAppearances+raw.UnconfirmedTxAppearances > 0, nil
}

func (c *InsightClient) GetBlock(ctx context.Context, hash string) (*Block, error) {
	block := new(Block)
	if err := c.get(ctx, "/block/"+url.PathEscape(hash), block); err != nil {
		return nil, err
	}
	return block, nil
}

func (c *InsightClient) GetBestBlockHash(ctx context.Context) (string, error) {
	var raw struct {
		BestBlockHash string `json:"bestblockhash"`
	}
	if err := c.get(ctx, "/status?q=getBestBlockHash", &raw); err != nil {
		return "", err
	}
	return raw.BestBlockHash, nil
}

func (c *InsightClient) EstimateFee(ctx context.Context, nbBlocks []int) (map[int]float64, error) {
	targets := make([]string, len(nbBlocks))
	for i, n := range nbBlocks {
		targets[i] = strconv.Itoa(n)
	}
	var raw map[string]float64
	path := "/utils/estimatefee?nbBlocks=" + strings.Join(targets, ",")
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}
	estimates := make(map[int]float64, len(nbBlocks))
	for _, n := range nbBlocks {
		fee, ok := raw[strconv.Itoa(n)]
		if !ok {
			fee = -1
		}
		estimates[n] = fee
	}
	return estimates, nil
}

func (c *InsightClient) Broadcast(ctx context.Context, rawTx string) (string, error) {
	var raw struct {
		TxID string `json:"txid"`
	}
	if err := c.post(ctx, "/tx/send", map[string]string{"rawtx": rawTx}, &raw); err != nil {
		return "", err
	}
	if raw.TxID == "" {
		return "", fmt.Errorf("explorer did not return a txid")
	}
	return raw.TxID, nil
}
