// Package explorer talks to a block explorer for UTXO discovery, address
// history, fee estimation and broadcasting. The REST client normalizes the
// explorer's mixed units to satoshis; the socket client streams new
// transactions and blocks.
package explorer

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the explorer does not know the requested
// transaction or block.
var ErrNotFound = errors.New("explorer: not found")

// UTXO is an unspent output of a watched address.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Address       string `json:"address"`
	ScriptPubKey  string `json:"scriptPubKey"`
	Satoshis      int64  `json:"satoshis"`
	Confirmations int64  `json:"confirmations"`
}

// TxInput is a normalized transaction input.
type TxInput struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Address  string `json:"address,omitempty"`
	ValueSat int64  `json:"valueSat"`
	Sequence uint32 `json:"sequence"`
}

// TxOutput is a normalized transaction output.
type TxOutput struct {
	ValueSat  int64    `json:"valueSat"`
	Addresses []string `json:"addresses,omitempty"`
	SpentTxID string   `json:"spentTxId,omitempty"`
}

// Tx is a normalized transaction. Unconfirmed transactions carry zero
// confirmations and no block fields.
type Tx struct {
	TxID          string      `json:"txid"`
	Inputs        []*TxInput  `json:"inputs"`
	Outputs       []*TxOutput `json:"outputs"`
	BlockHash     string      `json:"blockHash,omitempty"`
	BlockHeight   int64       `json:"blockHeight,omitempty"`
	Confirmations int64       `json:"confirmations"`
	Time          int64       `json:"time"`
	FeeSat        int64       `json:"feeSat"`
	Size          int         `json:"size"`
}

// TxPage is one page of address history.
type TxPage struct {
	TotalItems int   `json:"totalItems"`
	From       int   `json:"from"`
	To         int   `json:"to"`
	Items      []*Tx `json:"items"`
}

// Block carries the header fields the monitor needs plus the txids.
type Block struct {
	Hash              string   `json:"hash"`
	Height            int64    `json:"height"`
	Time              int64    `json:"time"`
	PreviousBlockHash string   `json:"previousblockhash"`
	TxIDs             []string `json:"tx"`
}

// Explorer is the read/broadcast surface the service and monitor depend on.
type Explorer interface {
	// GetUtxos returns the unspent outputs of the given addresses.
	GetUtxos(ctx context.Context, addresses []string) ([]*UTXO, error)

	// GetTransaction returns one transaction, or ErrNotFound.
	GetTransaction(ctx context.Context, txid string) (*Tx, error)

	// GetTransactions pages through the joint history of the addresses,
	// newest first. from/to are item offsets.
	GetTransactions(ctx context.Context, addresses []string, from, to int) (*TxPage, error)

	// GetAddressActivity reports whether the address appears in any
	// transaction, confirmed or not.
	GetAddressActivity(ctx context.Context, address string) (bool, error)

	// GetBlock fetches a block by hash.
	GetBlock(ctx context.Context, hash string) (*Block, error)

	// GetBestBlockHash returns the current chain tip hash.
	GetBestBlockHash(ctx context.Context) (string, error)

	// EstimateFee returns fee estimates in BTC per kilobyte, keyed by the
	// requested confirmation targets. Targets the explorer cannot estimate
	// map to -1.
	EstimateFee(ctx context.Context, nbBlocks []int) (map[int]float64, error)

	// Broadcast submits a raw transaction and returns its txid.
	Broadcast(ctx context.Context, rawTx string) (string, error)
}
