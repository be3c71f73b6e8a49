package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/dan/bws/wallet"
)

func TestGetStats(t *testing.T) {
	svc, fe := newTestService(t)
	_, copayers := setupWallet(t, svc, 2, 3)
	creator := copayers[0]
	fundWallet(t, svc, fe, creator, 200000, 6)

	txp, err := svc.CreateTx(context.Background(), creator.session, CreateTxArgs{
		Outputs:  []*wallet.TxOutput{{ToAddress: externalAddress(t), Amount: 100000}},
		FeePerKb: 10000,
	})
	require.NoError(t, err)
	publishTxAs(t, svc, creator, txp)
	_, err = svc.SignTx(context.Background(), creator.session, txp.ID,
		inputSignatures(t, txp, creator.acct))
	require.NoError(t, err)
	_, err = svc.SignTx(context.Background(), copayers[1].session, txp.ID,
		inputSignatures(t, txp, copayers[1].acct))
	require.NoError(t, err)
	_, err = svc.BroadcastTx(context.Background(), creator.session, txp.ID)
	require.NoError(t, err)

	// A second wallet that never completes.
	secret, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0xCD}, 32))
	_, err = svc.CreateWallet(context.Background(), CreateWalletArgs{
		Name:          "savings",
		M:             1,
		N:             1,
		Network:       wallet.NetworkLivenet,
		PubKey:        hex.EncodeToString(secret.PubKey().SerializeCompressed()),
		SingleAddress: true,
	})
	require.NoError(t, err)

	stats, err := svc.GetStats(context.Background())
	require.NoError(t, err)
	require.NotZero(t, stats.GeneratedOn)
	require.NotContains(t, stats.Networks, wallet.NetworkTestnet)

	ns := stats.Networks[wallet.NetworkLivenet]
	require.NotNil(t, ns)
	require.Equal(t, 2, ns.TotalWallets)
	require.Equal(t, 1, ns.CompleteWallets)
	require.Equal(t, 1, ns.SingleAddress)
	require.Equal(t, 3, ns.TotalCopayers)
	require.Equal(t, map[string]int{"2-of-3": 1, "1-of-1": 1}, ns.WalletSizes)
	require.Equal(t, 1, ns.TxProposals[wallet.TxStatusBroadcasted])
	require.Equal(t, int64(100000), ns.BroadcastedAmount)
}

func TestGetStatsEmpty(t *testing.T) {
	svc, _ := newTestService(t)

	stats, err := svc.GetStats(context.Background())
	require.NoError(t, err)
	require.Empty(t, stats.Networks)
}
