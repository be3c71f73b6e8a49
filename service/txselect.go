package service

import (
	"math/rand"
	"sort"

	"github.com/dan/bws/wallet"
)

// selectTxInputs reserves inputs for the proposal and sets its fee.
// Candidates walk confirmation groups from most settled to least; within a
// group small inputs accumulate first, with a single oversized input as the
// fallback. utxos must already carry their locked/unsafe annotations.
func (s *Service) selectTxInputs(txp *wallet.TxProposal, utxos []*UTXO, excludeUnconfirmed bool, excludeOutpoints []string) error {
	txpAmount := txp.TotalAmount()

	var totalAmount, availableAmount int64
	for _, u := range utxos {
		if u.Unsafe {
			continue
		}
		if excludeUnconfirmed && u.Confirmations == 0 {
			continue
		}
		totalAmount += u.Satoshis
		if !u.Locked {
			availableAmount += u.Satoshis
		}
	}
	if totalAmount < txpAmount {
		return wallet.ErrInsufficientFunds
	}
	if availableAmount < txpAmount {
		return wallet.ErrLockedFunds
	}

	baseFee := txp.EstimatedFeeWithInputs(0)
	feePerInput := txp.EstimatedFeeWithInputs(1) - baseFee

	excluded := make(map[string]bool, len(excludeOutpoints))
	for _, o := range excludeOutpoints {
		excluded[o] = true
	}
	// Inputs that cannot pay for themselves never enter selection.
	candidates := make([]*UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Locked || u.Unsafe || excluded[u.Outpoint()] {
			continue
		}
		if excludeUnconfirmed && u.Confirmations == 0 {
			continue
		}
		if u.Satoshis <= feePerInput {
			continue
		}
		candidates = append(candidates, u)
	}

	groups := []int64{6, 1}
	if !excludeUnconfirmed {
		groups = append(groups, 0)
	}

	var (
		selected  []*UTXO
		fee       int64
		lastErr   error
		lastCount = -1
	)
	for _, minConf := range groups {
		group := make([]*UTXO, 0, len(candidates))
		for _, u := range candidates {
			if u.Confirmations >= minConf {
				group = append(group, u)
			}
		}
		// A group identical to the previous one cannot fare better.
		if len(group) == lastCount {
			continue
		}
		lastCount = len(group)

		inputs, groupFee, err := s.selectFromGroup(txp, group, txpAmount, baseFee, feePerInput)
		if err != nil {
			lastErr = err
			continue
		}
		selected, fee = inputs, groupFee
		break
	}
	if len(selected) == 0 {
		if lastErr != nil {
			return lastErr
		}
		return wallet.ErrInsufficientFundsForFee
	}

	rand.Shuffle(len(selected), func(i, j int) {
		selected[i], selected[j] = selected[j], selected[i]
	})
	inputs := make([]*wallet.TxInput, len(selected))
	for i, u := range selected {
		inputs[i] = u.toInput()
	}
	txp.Inputs = inputs
	txp.Fee = fee
	return s.checkTx(txp)
}

// selectFromGroup accumulates small inputs, largest first, recomputing size
// and fee per step, and falls back to the smallest single big input when
// accumulation cannot reach the target.
func (s *Service) selectFromGroup(txp *wallet.TxProposal, group []*UTXO, txpAmount, baseFee, feePerInput int64) ([]*UTXO, int64, error) {
	var groupTotal int64
	for _, u := range group {
		groupTotal += u.Satoshis
	}
	if groupTotal < txpAmount {
		return nil, 0, wallet.ErrInsufficientFunds
	}
	if groupTotal-txp.EstimatedFeeWithInputs(int64(len(group))) < txpAmount {
		return nil, 0, wallet.ErrInsufficientFundsForFee
	}

	bigThreshold := int64(float64(txpAmount)*s.opts.MaxSingleUtxoFactor) + baseFee + feePerInput
	var bigs, smalls []*UTXO
	for _, u := range group {
		if u.Satoshis > bigThreshold {
			bigs = append(bigs, u)
		} else {
			smalls = append(smalls, u)
		}
	}
	sort.Slice(bigs, func(i, j int) bool { return bigs[i].Satoshis < bigs[j].Satoshis })
	sort.Slice(smalls, func(i, j int) bool { return smalls[i].Satoshis > smalls[j].Satoshis })

	maxSize := s.opts.MaxTxSizeKB * 1000

	var (
		selected []*UTXO
		total    int64
		fee      = baseFee
		netTotal = -baseFee
		abortErr error
	)
	for _, input := range smalls {
		selected = append(selected, input)
		total += input.Satoshis
		fee = txp.EstimatedFeeWithInputs(int64(len(selected)))
		netTotal = total - fee

		if txp.EstimatedSizeWithInputs(int64(len(selected))) > maxSize {
			abortErr = wallet.ErrTxMaxSizeExceeded
			break
		}
		if len(bigs) > 0 {
			if float64(input.Satoshis)/float64(txpAmount) < s.opts.MinTxAmountVsUtxoFactor {
				break
			}
			if float64(fee)/float64(txpAmount) > s.opts.MaxFeeVsTxAmountFactor &&
				float64(fee)/float64(baseFee+feePerInput) > s.opts.MaxFeeVsSingleUtxoFeeFactor {
				break
			}
		}
		if netTotal >= txpAmount {
			change := total - txpAmount - fee
			if change > 0 && change <= s.dustThreshold() {
				fee += change
			}
			break
		}
	}

	if netTotal < txpAmount {
		selected = nil
		if len(bigs) > 0 {
			// A big input covers amount, fee and a non-dust change by
			// construction of the threshold.
			selected = []*UTXO{bigs[0]}
			fee = txp.EstimatedFeeWithInputs(1)
		}
	}
	if len(selected) == 0 {
		if abortErr != nil {
			return nil, 0, abortErr
		}
		return nil, 0, wallet.ErrInsufficientFundsForFee
	}
	return selected, fee, nil
}

// checkTx validates an assembled proposal: size and fee caps plus a dry
// build of the unsigned transaction.
func (s *Service) checkTx(txp *wallet.TxProposal) error {
	if txp.EstimatedSize() > s.opts.MaxTxSizeKB*1000 {
		return wallet.ErrTxMaxSizeExceeded
	}
	if txp.Fee > s.opts.MaxTxFee {
		return wallet.NewClientError("Fee over maximum allowed per transaction")
	}
	if txp.ChangeAmount() < 0 {
		return wallet.ErrInsufficientFundsForFee
	}
	if _, err := wallet.BuildUnsignedTx(txp); err != nil {
		return err
	}
	return nil
}

// sendMaxInputs picks every spendable input for a send-max proposal,
// largest first, dropping outputs that cannot pay for themselves and
// stopping before the size cap. Returns the shuffled inputs and the fee.
func (s *Service) sendMaxInputs(txp *wallet.TxProposal, utxos []*UTXO, excludeUnconfirmed bool, excludeOutpoints []string) ([]*wallet.TxInput, int64, error) {
	feePerInput := txp.EstimatedFeeWithInputs(1) - txp.EstimatedFeeWithInputs(0)
	excluded := make(map[string]bool, len(excludeOutpoints))
	for _, o := range excludeOutpoints {
		excluded[o] = true
	}

	usable := make([]*UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Locked || u.Unsafe || excluded[u.Outpoint()] {
			continue
		}
		if excludeUnconfirmed && u.Confirmations == 0 {
			continue
		}
		if u.Satoshis <= feePerInput {
			continue
		}
		usable = append(usable, u)
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].Satoshis > usable[j].Satoshis })

	maxSize := s.opts.MaxTxSizeKB * 1000
	var selected []*UTXO
	for _, u := range usable {
		if txp.EstimatedSizeWithInputs(int64(len(selected)+1)) > maxSize {
			break
		}
		selected = append(selected, u)
	}
	if len(selected) == 0 {
		return nil, 0, wallet.ErrInsufficientFunds
	}

	fee := txp.EstimatedFeeWithInputs(int64(len(selected)))
	var total int64
	for _, u := range selected {
		total += u.Satoshis
	}
	if total-fee < s.dustThreshold() {
		return nil, 0, wallet.ErrInsufficientFundsForFee
	}

	rand.Shuffle(len(selected), func(i, j int) {
		selected[i], selected[j] = selected[j], selected[i]
	})
	inputs := make([]*wallet.TxInput, len(selected))
	for i, u := range selected {
		inputs[i] = u.toInput()
	}
	return inputs, fee, nil
}
