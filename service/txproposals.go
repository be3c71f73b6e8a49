package service

import (
	"context"

	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// CreateTxArgs collects the createTx request. Outputs with FeePerKb run
// input selection; explicit Inputs (with an optional fixed Fee) skip it.
// SendMax requires a single amount-less output and computes the maximum
// spendable.
type CreateTxArgs struct {
	Outputs                 []*wallet.TxOutput
	FeePerKb                int64
	Fee                     *int64
	Inputs                  []*wallet.TxInput
	ChangeAddress           string
	SendMax                 bool
	Message                 string
	PayProURL               string
	CustomData              string
	ExcludeUnconfirmedUtxos bool
	UtxosToExclude          []string
	DryRun                  bool
	NoShuffleOutputs        bool
}

func (s *Service) validateTxArgs(args *CreateTxArgs) error {
	if len(args.Outputs) == 0 {
		return wallet.NewClientError("No outputs were specified")
	}
	if args.SendMax {
		if len(args.Outputs) != 1 {
			return wallet.NewClientError("Only one output allowed when sendMax is specified")
		}
		if args.Outputs[0].Amount != 0 {
			return wallet.NewClientError("Amount is not allowed when sendMax is specified")
		}
		if args.Fee != nil {
			return wallet.NewClientError("Fee is not allowed when sendMax is specified (use feePerKb instead)")
		}
	}
	if len(args.Inputs) == 0 || args.SendMax {
		if args.FeePerKb < s.opts.MinFeePerKb || args.FeePerKb > s.opts.MaxFeePerKb {
			return wallet.NewClientError("Invalid fee per KB")
		}
	}
	if args.Fee != nil && len(args.Inputs) == 0 {
		return wallet.NewClientError("Fee can only be set when inputs are specified")
	}
	return nil
}

// validateOutputs checks destination addresses against the wallet network
// and amounts against the dust floor. Send-max skips the amount check; the
// amount is computed afterwards.
func (s *Service) validateOutputs(w *wallet.Wallet, outputs []*wallet.TxOutput, skipAmount bool) error {
	for _, o := range outputs {
		if o.ToAddress == "" && o.Script == "" {
			return wallet.NewClientError("Argument missing in output")
		}
		if o.ToAddress != "" {
			if err := wallet.CheckAddress(o.ToAddress, w.Network); err != nil {
				return err
			}
		}
		if skipAmount {
			continue
		}
		if o.Amount <= 0 {
			return wallet.NewClientError("Invalid amount")
		}
		if o.Amount < s.dustThreshold() {
			return wallet.ErrDustAmount
		}
	}
	return nil
}

// canCreateTx applies the rejection back-off: a creator whose recent
// proposals were consecutively rejected more than BackoffOffset times must
// wait out BackoffTime from the newest of them.
func (s *Service) canCreateTx(walletID, copayerID string) (bool, error) {
	recent, err := s.store.FetchTxProposals(walletID, storage.TxQuery{
		CreatorID: copayerID,
		Limit:     5 + s.opts.BackoffOffset,
	})
	if err != nil {
		return false, err
	}
	if len(recent) == 0 {
		return true, nil
	}
	rejections := 0
	for _, txp := range recent {
		if !txp.IsRejected() {
			break
		}
		rejections++
	}
	if rejections-s.opts.BackoffOffset <= 0 {
		return true, nil
	}
	sinceLast := s.now().Unix() - recent[0].CreatedOn
	return sinceLast > int64(s.opts.BackoffTime.Seconds()), nil
}

// changeAddressFor resolves the proposal's change destination. Fresh
// change addresses are derived in memory here and persisted together with
// the wallet when the proposal is published.
func (s *Service) changeAddressFor(w *wallet.Wallet, requested string) (*wallet.Address, error) {
	if w.SingleAddress {
		if requested != "" {
			return nil, wallet.NewClientError("Cannot specify change address on single-address wallet")
		}
		first, err := s.store.FetchFirstMainAddress(w.ID)
		if err == storage.ErrNotFound {
			return nil, wallet.NewClientError("The wallet has no addresses")
		}
		return first, err
	}
	if requested != "" {
		rec, err := s.store.FetchAddress(requested)
		if err == storage.ErrNotFound || (err == nil && rec.WalletID != w.ID) {
			return nil, wallet.NewClientError("Change address not found or not owned by the wallet")
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return w.CreateAddress(true)
}

// resolveOwnInputs replaces client-supplied inputs with the wallet's own
// records so paths, keys and scripts cannot be forged.
func (s *Service) resolveOwnInputs(ctx context.Context, w *wallet.Wallet, inputs []*wallet.TxInput) ([]*wallet.TxInput, error) {
	utxos, err := s.walletUtxos(ctx, w, nil, false)
	if err != nil {
		return nil, err
	}
	byOutpoint := make(map[string]*UTXO, len(utxos))
	for _, u := range utxos {
		byOutpoint[u.Outpoint()] = u
	}
	resolved := make([]*wallet.TxInput, len(inputs))
	for i, in := range inputs {
		u, ok := byOutpoint[in.Outpoint()]
		if !ok || u.Locked {
			return nil, wallet.ErrUnavailableUtxos
		}
		resolved[i] = u.toInput()
	}
	return resolved, nil
}

// CreateTx builds a proposal in state temporary. Nothing is announced to
// other copayers until the creator publishes it.
func (s *Service) CreateTx(ctx context.Context, session *Session, args CreateTxArgs) (*wallet.TxProposal, error) {
	if err := checkClientVersion(session.ClientVersion); err != nil {
		return nil, err
	}
	if err := s.validateTxArgs(&args); err != nil {
		return nil, err
	}

	var txp *wallet.TxProposal
	err := s.runLocked(ctx, session.WalletID, func() error {
		w, err := s.fetchWallet(session.WalletID)
		if err != nil {
			return err
		}
		if !w.IsComplete() {
			return wallet.ErrWalletNotComplete
		}
		copayer := w.CopayerByID(session.CopayerID)
		if copayer == nil {
			return wallet.ErrNotAuthorized
		}

		ok, err := s.canCreateTx(w.ID, session.CopayerID)
		if err != nil {
			return err
		}
		if !ok {
			return wallet.ErrTxCannotCreate
		}

		if err := s.validateOutputs(w, args.Outputs, args.SendMax); err != nil {
			return err
		}
		changeAddress, err := s.changeAddressFor(w, args.ChangeAddress)
		if err != nil {
			return err
		}

		txp = wallet.NewTxProposal(wallet.TxProposalOpts{
			WalletID:         w.ID,
			CreatorID:        copayer.ID,
			CreatorName:      copayer.Name,
			Version:          wallet.TxProposalVersion3,
			Network:          w.Network,
			AddressType:      w.AddressType,
			WalletM:          w.M,
			WalletN:          w.N,
			Outputs:          args.Outputs,
			ChangeAddress:    changeAddress,
			FeePerKb:         args.FeePerKb,
			Message:          args.Message,
			PayProURL:        args.PayProURL,
			CustomData:       args.CustomData,
			NoShuffleOutputs: args.NoShuffleOutputs,
		})

		switch {
		case args.SendMax:
			utxos, err := s.walletUtxos(ctx, w, nil, true)
			if err != nil {
				return err
			}
			inputs, fee, err := s.sendMaxInputs(txp, utxos, args.ExcludeUnconfirmedUtxos, args.UtxosToExclude)
			if err != nil {
				return err
			}
			txp.Inputs = inputs
			txp.Fee = fee
			txp.Outputs[0].Amount = txp.InputAmount() - fee
			txp.Amount = txp.TotalAmount()
			if err := s.checkTx(txp); err != nil {
				return err
			}
		case len(args.Inputs) > 0:
			inputs, err := s.resolveOwnInputs(ctx, w, args.Inputs)
			if err != nil {
				return err
			}
			txp.Inputs = inputs
			if args.Fee != nil {
				txp.Fee = *args.Fee
			} else {
				txp.EstimateFee()
			}
			if err := s.checkTx(txp); err != nil {
				return err
			}
		default:
			utxos, err := s.walletUtxos(ctx, w, nil, true)
			if err != nil {
				return err
			}
			if err := s.selectTxInputs(txp, utxos, args.ExcludeUnconfirmedUtxos, args.UtxosToExclude); err != nil {
				return err
			}
		}

		if args.DryRun {
			return nil
		}
		if err := s.store.InsertTxProposal(txp); err != nil {
			if err == storage.ErrAlreadyExists {
				return wallet.ErrTxCannotCreate
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txp, nil
}

// PublishTx turns a temporary proposal into a pending one after verifying
// the creator-side proposal signature and that the reserved inputs are
// still free. Publishing an already published proposal returns it
// unchanged.
func (s *Service) PublishTx(ctx context.Context, session *Session, txpID, proposalSignature string) (*wallet.TxProposal, error) {
	if err := checkClientVersion(session.ClientVersion); err != nil {
		return nil, err
	}
	var out *wallet.TxProposal
	err := s.runLocked(ctx, session.WalletID, func() error {
		w, err := s.fetchWallet(session.WalletID)
		if err != nil {
			return err
		}
		txp, err := s.store.FetchTxProposal(session.WalletID, txpID)
		if err == storage.ErrNotFound {
			return wallet.ErrTxNotFound
		}
		if err != nil {
			return err
		}
		if !txp.IsTemporary() {
			out = txp
			return nil
		}
		copayer := w.CopayerByID(session.CopayerID)
		if copayer == nil {
			return wallet.ErrNotAuthorized
		}

		key, err := txp.CheckProposalSignature(proposalSignature, copayer.RequestPubKeys)
		if err != nil {
			return err
		}
		if key == "" {
			return wallet.NewClientError("Invalid proposal signature")
		}
		txp.ProposalSignature = proposalSignature

		// Another proposal may have reserved the same outputs since
		// creation.
		utxos, err := s.walletUtxos(ctx, w, nil, false)
		if err != nil {
			return err
		}
		available := make(map[string]*UTXO, len(utxos))
		for _, u := range utxos {
			available[u.Outpoint()] = u
		}
		for _, in := range txp.Inputs {
			u, ok := available[in.Outpoint()]
			if !ok || u.Locked {
				return wallet.ErrUnavailableUtxos
			}
		}

		txp.Status = wallet.TxStatusPending
		if txp.ChangeAddress != nil && !w.SingleAddress {
			if err := s.store.StoreAddressesAndWallet(w, []*wallet.Address{txp.ChangeAddress}); err != nil {
				return err
			}
		}
		if err := s.store.UpdateTxProposal(txp); err != nil {
			return err
		}

		s.notifyTxAction(session, wallet.NotifyNewTxProposal, txp, nil)
		out = txp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SignTx records a copayer's accept vote with one signature per input. On
// the m-th accept the final transaction is assembled and its txid stored.
func (s *Service) SignTx(ctx context.Context, session *Session, txpID string, signatures []string) (*wallet.TxProposal, error) {
	var out *wallet.TxProposal
	err := s.runLocked(ctx, session.WalletID, func() error {
		w, err := s.fetchWallet(session.WalletID)
		if err != nil {
			return err
		}
		txp, err := s.getVisibleTx(session, txpID)
		if err != nil {
			return err
		}
		if !txp.IsPending() {
			return wallet.ErrTxNotPending
		}
		if txp.ActionBy(session.CopayerID) != nil {
			return wallet.ErrCopayerVoted
		}
		copayer := w.CopayerByID(session.CopayerID)
		if copayer == nil {
			return wallet.ErrNotAuthorized
		}

		if err := wallet.VerifyInputSignatures(txp, signatures, copayer.XPubKey); err != nil {
			return err
		}
		txp.AddAction(&wallet.TxProposalAction{
			CopayerID:   copayer.ID,
			CopayerName: copayer.Name,
			Type:        wallet.ActionAccept,
			Signatures:  signatures,
			XPub:        copayer.XPubKey,
		})
		if txp.IsAccepted() {
			raw, txid, err := txp.SignedRawTx()
			if err != nil {
				return err
			}
			txp.Raw = raw
			txp.TxID = txid
		}
		if err := s.store.UpdateTxProposal(txp); err != nil {
			return err
		}

		s.notifyTxAction(session, wallet.NotifyTxProposalAcceptedBy, txp, map[string]interface{}{
			"copayerId": session.CopayerID,
		})
		if txp.IsAccepted() {
			s.notifyTxAction(session, wallet.NotifyTxProposalFinallyAccepted, txp, map[string]interface{}{
				"txid": txp.TxID,
			})
		}
		out = txp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RejectTx records a copayer's reject vote. Voting closes once the accept
// threshold is reached.
func (s *Service) RejectTx(ctx context.Context, session *Session, txpID, reason string) (*wallet.TxProposal, error) {
	var out *wallet.TxProposal
	err := s.runLocked(ctx, session.WalletID, func() error {
		txp, err := s.getVisibleTx(session, txpID)
		if err != nil {
			return err
		}
		if txp.ActionBy(session.CopayerID) != nil {
			return wallet.ErrCopayerVoted
		}
		if txp.IsAccepted() {
			return wallet.ErrCopayerVoted
		}
		if txp.Status != wallet.TxStatusPending {
			return wallet.ErrTxNotPending
		}

		txp.AddAction(&wallet.TxProposalAction{
			CopayerID: session.CopayerID,
			Type:      wallet.ActionReject,
			Comment:   reason,
		})
		if err := s.store.UpdateTxProposal(txp); err != nil {
			return err
		}

		s.notifyTxAction(session, wallet.NotifyTxProposalRejectedBy, txp, map[string]interface{}{
			"copayerId": session.CopayerID,
		})
		if txp.IsRejected() {
			s.notifyTxAction(session, wallet.NotifyTxProposalFinallyRejected, txp, map[string]interface{}{
				"rejectedBy": txp.Rejectors(),
			})
		}
		out = txp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BroadcastTx submits an accepted proposal's transaction to the network.
// When the explorer rejects the submission but already knows the
// transaction, someone else broadcast it first and the proposal is settled
// with a third-party marker.
func (s *Service) BroadcastTx(ctx context.Context, session *Session, txpID string) (*wallet.TxProposal, error) {
	var out *wallet.TxProposal
	err := s.runLocked(ctx, session.WalletID, func() error {
		w, err := s.fetchWallet(session.WalletID)
		if err != nil {
			return err
		}
		txp, err := s.getVisibleTx(session, txpID)
		if err != nil {
			return err
		}
		if txp.IsBroadcasted() {
			return wallet.ErrTxAlreadyBroadcasted
		}
		if !txp.IsAccepted() {
			return wallet.ErrTxNotAccepted
		}

		exp, err := s.explorerFor(w.Network)
		if err != nil {
			return err
		}
		raw := txp.Raw
		if raw == "" {
			raw, _, err = txp.SignedRawTx()
			if err != nil {
				return err
			}
		}

		if _, err := exp.Broadcast(ctx, raw); err != nil {
			if _, lookupErr := exp.GetTransaction(ctx, txp.TxID); lookupErr != nil {
				return err
			}
			out, err = s.settleBroadcast(session, txp, true)
			return err
		}
		out, err = s.settleBroadcast(session, txp, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) settleBroadcast(session *Session, txp *wallet.TxProposal, byThirdParty bool) (*wallet.TxProposal, error) {
	txp.SetBroadcasted()
	if err := s.store.UpdateTxProposal(txp); err != nil {
		return nil, err
	}
	if err := s.store.SoftResetTxHistoryCache(txp.WalletID); err != nil {
		s.log.Warn("failed to reset history cache", "wallet", txp.WalletID, "err", err)
	}
	notifType := wallet.NotifyNewOutgoingTx
	if byThirdParty {
		notifType = wallet.NotifyNewOutgoingTxThirdParty
	}
	s.notifyTxAction(session, notifType, txp, map[string]interface{}{
		"txid": txp.TxID,
	})
	return txp, nil
}

// RemovePendingTx deletes a proposal. Only the creator may remove, only
// while nobody else has signed, and only after the delete locktime has
// elapsed since creation.
func (s *Service) RemovePendingTx(ctx context.Context, session *Session, txpID string) error {
	return s.runLocked(ctx, session.WalletID, func() error {
		txp, err := s.getVisibleTx(session, txpID)
		if err != nil {
			return err
		}
		if !txp.IsPending() && !txp.IsTemporary() {
			return wallet.ErrTxNotPending
		}
		if txp.CreatorID != session.CopayerID {
			return wallet.ErrTxCannotRemove
		}
		for _, a := range txp.Actions {
			if a.Type == wallet.ActionAccept && a.CopayerID != session.CopayerID {
				return wallet.ErrTxCannotRemove
			}
		}
		if s.now().Unix()-txp.CreatedOn <= int64(s.opts.DeleteLocktime.Seconds()) {
			return wallet.ErrTxCannotRemove
		}

		if err := s.store.RemoveTxProposal(txp); err != nil {
			return err
		}
		s.notifyTxAction(session, wallet.NotifyTxProposalRemoved, txp, nil)
		return nil
	})
}

// getVisibleTx fetches a proposal, hiding unpublished proposals from
// everyone but their creator.
func (s *Service) getVisibleTx(session *Session, txpID string) (*wallet.TxProposal, error) {
	txp, err := s.store.FetchTxProposal(session.WalletID, txpID)
	if err == storage.ErrNotFound {
		return nil, wallet.ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	if txp.IsTemporary() && txp.CreatorID != session.CopayerID {
		return nil, wallet.ErrTxNotFound
	}
	return txp, nil
}

// GetTx returns one proposal.
func (s *Service) GetTx(ctx context.Context, session *Session, txpID string) (*wallet.TxProposal, error) {
	return s.getVisibleTx(session, txpID)
}

// GetPendingTxProposals lists the published proposals still awaiting an
// outcome, newest first.
func (s *Service) GetPendingTxProposals(ctx context.Context, session *Session) ([]*wallet.TxProposal, error) {
	return s.store.FetchPendingTxProposals(session.WalletID)
}

// GetTxProposals lists proposals in a creation-time window, newest first.
// Unpublished proposals of other copayers are omitted.
func (s *Service) GetTxProposals(ctx context.Context, session *Session, q storage.TxQuery) ([]*wallet.TxProposal, error) {
	txps, err := s.store.FetchTxProposals(session.WalletID, q)
	if err != nil {
		return nil, err
	}
	visible := make([]*wallet.TxProposal, 0, len(txps))
	for _, txp := range txps {
		if txp.IsTemporary() && txp.CreatorID != session.CopayerID {
			continue
		}
		visible = append(visible, txp)
	}
	return visible, nil
}

// notifyTxAction emits a proposal lifecycle notification with the shared
// payload fields plus any extras.
func (s *Service) notifyTxAction(session *Session, notifType string, txp *wallet.TxProposal, extra map[string]interface{}) {
	data := map[string]interface{}{
		"txProposalId": txp.ID,
		"creatorId":    txp.CreatorID,
		"amount":       txp.TotalAmount(),
		"message":      txp.Message,
	}
	for k, v := range extra {
		data[k] = v
	}
	creatorID := ""
	if session != nil {
		creatorID = session.CopayerID
	}
	s.notify(txp.WalletID, creatorID, notifType, data)
}
