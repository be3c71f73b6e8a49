package wallet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Proposal status values. temporary proposals are invisible to other
// copayers until published; broadcasted and rejected are terminal.
const (
	TxStatusTemporary   = "temporary"
	TxStatusPending     = "pending"
	TxStatusAccepted    = "accepted"
	TxStatusRejected    = "rejected"
	TxStatusBroadcasted = "broadcasted"
)

// Action types recorded against a proposal.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// Proposal versions. Version 1 is the legacy single-call path where the
// proposal signature covers a toAddress|amount|message|payProUrl header and
// the proposal is born pending. Version 2 signs the raw unsigned
// transaction. Version 3 additionally shuffles outputs and signs a
// canonical JSON proposal header.
const (
	TxProposalVersion1 = 1
	TxProposalVersion2 = 2
	TxProposalVersion3 = 3
)

// DustAmount is the network-level dust floor in satoshis for the output
// types this service produces.
const DustAmount = 546

// Transaction size model, found empirically for P2SH multisig and P2PKH
// inputs within the allowed m-of-n range.
const (
	txOverheadSize     = 4 + 4 + 9 + 9
	txOutputSize       = 34
	p2pkhInputSize     = 147
	sizeSafetyMargin   = 0.02
	SequenceFinal      = 0xFFFFFFFF
	SequenceRBFCeiling = 0xFFFFFFFE // any input sequence below this signals replace-by-fee
)

// TxInput is a UTXO reservation attached to a proposal. Path and
// PublicKeys pin down how the input's address was derived so signatures
// can be verified and the final scriptSig assembled.
type TxInput struct {
	TxID          string   `json:"txid"`
	Vout          uint32   `json:"vout"`
	Satoshis      int64    `json:"satoshis"`
	Address       string   `json:"address"`
	ScriptPubKey  string   `json:"scriptPubKey"`
	Confirmations int64    `json:"confirmations"`
	Path          string   `json:"path"`
	PublicKeys    []string `json:"publicKeys"`
}

// Outpoint is the (txid, vout) identity of an input, used for reservation
// disjointness checks.
func (i *TxInput) Outpoint() string {
	return fmt.Sprintf("%s:%d", i.TxID, i.Vout)
}

// TxOutput is a requested payment output.
type TxOutput struct {
	ToAddress string `json:"toAddress,omitempty"`
	Amount    int64  `json:"amount"`
	Message   string `json:"message,omitempty"`
	Script    string `json:"script,omitempty"`
}

// TxProposalAction is one copayer's vote. Signatures and the signing xpub
// are retained on accepts so the final transaction can be assembled once
// the threshold is reached.
type TxProposalAction struct {
	CopayerID   string   `json:"copayerId"`
	CopayerName string   `json:"copayerName,omitempty"`
	Type        string   `json:"type"`
	CreatedOn   int64    `json:"createdOn"`
	Signatures  []string `json:"signatures,omitempty"`
	XPub        string   `json:"xpub,omitempty"`
	Comment     string   `json:"comment,omitempty"`
}

// TxProposal is a transaction under coordination.
type TxProposal struct {
	ID                 string              `json:"id"`
	WalletID           string              `json:"walletId"`
	CreatorID          string              `json:"creatorId"`
	CreatorName        string              `json:"creatorName,omitempty"`
	CreatedOn          int64               `json:"createdOn"`
	Version            int                 `json:"version"`
	Network            string              `json:"network"`
	Message            string              `json:"message,omitempty"`
	PayProURL          string              `json:"payProUrl,omitempty"`
	CustomData         string              `json:"customData,omitempty"`
	Outputs            []*TxOutput         `json:"outputs"`
	OutputOrder        []int               `json:"outputOrder"`
	ChangeAddress      *Address            `json:"changeAddress,omitempty"`
	Inputs             []*TxInput          `json:"inputs"`
	WalletM            int                 `json:"walletM"`
	WalletN            int                 `json:"walletN"`
	RequiredSignatures int                 `json:"requiredSignatures"`
	RequiredRejections int                 `json:"requiredRejections"`
	AddressType        string              `json:"addressType"`
	Amount             int64               `json:"amount"`
	Fee                int64               `json:"fee"`
	FeePerKb           int64               `json:"feePerKb,omitempty"`
	Status             string              `json:"status"`
	Actions            []*TxProposalAction `json:"actions"`
	ProposalSignature  string              `json:"proposalSignature,omitempty"`
	TxID               string              `json:"txid,omitempty"`
	Raw                string              `json:"raw,omitempty"`
	BroadcastedOn      int64               `json:"broadcastedOn,omitempty"`
}

// TxProposalOpts carries the validated creation arguments.
type TxProposalOpts struct {
	WalletID         string
	CreatorID        string
	CreatorName      string
	Version          int
	Network          string
	AddressType      string
	WalletM          int
	WalletN          int
	Outputs          []*TxOutput
	ChangeAddress    *Address
	FeePerKb         int64
	Message          string
	PayProURL        string
	CustomData       string
	NoShuffleOutputs bool
}

// NewTxProposal builds a proposal in state temporary with no inputs
// selected yet. The output order permutation covers the change slot
// (index len(outputs)); versions below 3 keep creation order.
func NewTxProposal(opts TxProposalOpts) *TxProposal {
	order := make([]int, len(opts.Outputs)+1)
	for i := range order {
		order[i] = i
	}
	if opts.Version >= TxProposalVersion3 && !opts.NoShuffleOutputs {
		rand.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	t := &TxProposal{
		ID:                 uuid.NewString(),
		WalletID:           opts.WalletID,
		CreatorID:          opts.CreatorID,
		CreatorName:        opts.CreatorName,
		CreatedOn:          time.Now().Unix(),
		Version:            opts.Version,
		Network:            opts.Network,
		Message:            opts.Message,
		PayProURL:          opts.PayProURL,
		CustomData:         opts.CustomData,
		Outputs:            opts.Outputs,
		OutputOrder:        order,
		ChangeAddress:      opts.ChangeAddress,
		WalletM:            opts.WalletM,
		WalletN:            opts.WalletN,
		RequiredSignatures: opts.WalletM,
		RequiredRejections: minInt(opts.WalletM, opts.WalletN-opts.WalletM+1),
		AddressType:        opts.AddressType,
		FeePerKb:           opts.FeePerKb,
		Status:             TxStatusTemporary,
		Actions:            []*TxProposalAction{},
	}
	t.Amount = t.TotalAmount()
	return t
}

// TotalAmount is the sum of requested outputs, excluding change.
func (t *TxProposal) TotalAmount() int64 {
	var total int64
	for _, o := range t.Outputs {
		total += o.Amount
	}
	return total
}

// InputAmount is the sum of reserved inputs.
func (t *TxProposal) InputAmount() int64 {
	var total int64
	for _, i := range t.Inputs {
		total += i.Satoshis
	}
	return total
}

// ChangeAmount is whatever the inputs carry beyond outputs and fee.
func (t *TxProposal) ChangeAmount() int64 {
	return t.InputAmount() - t.TotalAmount() - t.Fee
}

// IsTemporary reports whether the proposal has not been published.
func (t *TxProposal) IsTemporary() bool { return t.Status == TxStatusTemporary }

// IsPending reports whether the proposal still reserves its inputs:
// published and neither broadcasted nor rejected.
func (t *TxProposal) IsPending() bool {
	return t.Status == TxStatusPending || t.Status == TxStatusAccepted
}

// IsAccepted reports whether the accept threshold was reached.
func (t *TxProposal) IsAccepted() bool { return t.Status == TxStatusAccepted }

// IsBroadcasted reports whether the transaction made it to the network.
func (t *TxProposal) IsBroadcasted() bool { return t.Status == TxStatusBroadcasted }

// IsRejected reports whether the reject threshold was reached.
func (t *TxProposal) IsRejected() bool { return t.Status == TxStatusRejected }

// ActionBy returns the copayer's vote, or nil. A copayer votes at most once.
func (t *TxProposal) ActionBy(copayerID string) *TxProposalAction {
	for _, a := range t.Actions {
		if a.CopayerID == copayerID {
			return a
		}
	}
	return nil
}

func (t *TxProposal) countActions(actionType string) int {
	n := 0
	for _, a := range t.Actions {
		if a.Type == actionType {
			n++
		}
	}
	return n
}

// AcceptCount returns the number of accept votes.
func (t *TxProposal) AcceptCount() int { return t.countActions(ActionAccept) }

// RejectCount returns the number of reject votes.
func (t *TxProposal) RejectCount() int { return t.countActions(ActionReject) }

// Rejectors lists the copayer ids that voted reject, in vote order.
func (t *TxProposal) Rejectors() []string {
	var ids []string
	for _, a := range t.Actions {
		if a.Type == ActionReject {
			ids = append(ids, a.CopayerID)
		}
	}
	return ids
}

// AddAction records a vote and advances the status when a threshold is
// crossed. Only pending proposals move.
func (t *TxProposal) AddAction(a *TxProposalAction) {
	a.CreatedOn = time.Now().Unix()
	t.Actions = append(t.Actions, a)
	t.updateStatus()
}

func (t *TxProposal) updateStatus() {
	if t.Status != TxStatusPending {
		return
	}
	if t.RejectCount() >= t.RequiredRejections {
		t.Status = TxStatusRejected
	} else if t.AcceptCount() >= t.RequiredSignatures {
		t.Status = TxStatusAccepted
	}
}

// SetBroadcasted marks the proposal final.
func (t *TxProposal) SetBroadcasted() {
	t.Status = TxStatusBroadcasted
	t.BroadcastedOn = time.Now().Unix()
}

// EstimatedSizeForSingleInput returns the worst-case serialized size of one
// input for the wallet's script type.
func (t *TxProposal) EstimatedSizeForSingleInput() int64 {
	switch t.AddressType {
	case AddressTypeP2PKH:
		return p2pkhInputSize
	default:
		return int64(t.RequiredSignatures)*72 + int64(t.WalletN)*36 + 44
	}
}

// EstimatedSizeWithInputs returns the estimated serialized size with the
// given input count, including the change output slot and safety margin.
func (t *TxProposal) EstimatedSizeWithInputs(nbInputs int64) int64 {
	nbOutputs := int64(len(t.Outputs))
	if nbOutputs == 0 {
		nbOutputs = 1
	}
	nbOutputs++
	size := txOverheadSize + nbInputs*t.EstimatedSizeForSingleInput() + nbOutputs*txOutputSize
	return int64(math.Round(float64(size) * (1 + sizeSafetyMargin)))
}

// EstimatedSize returns the estimated size with the currently reserved
// inputs.
func (t *TxProposal) EstimatedSize() int64 {
	return t.EstimatedSizeWithInputs(int64(len(t.Inputs)))
}

// EstimatedFeeWithInputs returns the fee the feePerKb rate implies for the
// given input count.
func (t *TxProposal) EstimatedFeeWithInputs(nbInputs int64) int64 {
	return int64(math.Ceil(float64(t.EstimatedSizeWithInputs(nbInputs)) * float64(t.FeePerKb) / 1000))
}

// EstimateFee sets Fee from the reserved inputs and the feePerKb rate.
func (t *TxProposal) EstimateFee() {
	t.Fee = t.EstimatedFeeWithInputs(int64(len(t.Inputs)))
}

// proposalHeader is the canonical signing payload of version-3 proposals.
// Field order is fixed by the struct; json.Marshal makes it deterministic.
type proposalHeader struct {
	Outputs   []proposalHeaderOutput `json:"outputs"`
	Message   string                 `json:"message,omitempty"`
	PayProURL string                 `json:"payProUrl,omitempty"`
}

type proposalHeaderOutput struct {
	ToAddress string `json:"toAddress,omitempty"`
	Amount    int64  `json:"amount"`
	Message   string `json:"message,omitempty"`
}

// ProposalHeader returns the canonical JSON header for version-3 signing.
func (t *TxProposal) ProposalHeader() (string, error) {
	header := proposalHeader{
		Outputs:   make([]proposalHeaderOutput, len(t.Outputs)),
		Message:   t.Message,
		PayProURL: t.PayProURL,
	}
	for i, o := range t.Outputs {
		header.Outputs[i] = proposalHeaderOutput{
			ToAddress: o.ToAddress,
			Amount:    o.Amount,
			Message:   o.Message,
		}
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to serialize proposal header: %w", err)
	}
	return string(raw), nil
}

// LegacyHeader returns the version-1 signing payload.
func (t *TxProposal) LegacyHeader() string {
	var toAddress string
	var amount int64
	if len(t.Outputs) > 0 {
		toAddress = t.Outputs[0].ToAddress
		amount = t.Outputs[0].Amount
	}
	return fmt.Sprintf("%s|%d|%s|%s", toAddress, amount, t.Message, t.PayProURL)
}

// SigningPayload returns the message the proposal signature must cover.
// The construction is version-specific.
func (t *TxProposal) SigningPayload() (string, error) {
	switch t.Version {
	case TxProposalVersion1:
		return t.LegacyHeader(), nil
	case TxProposalVersion2:
		return t.UnsignedRawTx()
	case TxProposalVersion3:
		return t.ProposalHeader()
	default:
		return "", fmt.Errorf("unknown proposal version %d", t.Version)
	}
}

// CheckProposalSignature verifies the proposal signature against a set of
// request keys and returns the matching key, or empty.
func (t *TxProposal) CheckProposalSignature(signature string, keys []RequestPubKey) (string, error) {
	payload, err := t.SigningPayload()
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		if VerifyMessage(payload, signature, k.Key) {
			return k.Key, nil
		}
	}
	return "", nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
