package wallet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// NotificationVersion tags the notification payload schema.
const NotificationVersion = "1.0.0"

// Notification types.
const (
	NotifyNewCopayer                = "NewCopayer"
	NotifyWalletComplete            = "WalletComplete"
	NotifyNewAddress                = "NewAddress"
	NotifyNewTxProposal             = "NewTxProposal"
	NotifyTxProposalAcceptedBy      = "TxProposalAcceptedBy"
	NotifyTxProposalRejectedBy      = "TxProposalRejectedBy"
	NotifyTxProposalFinallyAccepted = "TxProposalFinallyAccepted"
	NotifyTxProposalFinallyRejected = "TxProposalFinallyRejected"
	NotifyTxProposalRemoved         = "TxProposalRemoved"
	NotifyNewOutgoingTx             = "NewOutgoingTx"
	NotifyNewOutgoingTxThirdParty   = "NewOutgoingTxByThirdParty"
	NotifyNewIncomingTx             = "NewIncomingTx"
	NotifyNewBlock                  = "NewBlock"
	NotifyScanFinished              = "ScanFinished"
	NotifyBalanceUpdated            = "BalanceUpdated"
)

// Notification is a wallet event. IDs sort chronologically: fourteen
// zero-padded digits of the creation epoch in milliseconds followed by a
// four-digit ticker that breaks same-millisecond collisions. The ID is
// assigned when the notification is stored.
type Notification struct {
	ID        string                 `json:"id"`
	Version   string                 `json:"version"`
	Type      string                 `json:"type"`
	WalletID  string                 `json:"walletId,omitempty"`
	CreatorID string                 `json:"creatorId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedOn int64                  `json:"createdOn"`
}

// NewNotification builds an unstored notification. CreatedOn is filled by
// the caller so batches emitted together share a timestamp.
func NewNotification(notifType string, data map[string]interface{}) *Notification {
	return &Notification{
		Version: NotificationVersion,
		Type:    notifType,
		Data:    data,
	}
}

// NotificationID formats the sortable notification id for a creation time
// in epoch milliseconds and a collision ticker.
func NotificationID(unixMs int64, ticker int) string {
	return fmt.Sprintf("%014d%04d", unixMs, ticker)
}

// DataHash fingerprints the notification content, ignoring id and creation
// time. Chain watchers use it to drop re-observations of the same event.
// json.Marshal sorts map keys, so the data serialization is canonical.
func (n *Notification) DataHash() (string, error) {
	raw, err := json.Marshal(n.Data)
	if err != nil {
		return "", fmt.Errorf("failed to serialize notification data: %w", err)
	}
	payload := n.Version + n.Type + string(raw) + n.WalletID
	return hex.EncodeToString(HashMessage(payload)), nil
}
