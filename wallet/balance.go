package wallet

// Balance summarizes a wallet's unspent outputs. Locked amounts are
// reserved by pending proposals; unsafe amounts come from unconfirmed
// foreign transactions that could still be replaced.
type Balance struct {
	TotalAmount              int64            `json:"totalAmount"`
	LockedAmount             int64            `json:"lockedAmount"`
	TotalConfirmedAmount     int64            `json:"totalConfirmedAmount"`
	LockedConfirmedAmount    int64            `json:"lockedConfirmedAmount"`
	AvailableAmount          int64            `json:"availableAmount"`
	AvailableConfirmedAmount int64            `json:"availableConfirmedAmount"`
	TotalUnsafeAmount        int64            `json:"totalUnsafeAmount"`
	TotalBytesToSendMax      int64            `json:"totalBytesToSendMax"`
	ByAddress                []AddressBalance `json:"byAddress"`
}

// AddressBalance is the per-address slice of a balance.
type AddressBalance struct {
	Address string `json:"address"`
	Path    string `json:"path"`
	Amount  int64  `json:"amount"`
}
