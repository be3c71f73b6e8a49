package wallet

import "errors"

// Error is a client-facing failure with a stable machine-readable code.
// Anything that is not an *Error is treated as an internal server error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches errors by code so that customized messages still compare
// equal to the canonical value.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy of the error carrying a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// NewClientError builds an uncoded client error for plain request
// validation failures (missing arguments, malformed values).
func NewClientError(msg string) *Error {
	return &Error{Code: "BAD_REQUEST", Message: msg}
}

// IsClientError reports whether err should surface to the caller verbatim.
func IsClientError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// AsClientError returns the coded error wrapped in err, or nil.
func AsClientError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func clientErr(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var (
	ErrBadSignatures           = clientErr("BAD_SIGNATURES", "Bad signatures")
	ErrCopayerInWallet         = clientErr("COPAYER_IN_WALLET", "Copayer already in wallet")
	ErrCopayerRegistered       = clientErr("COPAYER_REGISTERED", "Copayer ID already registered on server")
	ErrCopayerVoted            = clientErr("COPAYER_VOTED", "Copayer already voted on this transaction proposal")
	ErrDustAmount              = clientErr("DUST_AMOUNT", "Amount below dust threshold")
	ErrHistoryLimitExceeded    = clientErr("HISTORY_LIMIT_EXCEEDED", "Requested page limit is above allowed maximum")
	ErrIncorrectAddressNetwork = clientErr("INCORRECT_ADDRESS_NETWORK", "Incorrect address network")
	ErrInsufficientFunds       = clientErr("INSUFFICIENT_FUNDS", "Insufficient funds")
	ErrInsufficientFundsForFee = clientErr("INSUFFICIENT_FUNDS_FOR_FEE", "Insufficient funds for fee")
	ErrInvalidAddress          = clientErr("INVALID_ADDRESS", "Invalid address")
	ErrLockedFunds             = clientErr("LOCKED_FUNDS", "Funds are locked by pending transaction proposals")
	ErrMainAddressGapReached   = clientErr("MAIN_ADDRESS_GAP_REACHED", "Maximum number of consecutive addresses without activity reached")
	ErrNotAuthorized           = clientErr("NOT_AUTHORIZED", "Not authorized")
	ErrTooManyKeys             = clientErr("TOO_MANY_KEYS", "Too many keys registered")
	ErrTxAlreadyBroadcasted    = clientErr("TX_ALREADY_BROADCASTED", "The transaction proposal is already broadcasted")
	ErrTxCannotCreate          = clientErr("TX_CANNOT_CREATE", "Cannot create transaction proposal during backoff time")
	ErrTxCannotRemove          = clientErr("TX_CANNOT_REMOVE", "Cannot remove this transaction proposal during locktime")
	ErrTxMaxSizeExceeded       = clientErr("TX_MAX_SIZE_EXCEEDED", "Transaction exceeds maximum allowed size")
	ErrTxNotAccepted           = clientErr("TX_NOT_ACCEPTED", "The transaction proposal is not accepted")
	ErrTxNotFound              = clientErr("TX_NOT_FOUND", "Transaction proposal not found")
	ErrTxNotPending            = clientErr("TX_NOT_PENDING", "The transaction proposal is not pending")
	ErrUnavailableUtxos        = clientErr("UNAVAILABLE_UTXOS", "Unavailable unspent outputs")
	ErrUpgradeNeeded           = clientErr("UPGRADE_NEEDED", "Client app needs to be upgraded")
	ErrWalletAlreadyExists     = clientErr("WALLET_ALREADY_EXISTS", "Wallet already exists")
	ErrWalletBusy              = clientErr("WALLET_BUSY", "Wallet is busy, try later")
	ErrWalletFull              = clientErr("WALLET_FULL", "Wallet full")
	ErrWalletNotComplete       = clientErr("WALLET_NOT_COMPLETE", "Wallet is not complete")
	ErrWalletNotFound          = clientErr("WALLET_NOT_FOUND", "Wallet not found")
)
