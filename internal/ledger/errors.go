package ledger

import errorsmod "cosmossdk.io/errors"

// Ledger sentinel errors.
var (
	ErrInsufficientBalance = errorsmod.Register("ledger", 1, "insufficient balance")
	ErrInvalidAddress      = errorsmod.Register("ledger", 2, "invalid ethereum address")
	ErrInvalidReceipt      = errorsmod.Register("ledger", 3, "receipt failed signature verification")
	ErrNegativeAmount      = errorsmod.Register("ledger", 4, "amount must be non-negative")
	ErrOutOfRange          = errorsmod.Register("ledger", 5, "score out of range")
	ErrNotFound            = errorsmod.Register("ledger", 6, "not found")
)
