package epoch

import errorsmod "cosmossdk.io/errors"

var (
	ErrEmptyEpoch   = errorsmod.Register("epoch", 1, "no receipts in window")
	ErrNotFound     = errorsmod.Register("epoch", 2, "epoch not found")
	ErrForbidden    = errorsmod.Register("epoch", 3, "signer not in validator set")
	ErrBadSignature = errorsmod.Register("epoch", 4, "invalid validator signature")
)
