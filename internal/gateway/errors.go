package gateway

import errorsmod "cosmossdk.io/errors"

var (
	ErrNoNodes             = errorsmod.Register("gateway", 1, "No nodes available")
	ErrUpstreamNode        = errorsmod.Register("gateway", 2, "upstream node error")
	ErrBadCountersignature = errorsmod.Register("gateway", 3, "node countersignature failed verification")
	ErrRootMismatch        = errorsmod.Register("gateway", 4, "epoch root does not match local snapshot")
	ErrNotEligible         = errorsmod.Register("gateway", 5, "epoch has not reached quorum")
	ErrProposalNotFound    = errorsmod.Register("gateway", 6, "proposal not found")
)
