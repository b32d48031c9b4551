package engine

import "errors"

// Command failures surfaced to callers via errors.Is. The server maps
// these to HTTP status codes and the bot to reply text.
var (
	ErrBatchAlreadyActive   = errors.New("a batch is already active")
	ErrNoActiveBatch        = errors.New("no active batch")
	ErrNotFacilitator       = errors.New("only the facilitator may do this")
	ErrUnknownVoter         = errors.New("unknown voter")
	ErrItemResolutionFailed = errors.New("item resolution failed")
	ErrInvalidBatchCommand  = errors.New("invalid command for batch state")
)
