package worker

import "errors"

// Error taxonomy. These are sentinel kinds, not a type hierarchy; callers
// compare with errors.Is.
var (
	ErrTransportLost       = errors.New("worker: transport lost")
	ErrPeerMissing         = errors.New("worker: peer missing or unresponsive")
	ErrDeserializationFail = errors.New("worker: deserialization failed")
	ErrExecutionFailed     = errors.New("worker: execution failed")
	ErrDependencyPoisoned  = errors.New("worker: dependency poisoned")
	ErrProtocolViolation   = errors.New("worker: protocol violation")
)
