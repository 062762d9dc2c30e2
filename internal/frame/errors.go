package frame

import "errors"

// Error taxonomy for the capture core. Every recoverable condition is one
// of these sentinels so callers can branch with errors.Is.
var (
	ErrMalformedCube           = errors.New("malformed adc cube")
	ErrPacketSequenceGap       = errors.New("packet sequence gap")
	ErrAccelerationUnavailable = errors.New("acceleration unavailable")
	ErrProcessingTimeout       = errors.New("processing deadline missed")
	ErrSyncTimeout             = errors.New("sync window timed out")
	ErrStorageWriteFailure     = errors.New("storage write failure")
	ErrInvalidStateTransition  = errors.New("invalid session state transition")
)
