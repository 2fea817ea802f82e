package realtime

import "errors"

var (
	// ErrConnectionUnavailable is returned by raw sends while no transport is
	// connected. Acknowledged emissions never surface it; they degrade to
	// optimistic success instead.
	ErrConnectionUnavailable = errors.New("realtime: connection unavailable")

	// ErrAckTimeout is delivered to OnError when no acknowledgement arrives
	// within the configured timeout.
	ErrAckTimeout = errors.New("realtime: acknowledgement timed out")

	// ErrSuperseded is returned by Connect when another Connect or a
	// Disconnect replaced the attempt before it finished.
	ErrSuperseded = errors.New("realtime: connection attempt superseded")
)

// ServerRejectedError carries the reason the relay gave for refusing an
// emission.
type ServerRejectedError struct {
	Reason string
}

func (e *ServerRejectedError) Error() string {
	return "realtime: server rejected emission: " + e.Reason
}
