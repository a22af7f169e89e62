package transport

import "errors"

var (
	// ErrNotConnected is returned by Send while no connection is established.
	ErrNotConnected = errors.New("transport not connected")

	// ErrPublishFailed wraps a publish or acknowledgement failure.
	ErrPublishFailed = errors.New("publish failed")

	// ErrNoIdentity is returned by Connect for an empty identity.
	ErrNoIdentity = errors.New("identity is required")
)
