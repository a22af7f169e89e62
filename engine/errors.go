package engine

import "errors"

var (
	// ErrTransportUnavailable is returned by HandleSend while the transport
	// is not connected. The draft is left untouched.
	ErrTransportUnavailable = errors.New("not connected to chat server")

	// ErrPublishFailed is returned when the broker rejected a send. The
	// optimistic message has been rolled back and the draft restored.
	ErrPublishFailed = errors.New("message could not be sent")

	// ErrBackfillFailed is returned when history could not be fetched.
	ErrBackfillFailed = errors.New("could not load conversation history")

	// ErrContactLookupFailed is returned when the user directory could not
	// be queried or has no such user.
	ErrContactLookupFailed = errors.New("contact lookup failed")

	ErrDuplicateContact = errors.New("contact already exists")
	ErrSelfContact      = errors.New("cannot add yourself as a contact")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrNoPeerSelected   = errors.New("no conversation selected")
	ErrInvalidUsername  = errors.New("username is empty")
)
