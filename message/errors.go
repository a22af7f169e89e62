package message

import "errors"

// ErrMalformedFrame is returned for frames that lack required addressing
// or cannot be decoded. Such frames are never stored.
var ErrMalformedFrame = errors.New("malformed frame")
