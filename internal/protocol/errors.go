package protocol

import "errors"

var (
	ErrNilMessage = errors.New("protocol: nil message")
	ErrNotAckType = errors.New("protocol: ack subtype required")
)
