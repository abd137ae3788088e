package websocket

import "errors"

// Close codes used by the hub and server layers. 1000 is the RFC 6455
// normal closure; 4000 is in the application-reserved range.
const (
	CloseCodeNormal     = 1000
	CloseCodeSuperseded = 4000
)

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrInvalidJSON      = errors.New("failed to marshal message to JSON")
	ErrWriteTimeout     = errors.New("write timeout exceeded")
)
