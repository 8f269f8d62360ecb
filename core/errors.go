package core

import "errors"

// Sentinel errors shared across the transport core. Protocol errors are
// fatal to the connection that produced them; per-operation errors are
// delivered through the operation's callback and leave the connection
// usable unless stated otherwise.
var (
	ErrOutOfRange      = errors.New("core: index out of range")
	ErrInvalidArgument = errors.New("core: invalid argument")

	ErrBadSignature   = errors.New("levin: bad signature")
	ErrBadVersion     = errors.New("levin: bad protocol version")
	ErrPacketTooLarge = errors.New("levin: maximum packet size exceeded")
	ErrBadFragment    = errors.New("levin: malformed fragment")
	ErrNoInvoke       = errors.New("levin: response without pending invoke")

	ErrConnectionTimedOut  = errors.New("levin: connection timed out")
	ErrConnectionDestroyed = errors.New("levin: connection destroyed")
	ErrSendQueueFull       = errors.New("levin: send queue full")
	ErrSendFailed          = errors.New("levin: send failed")

	ErrShuttingDown = errors.New("core: shutting down")
)
