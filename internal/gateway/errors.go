package gateway

import "errors"

var (
	// ErrServerNotFound means no session exists for the server id.
	ErrServerNotFound = errors.New("server not found")
	// ErrServerNotConnected means a session exists but cannot take the
	// message right now (closed, or caller required a live transport).
	ErrServerNotConnected = errors.New("server not connected")
)
