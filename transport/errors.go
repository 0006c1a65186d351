package transport

import "github.com/bd2019us/geode/internal/baseerror"

var (
	// ErrSendFailed is returned when a payload cannot be delivered because
	// the connection is closed or the socket write failed. The failure is
	// transient: the caller re-opens the connection before retrying, the
	// transport never retries on its own.
	ErrSendFailed = baseerror.New("send failed")

	// ErrShutdown is returned from blocked or new operations once the
	// process-wide shutdown has started.
	ErrShutdown = baseerror.New("system shutting down")

	// ErrHandshake is returned when the identity exchange on a new
	// connection fails.
	ErrHandshake = baseerror.New("handshake failed")
)
