package membership

import "github.com/bd2019us/geode/internal/baseerror"

var (
	// ErrMalformedIdentity is returned when wire data cannot be decoded
	// into a member identity. The failure is local: the connection that
	// produced the bytes is dropped, nothing cluster-wide happens.
	ErrMalformedIdentity = baseerror.New("malformed member identity")

	// ErrStaleView is returned when a view with a non-increasing id is
	// offered for installation.
	ErrStaleView = baseerror.New("view id is not monotonically increasing")
)
