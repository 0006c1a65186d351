package coordinator

import "github.com/bd2019us/geode/internal/baseerror"

var (
	// ErrForcedDisconnect is fatal to the local process's membership: all
	// open connections are torn down and the process must fully rejoin to
	// participate again.
	ErrForcedDisconnect = baseerror.New("forced disconnect from the distributed system")

	// ErrCoordinatorUnavailable means no coordinator-eligible member is
	// left to run view changes. It triggers re-election rather than being
	// surfaced to callers of membership operations.
	ErrCoordinatorUnavailable = baseerror.New("no processes eligible to be membership coordinator")

	// ErrNotCoordinator is returned when a view proposal is attempted by
	// a member that is not entitled to coordinate it.
	ErrNotCoordinator = baseerror.New("not the membership coordinator")

	// ErrNoQuorum is returned when a view-change round does not collect
	// acknowledgements from a majority of the prior view.
	ErrNoQuorum = baseerror.New("view not acknowledged by a quorum")
)
