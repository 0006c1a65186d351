package faildetector

import (
	"time"

	"github.com/bd2019us/geode/membership"
)

// Stage is the escalation stage of a suspicion record.
type Stage uint8

const (
	// StagePending means a liveness check is outstanding but no threshold
	// has elapsed yet.
	StagePending Stage = iota

	// StageWarned is entered when ack-wait-threshold elapses.
	StageWarned

	// StageSevere is entered when ack-severe-alert-threshold elapses on
	// top of the ack-wait-threshold.
	StageSevere

	// StageRemovalRequested is terminal: the coordinator has been asked
	// to exclude the member and a late reply no longer reverses it.
	StageRemovalRequested
)

func (s Stage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageWarned:
		return "warned"
	case StageSevere:
		return "severe"
	case StageRemovalRequested:
		return "removal-requested"
	default:
		return ""
	}
}

// Suspicion is a provisional belief that a member may be unreachable,
// subject to escalation or withdrawal.
type Suspicion struct {
	Member   membership.Identity
	Reason   string
	Reporter membership.Identity
	Since    time.Time
	Stage    Stage
}
