package faildetector

import (
	"time"

	"github.com/bd2019us/geode/internal/telemetry"
)

type Option func(*Detector)

// WithAckWaitThreshold sets the time before an unanswered liveness check
// raises the warned alert.
func WithAckWaitThreshold(t time.Duration) Option {
	return func(d *Detector) {
		d.ackWait = t
	}
}

// WithAckSevereAlertThreshold sets the additional time before the warned
// alert escalates to severe.
func WithAckSevereAlertThreshold(t time.Duration) Option {
	return func(d *Detector) {
		d.ackSevere = t
	}
}

// WithMemberTimeout sets the timeout of a single direct probe.
func WithMemberTimeout(t time.Duration) Option {
	return func(d *Detector) {
		d.probeTimeout = t
	}
}

// WithProbeInterval sets how often the background loop probes a random
// member.
func WithProbeInterval(t time.Duration) Option {
	return func(d *Detector) {
		d.probeInterval = t
	}
}

func WithStats(stats *telemetry.Stats) Option {
	return func(d *Detector) {
		d.stats = stats
	}
}
