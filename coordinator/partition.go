package coordinator

import (
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/bd2019us/geode/internal/telemetry"
	"github.com/bd2019us/geode/membership"
)

// QuorumSize returns the number of members required to keep operating after
// a connectivity loss: a strict majority of the prior view. An exactly-even
// split leaves neither side with quorum.
func QuorumSize(priorSize int) int {
	return priorSize/2 + 1
}

// PartitionDetector arbitrates which side of a network split may continue.
type PartitionDetector struct {
	logger kitlog.Logger
	stats  *telemetry.Stats

	mut    sync.Mutex
	warned bool
}

func NewPartitionDetector(logger kitlog.Logger, stats *telemetry.Stats) *PartitionDetector {
	if stats == nil {
		stats = telemetry.NewStats()
	}

	return &PartitionDetector{
		logger: logger,
		stats:  stats,
	}
}

// Arbitrate decides whether the locally-reachable subset of the prior view
// is authoritative. A nil return means this side holds a strict majority
// and may install a view excluding the unreachable members. Otherwise the
// local process is on the losing side and must terminate its own membership
// rather than risk operating as a diverged split.
func (d *PartitionDetector) Arbitrate(prior membership.View, reachable []membership.Identity) error {
	count := 0

	for _, m := range reachable {
		if prior.Contains(m) {
			count++
		}
	}

	if count >= QuorumSize(prior.Size()) {
		return nil
	}

	d.warnOnce()

	level.Error(d.logger).Log(
		"msg", "lost quorum of the previous membership view",
		"reachable", count,
		"prior", prior.Size(),
		"required", QuorumSize(prior.Size()),
	)

	return ErrForcedDisconnect
}

// The partition alert is raised once per split, not once per excluded
// member.
func (d *PartitionDetector) warnOnce() {
	d.mut.Lock()
	defer d.mut.Unlock()

	if d.warned {
		return
	}

	d.warned = true

	level.Error(d.logger).Log("msg", "membership: network partition has occurred")
}

// Reset re-arms the one-shot partition alert, used after the split heals
// and a full view is installed again.
func (d *PartitionDetector) Reset() {
	d.mut.Lock()
	defer d.mut.Unlock()

	d.warned = false
}
