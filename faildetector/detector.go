package faildetector

import (
	"context"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/bd2019us/geode/internal/generic"
	"github.com/bd2019us/geode/internal/telemetry"
	"github.com/bd2019us/geode/membership"
	"github.com/bd2019us/geode/transport"
)

// Detector escalates missed liveness replies through a timer ladder:
// pending at the start of an outstanding check, warned once
// ack-wait-threshold elapses, severe after another ack-severe-alert-
// threshold, and finally removal-requested when a direct probe of a severe
// member also times out. A reply at any stage before removal-requested
// returns the member to healthy and quietly discards the record, so a
// single dropped message never triggers a view change.
type Detector struct {
	self     membership.Identity
	logger   kitlog.Logger
	stats    *telemetry.Stats
	prober   Prober
	removals RemovalRequester
	views    ViewSource

	ackWait       time.Duration
	ackSevere     time.Duration
	probeTimeout  time.Duration
	probeInterval time.Duration

	mut     sync.Mutex
	records map[string]*record

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type record struct {
	susp   Suspicion
	warn   *time.Timer
	severe *time.Timer
}

func New(self membership.Identity, views ViewSource, prober Prober, removals RemovalRequester, logger kitlog.Logger, opts ...Option) *Detector {
	d := &Detector{
		self:          self,
		views:         views,
		prober:        prober,
		removals:      removals,
		logger:        logger,
		ackWait:       15 * time.Second,
		ackSevere:     10 * time.Second,
		probeTimeout:  2 * time.Second,
		probeInterval: 5 * time.Second,
		records:       make(map[string]*record),
		stop:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.stats == nil {
		d.stats = telemetry.NewStats()
	}

	return d
}

// Suspect opens a suspicion record against the member, starting the
// escalation timers. It is a no-op when a record already exists or when the
// member is the local process.
func (d *Detector) Suspect(member membership.Identity, reason string, reporter membership.Identity) {
	if member.Equal(d.self) {
		return
	}

	key := member.Key()

	d.mut.Lock()
	defer d.mut.Unlock()

	if _, ok := d.records[key]; ok {
		return
	}

	rec := &record{
		susp: Suspicion{
			Member:   member,
			Reason:   reason,
			Reporter: reporter,
			Since:    time.Now(),
			Stage:    StagePending,
		},
	}

	rec.warn = time.AfterFunc(d.ackWait, func() { d.escalateWarned(key) })
	rec.severe = time.AfterFunc(d.ackWait+d.ackSevere, func() { d.escalateSevere(key) })

	d.records[key] = rec

	level.Debug(d.logger).Log(
		"msg", "member suspected",
		"member", member.DisplayName(),
		"reason", reason,
		"reporter", reporter.DisplayName(),
	)
}

// ReplyReceived withdraws the suspicion for the member, if any. Once the
// record reached removal-requested the decision stands: the remote may
// genuinely be partitioned and safety favors exclusion. Silent recovery
// produces no operator-visible record.
func (d *Detector) ReplyReceived(member membership.Identity) {
	d.mut.Lock()
	defer d.mut.Unlock()

	key := member.Key()

	rec, ok := d.records[key]
	if !ok || rec.susp.Stage == StageRemovalRequested {
		return
	}

	rec.warn.Stop()
	rec.severe.Stop()
	delete(d.records, key)
}

// Forget drops the record unconditionally. Called once a view excluding the
// member is installed, or when the member rejoins with a fresh handshake.
func (d *Detector) Forget(member membership.Identity) {
	d.mut.Lock()
	defer d.mut.Unlock()

	key := member.Key()

	if rec, ok := d.records[key]; ok {
		rec.warn.Stop()
		rec.severe.Stop()
		delete(d.records, key)
	}
}

// Records returns a snapshot of the open suspicion records.
func (d *Detector) Records() []Suspicion {
	d.mut.Lock()
	defer d.mut.Unlock()

	records := make([]Suspicion, 0, len(d.records))
	for _, rec := range d.records {
		records = append(records, rec.susp)
	}

	return records
}

// IsSuspect reports whether a record is open for the member.
func (d *Detector) IsSuspect(member membership.Identity) bool {
	d.mut.Lock()
	defer d.mut.Unlock()

	_, ok := d.records[member.Key()]

	return ok
}

func (d *Detector) escalateWarned(key string) {
	d.mut.Lock()

	rec, ok := d.records[key]
	if !ok || rec.susp.Stage != StagePending {
		d.mut.Unlock()
		return
	}

	rec.susp.Stage = StageWarned
	member := rec.susp.Member
	d.mut.Unlock()

	d.stats.Suspicions.WithLabelValues(StageWarned.String()).Inc()

	level.Warn(d.logger).Log(
		"msg", "sec have elapsed while waiting for replies",
		"sec", int(d.ackWait.Seconds()),
		"member", member.DisplayName(),
	)
}

func (d *Detector) escalateSevere(key string) {
	d.mut.Lock()

	rec, ok := d.records[key]
	if !ok || rec.susp.Stage == StageRemovalRequested {
		d.mut.Unlock()
		return
	}

	rec.susp.Stage = StageSevere
	member := rec.susp.Member
	d.mut.Unlock()

	d.stats.Suspicions.WithLabelValues(StageSevere.String()).Inc()

	level.Error(d.logger).Log(
		"msg", "sec have elapsed while waiting for replies",
		"sec", int((d.ackWait + d.ackSevere).Seconds()),
		"member", member.DisplayName(),
	)

	// One last direct probe before asking for removal.
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.probeTimeout)
		defer cancel()

		if err := d.prober.AreYouAlive(ctx, member); err != nil {
			d.requestRemoval(key, err.Error())
			return
		}

		d.ReplyReceived(member)
	}()
}

func (d *Detector) requestRemoval(key, reason string) {
	d.mut.Lock()

	rec, ok := d.records[key]
	if !ok || rec.susp.Stage != StageSevere {
		d.mut.Unlock()
		return
	}

	rec.susp.Stage = StageRemovalRequested
	member := rec.susp.Member
	d.mut.Unlock()

	d.stats.Suspicions.WithLabelValues(StageRemovalRequested.String()).Inc()

	level.Error(d.logger).Log(
		"msg", "member forced out of the distributed system",
		"member", member.DisplayName(),
		"reason", reason,
	)

	// The removal request takes the coordinator's view monitor, so it must
	// not be made while holding the suspicion table lock.
	d.removals.RequestRemoval(member, reason)
}

// ConsumeSuspicions feeds connection-failure reports from the transport
// into the ladder.
func (d *Detector) ConsumeSuspicions(ch <-chan transport.Suspicion) {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		for {
			select {
			case susp := <-ch:
				d.Suspect(susp.Peer, susp.Reason, d.self)
			case <-d.stop:
				return
			}
		}
	}()
}

// RunLoop periodically verifies liveness of a random view member until the
// context is canceled.
func (d *Detector) RunLoop(ctx context.Context) {
	level.Info(d.logger).Log(
		"msg", "failure detector loop started",
		"probe_interval", d.probeInterval,
	)

	for {
		select {
		case <-time.After(d.probeInterval):
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		}

		member, ok := d.pickRandomMember()
		if !ok {
			continue
		}

		d.probe(member)
	}
}

func (d *Detector) pickRandomMember() (membership.Identity, bool) {
	view, ok := d.views.CurrentView()
	if !ok {
		return membership.Identity{}, false
	}

	members := view.Members()
	generic.Shuffle(members)

	for _, member := range members {
		if !member.Equal(d.self) {
			return member, true
		}
	}

	return membership.Identity{}, false
}

func (d *Detector) probe(member membership.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), d.probeTimeout)
	defer cancel()

	if err := d.prober.AreYouAlive(ctx, member); err != nil {
		d.Suspect(member, "no response to are-you-alive: "+err.Error(), d.self)
		return
	}

	d.ReplyReceived(member)
}

// Stop cancels all timers and background workers.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)

		d.mut.Lock()
		for key, rec := range d.records {
			rec.warn.Stop()
			rec.severe.Stop()
			delete(d.records, key)
		}
		d.mut.Unlock()
	})

	d.wg.Wait()
}
