package faildetector_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/bd2019us/geode/faildetector"
	"github.com/bd2019us/geode/membership"
	"github.com/bd2019us/geode/transport"
)

func makeIdentity(t *testing.T, port int, name string) membership.Identity {
	t.Helper()

	id, err := membership.NewIdentity(membership.IdentityConfig{
		Addr:                net.IPv4(127, 0, 0, 1),
		Port:                port,
		Name:                name,
		Kind:                membership.KindNormal,
		CoordinatorEligible: true,
	})
	require.NoError(t, err)

	return id
}

type fakeProber struct {
	mut    sync.Mutex
	err    error
	probed []membership.Identity
}

func (p *fakeProber) AreYouAlive(_ context.Context, peer membership.Identity) error {
	p.mut.Lock()
	defer p.mut.Unlock()

	p.probed = append(p.probed, peer)

	return p.err
}

func (p *fakeProber) probeCount() int {
	p.mut.Lock()
	defer p.mut.Unlock()

	return len(p.probed)
}

type fakeRemovals struct {
	mut     sync.Mutex
	removed []membership.Identity
	notify  chan struct{}
}

func newFakeRemovals() *fakeRemovals {
	return &fakeRemovals{notify: make(chan struct{}, 16)}
}

func (r *fakeRemovals) RequestRemoval(member membership.Identity, _ string) {
	r.mut.Lock()
	r.removed = append(r.removed, member)
	r.mut.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *fakeRemovals) count() int {
	r.mut.Lock()
	defer r.mut.Unlock()

	return len(r.removed)
}

type staticView struct {
	view membership.View
	ok   bool
}

func (v staticView) CurrentView() (membership.View, bool) {
	return v.view, v.ok
}

func startDetector(t *testing.T, prober *fakeProber, removals *fakeRemovals) (*faildetector.Detector, membership.Identity, membership.Identity) {
	t.Helper()

	self := makeIdentity(t, 1000, "self")
	other := makeIdentity(t, 2000, "other")

	view, err := membership.NewView(1, []membership.Identity{self, other}, self)
	require.NoError(t, err)

	d := faildetector.New(
		self, staticView{view: view, ok: true}, prober, removals, kitlog.NewNopLogger(),
		faildetector.WithAckWaitThreshold(20*time.Millisecond),
		faildetector.WithAckSevereAlertThreshold(20*time.Millisecond),
		faildetector.WithMemberTimeout(50*time.Millisecond),
	)

	t.Cleanup(d.Stop)

	return d, self, other
}

func waitForStage(t *testing.T, d *faildetector.Detector, member membership.Identity, stage faildetector.Stage) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)

	for time.Now().Before(deadline) {
		for _, rec := range d.Records() {
			if rec.Member.Equal(member) && rec.Stage >= stage {
				return
			}
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("member %s never reached stage %s", member, stage)
}

func TestDetector_EscalationLadder(t *testing.T) {
	prober := &fakeProber{err: errors.New("connection refused")}
	removals := newFakeRemovals()

	d, self, other := startDetector(t, prober, removals)

	d.Suspect(other, "connection reset", self)
	require.True(t, d.IsSuspect(other))

	waitForStage(t, d, other, faildetector.StageWarned)
	waitForStage(t, d, other, faildetector.StageRemovalRequested)

	select {
	case <-removals.notify:
	case <-time.After(3 * time.Second):
		t.Fatal("removal was never requested")
	}

	require.Equal(t, 1, removals.count())
	require.Positive(t, prober.probeCount())
}

func TestDetector_ReplyWithdrawsSuspicion(t *testing.T) {
	prober := &fakeProber{}
	removals := newFakeRemovals()

	d, self, other := startDetector(t, prober, removals)

	d.Suspect(other, "slow ack", self)
	d.ReplyReceived(other)

	require.False(t, d.IsSuspect(other))

	// The record is gone, so the timers must not fire anything.
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, removals.count())
}

func TestDetector_SuccessfulProbeCancelsSevere(t *testing.T) {
	prober := &fakeProber{} // probe succeeds
	removals := newFakeRemovals()

	d, self, other := startDetector(t, prober, removals)

	d.Suspect(other, "slow ack", self)

	// The severe-stage probe succeeds, which withdraws the record
	// instead of requesting removal.
	deadline := time.Now().Add(3 * time.Second)
	for d.IsSuspect(other) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	require.False(t, d.IsSuspect(other))
	require.Zero(t, removals.count())
}

func TestDetector_LateReplyAfterRemovalIgnored(t *testing.T) {
	prober := &fakeProber{err: errors.New("no route to host")}
	removals := newFakeRemovals()

	d, self, other := startDetector(t, prober, removals)

	d.Suspect(other, "connection reset", self)
	waitForStage(t, d, other, faildetector.StageRemovalRequested)

	// The decision stands even if the member answers now.
	d.ReplyReceived(other)
	require.True(t, d.IsSuspect(other))
}

func TestDetector_ForgetDropsTerminalRecord(t *testing.T) {
	prober := &fakeProber{err: errors.New("no route to host")}
	removals := newFakeRemovals()

	d, self, other := startDetector(t, prober, removals)

	d.Suspect(other, "connection reset", self)
	waitForStage(t, d, other, faildetector.StageRemovalRequested)

	d.Forget(other)
	require.False(t, d.IsSuspect(other))
}

func TestDetector_SelfNeverSuspected(t *testing.T) {
	prober := &fakeProber{}
	removals := newFakeRemovals()

	d, self, _ := startDetector(t, prober, removals)

	d.Suspect(self, "should be ignored", self)
	require.False(t, d.IsSuspect(self))
}

func TestDetector_DuplicateSuspicionKeepsOriginal(t *testing.T) {
	prober := &fakeProber{}
	removals := newFakeRemovals()

	d, self, other := startDetector(t, prober, removals)

	d.Suspect(other, "first", self)
	d.Suspect(other, "second", self)

	records := d.Records()
	require.Len(t, records, 1)
	require.Equal(t, "first", records[0].Reason)
}

func TestDetector_ConsumeSuspicions(t *testing.T) {
	prober := &fakeProber{}
	removals := newFakeRemovals()

	d, _, other := startDetector(t, prober, removals)

	ch := make(chan transport.Suspicion, 1)
	d.ConsumeSuspicions(ch)

	ch <- transport.Suspicion{Peer: other, Reason: "connection reset by peer"}

	deadline := time.Now().Add(3 * time.Second)
	for !d.IsSuspect(other) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	require.True(t, d.IsSuspect(other))
}

func TestDetector_RunLoopProbesMembers(t *testing.T) {
	prober := &fakeProber{}
	removals := newFakeRemovals()

	self := makeIdentity(t, 1000, "self")
	other := makeIdentity(t, 2000, "other")

	view, err := membership.NewView(1, []membership.Identity{self, other}, self)
	require.NoError(t, err)

	d := faildetector.New(
		self, staticView{view: view, ok: true}, prober, removals, kitlog.NewNopLogger(),
		faildetector.WithProbeInterval(10*time.Millisecond),
		faildetector.WithMemberTimeout(50*time.Millisecond),
	)
	t.Cleanup(d.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.RunLoop(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for prober.probeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	require.Positive(t, prober.probeCount())
}
