package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/bd2019us/geode/internal/telemetry"
	"github.com/bd2019us/geode/membership"
	"github.com/bd2019us/geode/transport"
)

type Config struct {
	Self    membership.Identity
	Logger  kitlog.Logger
	Stats   *telemetry.Stats
	Sender  Sender
	AckWait time.Duration

	// EnablePartitionDetection arms quorum arbitration on non-clean
	// member loss.
	EnablePartitionDetection bool

	// OnForcedDisconnect tears down the process's cluster participation
	// (closing the transport, at minimum). Invoked at most once.
	OnForcedDisconnect func()
}

func DefaultConfig() Config {
	return Config{
		Logger:  kitlog.NewNopLogger(),
		AckWait: 15 * time.Second,
	}
}

// Coordinator owns the local process's membership view and, when this
// process is the designated coordinator, runs view-change rounds: assemble
// a candidate, broadcast it, collect acknowledgements from a quorum of the
// prior view, install.
type Coordinator struct {
	self      membership.Identity
	logger    kitlog.Logger
	stats     *telemetry.Stats
	sender    Sender
	suspects  SuspectSink
	partition *PartitionDetector
	ackWait   time.Duration

	onForcedDisconnect func()
	disconnected       atomic.Bool

	// viewMut serializes installs and round bookkeeping. The installed
	// view itself is read through an atomic pointer, so readers never
	// take the monitor and always see a fully-formed view.
	viewMut   sync.Mutex
	view      atomic.Pointer[membership.View]
	round     *ackRound
	listeners []ViewListener

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(conf Config) *Coordinator {
	if conf.Stats == nil {
		conf.Stats = telemetry.NewStats()
	}

	c := &Coordinator{
		self:               conf.Self,
		logger:             conf.Logger,
		stats:              conf.Stats,
		sender:             conf.Sender,
		ackWait:            conf.AckWait,
		onForcedDisconnect: conf.OnForcedDisconnect,
		stop:               make(chan struct{}),
	}

	if conf.EnablePartitionDetection {
		c.partition = NewPartitionDetector(conf.Logger, conf.Stats)
	}

	return c
}

// BindSuspects connects the failure detector. Done after construction
// because the detector needs the coordinator as its removal requester.
func (c *Coordinator) BindSuspects(sink SuspectSink) {
	c.suspects = sink
}

// AddListener registers a collaborator to be notified of view installs.
func (c *Coordinator) AddListener(l ViewListener) {
	c.viewMut.Lock()
	defer c.viewMut.Unlock()

	c.listeners = append(c.listeners, l)
}

// CurrentView returns the installed view, if any.
func (c *Coordinator) CurrentView() (membership.View, bool) {
	if v := c.view.Load(); v != nil {
		return *v, true
	}

	return membership.View{}, false
}

// IsCurrentMember implements transport.MemberSource.
func (c *Coordinator) IsCurrentMember(peer membership.Identity) bool {
	if c.disconnected.Load() {
		return false
	}

	view, ok := c.CurrentView()

	return ok && view.Contains(peer)
}

// IsCoordinator reports whether the local process coordinates the current
// view.
func (c *Coordinator) IsCoordinator() bool {
	view, ok := c.CurrentView()
	return ok && view.Coordinator().Equal(c.self)
}

// Bootstrap installs the initial single-member view with the local process
// as coordinator.
func (c *Coordinator) Bootstrap() error {
	self := c.self.WithViewID(1)

	view, err := membership.NewView(1, []membership.Identity{self}, self)
	if err != nil {
		return fmt.Errorf("bootstrap view: %w", err)
	}

	return c.InstallView(view)
}

// InstallView atomically swaps in the new view. View ids must strictly
// increase on any single process; a stale view is rejected.
func (c *Coordinator) InstallView(view membership.View) error {
	c.viewMut.Lock()

	prior := c.view.Load()
	if prior != nil && view.ID() <= prior.ID() {
		c.viewMut.Unlock()
		return membership.ErrStaleView
	}

	c.view.Store(&view)

	listeners := append([]ViewListener(nil), c.listeners...)
	c.viewMut.Unlock()

	c.stats.ViewInstalls.Inc()
	c.stats.ViewSize.Set(float64(view.Size()))

	level.Info(c.logger).Log("msg", "view installed", "view", view)

	// Suspicion records of members excluded by this view are settled.
	if prior != nil && c.suspects != nil {
		for _, m := range prior.Members() {
			if !view.Contains(m) {
				c.suspects.Forget(m)
			}
		}
	}

	if c.partition != nil && prior != nil && view.Size() >= prior.Size() {
		c.partition.Reset()
	}

	// Listener callbacks run outside the view monitor so a listener may
	// read the current view without deadlocking.
	for _, l := range listeners {
		l.ViewInstalled(view)
	}

	return nil
}

// ProposeView runs one view-change round. Only the prior view's coordinator
// may propose, except during takeover, when the candidate's own coordinator
// proposes. The round succeeds once a strict majority of the prior view has
// acknowledged; members that stay silent are suspected but not excluded
// from this round, to avoid exclusion cascades.
func (c *Coordinator) ProposeView(ctx context.Context, candidate membership.View) error {
	if c.disconnected.Load() {
		return ErrForcedDisconnect
	}

	prior, hasPrior := c.CurrentView()
	if !hasPrior {
		return fmt.Errorf("no view installed, bootstrap first")
	}

	if !prior.Coordinator().Equal(c.self) && !candidate.Coordinator().Equal(c.self) {
		return ErrNotCoordinator
	}

	if candidate.ID() <= prior.ID() {
		return membership.ErrStaleView
	}

	round := newAckRound(candidate.ID(), prior)

	c.viewMut.Lock()
	c.round = round
	c.viewMut.Unlock()

	defer func() {
		c.viewMut.Lock()
		c.round = nil
		c.viewMut.Unlock()
	}()

	// The proposer's own acknowledgement counts toward quorum.
	round.ack(c.self)

	g := errgroup.Group{}

	for _, m := range candidate.Members() {
		if m.Equal(c.self) {
			continue
		}

		member := m

		g.Go(func() error {
			if err := c.sender.SendView(ctx, member, candidate); err != nil {
				level.Warn(c.logger).Log(
					"msg", "failed to send view proposal",
					"member", member.DisplayName(),
					"err", err,
				)
			}

			return nil
		})
	}

	_ = g.Wait()

	reached := round.wait(ctx, c.ackWait, c.stop)

	// Connectivity is snapshotted before this round's silence opens new
	// suspicion ladders. Members that stayed silent here but are not under
	// suspicion elsewhere still get the benefit of the doubt.
	var reachable []membership.Identity
	if !reached && c.partition != nil {
		reachable = c.reachableMembers(prior, round)
	}

	// Every prior-view member that stayed silent gets its own suspicion
	// ladder started.
	if c.suspects != nil {
		for _, m := range prior.Members() {
			if m.Equal(c.self) || round.acked(m) || !candidate.Contains(m) {
				continue
			}

			c.suspects.Suspect(m, fmt.Sprintf("no acknowledgement of view %d", candidate.ID()), c.self)
		}
	}

	if !reached {
		select {
		case <-c.stop:
			return transport.ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// A round that cannot gather a majority of the prior view is the
		// signature of being on the wrong side of a split.
		if c.partition != nil {
			if err := c.partition.Arbitrate(prior, reachable); err != nil {
				c.forceDisconnect(fmt.Sprintf("lost quorum proposing view %d", candidate.ID()))
				return err
			}
		}

		return fmt.Errorf("%w: view %d", ErrNoQuorum, candidate.ID())
	}

	return c.InstallView(candidate)
}

// reachableMembers is the subset of the prior view this process has no
// evidence against: itself, members that acknowledged the in-flight round,
// and members with no open suspicion record.
func (c *Coordinator) reachableMembers(prior membership.View, round *ackRound) []membership.Identity {
	reachable := make([]membership.Identity, 0, prior.Size())

	for _, m := range prior.Members() {
		switch {
		case m.Equal(c.self):
			reachable = append(reachable, m)
		case round != nil && round.acked(m):
			reachable = append(reachable, m)
		case c.suspects == nil || !c.suspects.IsSuspect(m):
			reachable = append(reachable, m)
		}
	}

	return reachable
}

// HandleViewProposal reacts to a view broadcast by the (possibly new)
// coordinator: install it, acknowledge it, or force-disconnect when this
// process has been excluded.
func (c *Coordinator) HandleViewProposal(from membership.Identity, view membership.View) {
	if c.disconnected.Load() {
		return
	}

	if !view.Contains(c.self) {
		c.forceDisconnect(fmt.Sprintf("excluded from view %d", view.ID()))
		return
	}

	if err := c.InstallView(view); err != nil {
		level.Warn(c.logger).Log("msg", "rejected view proposal", "view", view, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.ackWait)
	defer cancel()

	if err := c.sender.SendViewAck(ctx, from, view.ID()); err != nil {
		level.Warn(c.logger).Log("msg", "failed to acknowledge view", "view_id", view.ID(), "err", err)
	}
}

// HandleViewAck records a member's acknowledgement of the in-flight round.
func (c *Coordinator) HandleViewAck(from membership.Identity, viewID int64) {
	c.viewMut.Lock()
	round := c.round
	c.viewMut.Unlock()

	if round != nil && round.viewID == viewID {
		round.ack(from)
	}
}

// RequestRemoval implements the failure detector's removal requester: ask
// the coordinator (possibly ourselves) to install a view without the
// member. Removal of the coordinator itself triggers takeover instead.
func (c *Coordinator) RequestRemoval(member membership.Identity, reason string) {
	view, ok := c.CurrentView()
	if !ok || c.disconnected.Load() {
		return
	}

	switch {
	case view.Coordinator().Equal(c.self):
		c.spawnExclusion(member, false)

	case view.Coordinator().Equal(member):
		c.handleCoordinatorFailure(member)

	default:
		ctx, cancel := context.WithTimeout(context.Background(), c.ackWait)
		defer cancel()

		if err := c.sender.SendRemoval(ctx, view.Coordinator(), member, reason); err != nil {
			level.Warn(c.logger).Log(
				"msg", "failed to forward removal request to coordinator",
				"member", member.DisplayName(),
				"err", err,
			)
		}
	}
}

// HandleRemovalRequest processes a removal request forwarded by another
// member.
func (c *Coordinator) HandleRemovalRequest(from, target membership.Identity, reason string) {
	if !c.IsCoordinator() {
		level.Debug(c.logger).Log("msg", "ignoring removal request, not the coordinator", "target", target.DisplayName())
		return
	}

	level.Info(c.logger).Log(
		"msg", "removal requested",
		"target", target.DisplayName(),
		"by", from.DisplayName(),
		"reason", reason,
	)

	c.spawnExclusion(target, false)
}

// HandleJoinRequest admits a new member by proposing a view that includes
// it. Non-coordinators forward the request.
func (c *Coordinator) HandleJoinRequest(from, joiner membership.Identity) {
	view, ok := c.CurrentView()
	if !ok || c.disconnected.Load() {
		return
	}

	if !view.Coordinator().Equal(c.self) {
		ctx, cancel := context.WithTimeout(context.Background(), c.ackWait)
		defer cancel()

		if err := c.sender.SendJoin(ctx, view.Coordinator(), joiner); err != nil {
			level.Warn(c.logger).Log("msg", "failed to forward join request", "joiner", joiner.DisplayName(), "err", err)
		}

		return
	}

	if view.Contains(joiner) {
		return
	}

	nextID := view.ID() + 1
	members := append(view.Members(), joiner.WithViewID(int32(nextID)))

	candidate, err := membership.NewView(nextID, members, c.self)
	if err != nil {
		level.Error(c.logger).Log("msg", "failed to assemble join view", "err", err)
		return
	}

	c.runRound(candidate)
}

// HandleLeave processes a clean leave announcement. Clean leaves never run
// partition arbitration.
func (c *Coordinator) HandleLeave(from membership.Identity) {
	view, ok := c.CurrentView()
	if !ok || c.disconnected.Load() {
		return
	}

	switch {
	case view.Coordinator().Equal(c.self):
		c.spawnExclusion(from, true)

	case view.Coordinator().Equal(from):
		// The coordinator is leaving: the next eligible member takes
		// over with a view that excludes it.
		if next, ok := view.NextCoordinator(from); ok && next.Equal(c.self) {
			c.spawnExclusion(from, true)
		}
	}
}

// Leave announces a clean departure of the local process. A leaving
// coordinator first hands the view over to the next eligible member.
func (c *Coordinator) Leave(ctx context.Context) error {
	view, ok := c.CurrentView()
	if !ok {
		return nil
	}

	if view.Size() == 1 {
		return nil
	}

	if view.Coordinator().Equal(c.self) {
		return c.proposeExclusion(ctx, c.self, true)
	}

	return c.sender.SendLeave(ctx, view.Coordinator())
}

func (c *Coordinator) spawnExclusion(member membership.Identity, clean bool) {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 2*c.ackWait)
		defer cancel()

		if err := c.proposeExclusion(ctx, member, clean); err != nil {
			level.Error(c.logger).Log(
				"msg", "view change failed",
				"excluded", member.DisplayName(),
				"err", err,
			)
		}
	}()
}

// proposeExclusion assembles and runs a view-change round that excludes the
// member. Non-clean exclusions are arbitrated by the partition detector
// first: losing the quorum means the local process, not the peer, leaves.
func (c *Coordinator) proposeExclusion(ctx context.Context, member membership.Identity, clean bool) error {
	prior, ok := c.CurrentView()
	if !ok {
		return fmt.Errorf("no view installed")
	}

	remaining := prior.Without(member)

	if !clean && c.partition != nil {
		if err := c.partition.Arbitrate(prior, c.reachableMembers(prior, nil)); err != nil {
			c.forceDisconnect("lost quorum after losing contact with " + member.DisplayName())
			return err
		}
	}

	coord := c.self
	if member.Equal(c.self) {
		next, ok := prior.NextCoordinator(c.self)
		if !ok {
			c.noEligibleCoordinator()
			return ErrCoordinatorUnavailable
		}

		coord = next
	}

	candidate, err := membership.NewView(prior.ID()+1, remaining, coord)
	if err != nil {
		c.noEligibleCoordinator()
		return fmt.Errorf("%w: %v", ErrCoordinatorUnavailable, err)
	}

	return c.ProposeView(ctx, candidate)
}

// handleCoordinatorFailure runs takeover: the coordinator-eligible member
// with the lowest order in the previous view, excluding the failed one,
// proposes the next view.
func (c *Coordinator) handleCoordinatorFailure(failed membership.Identity) {
	view, ok := c.CurrentView()
	if !ok {
		return
	}

	next, ok := view.NextCoordinator(failed)
	if !ok {
		c.noEligibleCoordinator()
		return
	}

	if !next.Equal(c.self) {
		// The next eligible member's own suspicion ladder will fire;
		// nothing for us to do.
		return
	}

	level.Info(c.logger).Log("msg", "taking over as membership coordinator", "failed", failed.DisplayName())

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 2*c.ackWait)
		defer cancel()

		prior, _ := c.CurrentView()

		if c.partition != nil {
			if err := c.partition.Arbitrate(prior, c.reachableMembers(prior, nil)); err != nil {
				c.forceDisconnect("lost quorum after coordinator failure")
				return
			}
		}

		candidate, err := membership.NewView(prior.ID()+1, prior.Without(failed), c.self)
		if err != nil {
			c.noEligibleCoordinator()
			return
		}

		if err := c.ProposeView(ctx, candidate); err != nil {
			level.Error(c.logger).Log("msg", "coordinator takeover failed", "err", err)
		}
	}()
}

func (c *Coordinator) runRound(candidate membership.View) {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 2*c.ackWait)
		defer cancel()

		if err := c.ProposeView(ctx, candidate); err != nil {
			level.Error(c.logger).Log("msg", "view change failed", "view", candidate, "err", err)
		}
	}()
}

func (c *Coordinator) noEligibleCoordinator() {
	level.Error(c.logger).Log("msg", "no processes eligible to be membership coordinator")
}

// forceDisconnect terminates the local process's membership. Rejoining
// requires a full fresh handshake, never a silent view merge.
func (c *Coordinator) forceDisconnect(reason string) {
	if !c.disconnected.CompareAndSwap(false, true) {
		return
	}

	c.stats.ForcedDisconnects.Inc()

	level.Error(c.logger).Log(
		"msg", "member forced out of the distributed system",
		"member", c.self.DisplayName(),
		"reason", reason,
	)

	if c.onForcedDisconnect != nil {
		// The hook tears down the transport, which waits for reader
		// goroutines; it must not run on the reader that brought the
		// disconnect signal.
		go c.onForcedDisconnect()
	}
}

// Disconnected reports whether the local process has terminated its own
// membership.
func (c *Coordinator) Disconnected() bool {
	return c.disconnected.Load()
}

// Stop aborts any in-flight view round and background work.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})

	c.wg.Wait()
}

// ackRound tracks acknowledgements of one view-change broadcast. Quorum is
// defined over the prior view, so acknowledgements from anyone outside it
// (a joiner, a stray duplicate) are discarded.
type ackRound struct {
	viewID int64
	needed int

	mut      sync.Mutex
	eligible map[string]struct{}
	ackedBy  map[string]struct{}
	reached  chan struct{}
	closed   bool
}

func newAckRound(viewID int64, prior membership.View) *ackRound {
	eligible := make(map[string]struct{}, prior.Size())
	for _, m := range prior.Members() {
		eligible[m.Key()] = struct{}{}
	}

	return &ackRound{
		viewID:   viewID,
		needed:   QuorumSize(prior.Size()),
		eligible: eligible,
		ackedBy:  make(map[string]struct{}),
		reached:  make(chan struct{}),
	}
}

func (r *ackRound) ack(from membership.Identity) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if _, ok := r.eligible[from.Key()]; !ok {
		return
	}

	r.ackedBy[from.Key()] = struct{}{}

	if !r.closed && len(r.ackedBy) >= r.needed {
		r.closed = true
		close(r.reached)
	}
}

func (r *ackRound) acked(member membership.Identity) bool {
	r.mut.Lock()
	defer r.mut.Unlock()

	_, ok := r.ackedBy[member.Key()]

	return ok
}

// wait blocks until quorum, timeout, cancellation or shutdown, whichever
// comes first.
func (r *ackRound) wait(ctx context.Context, timeout time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.reached:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}
