package coordinator

import (
	"context"

	"github.com/bd2019us/geode/membership"
)

// Sender delivers membership protocol messages to a peer. Implemented by
// the protocol Mux on top of the transport table; narrowed to an interface
// so view rounds can be driven by a fake in tests.
type Sender interface {
	SendView(ctx context.Context, peer membership.Identity, view membership.View) error
	SendViewAck(ctx context.Context, peer membership.Identity, viewID int64) error
	SendJoin(ctx context.Context, peer membership.Identity, joiner membership.Identity) error
	SendLeave(ctx context.Context, peer membership.Identity) error
	SendRemoval(ctx context.Context, peer membership.Identity, target membership.Identity, reason string) error
}

// SuspectSink receives suspicion updates from view rounds: members that do
// not acknowledge a proposal get suspected, members excluded by an
// installed view get forgotten. Partition arbitration asks it which prior
// members are under open suspicion. Implemented by the failure detector.
type SuspectSink interface {
	Suspect(member membership.Identity, reason string, reporter membership.Identity)
	Forget(member membership.Identity)
	IsSuspect(member membership.Identity) bool
}

// ViewListener is notified after each view install. Storage and
// replication collaborators use it to react to membership changes.
type ViewListener interface {
	ViewInstalled(view membership.View)
}
