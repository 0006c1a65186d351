package faildetector

import (
	"context"

	"github.com/bd2019us/geode/membership"
)

// Prober performs a direct are-you-alive check against a peer.
type Prober interface {
	AreYouAlive(ctx context.Context, peer membership.Identity) error
}

// RemovalRequester asks the current coordinator to install a view that
// excludes the given member.
type RemovalRequester interface {
	RequestRemoval(member membership.Identity, reason string)
}

// ViewSource exposes the currently installed membership view.
type ViewSource interface {
	CurrentView() (membership.View, bool)
}
