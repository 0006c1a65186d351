package transport

import "fmt"

// Ordering is the delivery-order class of a connection.
type Ordering uint8

const (
	Ordered Ordering = iota + 1
	Unordered
)

// Sharing tells whether a connection is multiplexed between senders.
type Sharing uint8

const (
	Shared Sharing = iota + 1
	Direct
	HighPriority
)

// Class identifies one of the small fixed number of connections kept per
// peer pair. Connections of different classes never share a socket.
type Class struct {
	Ordering Ordering
	Sharing  Sharing
}

var (
	// OrderedShared is the default class carrying membership traffic.
	OrderedShared = Class{Ordering: Ordered, Sharing: Shared}

	// UnorderedShared carries traffic that tolerates reordering.
	UnorderedShared = Class{Ordering: Unordered, Sharing: Shared}

	// HighPriorityClass carries view installs and liveness probes, so they
	// are not queued behind bulk application traffic.
	HighPriorityClass = Class{Ordering: Ordered, Sharing: HighPriority}
)

func (c Class) String() string {
	return fmt.Sprintf("%d/%d", c.Ordering, c.Sharing)
}
