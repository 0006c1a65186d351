package coordinator_test

import (
	"net"
	"strings"
	"sync"
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/bd2019us/geode/coordinator"
	"github.com/bd2019us/geode/membership"
)

func TestQuorumSize(t *testing.T) {
	require.Equal(t, 1, coordinator.QuorumSize(1))
	require.Equal(t, 2, coordinator.QuorumSize(2))
	require.Equal(t, 2, coordinator.QuorumSize(3))
	require.Equal(t, 3, coordinator.QuorumSize(4))
	require.Equal(t, 3, coordinator.QuorumSize(5))
	require.Equal(t, 6, coordinator.QuorumSize(10))
}

func makeMembers(t *testing.T, n int) []membership.Identity {
	t.Helper()

	members := make([]membership.Identity, n)

	for i := range members {
		id, err := membership.NewIdentity(membership.IdentityConfig{
			Addr:                net.IPv4(127, 0, 0, 1),
			Port:                1000 + i,
			Kind:                membership.KindNormal,
			CoordinatorEligible: true,
		})
		require.NoError(t, err)

		members[i] = id
	}

	return members
}

func TestPartitionDetector_QuorumRetained(t *testing.T) {
	members := makeMembers(t, 5)

	prior, err := membership.NewView(1, members, members[0])
	require.NoError(t, err)

	pd := coordinator.NewPartitionDetector(kitlog.NewNopLogger(), nil)

	// All reachable.
	require.NoError(t, pd.Arbitrate(prior, members))

	// Still a strict majority.
	require.NoError(t, pd.Arbitrate(prior, members[:3]))
}

func TestPartitionDetector_QuorumLost(t *testing.T) {
	members := makeMembers(t, 5)

	prior, err := membership.NewView(1, members, members[0])
	require.NoError(t, err)

	pd := coordinator.NewPartitionDetector(kitlog.NewNopLogger(), nil)

	err = pd.Arbitrate(prior, members[:2])
	require.ErrorIs(t, err, coordinator.ErrForcedDisconnect)
}

func TestPartitionDetector_EvenSplitDisconnects(t *testing.T) {
	members := makeMembers(t, 4)

	prior, err := membership.NewView(1, members, members[0])
	require.NoError(t, err)

	// Neither half of an even split reaches n/2+1, both must go down
	// rather than run as two clusters.
	left := coordinator.NewPartitionDetector(kitlog.NewNopLogger(), nil)
	right := coordinator.NewPartitionDetector(kitlog.NewNopLogger(), nil)

	require.ErrorIs(t, left.Arbitrate(prior, members[:2]), coordinator.ErrForcedDisconnect)
	require.ErrorIs(t, right.Arbitrate(prior, members[2:]), coordinator.ErrForcedDisconnect)
}

func TestPartitionDetector_AlertOnlyOnQuorumLoss(t *testing.T) {
	members := makeMembers(t, 4)

	prior, err := membership.NewView(1, members, members[0])
	require.NoError(t, err)

	var mut sync.Mutex
	alerts := 0

	logger := kitlog.LoggerFunc(func(keyvals ...interface{}) error {
		mut.Lock()
		defer mut.Unlock()

		for _, kv := range keyvals {
			if s, ok := kv.(string); ok && strings.Contains(s, "network partition has occurred") {
				alerts++
			}
		}

		return nil
	})

	pd := coordinator.NewPartitionDetector(logger, nil)

	// Losing a single member is not a partition.
	require.NoError(t, pd.Arbitrate(prior, members[:3]))
	require.Equal(t, 0, alerts)

	// Losing the quorum is, and the alert fires once per split.
	require.Error(t, pd.Arbitrate(prior, members[:2]))
	require.Error(t, pd.Arbitrate(prior, members[:2]))
	require.Equal(t, 1, alerts)
}

func TestPartitionDetector_IgnoresStrangers(t *testing.T) {
	members := makeMembers(t, 3)

	strangers := make([]membership.Identity, 3)
	for i := range strangers {
		id, err := membership.NewIdentity(membership.IdentityConfig{
			Addr: net.IPv4(127, 0, 0, 1),
			Port: 9000 + i,
			Kind: membership.KindNormal,
		})
		require.NoError(t, err)

		strangers[i] = id
	}

	prior, err := membership.NewView(1, members, members[0])
	require.NoError(t, err)

	pd := coordinator.NewPartitionDetector(kitlog.NewNopLogger(), nil)

	// Only prior-view members count toward the quorum.
	reachable := append([]membership.Identity{members[0]}, strangers...)

	err = pd.Arbitrate(prior, reachable)
	require.ErrorIs(t, err, coordinator.ErrForcedDisconnect)
}
