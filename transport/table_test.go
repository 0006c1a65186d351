package transport_test

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bd2019us/geode/membership"
	"github.com/bd2019us/geode/transport"
)

type allMembers struct{}

func (allMembers) IsCurrentMember(membership.Identity) bool { return true }

type noMembers struct{}

func (noMembers) IsCurrentMember(membership.Identity) bool { return false }

type recorder struct {
	mut      sync.Mutex
	payloads [][]byte
	notify   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 16)}
}

func (r *recorder) handle(_ membership.Identity, payload []byte) {
	r.mut.Lock()
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	r.mut.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) wait(t *testing.T) []byte {
	t.Helper()

	select {
	case <-r.notify:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a payload")
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	return r.payloads[len(r.payloads)-1]
}

type node struct {
	self  membership.Identity
	table *transport.Table
	inbox *recorder
}

func startNode(t *testing.T, name string, members transport.MemberSource) *node {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := lis.Addr().(*net.TCPAddr).Port

	self, err := membership.NewIdentity(membership.IdentityConfig{
		Addr:                net.IPv4(127, 0, 0, 1),
		Port:                port,
		Name:                name,
		Kind:                membership.KindNormal,
		CoordinatorEligible: true,
	})
	require.NoError(t, err)

	inbox := newRecorder()

	conf := transport.DefaultConfig()
	conf.Self = self
	conf.Handler = inbox.handle
	conf.Members = members

	table := transport.NewTable(conf)

	go func() {
		_ = table.Serve(lis)
	}()

	t.Cleanup(table.Shutdown)

	return &node{self: self, table: table, inbox: inbox}
}

func TestTable_SendAndReceive(t *testing.T) {
	a := startNode(t, "a", allMembers{})
	b := startNode(t, "b", allMembers{})

	ctx := context.Background()

	err := a.table.Send(ctx, b.self, transport.OrderedShared, []byte("hello"))
	require.NoError(t, err)

	require.Equal(t, []byte("hello"), b.inbox.wait(t))

	err = b.table.Send(ctx, a.self, transport.OrderedShared, []byte("world"))
	require.NoError(t, err)

	require.Equal(t, []byte("world"), a.inbox.wait(t))
}

func TestTable_OpenIsIdempotent(t *testing.T) {
	a := startNode(t, "a", allMembers{})
	b := startNode(t, "b", allMembers{})

	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mut   sync.Mutex
		conns []*transport.Conn
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			conn, err := a.table.Open(ctx, b.self, transport.OrderedShared)
			require.NoError(t, err)

			mut.Lock()
			conns = append(conns, conn)
			mut.Unlock()
		}()
	}

	wg.Wait()

	for _, conn := range conns[1:] {
		require.Same(t, conns[0], conn)
	}
}

func TestTable_SeparateConnectionPerClass(t *testing.T) {
	a := startNode(t, "a", allMembers{})
	b := startNode(t, "b", allMembers{})

	ctx := context.Background()

	ordered, err := a.table.Open(ctx, b.self, transport.OrderedShared)
	require.NoError(t, err)

	priority, err := a.table.Open(ctx, b.self, transport.HighPriorityClass)
	require.NoError(t, err)

	require.NotSame(t, ordered, priority)
}

func TestTable_HandshakeNegotiatesVersion(t *testing.T) {
	a := startNode(t, "a", allMembers{})
	b := startNode(t, "b", allMembers{})

	conn, err := a.table.Open(context.Background(), b.self, transport.OrderedShared)
	require.NoError(t, err)

	require.Equal(t, transport.ProtocolVersion, conn.ProtocolVersion())
	require.Equal(t, membership.FormatCurrent, conn.Format())
	require.True(t, conn.Peer().Equal(b.self))
}

func TestTable_SendAfterClose(t *testing.T) {
	a := startNode(t, "a", allMembers{})
	b := startNode(t, "b", allMembers{})

	conn, err := a.table.Open(context.Background(), b.self, transport.OrderedShared)
	require.NoError(t, err)

	conn.Close("test")

	err = conn.Send([]byte("late"))
	require.ErrorIs(t, err, transport.ErrSendFailed)

	// The table replaces the dead connection on the next open.
	replacement, err := a.table.Open(context.Background(), b.self, transport.OrderedShared)
	require.NoError(t, err)
	require.NotSame(t, conn, replacement)
}

func TestTable_SuspicionOnUnexpectedClose(t *testing.T) {
	a := startNode(t, "a", allMembers{})
	b := startNode(t, "b", allMembers{})

	_, err := a.table.Open(context.Background(), b.self, transport.OrderedShared)
	require.NoError(t, err)

	// The remote going down without a local Close is a liveness signal.
	b.table.Shutdown()

	select {
	case susp := <-a.table.Suspicions():
		require.True(t, susp.Peer.Equal(b.self))
		require.NotEmpty(t, susp.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a suspicion")
	}
}

func TestTable_NoSuspicionForNonMembers(t *testing.T) {
	a := startNode(t, "a", noMembers{})
	b := startNode(t, "b", allMembers{})

	_, err := a.table.Open(context.Background(), b.self, transport.OrderedShared)
	require.NoError(t, err)

	b.table.Shutdown()

	select {
	case susp := <-a.table.Suspicions():
		t.Fatalf("unexpected suspicion: %v", susp)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTable_ShutdownFailsFast(t *testing.T) {
	a := startNode(t, "a", allMembers{})
	b := startNode(t, "b", allMembers{})

	a.table.Shutdown()

	_, err := a.table.Open(context.Background(), b.self, transport.OrderedShared)
	require.ErrorIs(t, err, transport.ErrShutdown)

	err = a.table.Send(context.Background(), b.self, transport.OrderedShared, []byte("x"))
	require.ErrorIs(t, err, transport.ErrShutdown)
}

func TestTable_DialByAddress(t *testing.T) {
	a := startNode(t, "a", allMembers{})
	b := startNode(t, "b", allMembers{})

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(b.self.Port()))

	conn, err := a.table.Dial(context.Background(), addr, transport.OrderedShared)
	require.NoError(t, err)

	// The peer identified itself during the handshake.
	require.True(t, conn.Peer().Equal(b.self))
}
