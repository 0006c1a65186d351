package transport

import (
	"io"
	"net"
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/bd2019us/geode/membership"
)

type everyoneMember struct{}

func (everyoneMember) IsCurrentMember(membership.Identity) bool { return true }

func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()

	peer, err := membership.NewIdentity(membership.IdentityConfig{
		Addr: net.IPv4(127, 0, 0, 1),
		Port: 20001,
		Kind: membership.KindNormal,
	})
	require.NoError(t, err)

	return newConn(peer, OrderedShared, local, ProtocolVersion), remote
}

func newMailboxTable() *Table {
	conf := DefaultConfig()
	conf.Logger = kitlog.NewNopLogger()
	conf.Members = everyoneMember{}

	return NewTable(conf)
}

func TestReaderFailed_WriteFailureStillReported(t *testing.T) {
	conn, remote := pipeConn(t)
	require.NoError(t, remote.Close())

	// The writer notices the dead peer first and tears the connection
	// down. The reader then finds it already closed, but the close was
	// failure-driven, so the suspicion still has to be raised.
	require.Error(t, conn.Send([]byte("ping")))
	require.True(t, conn.IsClosed())
	require.True(t, conn.Failed())

	table := newMailboxTable()
	table.readerFailed(conn, io.EOF)

	select {
	case susp := <-table.Suspicions():
		require.True(t, susp.Peer.Equal(conn.Peer()))
	default:
		t.Fatal("expected a suspicion report")
	}
}

func TestReaderFailed_DeliberateCloseNotReported(t *testing.T) {
	conn, remote := pipeConn(t)
	defer func() { _ = remote.Close() }()

	conn.Close("replaced by an inbound connection")

	table := newMailboxTable()
	table.readerFailed(conn, io.EOF)

	select {
	case <-table.Suspicions():
		t.Fatal("deliberate close must not raise suspicion")
	default:
	}
}
