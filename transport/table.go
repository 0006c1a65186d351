package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/bd2019us/geode/internal/generic"
	"github.com/bd2019us/geode/internal/telemetry"
	"github.com/bd2019us/geode/membership"
)

// Handler consumes payload frames arriving from a peer.
type Handler func(peer membership.Identity, payload []byte)

// Dialer opens a raw socket to the given address.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// MemberSource tells the table whether a peer is still believed to be a
// current member, which gates suspicion reports on unexpected closes.
type MemberSource interface {
	IsCurrentMember(peer membership.Identity) bool
}

// Suspicion is the message the table posts when a connection to a current
// member dies without being closed locally. This is the primary failure
// signal, cheaper and faster than active probing.
type Suspicion struct {
	Peer   membership.Identity
	Reason string
}

type Config struct {
	Self        membership.Identity
	Logger      kitlog.Logger
	Stats       *telemetry.Stats
	Dialer      Dialer
	Handler     Handler
	Members     MemberSource
	DialTimeout time.Duration
}

func DefaultConfig() Config {
	dialer := net.Dialer{}

	return Config{
		Logger:      kitlog.NewNopLogger(),
		DialTimeout: 6 * time.Second,
		Dialer: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
	}
}

type connKey struct {
	peer  string
	class Class
}

// Table owns exactly one connection per (peer, class) pair, performing the
// version-negotiating handshake on first use.
type Table struct {
	self        membership.Identity
	logger      kitlog.Logger
	stats       *telemetry.Stats
	dialer      Dialer
	handler     Handler
	members     MemberSource
	dialTimeout time.Duration

	mut     sync.RWMutex
	conns   map[connKey]*Conn
	waiting *generic.SyncMap[connKey, chan struct{}]

	suspicions   chan Suspicion
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func NewTable(conf Config) *Table {
	if conf.Stats == nil {
		conf.Stats = telemetry.NewStats()
	}

	return &Table{
		self:        conf.Self,
		logger:      conf.Logger,
		stats:       conf.Stats,
		dialer:      conf.Dialer,
		handler:     conf.Handler,
		members:     conf.Members,
		dialTimeout: conf.DialTimeout,
		conns:       make(map[connKey]*Conn),
		waiting:     new(generic.SyncMap[connKey, chan struct{}]),
		suspicions:  make(chan Suspicion, 128),
		shutdown:    make(chan struct{}),
	}
}

// Suspicions is the mailbox of liveness suspicions raised by dying
// connections. The failure detector consumes it.
func (t *Table) Suspicions() <-chan Suspicion {
	return t.suspicions
}

func (t *Table) isShutdown() bool {
	select {
	case <-t.shutdown:
		return true
	default:
		return false
	}
}

// Open returns the connection to the peer for the given class, dialing and
// handshaking on first use. It is idempotent: concurrent callers observe
// the same connection over a single socket.
func (t *Table) Open(ctx context.Context, peer membership.Identity, class Class) (*Conn, error) {
	if t.isShutdown() {
		return nil, ErrShutdown
	}

	key := connKey{peer: peer.Key(), class: class}

	if conn, ok := t.loadConn(key); ok {
		return conn, nil
	}

	return t.connect(ctx, peer, class)
}

// Send opens (or reuses) the class connection to the peer and delivers one
// payload frame over it.
func (t *Table) Send(ctx context.Context, peer membership.Identity, class Class, payload []byte) error {
	conn, err := t.Open(ctx, peer, class)
	if err != nil {
		return err
	}

	return conn.Send(payload)
}

func (t *Table) loadConn(key connKey) (*Conn, bool) {
	t.mut.RLock()

	conn, ok := t.conns[key]
	if !ok {
		t.mut.RUnlock()
		return nil, false
	}

	// Present but closed: not usable, drop it from the table so the next
	// Open dials a replacement.
	if conn.IsClosed() {
		t.mut.RUnlock()
		t.mut.Lock()

		if actual, ok := t.conns[key]; ok && !actual.IsClosed() {
			t.mut.Unlock()
			return actual, true
		}

		delete(t.conns, key)
		t.mut.Unlock()

		return nil, false
	}

	t.mut.RUnlock()

	return conn, true
}

func (t *Table) connect(ctx context.Context, peer membership.Identity, class Class) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	key := connKey{peer: peer.Key(), class: class}

	var (
		retry  bool
		loaded bool
		done   chan struct{}
	)

	for {
		d := make(chan struct{})

		// Another goroutine may already be dialing this peer. Wait for
		// it to finish or for the context to expire.
		done, loaded = t.waiting.LoadOrStore(key, d)
		if !loaded {
			break
		}

		close(d)

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.shutdown:
			return nil, ErrShutdown
		}

		if conn, ok := t.loadConn(key); ok {
			return conn, nil
		}

		// The other goroutine failed to connect. Make one more attempt.
		if !retry {
			retry = true
			continue
		}

		return nil, fmt.Errorf("failed to connect in another goroutine")
	}

	defer t.waiting.Delete(key)
	defer close(done)

	conn, err := t.dialAndShake(ctx, peer, class)
	if err != nil {
		t.stats.HandshakeFailures.Inc()
		return nil, err
	}

	return t.register(conn, false), nil
}

// Dial connects to a raw address whose identity is not yet known, such as a
// seed given on the command line. The peer introduces itself during the
// handshake and the connection joins the table under that identity.
func (t *Table) Dial(ctx context.Context, addr string, class Class) (*Conn, error) {
	if t.isShutdown() {
		return nil, ErrShutdown
	}

	ctx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	sock, err := t.dialer(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	reply, err := exchange(sock, handshake{
		proto: ProtocolVersion,
		class: class,
		ident: t.self,
	}, t.dialTimeout)

	if err != nil {
		t.stats.HandshakeFailures.Inc()
		_ = sock.Close()

		return nil, err
	}

	proto := effectiveVersion(ProtocolVersion, reply.proto)

	return t.register(newConn(reply.ident, class, sock, proto), false), nil
}

func (t *Table) dialAddr(peer membership.Identity, class Class) string {
	port := peer.Port()
	if class.Sharing == Direct && peer.DirectPort() > 0 {
		port = peer.DirectPort()
	}

	return net.JoinHostPort(peer.Addr().String(), strconv.Itoa(port))
}

func (t *Table) dialAndShake(ctx context.Context, peer membership.Identity, class Class) (*Conn, error) {
	addr := t.dialAddr(peer, class)

	sock, err := t.dialer(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	reply, err := exchange(sock, handshake{
		proto: ProtocolVersion,
		class: class,
		ident: t.self,
	}, t.dialTimeout)

	if err != nil {
		_ = sock.Close()
		return nil, err
	}

	if !reply.ident.Equal(peer) {
		_ = sock.Close()
		return nil, fmt.Errorf("%w: expected peer %s, got %s", ErrHandshake, peer, reply.ident)
	}

	proto := effectiveVersion(ProtocolVersion, reply.proto)

	level.Debug(t.logger).Log(
		"msg", "connection established",
		"peer", reply.ident.DisplayName(),
		"class", class,
		"proto", proto,
	)

	return newConn(reply.ident, class, sock, proto), nil
}

// register installs the connection into the table, resolving simultaneous
// connect collisions: the existing open connection wins, unless the new one
// is inbound from a peer that orders below us.
func (t *Table) register(conn *Conn, inbound bool) *Conn {
	key := connKey{peer: conn.peer.Key(), class: conn.class}

	t.mut.Lock()

	if actual, ok := t.conns[key]; ok && !actual.IsClosed() {
		if inbound && conn.peer.Compare(t.self) < 0 {
			actual.Close("replaced by simultaneous connect")
		} else {
			t.mut.Unlock()
			conn.Close("duplicate connection")

			return actual
		}
	}

	t.conns[key] = conn
	t.mut.Unlock()

	t.stats.Connects.Inc()
	t.stats.OpenConnections.Inc()
	t.startReader(conn)

	return conn
}

func (t *Table) removeConn(conn *Conn) {
	key := connKey{peer: conn.peer.Key(), class: conn.class}

	t.mut.Lock()
	if t.conns[key] == conn {
		delete(t.conns, key)
	}
	t.mut.Unlock()
}

// Each open connection owns one dedicated reader that blocks only on its
// own socket read.
func (t *Table) startReader(conn *Conn) {
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()

		for {
			payload, err := conn.readFrame()
			if err != nil {
				t.readerFailed(conn, err)
				return
			}

			if t.handler != nil {
				t.handler(conn.peer, payload)
			}
		}
	}()
}

func (t *Table) readerFailed(conn *Conn, err error) {
	// A read failing because we deliberately closed the socket, or because
	// the whole process is going down, is not a liveness signal. A close
	// forced by a write error still is: the writer saw the peer die first.
	deliberate := conn.IsClosed() && !conn.Failed()

	conn.Close("read failed: " + err.Error())
	t.removeConn(conn)
	t.stats.OpenConnections.Dec()

	if deliberate || t.isShutdown() {
		return
	}

	if t.members != nil && !t.members.IsCurrentMember(conn.peer) {
		return
	}

	level.Warn(t.logger).Log(
		"msg", "connection to member unexpectedly closed",
		"peer", conn.peer.DisplayName(),
		"err", err,
	)

	select {
	case t.suspicions <- Suspicion{Peer: conn.peer, Reason: err.Error()}:
	default:
		level.Warn(t.logger).Log("msg", "suspicion mailbox full, dropping report", "peer", conn.peer.DisplayName())
	}
}

// Serve accepts inbound connections until the table shuts down.
func (t *Table) Serve(lis net.Listener) error {
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()
		<-t.shutdown
		_ = lis.Close()
	}()

	for {
		sock, err := lis.Accept()
		if err != nil {
			if t.isShutdown() {
				return nil
			}

			return fmt.Errorf("accept: %w", err)
		}

		t.wg.Add(1)

		go func() {
			defer t.wg.Done()
			t.acceptConn(sock)
		}()
	}
}

func (t *Table) acceptConn(sock net.Conn) {
	// The class in our reply is ignored by the dialer; the dialer's
	// declared class decides which table slot the connection fills.
	peer, err := exchange(sock, handshake{
		proto: ProtocolVersion,
		class: OrderedShared,
		ident: t.self,
	}, t.dialTimeout)

	if err != nil {
		t.stats.HandshakeFailures.Inc()
		level.Warn(t.logger).Log("msg", "inbound handshake failed", "err", err)
		_ = sock.Close()

		return
	}

	proto := effectiveVersion(ProtocolVersion, peer.proto)
	t.register(newConn(peer.ident, peer.class, sock, proto), true)
}

// Shutdown closes all open connections without attempting further
// handshakes and causes blocked or future operations to fail fast with
// ErrShutdown. It waits for the readers and the accept loop to drain.
func (t *Table) Shutdown() {
	t.shutdownOnce.Do(func() {
		close(t.shutdown)

		t.mut.Lock()
		for key, conn := range t.conns {
			conn.Close("system shutting down")
			delete(t.conns, key)
		}
		t.mut.Unlock()
	})

	t.wg.Wait()
}
