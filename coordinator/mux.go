package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/bd2019us/geode/faildetector"
	"github.com/bd2019us/geode/membership"
	"github.com/bd2019us/geode/transport"
)

// Mux routes membership payload frames between the transport table and the
// protocol components. It also implements the coordinator's Sender and the
// failure detector's Prober on top of the table, encoding every message in
// the format negotiated for the target connection.
type Mux struct {
	self   membership.Identity
	logger kitlog.Logger
	table  *transport.Table

	coord    *Coordinator
	detector *faildetector.Detector

	pingMut   sync.Mutex
	nextNonce uint64
	pending   map[uint64]chan struct{}
}

func NewMux(self membership.Identity, table *transport.Table, logger kitlog.Logger) *Mux {
	return &Mux{
		self:    self,
		logger:  logger,
		table:   table,
		pending: make(map[uint64]chan struct{}),
	}
}

// SetTable injects the transport once it exists. The table and the mux
// reference each other, so one of them has to be wired up after the fact.
func (m *Mux) SetTable(table *transport.Table) {
	m.table = table
}

// Bind connects the protocol components once they are constructed.
func (m *Mux) Bind(coord *Coordinator, detector *faildetector.Detector) {
	m.coord = coord
	m.detector = detector
}

// Handle implements transport.Handler.
func (m *Mux) Handle(peer membership.Identity, payload []byte) {
	if len(payload) == 0 {
		return
	}

	kind, body := MsgKind(payload[0]), payload[1:]

	switch kind {
	case MsgHeartbeat:
		m.handleHeartbeat(peer, body)

	case MsgHeartbeatAck:
		m.handleHeartbeatAck(peer, body)

	case MsgViewProposal:
		view, err := decodeViewProposal(body)
		if err != nil {
			level.Warn(m.logger).Log("msg", "bad view proposal", "from", peer.DisplayName(), "err", err)
			return
		}

		m.coord.HandleViewProposal(peer, view)

	case MsgViewAck:
		viewID, err := decodeViewAck(body)
		if err != nil {
			level.Warn(m.logger).Log("msg", "bad view ack", "from", peer.DisplayName(), "err", err)
			return
		}

		m.coord.HandleViewAck(peer, viewID)

	case MsgJoinRequest:
		joiner, err := decodeJoinRequest(body)
		if err != nil {
			level.Warn(m.logger).Log("msg", "bad join request", "from", peer.DisplayName(), "err", err)
			return
		}

		m.coord.HandleJoinRequest(peer, joiner)

	case MsgLeave:
		m.coord.HandleLeave(peer)

	case MsgRemovalRequest:
		target, reason, err := decodeRemovalRequest(body)
		if err != nil {
			level.Warn(m.logger).Log("msg", "bad removal request", "from", peer.DisplayName(), "err", err)
			return
		}

		m.coord.HandleRemovalRequest(peer, target, reason)

	default:
		level.Warn(m.logger).Log("msg", "unknown message kind", "kind", uint8(kind), "from", peer.DisplayName())
	}
}

func (m *Mux) handleHeartbeat(peer membership.Identity, body []byte) {
	nonce, err := decodeNonce(body)
	if err != nil {
		level.Warn(m.logger).Log("msg", "bad heartbeat", "from", peer.DisplayName(), "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.table.Send(ctx, peer, transport.HighPriorityClass, encodeHeartbeat(MsgHeartbeatAck, nonce)); err != nil {
		level.Debug(m.logger).Log("msg", "failed to answer heartbeat", "peer", peer.DisplayName(), "err", err)
	}
}

func (m *Mux) handleHeartbeatAck(peer membership.Identity, body []byte) {
	nonce, err := decodeNonce(body)
	if err != nil {
		return
	}

	m.pingMut.Lock()
	waiter, ok := m.pending[nonce]
	m.pingMut.Unlock()

	if ok {
		select {
		case waiter <- struct{}{}:
		default:
		}
	}

	// Any reply from the peer settles its suspicion record.
	if m.detector != nil {
		m.detector.ReplyReceived(peer)
	}
}

// AreYouAlive implements faildetector.Prober: a heartbeat round-trip over
// the high-priority connection.
func (m *Mux) AreYouAlive(ctx context.Context, peer membership.Identity) error {
	m.pingMut.Lock()
	m.nextNonce++
	nonce := m.nextNonce
	waiter := make(chan struct{}, 1)
	m.pending[nonce] = waiter
	m.pingMut.Unlock()

	defer func() {
		m.pingMut.Lock()
		delete(m.pending, nonce)
		m.pingMut.Unlock()
	}()

	if err := m.table.Send(ctx, peer, transport.HighPriorityClass, encodeHeartbeat(MsgHeartbeat, nonce)); err != nil {
		return err
	}

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no heartbeat reply from %s: %w", peer, ctx.Err())
	}
}

// SendView implements Sender.
func (m *Mux) SendView(ctx context.Context, peer membership.Identity, view membership.View) error {
	conn, err := m.table.Open(ctx, peer, transport.HighPriorityClass)
	if err != nil {
		return err
	}

	payload, err := encodeViewProposal(view, conn.Format())
	if err != nil {
		return err
	}

	return conn.Send(payload)
}

// SendViewAck implements Sender.
func (m *Mux) SendViewAck(ctx context.Context, peer membership.Identity, viewID int64) error {
	return m.table.Send(ctx, peer, transport.HighPriorityClass, encodeViewAck(viewID))
}

// SendJoin implements Sender.
func (m *Mux) SendJoin(ctx context.Context, peer membership.Identity, joiner membership.Identity) error {
	conn, err := m.table.Open(ctx, peer, transport.OrderedShared)
	if err != nil {
		return err
	}

	payload, err := encodeJoinRequest(joiner, conn.Format())
	if err != nil {
		return err
	}

	return conn.Send(payload)
}

// SendLeave implements Sender.
func (m *Mux) SendLeave(ctx context.Context, peer membership.Identity) error {
	return m.table.Send(ctx, peer, transport.OrderedShared, []byte{byte(MsgLeave)})
}

// SendRemoval implements Sender.
func (m *Mux) SendRemoval(ctx context.Context, peer membership.Identity, target membership.Identity, reason string) error {
	payload, err := encodeRemovalRequest(target, reason)
	if err != nil {
		return err
	}

	return m.table.Send(ctx, peer, transport.OrderedShared, payload)
}

// Join dials a seed address and submits the local identity for admission.
// The seed forwards the request to the coordinator, which installs a view
// including us and broadcasts it back over a fresh handshake.
func (m *Mux) Join(ctx context.Context, seedAddr string) error {
	conn, err := m.table.Dial(ctx, seedAddr, transport.OrderedShared)
	if err != nil {
		return fmt.Errorf("dial seed: %w", err)
	}

	payload, err := encodeJoinRequest(m.self, conn.Format())
	if err != nil {
		return err
	}

	if err := conn.Send(payload); err != nil {
		return fmt.Errorf("send join request: %w", err)
	}

	return nil
}
