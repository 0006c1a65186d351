package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bd2019us/geode/membership"
)

// maxFrameSize bounds a single framed payload.
const maxFrameSize = 1 << 20

const (
	stateOpen int32 = iota + 1
	stateClosing
	stateClosed
)

// Conn is one reliable framed byte stream to a peer. It is owned by its
// Table entry: a closed connection is never reused, only replaced.
type Conn struct {
	peer  membership.Identity
	class Class
	sock  net.Conn
	proto uint16

	writeMut  sync.Mutex
	state     int32
	closeOnce sync.Once
	reason    atomic.Value
	failed    atomic.Bool
}

func newConn(peer membership.Identity, class Class, sock net.Conn, proto uint16) *Conn {
	return &Conn{
		peer:  peer,
		class: class,
		sock:  sock,
		proto: proto,
		state: stateOpen,
	}
}

// Peer returns the identity received during the handshake.
func (c *Conn) Peer() membership.Identity {
	return c.peer
}

func (c *Conn) Class() Class {
	return c.class
}

// ProtocolVersion is the lower of the two sides' versions, negotiated
// during the handshake and effective for all frames on this connection.
func (c *Conn) ProtocolVersion() uint16 {
	return c.proto
}

// Format is the identity wire format matching the negotiated protocol.
func (c *Conn) Format() membership.Format {
	return membership.Format(c.proto)
}

// IsClosed reports whether the connection can no longer be used.
func (c *Conn) IsClosed() bool {
	return atomic.LoadInt32(&c.state) != stateOpen
}

// Send writes one framed payload. It fails with ErrSendFailed once the
// connection is closed; the caller recovers by re-opening through the table.
func (c *Conn) Send(payload []byte) error {
	if c.IsClosed() {
		return ErrSendFailed.New("connection is closed")
	}

	if len(payload) > maxFrameSize {
		return ErrSendFailed.New(fmt.Sprintf("frame of %d bytes exceeds limit", len(payload)))
	}

	c.writeMut.Lock()
	defer c.writeMut.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))

	if _, err := c.sock.Write(prefix[:]); err != nil {
		c.closeOnError("write failed: " + err.Error())
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if _, err := c.sock.Write(payload); err != nil {
		c.closeOnError("write failed: " + err.Error())
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	return nil
}

// Close releases the socket. It always succeeds, is safe to call
// concurrently with an in-flight read, and does not wait for the reader
// to notice the teardown.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		atomic.StoreInt32(&c.state, stateClosing)
		_ = c.sock.Close()
		atomic.StoreInt32(&c.state, stateClosed)
	})
}

// closeOnError marks the teardown as failure-driven before releasing the
// socket, so the reader's subsequent exit still counts as a liveness
// signal.
func (c *Conn) closeOnError(reason string) {
	c.failed.Store(true)
	c.Close(reason)
}

// Failed reports whether the connection was torn down by an I/O failure
// rather than a deliberate local close.
func (c *Conn) Failed() bool {
	return c.failed.Load()
}

// CloseReason returns the reason passed to the first Close call.
func (c *Conn) CloseReason() string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}

	return ""
}

// readFrame blocks on the socket until a whole frame arrives.
func (c *Conn) readFrame() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c.sock, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.sock, payload); err != nil {
		return nil, err
	}

	return payload, nil
}
