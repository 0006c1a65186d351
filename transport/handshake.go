package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bd2019us/geode/internal/binario"
	"github.com/bd2019us/geode/internal/generic"
	"github.com/bd2019us/geode/membership"
)

// ProtocolVersion is the highest framing protocol this release speaks. Each
// side sends its own version during the handshake and the lower of the two
// becomes the connection's effective version.
const ProtocolVersion = uint16(membership.FormatCurrent)

type handshake struct {
	proto uint16
	class Class
	ident membership.Identity
}

// The handshake is a single frame: protocol version, connection class, and
// the sender's identity in its full current-format encoding.
func writeHandshake(sock net.Conn, hs handshake) error {
	buf := new(bytes.Buffer)
	bw := binario.NewWriter(buf, binary.BigEndian)

	if err := bw.WriteUint16(hs.proto); err != nil {
		return err
	}

	if err := bw.WriteUint8(uint8(hs.class.Ordering)); err != nil {
		return err
	}

	if err := bw.WriteUint8(uint8(hs.class.Sharing)); err != nil {
		return err
	}

	if err := membership.EncodeIdentity(buf, hs.ident, membership.FormatCurrent); err != nil {
		return err
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(buf.Len()))

	if _, err := sock.Write(prefix[:]); err != nil {
		return err
	}

	_, err := sock.Write(buf.Bytes())

	return err
}

func readHandshake(sock net.Conn) (handshake, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(sock, prefix[:]); err != nil {
		return handshake{}, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return handshake{}, fmt.Errorf("handshake frame of %d bytes exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(sock, payload); err != nil {
		return handshake{}, err
	}

	buf := bytes.NewReader(payload)
	br := binario.NewReader(buf, binary.BigEndian)

	var (
		hs  handshake
		err error
	)

	if hs.proto, err = br.ReadUint16(); err != nil {
		return handshake{}, err
	}

	ordering, err := br.ReadUint8()
	if err != nil {
		return handshake{}, err
	}

	sharing, err := br.ReadUint8()
	if err != nil {
		return handshake{}, err
	}

	hs.class = Class{Ordering: Ordering(ordering), Sharing: Sharing(sharing)}

	if hs.ident, err = membership.DecodeIdentity(buf); err != nil {
		return handshake{}, err
	}

	return hs, nil
}

// exchange runs both halves of the handshake under a deadline and returns
// the peer's half. The deadline is cleared before the connection is handed
// over to its reader.
func exchange(sock net.Conn, own handshake, timeout time.Duration) (handshake, error) {
	if err := sock.SetDeadline(time.Now().Add(timeout)); err != nil {
		return handshake{}, err
	}

	if err := writeHandshake(sock, own); err != nil {
		return handshake{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	peer, err := readHandshake(sock)
	if err != nil {
		return handshake{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	if err := sock.SetDeadline(time.Time{}); err != nil {
		return handshake{}, err
	}

	return peer, nil
}

func effectiveVersion(a, b uint16) uint16 {
	return generic.MinOf(a, b)
}
