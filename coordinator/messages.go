package coordinator

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bd2019us/geode/internal/binario"
	"github.com/bd2019us/geode/membership"
)

// MsgKind is the first byte of every membership payload frame.
type MsgKind uint8

const (
	MsgJoinRequest MsgKind = iota + 1
	MsgLeave
	MsgViewProposal
	MsgViewAck
	MsgHeartbeat
	MsgHeartbeatAck
	MsgRemovalRequest
)

func encodeHeartbeat(kind MsgKind, nonce uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(kind)
	binary.BigEndian.PutUint64(buf[1:], nonce)

	return buf
}

func decodeNonce(body []byte) (uint64, error) {
	if len(body) != 8 {
		return 0, fmt.Errorf("bad heartbeat frame of %d bytes", len(body))
	}

	return binary.BigEndian.Uint64(body), nil
}

func encodeViewAck(viewID int64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(MsgViewAck)
	binary.BigEndian.PutUint64(buf[1:], uint64(viewID))

	return buf
}

func decodeViewAck(body []byte) (int64, error) {
	if len(body) != 8 {
		return 0, fmt.Errorf("bad view ack frame of %d bytes", len(body))
	}

	return int64(binary.BigEndian.Uint64(body)), nil
}

func encodeViewProposal(view membership.View, format membership.Format) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(MsgViewProposal))

	if err := membership.EncodeView(buf, view, format); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeViewProposal(body []byte) (membership.View, error) {
	return membership.DecodeView(bytes.NewReader(body))
}

func encodeJoinRequest(joiner membership.Identity, format membership.Format) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(MsgJoinRequest))

	if err := membership.EncodeIdentity(buf, joiner, format); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeJoinRequest(body []byte) (membership.Identity, error) {
	return membership.DecodeIdentity(bytes.NewReader(body))
}

// Removal requests carry the essential encoding of the target: comparison
// fields are all the coordinator needs to exclude it.
func encodeRemovalRequest(target membership.Identity, reason string) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(MsgRemovalRequest))

	if err := membership.WriteEssential(buf, target); err != nil {
		return nil, err
	}

	bw := binario.NewWriter(buf, binary.BigEndian)
	if err := bw.WriteNullString(reason); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeRemovalRequest(body []byte) (membership.Identity, string, error) {
	buf := bytes.NewReader(body)

	target, err := membership.ReadEssential(buf)
	if err != nil {
		return membership.Identity{}, "", err
	}

	br := binario.NewReader(buf, binary.BigEndian)

	reason, err := br.ReadNullString()
	if err != nil {
		return membership.Identity{}, "", err
	}

	return target, reason, nil
}
