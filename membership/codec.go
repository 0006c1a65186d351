package membership

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/bd2019us/geode/internal/binario"
)

// Format is a wire-format version of the identity encoding. The format tag
// is written first in every encoding, so a newer process can keep talking to
// an older one by picking the older format.
type Format uint16

const (
	// FormatV1 is the oldest still-supported encoding: a wide kind field
	// and no trailing version ordinal.
	FormatV1 Format = iota + 1

	// FormatV2 shrinks the kind to a single byte and appends the member's
	// version ordinal, gated by the version-present flag bit.
	FormatV2

	// FormatV3 is FormatV2 plus a skippable extension block for data
	// added by future releases.
	FormatV3
)

// FormatCurrent is the format written by this release.
const FormatCurrent = FormatV3

const (
	flagSplitBrain     uint8 = 1 << 0
	flagCoordEligible  uint8 = 1 << 1
	flagPartial        uint8 = 1 << 2
	flagVersionPresent uint8 = 1 << 3
)

// maxWireCount bounds element counts taken off the wire. Frames are capped
// at a megabyte, so a larger count cannot be honest and must not drive an
// allocation.
const maxWireCount = 1 << 20

// Each supported format is a pure encode/decode pair in a single table, so
// adding a format is one entry instead of another near-duplicate method.
type codecEntry struct {
	encode func(*binario.Writer, *Identity) error
	decode func(*binario.Reader, *Identity) error
}

var codecs = map[Format]codecEntry{
	FormatV1: {
		encode: func(w *binario.Writer, id *Identity) error {
			return encodeBody(w, id, true, false, false)
		},
		decode: func(r *binario.Reader, id *Identity) error {
			return decodeBody(r, id, true, false)
		},
	},
	FormatV2: {
		encode: func(w *binario.Writer, id *Identity) error {
			return encodeBody(w, id, false, true, false)
		},
		decode: func(r *binario.Reader, id *Identity) error {
			return decodeBody(r, id, false, false)
		},
	},
	FormatV3: {
		encode: func(w *binario.Writer, id *Identity) error {
			return encodeBody(w, id, false, true, true)
		},
		decode: func(r *binario.Reader, id *Identity) error {
			return decodeBody(r, id, false, true)
		},
	},
}

// EncodeIdentity writes the identity in the given format, tag first.
func EncodeIdentity(w io.Writer, id Identity, format Format) error {
	entry, ok := codecs[format]
	if !ok {
		return fmt.Errorf("unsupported identity format: %d", format)
	}

	bw := binario.NewWriter(w, binary.BigEndian)

	if err := bw.WriteUint16(uint16(format)); err != nil {
		return err
	}

	return entry.encode(bw, &id)
}

// DecodeIdentity reads an identity written by EncodeIdentity in any
// supported format.
func DecodeIdentity(r io.Reader) (Identity, error) {
	br := binario.NewReader(r, binary.BigEndian)

	tag, err := br.ReadUint16()
	if err != nil {
		return Identity{}, err
	}

	entry, ok := codecs[Format(tag)]
	if !ok {
		return Identity{}, ErrMalformedIdentity.New(fmt.Sprintf("unknown identity format: %d", tag))
	}

	id := Identity{version: tag, viewID: -1}
	if err := entry.decode(br, &id); err != nil {
		return Identity{}, err
	}

	return id, nil
}

func encodeBody(w *binario.Writer, id *Identity, wideKind, withVersion, withExtra bool) error {
	if err := writeAddr(w, id.addr); err != nil {
		return err
	}

	if err := w.WriteUint32(uint32(id.port)); err != nil {
		return err
	}

	if err := w.WriteNullString(id.hostname); err != nil {
		return err
	}

	var flags uint8
	if id.splitBrain {
		flags |= flagSplitBrain
	}
	if id.coordEligible {
		flags |= flagCoordEligible
	}
	if id.partial {
		flags |= flagPartial
	}
	if withVersion {
		flags |= flagVersionPresent
	}

	if err := w.WriteUint8(flags); err != nil {
		return err
	}

	if err := w.WriteUint32(uint32(id.directPort)); err != nil {
		return err
	}

	if err := w.WriteUint32(uint32(id.processID)); err != nil {
		return err
	}

	if wideKind {
		if err := w.WriteUint32(uint32(id.kind)); err != nil {
			return err
		}
	} else {
		if err := w.WriteUint8(uint8(id.kind)); err != nil {
			return err
		}
	}

	if err := w.WriteVarUint(uint64(len(id.groups))); err != nil {
		return err
	}

	for _, group := range id.groups {
		if err := w.WriteNullString(group); err != nil {
			return err
		}
	}

	if err := w.WriteNullString(id.name); err != nil {
		return err
	}

	if err := writeTagOrViewID(w, id); err != nil {
		return err
	}

	timeout := uint32(DefaultDurableTimeout)
	if id.durable.ID != "" {
		timeout = uint32(id.durable.Timeout)
	}

	if err := w.WriteNullString(id.durable.ID); err != nil {
		return err
	}

	if err := w.WriteUint32(timeout); err != nil {
		return err
	}

	if withVersion {
		if err := w.WriteUint16(id.version); err != nil {
			return err
		}
	}

	if withExtra {
		// Reserved extension block. Empty for now, skipped by decoders
		// that do not understand its content.
		if err := w.WriteVarUint(0); err != nil {
			return err
		}
	}

	return nil
}

func decodeBody(r *binario.Reader, id *Identity, wideKind, withExtra bool) error {
	addr, err := readAddr(r)
	if err != nil {
		return err
	}

	id.addr = addr

	port, err := r.ReadUint32()
	if err != nil {
		return err
	}

	id.port = int(port)

	if id.hostname, err = r.ReadNullString(); err != nil {
		return err
	}

	if id.hostname == "" {
		id.hostname = id.addr.String()
	}

	flags, err := r.ReadUint8()
	if err != nil {
		return err
	}

	id.splitBrain = flags&flagSplitBrain != 0
	id.coordEligible = flags&flagCoordEligible != 0
	id.partial = flags&flagPartial != 0

	dcPort, err := r.ReadUint32()
	if err != nil {
		return err
	}

	id.directPort = int(dcPort)

	pid, err := r.ReadUint32()
	if err != nil {
		return err
	}

	id.processID = int32(pid)

	if wideKind {
		kind, err := r.ReadUint32()
		if err != nil {
			return err
		}

		id.kind = Kind(kind)
	} else {
		kind, err := r.ReadUint8()
		if err != nil {
			return err
		}

		id.kind = Kind(kind)
	}

	if !id.kind.Valid() {
		return ErrMalformedIdentity.New(fmt.Sprintf("invalid member kind: %d", id.kind))
	}

	count, err := r.ReadVarUint()
	if err != nil {
		return err
	}

	if count > maxWireCount {
		return ErrMalformedIdentity.New(fmt.Sprintf("implausible group count: %d", count))
	}

	if count > 0 {
		id.groups = make([]string, count)
		for i := range id.groups {
			if id.groups[i], err = r.ReadNullString(); err != nil {
				return err
			}
		}
	}

	if id.name, err = r.ReadNullString(); err != nil {
		return err
	}

	if err := readTagOrViewID(r, id); err != nil {
		return err
	}

	if id.durable.ID, err = r.ReadNullString(); err != nil {
		return err
	}

	timeout, err := r.ReadUint32()
	if err != nil {
		return err
	}

	if id.durable.ID != "" {
		id.durable.Timeout = int32(timeout)
	}

	// Absence of the version bit means the sender predates the field,
	// so the default (the format's own ordinal) stays in place.
	if flags&flagVersionPresent != 0 {
		if id.version, err = r.ReadUint16(); err != nil {
			return err
		}
	}

	if withExtra {
		extraLen, err := r.ReadVarUint()
		if err != nil {
			return err
		}

		if extraLen > maxWireCount {
			return ErrMalformedIdentity.New(fmt.Sprintf("implausible extension block of %d bytes", extraLen))
		}

		if extraLen > 0 {
			if err := r.ReadRaw(make([]byte, extraLen)); err != nil {
				return err
			}
		}
	}

	return nil
}

// WriteEssential writes the reduced encoding that carries only the fields
// needed for identity comparison and routing.
func WriteEssential(w io.Writer, id Identity) error {
	bw := binario.NewWriter(w, binary.BigEndian)

	if err := bw.WriteUint16(uint16(FormatCurrent)); err != nil {
		return err
	}

	if err := writeAddr(bw, id.addr); err != nil {
		return err
	}

	if err := bw.WriteUint32(uint32(id.port)); err != nil {
		return err
	}

	var flags uint8 = flagPartial
	if id.splitBrain {
		flags |= flagSplitBrain
	}
	if id.coordEligible {
		flags |= flagCoordEligible
	}

	if err := bw.WriteUint8(flags); err != nil {
		return err
	}

	if err := bw.WriteUint8(uint8(id.kind)); err != nil {
		return err
	}

	if err := writeTagOrViewID(bw, &id); err != nil {
		return err
	}

	return bw.WriteNullString(id.name)
}

// ReadEssential reads the reduced encoding. The result is flagged partial:
// its comparison fields are populated but role and durable attributes are
// inaccessible.
func ReadEssential(r io.Reader) (Identity, error) {
	br := binario.NewReader(r, binary.BigEndian)

	tag, err := br.ReadUint16()
	if err != nil {
		return Identity{}, err
	}

	if _, ok := codecs[Format(tag)]; !ok {
		return Identity{}, ErrMalformedIdentity.New(fmt.Sprintf("unknown identity format: %d", tag))
	}

	id := Identity{version: tag, viewID: -1, partial: true}

	if id.addr, err = readAddr(br); err != nil {
		return Identity{}, err
	}

	port, err := br.ReadUint32()
	if err != nil {
		return Identity{}, err
	}

	id.port = int(port)
	id.hostname = id.addr.String()

	flags, err := br.ReadUint8()
	if err != nil {
		return Identity{}, err
	}

	id.splitBrain = flags&flagSplitBrain != 0
	id.coordEligible = flags&flagCoordEligible != 0

	kind, err := br.ReadUint8()
	if err != nil {
		return Identity{}, err
	}

	id.kind = Kind(kind)
	if !id.kind.Valid() {
		return Identity{}, ErrMalformedIdentity.New(fmt.Sprintf("invalid member kind: %d", id.kind))
	}

	if err := readTagOrViewID(br, &id); err != nil {
		return Identity{}, err
	}

	if id.name, err = br.ReadNullString(); err != nil {
		return Identity{}, err
	}

	return id, nil
}

func writeAddr(w *binario.Writer, addr net.IP) error {
	if err := w.WriteUint8(uint8(len(addr))); err != nil {
		return err
	}

	return w.WriteRaw(addr)
}

func readAddr(r *binario.Reader) (net.IP, error) {
	length, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}

	if length != net.IPv4len && length != net.IPv6len {
		return nil, ErrMalformedIdentity.New(fmt.Sprintf("address must be 4 or 16 bytes, got %d", length))
	}

	addr := make(net.IP, length)
	if err := r.ReadRaw(addr); err != nil {
		return nil, err
	}

	return addr, nil
}

// Loners carry a unique tag; everyone else carries the view-of-birth id as
// a decimal string, kept stringly for compatibility with deployments that
// predate numeric view ids.
func writeTagOrViewID(w *binario.Writer, id *Identity) error {
	if id.kind == KindLoner {
		return w.WriteNullString(id.uniqueTag)
	}

	return w.WriteNullString(strconv.FormatInt(int64(id.viewID), 10))
}

func readTagOrViewID(r *binario.Reader, id *Identity) error {
	str, err := r.ReadNullString()
	if err != nil {
		return err
	}

	if id.kind == KindLoner {
		id.uniqueTag = str
		return nil
	}

	if str == "" {
		return nil // sender predates view ids
	}

	viewID, err := strconv.ParseInt(str, 10, 32)
	if err != nil {
		return ErrMalformedIdentity.New(fmt.Sprintf("bad view id %q", str))
	}

	id.viewID = int32(viewID)

	return nil
}
