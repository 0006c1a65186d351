package binario

import (
	"encoding/binary"
	"errors"
	"io"
)

// nullSentinel is the length value reserved for absent strings, so that an
// absent string can be told apart from an empty one on the wire.
const nullSentinel = ^uint32(0)

// maxChunkSize bounds a single length-prefixed chunk. The transport caps
// whole frames at a megabyte, so a longer prefix is garbage and must not
// drive an allocation.
const maxChunkSize = 1 << 20

var ErrChunkTooLarge = errors.New("length prefix exceeds chunk limit")

type Reader struct {
	byteOrder binary.ByteOrder
	reader    io.Reader
}

func NewReader(reader io.Reader, byteOrder binary.ByteOrder) *Reader {
	return &Reader{
		reader:    reader,
		byteOrder: byteOrder,
	}
}

func (r *Reader) ReadUint8() (uint8, error) {
	bs := make([]byte, 1)
	if _, err := io.ReadFull(r.reader, bs); err != nil {
		return 0, err
	}

	return bs[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	bs := make([]byte, 2)
	if _, err := io.ReadFull(r.reader, bs); err != nil {
		return 0, err
	}

	return r.byteOrder.Uint16(bs), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	bs := make([]byte, 4)
	if _, err := io.ReadFull(r.reader, bs); err != nil {
		return 0, err
	}

	return r.byteOrder.Uint32(bs), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	bs := make([]byte, 8)
	if _, err := io.ReadFull(r.reader, bs); err != nil {
		return 0, err
	}

	return r.byteOrder.Uint64(bs), nil
}

// ReadRaw fills the given buffer with exactly len(bs) bytes.
func (r *Reader) ReadRaw(bs []byte) error {
	_, err := io.ReadFull(r.reader, bs)
	return err
}

func (r *Reader) ReadBytes() ([]byte, error) {
	length, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}

	if length > maxChunkSize {
		return nil, ErrChunkTooLarge
	}

	bs := make([]byte, length)
	if _, err := io.ReadFull(r.reader, bs); err != nil {
		return nil, err
	}

	return bs, nil
}

func (r *Reader) ReadString() (string, error) {
	bs, err := r.ReadBytes()
	return string(bs), err
}

// ReadNullString reads a string written by WriteNullString.
// An absent string comes back as "".
func (r *Reader) ReadNullString() (string, error) {
	length, err := r.ReadUint32()
	if err != nil {
		return "", err
	}

	if length == nullSentinel {
		return "", nil
	}

	if length > maxChunkSize {
		return "", ErrChunkTooLarge
	}

	bs := make([]byte, length)
	if _, err := io.ReadFull(r.reader, bs); err != nil {
		return "", err
	}

	return string(bs), nil
}

func (r *Reader) ReadVarUint() (uint64, error) {
	var value uint64
	var shift uint

	for {
		b, err := r.ReadUint8()
		if err != nil {
			return 0, err
		}

		value |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			break
		}

		shift += 7
	}

	return value, nil
}
