package binario_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bd2019us/geode/internal/binario"
)

func TestReader_BytesRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	w := binario.NewWriter(&buf, binary.BigEndian)
	require.NoError(t, w.WriteBytes([]byte("payload")))

	r := binario.NewReader(&buf, binary.BigEndian)

	got, err := r.ReadBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

// A corrupt length prefix must fail before it drives an allocation.
func TestReader_BytesLengthCapped(t *testing.T) {
	var buf bytes.Buffer

	w := binario.NewWriter(&buf, binary.BigEndian)
	require.NoError(t, w.WriteUint32(0xFFFFFFF0))

	r := binario.NewReader(&buf, binary.BigEndian)

	_, err := r.ReadBytes()
	require.ErrorIs(t, err, binario.ErrChunkTooLarge)
}

func TestReader_NullStringLengthCapped(t *testing.T) {
	var buf bytes.Buffer

	w := binario.NewWriter(&buf, binary.BigEndian)
	require.NoError(t, w.WriteUint32(1<<24))

	r := binario.NewReader(&buf, binary.BigEndian)

	_, err := r.ReadNullString()
	require.ErrorIs(t, err, binario.ErrChunkTooLarge)
}
