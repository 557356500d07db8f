package websocket

import (
	"bytes"
	"compress/flate"
	"testing"

	"github.com/stretchr/testify/require"
)

func deflateNoTrailer(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	out := buf.Bytes()
	// RFC 7692 §7.2.1: the sender strips the trailing empty-block bytes
	// before putting the message on the wire; the client re-appends them.
	require.GreaterOrEqual(t, len(out), 4)
	return out[:len(out)-4]
}

func TestInflaterDecodesSingleMessage(t *testing.T) {
	require.True(t, compressionAvailable, "no deflate backend passed its self-check")

	want := []byte(`{"a":1}`)
	compressed := deflateNoTrailer(t, want)

	inf := NewInflater(64)
	defer inf.Release()

	got, err := inf.Inflate(compressed, true)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestInflaterNoContextTakeoverIsOrderIndependent(t *testing.T) {
	require.True(t, compressionAvailable)

	msgA := deflateNoTrailer(t, []byte("alpha message"))
	msgB := deflateNoTrailer(t, []byte("bravo message"))

	inf1 := NewInflater(64)
	defer inf1.Release()
	_, err := inf1.Inflate(msgA, true)
	require.NoError(t, err)
	gotB1, err := inf1.Inflate(msgB, true)
	require.NoError(t, err)

	inf2 := NewInflater(64)
	defer inf2.Release()
	gotB2, err := inf2.Inflate(msgB, true)
	require.NoError(t, err)

	require.Equal(t, gotB2, gotB1)
}

func TestInflaterContextTakeoverAcrossMessages(t *testing.T) {
	require.True(t, compressionAvailable)

	inf := NewInflater(64)
	defer inf.Release()

	first, err := inf.Inflate(deflateNoTrailer(t, []byte("hello")), false)
	require.NoError(t, err)
	require.Equal(t, "hello", string(first))

	second, err := inf.Inflate(deflateNoTrailer(t, []byte(" world")), false)
	require.NoError(t, err)
	require.Equal(t, " world", string(second))
}
