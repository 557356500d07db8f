package websocket

import (
	"bufio"
	"bytes"
	"compress/flate"
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverConn is a minimal hand-rolled WebSocket server side used only to
// drive the literal end-to-end scenarios spec.md §8 lists: it performs the
// RFC 6455 handshake, then lets the test write raw frames directly.
type serverConn struct {
	conn net.Conn
}

func acceptOneClient(t *testing.T, extensions string) (addr string, serverCh chan *serverConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serverCh = make(chan *serverConn, 1)
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			serverCh <- nil
			return
		}

		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			conn.Close()
			serverCh <- nil
			return
		}

		accept := computeAcceptKey(req.Header.Get("Sec-WebSocket-Key"))
		resp := "HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + accept + "\r\n"
		if extensions != "" {
			resp += "Sec-WebSocket-Extensions: " + extensions + "\r\n"
		}
		resp += "\r\n"
		_, _ = conn.Write([]byte(resp))

		serverCh <- &serverConn{conn: conn}
	}()

	return ln.Addr().String(), serverCh
}

func connectTestClient(t *testing.T, opts Options) (*Client, *serverConn) {
	t.Helper()
	addr, serverCh := acceptOneClient(t, extensionsFor(opts))

	client := NewClient("ws://"+addr+"/feed", opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	sc := <-serverCh
	require.NotNil(t, sc)
	t.Cleanup(func() { sc.conn.Close() })
	return client, sc
}

func extensionsFor(opts Options) string {
	if !opts.EnableCompression {
		return ""
	}
	return "permessage-deflate; server_no_context_takeover"
}

func TestClientReceiveUnfragmentedText(t *testing.T) {
	client, srv := connectTestClient(t, Options{})
	defer client.Close(context.Background())

	_, err := srv.conn.Write([]byte{0x81, 0x05, 'h', 'e', 'l', 'l', 'o'})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mt, payload, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, TextMessage, mt)
	assert.Equal(t, []byte("hello"), payload)
}

func TestClientReceiveFragmentedBinary(t *testing.T) {
	client, srv := connectTestClient(t, Options{})
	defer client.Close(context.Background())

	_, err := srv.conn.Write([]byte{0x02, 0x02, 0x01, 0x02}) // fin=0, binary
	require.NoError(t, err)
	_, err = srv.conn.Write([]byte{0x80, 0x02, 0x03, 0x04}) // fin=1, continuation
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mt, payload, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, BinaryMessage, mt)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, payload)
}

func TestClientAutoPongInterleavedWithFragments(t *testing.T) {
	client, srv := connectTestClient(t, Options{AutoPongOnPing: true})
	defer client.Close(context.Background())

	_, err := srv.conn.Write([]byte{0x02, 0x02, 0x01, 0x02})
	require.NoError(t, err)
	_, err = srv.conn.Write([]byte{0x89, 0x02, 0x70, 0x69}) // Ping "pi"
	require.NoError(t, err)
	_, err = srv.conn.Write([]byte{0x80, 0x02, 0x03, 0x04})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mt, payload, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, BinaryMessage, mt)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, payload)

	hdr, err := readFrameHeader(srv.conn, make([]byte, maxFrameHeaderSize), 0)
	require.NoError(t, err)
	assert.Equal(t, byte(opcodePong), hdr.Opcode)
	assert.True(t, hdr.Masked)

	asm := NewMessageAssembler(16)
	require.NoError(t, readFramePayload(srv.conn, hdr, make([]byte, 8), asm))
	assert.Equal(t, []byte{0x70, 0x69}, asm.WrittenView())
}

func TestClientReceiveCompressedText(t *testing.T) {
	client, srv := connectTestClient(t, Options{EnableCompression: true})
	defer client.Close(context.Background())

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	compressed := buf.Bytes()[:buf.Len()-4] // strip the trailer; client re-appends it

	header := []byte{0x81 | rsv1Bit, byte(len(compressed))}
	_, err = srv.conn.Write(append(header, compressed...))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mt, payload, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, TextMessage, mt)
	assert.Equal(t, `{"a":1}`, string(payload))
}

func TestClientReceiveClose(t *testing.T) {
	client, srv := connectTestClient(t, Options{})
	defer client.Close(context.Background())

	_, err := srv.conn.Write([]byte{0x88, 0x02, 0x03, 0xe8}) // close, code 1000
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err = client.Receive(ctx)
	require.Error(t, err)

	ce, ok := IsCloseError(err)
	require.True(t, ok)
	assert.Equal(t, CloseNormalClosure, ce.Code)
	assert.Empty(t, ce.Reason)

	assert.Equal(t, StateClosed, client.State())

	hdr, err := readFrameHeader(srv.conn, make([]byte, maxFrameHeaderSize), 0)
	require.NoError(t, err)
	assert.Equal(t, byte(opcodeClose), hdr.Opcode)
	assert.True(t, hdr.Masked)

	asm := NewMessageAssembler(16)
	require.NoError(t, readFramePayload(srv.conn, hdr, make([]byte, 8), asm))
	assert.Equal(t, []byte{0x03, 0xe8}, asm.WrittenView())
}

func TestClientSendLargePayloadIsMaskedAndRoundTrips(t *testing.T) {
	client, srv := connectTestClient(t, Options{})
	defer client.Close(context.Background())

	payload := make([]byte, 200000)
	for i := range payload {
		payload[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, BinaryMessage, payload))

	hdr, err := readFrameHeader(srv.conn, make([]byte, maxFrameHeaderSize), 0)
	require.NoError(t, err)
	assert.True(t, hdr.Fin)
	assert.True(t, hdr.Masked)
	assert.Equal(t, byte(opcodeBinary), hdr.Opcode)
	assert.EqualValues(t, len(payload), hdr.PayloadLen)

	asm := NewMessageAssembler(len(payload))
	require.NoError(t, readFramePayload(srv.conn, hdr, make([]byte, 4096), asm))
	assert.Equal(t, payload, asm.WrittenView())
}

func TestClientReceiveConcurrencyRejected(t *testing.T) {
	client, srv := connectTestClient(t, Options{})
	defer client.Close(context.Background())
	_ = srv

	client.receiveInProgress.Store(true)
	defer client.receiveInProgress.Store(false)

	_, _, err := client.Receive(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReceiveInProgress))
}

func TestClientSendBeforeConnectFails(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/feed", Options{})
	err := client.Send(context.Background(), TextMessage, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotOpen))
}

func TestClientDoubleConnectFails(t *testing.T) {
	client, _ := connectTestClient(t, Options{})
	defer client.Close(context.Background())

	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyConnected))
}
