package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

// randReader is the entropy source for mask keys and challenge keys;
// overridden by tests that need deterministic output.
var randReader io.Reader = rand.Reader

// formatCloseMessage encodes a close code and UTF-8 reason into a close
// frame body per RFC 6455 §5.5.1. CloseNoStatusReceived is never actually
// put on the wire (RFC 6455 §7.4.1): an empty close frame is sent instead.
func formatCloseMessage(code int, reason string) []byte {
	if code == CloseNoStatusReceived {
		return nil
	}
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	copy(buf[2:], reason)
	return buf
}

// parseCloseMessage is the inverse of formatCloseMessage, used by Receive
// to decode a peer's close frame payload.
func parseCloseMessage(payload []byte) (code int, reason string) {
	if len(payload) < 2 {
		return CloseNoStatusReceived, ""
	}
	code = int(payload[0])<<8 | int(payload[1])
	return code, string(payload[2:])
}
