package websocket

import "github.com/google/uuid"

// newCorrelationID returns a fresh identifier used to tie together the log
// lines one Client emits across Connect/Send/Receive/Close, the way a
// request ID threads through an HTTP call chain.
func newCorrelationID() string {
	return uuid.New().String()
}
