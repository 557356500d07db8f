// Package websocket is a low-allocation WebSocket client (RFC 6455) for
// latency-sensitive consumers, with optional permessage-deflate support
// (RFC 7692).
//
// This package provides:
//   - A client-only opening handshake, including optional HTTP CONNECT
//     proxy tunneling and TLS with SNI.
//   - A frame codec that streams payloads through pooled, reused buffers
//     instead of allocating per frame.
//   - permessage-deflate negotiation and inflation via a pluggable deflate
//     backend, selected and self-checked at package init.
//   - A small synchronous Client API: Connect, Send, Receive, SendPing,
//     CloseOutput, Close.
//
// Client Example:
//
//	client := websocket.NewClient("wss://example.com/feed", websocket.Options{
//	    EnableCompression: true,
//	    AutoPongOnPing:    true,
//	})
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(ctx)
//
//	for {
//	    mt, payload, err := client.Receive(ctx)
//	    if err != nil {
//	        break
//	    }
//	    handle(mt, payload)
//	}
//
// Concurrency:
//
// Send and Receive may be called from different goroutines concurrently
// with each other; a second concurrent Receive fails with a Usage error.
// The Close method can be called concurrently with other methods, any
// number of times.
//
// Buffer lifetime:
//
// The payload returned by Receive aliases the Client's pooled buffers. It
// is only valid until the next call to Receive; copy it out if it must
// outlive that call.
//
// Compression:
//
// permessage-deflate is negotiated during Connect when Options.
// EnableCompression is true. If no deflate backend passes its self-check,
// enabling compression is a CompressionUnavailable error at Connect time
// rather than a silent downgrade. Outgoing messages are never compressed; this client
// only negotiates and inflates the server's compressed frames.
package websocket
