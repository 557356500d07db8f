package websocket

import (
	"time"

	"github.com/rs/zerolog"
)

// Options configures a Client. It is supplied at construction and immutable
// thereafter (spec.md §3); Connect calls Validate before dialing anything.
type Options struct {
	// Buffer sizes (spec.md §3).
	ReceiveScratchSize  int // Frame Reader's rented scratch buffer.
	SendScratchSize     int // Frame Writer's mask-scratch buffer.
	MessageBufferSize   int // initial capacity of the data Message Assembler.
	ControlBufferSize   int // initial capacity of the control Message Assembler.
	InflateOutputSize   int // initial capacity of the Inflater's output buffer.
	HandshakeBufferSize int // size of the buffered reader the handshake response is parsed through; it does not limit the response length.

	// MaxMessageBytes bounds any single data frame's payload length; frames
	// that declare a larger length fail PROTOCOL before the payload is read.
	// The total length of a fragmented message is not bounded.
	MaxMessageBytes int64

	// RejectMaskedServerFrames fails the connection (PROTOCOL) if the
	// server sends a masked frame. Per RFC 6455 §5.1 a server MUST NOT
	// mask; this exists as a permissive-debugging escape hatch.
	// defaultOptions sets it true, but WithDefaults does not fill it in, so
	// a Client built from Options that leave it false accepts masked server
	// frames and unmasks them.
	RejectMaskedServerFrames bool

	// Compression negotiation (RFC 7692).
	EnableCompression     bool
	ClientContextTakeover bool // false => offer client_no_context_takeover
	ServerContextTakeover bool // false => offer server_no_context_takeover
	ClientMaxWindowBits   int  // 0 => omit the parameter; else must be 8..15
	ServerMaxWindowBits   int  // 0 => omit the parameter; else must be 8..15

	// Proxy, optional HTTP CONNECT tunnel in front of the target.
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string

	// AutoPongOnPing, when true, has Receive synthesize and send a Pong
	// echoing any Ping payload it sees (spec.md §4.8).
	AutoPongOnPing bool

	// Keep-alive pinger (spec.md §4.9). Zero PingInterval disables it; a
	// negative one fails Validate.
	PingInterval time.Duration
	PingPayload  []byte

	// Logger receives structured diagnostic events; nil uses a no-op logger.
	Logger *zerolog.Logger
}

// defaultOptions mirrors the buffer sizes the teacher corpus defaults to
// (4096-byte read/write buffers) scaled to the per-role buffers this client
// needs.
func defaultOptions() Options {
	return Options{
		ReceiveScratchSize:       4096,
		SendScratchSize:          4096,
		MessageBufferSize:        4096,
		ControlBufferSize:        128,
		InflateOutputSize:        4096,
		HandshakeBufferSize:      8192,
		MaxMessageBytes:          32 * 1024 * 1024,
		RejectMaskedServerFrames: true,
		ClientContextTakeover:    true,
		ServerContextTakeover:    true,
	}
}

// WithDefaults returns a copy of o with every zero-valued buffer size,
// MaxMessageBytes, and HandshakeBufferSize filled in from defaultOptions.
// Fields the caller explicitly set are left untouched.
func (o Options) WithDefaults() Options {
	d := defaultOptions()
	if o.ReceiveScratchSize == 0 {
		o.ReceiveScratchSize = d.ReceiveScratchSize
	}
	if o.SendScratchSize == 0 {
		o.SendScratchSize = d.SendScratchSize
	}
	if o.MessageBufferSize == 0 {
		o.MessageBufferSize = d.MessageBufferSize
	}
	if o.ControlBufferSize == 0 {
		o.ControlBufferSize = d.ControlBufferSize
	}
	if o.InflateOutputSize == 0 {
		o.InflateOutputSize = d.InflateOutputSize
	}
	if o.HandshakeBufferSize == 0 {
		o.HandshakeBufferSize = d.HandshakeBufferSize
	}
	if o.MaxMessageBytes == 0 {
		o.MaxMessageBytes = d.MaxMessageBytes
	}
	return o
}

// Validate enforces every Configuration-kind invariant spec.md §7 names.
// Called once, at Connect.
func (o Options) Validate() error {
	const op = "Options.Validate"

	if o.EnableCompression {
		if o.ClientMaxWindowBits != 0 && (o.ClientMaxWindowBits < 8 || o.ClientMaxWindowBits > 15) {
			return newErr(KindConfiguration, op, errInvalidWindowBits("client", o.ClientMaxWindowBits))
		}
		if o.ServerMaxWindowBits != 0 && (o.ServerMaxWindowBits < 8 || o.ServerMaxWindowBits > 15) {
			return newErr(KindConfiguration, op, errInvalidWindowBits("server", o.ServerMaxWindowBits))
		}
		if !compressionAvailable {
			return newErr(KindCompressionUnavailable, op, ErrCompressionUnavailable)
		}
	}

	if len(o.PingPayload) > maxControlPayload {
		return newErr(KindConfiguration, op, errPingPayloadTooLarge)
	}
	if o.PingInterval < 0 {
		return newErr(KindConfiguration, op, errNegativePingInterval)
	}

	if o.ProxyHost != "" && (o.ProxyPort <= 0 || o.ProxyPort > 65535) {
		return newErr(KindConfiguration, op, errInvalidProxyPort)
	}

	return nil
}

func (o Options) logger() *zerolog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	nop := zerolog.Nop()
	return &nop
}
