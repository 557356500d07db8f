package websocket

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Client is a single WebSocket client connection: the handshake negotiator,
// frame codec, message pipeline, and buffer discipline described in the
// package doc, wired together behind a small synchronous API. A Client is
// used for exactly one connection attempt; create a new one to reconnect.
//
// Send and Receive may run concurrently with each other; a second
// concurrent Receive, or any call before Connect succeeds, is a Usage
// error. Close is safe to call from any goroutine at any time.
type Client struct {
	target string
	opts   Options
	log    *zerolog.Logger
	id     string

	state atomic.Int32 // State

	conn net.Conn
	fw   *frameWriter

	readScratch []byte
	dataAsm     *MessageAssembler
	ctrlAsm     *MessageAssembler
	inflater    *Inflater
	compression negotiatedCompression

	inFragment     bool
	fragCompressed bool
	fragOpcode     byte

	sendMu            sync.Mutex
	receiveInProgress atomic.Bool
	closing           atomic.Bool
	closeSent         atomic.Bool
	closeReceived     atomic.Bool

	pingCancel context.CancelFunc
	pingDone   chan struct{}
}

// NewClient creates a Client targeting a ws:// or wss:// URI. No network
// activity happens until Connect is called.
func NewClient(target string, opts Options) *Client {
	opts = opts.WithDefaults()
	logger := opts.logger()
	return &Client{
		target: target,
		opts:   opts,
		log:    logger,
		id:     newCorrelationID(),
	}
}

// ID returns the correlation ID this Client stamps onto its log lines.
func (c *Client) ID() string { return c.id }

// State reports the Client's current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// LocalAddr returns the local network address, or nil before Connect
// succeeds. After Close it still reports the closed connection's address.
func (c *Client) LocalAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address, or nil before Connect
// succeeds. After Close it still reports the closed connection's address.
func (c *Client) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Connect performs the opening handshake (spec §4.6) and, on success,
// transitions the Client to Open and starts the keep-alive pinger if
// configured. It fails with a Usage error if called more than once.
func (c *Client) Connect(ctx context.Context) error {
	const op = "Client.Connect"

	if !c.state.CompareAndSwap(int32(StateNone), int32(StateConnecting)) {
		return newErr(KindUsage, op, ErrAlreadyConnected)
	}

	log := c.log.With().Str("correlation_id", c.id).Str("target", c.target).Logger()
	log.Debug().Msg("connecting")

	if err := c.opts.Validate(); err != nil {
		c.state.Store(int32(StateClosed))
		return err
	}

	res, err := performHandshake(ctx, c.target, c.opts)
	if err != nil {
		c.state.Store(int32(StateClosed))
		log.Error().Err(err).Msg("handshake failed")
		return err
	}

	c.conn = res.conn
	c.compression = res.compression
	c.fw = newFrameWriter(res.conn, c.opts.SendScratchSize)
	c.readScratch = make([]byte, c.opts.ReceiveScratchSize)
	c.dataAsm = NewMessageAssembler(c.opts.MessageBufferSize)
	c.ctrlAsm = NewMessageAssembler(c.opts.ControlBufferSize)
	if res.compression.enabled {
		c.inflater = NewInflater(c.opts.InflateOutputSize)
	}

	c.state.Store(int32(StateOpen))
	log.Info().Bool("compression", res.compression.enabled).Msg("connected")

	if c.opts.PingInterval > 0 {
		c.startPinger()
	}

	return nil
}

// Send transmits one complete application message. It fails with a Usage
// error if the Client is not Open or is closing.
func (c *Client) Send(ctx context.Context, mt MessageType, data []byte) error {
	const op = "Client.Send"

	if err := c.checkSendable(op); err != nil {
		return err
	}

	var opcode byte
	switch mt {
	case TextMessage:
		opcode = opcodeText
	case BinaryMessage:
		opcode = opcodeBinary
	default:
		return newErr(KindUsage, op, ErrInvalidOpcode)
	}

	return c.writeFrame(ctx, op, true, false, opcode, data)
}

// SendPing transmits a Ping control frame. payload must be at most 125
// bytes (RFC 6455 §5.5).
func (c *Client) SendPing(ctx context.Context, payload []byte) error {
	const op = "Client.SendPing"
	if len(payload) > maxControlPayload {
		return newErr(KindConfiguration, op, errPingPayloadTooLarge)
	}
	if err := c.checkSendable(op); err != nil {
		return err
	}
	return c.writeFrame(ctx, op, true, false, opcodePing, payload)
}

func (c *Client) checkSendable(op string) error {
	if c.closing.Load() || c.closeSent.Load() {
		return newErr(KindUsage, op, ErrClosing)
	}
	if State(c.state.Load()) != StateOpen {
		return newErr(KindUsage, op, ErrNotOpen)
	}
	return nil
}

// writeFrame serializes one frame through the send lock, honoring ctx
// cancellation both while waiting for the lock and during the write itself
// (spec §5: a cancellation mid-write aborts the connection because frame
// boundaries on the wire may no longer be trustworthy).
func (c *Client) writeFrame(ctx context.Context, op string, fin, rsv1 bool, opcode byte, payload []byte) error {
	if err := c.acquireSendLock(ctx, op); err != nil {
		return err
	}
	defer c.sendMu.Unlock()

	err := c.runCancellable(ctx, func() error {
		return c.fw.WriteFrame(fin, rsv1, opcode, payload)
	})
	if err != nil {
		if !IsCancelled(err) {
			c.abort(err)
		} else {
			c.abortOnPartialWrite()
		}
		return err
	}
	return nil
}

func (c *Client) acquireSendLock(ctx context.Context, op string) error {
	locked := make(chan struct{})
	go func() {
		c.sendMu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
		return nil
	case <-ctx.Done():
		go func() { <-locked; c.sendMu.Unlock() }()
		return newErr(KindCancelled, op, ctx.Err())
	}
}

// abortOnPartialWrite marks the connection Aborted after a write was
// cancelled mid-flight: the wire may now hold a partial frame.
func (c *Client) abortOnPartialWrite() {
	c.state.Store(int32(StateAborted))
	go c.dispose()
}

// abort marks the connection Aborted and tears it down. Teardown runs on a
// fresh goroutine rather than inline: abort can be reached from the
// keep-alive pinger's own goroutine (a failed ping is a transport error like
// any other), and dispose joins that same goroutine via stopPinger — joining
// it from inside itself would deadlock forever, wedging sendMu along with
// it. dispose is idempotent, so whichever goroutine's CAS wins does the
// actual teardown; this one never blocks the caller.
func (c *Client) abort(err error) {
	c.state.Store(int32(StateAborted))
	c.log.Error().Err(err).Msg("aborting connection")
	go c.dispose()
}

// IsCancelled reports whether err is a *Error of KindCancelled.
func IsCancelled(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindCancelled
}

// Receive delivers the next complete application message or remote Close,
// per the pipeline in spec §4.7. The returned byte slice aliases pooled
// memory and is only valid until the next call to Receive.
func (c *Client) Receive(ctx context.Context) (MessageType, []byte, error) {
	const op = "Client.Receive"

	if State(c.state.Load()) != StateOpen && State(c.state.Load()) != StateCloseSent {
		return 0, nil, newErr(KindUsage, op, ErrNotOpen)
	}
	if !c.receiveInProgress.CompareAndSwap(false, true) {
		return 0, nil, newErr(KindUsage, op, ErrReceiveInProgress)
	}
	defer c.receiveInProgress.Store(false)

	c.dataAsm.Reset()
	c.inFragment = false
	c.fragCompressed = false

	for {
		var hdr frameHeader
		err := c.runCancellable(ctx, func() error {
			h, herr := readFrameHeader(c.conn, c.headerScratch(), c.opts.MaxMessageBytes)
			hdr = h
			return herr
		})
		if err != nil {
			if IsCancelled(err) {
				return 0, nil, err
			}
			var e *Error
			if !errors.As(err, &e) {
				err = newErr(KindTransport, op, err)
			}
			c.abort(err)
			return 0, nil, err
		}

		// rsv1 is only legal on the first frame of a data message, and only
		// when compression was negotiated (spec §3): never on a control
		// frame, never on a continuation frame.
		if hdr.RSV1 && (isControlOpcode(hdr.Opcode) || c.inFragment || !c.compression.enabled) {
			err := newErr(KindProtocol, op, ErrReservedBits)
			c.abort(err)
			return 0, nil, err
		}
		if hdr.Masked && c.opts.RejectMaskedServerFrames {
			err := newErr(KindProtocol, op, ErrMaskedServerFrame)
			c.abort(err)
			return 0, nil, err
		}

		if isControlOpcode(hdr.Opcode) {
			c.ctrlAsm.Reset()
			if err := readFramePayload(c.conn, hdr, c.readScratch, c.ctrlAsm); err != nil {
				c.abort(err)
				return 0, nil, err
			}
			mt, payload, closeResult, done, err := c.dispatchControl(ctx, hdr.Opcode, c.ctrlAsm.WrittenView())
			if err != nil {
				c.abort(err)
				return 0, nil, err
			}
			if done {
				return mt, payload, closeResult
			}
			continue
		}

		switch {
		case hdr.Opcode == opcodeContinuation && !c.inFragment:
			err := newErr(KindProtocol, op, ErrUnexpectedContinuation)
			c.abort(err)
			return 0, nil, err
		case hdr.Opcode != opcodeContinuation && c.inFragment:
			err := newErr(KindProtocol, op, ErrExpectedContinuation)
			c.abort(err)
			return 0, nil, err
		case hdr.Opcode != opcodeContinuation:
			c.inFragment = true
			c.fragCompressed = hdr.RSV1
			c.fragOpcode = hdr.Opcode
		}

		if err := readFramePayload(c.conn, hdr, c.readScratch, c.dataAsm); err != nil {
			c.abort(err)
			return 0, nil, err
		}

		if !hdr.Fin {
			continue
		}

		c.inFragment = false
		mt := opcodeToMessageType(c.fragOpcode)

		if !c.fragCompressed {
			return mt, c.dataAsm.WrittenView(), nil
		}

		out, err := c.inflater.Inflate(c.dataAsm.WrittenView(), c.compression.serverNoContextTakeover)
		if err != nil {
			c.abort(err)
			return 0, nil, err
		}
		return mt, out, nil
	}
}

// headerScratch returns the first maxFrameHeaderSize bytes of readScratch,
// which header reads can share because header and payload reads never
// overlap in time. If readScratch is smaller than a maximal header, a fresh
// buffer is allocated on each call so header reads are never truncated.
func (c *Client) headerScratch() []byte {
	if cap(c.readScratch) < maxFrameHeaderSize {
		return make([]byte, maxFrameHeaderSize)
	}
	return c.readScratch[:maxFrameHeaderSize]
}

func opcodeToMessageType(opcode byte) MessageType {
	if opcode == opcodeText {
		return TextMessage
	}
	return BinaryMessage
}

// dispatchControl implements spec §4.8. done=true means the receive loop
// should return (mt, payload, err) to the caller immediately: only a Close
// frame produces this.
func (c *Client) dispatchControl(ctx context.Context, opcode byte, payload []byte) (mt MessageType, result []byte, closeErr error, done bool, err error) {
	switch opcode {
	case opcodePing:
		if c.opts.AutoPongOnPing {
			if werr := c.writeFrame(ctx, "Client.autoPong", true, false, opcodePong, payload); werr != nil {
				return 0, nil, nil, false, werr
			}
		}
		return 0, nil, nil, false, nil

	case opcodePong:
		return 0, nil, nil, false, nil

	case opcodeClose:
		if len(payload) == 1 {
			return 0, nil, nil, false, newErr(KindProtocol, "Client.Receive", ErrInvalidCloseCode)
		}
		code, reason := parseCloseMessage(payload)
		c.closeReceived.Store(true)

		if !c.closeSent.Load() {
			echoErr := c.writeFrame(ctx, "Client.closeEcho", true, false, opcodeClose, payload)
			c.closeSent.Store(true)
			if echoErr != nil {
				return 0, nil, nil, false, echoErr
			}
		}

		c.state.Store(int32(StateClosed))
		c.dispose()
		return 0, nil, &CloseError{Code: code, Reason: reason}, true, nil

	default:
		return 0, nil, nil, false, newErr(KindProtocol, "Client.Receive", ErrInvalidOpcode)
	}
}

// CloseOutput sends a Close frame with the given code and UTF-8 reason,
// validating both per spec §7, and marks close_sent. It does not wait for
// the peer's Close or dispose the transport; call Close (or keep calling
// Receive) to complete the closing handshake.
func (c *Client) CloseOutput(ctx context.Context, code int, reason string) error {
	const op = "Client.CloseOutput"

	if err := ValidateCloseCode(code); err != nil {
		return err
	}
	if len(reason) > 123 {
		return newErr(KindConfiguration, op, ErrCloseReasonTooLong)
	}
	if c.closing.Load() {
		return newErr(KindUsage, op, ErrClosing)
	}
	if State(c.state.Load()) != StateOpen {
		return newErr(KindUsage, op, ErrNotOpen)
	}

	payload := formatCloseMessage(code, reason)
	if err := c.writeFrame(ctx, op, true, false, opcodeClose, payload); err != nil {
		return err
	}
	c.closeSent.Store(true)

	if c.closeReceived.Load() {
		c.state.Store(int32(StateClosed))
		c.dispose()
	} else {
		c.state.Store(int32(StateCloseSent))
	}
	return nil
}

// Close idempotently tears down the Client: if still Open, it first sends
// a normal-closure Close frame, then disposes the transport, pinger, and
// pooled buffers regardless of outcome.
func (c *Client) Close(ctx context.Context) error {
	if State(c.state.Load()) == StateOpen {
		_ = c.CloseOutput(ctx, CloseNormalClosure, "")
	}
	c.dispose()
	return nil
}

// dispose is idempotent: the first caller to flip the closing latch
// performs teardown, matching spec §5's single-owner disposal rule.
func (c *Client) dispose() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	c.stopPinger()

	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.dataAsm != nil {
		c.dataAsm.Release()
	}
	if c.ctrlAsm != nil {
		c.ctrlAsm.Release()
	}
	if c.inflater != nil {
		c.inflater.Release()
	}

	if State(c.state.Load()) != StateAborted {
		c.state.Store(int32(StateClosed))
	}
	c.log.Debug().Str("correlation_id", c.id).Msg("disposed")
}

// startPinger launches the keep-alive background task (spec §4.9). It is
// cooperative: cancellation via stopPinger (from dispose) is the only
// normal termination path, and its own send errors are swallowed — they
// will surface to the caller through the next Receive failure instead.
func (c *Client) startPinger() {
	ctx, cancel := context.WithCancel(context.Background())
	c.pingCancel = cancel
	c.pingDone = make(chan struct{})

	go func() {
		defer close(c.pingDone)
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.SendPing(ctx, c.opts.PingPayload); err != nil {
					c.log.Debug().Err(err).Msg("keep-alive ping failed")
				}
			}
		}
	}()
}

func (c *Client) stopPinger() {
	if c.pingCancel == nil {
		return
	}
	c.pingCancel()
	<-c.pingDone
}

// runCancellable runs fn, but if ctx is cancelled before fn returns, it
// unblocks a pending transport read/write via SetDeadline and reports
// cancellation instead of whatever I/O error that produced.
func (c *Client) runCancellable(ctx context.Context, fn func() error) error {
	if ctx.Done() == nil {
		return fn()
	}

	done := make(chan struct{})
	cancelled := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(cancelled)
			_ = c.conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	err := fn()
	close(done)

	select {
	case <-cancelled:
		// Cancellation unblocked fn via a past deadline; clear it so the
		// connection stays usable afterward (spec §5: cancelling an op must
		// not by itself close the connection).
		_ = c.conn.SetDeadline(time.Time{})
		if err != nil {
			return newErr(KindCancelled, "Client", ctx.Err())
		}
	default:
	}
	return err
}
