package websocket

import (
	"bytes"
	"io"

	kflate "github.com/klauspost/compress/flate"
	sflate "compress/flate"
)

// trailer is the four bytes RFC 7692 §7.2.2 requires appending to every
// inbound compressed message before inflation.
var trailer = [4]byte{0x00, 0x00, 0xff, 0xff}

// inflateBackend is the narrow interface the Inflater drives. spec.md §4.4
// describes this as a dynamically loaded native library binding four
// symbols (init/step/reset/end); spec.md §9 explicitly sanctions
// substituting a pure-language decoder behind the same narrow interface, so
// here it is satisfied by klauspost/compress/flate (preferred) or the
// standard library's compress/flate (fallback), selected at init() the way
// a native loader would try candidate shared-library names in order.
type inflateBackend interface {
	io.Reader
	// Reset rewinds the decoder to read from r. dict may be nil.
	Reset(r io.Reader, dict []byte) error
}

type backendFactory func(io.Reader) inflateBackend

var backendCandidates = []struct {
	name string
	new  backendFactory
}{
	{"klauspost/compress/flate", func(r io.Reader) inflateBackend { return kflate.NewReader(r).(inflateBackend) }},
	{"compress/flate", func(r io.Reader) inflateBackend { return sflate.NewReader(r).(inflateBackend) }},
}

var (
	compressionAvailable bool
	compressionBackend   backendFactory
	compressionBackendOf string
)

func init() {
	for _, c := range backendCandidates {
		if selfCheck(c.new) {
			compressionAvailable = true
			compressionBackend = c.new
			compressionBackendOf = c.name
			return
		}
	}
}

// selfCheck inflates a known small deflate stream and verifies the output,
// the Go-native analogue of spec.md §4.4's "one-shot init/end self-check".
func selfCheck(newBackend backendFactory) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	const want = "permessage-deflate self-check"
	var compressed bytes.Buffer
	w, err := sflate.NewWriter(&compressed, sflate.DefaultCompression)
	if err != nil {
		return false
	}
	if _, err := w.Write([]byte(want)); err != nil {
		return false
	}
	if err := w.Close(); err != nil {
		return false
	}

	r := newBackend(bytes.NewReader(compressed.Bytes()))
	got, err := io.ReadAll(r)
	if err != nil {
		return false
	}
	return string(got) == want
}

// Inflater wraps a streaming raw-DEFLATE decoder plus a growable output
// buffer, producing a contiguous decompressed view of one WebSocket message
// at a time (spec.md §4.4).
type Inflater struct {
	backend    inflateBackend
	out        *PooledBuffer
	haveReader bool
	// history holds up to 32KB of trailing decompressed bytes from the
	// previous message, passed as the Reset dictionary to emulate
	// context-takeover window continuity across messages (see Inflate).
	history []byte
	// drain is a reusable scratch buffer Inflate reads backend output
	// through; kept on the Inflater so decoding a message never allocates
	// one itself.
	drain []byte
}

// NewInflater creates an Inflater. It panics if compression is unavailable;
// callers must check Options.Validate (which fails CompressionUnavailable-kind
// before Connect ever reaches here) first.
func NewInflater(outputInitialCapacity int) *Inflater {
	if !compressionAvailable {
		panic("websocket: NewInflater called without an available deflate backend")
	}
	return &Inflater{out: NewPooledBuffer(outputInitialCapacity)}
}

// Release returns the Inflater's output buffer to the pool.
func (inf *Inflater) Release() {
	inf.out.Release()
}

// messageByteReader lets the Inflater feed a []byte, then the RFC 7692
// trailer, as two sequential reads without any extra allocation.
type messageByteReader struct {
	msg     []byte
	pos     int
	trailer [4]byte
	trPos   int
}

func (r *messageByteReader) Read(p []byte) (int, error) {
	if r.pos < len(r.msg) {
		n := copy(p, r.msg[r.pos:])
		r.pos += n
		return n, nil
	}
	if r.trPos < len(r.trailer) {
		n := copy(p, r.trailer[r.trPos:])
		r.trPos += n
		return n, nil
	}
	return 0, io.EOF
}

// Inflate decompresses one compressed WebSocket message. noContextTakeover
// resets the decoder's window before decoding, per RFC 7692 when
// server_no_context_takeover was negotiated. The returned slice aliases the
// Inflater's output buffer and is valid until the next call to Inflate.
func (inf *Inflater) Inflate(message []byte, noContextTakeover bool) ([]byte, error) {
	src := &messageByteReader{msg: message, trailer: trailer}

	var dict []byte
	if !noContextTakeover {
		dict = inf.history
	}

	if !inf.haveReader {
		inf.backend = compressionBackend(src)
		inf.haveReader = true
		if len(dict) > 0 {
			if err := inf.backend.Reset(src, dict); err != nil {
				return nil, newErr(KindProtocol, "Inflater.Inflate", err)
			}
		}
	} else if err := inf.backend.Reset(src, dict); err != nil {
		return nil, newErr(KindProtocol, "Inflater.Inflate", err)
	}

	inf.out.buf = inf.out.buf[:0]
	if inf.drain == nil {
		inf.drain = make([]byte, 4096)
	}
	chunk := inf.drain
	for {
		n, err := inf.backend.Read(chunk)
		if n > 0 {
			inf.out.grow(n)
			inf.out.buf = append(inf.out.buf, chunk[:n]...)
		}
		// A message the server ended with a sync flush rather than a final
		// block has no end-of-stream marker; once the re-appended trailer is
		// consumed the decoder reports ErrUnexpectedEOF after its last output.
		if err == io.EOF || (err == io.ErrUnexpectedEOF && src.trPos == len(src.trailer)) {
			break
		}
		if err != nil {
			return nil, newErr(KindProtocol, "Inflater.Inflate", err)
		}
	}

	if noContextTakeover {
		inf.history = inf.history[:0]
	} else {
		inf.history = appendWindow(inf.history, inf.out.buf)
	}

	return inf.out.buf, nil
}

// appendWindow keeps at most the last 32KB of decompressed bytes, the
// largest window permessage-deflate can reference (RFC 7692 §7.1.2.1).
func appendWindow(history, latest []byte) []byte {
	const maxWindow = 32 * 1024
	history = append(history, latest...)
	if len(history) > maxWindow {
		history = append(history[:0:0], history[len(history)-maxWindow:]...)
	}
	return history
}
