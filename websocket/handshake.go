package websocket

import (
	"bufio"
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

const (
	websocketGUID    = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	websocketVersion = "13"
)

// proxyConfig describes an HTTP CONNECT proxy the handshake should tunnel
// through before the TCP/TLS dial, mirroring Options' ProxyHost/ProxyPort/
// ProxyUser/ProxyPassword.
type proxyConfig struct {
	host, user, password string
	port                 int
}

func proxyFromOptions(o Options) *proxyConfig {
	if o.ProxyHost == "" {
		return nil
	}
	return &proxyConfig{host: o.ProxyHost, port: o.ProxyPort, user: o.ProxyUser, password: o.ProxyPassword}
}

// handshakeResult is everything Connect needs out of a successful opening
// handshake: the live transport plus what the server agreed to.
type handshakeResult struct {
	conn        net.Conn
	compression negotiatedCompression
}

// performHandshake dials target (a ws:// or wss:// URL), optionally through
// an HTTP CONNECT proxy, optionally under TLS, and runs the client-side
// RFC 6455 §4.1 opening handshake followed by RFC 7692 extension
// negotiation. Unlike the teacher's Dialer, this drives a raw net.Conn
// directly instead of routing through net/http's client/transport, since
// the client never needs anything else net/http provides.
func performHandshake(ctx context.Context, target string, o Options) (*handshakeResult, error) {
	const op = "performHandshake"

	u, err := url.Parse(target)
	if err != nil {
		return nil, newErr(KindConfiguration, op, err)
	}

	var useTLS bool
	switch u.Scheme {
	case "ws":
		useTLS = false
	case "wss":
		useTLS = true
	default:
		return nil, newErr(KindConfiguration, op, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, newErr(KindConfiguration, op, fmt.Errorf("empty host"))
	}

	asciiHost, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil {
		return nil, newErr(KindConfiguration, op, fmt.Errorf("invalid host %q: %w", u.Hostname(), err))
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(asciiHost, port)
	} else {
		u.Host = asciiHost
	}

	hostPort := hostPortFromURL(u, useTLS)

	conn, err := dialTransport(ctx, hostPort, proxyFromOptions(o))
	if err != nil {
		return nil, newErr(KindTransport, op, err)
	}

	if useTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: u.Hostname()})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, newErr(KindTransport, op, err)
		}
		conn = tlsConn
	}

	compression, err := doUpgrade(conn, u, o)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &handshakeResult{conn: conn, compression: compression}, nil
}

// dialTransport opens the raw TCP connection, through proxy's CONNECT
// tunnel first if set.
func dialTransport(ctx context.Context, hostPort string, proxy *proxyConfig) (net.Conn, error) {
	var d net.Dialer
	if proxy == nil {
		return d.DialContext(ctx, "tcp", hostPort)
	}

	proxyHostPort := net.JoinHostPort(proxy.host, portOrDefault(proxy.port, 80))
	conn, err := d.DialContext(ctx, "tcp", proxyHostPort)
	if err != nil {
		return nil, err
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: hostPort},
		Host:   hostPort,
		Header: make(http.Header),
	}
	connectReq.Header.Set("Proxy-Connection", "Keep-Alive")
	if proxy.user != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.user + ":" + proxy.password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+auth)
	}
	if err := connectReq.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, newErr(KindTransport, "dialTransport", ErrBadProxyResponse)
	}
	return conn, nil
}

// doUpgrade writes the RFC 6455 §4.1 request and validates the response,
// returning what RFC 7692 extension the server selected.
func doUpgrade(conn net.Conn, u *url.URL, o Options) (negotiatedCompression, error) {
	const op = "doUpgrade"

	challengeKey, err := generateChallengeKey()
	if err != nil {
		return negotiatedCompression{}, newErr(KindTransport, op, err)
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: requestPath(u)},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", challengeKey)
	req.Header.Set("Sec-WebSocket-Version", websocketVersion)
	if offer := renderCompressionOffer(o); offer != "" {
		req.Header.Set("Sec-WebSocket-Extensions", offer)
	}

	if err := req.Write(conn); err != nil {
		return negotiatedCompression{}, newErr(KindTransport, op, err)
	}

	br := bufio.NewReaderSize(conn, o.WithDefaults().HandshakeBufferSize)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return negotiatedCompression{}, newErr(KindTransport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return negotiatedCompression{}, newErr(KindProtocol, op, ErrBadHandshake)
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return negotiatedCompression{}, newErr(KindProtocol, op, ErrBadHandshake)
	}
	if !headerContainsToken(resp.Header.Get("Connection"), "upgrade") {
		return negotiatedCompression{}, newErr(KindProtocol, op, ErrBadHandshake)
	}

	expected := computeAcceptKey(challengeKey)
	got := resp.Header.Get("Sec-WebSocket-Accept")
	if len(got) != len(expected) || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return negotiatedCompression{}, newErr(KindProtocol, op, ErrBadHandshake)
	}

	if !o.EnableCompression {
		if len(resp.Header.Values("Sec-WebSocket-Extensions")) > 0 {
			return negotiatedCompression{}, newErr(KindProtocol, op, ErrExtensionNotOffered)
		}
		return negotiatedCompression{}, nil
	}

	return parseCompressionResponse(resp.Header)
}

// generateChallengeKey returns a base64-encoded 16-byte random value
// (RFC 6455 §4.1).
func generateChallengeKey() (string, error) {
	var key [16]byte
	if _, err := io.ReadFull(randReader, key[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// computeAcceptKey computes Sec-WebSocket-Accept (RFC 6455 §4.2.2 item 5.4).
func computeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// headerContainsToken reports whether value is a comma-separated header
// field (e.g. "Connection: keep-alive, Upgrade") containing token,
// case-insensitively, per spec §4.6 step 8 ("Connection contains Upgrade"
// rather than "Connection equals Upgrade").
func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func requestPath(u *url.URL) string {
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func hostPortFromURL(u *url.URL, useTLS bool) string {
	if u.Port() != "" {
		return u.Host
	}
	if useTLS {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func portOrDefault(port int, def int) string {
	if port <= 0 {
		port = def
	}
	return fmt.Sprintf("%d", port)
}
