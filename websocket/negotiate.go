package websocket

import (
	"net/http"
	"strconv"
	"strings"
)

// extensionOffer is one RFC 6455 §9.1 extension name/params pair parsed from
// a Sec-WebSocket-Extensions header; the client's outbound offer is rendered
// directly as a string by renderCompressionOffer.
type extensionOffer struct {
	name   string
	params map[string]string
}

// parseExtensions parses every Sec-WebSocket-Extensions header value per
// RFC 6455 §9.1.
func parseExtensions(header http.Header) []extensionOffer {
	var out []extensionOffer
	for _, h := range header.Values("Sec-WebSocket-Extensions") {
		for _, item := range strings.Split(h, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			parts := strings.Split(item, ";")
			e := extensionOffer{
				name:   strings.TrimSpace(parts[0]),
				params: make(map[string]string),
			}
			for _, param := range parts[1:] {
				param = strings.TrimSpace(param)
				if idx := strings.Index(param, "="); idx >= 0 {
					e.params[strings.TrimSpace(param[:idx])] = strings.Trim(strings.TrimSpace(param[idx+1:]), `"`)
				} else {
					e.params[param] = ""
				}
			}
			out = append(out, e)
		}
	}
	return out
}

// renderCompressionOffer builds the Sec-WebSocket-Extensions request header
// value for permessage-deflate from Options, or "" if compression is disabled.
func renderCompressionOffer(o Options) string {
	if !o.EnableCompression {
		return ""
	}
	parts := []string{"permessage-deflate"}
	if !o.ClientContextTakeover {
		parts = append(parts, "client_no_context_takeover")
	}
	if !o.ServerContextTakeover {
		parts = append(parts, "server_no_context_takeover")
	}
	if o.ClientMaxWindowBits != 0 {
		parts = append(parts, "client_max_window_bits="+strconv.Itoa(o.ClientMaxWindowBits))
	}
	if o.ServerMaxWindowBits != 0 {
		parts = append(parts, "server_max_window_bits="+strconv.Itoa(o.ServerMaxWindowBits))
	}
	return strings.Join(parts, "; ")
}

// negotiatedCompression is what the handshake learns from the server's
// response, used to drive the Inflater/compression path on the connection.
type negotiatedCompression struct {
	enabled                 bool
	clientNoContextTakeover bool
	serverNoContextTakeover bool
}

// parseCompressionResponse reads the server's selected permessage-deflate
// parameters, or reports enabled=false if the server didn't select the
// extension at all. It never reports client_max_window_bits/
// server_max_window_bits back to the caller: this client only needs to know
// whether history must be reset between messages, since the Inflater
// windows itself to whatever the server's compressor actually emitted.
func parseCompressionResponse(header http.Header) (negotiatedCompression, error) {
	var nc negotiatedCompression
	for _, ext := range parseExtensions(header) {
		if ext.name != "permessage-deflate" {
			return nc, newErr(KindProtocol, "parseCompressionResponse", ErrExtensionNotOffered)
		}
		nc.enabled = true
		if _, ok := ext.params["client_no_context_takeover"]; ok {
			nc.clientNoContextTakeover = true
		}
		if _, ok := ext.params["server_no_context_takeover"]; ok {
			nc.serverNoContextTakeover = true
		}
	}
	return nc, nil
}
