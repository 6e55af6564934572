package proxy

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/sharpeye/fastproxy/internal/headers"
	"github.com/sharpeye/fastproxy/internal/helpers"
)

// maxHeadSize caps the request head (request line plus headers). Anything
// larger is a client-protocol error.
const maxHeadSize = 16 * 1024

const defaultHTTPPort = 80

var (
	errHeadTooLarge  = errors.New("request head too large")
	errMalformedHead = errors.New("malformed request head")
	errMissingHost   = errors.New("no host in request")
)

var crlf = []byte("\r\n")

// requestHead is a parsed request line plus its raw header lines.
//
// headerLines alias the session's parse buffer; they are only valid until
// the head has been forwarded and the buffer returned to the pool.
type requestHead struct {
	method  string
	target  string // as sent by the client
	version string // "HTTP/1.1"

	host string
	port uint16
	// originTarget is the path?query form forwarded to the origin.
	originTarget string

	headerLines [][]byte // raw lines including trailing CRLF
}

// parseRequestHead parses the head bytes (everything up to and including
// the CRLFCRLF terminator).
func parseRequestHead(head []byte) (*requestHead, error) {
	eol := bytes.Index(head, crlf)
	if eol < 0 {
		return nil, errMalformedHead
	}

	h := &requestHead{}
	if err := h.parseRequestLine(string(head[:eol])); err != nil {
		return nil, err
	}

	rest := head[eol+2:]
	for len(rest) > 0 {
		eol := bytes.Index(rest, crlf)
		if eol < 0 {
			return nil, errMalformedHead
		}
		line := rest[:eol+2]
		rest = rest[eol+2:]
		if headers.EmptyLine(line) {
			break
		}
		if bytes.IndexByte(line, ':') < 0 {
			return nil, errMalformedHead
		}
		h.headerLines = append(h.headerLines, line)
	}

	if h.host == "" {
		// Origin-form target: the Host header names the origin.
		hostLine, ok := h.findHeader("Host")
		if !ok {
			return nil, errMissingHost
		}
		if err := h.setHostPort(hostLine); err != nil {
			return nil, err
		}
	}

	return h, nil
}

func (h *requestHead) parseRequestLine(line string) error {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return errMalformedHead
	}
	h.method = parts[0]
	h.target = parts[1]
	h.version = parts[2]
	if !strings.HasPrefix(h.version, "HTTP/") {
		return errMalformedHead
	}

	if hostport, origin, ok := splitAbsoluteURI(h.target); ok {
		if err := h.setHostPort(hostport); err != nil {
			return err
		}
		h.originTarget = origin
	} else {
		h.originTarget = h.target
	}
	return nil
}

// splitAbsoluteURI splits an absolute-form http target into its host:port
// authority and origin-form remainder.
func splitAbsoluteURI(target string) (hostport, origin string, ok bool) {
	const scheme = "http://"
	if len(target) <= len(scheme) || !strings.EqualFold(target[:len(scheme)], scheme) {
		return "", "", false
	}
	rest := target[len(scheme):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return rest, "/", true
	}
	return rest[:slash], rest[slash:], true
}

// setHostPort fills host and port from a "host" or "host:port" authority.
// The port defaults to 80.
func (h *requestHead) setHostPort(hostport string) error {
	host := hostport
	port := defaultHTTPPort
	if colon := strings.LastIndexByte(hostport, ':'); colon >= 0 {
		host = hostport[:colon]
		p, err := strconv.Atoi(hostport[colon+1:])
		if err != nil || p < 1 || p > 65535 {
			return errMalformedHead
		}
		port = p
	}
	if host == "" {
		return errMissingHost
	}
	h.host = host
	h.port = helpers.ClampIntToUint16(port)
	return nil
}

// findHeader returns the value of the named header, using the sieve
// ordering so lookup semantics match forwarding semantics.
func (h *requestHead) findHeader(name string) (string, bool) {
	for _, line := range h.headerLines {
		if headers.Compare([]byte(name), line) == 0 {
			colon := bytes.IndexByte(line, ':')
			value := strings.Trim(string(line[colon+1:]), " \t\r\n")
			return value, true
		}
	}
	return "", false
}

// originHead renders the head forwarded to the origin: the request line
// rewritten to origin-form, each header filtered through the sieve, and the
// CRLFCRLF terminator.
func (h *requestHead) originHead(sieve *headers.Sieve) []byte {
	var buf bytes.Buffer
	buf.Grow(len(h.method) + len(h.originTarget) + len(h.version) + 4)
	buf.WriteString(h.method)
	buf.WriteByte(' ')
	buf.WriteString(h.originTarget)
	buf.WriteByte(' ')
	buf.WriteString(h.version)
	buf.Write(crlf)

	for _, line := range h.headerLines {
		if out, ok := sieve.Apply(line); ok {
			buf.Write(out)
		}
	}
	buf.Write(crlf)
	return buf.Bytes()
}
