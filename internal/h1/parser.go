// Package h1 provides the HTTP/1.1 request parser and response encoder used by
// wharf connection sessions.
package h1

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Parse errors. Every error returned by ParseRequest wraps ErrMalformed so a
// caller only needs a single errors.Is check to answer 400.
var (
	ErrMalformed               = errors.New("malformed request")
	ErrHeaderTooLarge          = fmt.Errorf("%w: header section too large", ErrMalformed)
	ErrBodyTooLarge            = fmt.Errorf("%w: body too large", ErrMalformed)
	ErrUnsupportedVersion      = fmt.Errorf("%w: unsupported HTTP version", ErrMalformed)
	ErrTransferEncodingRefused = fmt.Errorf("%w: transfer-encoding not supported", ErrMalformed)
)

const (
	defaultMaxHeaderBytes = 64 << 10
	defaultMaxBodyBytes   = 10 << 20
)

// Request represents a parsed HTTP/1.1 request.
// It is not modified after ParseRequest returns it.
type Request struct {
	Method   string
	Path     string // percent-decoded, without the query
	RawQuery string
	Version  string
	// Headers maps lower-cased field names to values. A repeated field keeps
	// the last value received.
	Headers       map[string]string
	Body          []byte
	ContentLength int64
	// KeepAlive reports whether the client allows the connection to be reused
	// after this request, per its version and Connection header.
	KeepAlive bool
}

// Header returns the value of the named header, ignoring case.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// HasHeader reports whether the named header was sent at all.
func (r *Request) HasHeader(name string) bool {
	_, ok := r.Headers[strings.ToLower(name)]
	return ok
}

// Parser incrementally parses one request out of a growing buffer.
type Parser struct {
	buf []byte
	pos int

	maxHeaderBytes int
	maxBodyBytes   int64
}

// NewParser creates a parser enforcing the given size limits.
// Non-positive limits fall back to 64 KiB of headers and 10 MiB of body.
func NewParser(maxHeaderBytes int, maxBodyBytes int64) *Parser {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = defaultMaxHeaderBytes
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Parser{maxHeaderBytes: maxHeaderBytes, maxBodyBytes: maxBodyBytes}
}

// Reset points the parser at new buffer data.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.pos = 0
}

// ParseRequest parses a complete request (line, headers and body) from the
// buffer. It returns the number of bytes consumed, or 0 with a nil error when
// more data is needed.
func (p *Parser) ParseRequest(req *Request) (int, error) {
	*req = Request{}

	// Tolerate stray CRLFs between requests.
	for bytes.HasPrefix(p.buf[p.pos:], crlf) {
		p.pos += len(crlf)
	}

	headerEnd := bytes.Index(p.buf[p.pos:], []byte("\r\n\r\n"))
	if headerEnd == -1 {
		if len(p.buf)-p.pos > p.maxHeaderBytes {
			return 0, ErrHeaderTooLarge
		}
		return 0, nil
	}
	if headerEnd > p.maxHeaderBytes {
		return 0, ErrHeaderTooLarge
	}

	if err := p.parseRequestLine(req); err != nil {
		return 0, err
	}

	req.Headers = make(map[string]string, 8)
	if err := p.parseHeaders(req); err != nil {
		return 0, err
	}
	req.KeepAlive = keepAlive(req)

	if req.ContentLength > 0 {
		if req.ContentLength > p.maxBodyBytes {
			return 0, ErrBodyTooLarge
		}
		if int64(len(p.buf)-p.pos) < req.ContentLength {
			return 0, nil
		}
		body := make([]byte, req.ContentLength)
		copy(body, p.buf[p.pos:p.pos+int(req.ContentLength)])
		req.Body = body
		p.pos += int(req.ContentLength)
	}
	return p.pos, nil
}

// parseRequestLine parses METHOD SP TARGET SP VERSION CRLF, advancing p.pos.
// The caller guarantees the header block is complete.
func (p *Parser) parseRequestLine(req *Request) error {
	lineEnd := bytes.Index(p.buf[p.pos:], crlf)
	line := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + len(crlf)

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return fmt.Errorf("%w: invalid request line", ErrMalformed)
	}

	method := string(parts[0])
	if !httpguts.ValidHeaderFieldName(method) {
		return fmt.Errorf("%w: invalid method %q", ErrMalformed, method)
	}
	req.Method = method

	target := string(parts[1])
	if !strings.HasPrefix(target, "/") {
		return fmt.Errorf("%w: request target must be origin-form", ErrMalformed)
	}
	rawPath, rawQuery, _ := strings.Cut(target, "?")
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return fmt.Errorf("%w: invalid path escape: %v", ErrMalformed, err)
	}
	if strings.IndexByte(path, 0) != -1 {
		return fmt.Errorf("%w: NUL in path", ErrMalformed)
	}
	req.Path = path
	req.RawQuery = rawQuery

	switch version := string(parts[2]); version {
	case "HTTP/1.1", "HTTP/1.0":
		req.Version = version
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	return nil
}

// parseHeaders parses header lines up to and including the empty line.
func (p *Parser) parseHeaders(req *Request) error {
	for {
		lineEnd := bytes.Index(p.buf[p.pos:], crlf)
		line := p.buf[p.pos : p.pos+lineEnd]
		p.pos += lineEnd + len(crlf)
		if len(line) == 0 {
			return nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return fmt.Errorf("%w: obsolete header folding", ErrMalformed)
		}
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx == -1 {
			return fmt.Errorf("%w: invalid header line", ErrMalformed)
		}
		name := string(line[:colonIdx])
		value := string(bytes.TrimSpace(line[colonIdx+1:]))
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("%w: invalid header name %q", ErrMalformed, name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return fmt.Errorf("%w: invalid value for header %q", ErrMalformed, name)
		}
		if err := appendHeader(req, strings.ToLower(name), value); err != nil {
			return err
		}
	}
}

// appendHeader stores a single header, tracking the fields the parser needs.
func appendHeader(req *Request, name, value string) error {
	switch name {
	case "content-length":
		if !isDigits(value) {
			return fmt.Errorf("%w: invalid content-length %q", ErrMalformed, value)
		}
		cl, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid content-length %q", ErrMalformed, value)
		}
		req.ContentLength = cl
	case "transfer-encoding":
		return ErrTransferEncodingRefused
	}
	req.Headers[name] = value
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// keepAlive applies the HTTP/1.x persistence defaults: 1.1 stays open unless
// the client sends "close", 1.0 closes unless it asks for "keep-alive".
func keepAlive(req *Request) bool {
	conn, ok := req.Headers["connection"]
	values := []string{conn}
	if req.Version == "HTTP/1.0" {
		return ok && httpguts.HeaderValuesContainsToken(values, "keep-alive")
	}
	return !ok || !httpguts.HeaderValuesContainsToken(values, "close")
}
