package h1

import (
	"io"
	"strconv"
	"strings"
	"sync"
)

var (
	statusLine200 = []byte("HTTP/1.1 200 OK\r\n")
	headerSep     = []byte(": ")
	crlf          = []byte("\r\n")

	// Buffer pool for response assembly
	responseBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 16384)
			return &b
		},
	}
)

// Response is a complete HTTP/1.1 response message. It is built by a handler,
// decorated by the session and written in a single call.
type Response struct {
	Status  int
	Headers [][2]string
	Body    []byte
}

// NewResponse creates a response with the given status and no headers.
func NewResponse(status int) *Response {
	return &Response{Status: status}
}

// ErrorResponse creates the small HTML error page sent for every non-2xx status.
func ErrorResponse(status int) *Response {
	text := strconv.Itoa(status) + " " + StatusText(status)
	r := NewResponse(status)
	r.SetHeader("Content-Type", "text/html; charset=utf-8")
	r.Body = []byte("<html><body><h1>" + text + "</h1></body></html>")
	return r
}

// SetHeader replaces the named header, or appends it when absent.
func (r *Response) SetHeader(name, value string) {
	for i := range r.Headers {
		if strings.EqualFold(r.Headers[i][0], name) {
			r.Headers[i][1] = value
			return
		}
	}
	r.Headers = append(r.Headers, [2]string{name, value})
}

// Header returns the value of the named header, or "".
func (r *Response) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// DelHeader removes the named header.
func (r *Response) DelHeader(name string) {
	out := r.Headers[:0]
	for _, h := range r.Headers {
		if !strings.EqualFold(h[0], name) {
			out = append(out, h)
		}
	}
	r.Headers = out
}

// AppendTo appends the wire form of the response to buf. Content-Length is
// always derived from Body; a caller-supplied value is ignored.
func (r *Response) AppendTo(buf []byte) []byte {
	if r.Status == 200 {
		buf = append(buf, statusLine200...)
	} else {
		buf = append(buf, "HTTP/1.1 "...)
		buf = strconv.AppendInt(buf, int64(r.Status), 10)
		buf = append(buf, ' ')
		buf = append(buf, StatusText(r.Status)...)
		buf = append(buf, crlf...)
	}

	for _, h := range r.Headers {
		if strings.EqualFold(h[0], "Content-Length") {
			continue
		}
		buf = append(buf, h[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}
	buf = append(buf, "Content-Length: "...)
	buf = strconv.AppendInt(buf, int64(len(r.Body)), 10)
	buf = append(buf, crlf...)

	buf = append(buf, crlf...)
	return append(buf, r.Body...)
}

// WriteTo assembles the whole response in one buffer and writes it with a
// single call, so a reader never observes headers without their body.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	bufPtr := responseBufferPool.Get().(*[]byte)
	buf := r.AppendTo((*bufPtr)[:0])
	n, err := w.Write(buf)
	// Oversized buffers are left to the GC.
	if cap(buf) <= 1<<20 {
		*bufPtr = buf[:0]
		responseBufferPool.Put(bufPtr)
	}
	return int64(n), err
}

// StatusText returns the reason phrase for the status codes wharf produces.
func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 415:
		return "Unsupported Media Type"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
