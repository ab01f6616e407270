package h1

import (
	"errors"
	"strings"
	"testing"
)

func parse(t *testing.T, raw string) (*Request, int, error) {
	t.Helper()
	p := NewParser(0, 0)
	p.Reset([]byte(raw))
	req := &Request{}
	n, err := p.ParseRequest(req)
	return req, n, err
}

func TestParseRequest_Get(t *testing.T) {
	raw := "GET /index.html?x=1 HTTP/1.1\r\nHost: 127.0.0.1:8080\r\nUser-Agent: test\r\n\r\n"
	req, n, err := parse(t, raw)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if n != len(raw) {
		t.Errorf("Expected %d bytes consumed, got %d", len(raw), n)
	}
	if req.Method != "GET" {
		t.Errorf("Expected method GET, got %s", req.Method)
	}
	if req.Path != "/index.html" {
		t.Errorf("Expected path /index.html, got %s", req.Path)
	}
	if req.RawQuery != "x=1" {
		t.Errorf("Expected query x=1, got %s", req.RawQuery)
	}
	if req.Version != "HTTP/1.1" {
		t.Errorf("Expected version HTTP/1.1, got %s", req.Version)
	}
	if req.Header("HOST") != "127.0.0.1:8080" {
		t.Errorf("Expected host header, got %q", req.Header("host"))
	}
	if !req.KeepAlive {
		t.Error("Expected HTTP/1.1 request to be keep-alive by default")
	}
}

func TestParseRequest_PostBody(t *testing.T) {
	raw := "POST /upload HTTP/1.1\r\nHost: h\r\nContent-Type: application/json\r\nContent-Length: 7\r\n\r\n{\"a\":1}"
	req, n, err := parse(t, raw)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if n != len(raw) {
		t.Errorf("Expected %d bytes consumed, got %d", len(raw), n)
	}
	if string(req.Body) != `{"a":1}` {
		t.Errorf("Expected body {\"a\":1}, got %q", req.Body)
	}
	if req.ContentLength != 7 {
		t.Errorf("Expected content length 7, got %d", req.ContentLength)
	}
}

func TestParseRequest_Incomplete(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"partial line", "GET / HT"},
		{"no blank line", "GET / HTTP/1.1\r\nHost: h\r\n"},
		{"short body", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 10\r\n\r\n12345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n, err := parse(t, tt.raw)
			if err != nil {
				t.Errorf("Expected no error for incomplete input, got %v", err)
			}
			if n != 0 {
				t.Errorf("Expected 0 bytes consumed, got %d", n)
			}
		})
	}
}

func TestParseRequest_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"two part request line", "GET /\r\nHost: h\r\n\r\n"},
		{"bad version", "GET / HTTP/2.0\r\nHost: h\r\n\r\n"},
		{"absolute target", "GET http://x/ HTTP/1.1\r\nHost: h\r\n\r\n"},
		{"bad escape", "GET /%zz HTTP/1.1\r\nHost: h\r\n\r\n"},
		{"NUL in path", "GET /a%00b HTTP/1.1\r\nHost: h\r\n\r\n"},
		{"method with separator", "GE(T / HTTP/1.1\r\nHost: h\r\n\r\n"},
		{"header without colon", "GET / HTTP/1.1\r\nHost h\r\n\r\n"},
		{"header with space in name", "GET / HTTP/1.1\r\nBad Name: v\r\n\r\n"},
		{"folded header", "GET / HTTP/1.1\r\nHost: h\r\n folded\r\n\r\n"},
		{"negative content length", "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n"},
		{"signed content length", "POST / HTTP/1.1\r\nContent-Length: +5\r\n\r\nhello"},
		{"empty content length", "POST / HTTP/1.1\r\nContent-Length: \r\n\r\n"},
		{"hex content length", "POST / HTTP/1.1\r\nContent-Length: 0x5\r\n\r\nhello"},
		{"overflowing content length", "POST / HTTP/1.1\r\nContent-Length: 99999999999999999999\r\n\r\n"},
		{"chunked", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parse(t, tt.raw)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParseRequest_Limits(t *testing.T) {
	p := NewParser(64, 4)

	p.Reset([]byte("GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 128)))
	if _, err := p.ParseRequest(&Request{}); !errors.Is(err, ErrHeaderTooLarge) {
		t.Errorf("Expected ErrHeaderTooLarge, got %v", err)
	}

	p.Reset([]byte("POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"))
	if _, err := p.ParseRequest(&Request{}); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("Expected ErrBodyTooLarge, got %v", err)
	}
}

func TestParseRequest_DecodesPath(t *testing.T) {
	req, _, err := parse(t, "GET /%2e%2e/secret HTTP/1.1\r\nHost: h\r\n\r\n")
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.Path != "/../secret" {
		t.Errorf("Expected decoded path /../secret, got %s", req.Path)
	}
}

func TestParseRequest_DuplicateHeaderLastWins(t *testing.T) {
	req, _, err := parse(t, "GET / HTTP/1.1\r\nX-Tag: one\r\nx-tag: two\r\n\r\n")
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if got := req.Header("X-Tag"); got != "two" {
		t.Errorf("Expected last value to win, got %q", got)
	}
}

func TestParseRequest_KeepAlive(t *testing.T) {
	tests := []struct {
		name    string
		version string
		conn    string
		want    bool
	}{
		{"1.1 default", "HTTP/1.1", "", true},
		{"1.1 close", "HTTP/1.1", "close", false},
		{"1.1 close mixed case", "HTTP/1.1", "Close", false},
		{"1.0 default", "HTTP/1.0", "", false},
		{"1.0 keep-alive", "HTTP/1.0", "Keep-Alive", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := "GET / " + tt.version + "\r\nHost: h\r\n"
			if tt.conn != "" {
				raw += "Connection: " + tt.conn + "\r\n"
			}
			req, _, err := parse(t, raw+"\r\n")
			if err != nil {
				t.Fatalf("ParseRequest() error = %v", err)
			}
			if req.KeepAlive != tt.want {
				t.Errorf("Expected KeepAlive %v, got %v", tt.want, req.KeepAlive)
			}
		})
	}
}

func TestParseRequest_LeadingCRLF(t *testing.T) {
	raw := "\r\n\r\nGET / HTTP/1.1\r\nHost: h\r\n\r\n"
	req, n, err := parse(t, raw)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if n != len(raw) || req.Method != "GET" {
		t.Errorf("Expected full parse of GET, got n=%d method=%q", n, req.Method)
	}
}

func TestParseRequest_LeavesNextRequest(t *testing.T) {
	first := "GET /a HTTP/1.1\r\nHost: h\r\n\r\n"
	raw := first + "GET /b HTTP/1.1\r\nHost: h\r\n\r\n"
	_, n, err := parse(t, raw)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if n != len(first) {
		t.Errorf("Expected only the first request consumed (%d), got %d", len(first), n)
	}
}

// FuzzParseRequest verifies the parser never panics and never reports a
// consumed length past the end of its input.
func FuzzParseRequest(f *testing.F) {
	f.Add([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	f.Add([]byte("POST /api HTTP/1.1\r\nHost: localhost\r\nContent-Type: application/json\r\nContent-Length: 2\r\n\r\n{}"))
	f.Add([]byte("GET /path?query=value HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"))
	f.Add([]byte("GET /path\r\n"))
	f.Add([]byte("\r\n"))
	f.Add([]byte(""))

	f.Fuzz(func(t *testing.T, data []byte) {
		p := NewParser(0, 0)
		p.Reset(data)
		req := &Request{}

		n, err := p.ParseRequest(req)
		if n > len(data) {
			t.Errorf("Consumed %d bytes of %d", n, len(data))
		}
		if err == nil && n > 0 {
			if req.Version != "HTTP/1.1" && req.Version != "HTTP/1.0" {
				t.Errorf("Invalid version accepted: %q", req.Version)
			}
			if !strings.HasPrefix(req.Path, "/") {
				t.Errorf("Path without leading slash accepted: %q", req.Path)
			}
		}
	})
}
