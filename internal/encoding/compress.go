// Package encoding compresses response bodies with brotli or gzip when the
// client advertises support for them.
package encoding

import (
	"bytes"
	"strings"

	"github.com/FumingPower3925/wharf/internal/h1"
	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// Config holds the compression settings.
type Config struct {
	// Level is the compression level (1-9 for gzip, 0-11 for brotli).
	Level int
	// MinSize is the smallest body worth compressing.
	MinSize int
}

// DefaultConfig returns balanced settings: level 6, bodies of 1 KiB and up.
func DefaultConfig() Config {
	return Config{Level: 6, MinSize: 1024}
}

// compressible lists the media types worth compressing. Downloads are sent as
// application/octet-stream and are left untouched.
var compressible = []string{"text/html", "application/json", "text/plain"}

// Negotiate picks "br", "gzip" or "" from an Accept-Encoding value, honouring
// explicit q=0 refusals. Brotli wins when both are acceptable.
func Negotiate(acceptEncoding string) string {
	var br, gz bool
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if refused(params) {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "br":
			br = true
		case "gzip", "x-gzip":
			gz = true
		}
	}
	switch {
	case br:
		return "br"
	case gz:
		return "gzip"
	default:
		return ""
	}
}

func refused(params string) bool {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "q") {
			v = strings.TrimSpace(v)
			return strings.Trim(v, "0.") == "" && v != ""
		}
	}
	return false
}

// Apply compresses resp in place when the client accepts an encoding, the
// media type is compressible and the result is actually smaller. It reports
// whether the body was replaced.
func Apply(resp *h1.Response, acceptEncoding string, cfg Config) (bool, error) {
	if len(resp.Body) < cfg.MinSize || resp.Header("Content-Encoding") != "" {
		return false, nil
	}
	if !isCompressible(resp.Header("Content-Type")) {
		return false, nil
	}
	enc := Negotiate(acceptEncoding)
	if enc == "" {
		return false, nil
	}

	var compressed bytes.Buffer
	switch enc {
	case "br":
		w := brotli.NewWriterLevel(&compressed, cfg.Level)
		if _, err := w.Write(resp.Body); err != nil {
			_ = w.Close()
			return false, err
		}
		if err := w.Close(); err != nil {
			return false, err
		}
	case "gzip":
		w, err := gzip.NewWriterLevel(&compressed, gzipLevel(cfg.Level))
		if err != nil {
			return false, err
		}
		if _, err := w.Write(resp.Body); err != nil {
			_ = w.Close()
			return false, err
		}
		if err := w.Close(); err != nil {
			return false, err
		}
	}

	resp.SetHeader("Vary", "Accept-Encoding")
	if compressed.Len() == 0 || compressed.Len() >= len(resp.Body) {
		return false, nil
	}
	resp.SetHeader("Content-Encoding", enc)
	resp.Body = compressed.Bytes()
	return true, nil
}

func isCompressible(contentType string) bool {
	for _, t := range compressible {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

func gzipLevel(level int) int {
	switch {
	case level < gzip.BestSpeed:
		return gzip.DefaultCompression
	case level > gzip.BestCompression:
		return gzip.BestCompression
	default:
		return level
	}
}
