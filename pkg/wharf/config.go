// Package wharf provides a small concurrent HTTP/1.1 file and upload server
// with bounded admission control.
package wharf

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config holds the server configuration options.
type Config struct {
	Host               string        `yaml:"host"`                  // Address to bind to
	Port               int           `yaml:"port"`                  // TCP port (0 picks a free one)
	MaxThreads         int           `yaml:"max_threads"`           // Number of worker goroutines
	QueueSize          int           `yaml:"queue_size"`            // Connections waiting for a worker before 503
	IdleTimeout        time.Duration `yaml:"idle_timeout"`          // Maximum wait for the next request on a connection
	WriteTimeout       time.Duration `yaml:"write_timeout"`         // Maximum duration for writing a response
	MaxRequestsPerConn int           `yaml:"max_requests_per_conn"` // Requests served before a connection is closed
	MaxHeaderBytes     int           `yaml:"max_header_bytes"`      // Maximum request header size in bytes
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`        // Maximum request body size in bytes
	DocumentRoot       string        `yaml:"document_root"`         // Directory served by GET
	UploadsDir         string        `yaml:"uploads_dir"`           // Directory under DocumentRoot receiving POST uploads
	RetryAfter         time.Duration `yaml:"retry_after"`           // Retry-After sent with 503
	ServerName         string        `yaml:"server_name"`           // Server response header
	Compression        bool          `yaml:"compression"`           // Compress HTML and JSON responses when accepted
	CompressionLevel   int           `yaml:"compression_level"`     // brotli/gzip level
	CompressionMinSize int           `yaml:"compression_min_size"`  // Bodies smaller than this are sent as is
	MetricsAddr        string        `yaml:"metrics_addr"`          // Prometheus endpoint address, empty disables it

	Logger   *zap.Logger          `yaml:"-"` // Logger for server events
	Registry *prometheus.Registry `yaml:"-"` // Registry for collectors, a fresh one when nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Host:               "127.0.0.1",
		Port:               8080,
		MaxThreads:         10,
		QueueSize:          50,
		IdleTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		MaxRequestsPerConn: 100,
		MaxHeaderBytes:     64 << 10,
		MaxBodyBytes:       10 << 20,
		DocumentRoot:       "resources",
		UploadsDir:         "uploads",
		RetryAfter:         10 * time.Second,
		ServerName:         "wharf",
		CompressionLevel:   6,
		CompressionMinSize: 1024,
		Logger:             zap.NewNop(),
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Durations use Go syntax
// ("30s", "1m").
func LoadConfig(file string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(file)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", file, err)
	}
	return cfg, nil
}

// Validate checks and normalizes the configuration values. The document
// root must exist; the uploads directory is created inside it if missing.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxThreads <= 0 {
		c.MaxThreads = d.MaxThreads
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxRequestsPerConn <= 0 {
		c.MaxRequestsPerConn = d.MaxRequestsPerConn
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.RetryAfter < time.Second {
		c.RetryAfter = d.RetryAfter
	}
	if c.ServerName == "" {
		c.ServerName = d.ServerName
	}
	if c.CompressionLevel <= 0 {
		c.CompressionLevel = d.CompressionLevel
	}
	if c.CompressionMinSize <= 0 {
		c.CompressionMinSize = d.CompressionMinSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	if c.DocumentRoot == "" {
		c.DocumentRoot = d.DocumentRoot
	}
	info, err := os.Stat(c.DocumentRoot)
	if err != nil {
		return fmt.Errorf("document root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("document root %s is not a directory", c.DocumentRoot)
	}

	if c.UploadsDir == "" {
		c.UploadsDir = d.UploadsDir
	}
	rel := path.Clean("/" + filepath.ToSlash(c.UploadsDir))
	if rel == "/" {
		return errors.New("uploads directory must be a subdirectory of the document root")
	}
	if err := os.MkdirAll(filepath.Join(c.DocumentRoot, filepath.FromSlash(rel)), 0o755); err != nil {
		return fmt.Errorf("uploads directory: %w", err)
	}
	return nil
}
