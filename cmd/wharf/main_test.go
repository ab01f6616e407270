package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		host    string
		port    int
		threads int
	}{
		{"defaults", nil, "127.0.0.1", 8080, 10},
		{"host only", []string{"0.0.0.0"}, "0.0.0.0", 8080, 10},
		{"host and port", []string{"localhost", "9000"}, "localhost", 9000, 10},
		{"all positional", []string{"10.0.0.1", "8081", "4"}, "10.0.0.1", 8081, 4},
		{"flags before positional", []string{"-queue", "5", "127.0.0.1", "8082"}, "127.0.0.1", 8082, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _, err := parseArgs(tt.args, &bytes.Buffer{})
			if err != nil {
				t.Fatalf("parseArgs() error = %v", err)
			}
			if cfg.Host != tt.host || cfg.Port != tt.port || cfg.MaxThreads != tt.threads {
				t.Errorf("Expected %s:%d/%d, got %s:%d/%d", tt.host, tt.port, tt.threads, cfg.Host, cfg.Port, cfg.MaxThreads)
			}
		})
	}
}

func TestParseArgs_Flags(t *testing.T) {
	args := []string{
		"-root", "/srv/www",
		"-queue", "7",
		"-idle-timeout", "5s",
		"-max-requests", "3",
		"-metrics-addr", "127.0.0.1:9100",
		"-compress",
		"-log-level", "debug",
	}
	cfg, opts, err := parseArgs(args, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseArgs() error = %v", err)
	}
	if cfg.DocumentRoot != "/srv/www" || cfg.QueueSize != 7 || cfg.IdleTimeout != 5*time.Second {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if cfg.MaxRequestsPerConn != 3 || cfg.MetricsAddr != "127.0.0.1:9100" || !cfg.Compression {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if opts.logLevel != "debug" {
		t.Errorf("Expected log level debug, got %q", opts.logLevel)
	}
}

func TestParseArgs_ConfigFileThenOverrides(t *testing.T) {
	file := filepath.Join(t.TempDir(), "wharf.yaml")
	if err := os.WriteFile(file, []byte("port: 9999\nqueue_size: 3\nmax_threads: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := parseArgs([]string{"-config", file, "-queue", "9", "127.0.0.1", "7000"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseArgs() error = %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Expected positional port to win, got %d", cfg.Port)
	}
	if cfg.QueueSize != 9 {
		t.Errorf("Expected flag queue to win, got %d", cfg.QueueSize)
	}
	if cfg.MaxThreads != 2 {
		t.Errorf("Expected file max_threads 2, got %d", cfg.MaxThreads)
	}
}

func TestParseArgs_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad port", []string{"127.0.0.1", "http"}},
		{"port out of range", []string{"127.0.0.1", "70000"}},
		{"bad threads", []string{"127.0.0.1", "8080", "zero"}},
		{"zero threads", []string{"127.0.0.1", "8080", "0"}},
		{"too many", []string{"a", "1", "2", "3"}},
		{"unknown flag", []string{"-nope"}},
		{"missing config", []string{"-config", "/does/not/exist.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := parseArgs(tt.args, &bytes.Buffer{}); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestRun_RequiresCommand(t *testing.T) {
	var stderr bytes.Buffer
	if err := run(nil, &stderr); err == nil {
		t.Error("Expected an error without a command")
	}
	if err := run([]string{"serve"}, &stderr); err == nil {
		t.Error("Expected an error for an unknown command")
	}
	if !bytes.Contains(stderr.Bytes(), []byte("Usage: wharf run")) {
		t.Errorf("Expected usage text, got %q", stderr.String())
	}
}

func TestNewLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "wharf.log")
	logger, err := newLogger(file, "info")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg":"hello"`)) {
		t.Errorf("Unexpected log content %q", data)
	}

	if _, err := newLogger("", "loud"); err == nil {
		t.Error("Expected an error for an unknown level")
	}
}
