// Package main provides the wharf command line server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/FumingPower3925/wharf/pkg/wharf"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const usage = `Usage: wharf run [flags] [host] [port] [max_threads]

Serves files from the document root and stores JSON uploads.
Positional arguments default to 127.0.0.1, 8080 and 10.

Flags:
`

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "wharf:", err)
		os.Exit(1)
	}
}

// options are the parsed command line settings.
type options struct {
	configFile  string
	root        string
	queue       int
	idleTimeout time.Duration
	maxRequests int
	metricsAddr string
	compress    bool
	logFile     string
	logLevel    string
}

func run(args []string, stderr io.Writer) error {
	if len(args) == 0 || args[0] != "run" {
		fmt.Fprint(stderr, usage)
		return errors.New(`expected the "run" command`)
	}

	cfg, opts, err := parseArgs(args[1:], stderr)
	if err != nil {
		return err
	}

	logger, err := newLogger(opts.logFile, opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	cfg.Logger = logger

	server, err := wharf.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting wharf",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("max_threads", cfg.MaxThreads),
		zap.String("root", cfg.DocumentRoot),
	)
	return server.ListenAndServe(ctx)
}

// parseArgs builds the configuration from defaults, an optional YAML file,
// flags and positional arguments, in increasing order of precedence.
func parseArgs(args []string, stderr io.Writer) (wharf.Config, options, error) {
	var opts options
	fs := flag.NewFlagSet("wharf run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	fs.StringVar(&opts.root, "root", "", "document root (default \"resources\")")
	fs.IntVar(&opts.queue, "queue", 0, "admission queue capacity (default 50)")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", 0, "keep-alive idle timeout (default 30s)")
	fs.IntVar(&opts.maxRequests, "max-requests", 0, "requests per connection (default 100)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "address for the Prometheus /metrics endpoint")
	fs.BoolVar(&opts.compress, "compress", false, "compress HTML and JSON responses")
	fs.StringVar(&opts.logFile, "log-file", "", "write logs to a rotating file instead of stderr")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return wharf.Config{}, opts, err
	}

	cfg := wharf.DefaultConfig()
	if opts.configFile != "" {
		loaded, err := wharf.LoadConfig(opts.configFile)
		if err != nil {
			return cfg, opts, err
		}
		cfg = loaded
	}

	if opts.root != "" {
		cfg.DocumentRoot = opts.root
	}
	if opts.queue > 0 {
		cfg.QueueSize = opts.queue
	}
	if opts.idleTimeout > 0 {
		cfg.IdleTimeout = opts.idleTimeout
	}
	if opts.maxRequests > 0 {
		cfg.MaxRequestsPerConn = opts.maxRequests
	}
	if opts.metricsAddr != "" {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if opts.compress {
		cfg.Compression = true
	}

	rest := fs.Args()
	if len(rest) > 3 {
		return cfg, opts, fmt.Errorf("too many arguments: %v", rest[3:])
	}
	if len(rest) > 0 {
		cfg.Host = rest[0]
	}
	if len(rest) > 1 {
		port, err := strconv.Atoi(rest[1])
		if err != nil || port < 0 || port > 65535 {
			return cfg, opts, fmt.Errorf("invalid port %q", rest[1])
		}
		cfg.Port = port
	}
	if len(rest) > 2 {
		n, err := strconv.Atoi(rest[2])
		if err != nil || n < 1 {
			return cfg, opts, fmt.Errorf("invalid max_threads %q", rest[2])
		}
		cfg.MaxThreads = n
	}
	return cfg, opts, nil
}

// newLogger returns a JSON production logger writing to stderr, or to a
// rotating file when file is set.
func newLogger(file, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if file != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, lvl)
	return zap.New(core, zap.AddCaller()), nil
}
