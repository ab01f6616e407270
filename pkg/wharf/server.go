package wharf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/FumingPower3925/wharf/internal/admission"
	"github.com/FumingPower3925/wharf/internal/date"
	"github.com/FumingPower3925/wharf/internal/encoding"
	"github.com/FumingPower3925/wharf/internal/listener"
	"github.com/FumingPower3925/wharf/internal/metrics"
	"github.com/FumingPower3925/wharf/internal/resource"
	"github.com/FumingPower3925/wharf/internal/security"
	"github.com/FumingPower3925/wharf/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ErrServerStarted is returned by Start on a server that is already running.
var ErrServerStarted = errors.New("server already started")

// Server represents a wharf server instance.
type Server struct {
	config   Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	mu         sync.Mutex
	started    bool
	stopped    bool
	identity   security.Identity
	listener   *listener.Listener
	queue      *admission.Queue
	pool       *admission.Pool
	metricsSrv *http.Server
	metricsLn  net.Addr
	stopDate   func()
	serveErr   chan error
}

// New creates a new Server with the provided configuration.
func New(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return &Server{
		config:   config,
		logger:   config.Logger,
		registry: registry,
		metrics:  metrics.New(registry),
	}, nil
}

// Start binds the listening socket, starts the worker pool and begins
// accepting connections. It returns once the server is accepting.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrServerStarted
	}

	store, err := resource.NewDiskStore(s.config.DocumentRoot, s.config.UploadsDir)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := listener.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.identity = security.Identity{Host: s.config.Host, Port: ln.Addr().(*net.TCPAddr).Port}

	runner := session.NewRunner(session.Config{
		IdleTimeout:    s.config.IdleTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxRequests:    s.config.MaxRequestsPerConn,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		MaxBodyBytes:   s.config.MaxBodyBytes,
		ServerName:     s.config.ServerName,
		Compression:    s.config.Compression,
		Encoding: encoding.Config{
			Level:   s.config.CompressionLevel,
			MinSize: s.config.CompressionMinSize,
		},
	},
		security.NewGate(s.identity),
		resource.NewHandlers(store, s.logger),
		session.WithLogger(s.logger),
		session.WithMetrics(s.metrics),
	)

	s.queue = admission.NewQueue(s.config.QueueSize)
	s.pool = admission.NewPool(s.config.MaxThreads, s.queue, runner.Serve, s.logger)
	s.metrics.ObserveQueue(s.queue.Len, s.queue.Cap())
	s.metrics.ObserveWorkers(s.pool.Busy, s.pool.Size())

	s.listener = listener.New(ln, s.queue, listener.Config{
		RetryAfter: s.config.RetryAfter,
		ServerName: s.config.ServerName,
	}, s.metrics, s.logger)

	if s.config.MetricsAddr != "" {
		if err := s.startMetrics(ctx); err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.stopDate = date.StartTicker()
	s.pool.Start(ctx)
	s.serveErr = make(chan error, 1)
	go func() {
		s.serveErr <- s.listener.Serve()
	}()
	s.started = true

	s.logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.MaxThreads),
		zap.Int("queue", s.config.QueueSize),
		zap.String("root", store.Root()),
	)
	return nil
}

func (s *Server) startMetrics(ctx context.Context) error {
	ln, err := listener.Listen(ctx, s.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.config.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	s.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	s.metricsLn = ln.Addr()
	s.logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// ListenAndServe starts the server and blocks until ctx is done or the
// accept loop fails, then stops it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case err := <-s.serveErr:
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
		return err
	}
}

// Stop closes the listener, tells the workers to exit and discards queued
// connections. Sessions already running finish on their own.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	s.logger.Info("shutting down")
	err := s.listener.Close()
	s.pool.Stop()
	if n := s.queue.Drain(); n > 0 {
		s.logger.Info("dropped queued connections", zap.Int("count", n))
	}
	if s.metricsSrv != nil {
		if merr := s.metricsSrv.Shutdown(ctx); merr != nil && err == nil {
			err = merr
		}
	}
	s.stopDate()
	return err
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (s *Server) MetricsAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsLn == nil {
		return ""
	}
	return s.metricsLn.String()
}

// Identity returns the host and bound port requests must name in Host.
func (s *Server) Identity() security.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Registry returns the registry holding the server's collectors.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}
