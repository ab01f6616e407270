// Package session runs one accepted connection through the HTTP/1.1
// keep-alive loop: read, parse, validate, route, respond, then continue or
// close.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/FumingPower3925/wharf/internal/admission"
	"github.com/FumingPower3925/wharf/internal/date"
	"github.com/FumingPower3925/wharf/internal/encoding"
	"github.com/FumingPower3925/wharf/internal/h1"
	"github.com/FumingPower3925/wharf/internal/metrics"
	"github.com/FumingPower3925/wharf/internal/security"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName = "github.com/FumingPower3925/wharf/internal/session"
	readChunk  = 8192
)

// Router dispatches validated requests to the resource handlers.
type Router interface {
	Get(req *h1.Request) *h1.Response
	Post(req *h1.Request) *h1.Response
}

// Config holds the per-connection limits.
type Config struct {
	IdleTimeout    time.Duration // read deadline armed before each request
	WriteTimeout   time.Duration // write deadline for each response
	MaxRequests    int           // requests served before the connection is closed
	MaxHeaderBytes int
	MaxBodyBytes   int64
	ServerName     string
	Compression    bool
	Encoding       encoding.Config
}

// DefaultConfig returns the limits used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequests:    100,
		MaxHeaderBytes: 64 << 10,
		MaxBodyBytes:   10 << 20,
		ServerName:     "wharf",
		Encoding:       encoding.DefaultConfig(),
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.ServerName == "" {
		c.ServerName = d.ServerName
	}
	if c.Encoding.Level == 0 && c.Encoding.MinSize == 0 {
		c.Encoding = d.Encoding
	}
}

// Runner holds what every session shares. It is safe for concurrent use;
// each call to Serve owns its connection exclusively.
type Runner struct {
	config     Config
	gate       *security.Gate
	router     Router
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithMetrics sets the collectors sessions report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithTracer sets the tracer used for per-request spans. The default is the
// global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, gate *security.Gate, router Router, opts ...Option) *Runner {
	cfg.normalize()
	r := &Runner{
		config:     cfg,
		gate:       gate,
		router:     router,
		propagator: propagation.TraceContext{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r
}

// session is the state owned by one worker for one connection.
type session struct {
	*Runner
	pc     admission.PendingConnection
	log    *zap.Logger
	parser *h1.Parser
	buf    []byte
	chunk  []byte

	state  State
	served int
	// linger asks for a half-close before release, so a final response is
	// not lost to a reset when the peer still has unread input in flight.
	linger bool
}

// Serve runs the connection to completion and closes it exactly once, on
// every exit path. Its signature matches admission.SessionFunc.
func (r *Runner) Serve(ctx context.Context, worker int, pc admission.PendingConnection) {
	s := &session{
		Runner: r,
		pc:     pc,
		log:    r.logger.With(zap.Int("worker", worker), zap.String("remote", pc.Remote)),
		parser: h1.NewParser(r.config.MaxHeaderBytes, r.config.MaxBodyBytes),
		chunk:  make([]byte, readChunk),
		state:  AwaitingRequest,
	}

	r.metrics.SessionsActive.Inc()
	reason := metrics.ReasonFault
	defer func() {
		s.state = Close
		if s.linger {
			_ = pc.CloseAfterResponse()
		} else {
			_ = pc.Close()
		}
		r.metrics.SessionsActive.Dec()
		r.metrics.SessionsClosed.WithLabelValues(reason).Inc()
		s.log.Debug("connection closed", zap.String("reason", reason), zap.Int("requests", s.served))
	}()

	reason = s.loop(ctx)
}

func (s *session) loop(ctx context.Context) string {
	for s.served < s.config.MaxRequests {
		if ctx.Err() != nil {
			return metrics.ReasonShutdown
		}
		s.state = AwaitingRequest

		req, err := s.readRequest()
		if err != nil {
			return s.readFailed(err)
		}
		s.served++

		reason, err := s.serve(ctx, req)
		if err != nil {
			s.log.Warn("write failed", zap.Error(err))
			return metrics.ReasonWriteError
		}
		if reason != "" {
			return reason
		}
		s.state = Continue
	}
	return metrics.ReasonLimit
}

// readRequest arms the idle deadline once, then reads until the buffer holds
// a complete request.
func (s *session) readRequest() (*h1.Request, error) {
	if err := s.pc.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
		return nil, err
	}
	req := &h1.Request{}
	for {
		if len(s.buf) > 0 {
			s.state = Parsing
			s.parser.Reset(s.buf)
			n, err := s.parser.ParseRequest(req)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				s.buf = append(s.buf[:0], s.buf[n:]...)
				return req, nil
			}
		}

		n, err := s.pc.Conn.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// readFailed classifies a read or parse failure into a close reason. Only
// a parse failure produces a response.
func (s *session) readFailed(err error) string {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.log.Debug("idle connection timed out", zap.Duration("timeout", s.config.IdleTimeout))
		return metrics.ReasonIdleTimeout
	case errors.Is(err, io.EOF), errors.Is(err, syscall.ECONNRESET), errors.Is(err, net.ErrClosed):
		return metrics.ReasonPeerClosed
	case errors.Is(err, h1.ErrMalformed):
		s.log.Info("malformed request", zap.Error(err))
		resp := h1.ErrorResponse(400)
		s.decorate(resp, "", false)
		s.state = Responding
		if _, werr := s.write(resp); werr != nil {
			s.log.Warn("write failed", zap.Error(werr))
		}
		s.metrics.RequestsTotal.WithLabelValues("INVALID", "400").Inc()
		s.linger = true
		return metrics.ReasonParseError
	default:
		s.log.Warn("read failed", zap.Error(err))
		return metrics.ReasonReadError
	}
}

// serve handles one parsed request. It returns a non-empty close reason when
// the connection must not be reused.
func (s *session) serve(ctx context.Context, req *h1.Request) (string, error) {
	start := time.Now()
	s.metrics.RequestsInFlight.Inc()
	defer s.metrics.RequestsInFlight.Dec()

	spanCtx := s.propagator.Extract(ctx, headerCarrier(req.Headers))
	_, span := s.tracer.Start(spanCtx, req.Method+" "+req.Path, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.target", req.Path),
		attribute.String("http.flavor", req.Version),
		attribute.String("http.host", req.Header("Host")),
		attribute.String("net.peer.addr", s.pc.Remote),
		attribute.Int("wharf.request_index", s.served),
	)

	resp, fault := s.route(req)

	var reason string
	switch {
	case fault:
		reason = metrics.ReasonFault
	case !req.KeepAlive:
		reason = metrics.ReasonClientClose
	case s.served >= s.config.MaxRequests:
		reason = metrics.ReasonLimit
	case ctx.Err() != nil:
		reason = metrics.ReasonShutdown
	}
	s.decorate(resp, req.Header("Accept-Encoding"), reason == "")

	s.state = Responding
	n, err := s.write(resp)

	status := strconv.Itoa(resp.Status)
	s.metrics.RequestsTotal.WithLabelValues(req.Method, status).Inc()
	s.metrics.RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	s.metrics.ResponseSize.WithLabelValues(req.Method).Observe(float64(n))
	if req.Method == "POST" && resp.Status == 201 {
		s.metrics.UploadsCreated.Inc()
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp.Status >= 400:
		span.SetStatus(codes.Error, h1.StatusText(resp.Status))
	default:
		span.SetStatus(codes.Ok, "")
	}

	s.log.Info("request",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.Status),
		zap.Int64("bytes", n),
		zap.Duration("duration", time.Since(start)),
		zap.Int("request", s.served),
	)

	if err != nil {
		return "", err
	}
	if fault {
		s.linger = true
	}
	return reason, nil
}

// route validates and dispatches req. A panic below this point becomes a 500
// and forces the connection closed; nothing has been written yet, so the
// client still receives one well-formed response.
func (s *session) route(req *h1.Request) (resp *h1.Response, fault bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", zap.Any("panic", r), zap.String("path", req.Path))
			resp, fault = h1.ErrorResponse(500), true
		}
	}()

	s.state = Validating
	if err := s.gate.Check(req); err != nil {
		s.log.Info("request rejected", zap.String("path", req.Path), zap.Error(err))
		return h1.ErrorResponse(security.Status(err)), false
	}

	s.state = Routing
	switch req.Method {
	case "GET":
		resp = s.router.Get(req)
	case "POST":
		resp = s.router.Post(req)
	default:
		resp = h1.ErrorResponse(405)
		resp.SetHeader("Allow", "GET, POST")
	}
	if resp == nil {
		resp = h1.ErrorResponse(500)
	}
	return resp, false
}

// decorate adds the connection-level headers every response carries.
func (s *session) decorate(resp *h1.Response, acceptEncoding string, keepAlive bool) {
	if s.config.Compression && acceptEncoding != "" {
		if _, err := encoding.Apply(resp, acceptEncoding, s.config.Encoding); err != nil {
			s.log.Warn("compression failed", zap.Error(err))
		}
	}
	resp.SetHeader("Date", date.Current())
	resp.SetHeader("Server", s.config.ServerName)
	if keepAlive {
		resp.SetHeader("Connection", "keep-alive")
		resp.SetHeader("Keep-Alive", "timeout="+strconv.Itoa(int(s.config.IdleTimeout/time.Second))+
			", max="+strconv.Itoa(s.config.MaxRequests-s.served))
	} else {
		resp.SetHeader("Connection", "close")
		resp.DelHeader("Keep-Alive")
	}
}

func (s *session) write(resp *h1.Response) (int64, error) {
	if err := s.pc.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return 0, err
	}
	return resp.WriteTo(s.pc.Conn)
}
