// Package listener accepts TCP connections and hands them to the admission
// queue, answering 503 when the queue is full.
package listener

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/FumingPower3925/wharf/internal/admission"
	"github.com/FumingPower3925/wharf/internal/date"
	"github.com/FumingPower3925/wharf/internal/h1"
	"github.com/FumingPower3925/wharf/internal/metrics"
	"go.uber.org/zap"
)

const (
	minBackoff = 5 * time.Millisecond
	maxBackoff = time.Second

	rejectWriteTimeout = time.Second
)

// Config controls the overload response.
type Config struct {
	RetryAfter time.Duration
	ServerName string
}

// Listener owns the listening socket and the accept loop.
type Listener struct {
	ln      net.Listener
	queue   *admission.Queue
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Listen binds addr. The kernel default backlog applies.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

// New wraps an already bound listener. A nil logger or metrics discards.
func New(ln net.Listener, queue *admission.Queue, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Listener {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 10 * time.Second
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "wharf"
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{ln: ln, queue: queue, config: cfg, metrics: m, logger: logger}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve runs the accept loop until Close is called, then returns nil.
// It never waits on workers: a connection either fits in the queue or is
// rejected on the spot.
func (l *Listener) Serve() error {
	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() || isTemporary(err) {
				if backoff == 0 {
					backoff = minBackoff
				} else {
					backoff *= 2
				}
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				l.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		pc := admission.NewPendingConnection(conn)
		if l.queue.TryEnqueue(pc) {
			l.metrics.ConnectionsAccepted.Inc()
			continue
		}
		l.reject(pc)
	}
}

// reject answers 503 and closes the socket without touching the queue.
func (l *Listener) reject(pc admission.PendingConnection) {
	l.metrics.ConnectionsRejected.Inc()
	l.logger.Warn("connection rejected, queue full",
		zap.String("remote", pc.Remote),
		zap.Int("queue", l.queue.Len()),
		zap.Int("capacity", l.queue.Cap()),
	)

	resp := h1.ErrorResponse(503)
	resp.SetHeader("Retry-After", strconv.Itoa(int(l.config.RetryAfter/time.Second)))
	resp.SetHeader("Connection", "close")
	resp.SetHeader("Date", date.Current())
	resp.SetHeader("Server", l.config.ServerName)

	_ = pc.Conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	if _, err := resp.WriteTo(pc.Conn); err != nil {
		l.logger.Debug("503 write failed", zap.String("remote", pc.Remote), zap.Error(err))
	}
	go func() { _ = pc.CloseAfterResponse() }()
}

// Close stops the accept loop. Connections already queued are untouched.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.ln.Close()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
