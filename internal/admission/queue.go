// Package admission provides the bounded connection queue and the fixed
// worker pool that drains it.
package admission

import (
	"context"
	"io"
	"net"
	"time"
)

// lingerTimeout bounds how long CloseAfterResponse waits for the peer.
const lingerTimeout = 500 * time.Millisecond

// PendingConnection is an accepted socket waiting for a worker. Whoever
// dequeues it owns it and must close it.
type PendingConnection struct {
	Conn     net.Conn
	Remote   string
	Accepted time.Time
}

// NewPendingConnection wraps a freshly accepted socket.
func NewPendingConnection(conn net.Conn) PendingConnection {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return PendingConnection{Conn: conn, Remote: remote, Accepted: time.Now()}
}

// Close releases the socket immediately.
func (pc PendingConnection) Close() error {
	return pc.Conn.Close()
}

// CloseAfterResponse half-closes the socket and discards whatever the peer
// still sends for a short while before closing. Closing with unread input
// makes the kernel send RST, which can destroy a response the peer has not
// read yet.
func (pc PendingConnection) CloseAfterResponse() error {
	if cw, ok := pc.Conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = pc.Conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(pc.Conn, 256<<10))
	return pc.Conn.Close()
}

// Queue is a bounded FIFO of pending connections. Capacity is fixed at
// construction. It is safe for concurrent producers and consumers.
type Queue struct {
	items chan PendingConnection
}

// NewQueue creates a queue holding at most capacity connections (minimum 1).
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{items: make(chan PendingConnection, capacity)}
}

// TryEnqueue adds pc without blocking. It returns false when the queue is
// full; the caller keeps ownership of pc in that case.
func (q *Queue) TryEnqueue(pc PendingConnection) bool {
	select {
	case q.items <- pc:
		return true
	default:
		return false
	}
}

// Dequeue blocks until a connection is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (PendingConnection, bool) {
	select {
	case pc := <-q.items:
		return pc, true
	case <-ctx.Done():
		return PendingConnection{}, false
	}
}

// Len returns the number of queued connections.
func (q *Queue) Len() int { return len(q.items) }

// Cap returns the fixed capacity.
func (q *Queue) Cap() int { return cap(q.items) }

// Drain closes every connection still queued and returns how many there were.
// It is used at shutdown, after the producer has stopped.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case pc := <-q.items:
			_ = pc.Close()
			n++
		default:
			return n
		}
	}
}

func timeSince(pc PendingConnection) time.Duration {
	if pc.Accepted.IsZero() {
		return 0
	}
	return time.Since(pc.Accepted)
}
