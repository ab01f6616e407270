package listener

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/FumingPower3925/wharf/internal/admission"
	"github.com/FumingPower3925/wharf/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func startListener(t *testing.T, queue *admission.Queue) (*Listener, *metrics.Metrics, chan error) {
	t.Helper()
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	m := metrics.New(prometheus.NewRegistry())
	l := New(ln, queue, Config{RetryAfter: 10 * time.Second}, m, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- l.Serve() }()
	t.Cleanup(func() {
		_ = l.Close()
		queue.Drain()
	})
	return l, m, errCh
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListener_Enqueues(t *testing.T) {
	queue := admission.NewQueue(4)
	l, m, _ := startListener(t, queue)

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer func() { _ = conn.Close() }()
	}

	waitFor(t, func() bool { return queue.Len() == 3 })
	if got := testutil.ToFloat64(m.ConnectionsAccepted); got != 3 {
		t.Errorf("Expected 3 accepted, got %v", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsRejected); got != 0 {
		t.Errorf("Expected 0 rejected, got %v", got)
	}
}

func TestListener_RejectsWhenFull(t *testing.T) {
	queue := admission.NewQueue(1)
	l, m, _ := startListener(t, queue)

	first, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = first.Close() }()
	waitFor(t, func() bool { return queue.Len() == 1 })

	second, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = second.Close() }()

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(second)
	resp, err := http.ReadResponse(r, nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != 503 {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
	if ra := resp.Header.Get("Retry-After"); ra != "10" {
		t.Errorf("Expected Retry-After 10, got %q", ra)
	}
	if !resp.Close {
		t.Errorf("Expected Connection: close, got %v", resp.Header)
	}

	if n, err := r.Read(make([]byte, 1)); n != 0 || err == nil {
		t.Errorf("Expected the rejected socket to be closed, got n=%d err=%v", n, err)
	}

	if queue.Len() != 1 {
		t.Errorf("Rejected connection was enqueued, queue length %d", queue.Len())
	}
	if got := testutil.ToFloat64(m.ConnectionsRejected); got != 1 {
		t.Errorf("Expected 1 rejected, got %v", got)
	}
}

func TestListener_RejectedClientStillGets503AfterSending(t *testing.T) {
	queue := admission.NewQueue(1)
	l, _, _ := startListener(t, queue)

	first, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = first.Close() }()
	waitFor(t, func() bool { return queue.Len() == 1 })

	second, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = second.Close() }()
	// Unread request bytes on the server side must not turn the close into a reset.
	_, _ = io.WriteString(second, "GET / HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(second), nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
}

func TestListener_CloseStopsServe(t *testing.T) {
	queue := admission.NewQueue(1)
	l, _, errCh := startListener(t, queue)

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() returned %v after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
