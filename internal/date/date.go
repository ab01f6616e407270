// Package date provides a cached, thread-safe HTTP Date header value.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

// current holds the formatted date so sessions avoid time.Now().Format per response.
var current atomic.Pointer[string]

// StartTicker refreshes the cached value every 500ms until the returned stop
// function is called.
func StartTicker() func() {
	update()

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				update()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func update() {
	s := time.Now().UTC().Format(http.TimeFormat)
	current.Store(&s)
}

// Current returns the cached Date header value, formatting one on the spot
// if no ticker has run yet.
func Current() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(http.TimeFormat)
}
