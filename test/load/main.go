// Package main provides incremental load testing for wharf admission control.
// It adds clients at a fixed rate against an in-process server and reports how
// many requests were served, answered 503 or dropped.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FumingPower3925/wharf/pkg/wharf"
)

// LoadTestConfig defines the configuration for an incremental load test.
type LoadTestConfig struct {
	// Server configuration
	MaxThreads int
	QueueSize  int
	Root       string

	// Ramp configuration
	RampUpInterval time.Duration // Time between adding new clients
	ClientsPerStep int           // Number of clients added each step
	TestDuration   time.Duration // Total test duration
	RequestTimeout time.Duration // Per-request timeout
	RequestDelay   time.Duration // Delay between requests per client
}

// LoadTestResult contains the results of an incremental load test.
type LoadTestResult struct {
	TestDuration  time.Duration
	MaxClients    int
	TotalRequests int64
	Served        int64
	Rejected      int64 // 503 responses
	Dropped       int64 // transport errors
	StatusCodes   map[int]int64
	PeakRPS       float64
}

// LoadTestRunner manages the incremental load test.
type LoadTestRunner struct {
	config LoadTestConfig
	server *wharf.Server
	base   string

	mu      sync.Mutex
	result  LoadTestResult
	served  atomic.Int64
	clients atomic.Int64
	wg      sync.WaitGroup
}

// NewLoadTestRunner creates a new runner.
func NewLoadTestRunner(config LoadTestConfig) *LoadTestRunner {
	return &LoadTestRunner{
		config: config,
		result: LoadTestResult{StatusCodes: make(map[int]int64)},
	}
}

// StartServer starts wharf on an ephemeral port.
func (r *LoadTestRunner) StartServer(ctx context.Context) error {
	cfg := wharf.DefaultConfig()
	cfg.Port = 0
	cfg.MaxThreads = r.config.MaxThreads
	cfg.QueueSize = r.config.QueueSize
	cfg.DocumentRoot = r.config.Root

	server, err := wharf.New(cfg)
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}
	r.server = server
	r.base = "http://" + server.Identity().Authority()
	return nil
}

// StopServer stops the server.
func (r *LoadTestRunner) StopServer() error {
	if r.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.server.Stop(ctx)
}

// Run executes the ramp and returns the aggregated result.
func (r *LoadTestRunner) Run() (*LoadTestResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.TestDuration)
	defer cancel()

	if err := r.StartServer(context.Background()); err != nil {
		return nil, err
	}
	defer func() { _ = r.StopServer() }()

	start := time.Now()
	go r.measure(ctx)

	ticker := time.NewTicker(r.config.RampUpInterval)
	defer ticker.Stop()
ramp:
	for {
		select {
		case <-ctx.Done():
			break ramp
		case <-ticker.C:
			for i := 0; i < r.config.ClientsPerStep; i++ {
				r.clients.Add(1)
				r.wg.Add(1)
				go r.runClient(ctx)
			}
		}
	}
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.TestDuration = time.Since(start)
	r.result.MaxClients = int(r.clients.Load())
	return &r.result, nil
}

// measure samples served requests once a second to find the peak rate.
func (r *LoadTestRunner) measure(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := int64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := r.served.Load()
			rps := float64(now - last)
			last = now
			r.mu.Lock()
			if rps > r.result.PeakRPS {
				r.result.PeakRPS = rps
			}
			r.mu.Unlock()
		}
	}
}

// runClient issues keep-alive GETs on its own connection until ctx is done.
func (r *LoadTestRunner) runClient(ctx context.Context) {
	defer r.wg.Done()
	client := &http.Client{
		Timeout:   r.config.RequestTimeout,
		Transport: &http.Transport{MaxIdleConnsPerHost: 1, DisableCompression: true},
	}
	defer client.CloseIdleConnections()

	for ctx.Err() == nil {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/", nil)
		resp, err := client.Do(req)
		if ctx.Err() != nil {
			if resp != nil {
				_ = resp.Body.Close()
			}
			return
		}
		r.track(resp, err)
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		time.Sleep(r.config.RequestDelay)
	}
}

func (r *LoadTestRunner) track(resp *http.Response, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.TotalRequests++
	switch {
	case err != nil:
		r.result.Dropped++
		r.result.StatusCodes[0]++
	case resp.StatusCode == http.StatusServiceUnavailable:
		r.result.Rejected++
		r.result.StatusCodes[resp.StatusCode]++
	default:
		r.result.StatusCodes[resp.StatusCode]++
		if resp.StatusCode == http.StatusOK {
			r.result.Served++
			r.served.Add(1)
		}
	}
}

// PrintResults prints the summarized test results.
func PrintResults(res *LoadTestResult) {
	fmt.Printf("\n=== Incremental Load Test Results ===\n")
	fmt.Printf("Test Duration: %v\n", res.TestDuration.Round(time.Millisecond))
	fmt.Printf("Max Clients: %d\n", res.MaxClients)
	fmt.Printf("Peak RPS: %.0f\n", res.PeakRPS)
	fmt.Printf("Total Requests: %d\n", res.TotalRequests)
	fmt.Printf("Served: %d  Rejected (503): %d  Dropped: %d\n", res.Served, res.Rejected, res.Dropped)

	codes := make([]int, 0, len(res.StatusCodes))
	for code := range res.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	fmt.Println("Status codes:")
	for _, code := range codes {
		label := fmt.Sprintf("%d", code)
		if code == 0 {
			label = "000"
		}
		fmt.Printf("  %s: %d\n", label, res.StatusCodes[code])
	}
}

func main() {
	config := LoadTestConfig{}
	flag.IntVar(&config.MaxThreads, "workers", 10, "server worker count")
	flag.IntVar(&config.QueueSize, "queue", 50, "server admission queue size")
	flag.StringVar(&config.Root, "root", "", "document root (a temporary one with index.html by default)")
	flag.DurationVar(&config.RampUpInterval, "ramp", 25*time.Millisecond, "interval between client steps")
	flag.IntVar(&config.ClientsPerStep, "step", 1, "clients added per step")
	flag.DurationVar(&config.TestDuration, "duration", 10*time.Second, "test duration")
	flag.DurationVar(&config.RequestTimeout, "timeout", 3*time.Second, "request timeout")
	flag.DurationVar(&config.RequestDelay, "delay", 2*time.Millisecond, "delay between requests per client")
	flag.Parse()

	if config.Root == "" {
		dir, err := os.MkdirTemp("", "wharf-load-")
		if err != nil {
			log.Fatal(err)
		}
		defer func() { _ = os.RemoveAll(dir) }()
		if err := os.WriteFile(dir+"/index.html", []byte("<h1>load</h1>"), 0o644); err != nil {
			log.Fatal(err)
		}
		config.Root = dir
	}

	res, err := NewLoadTestRunner(config).Run()
	if err != nil {
		log.Fatal(err)
	}
	PrintResults(res)
}
