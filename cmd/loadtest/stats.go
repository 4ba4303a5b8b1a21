package main

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// collector aggregates measurements from all simulated users. Safe for
// concurrent use.
type collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	ackLatencies     []time.Duration
	deliveries       int
	errors           int
	connections      int
	startTime        time.Time
}

func newCollector() *collector {
	return &collector{startTime: time.Now()}
}

func (c *collector) addConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

func (c *collector) addAck(d time.Duration) {
	c.mu.Lock()
	c.ackLatencies = append(c.ackLatencies, d)
	c.mu.Unlock()
}

func (c *collector) addDelivery() {
	c.mu.Lock()
	c.deliveries++
	c.mu.Unlock()
}

func (c *collector) addError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *collector) addErrors(n int) {
	c.mu.Lock()
	c.errors += n
	c.mu.Unlock()
}

func (c *collector) counts() (conns, errs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections, c.errors
}

// report prints the summary with latency percentiles, followed by the
// server-side view when srv is set.
func (c *collector) report(srv *scraper) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Deliveries:   %d\n", c.deliveries)
	fmt.Printf("Errors:       %d\n", c.errors)

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		printPercentiles(c.connectLatencies)
	}
	if len(c.ackLatencies) > 0 {
		fmt.Println("\n--- Send Ack Latency ---")
		printPercentiles(c.ackLatencies)
	}
	if srv != nil {
		srv.report()
	}
	fmt.Println()
}

func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	pct := func(p float64) time.Duration {
		return durations[int(math.Ceil(float64(n)*p))-1]
	}
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		(sum / time.Duration(n)).Round(time.Microsecond),
		durations[n/2].Round(time.Microsecond),
		pct(0.95).Round(time.Microsecond),
		pct(0.99).Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
