package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// metricSnapshot holds the tracked server metrics at one point in time.
type metricSnapshot struct {
	timestamp   time.Time
	connections float64
	messages    float64 // all types summed
	sent        float64
	delivered   float64
	matches     float64
	// histogram _sum and _count for averages
	latencySum   float64
	latencyCount float64
}

// scraper polls the server's /metrics while a run is in progress so the
// report can show server-side numbers next to the client-side ones.
type scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
}

func newScraper(url string, interval time.Duration) *scraper {
	return &scraper{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// start takes a snapshot now, then one per interval until stop or ctx ends.
func (s *scraper) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Final snapshot with a fresh context; ctx is already done.
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

func (s *scraper) stop() {
	if s != nil && s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *scraper) fetch(ctx context.Context) (metricSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return metricSnapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metricSnapshot{}, fmt.Errorf("metrics: status %d", resp.StatusCode)
	}
	return parseSnapshot(resp.Body)
}

// parseSnapshot reads the Prometheus text exposition format.
func parseSnapshot(r io.Reader) (metricSnapshot, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return metricSnapshot{}, err
	}

	snap := metricSnapshot{timestamp: time.Now()}
	if f, ok := families["moviematch_connections_total"]; ok {
		for _, m := range f.GetMetric() {
			snap.connections += m.GetGauge().GetValue()
		}
	}
	if f, ok := families["moviematch_messages_total"]; ok {
		for _, m := range f.GetMetric() {
			v := m.GetCounter().GetValue()
			snap.messages += v
			switch label(m, "type") {
			case "sent":
				snap.sent += v
			case "delivered":
				snap.delivered += v
			}
		}
	}
	if f, ok := families["moviematch_matches_total"]; ok {
		for _, m := range f.GetMetric() {
			snap.matches += m.GetCounter().GetValue()
		}
	}
	if f, ok := families["moviematch_send_latency_seconds"]; ok {
		for _, m := range f.GetMetric() {
			snap.latencySum += m.GetHistogram().GetSampleSum()
			snap.latencyCount += float64(m.GetHistogram().GetSampleCount())
		}
	}
	return snap, nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// report prints initial, final, delta and peak per metric plus the average
// server-side send latency over the run.
func (s *scraper) report() {
	s.mu.Lock()
	snaps := append([]metricSnapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(metricSnapshot) float64
	}{
		{"Connections", func(m metricSnapshot) float64 { return m.connections }},
		{"Messages Total", func(m metricSnapshot) float64 { return m.messages }},
		{"  sent", func(m metricSnapshot) float64 { return m.sent }},
		{"  delivered", func(m metricSnapshot) float64 { return m.delivered }},
		{"Matches Total", func(m metricSnapshot) float64 { return m.matches }},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peakValue(snaps, r.extract))
	}

	fmt.Println()
	if avg, n, ok := histogramAvg(first.latencySum, first.latencyCount, last.latencySum, last.latencyCount); ok {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Send Latency", avg, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Send Latency")
	}
}

// histogramAvg averages the _sum/_count deltas between two snapshots.
func histogramAvg(sumFirst, countFirst, sumLast, countLast float64) (avg, n float64, ok bool) {
	n = countLast - countFirst
	if n <= 0 {
		return 0, 0, false
	}
	return (sumLast - sumFirst) / n, n, true
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
