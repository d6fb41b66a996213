// Tap simulator for load and scenario testing against a running Tapguard.
//
// Usage:
//
//	go run ./cmd/tapsim -csv taps.csv -url http://localhost:8080 -rps 50
//
// The CSV needs a header with card_uid and vendor_id columns. Optional
// columns are reader_id, latitude, longitude, amount and expected
// (approved or a rejection reason). Rows with an expectation are scored.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/opensource-finance/tapguard/internal/domain"
)

// scenario is one tap to replay plus its optional expected outcome.
type scenario struct {
	Request  domain.TapRequest
	Expected string
}

// Metrics tracks simulation results.
type Metrics struct {
	mu      sync.Mutex
	reasons map[string]int64

	Approved   atomic.Int64
	Rejected   atomic.Int64
	Errors     atomic.Int64
	Throttled  atomic.Int64
	Matched    atomic.Int64
	Mismatched atomic.Int64
	LatencyMs  atomic.Int64
}

func (m *Metrics) reason(r string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons[r]++
}

func main() {
	csvPath := flag.String("csv", "", "Path to tap scenario CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Tapguard base URL")
	rps := flag.Float64("rps", 20, "Taps per second across all workers (0 = unpaced)")
	workers := flag.Int("workers", 4, "Number of concurrent workers")
	repeat := flag.Int("repeat", 1, "Times to replay the scenario file")
	verbose := flag.Bool("verbose", false, "Print each tap result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: tapsim -csv taps.csv [-url http://localhost:8080] [-rps 20]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Tapguard not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	scenarios, err := readScenarios(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d taps, replaying %d time(s) at %.1f taps/sec\n", len(scenarios), *repeat, *rps)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if *rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*rps), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	m := run(ctx, scenarios, *repeat, *baseURL, *workers, limiter, *verbose)
	printResults(m, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readScenarios(path string) ([]scenario, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"card_uid", "vendor_id"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing %s column", required)
		}
	}

	field := func(record []string, name string) string {
		if i, ok := col[name]; ok && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}
	number := func(record []string, name string) *float64 {
		v, err := strconv.ParseFloat(field(record, name), 64)
		if err != nil {
			return nil
		}
		return &v
	}

	var out []scenario
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		readerID := field(record, "reader_id")
		if readerID == "" {
			readerID = "TAPSIM"
		}
		out = append(out, scenario{
			Request: domain.TapRequest{
				CardUID:           field(record, "card_uid"),
				VendorID:          field(record, "vendor_id"),
				POSReaderID:       readerID,
				Latitude:          number(record, "latitude"),
				Longitude:         number(record, "longitude"),
				TransactionAmount: number(record, "amount"),
			},
			Expected: field(record, "expected"),
		})
	}
	return out, nil
}

func run(ctx context.Context, scenarios []scenario, repeat int, baseURL string, numWorkers int, limiter *rate.Limiter, verbose bool) *Metrics {
	m := &Metrics{reasons: make(map[string]int64)}
	work := make(chan scenario, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for s := range work {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				start := time.Now()
				resp, status, err := tap(ctx, client, baseURL, s.Request)
				m.LatencyMs.Add(time.Since(start).Milliseconds())

				switch {
				case status == http.StatusTooManyRequests:
					m.Throttled.Add(1)
					continue
				case err != nil:
					m.Errors.Add(1)
					if verbose {
						fmt.Printf("ERROR %s @ %s: %v\n", s.Request.CardUID, s.Request.VendorID, err)
					}
					continue
				}

				outcome := domain.TapApproved
				if resp.Approved {
					m.Approved.Add(1)
				} else {
					m.Rejected.Add(1)
					outcome = resp.Reason
				}
				m.reason(outcome)

				if s.Expected != "" {
					if s.Expected == outcome {
						m.Matched.Add(1)
					} else {
						m.Mismatched.Add(1)
					}
				}

				if verbose {
					fmt.Printf("%-16s @ %-12s -> %-40s fraud=%3d\n",
						s.Request.CardUID, s.Request.VendorID, outcome, resp.FraudScore)
				}
			}
		}()
	}

feed:
	for i := 0; i < repeat; i++ {
		for _, s := range scenarios {
			select {
			case work <- s:
			case <-ctx.Done():
				break feed
			}
		}
	}
	close(work)
	wg.Wait()
	return m
}

func tap(ctx context.Context, client *http.Client, baseURL string, req domain.TapRequest) (*domain.TapResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/taps/validate", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-POS-Reader-ID", req.POSReaderID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.TapResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, err
	}
	return &result, resp.StatusCode, nil
}

func printResults(m *Metrics, duration time.Duration) {
	total := m.Approved.Load() + m.Rejected.Load()

	fmt.Println("\nTAPSIM RESULTS")
	fmt.Printf("   Approved:   %d\n", m.Approved.Load())
	fmt.Printf("   Rejected:   %d\n", m.Rejected.Load())
	fmt.Printf("   Throttled:  %d\n", m.Throttled.Load())
	fmt.Printf("   Errors:     %d\n", m.Errors.Load())

	if len(m.reasons) > 0 {
		fmt.Println("\n   Outcomes:")
		keys := make([]string, 0, len(m.reasons))
		for k := range m.reasons {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("     %-42s %d\n", k, m.reasons[k])
		}
	}

	if scored := m.Matched.Load() + m.Mismatched.Load(); scored > 0 {
		fmt.Printf("\n   Expectations met: %d / %d (%.2f%%)\n",
			m.Matched.Load(), scored, 100*float64(m.Matched.Load())/float64(scored))
	}

	fmt.Printf("\n   Duration:   %v\n", duration.Round(time.Millisecond))
	if total > 0 {
		fmt.Printf("   Avg latency: %.2f ms\n", float64(m.LatencyMs.Load())/float64(total))
		fmt.Printf("   Throughput:  %.2f taps/sec\n", float64(total)/duration.Seconds())
	}
	fmt.Println()
}
