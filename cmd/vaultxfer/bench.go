package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// serverQueries are evaluated against the Prometheus scraping the gateway
// once a run is over.
var serverQueries = map[string]string{
	"http_p95_seconds":       `histogram_quantile(0.95, sum by (le) (rate(http_request_duration_seconds_bucket[%s])))`,
	"backend_p95_seconds":    `histogram_quantile(0.95, sum by (le) (rate(backend_operation_duration_seconds_bucket[%s])))`,
	"transfer_p95_seconds":   `histogram_quantile(0.95, sum by (le) (rate(transfer_duration_seconds_bucket[%s])))`,
	"segment_uploads":        `sum(increase(segment_uploads_total[%s]))`,
	"backend_retries":        `sum(increase(backend_retries_total[%s]))`,
	"avg_memory_alloc_bytes": `avg_over_time(memory_alloc_bytes[%s])`,
}

// benchConfig drives a load run against a running gateway.
type benchConfig struct {
	GatewayURL  string
	Container   string
	Workers     int
	Duration    time.Duration
	QPS         int // per worker
	ObjectSize  int64
	RangeSize   int64
	SegmentSize int64
}

// benchResult is also the baseline file format.
type benchResult struct {
	Timestamp          time.Time     `json:"timestamp"`
	Duration           time.Duration `json:"duration"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	P50Latency         time.Duration `json:"p50_latency"`
	P95Latency         time.Duration `json:"p95_latency"`
	P99Latency         time.Duration `json:"p99_latency"`
	AvgLatency         time.Duration `json:"avg_latency"`
	MinLatency         time.Duration `json:"min_latency"`
	MaxLatency         time.Duration `json:"max_latency"`
	Throughput         float64       `json:"throughput_req_per_sec"`
	BytesSent          int64         `json:"bytes_sent"`
	BytesReceived      int64         `json:"bytes_received"`
	ErrorRate          float64       `json:"error_rate"`
}

type regression struct {
	Latency     float64 // percent
	Throughput  float64 // percent
	ErrorRate   float64 // percentage points
	Significant bool
	Details     []string
}

func newBenchCmd() *cobra.Command {
	var (
		cfg            benchConfig
		baselineFile   string
		threshold      float64
		updateBaseline bool
		prometheusURL  string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load test a running gateway with uploads and range reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			logger.SetOutput(cmd.ErrOrStderr())

			res, err := runBench(cmd.Context(), cfg, &http.Client{Timeout: 5 * time.Minute}, logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printBenchResult(out, res)

			if prometheusURL != "" {
				values, err := queryServerMetrics(cmd.Context(), prometheusURL, res.Timestamp.Add(res.Duration), res.Duration)
				if err != nil {
					logger.WithError(err).Warn("Failed to query Prometheus metrics")
				} else {
					printServerMetrics(out, values)
				}
			}

			if baselineFile == "" {
				return nil
			}
			if updateBaseline {
				return saveBaseline(res, baselineFile)
			}
			baseline, err := loadBaseline(baselineFile)
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(out, "No baseline found, run with --update-baseline to create one")
				return nil
			}
			if err != nil {
				return err
			}
			reg := analyzeRegression(baseline, res, threshold)
			for _, d := range reg.Details {
				fmt.Fprintf(out, "- %s\n", d)
			}
			if reg.Significant {
				return fmt.Errorf("significant regression against %s", baselineFile)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.GatewayURL, "gateway-url", "http://localhost:8080", "gateway base URL")
	f.StringVar(&cfg.Container, "container", "bench", "container (or vault root container) to write to")
	f.IntVar(&cfg.Workers, "workers", 5, "number of concurrent workers")
	f.DurationVar(&cfg.Duration, "duration", 30*time.Second, "run duration")
	f.IntVar(&cfg.QPS, "qps", 5, "iterations per second per worker")
	f.Int64Var(&cfg.ObjectSize, "object-size", 8*1024*1024, "object size in bytes")
	f.Int64Var(&cfg.RangeSize, "range-size", 64*1024, "bytes per range read, 0 reads whole objects")
	f.Int64Var(&cfg.SegmentSize, "segment-size", 0, "segment size sent with uploads, 0 uses the gateway default")
	f.StringVar(&baselineFile, "baseline", "", "baseline file to compare against")
	f.Float64Var(&threshold, "threshold", 10, "regression threshold in percent")
	f.BoolVar(&updateBaseline, "update-baseline", false, "write the baseline instead of comparing")
	f.StringVar(&prometheusURL, "prometheus-url", "", "Prometheus scraping the gateway, queried for server-side figures")
	return cmd
}

// runBench runs workers that each upload an object and read a range of
// it back, QPS times per second, until the duration elapses or ctx ends.
// Iterations in flight when the duration elapses run to completion.
// Objects are deleted afterwards.
func runBench(ctx context.Context, cfg benchConfig, client *http.Client, logger *logrus.Logger) (*benchResult, error) {
	if cfg.Workers <= 0 || cfg.QPS <= 0 || cfg.ObjectSize <= 0 {
		return nil, fmt.Errorf("workers, qps and object size must be positive")
	}
	logger.WithFields(logrus.Fields{
		"gateway":     cfg.GatewayURL,
		"workers":     cfg.Workers,
		"duration":    cfg.Duration,
		"qps":         cfg.QPS,
		"object_size": cfg.ObjectSize,
	}).Info("Starting load test")

	payload := make([]byte, cfg.ObjectSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	var (
		res       benchResult
		mu        sync.Mutex
		latencies []time.Duration
		created   []string
		wg        sync.WaitGroup
	)
	record := func(latency time.Duration, sent, received int64, err error) {
		atomic.AddInt64(&res.TotalRequests, 1)
		if err != nil {
			atomic.AddInt64(&res.FailedRequests, 1)
			logger.WithError(err).Debug("Request failed")
			return
		}
		atomic.AddInt64(&res.SuccessfulRequests, 1)
		atomic.AddInt64(&res.BytesSent, sent)
		atomic.AddInt64(&res.BytesReceived, received)
		mu.Lock()
		latencies = append(latencies, latency)
		mu.Unlock()
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()
	interval := time.Second / time.Duration(cfg.QPS)
	start := time.Now()
	run := uuid.NewString()

	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for n := 0; ; n++ {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
				}
				url := fmt.Sprintf("%s/%s/bench-%s/w%d/%d", cfg.GatewayURL, cfg.Container, run, worker, n)

				t := time.Now()
				err := benchPut(ctx, client, url, payload, cfg.SegmentSize)
				record(time.Since(t), int64(len(payload)), 0, err)
				if err != nil {
					continue
				}
				mu.Lock()
				created = append(created, url)
				mu.Unlock()

				t = time.Now()
				got, err := benchGet(ctx, client, url, cfg.ObjectSize, cfg.RangeSize)
				record(time.Since(t), 0, got, err)
			}
		}(w)
	}
	wg.Wait()
	res.Duration = time.Since(start)
	res.Timestamp = start.UTC()

	for _, url := range created {
		if err := benchDelete(ctx, client, url); err != nil {
			logger.WithError(err).WithField("url", url).Warn("Failed to clean up object")
		}
	}

	summarize(&res, latencies)
	return &res, nil
}

func benchPut(ctx context.Context, client *http.Client, url string, payload []byte, segmentSize int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(payload))
	if segmentSize > 0 {
		req.Header.Set("X-Segment-Size", fmt.Sprint(segmentSize))
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PUT %s: %s", url, resp.Status)
	}
	return nil
}

// benchGet reads a range from the middle of the object, or all of it when
// rangeSize is zero.
func benchGet(ctx context.Context, client *http.Client, url string, size, rangeSize int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	want := http.StatusOK
	if rangeSize > 0 && rangeSize < size {
		first := (size - rangeSize) / 2
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", first, first+rangeSize-1))
		want = http.StatusPartialContent
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return n, err
	}
	if resp.StatusCode != want {
		return n, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return n, nil
}

func benchDelete(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("DELETE %s: %s", url, resp.Status)
	}
	return nil
}

func summarize(res *benchResult, latencies []time.Duration) {
	if res.TotalRequests > 0 {
		res.ErrorRate = float64(res.FailedRequests) / float64(res.TotalRequests)
	}
	if res.Duration > 0 {
		res.Throughput = float64(res.TotalRequests) / res.Duration.Seconds()
	}
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	res.AvgLatency = total / time.Duration(len(latencies))
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.P50Latency = percentile(latencies, 0.50)
	res.P95Latency = percentile(latencies, 0.95)
	res.P99Latency = percentile(latencies, 0.99)
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func analyzeRegression(baseline, current *benchResult, threshold float64) regression {
	var r regression
	if baseline.AvgLatency > 0 {
		r.Latency = float64(current.AvgLatency-baseline.AvgLatency) / float64(baseline.AvgLatency) * 100
		if r.Latency > threshold {
			r.Significant = true
			r.Details = append(r.Details, fmt.Sprintf("latency up %.2f%% (threshold %.2f%%)", r.Latency, threshold))
		}
	}
	if baseline.Throughput > 0 {
		r.Throughput = (current.Throughput - baseline.Throughput) / baseline.Throughput * 100
		if -r.Throughput > threshold {
			r.Significant = true
			r.Details = append(r.Details, fmt.Sprintf("throughput down %.2f%% (threshold %.2f%%)", math.Abs(r.Throughput), threshold))
		}
	}
	r.ErrorRate = (current.ErrorRate - baseline.ErrorRate) * 100
	if r.ErrorRate > threshold {
		r.Significant = true
		r.Details = append(r.Details, fmt.Sprintf("error rate up %.2f percentage points", r.ErrorRate))
	}
	return r
}

func saveBaseline(res *benchResult, file string) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o644)
}

func loadBaseline(file string) (*benchResult, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var res benchResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("invalid baseline %s: %w", file, err)
	}
	return &res, nil
}

// queryServerMetrics evaluates serverQueries over the window ending at end.
// Queries without samples are left out.
func queryServerMetrics(ctx context.Context, prometheusURL string, end time.Time, window time.Duration) (map[string]float64, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, err
	}
	promAPI := promv1.NewAPI(client)

	rng := model.Duration(window)
	if window < time.Minute {
		rng = model.Duration(time.Minute)
	}
	values := make(map[string]float64, len(serverQueries))
	for name, query := range serverQueries {
		value, _, err := promAPI.Query(ctx, fmt.Sprintf(query, rng), end)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		if vector, ok := value.(model.Vector); ok && len(vector) > 0 {
			values[name] = float64(vector[0].Value)
		}
	}
	return values, nil
}

func printServerMetrics(w io.Writer, values map[string]float64) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "server %s: %g\n", name, values[name])
	}
}

func printBenchResult(w io.Writer, res *benchResult) {
	fmt.Fprintf(w, "Duration:       %v\n", res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Requests:       %d (%d failed, %.2f%% errors)\n", res.TotalRequests, res.FailedRequests, res.ErrorRate*100)
	fmt.Fprintf(w, "Throughput:     %.2f req/s\n", res.Throughput)
	fmt.Fprintf(w, "Latency avg:    %v\n", res.AvgLatency)
	fmt.Fprintf(w, "Latency p50/95/99: %v / %v / %v\n", res.P50Latency, res.P95Latency, res.P99Latency)
	fmt.Fprintf(w, "Latency min/max: %v / %v\n", res.MinLatency, res.MaxLatency)
	fmt.Fprintf(w, "Bytes sent:     %d\n", res.BytesSent)
	fmt.Fprintf(w, "Bytes received: %d\n", res.BytesReceived)
}
