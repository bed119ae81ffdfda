package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v3"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	P99Latency    time.Duration
	MaxLatency    time.Duration
}

// benchClient drives a running server over its HTTP API.
type benchClient struct {
	baseURL string
	client  *http.Client
}

func (a *app) benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Load a running server with merges and verified reads",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "Server base URL"},
			&cli.IntFlag{Name: "ops", Value: 1000, Usage: "Merge operations per phase"},
			&cli.IntFlag{Name: "concurrency", Value: 10, Usage: "Concurrent clients"},
			&cli.IntFlag{Name: "keys", Value: 50, Usage: "Distinct keys receiving operands"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			b := &benchClient{
				baseURL: strings.TrimRight(c.String("url"), "/"),
				client:  &http.Client{Timeout: 5 * time.Second},
			}
			if err := b.health(ctx); err != nil {
				return fmt.Errorf("server %s is not available: %w", b.baseURL, err)
			}

			ops, workers, keys := int(c.Int("ops")), int(c.Int("concurrency")), int(c.Int("keys"))
			if ops < 1 || workers < 1 || keys < 1 {
				return fmt.Errorf("ops, concurrency and keys must be positive")
			}
			w := c.Root().Writer

			// ключи уникальны для каждого запуска, чтобы проверка цепочек была точной
			prefix := fmt.Sprintf("bench-%d", time.Now().UnixNano())

			fmt.Fprintf(w, "Merges (%d operations, %d clients)\n", ops, workers)
			printResult(w, b.runMerges(ctx, prefix, ops, workers, keys))

			fmt.Fprintf(w, "Reads (%d operations, %d clients)\n", ops, workers)
			printResult(w, b.runReads(ctx, prefix, ops, workers, keys))

			return b.verify(ctx, prefix, ops, keys)
		},
	}
}

func (b *benchClient) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func benchKey(prefix string, i int) string {
	return fmt.Sprintf("%s-%04d", prefix, i)
}

// runLoad spreads total operations over workers and collects latencies.
func runLoad(total, workers int, op func(i int) error) BenchmarkResult {
	start := time.Now()
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		failed    int
		latencies = make([]time.Duration, 0, total)
	)

	next := make(chan int)
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				opStart := time.Now()
				err := op(i)
				latency := time.Since(opStart)

				mu.Lock()
				if err != nil {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < total; i++ {
		next <- i
	}
	close(next)
	wg.Wait()

	return summarize(total, failed, time.Since(start), latencies)
}

func summarize(total, failed int, duration time.Duration, latencies []time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      total,
		SuccessfulOps: total - failed,
		FailedOps:     failed,
		Duration:      duration,
	}
	if duration > 0 {
		res.OpsPerSec = float64(res.SuccessfulOps) / duration.Seconds()
	}
	if len(latencies) == 0 {
		return res
	}

	slices.Sort(latencies)
	var sum time.Duration
	for _, lat := range latencies {
		sum += lat
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.MinLatency = latencies[0]
	res.P99Latency = latencies[(len(latencies)*99)/100]
	res.MaxLatency = latencies[len(latencies)-1]
	return res
}

func (b *benchClient) runMerges(ctx context.Context, prefix string, ops, workers, keys int) BenchmarkResult {
	return runLoad(ops, workers, func(i int) error {
		return b.merge(ctx, benchKey(prefix, i%keys), fmt.Sprint(i))
	})
}

func (b *benchClient) runReads(ctx context.Context, prefix string, ops, workers, keys int) BenchmarkResult {
	return runLoad(ops, workers, func(i int) error {
		_, found, err := b.get(ctx, benchKey(prefix, i%keys))
		if err == nil && !found {
			err = fmt.Errorf("key not found")
		}
		return err
	})
}

// verify checks that every operand reached its key exactly once. The server
// is expected to run the string append operator with ',' as delimiter.
func (b *benchClient) verify(ctx context.Context, prefix string, ops, keys int) error {
	for k := 0; k < keys && k < ops; k++ {
		value, found, err := b.get(ctx, benchKey(prefix, k))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %s lost", benchKey(prefix, k))
		}

		got := strings.Split(value, ",")
		want := (ops - k + keys - 1) / keys
		if len(got) != want {
			return fmt.Errorf("key %s: expected %d operands, got %d", benchKey(prefix, k), want, len(got))
		}
	}
	return nil
}

func (b *benchClient) merge(ctx context.Context, key, operand string) error {
	data := url.Values{}
	data.Set("key", key)
	data.Set("value", operand)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/merge", strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Читаем тело ответа для очистки
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func (b *benchClient) get(ctx context.Context, key string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/string?key="+url.QueryEscape(key), nil)
	if err != nil {
		return "", false, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		Status string `json:"status"`
		Value  string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, err
	}

	return result.Value, true, nil
}

func printResult(w io.Writer, result BenchmarkResult) {
	fmt.Fprintf(w, "  Total Operations: %d\n", result.TotalOps)
	fmt.Fprintf(w, "  Successful: %d\n", result.SuccessfulOps)
	fmt.Fprintf(w, "  Failed: %d\n", result.FailedOps)
	fmt.Fprintf(w, "  Duration: %v\n", result.Duration)
	fmt.Fprintf(w, "  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Fprintf(w, "  Avg Latency: %v\n", result.AvgLatency)
	fmt.Fprintf(w, "  Min Latency: %v\n", result.MinLatency)
	fmt.Fprintf(w, "  P99 Latency: %v\n", result.P99Latency)
	fmt.Fprintf(w, "  Max Latency: %v\n", result.MaxLatency)
}
