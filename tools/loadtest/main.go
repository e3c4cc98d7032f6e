package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/devaloi/chatsync/internal/domain"
	"github.com/devaloi/chatsync/internal/transport"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	clients := flag.Int("clients", 10, "number of concurrent transports")
	messages := flag.Int("messages", 10, "messages per client")
	settle := flag.Duration("settle", 500*time.Millisecond, "wait for in-flight frames before disconnecting")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	log.Warn("load test", "clients", *clients, "messages", *messages, "url", *url)

	var (
		connected int64
		sent      int64
		received  int64
		failures  int64
		latencies []time.Duration
		latencyMu sync.Mutex
	)

	start := time.Now()
	g, ctx := errgroup.WithContext(context.Background())

	for i := 0; i < *clients; i++ {
		id := i
		g.Go(func() error {
			t := transport.NewWebSocket(transport.Config{
				URL:      fmt.Sprintf("%s?name=user_%d", *url, id),
				SenderID: fmt.Sprintf("user_%d", id),
			}, transport.WithLogger(log))
			defer t.Disconnect()

			states := t.Connect()
			if !awaitConnected(ctx, states) {
				atomic.AddInt64(&failures, 1)
				return nil
			}
			atomic.AddInt64(&connected, 1)

			rctx, cancel := context.WithCancel(ctx)
			defer cancel()
			inbound := t.Receive(rctx)
			go func() {
				for range inbound {
					atomic.AddInt64(&received, 1)
				}
			}()

			for j := 0; j < *messages; j++ {
				sendTime := time.Now()
				if _, err := t.Send(fmt.Sprintf("msg %d from user_%d", j, id)); err != nil {
					atomic.AddInt64(&failures, 1)
					return nil
				}
				atomic.AddInt64(&sent, 1)
				lat := time.Since(sendTime)
				latencyMu.Lock()
				latencies = append(latencies, lat)
				latencyMu.Unlock()
				time.Sleep(10 * time.Millisecond)
			}

			time.Sleep(*settle)
			return nil
		})
	}

	_ = g.Wait()
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:    %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Clients:     %d connected\n", connected)
	fmt.Printf("Sent:        %s messages\n", humanize.Comma(sent))
	fmt.Printf("Received:    %s messages\n", humanize.Comma(received))
	fmt.Printf("Errors:      %d\n", failures)
	if len(latencies) > 0 {
		fmt.Printf("Latency p50: %s\n", percentile(latencies, 50))
		fmt.Printf("Latency p95: %s\n", percentile(latencies, 95))
		fmt.Printf("Latency p99: %s\n", percentile(latencies, 99))
	}
	fmt.Printf("Throughput:  %s msgs/sec\n", humanize.CommafWithDigits(float64(sent)/elapsed.Seconds(), 0))
}

// awaitConnected waits for the first handshake. Any failure counts as a
// failed client; the load test does not wait out reconnects.
func awaitConnected(ctx context.Context, states <-chan domain.ConnectionState) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case s, ok := <-states:
			if !ok {
				return false
			}
			switch s.Status {
			case domain.StatusConnected:
				return true
			case domain.StatusFailed:
				return false
			}
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
