package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/gelf"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/logging"
)

var (
	target         = flag.String("target", "127.0.0.1:12201", "GELF UDP endpoint")
	targetRate     = flag.Int("rate", 10000, "Target datagrams per second across all workers")
	duration       = flag.Int("duration", 60, "Test duration in seconds")
	workers        = flag.Int("workers", 4, "Number of sender goroutines")
	containers     = flag.Int("containers", 16, "Distinct container_id values per worker")
	multilineRatio = flag.Float64("multiline", 0.2, "Fraction of messages split into continued fragments")
	fragments      = flag.Int("fragments", 5, "Fragments per multi-line message")
	compression    = flag.String("compression", "gzip", "Payload compression (none, gzip, zlib)")
	chunkSize      = flag.Int("chunk-size", gelf.DefaultChunkSize, "Maximum datagram size before chunking")
	reportInterval = flag.Int("interval", 5, "Report interval in seconds")
)

// Stats tracks load test statistics
type Stats struct {
	messages  uint64
	fragments uint64
	datagrams uint64
	bytes     uint64
	errors    uint64
	startTime time.Time
}

func (s *Stats) Report() {
	elapsed := time.Since(s.startTime).Seconds()
	messages := atomic.LoadUint64(&s.messages)
	fragments := atomic.LoadUint64(&s.fragments)
	datagrams := atomic.LoadUint64(&s.datagrams)
	bytes := atomic.LoadUint64(&s.bytes)
	errors := atomic.LoadUint64(&s.errors)

	fmt.Printf("\n=== Load Test Statistics ===\n")
	fmt.Printf("Duration: %.2f seconds\n", elapsed)
	fmt.Printf("Logical Messages: %d (%.0f/sec)\n", messages, float64(messages)/elapsed)
	fmt.Printf("GELF Messages: %d (%.0f/sec)\n", fragments, float64(fragments)/elapsed)
	fmt.Printf("Datagrams: %d (%.0f/sec)\n", datagrams, float64(datagrams)/elapsed)
	fmt.Printf("Throughput: %.2f MB/sec\n", float64(bytes)/elapsed/1024/1024)
	fmt.Printf("Send Errors: %d\n", errors)
	fmt.Printf("============================\n\n")
}

func main() {
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  "info",
		Format: "console",
	})

	fmt.Printf("Starting GELF load test...\n")
	fmt.Printf("Target: %s\n", *target)
	fmt.Printf("Target Rate: %d datagrams/sec\n", *targetRate)
	fmt.Printf("Duration: %d seconds\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("Multi-line Ratio: %.2f (%d fragments)\n", *multilineRatio, *fragments)
	fmt.Printf("Compression: %s\n\n", *compression)

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *logging.Logger) error {
	if *workers <= 0 || *targetRate <= 0 {
		return fmt.Errorf("workers and rate must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	writer := &gelf.Writer{
		ChunkSize:   *chunkSize,
		Compression: gelf.Compression(*compression),
	}

	stats := &Stats{startTime: time.Now()}

	go func() {
		ticker := time.NewTicker(time.Duration(*reportInterval) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats.Report()
			}
		}
	}()

	perWorker := *targetRate / *workers
	if perWorker == 0 {
		perWorker = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		conn, err := net.Dial("udp", *target)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("failed to dial %s: %w", *target, err)
		}

		wg.Add(1)
		go func(workerID int, conn net.Conn) {
			defer wg.Done()
			defer conn.Close()
			runWorker(ctx, workerID, conn, writer, rate.NewLimiter(rate.Limit(perWorker), perWorker), stats)
		}(i, conn)
	}

	select {
	case <-time.After(time.Duration(*duration) * time.Second):
		logger.Info().Msg("Test duration reached")
	case <-sigCh:
		logger.Info().Msg("Received shutdown signal")
	}

	cancel()
	wg.Wait()

	stats.Report()

	return nil
}

func runWorker(ctx context.Context, workerID int, conn net.Conn, writer *gelf.Writer, limiter *rate.Limiter, stats *Stats) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		containerID := fmt.Sprintf("worker%d-container%d", workerID, rng.Intn(*containers))

		lines := []string{fmt.Sprintf("request %d handled", rng.Int63())}
		if rng.Float64() < *multilineRatio {
			lines = stackTrace(rng, *fragments)
		}

		// Fragments of one message go out back to back so the
		// listener sees them in order for this container
		for i, line := range lines {
			if err := limiter.Wait(ctx); err != nil {
				return
			}

			if i < len(lines)-1 {
				line += `\`
			}

			if err := send(conn, writer, containerID, line, stats); err != nil {
				atomic.AddUint64(&stats.errors, 1)
			}
			atomic.AddUint64(&stats.fragments, 1)
		}
		atomic.AddUint64(&stats.messages, 1)
	}
}

func send(conn net.Conn, writer *gelf.Writer, containerID, line string, stats *Stats) error {
	payload, err := json.Marshal(map[string]interface{}{
		"version":       "1.1",
		"host":          "loadtest",
		"short_message": line,
		"timestamp":     float64(time.Now().UnixNano()) / 1e9,
		"level":         6,
		"_container_id": containerID,
	})
	if err != nil {
		return err
	}

	datagrams, err := writer.Encode(payload)
	if err != nil {
		return err
	}

	for _, d := range datagrams {
		if _, err := conn.Write(d); err != nil {
			return err
		}
		atomic.AddUint64(&stats.datagrams, 1)
		atomic.AddUint64(&stats.bytes, uint64(len(d)))
	}
	return nil
}

func stackTrace(rng *rand.Rand, n int) []string {
	if n < 2 {
		n = 2
	}
	lines := make([]string, 0, n)
	lines = append(lines, fmt.Sprintf("java.lang.IllegalStateException: request %d failed", rng.Int63()))
	for i := 1; i < n; i++ {
		lines = append(lines, fmt.Sprintf("\tat com.example.Service.handle%d(Service.java:%d)", i, rng.Intn(500)))
	}
	return lines
}
