// Command ulog-bench drives a concurrent add/delete/lookup workload
// directly against a ulog.UpdateLog, the same shape as the teacher's
// network benchmark (cmd/turnstone_bench) minus the wire protocol: ulog
// is an embedded library, not a server, so the "clients" here are
// goroutines calling the Go API rather than TCP connections.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	mrand "math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ulog"
	"ulog/record"
)

var (
	dir           = flag.String("dir", "bench_data", "UpdateLog directory")
	concurrency   = flag.Int("c", 50, "Number of concurrent workers")
	totalOps      = flag.Int("n", 10000, "Total number of operations per phase")
	valueSize     = flag.Int("v", 128, "Document payload field size in bytes")
	keyPrefix     = flag.String("prefix", "bench", "Key prefix to avoid collisions between runs")
	readRatio     = flag.Float64("ratio", -1.0, "Read ratio (0.0 to 1.0). If set, runs a mixed workload")
	commitEvery   = flag.Int("commit-every", 1000, "Call PreCommit/PostCommit after this many ops per worker (0 disables)")
)

func main() {
	flag.Parse()

	if *totalOps <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "invalid -n or -c: must be > 0")
		os.Exit(1)
	}

	payload := make([]byte, *valueSize)
	if _, err := rand.Read(payload); err != nil {
		fmt.Fprintf(os.Stderr, "generate payload: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- ulog benchmark ---")
	fmt.Printf("Dir:          %s\n", *dir)
	fmt.Printf("Concurrency:  %d workers\n", *concurrency)
	fmt.Printf("Total Ops:    %d\n", *totalOps)
	fmt.Printf("Payload:      %d bytes\n", *valueSize)
	fmt.Println("----------------------")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := ulog.Config{Dir: *dir}
	u, err := ulog.Open(cfg, *dir, &noopWriter{}, logger, time.Now().UnixNano())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer u.Close()

	mode := "WRITE then READ"
	if *readRatio >= 0 && *readRatio <= 1 {
		mode = fmt.Sprintf("MIXED (%.0f%% read)", *readRatio*100)
		runPhase(u, "MIXED", payload, *readRatio)
	} else {
		runPhase(u, "WRITE", payload, 0.0)
		runPhase(u, "READ ", payload, 1.0)
	}
	fmt.Printf("Mode: %s\n", mode)
}

// noopWriter satisfies ulog.IndexWriter for a benchmark that never attaches
// a real search index; OpenNewSearcher is a no-op and version lookups always
// miss, pushing every LookupVersion call to KeyIndex/OldDeletes instead.
type noopWriter struct{}

func (noopWriter) Commit() error                               { return nil }
func (noopWriter) OpenNewSearcher() error                       { return nil }
func (noopWriter) GetVersionFromIndex(string) (int64, bool)     { return 0, false }
func (noopWriter) IsPersistent() bool                           { return false }
func (noopWriter) IsReloaded() bool                             { return false }

func runPhase(u *ulog.UpdateLog, phase string, payload []byte, readPct float64) {
	fmt.Printf("Starting %s phase...\n", phase)

	var wg sync.WaitGroup
	var version atomic.Int64
	var completed, failed, notFound int64
	var totalLatencyNs int64

	opsPerWorker := *totalOps / *concurrency
	start := time.Now()

	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			seed, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
			r := mrand.New(mrand.NewSource(seed.Int64()))

			for i := 0; i < opsPerWorker; i++ {
				isRead := false
				switch phase {
				case "READ ":
					isRead = true
				case "WRITE":
					isRead = false
				default:
					isRead = r.Float64() < readPct
				}
				id := generateKey(workerID, i)
				opStart := time.Now()

				if isRead {
					if _, ok, err := u.Lookup(id); err != nil {
						atomic.AddInt64(&failed, 1)
					} else if !ok {
						atomic.AddInt64(&notFound, 1)
					} else {
						atomic.AddInt64(&completed, 1)
					}
				} else {
					v := version.Add(1)
					doc := record.Document{"id": id, "payload": string(payload)}
					_, err := u.Add(ulog.AddCommand{Version: v, Doc: doc, ClearCaches: false})
					if err != nil {
						atomic.AddInt64(&failed, 1)
					} else {
						atomic.AddInt64(&completed, 1)
					}
				}

				atomic.AddInt64(&totalLatencyNs, time.Since(opStart).Nanoseconds())

				if *commitEvery > 0 && (i+1)%*commitEvery == 0 {
					if err := u.PreCommit(); err == nil {
						_ = u.PostCommit()
					}
				}
			}
		}(w)
	}
	wg.Wait()
	printStats(phase, time.Since(start), completed, failed, notFound, totalLatencyNs)
}

func generateKey(workerID, index int) string {
	return fmt.Sprintf("%s-%d-%d", *keyPrefix, workerID, index)
}

func printStats(phase string, elapsed time.Duration, success, failed, notFound, totalLatencyNs int64) {
	tps := float64(success) / elapsed.Seconds()
	avgLatency := 0.0
	if success > 0 {
		avgLatency = (float64(totalLatencyNs) / float64(success)) / 1e6
	}
	fmt.Printf("Phase: %s\n", strings.TrimSpace(phase))
	fmt.Printf("  Duration:    %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Successful:  %d\n", success)
	fmt.Printf("  Not Found:   %d\n", notFound)
	fmt.Printf("  Failed:      %d\n", failed)
	fmt.Printf("  Throughput:  %.2f ops/sec\n", tps)
	fmt.Printf("  Avg Latency: %.3f ms\n", avgLatency)
	fmt.Println("----------------------")
}
