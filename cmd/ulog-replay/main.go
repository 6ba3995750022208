// Command ulog-replay opens an UpdateLog directory offline, driving the
// same crash-recovery path ulog.Open runs on every shard startup, and
// reports what it found. Grounded on the teacher's cmd/turnstone-restore:
// same flag/signal/logging shape, but there is no backup blob to ingest —
// recovery here replays whatever tlogs and buffer tlogs are already on
// disk, and the index-writer side of the system this spec excludes
// (spec.md Non-goals) is satisfied with a no-op stand-in.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ulog"
)

var (
	dir    = flag.String("dir", "", "UpdateLog directory to replay (required)")
	dumpN  = flag.Int("dump", 0, "Print up to N recent update versions after replay (0 disables)")
	verbose = flag.Bool("v", false, "Verbose (debug-level) logging during replay")
)

func main() {
	flag.Parse()
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: ulog-replay -dir <path> [-dump N] [-v]")
		os.Exit(2)
	}

	_, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runReplay(); err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}
}

func runReplay() error {
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fmt.Printf("Replaying: %s\n", *dir)
	start := time.Now()

	u, err := ulog.Open(ulog.Config{}, *dir, &inspectWriter{}, logger, start.UnixNano())
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer u.Close()

	elapsed := time.Since(start)
	stats := u.MetricsSnapshot()

	fmt.Printf("Replay complete in %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  state:                   %s\n", ulog.State(stats.State))
	fmt.Printf("  ops replayed:            %d\n", stats.OpsReplay)
	fmt.Printf("  ops applying buffered:   %d\n", stats.OpsApplyingBuffered)
	fmt.Printf("  ops copied over:         %d\n", stats.OpsCopyOverOldUpdates)
	fmt.Printf("  remaining old logs:      %d\n", stats.RemainingReplayLogs)
	fmt.Printf("  remaining old log bytes: %d\n", stats.RemainingReplayBytes)
	fmt.Printf("  buffered ops:            %d\n", stats.BufferedOpCount)

	if *dumpN > 0 {
		snap := u.RecentUpdates()
		defer snap.Close()
		versions := snap.GetVersions(*dumpN, 1<<62)
		fmt.Printf("Most recent %d version(s):\n", len(versions))
		for _, v := range versions {
			e, ok := snap.Lookup(v)
			if !ok {
				continue
			}
			fmt.Printf("  version=%d op=%s log=%d offset=%d\n", e.Version, e.Op, e.LogID, e.Offset)
		}
	}

	return nil
}

// inspectWriter satisfies ulog.IndexWriter for offline inspection: there is
// no attached search index to notify or consult, so every call is a no-op
// or an unconditional miss.
type inspectWriter struct{}

func (inspectWriter) Commit() error                           { return nil }
func (inspectWriter) OpenNewSearcher() error                  { return nil }
func (inspectWriter) GetVersionFromIndex(string) (int64, bool) { return 0, false }
func (inspectWriter) IsPersistent() bool                      { return false }
func (inspectWriter) IsReloaded() bool                        { return false }
