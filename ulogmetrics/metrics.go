// Package ulogmetrics exposes the UpdateLog's operational metrics via a
// Prometheus collector, the same pull-based shape as the teacher's
// metrics.TurnstoneCollector: a StatsProvider is polled on each scrape
// rather than pushed to on every operation.
package ulogmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ulog"

// Stats is the snapshot an UpdateLog exposes to the collector each scrape.
// State is the numeric state machine value from spec.md ยง3 (kept stable:
// ACTIVE=3, REPLAYING=0, BUFFERING=1, APPLYING_BUFFERED=2).
type Stats struct {
	BufferedOpCount       int64
	RemainingReplayLogs   int64
	RemainingReplayBytes  int64
	State                 int64

	OpsReplay             int64
	OpsApplyingBuffered   int64
	OpsCopyOverOldUpdates int64

	HandlerStartUnixNano int64
}

// StatsProvider is implemented by *ulog.UpdateLog.
type StatsProvider interface {
	MetricsSnapshot() Stats
}

// Collector adapts a StatsProvider to prometheus.Collector.
type Collector struct {
	provider StatsProvider

	bufferedOps      *prometheus.Desc
	replayLogsLeft   *prometheus.Desc
	replayBytesLeft  *prometheus.Desc
	state            *prometheus.Desc
	opsReplay        *prometheus.Desc
	opsApplyBuffered *prometheus.Desc
	opsCopyOverOld   *prometheus.Desc
	handlerStart     *prometheus.Desc
}

func newDesc(sub, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, nil, nil)
}

func NewCollector(provider StatsProvider) *Collector {
	return &Collector{
		provider:         provider,
		bufferedOps:      newDesc("buffer", "op_count", "Operations currently accumulated in the buffer tlog."),
		replayLogsLeft:   newDesc("replay", "logs_remaining", "Old logs still pending replay."),
		replayBytesLeft:  newDesc("replay", "bytes_remaining", "Bytes across logs still pending replay."),
		state:            newDesc("state", "numeric", "Numeric state machine value (ACTIVE=3, REPLAYING=0, BUFFERING=1, APPLYING_BUFFERED=2)."),
		opsReplay:        newDesc("ops", "replay_total", "Operations dispatched by the replayer, during startup recovery and while APPLYING_BUFFERED."),
		opsApplyBuffered: newDesc("ops", "applying_buffered_total", "Operations dispatched while APPLYING_BUFFERED."),
		opsCopyOverOld:   newDesc("ops", "copy_over_old_updates_total", "Buffered operations copied from a buffer tlog into the live tlog during replay."),
		handlerStart:     newDesc("handler", "start_time_seconds", "Unix time the update handler started."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bufferedOps
	ch <- c.replayLogsLeft
	ch <- c.replayBytesLeft
	ch <- c.state
	ch <- c.opsReplay
	ch <- c.opsApplyBuffered
	ch <- c.opsCopyOverOld
	ch <- c.handlerStart
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.provider.MetricsSnapshot()
	ch <- prometheus.MustNewConstMetric(c.bufferedOps, prometheus.GaugeValue, float64(s.BufferedOpCount))
	ch <- prometheus.MustNewConstMetric(c.replayLogsLeft, prometheus.GaugeValue, float64(s.RemainingReplayLogs))
	ch <- prometheus.MustNewConstMetric(c.replayBytesLeft, prometheus.GaugeValue, float64(s.RemainingReplayBytes))
	ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(s.State))
	ch <- prometheus.MustNewConstMetric(c.opsReplay, prometheus.CounterValue, float64(s.OpsReplay))
	ch <- prometheus.MustNewConstMetric(c.opsApplyBuffered, prometheus.CounterValue, float64(s.OpsApplyingBuffered))
	ch <- prometheus.MustNewConstMetric(c.opsCopyOverOld, prometheus.CounterValue, float64(s.OpsCopyOverOldUpdates))
	ch <- prometheus.MustNewConstMetric(c.handlerStart, prometheus.CounterValue, float64(s.HandlerStartUnixNano)/1e9)
}

// MustRegister registers the collector against reg, mirroring the
// teacher's StartMetricsServer registration call.
func MustRegister(reg *prometheus.Registry, provider StatsProvider) {
	reg.MustRegister(NewCollector(provider))
}
