package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "latticectl",
			Name:      "commands_total",
			Help:      "Lattice control commands by outcome.",
		},
		[]string{"command", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "latticectl",
			Name:      "command_duration_seconds",
			Help:      "Lattice control command duration in seconds, resolution through confirmation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "outcome"},
	)
	auctionBids = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "latticectl",
			Subsystem: "auction",
			Name:      "bids",
			Help:      "Number of bids collected per auction.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		},
		[]string{"command"},
	)
	linkOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "latticectl",
			Subsystem: "links",
			Name:      "operations_total",
			Help:      "Link registry mutations by result.",
		},
		[]string{"op", "result"},
	)
	controlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "latticectl",
			Subsystem: "hostctl",
			Name:      "requests_total",
			Help:      "Control requests served by the host control endpoint.",
		},
		[]string{"action", "ok"},
	)
)

// Registry is the collector set owned by this process.
var Registry = prometheus.NewRegistry()

func RegisterMetrics() {
	registerOnce.Do(func() {
		Registry.MustRegister(commandsTotal, commandDuration, auctionBids, linkOperations, controlRequests)
	})
}

// RecordCommand counts one finished command run.
func RecordCommand(command, outcome string, duration time.Duration) {
	RegisterMetrics()
	commandsTotal.WithLabelValues(command, outcome).Inc()
	commandDuration.WithLabelValues(command, outcome).Observe(duration.Seconds())
}

func RecordAuction(command string, bids int) {
	RegisterMetrics()
	auctionBids.WithLabelValues(command).Observe(float64(bids))
}

func RecordLinkOperation(op, result string) {
	RegisterMetrics()
	linkOperations.WithLabelValues(op, result).Inc()
}

func RecordControlRequest(action string, ok bool) {
	RegisterMetrics()
	label := "false"
	if ok {
		label = "true"
	}
	controlRequests.WithLabelValues(action, label).Inc()
}

// CommandCount reads the current commands_total value for one label pair.
func CommandCount(command, outcome string) prometheus.Counter {
	return commandsTotal.WithLabelValues(command, outcome)
}

// LinkOperationCount reads the current operations_total counter for one label pair.
func LinkOperationCount(op, result string) prometheus.Counter {
	return linkOperations.WithLabelValues(op, result)
}
