package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "murmur"

// Stream outcomes used as the "outcome" label of StreamsFinished.
const (
	OutcomeComplete  = "complete"
	OutcomeEOF       = "eof"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

var (
	StreamsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "started_total",
			Help:      "Total number of streams opened against the chat endpoint",
		},
	)

	StreamsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "finished_total",
			Help:      "Total number of streams that ended, by outcome",
		},
		[]string{"outcome"},
	)

	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_dropped_total",
			Help:      "Frames whose payload could not be decoded",
		},
	)

	TitleRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "title",
			Name:      "requests_total",
			Help:      "Title generations, by source of the resulting title",
		},
		[]string{"outcome"},
	)

	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Catalogue writes issued by the repository",
		},
		[]string{"op", "result"},
	)

	RelayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Requests handled by the relay server",
		},
		[]string{"endpoint", "status"},
	)
)

func ResultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
