package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		updatesFetchedTotal,
		batchesTotal,
		offsetStoresTotal,
		currentOffset,
		commandsTotal,
	)
}

var (
	updatesFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pollbot_updates_fetched_total",
			Help: "Updates surfaced by getUpdates.",
		},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollbot_poll_batches_total",
			Help: "getUpdates rounds by result (empty, non_empty).",
		},
		[]string{"result"},
	)

	offsetStoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollbot_offset_stores_total",
			Help: "Offset checkpoint writes by result.",
		},
		[]string{"result"},
	)

	currentOffset = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pollbot_offset",
			Help: "Last persisted getUpdates offset.",
		},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollbot_commands_total",
			Help: "Dispatched commands.",
		},
		[]string{"command"},
	)
)

func ObserveBatch(size int) {
	if size == 0 {
		batchesTotal.WithLabelValues("empty").Inc()
		return
	}
	batchesTotal.WithLabelValues("non_empty").Inc()
	updatesFetchedTotal.Add(float64(size))
}

func ObserveOffsetStore(offset int64, err error) {
	if err != nil {
		offsetStoresTotal.WithLabelValues("error").Inc()
		return
	}
	offsetStoresTotal.WithLabelValues("ok").Inc()
	currentOffset.Set(float64(offset))
}

func IncCommand(command string) {
	commandsTotal.WithLabelValues(norm(command)).Inc()
}
