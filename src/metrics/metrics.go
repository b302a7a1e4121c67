package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PagePoolEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tupstore",
			Subsystem: "pagepool",
			Name:      "events",
			Help:      "Counter of common page pool events.",
		}, []string{"type"})

	SlotEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tupstore",
			Subsystem: "fragment",
			Name:      "slot_events",
			Help:      "Counter of tuple and copy slot allocations and frees.",
		}, []string{"type"})

	OperationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tupstore",
			Subsystem: "engine",
			Name:      "operation_events",
			Help:      "Counter of operation lifecycle events.",
		}, []string{"type"})

	UndoRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tupstore",
			Subsystem: "undo",
			Name:      "records",
			Help:      "Counter of UNDO records appended, by kind.",
		}, []string{"kind"})

	UndoPagesFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tupstore",
			Subsystem: "undo",
			Name:      "pages_flushed",
			Help:      "Counter of UNDO log pages written.",
		})

	UndoFreePages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tupstore",
			Subsystem: "undo",
			Name:      "free_pages",
			Help:      "Remaining UNDO page budget.",
		})

	UndoBackpressure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tupstore",
			Subsystem: "undo",
			Name:      "backpressure_events",
			Help:      "Counter of low-water crossings of the UNDO page budget.",
		})

	CheckpointPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tupstore",
			Subsystem: "checkpoint",
			Name:      "pages",
			Help:      "Counter of data pages written to and restored from checkpoint files.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(PagePoolEvents)
	prometheus.MustRegister(SlotEvents)
	prometheus.MustRegister(OperationEvents)
	prometheus.MustRegister(UndoRecords)
	prometheus.MustRegister(UndoPagesFlushed)
	prometheus.MustRegister(UndoFreePages)
	prometheus.MustRegister(UndoBackpressure)
	prometheus.MustRegister(CheckpointPages)
}
