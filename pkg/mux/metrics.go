package mux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentencesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seamux_sentences_received_total",
			Help: "Sentences accepted from an input interface.",
		},
		[]string{"interface"},
	)

	sentencesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seamux_sentences_sent_total",
			Help: "Sentences written to an output interface.",
		},
		[]string{"interface"},
	)

	queueDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seamux_queue_drops_total",
			Help: "Sentences evicted from a full output queue.",
		},
		[]string{"interface"},
	)
)

// QueueDrops returns the drop counter for an interface's queue.
func QueueDrops(name string) prometheus.Counter {
	return queueDrops.WithLabelValues(name)
}

// CountReceived increments the received counter for an interface.
func CountReceived(name string) {
	sentencesReceived.WithLabelValues(name).Inc()
}

// CountSent increments the sent counter for an interface. Transport
// write loops call this after a successful write.
func CountSent(name string) {
	sentencesSent.WithLabelValues(name).Inc()
}
