package resource

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelTrue        = "true"
	labelFalse       = "false"
	labelPanic       = "panic"
	labelUnsupported = "unsupported"
)

type Metrics struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the command metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_commands_total",
				Help: "A count of handled commands by result.",
			},
			[]string{"command", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_command_duration_seconds",
				Help:    "Time spent handling a command.",
				Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120, 600},
			},
			[]string{"command"},
		),
	}
}

func (m *Metrics) observe(command, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
	m.duration.WithLabelValues(command).Observe(d.Seconds())
}
