package ext

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// extMetrics counts runtime activity per extension. Each extension owns its
// set so several extensions in one process don't collide.
type extMetrics struct {
	set         *metrics.Set
	intercepted [2]*metrics.Counter
	manipulated *metrics.Counter
	blocked     *metrics.Counter
	sent        *metrics.Counter
	lost        *metrics.Counter
	events      *metrics.Counter
}

func newExtMetrics() *extMetrics {
	set := metrics.NewSet()
	return &extMetrics{
		set: set,
		intercepted: [2]*metrics.Counter{
			set.NewCounter(`gearth_packets_intercepted_total{direction="toclient"}`),
			set.NewCounter(`gearth_packets_intercepted_total{direction="toserver"}`),
		},
		manipulated: set.NewCounter(`gearth_packets_manipulated_total`),
		blocked:     set.NewCounter(`gearth_packets_blocked_total`),
		sent:        set.NewCounter(`gearth_packets_sent_total`),
		lost:        set.NewCounter(`gearth_packets_lost_total`),
		events:      set.NewCounter(`gearth_events_raised_total`),
	}
}

// WriteMetrics dumps the extension's counters in Prometheus text format.
func (e *Extension) WriteMetrics(w io.Writer) {
	e.metrics.set.WritePrometheus(w)
}
