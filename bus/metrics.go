package bus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// metrics exports a stream's auxiliary counters. They are never read back by
// the bus and survive RESET; Stats holds the resettable copies.
type metrics struct {
	packets  prometheus.Counter
	flushes  prometheus.Counter
	controls *prometheus.CounterVec
}

func newMetrics[R Reference[R], M, D any](stream string, impl Topology[R, M, D], reg prometheus.Registerer) *metrics {
	labels := prometheus.Labels{"stream": stream, "topology": string(impl.Kind())}
	m := &metrics{
		packets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vpmu", Subsystem: "stream", Name: "packets_total",
			Help:        "Data packets accepted by the stream.",
			ConstLabels: labels,
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vpmu", Subsystem: "stream", Name: "local_flushes_total",
			Help:        "Per-core local buffer flushes into the channel.",
			ConstLabels: labels,
		}),
		controls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpmu", Subsystem: "stream", Name: "control_packets_total",
			Help:        "Control packets sent, by type.",
			ConstLabels: labels,
		}, []string{"type"}),
	}
	if reg == nil {
		return m
	}
	stalls := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "vpmu", Subsystem: "stream", Name: "backpressure_stalls",
		Help:        "Producer waits for channel space since the last reset.",
		ConstLabels: labels,
	}, func() float64 { return float64(impl.Stalls()) })
	for _, c := range []prometheus.Collector{m.packets, m.flushes, m.controls, stalls} {
		if err := reg.Register(c); err != nil {
			var dup prometheus.AlreadyRegisteredError
			if !errors.As(err, &dup) {
				logrus.WithError(err).Warnf("%s: metrics not registered", stream)
			}
		}
	}
	return m
}
