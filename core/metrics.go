package core

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type metrics struct {
	bytesWritten  prometheus.Counter
	bytesRead     prometheus.Counter
	reallocations prometheus.Counter
	compactions   prometheus.Counter
	syncWrites    prometheus.Counter
	waste         prometheus.Gauge
	pendingBytes  prometheus.Gauge

	registerer prometheus.Registerer
	registered []prometheus.Collector
}

func newMetrics(store string, reg prometheus.Registerer, log *logrus.Entry) *metrics {
	labels := prometheus.Labels{"store": store}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "recstore",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "recstore",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &metrics{
		bytesWritten:  counter("bytes_written_total", "Payload bytes written to the data heap."),
		bytesRead:     counter("bytes_read_total", "Payload bytes read from the data heap."),
		reallocations: counter("reallocations_total", "Writes that outgrew their capacity and moved."),
		compactions:   counter("compactions_total", "Completed compaction passes."),
		syncWrites:    counter("sync_compressed_writes_total", "Writes compressed on the caller because the pending ceiling was exceeded."),
		waste:         gauge("waste_bytes", "Heap bytes owned by no live record."),
		pendingBytes:  gauge("pending_write_bytes", "Uncompressed bytes queued for asynchronous writing."),
		registerer:    reg,
	}

	if reg == nil {
		return m
	}

	for _, c := range []prometheus.Collector{
		m.bytesWritten, m.bytesRead, m.reallocations, m.compactions,
		m.syncWrites, m.waste, m.pendingBytes,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				log.WithError(err).Warn("metric registration failed")
			}
			continue
		}
		m.registered = append(m.registered, c)
	}
	return m
}

// unregister drops the collectors so the same store may be reopened against
// the same registerer.
func (m *metrics) unregister() {
	if m.registerer == nil {
		return
	}
	for _, c := range m.registered {
		m.registerer.Unregister(c)
	}
	m.registered = nil
}
