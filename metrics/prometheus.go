// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexandergreif/soullink-tracker/log"
)

const namespace = "soullink_tracker"

var logger = log.WithContext("pkg", "metrics")

// InitializePrometheusMetrics installs the prometheus backend. Once
// installed it is never swapped back out.
func InitializePrometheusMetrics() {
	if _, ok := metrics.(*prometheusMetrics); !ok {
		metrics = newPrometheusMetrics()
	}
}

type prometheusMetrics struct {
	counters      sync.Map
	counterVecs   sync.Map
	gauges        sync.Map
	histogramVecs sync.Map
}

func newPrometheusMetrics() Metrics {
	return &prometheusMetrics{}
}

func (p *prometheusMetrics) GetOrCreateCountMeter(name string) CountMeter {
	if cached, ok := p.counters.Load(name); ok {
		return cached.(CountMeter)
	}
	meter := p.newCountMeter(name)
	p.counters.Store(name, meter)
	return meter
}

func (p *prometheusMetrics) GetOrCreateCountVecMeter(name string, labels []string) CountVecMeter {
	if cached, ok := p.counterVecs.Load(name); ok {
		return cached.(CountVecMeter)
	}
	meter := p.newCountVecMeter(name, labels)
	p.counterVecs.Store(name, meter)
	return meter
}

func (p *prometheusMetrics) GetOrCreateGaugeMeter(name string) GaugeMeter {
	if cached, ok := p.gauges.Load(name); ok {
		return cached.(GaugeMeter)
	}
	meter := p.newGaugeMeter(name)
	p.gauges.Store(name, meter)
	return meter
}

func (p *prometheusMetrics) GetOrCreateHistogramVecMeter(name string, labels []string, buckets []int64) HistogramVecMeter {
	if cached, ok := p.histogramVecs.Load(name); ok {
		return cached.(HistogramVecMeter)
	}
	meter := p.newHistogramVecMeter(name, labels, buckets)
	p.histogramVecs.Store(name, meter)
	return meter
}

func (p *prometheusMetrics) GetOrCreateHandler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusMetrics) newCountMeter(name string) CountMeter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name})
	if err := prometheus.Register(c); err != nil {
		logger.Warn("register counter", "name", name, "err", err)
	}
	return &promCountMeter{c}
}

func (p *prometheusMetrics) newCountVecMeter(name string, labels []string) CountVecMeter {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name}, labels)
	if err := prometheus.Register(c); err != nil {
		logger.Warn("register counter vec", "name", name, "err", err)
	}
	return &promCountVecMeter{c}
}

func (p *prometheusMetrics) newGaugeMeter(name string) GaugeMeter {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name})
	if err := prometheus.Register(g); err != nil {
		logger.Warn("register gauge", "name", name, "err", err)
	}
	return &promGaugeMeter{g}
}

func (p *prometheusMetrics) newHistogramVecMeter(name string, labels []string, buckets []int64) HistogramVecMeter {
	fb := make([]float64, len(buckets))
	for i, b := range buckets {
		fb[i] = float64(b)
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Buckets:   fb,
	}, labels)
	if err := prometheus.Register(h); err != nil {
		logger.Warn("register histogram vec", "name", name, "err", err)
	}
	return &promHistogramVecMeter{h}
}

type promCountMeter struct {
	counter prometheus.Counter
}

func (m *promCountMeter) Add(v int64) { m.counter.Add(float64(v)) }

type promCountVecMeter struct {
	counter *prometheus.CounterVec
}

func (m *promCountVecMeter) AddWithLabel(v int64, labels map[string]string) {
	m.counter.With(labels).Add(float64(v))
}

type promGaugeMeter struct {
	gauge prometheus.Gauge
}

func (m *promGaugeMeter) Add(v int64) { m.gauge.Add(float64(v)) }
func (m *promGaugeMeter) Set(v int64) { m.gauge.Set(float64(v)) }

type promHistogramVecMeter struct {
	histogram *prometheus.HistogramVec
}

func (m *promHistogramVecMeter) ObserveWithLabels(v int64, labels map[string]string) {
	m.histogram.With(labels).Observe(float64(v))
}
