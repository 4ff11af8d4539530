// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package metrics is a singleton facade over the metrics backend. It defaults
// to a no-op implementation; the prometheus backend is installed by flag at
// startup. Callers grab meters once at package init and never check for nil.
package metrics

import (
	"net/http"
	"sync"
)

var metrics Metrics = defaultNoopMetrics()

// Metrics is the backend contract.
type Metrics interface {
	GetOrCreateCountMeter(name string) CountMeter
	GetOrCreateCountVecMeter(name string, labels []string) CountVecMeter
	GetOrCreateGaugeMeter(name string) GaugeMeter
	GetOrCreateHistogramVecMeter(name string, labels []string, buckets []int64) HistogramVecMeter
	GetOrCreateHandler() http.Handler
}

// HTTPHandler returns the scrape handler of the active backend.
func HTTPHandler() http.Handler {
	return metrics.GetOrCreateHandler()
}

// BucketHTTPReqs is the default bucket layout for request durations in
// milliseconds.
var BucketHTTPReqs = []int64{
	0, 1, 2, 5, 10, 20, 30, 50, 75, 100,
	150, 200, 300, 400, 500, 750, 1000,
	1500, 2000, 3000, 4000, 5000, 10000,
}

// CountMeter is a monotonically increasing counter.
type CountMeter interface {
	Add(int64)
}

// Counter returns a lazy counter: the backend is resolved on first use, so
// package-level meters pick up a backend installed after their init.
func Counter(name string) CountMeter {
	return &lazyCounter{load: func() CountMeter { return metrics.GetOrCreateCountMeter(name) }}
}

type lazyCounter struct {
	once  sync.Once
	load  func() CountMeter
	meter CountMeter
}

func (l *lazyCounter) Add(v int64) {
	l.once.Do(func() { l.meter = l.load() })
	l.meter.Add(v)
}

// CountVecMeter is a counter with labels.
type CountVecMeter interface {
	AddWithLabel(int64, map[string]string)
}

func CounterVec(name string, labels []string) CountVecMeter {
	return &lazyCounterVec{load: func() CountVecMeter { return metrics.GetOrCreateCountVecMeter(name, labels) }}
}

type lazyCounterVec struct {
	once  sync.Once
	load  func() CountVecMeter
	meter CountVecMeter
}

func (l *lazyCounterVec) AddWithLabel(v int64, labels map[string]string) {
	l.once.Do(func() { l.meter = l.load() })
	l.meter.AddWithLabel(v, labels)
}

// GaugeMeter is a value that can go up and down.
type GaugeMeter interface {
	Add(int64)
	Set(int64)
}

func Gauge(name string) GaugeMeter {
	return &lazyGauge{load: func() GaugeMeter { return metrics.GetOrCreateGaugeMeter(name) }}
}

type lazyGauge struct {
	once  sync.Once
	load  func() GaugeMeter
	meter GaugeMeter
}

func (l *lazyGauge) Add(v int64) {
	l.once.Do(func() { l.meter = l.load() })
	l.meter.Add(v)
}

func (l *lazyGauge) Set(v int64) {
	l.once.Do(func() { l.meter = l.load() })
	l.meter.Set(v)
}

// HistogramVecMeter aggregates observations with labels.
type HistogramVecMeter interface {
	ObserveWithLabels(int64, map[string]string)
}

func HistogramVec(name string, labels []string, buckets []int64) HistogramVecMeter {
	return &lazyHistogramVec{load: func() HistogramVecMeter {
		return metrics.GetOrCreateHistogramVecMeter(name, labels, buckets)
	}}
}

type lazyHistogramVec struct {
	once  sync.Once
	load  func() HistogramVecMeter
	meter HistogramVecMeter
}

func (l *lazyHistogramVec) ObserveWithLabels(v int64, labels map[string]string) {
	l.once.Do(func() { l.meter = l.load() })
	l.meter.ObserveWithLabels(v, labels)
}
