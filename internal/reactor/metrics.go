// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reactor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command outcomes used as the "result" label.
const (
	resultOK           = "ok"
	resultKept         = "kept"
	resultHandlerError = "handler_error"
	resultUnregistered = "unregistered"
	resultDenied       = "denied"
	resultReadError    = "read_error"
	resultAcceptError  = "accept_error"
)

type metrics struct {
	commands       *prometheus.CounterVec
	signals        prometheus.Counter
	timers         prometheus.Counter
	reaped         prometheus.Counter
	iterations     prometheus.Counter
	waitSeconds    prometheus.Histogram
	handlerSeconds *prometheus.HistogramVec
	registered     *prometheus.GaugeVec
}

// newMetrics registers the reactor collectors with reg. A nil reg keeps them
// on a private registry so several reactors can coexist in one process.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &metrics{
		// commands tracks command requests by outcome
		commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcore_commands_total",
				Help: "Total command requests by result",
			},
			[]string{"result"},
		),
		// signals tracks signal handler invocations
		signals: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dcore_signals_dispatched_total",
				Help: "Total signal handler invocations",
			},
		),
		// timers tracks timer handler invocations
		timers: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dcore_timers_fired_total",
				Help: "Total timer handler invocations",
			},
		),
		// reaped tracks child exits delivered to reapers
		reaped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dcore_children_reaped_total",
				Help: "Total child processes reaped",
			},
		),
		// iterations tracks passes through the event loop
		iterations: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dcore_loop_iterations_total",
				Help: "Total event loop iterations",
			},
		),
		// waitSeconds tracks time spent blocked in the socket wait
		waitSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dcore_loop_wait_seconds",
				Help:    "Time spent waiting for socket readiness",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
		),
		// handlerSeconds tracks handler run time by kind
		handlerSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dcore_handler_duration_seconds",
				Help:    "Handler run time by registration kind",
				Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
			},
			[]string{"kind"},
		),
		// registered tracks live registrations per table
		registered: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dcore_registrations",
				Help: "Live registrations by table",
			},
			[]string{"table"},
		),
	}
}

func (m *metrics) recordCommand(result string) {
	m.commands.WithLabelValues(result).Inc()
}

func (m *metrics) observeHandler(kind Kind, d time.Duration) {
	m.handlerSeconds.WithLabelValues(kind.String()).Observe(d.Seconds())
}

func (m *metrics) setRegistered(kind Kind, n int) {
	m.registered.WithLabelValues(kind.String()).Set(float64(n))
}
