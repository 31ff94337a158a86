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
package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/daemoncore/internal/reactor"
)

type metrics struct {
	reloads    *prometheus.CounterVec
	heartbeats prometheus.Counter
	startTime  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, version, commit string) *metrics {
	f := promauto.With(reg)

	m := &metrics{
		// reloads tracks configuration reloads by result
		reloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcore_config_reloads_total",
				Help: "Total configuration reloads by result",
			},
			[]string{"result"},
		),
		heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "dcore_heartbeats_total",
			Help: "Total heartbeat timer firings",
		}),
		startTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "dcore_start_time_seconds",
			Help: "Unix time the daemon started serving",
		}),
	}

	f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dcore_build_info",
		Help: "Build information; always 1",
	}, []string{"version", "commit"}).WithLabelValues(version, commit).Set(1)

	return m
}

// newMetricsMux serves the registry at /metrics and liveness at /healthz.
func newMetricsMux(reg *prometheus.Registry, r *reactor.Reactor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if r.Stopping() {
			http.Error(w, "stopping", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
