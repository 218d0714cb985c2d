// Package metrics exposes pipeline lifecycle counters for prometheus
// scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hlspipe/hlspipe/pkg/logger"
)

var (
	TranscodesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlspipe",
		Name:      "transcodes_started_total",
		Help:      "Number of transcode pipelines started.",
	})
	TranscodesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlspipe",
		Name:      "transcodes_completed_total",
		Help:      "Number of transcode pipelines that reached end of stream.",
	})
	TranscodesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlspipe",
		Name:      "transcodes_failed_total",
		Help:      "Number of transcode pipelines that errored.",
	})
	ActivePipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hlspipe",
		Name:      "active_pipelines",
		Help:      "Number of pipelines currently running.",
	})
)

// Serve exposes /metrics on addr. It blocks, so run it in a goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorw("metrics server stopped", err, "addr", addr)
	}
}
