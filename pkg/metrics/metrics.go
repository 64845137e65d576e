// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors exposed by the serve command.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PagesDownloaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "codexvault", Name: "pages_downloaded_total", Help: "Number of page images finalized, by library."},
		[]string{"library"},
	)
	BytesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "codexvault", Name: "bytes_fetched_total", Help: "Image bytes fetched from remote IIIF endpoints."},
		[]string{"library"},
	)
	TileStitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "codexvault", Name: "tile_stitches_total", Help: "Tile-stitch fallbacks performed, by outcome."},
		[]string{"outcome"},
	)
	HTTPRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "codexvault", Name: "http_retries_total", Help: "Retry attempts in the download engine."},
	)
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "codexvault", Name: "rate_limit_hits_total", Help: "HTTP 429 responses observed, by host."},
		[]string{"host"},
	)
	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "codexvault", Name: "active_jobs", Help: "Download jobs currently running."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(PagesDownloaded)
	reg.MustRegister(BytesFetched)
	reg.MustRegister(TileStitches)
	reg.MustRegister(HTTPRetries)
	reg.MustRegister(RateLimitHits)
	reg.MustRegister(ActiveJobs)
}
