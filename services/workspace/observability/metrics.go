// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes the server's Prometheus metrics.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts requests by route, method, and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workforce_http_requests_total",
		Help: "HTTP requests served, by route, method, and status code.",
	}, []string{"route", "method", "status"})

	// HTTPDuration observes request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workforce_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// EventsEmitted counts lifecycle events by type.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workforce_events_emitted_total",
		Help: "Lifecycle events emitted, by event type.",
	}, []string{"type"})

	// OpenWorkspaces tracks the number of open workspaces.
	OpenWorkspaces = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workforce_open_workspaces",
		Help: "Workspaces currently open.",
	})

	// RunsStarted counts pipeline runs.
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workforce_runs_started_total",
		Help: "Pipeline runs started.",
	})

	// RunsCompleted counts settled pipeline runs.
	RunsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workforce_runs_completed_total",
		Help: "Pipeline runs completed.",
	})
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// Middleware records per-request counters and latency. Uses the route
// template, not the raw path, to keep cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequests.WithLabelValues(route, c.Request.Method,
			strconv.Itoa(c.Writer.Status())).Inc()
		HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
