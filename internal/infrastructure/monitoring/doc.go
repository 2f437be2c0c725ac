/*
Package monitoring provides Prometheus metrics for the notebook kernel.

# Overview

Collectors cover the HTTP surface, dispatch and evaluation of executions,
runtime provisioning, the artifact watcher, and WebSocket subscribers.
Counters that only matter for diagnosis, such as swallowed promise
rejections and unparseable artifacts, are exported here instead of being
surfaced to clients.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))

	timer := monitoring.NewTimer(metrics, "typescript")
	// ... evaluate ...
	timer.Stop("success")

Tests construct collectors against their own registry:

	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
