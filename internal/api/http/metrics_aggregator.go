package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
)

// MetricsAggregator summarizes the running totals next to the runtime set
type MetricsAggregator struct {
	metrics  *monitoring.Metrics
	runtimes Runtimes
}

// NewMetricsAggregator creates a metrics aggregator
func NewMetricsAggregator(metrics *monitoring.Metrics, runtimes Runtimes) *MetricsAggregator {
	return &MetricsAggregator{metrics: metrics, runtimes: runtimes}
}

// MetricsSnapshot is the JSON view of the service metrics
type MetricsSnapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Backend   monitoring.Snapshot    `json:"backend"`
	Runtimes  map[types.Language]int `json:"runtimes"`
	Summary   MetricsSummary         `json:"summary"`
}

// MetricsSummary provides high-level metrics
type MetricsSummary struct {
	TotalRequests     int64   `json:"totalRequests"`
	AverageLatencyMs  float64 `json:"averageLatencyMs"`
	ErrorRate         float64 `json:"errorRate"`
	ActiveConnections int64   `json:"activeConnections"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
}

// GetAggregatedMetrics returns the metrics snapshot
func (ma *MetricsAggregator) GetAggregatedMetrics(c *gin.Context) {
	backend := ma.metrics.Snapshot()

	byLanguage := make(map[types.Language]int)
	for _, rt := range ma.runtimes.List() {
		byLanguage[rt.Language]++
	}

	c.JSON(http.StatusOK, MetricsSnapshot{
		Timestamp: time.Now(),
		Backend:   backend,
		Runtimes:  byLanguage,
		Summary:   summarize(backend),
	})
}

func summarize(s monitoring.Snapshot) MetricsSummary {
	var errorRate float64
	if s.TotalRequests > 0 {
		errorRate = float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	return MetricsSummary{
		TotalRequests:     s.TotalRequests,
		AverageLatencyMs:  s.AverageRequestSecs * 1000,
		ErrorRate:         errorRate,
		ActiveConnections: s.ActiveConnections,
		UptimeSeconds:     s.UptimeSeconds,
	}
}
