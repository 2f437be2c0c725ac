package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Route templates keep label cardinality bounded.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures execution duration
type Timer struct {
	start    time.Time
	metrics  *Metrics
	language string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, language string) *Timer {
	return &Timer{
		start:    time.Now(),
		metrics:  metrics,
		language: language,
	}
}

// Stop records the outcome and the elapsed time.
func (t *Timer) Stop(outcome string) time.Duration {
	elapsed := time.Since(t.start)
	t.metrics.RecordExecution(t.language, outcome, elapsed)
	return elapsed
}
