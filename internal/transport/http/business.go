package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type recordFunc func(action, status string, duration float64)

// business records the handler outcome of a domain action once it has run.
func business(record recordFunc, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := "success"
		if c.Writer.Status() >= http.StatusBadRequest {
			status = "error"
		}
		record(action, status, time.Since(start).Seconds())
	}
}
