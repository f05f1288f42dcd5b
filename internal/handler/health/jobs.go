package health

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dwarvesf/escrow-settlement/internal/consts"
	"github.com/dwarvesf/escrow-settlement/internal/monitoring"
)

// criticalJobs drive settlement forward. Repeated failures of these make the
// service unhealthy; any other failing job only degrades it.
var criticalJobs = []string{
	consts.JOB_SETTLEMENT_SWEEP,
	consts.JOB_SAFETY_MONITOR,
}

const criticalFailureLimit = 3

// Jobs reports the scheduler jobs.
// @Summary Background jobs health check
// @Description Reports the last run of every scheduler job
// @Tags health
// @Produce json
// @Success 200 {object} JobsHealthResponse
// @Success 206 {object} JobsHealthResponse
// @Failure 503 {object} JobsHealthResponse
// @Router /api/v1/health/jobs [get]
func (h *HealthHandler) Jobs(c *gin.Context) {
	start := time.Now()

	response := JobsHealthResponse{
		Status:    statusUnhealthy,
		Timestamp: start,
		Jobs:      map[string]monitoring.JobStatus{},
	}
	if h.jobStatusManager != nil {
		response.Jobs = h.jobStatusManager.GetAllJobStatuses()
		response.Summary = h.jobStatusManager.GetJobsSummary()
		response.Status = jobsVerdict(response.Jobs, response.Summary)
	}
	response.DurationMs = time.Since(start).Milliseconds()

	code := http.StatusOK
	switch response.Status {
	case statusUnhealthy:
		code = http.StatusServiceUnavailable
	case statusDegraded:
		code = http.StatusPartialContent
	}

	h.logger.Debug("[Jobs] jobs health checked", map[string]string{
		"status":  response.Status,
		"total":   fmt.Sprint(response.Summary.TotalJobs),
		"failed":  fmt.Sprint(response.Summary.UnhealthyJobs),
		"stalled": fmt.Sprint(response.Summary.StalledJobs),
	})
	c.JSON(code, response)
}

func jobsVerdict(jobs map[string]monitoring.JobStatus, summary monitoring.JobsSummary) string {
	if summary.StalledJobs > 0 {
		return statusUnhealthy
	}
	if summary.UnhealthyJobs == 0 {
		return statusHealthy
	}
	for _, name := range criticalJobs {
		job, ok := jobs[name]
		if ok && job.Status == monitoring.JobStatusFailed && job.ConsecutiveFailures >= criticalFailureLimit {
			return statusUnhealthy
		}
	}
	return statusDegraded
}
