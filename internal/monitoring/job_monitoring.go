package monitoring

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

type JobExecutionStatus string

const (
	JobStatusPending JobExecutionStatus = "pending"
	JobStatusRunning JobExecutionStatus = "running"
	JobStatusSuccess JobExecutionStatus = "success"
	JobStatusFailed  JobExecutionStatus = "failed"
	JobStatusStalled JobExecutionStatus = "stalled"
)

// defaultStallAfter applies to jobs started without being registered with a
// timeout.
const defaultStallAfter = 5 * time.Minute

var errJobPanicked = errors.New("job panicked")

// JobReport is what a job run reports about its work, e.g. how many payments
// a sweep advanced. The last report is kept on the job status.
type JobReport map[string]interface{}

type JobFunc func(ctx context.Context) (JobReport, error)

type JobStatus struct {
	Name                string             `json:"name"`
	Status              JobExecutionStatus `json:"status"`
	Timeout             time.Duration      `json:"timeout"`
	LastStartedAt       time.Time          `json:"lastStartedAt,omitempty"`
	LastFinishedAt      time.Time          `json:"lastFinishedAt,omitempty"`
	LastDuration        time.Duration      `json:"lastDuration"`
	Runs                int64              `json:"runs"`
	Failures            int64              `json:"failures"`
	ConsecutiveFailures int64              `json:"consecutiveFailures"`
	LastError           string             `json:"lastError,omitempty"`
	LastErrorClass      string             `json:"lastErrorClass,omitempty"`
	LastReport          JobReport          `json:"lastReport,omitempty"`
}

// stalled reports whether a running job has outlived its timeout by more
// than grace. The instrumented wrapper cancels at the timeout, so a job past
// it is stuck in code that ignores its context.
func (s *JobStatus) stalled(now time.Time, grace time.Duration) bool {
	if s.Status != JobStatusRunning {
		return false
	}
	limit := s.Timeout
	if limit <= 0 {
		limit = defaultStallAfter
	}
	return now.Sub(s.LastStartedAt) > limit+grace
}

func (s JobStatus) clone() JobStatus {
	if s.LastReport != nil {
		report := make(JobReport, len(s.LastReport))
		for k, v := range s.LastReport {
			report[k] = v
		}
		s.LastReport = report
	}
	return s
}

type JobsSummary struct {
	TotalJobs     int `json:"totalJobs"`
	RunningJobs   int `json:"runningJobs"`
	HealthyJobs   int `json:"healthyJobs"`
	UnhealthyJobs int `json:"unhealthyJobs"`
	StalledJobs   int `json:"stalledJobs"`
}

// JobStatusManager tracks the scheduler's jobs for the health endpoint and
// the job metrics.
type JobStatusManager struct {
	mu         sync.RWMutex
	jobs       map[string]*JobStatus
	logger     *logger.Logger
	metrics    *BackgroundJobMetrics
	now        func() time.Time
	stallGrace time.Duration
}

type JobStatusOption func(*JobStatusManager)

func WithJobClock(now func() time.Time) JobStatusOption {
	return func(m *JobStatusManager) { m.now = now }
}

func NewJobStatusManager(logger *logger.Logger, metrics *BackgroundJobMetrics, opts ...JobStatusOption) *JobStatusManager {
	m := &JobStatusManager{
		jobs:       make(map[string]*JobStatus),
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		stallGrace: time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *JobStatusManager) RegisterJob(name string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, ok := m.jobs[name]; ok {
		job.Timeout = timeout
		return
	}
	m.jobs[name] = &JobStatus{Name: name, Status: JobStatusPending, Timeout: timeout}
}

// StartJob marks name running. Unregistered jobs are registered on the fly.
func (m *JobStatusManager) StartJob(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[name]
	if !ok {
		job = &JobStatus{Name: name}
		m.jobs[name] = job
	}
	job.Status = JobStatusRunning
	job.LastStartedAt = m.now()
	m.metrics.activeJobs.Inc()
}

func (m *JobStatusManager) CompleteJob(name string, report JobReport, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[name]
	if !ok || job.Status != JobStatusRunning && job.Status != JobStatusStalled {
		m.logger.Error("[CompleteJob] job was not started", map[string]string{
			"job": name,
		})
		return
	}
	m.metrics.activeJobs.Dec()

	now := m.now()
	job.LastFinishedAt = now
	job.LastDuration = now.Sub(job.LastStartedAt)
	job.Runs++
	if report != nil {
		job.LastReport = report
	}

	if err != nil {
		class := classifyJobError(err)
		job.Status = JobStatusFailed
		job.Failures++
		job.ConsecutiveFailures++
		job.LastError = err.Error()
		job.LastErrorClass = class

		m.metrics.jobRuns.WithLabelValues(name, "error").Inc()
		m.metrics.jobDuration.WithLabelValues(name, "failed").Observe(job.LastDuration.Seconds())
		m.logger.Error("[CompleteJob] job failed", map[string]string{
			"job":                  name,
			"class":                class,
			"error":                err.Error(),
			"consecutive_failures": fmt.Sprint(job.ConsecutiveFailures),
		})
		return
	}

	job.Status = JobStatusSuccess
	job.ConsecutiveFailures = 0
	job.LastError = ""
	job.LastErrorClass = ""

	m.metrics.jobRuns.WithLabelValues(name, "success").Inc()
	m.metrics.jobDuration.WithLabelValues(name, "success").Observe(job.LastDuration.Seconds())
	m.logger.Debug("[CompleteJob] job finished", map[string]string{
		"job":      name,
		"duration": job.LastDuration.String(),
	})
}

func (m *JobStatusManager) GetJobStatus(name string) (JobStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[name]
	if !ok {
		return JobStatus{}, false
	}
	status := job.clone()
	if job.stalled(m.now(), m.stallGrace) {
		status.Status = JobStatusStalled
	}
	return status, true
}

// GetAllJobStatuses returns a snapshot; running jobs past their stall limit
// are reported stalled.
func (m *JobStatusManager) GetAllJobStatuses() map[string]JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	result := make(map[string]JobStatus, len(m.jobs))
	for name, job := range m.jobs {
		status := job.clone()
		if job.stalled(now, m.stallGrace) {
			status.Status = JobStatusStalled
		}
		result[name] = status
	}
	return result
}

func (m *JobStatusManager) GetJobsSummary() JobsSummary {
	statuses := m.GetAllJobStatuses()

	summary := JobsSummary{TotalJobs: len(statuses)}
	for _, status := range statuses {
		switch status.Status {
		case JobStatusRunning:
			summary.RunningJobs++
		case JobStatusSuccess, JobStatusPending:
			summary.HealthyJobs++
		case JobStatusFailed:
			summary.UnhealthyJobs++
		case JobStatusStalled:
			summary.StalledJobs++
		}
	}
	return summary
}

// Watch refreshes the stalled gauge and logs newly stalled jobs until ctx is
// done.
func (m *JobStatusManager) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.markStalled()
		}
	}
}

func (m *JobStatusManager) markStalled() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stalled := 0
	for name, job := range m.jobs {
		if job.Status == JobStatusStalled {
			stalled++
			continue
		}
		if !job.stalled(now, m.stallGrace) {
			continue
		}
		job.Status = JobStatusStalled
		stalled++
		m.logger.Error("[markStalled] job stalled", map[string]string{
			"job":        name,
			"started_at": job.LastStartedAt.Format(time.RFC3339),
			"running":    now.Sub(job.LastStartedAt).String(),
		})
	}
	m.metrics.stalledJobs.Set(float64(stalled))
	return stalled
}

// UptimePinger is notified after every successful run of a job that has an
// uptime URL configured.
type UptimePinger interface {
	CallUptimeWebhook(ctx context.Context, webhookURL string)
}

// InstrumentedJob is a cron.Job that records its runs on a JobStatusManager.
type InstrumentedJob struct {
	name       string
	fn         JobFunc
	manager    *JobStatusManager
	logger     *logger.Logger
	timeout    time.Duration
	pinger     UptimePinger
	webhookURL string
}

func NewInstrumentedJob(name string, fn JobFunc, manager *JobStatusManager, logger *logger.Logger, timeout time.Duration) *InstrumentedJob {
	manager.RegisterJob(name, timeout)
	return &InstrumentedJob{
		name:    name,
		fn:      fn,
		manager: manager,
		logger:  logger,
		timeout: timeout,
	}
}

// NewInstrumentedJobWithWebhook pings webhookURL after each successful run.
// An empty URL disables the ping.
func NewInstrumentedJobWithWebhook(name string, fn JobFunc, manager *JobStatusManager, logger *logger.Logger, timeout time.Duration, pinger UptimePinger, webhookURL string) *InstrumentedJob {
	job := NewInstrumentedJob(name, fn, manager, logger, timeout)
	job.pinger = pinger
	job.webhookURL = webhookURL
	return job
}

func (j *InstrumentedJob) Run() {
	j.Execute()
}

// Execute runs the job once. The job context is cancelled at the timeout so
// in-flight chain and rail calls unwind; a panic is recorded as a failure.
func (j *InstrumentedJob) Execute() {
	j.manager.StartJob(j.name)

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	type outcome struct {
		report JobReport
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				j.logger.Error("[Execute] job panicked", map[string]string{
					"job":   j.name,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				})
				done <- outcome{err: errors.Wrap(errJobPanicked, fmt.Sprint(r))}
			}
		}()
		report, err := j.fn(ctx)
		done <- outcome{report: report, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = errors.Wrapf(context.DeadlineExceeded, "job timeout after %s", j.timeout)
		j.manager.metrics.jobTimeouts.WithLabelValues(j.name).Inc()
	}

	j.manager.CompleteJob(j.name, out.report, out.err)

	if out.err == nil && j.pinger != nil && j.webhookURL != "" {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer pingCancel()
		j.pinger.CallUptimeWebhook(pingCtx, j.webhookURL)
	}
}

type BackgroundJobMetrics struct {
	jobDuration *prometheus.HistogramVec
	jobRuns     *prometheus.CounterVec
	activeJobs  prometheus.Gauge
	stalledJobs prometheus.Gauge
	jobTimeouts *prometheus.CounterVec
}

func NewBackgroundJobMetrics() *BackgroundJobMetrics {
	return &BackgroundJobMetrics{
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_settlement_background_job_duration_seconds",
				Help:    "Duration of scheduler job runs",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"job_name", "status"},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_settlement_background_job_runs_total",
				Help: "Scheduler job runs by result",
			},
			[]string{"job_name", "status"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "escrow_settlement_background_jobs_active",
				Help: "Scheduler jobs currently running",
			},
		),
		stalledJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "escrow_settlement_background_jobs_stalled",
				Help: "Scheduler jobs running past their timeout",
			},
		),
		jobTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_settlement_job_timeouts_total",
				Help: "Scheduler job runs cut off by their timeout",
			},
			[]string{"job_name"},
		),
	}
}

func (m *BackgroundJobMetrics) MustRegister(registry prometheus.Registerer) {
	registry.MustRegister(
		m.jobDuration,
		m.jobRuns,
		m.activeJobs,
		m.stalledJobs,
		m.jobTimeouts,
	)
}

// classifyJobError labels a job failure with its settlement failure class,
// or timeout/panic for failures of the job itself.
func classifyJobError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errJobPanicked):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return string(failure.Classify(err))
}
