package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc"
	"github.com/dwarvesf/escrow-settlement/internal/bridge"
	"github.com/dwarvesf/escrow-settlement/internal/consts"
	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/dispute"
	"github.com/dwarvesf/escrow-settlement/internal/escrowchain"
	"github.com/dwarvesf/escrow-settlement/internal/handler"
	"github.com/dwarvesf/escrow-settlement/internal/intake"
	"github.com/dwarvesf/escrow-settlement/internal/monitoring"
	"github.com/dwarvesf/escrow-settlement/internal/multisig"
	"github.com/dwarvesf/escrow-settlement/internal/orchestrator"
	"github.com/dwarvesf/escrow-settlement/internal/rail"
	"github.com/dwarvesf/escrow-settlement/internal/recovery"
	"github.com/dwarvesf/escrow-settlement/internal/retry"
	"github.com/dwarvesf/escrow-settlement/internal/statemachine"
	"github.com/dwarvesf/escrow-settlement/internal/store"
	pgstore "github.com/dwarvesf/escrow-settlement/internal/store/postgres"
	"github.com/dwarvesf/escrow-settlement/internal/transport/http"
	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
	"github.com/dwarvesf/escrow-settlement/internal/utils/vault"
	"github.com/dwarvesf/escrow-settlement/internal/utils/webhook"
)

func Init() {
	appConfig := config.New()
	logger := logger.New(appConfig.Environment).WithFile(logger.FileOptions{
		Path:       appConfig.Log.File,
		MaxSizeMB:  appConfig.Log.MaxSizeMB,
		MaxBackups: appConfig.Log.MaxBackups,
		MaxAgeDays: appConfig.Log.MaxAgeDays,
	})
	defer logger.Sync()

	if err := loadSecrets(appConfig); err != nil {
		logger.Fatal("[Init][loadSecrets] failed to resolve secrets", map[string]string{
			"error": err.Error(),
		})
	}
	if appConfig.PolicyFile != "" {
		policy, err := config.LoadPolicy(appConfig.PolicyFile)
		if err != nil {
			logger.Fatal("[Init][LoadPolicy] failed to load policy", map[string]string{
				"file":  appConfig.PolicyFile,
				"error": err.Error(),
			})
		}
		appConfig.ApplyPolicy(policy)
	}
	if appConfig.ApiServer.JWTSecret == "" {
		logger.Fatal("[Init] JWT_SECRET is required")
	}
	if err := monitoring.ValidateCircuitBreakerConfigs(); err != nil {
		logger.Fatal("[Init][ValidateCircuitBreakerConfigs] invalid circuit breaker config", map[string]string{
			"error": err.Error(),
		})
	}

	db := pgstore.New(appConfig, logger)
	s := store.New()

	// metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	externalMetrics := monitoring.NewExternalAPIMetrics()
	externalMetrics.MustRegister(registry)
	settlementMetrics := monitoring.NewSettlementMetrics()
	settlementMetrics.MustRegister(registry)
	jobMetrics := monitoring.NewBackgroundJobMetrics()
	jobMetrics.MustRegister(registry)
	httpMetrics := monitoring.NewHTTPMetrics()
	httpMetrics.MustRegister(registry)

	baseRpc, err := baserpc.New(appConfig, logger)
	if err != nil {
		logger.Error("[Init][baserpc.New] failed to init base rpc", map[string]string{
			"error": err.Error(),
		})
		return
	}
	chain := monitoring.NewCircuitBreakerBaseRPC(baseRpc, monitoring.CircuitBreakerConfigs[monitoring.ServiceBaseRPC], externalMetrics, logger)
	railClient := monitoring.NewCircuitBreakerRail(rail.New(appConfig, logger), monitoring.CircuitBreakerConfigs[monitoring.ServiceRail], externalMetrics, logger)

	d := deps.New(appConfig, logger, db, s, nil).WithClients(chain, railClient)

	alerts := webhook.New(logger, appConfig.AlertWebhook)
	machine := statemachine.New(d)
	adapter := escrowchain.New(d)
	pipeline := bridge.New(d, adapter)
	gate := multisig.New(d, pipeline)
	policy := retry.NewPolicy(appConfig.Retry.MaxAttempts, appConfig.Retry.InitialInterval, appConfig.Retry.MaxInterval).
		WithHopBudgets(appConfig.Retry.PerHop)
	orch := orchestrator.New(d, machine, adapter, pipeline, gate, policy,
		orchestrator.WithMetrics(settlementMetrics),
		orchestrator.WithAlerter(alerts),
	)

	businessMetrics := monitoring.NewBusinessMetricsRecorder(httpMetrics)
	console := recovery.New(d, orch, gate, machine, policy, recovery.WithCacheObserver(func(operation string) {
		businessMetrics.RecordCacheOperation("dashboard", operation)
	}))

	jobStatusManager := monitoring.NewJobStatusManager(logger, jobMetrics)
	scheduleJobs(appConfig, logger, d, orch, console, gate, settlementMetrics, jobStatusManager, alerts)

	h := handler.New(appConfig, logger, handler.Services{
		Intake:   intake.New(d, machine),
		Dispute:  dispute.New(d, machine, adapter, orch),
		Gate:     gate,
		Recovery: console,
	}, chain, railClient, db, registry, jobStatusManager)

	httpServer := http.NewHttpServer(appConfig, logger, h, httpMetrics)

	logger.Info("[Init] starting api server", map[string]string{
		"port": appConfig.ApiServer.Port,
	})
	if err := httpServer.Run(fmt.Sprintf(":%s", appConfig.ApiServer.Port)); err != nil {
		logger.Error("[Init][Run] api server stopped", map[string]string{
			"error": err.Error(),
		})
	}
}

func loadSecrets(appConfig *config.AppConfig) error {
	if !appConfig.Vault.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := vault.New(ctx, appConfig.Vault)
	if err != nil {
		return err
	}
	return client.ResolveSecrets(ctx, appConfig)
}

const (
	minSweepTimeout = 5 * time.Minute
	sweepMargin     = time.Minute
)

// sweepTimeout lets a single chain call, fee bumps included, finish inside
// one sweep instead of being cut off by the job context.
func sweepTimeout(appConfig *config.AppConfig) time.Duration {
	timeout := appConfig.Blockchain.ChainCallTimeout + sweepMargin
	if timeout < minSweepTimeout {
		return minSweepTimeout
	}
	return timeout
}

func scheduleJobs(
	appConfig *config.AppConfig,
	logger *logger.Logger,
	d *deps.Deps,
	orch *orchestrator.Orchestrator,
	console *recovery.Console,
	gate *multisig.Gate,
	settlementMetrics *monitoring.SettlementMetrics,
	jobStatusManager *monitoring.JobStatusManager,
	pinger monitoring.UptimePinger,
) {
	if appConfig.Scheduler.DisableSchedule {
		logger.Info("[scheduleJobs] scheduler disabled")
		return
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))

	sweep := monitoring.NewInstrumentedJobWithWebhook(consts.JOB_SETTLEMENT_SWEEP, func(ctx context.Context) (monitoring.JobReport, error) {
		report, err := orch.Sweep(ctx)
		if err != nil {
			return nil, err
		}
		counts, err := d.Store.Payment.CountByStatus(d.DB.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		settlementMetrics.SetStatusCounts(counts)
		return monitoring.JobReport{
			"scanned":   report.Scanned,
			"advanced":  report.Advanced,
			"waiting":   report.Waiting,
			"skipped":   report.Skipped,
			"failed":    report.Failed,
			"escalated": report.Escalated,
		}, nil
	}, jobStatusManager, logger, sweepTimeout(appConfig), pinger, appConfig.UptimeWebhooks.SettlementSweepURL)

	safety := monitoring.NewInstrumentedJobWithWebhook(consts.JOB_SAFETY_MONITOR, func(ctx context.Context) (monitoring.JobReport, error) {
		report, err := console.SafetyMonitor(ctx, consts.ORCHESTRATOR_ACTOR)
		if err != nil {
			return nil, err
		}
		if len(report.Escalated) > 0 {
			logger.Warn("[scheduleJobs][SafetyMonitor] stalled payments escalated", map[string]string{
				"payments": strings.Join(report.Escalated, ","),
			})
		}
		return monitoring.JobReport{
			"checked":   report.Checked,
			"escalated": len(report.Escalated),
		}, nil
	}, jobStatusManager, logger, 2*time.Minute, pinger, appConfig.UptimeWebhooks.SafetyMonitorURL)

	cleanup := monitoring.NewInstrumentedJobWithWebhook(consts.JOB_MULTISIG_CLEANUP, func(ctx context.Context) (monitoring.JobReport, error) {
		rejected, pruned, err := gate.CleanupExpired(ctx)
		if err != nil {
			return nil, err
		}
		return monitoring.JobReport{
			"rejected": rejected,
			"pruned":   pruned,
		}, nil
	}, jobStatusManager, logger, time.Minute, pinger, appConfig.UptimeWebhooks.MultiSigCleanupURL)

	jobs := []struct {
		spec string
		job  cron.Job
	}{
		{appConfig.Scheduler.SweepSpec, sweep},
		{appConfig.Scheduler.SafetySpec, safety},
		{appConfig.Scheduler.CleanupSpec, cleanup},
	}
	for _, j := range jobs {
		if _, err := c.AddJob(j.spec, j.job); err != nil {
			logger.Fatal("[scheduleJobs][AddJob] invalid cron spec", map[string]string{
				"spec":  j.spec,
				"error": err.Error(),
			})
		}
	}

	c.Start()
	go jobStatusManager.Watch(context.Background(), time.Minute)
}
