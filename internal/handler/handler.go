package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc"
	disputeService "github.com/dwarvesf/escrow-settlement/internal/dispute"
	"github.com/dwarvesf/escrow-settlement/internal/handler/dispute"
	"github.com/dwarvesf/escrow-settlement/internal/handler/health"
	"github.com/dwarvesf/escrow-settlement/internal/handler/metrics"
	"github.com/dwarvesf/escrow-settlement/internal/handler/multisig"
	"github.com/dwarvesf/escrow-settlement/internal/handler/payment"
	"github.com/dwarvesf/escrow-settlement/internal/handler/recovery"
	"github.com/dwarvesf/escrow-settlement/internal/intake"
	"github.com/dwarvesf/escrow-settlement/internal/monitoring"
	multisigGate "github.com/dwarvesf/escrow-settlement/internal/multisig"
	"github.com/dwarvesf/escrow-settlement/internal/rail"
	recoveryConsole "github.com/dwarvesf/escrow-settlement/internal/recovery"
	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

type Handler struct {
	PaymentHandler  payment.IHandler
	DisputeHandler  dispute.IHandler
	MultiSigHandler multisig.IHandler
	RecoveryHandler recovery.IHandler
	HealthHandler   health.IHealthHandler
	MetricsHandler  *metrics.MetricsHandler
}

// Services are the domain services exposed over HTTP.
type Services struct {
	Intake   intake.IService
	Dispute  disputeService.IService
	Gate     multisigGate.IGate
	Recovery recoveryConsole.IConsole
}

func New(appConfig *config.AppConfig, logger *logger.Logger,
	svc Services,
	chain baserpc.IBaseRPC,
	railClient rail.IRail,
	db *gorm.DB,
	metricsRegistry *prometheus.Registry,
	jobStatusManager *monitoring.JobStatusManager) *Handler {
	return &Handler{
		PaymentHandler:  payment.New(svc.Intake, logger),
		DisputeHandler:  dispute.New(svc.Dispute, logger),
		MultiSigHandler: multisig.New(svc.Gate, logger),
		RecoveryHandler: recovery.New(svc.Recovery, logger),
		HealthHandler:   health.New(appConfig, logger, db, chain, railClient, jobStatusManager),
		MetricsHandler:  metrics.NewMetricsHandler(metricsRegistry),
	}
}
