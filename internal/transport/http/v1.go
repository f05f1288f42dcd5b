package http

import (
	"github.com/gin-gonic/gin"

	"github.com/dwarvesf/escrow-settlement/internal/auth"
	"github.com/dwarvesf/escrow-settlement/internal/consts"
	"github.com/dwarvesf/escrow-settlement/internal/handler"
	"github.com/dwarvesf/escrow-settlement/internal/monitoring"
	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
)

func loadV1Routes(r *gin.Engine, h *handler.Handler, appConfig *config.AppConfig, recorder *monitoring.BusinessMetricsRecorder) {
	v1 := r.Group("/api/v1")

	health := v1.Group("/health")
	{
		health.GET("/db", h.HealthHandler.Database)
		health.GET("/external", h.HealthHandler.External)
		health.GET("/jobs", h.HealthHandler.Jobs)
	}

	authed := v1.Group("", auth.Authenticate(appConfig.ApiServer.JWTSecret))
	limiter := newRateLimiter(appConfig.ApiServer.RateLimit, appConfig.ApiServer.RateBurst)
	authed.Use(limiter.Middleware())

	intake := recorder.RecordPaymentIntake
	payments := authed.Group("/payments", auth.RequireRoles(consts.ROLE_PLATFORM, consts.ROLE_OPERATOR))
	{
		payments.POST("", business(intake, "create"), h.PaymentHandler.Create)
		payments.GET("/:id", h.PaymentHandler.Get)
		payments.POST("/:id/cancel", business(intake, "cancel"), h.PaymentHandler.Cancel)
		payments.POST("/:id/disputes", business(recorder.RecordDisputeAction, "open"), h.DisputeHandler.Open)
	}

	disputes := authed.Group("/disputes")
	{
		disputes.GET("/:id", auth.RequireRoles(consts.ROLE_PLATFORM, consts.ROLE_OPERATOR), h.DisputeHandler.Get)
		disputes.POST("/:id/resolve", auth.RequireRoles(consts.ROLE_ADMIN), business(recorder.RecordDisputeAction, "resolve"), h.DisputeHandler.Resolve)
	}

	ms := recorder.RecordMultiSigAction
	multisig := authed.Group("/multisig")
	{
		read := auth.RequireRoles(consts.ROLE_SIGNER, consts.ROLE_OPERATOR)
		sign := auth.RequireRoles(consts.ROLE_SIGNER)

		multisig.POST("/propose", auth.RequireRoles(consts.ROLE_OPERATOR), business(ms, "propose"), h.MultiSigHandler.Propose)
		multisig.POST("/approve/:id", sign, business(ms, "approve"), h.MultiSigHandler.Approve)
		multisig.POST("/reject/:id", sign, business(ms, "reject"), h.MultiSigHandler.Reject)
		multisig.POST("/execute/:id", read, business(ms, "execute"), h.MultiSigHandler.Execute)
		multisig.GET("/pending", read, h.MultiSigHandler.Pending)
		multisig.GET("/requests", read, h.MultiSigHandler.Requests)
		multisig.GET("/requests/:id", read, h.MultiSigHandler.Request)
		multisig.GET("/statistics", read, h.MultiSigHandler.Statistics)
		multisig.GET("/config", read, h.MultiSigHandler.Config)
		multisig.POST("/preapprovals", auth.RequireRoles(consts.ROLE_OPERATOR), business(ms, "create_preapproval"), h.MultiSigHandler.CreatePreApproval)
		multisig.POST("/preapprovals/:id/sign", sign, business(ms, "sign_preapproval"), h.MultiSigHandler.SignPreApproval)
	}

	manual := recorder.RecordManualAction
	recovery := authed.Group("/recovery", auth.RequireRoles(consts.ROLE_OPERATOR))
	{
		recovery.GET("/dashboard", h.RecoveryHandler.Dashboard)
		recovery.GET("/operation/:paymentId", h.RecoveryHandler.Operation)
		recovery.POST("/recover/:paymentId", business(manual, "recover"), h.RecoveryHandler.Recover)
		recovery.POST("/rollback/:paymentId", business(manual, "rollback"), h.RecoveryHandler.Rollback)
		recovery.POST("/retry-bridge/:paymentId", business(manual, "retry_bridge"), h.RecoveryHandler.RetryBridge)
		recovery.POST("/retry-withdrawal/:paymentId", business(manual, "retry_withdrawal"), h.RecoveryHandler.RetryWithdrawal)
		recovery.POST("/retry-redemption/:paymentId", business(manual, "retry_redemption"), h.RecoveryHandler.RetryRedemption)
		recovery.POST("/safety-monitor", business(manual, "safety_monitor"), h.RecoveryHandler.SafetyMonitor)
		recovery.POST("/force-transition/:paymentId", auth.RequireRoles(consts.ROLE_ADMIN), business(manual, "force_transition"), h.RecoveryHandler.ForceTransition)
	}
}
