package recovery

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/auth"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/multisig"
	"github.com/dwarvesf/escrow-settlement/internal/orchestrator"
	"github.com/dwarvesf/escrow-settlement/internal/recovery"
	"github.com/dwarvesf/escrow-settlement/internal/statemachine"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
	"github.com/dwarvesf/escrow-settlement/internal/view"
)

type RollbackRequest struct {
	Reason string `json:"reason" binding:"required" validate:"required,max=2000"`
}

type RetryRequest struct {
	// Force retries a failure classified permanent or partial, after the
	// operator corrected its cause.
	Force bool `json:"force"`
}

type ForceTransitionRequest struct {
	To            string `json:"to" binding:"required" validate:"required,oneof=initiated funded escrowed released bridged redeemed completed failed cancelled disputed"`
	Reason        string `json:"reason" binding:"required" validate:"required,max=2000"`
	TxHash        string `json:"txHash" validate:"omitempty,hexadecimal"`
	EscrowID      string `json:"escrowId"`
	DepositID     string `json:"depositId"`
	RailPaymentID string `json:"railPaymentId"`
}

type handler struct {
	console recovery.IConsole
	logger  *logger.Logger
}

func New(console recovery.IConsole, logger *logger.Logger) IHandler {
	return &handler{
		console: console,
		logger:  logger,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, recovery.ErrPaymentNotFound),
		errors.Is(err, orchestrator.ErrPaymentNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, recovery.ErrReasonRequired),
		errors.Is(err, orchestrator.ErrRollbackReasonRequired),
		errors.Is(err, statemachine.ErrForceReasonRequired):
		return http.StatusBadRequest
	case errors.Is(err, recovery.ErrNotRetryable),
		errors.Is(err, recovery.ErrWrongStatus),
		errors.Is(err, orchestrator.ErrLeaseHeld),
		errors.Is(err, orchestrator.ErrCannotRollback),
		errors.Is(err, statemachine.ErrStatusChanged),
		errors.Is(err, multisig.ErrInvalidProposal):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *handler) fail(c *gin.Context, step string, err error, req interface{}, message string) {
	status := statusFor(err)
	fields := map[string]string{
		"paymentId": c.Param("paymentId"),
		"actor":     auth.Actor(c),
		"error":     err.Error(),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(step, fields)
	} else {
		h.logger.Info(step, fields)
	}
	c.JSON(status, view.CreateResponse[any](nil, err, req, message))
}

func (h *handler) result(c *gin.Context, res *orchestrator.Result) {
	h.logger.Info("[recovery] manual action", map[string]string{
		"paymentId": res.PaymentID,
		"actor":     auth.Actor(c),
		"outcome":   string(res.Outcome),
		"from":      string(res.From),
		"to":        string(res.To),
	})
	c.JSON(http.StatusOK, view.CreateResponse[any](res, nil, nil, ""))
}

// bindRetry reads the optional force flag.
func bindRetry(c *gin.Context) RetryRequest {
	var req RetryRequest
	_ = c.ShouldBindJSON(&req)
	return req
}

// Dashboard godoc
// @Summary Recovery dashboard
// @Description Status counts, escalated payments with their assessment and pending multisig count
// @id recoveryDashboard
// @Tags Recovery
// @Produce json
// @Security BearerAuth
// @Success 200 {object} view.Response[recovery.Dashboard]
// @Failure 500 {object} view.ErrorResponse
// @Router /recovery/dashboard [get]
func (h *handler) Dashboard(c *gin.Context) {
	dashboard, err := h.console.Dashboard(c.Request.Context())
	if err != nil {
		h.fail(c, "[Dashboard][console.Dashboard]", err, nil, "failed to build dashboard")
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](dashboard, nil, nil, ""))
}

// Operation godoc
// @Summary Payment operation
// @Description Payment, escrow, multisig proposal, ledger and the canRetry/canRollback assessment
// @id recoveryOperation
// @Tags Recovery
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} view.Response[recovery.Operation]
// @Failure 404 {object} view.ErrorResponse
// @Router /recovery/operation/{paymentId} [get]
func (h *handler) Operation(c *gin.Context) {
	op, err := h.console.Operation(c.Request.Context(), c.Param("paymentId"))
	if err != nil {
		h.fail(c, "[Operation][console.Operation]", err, nil, "failed to get operation")
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](op, nil, nil, ""))
}

// Recover godoc
// @Summary Recover payment
// @Description Clears the escalation and resumes the saga from the last confirmed hop
// @id recoverPayment
// @Tags Recovery
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} view.Response[orchestrator.Result]
// @Failure 404 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Router /recovery/recover/{paymentId} [post]
func (h *handler) Recover(c *gin.Context) {
	res, err := h.console.Recover(c.Request.Context(), c.Param("paymentId"), auth.Actor(c))
	if err != nil {
		h.fail(c, "[Recover][console.Recover]", err, nil, "failed to recover payment")
		return
	}
	h.result(c, res)
}

// Rollback godoc
// @Summary Roll back payment
// @Description Refunds the payer when funds sit in the bridge wallet and marks the payment failed
// @id rollbackPayment
// @Tags Recovery
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment ID"
// @Param request body RollbackRequest true "Reason"
// @Success 200 {object} view.Response[orchestrator.Result]
// @Failure 400 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Router /recovery/rollback/{paymentId} [post]
func (h *handler) Rollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}
	if err := validator.New().Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}

	res, err := h.console.Rollback(c.Request.Context(), c.Param("paymentId"), auth.Actor(c), req.Reason)
	if err != nil {
		h.fail(c, "[Rollback][console.Rollback]", err, req, "failed to roll back payment")
		return
	}
	h.result(c, res)
}

// RetryBridge godoc
// @Summary Retry bridge transfer
// @Description Re-drives the transfer from the bridge wallet to the rail wallet, re-proposing a rejected multisig transaction
// @id retryBridge
// @Tags Recovery
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} view.Response[orchestrator.Result]
// @Failure 404 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Router /recovery/retry-bridge/{paymentId} [post]
func (h *handler) RetryBridge(c *gin.Context) {
	res, err := h.console.RetryBridge(c.Request.Context(), c.Param("paymentId"), auth.Actor(c))
	if err != nil {
		h.fail(c, "[RetryBridge][console.RetryBridge]", err, nil, "failed to retry bridge transfer")
		return
	}
	h.result(c, res)
}

// RetryWithdrawal godoc
// @Summary Retry withdrawal
// @Description Re-polls the rail for the bank payouts of a redeemed payment
// @id retryWithdrawal
// @Tags Recovery
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment ID"
// @Param request body RetryRequest false "Force"
// @Success 200 {object} view.Response[orchestrator.Result]
// @Failure 404 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Router /recovery/retry-withdrawal/{paymentId} [post]
func (h *handler) RetryWithdrawal(c *gin.Context) {
	req := bindRetry(c)
	res, err := h.console.RetryWithdrawal(c.Request.Context(), c.Param("paymentId"), auth.Actor(c), req.Force)
	if err != nil {
		h.fail(c, "[RetryWithdrawal][console.RetryWithdrawal]", err, req, "failed to retry withdrawal")
		return
	}
	h.result(c, res)
}

// RetryRedemption godoc
// @Summary Retry redemption
// @Description Re-issues the rail payout under the same idempotency key
// @id retryRedemption
// @Tags Recovery
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment ID"
// @Param request body RetryRequest false "Force"
// @Success 200 {object} view.Response[orchestrator.Result]
// @Failure 404 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Router /recovery/retry-redemption/{paymentId} [post]
func (h *handler) RetryRedemption(c *gin.Context) {
	req := bindRetry(c)
	res, err := h.console.RetryRedemption(c.Request.Context(), c.Param("paymentId"), auth.Actor(c), req.Force)
	if err != nil {
		h.fail(c, "[RetryRedemption][console.RetryRedemption]", err, req, "failed to retry redemption")
		return
	}
	h.result(c, res)
}

// SafetyMonitor godoc
// @Summary Run safety monitor
// @Description Escalates every non-terminal payment that stalled past the staleness window
// @id safetyMonitor
// @Tags Recovery
// @Produce json
// @Security BearerAuth
// @Success 200 {object} view.Response[recovery.SafetyReport]
// @Failure 500 {object} view.ErrorResponse
// @Router /recovery/safety-monitor [post]
func (h *handler) SafetyMonitor(c *gin.Context) {
	report, err := h.console.SafetyMonitor(c.Request.Context(), auth.Actor(c))
	if err != nil {
		h.fail(c, "[SafetyMonitor][console.SafetyMonitor]", err, nil, "safety monitor failed")
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](report, nil, nil, ""))
}

// ForceTransition godoc
// @Summary Force payment status
// @Description Admin only. Sets any status with operator-supplied evidence and writes a force_transition ledger entry.
// @id forceTransition
// @Tags Recovery
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment ID"
// @Param request body ForceTransitionRequest true "Target status and evidence"
// @Success 200 {object} view.Response[model.Payment]
// @Failure 400 {object} view.ErrorResponse
// @Failure 404 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Router /recovery/force-transition/{paymentId} [post]
func (h *handler) ForceTransition(c *gin.Context) {
	var req ForceTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}
	if err := validator.New().Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}

	p, err := h.console.ForceTransition(c.Request.Context(), statemachine.ForceRequest{
		PaymentID: c.Param("paymentId"),
		To:        model.PaymentStatus(req.To),
		Evidence: statemachine.Evidence{
			TxHash:        req.TxHash,
			EscrowID:      req.EscrowID,
			DepositID:     req.DepositID,
			RailPaymentID: req.RailPaymentID,
		},
		Actor:  auth.Actor(c),
		Reason: req.Reason,
	})
	if err != nil {
		h.fail(c, "[ForceTransition][console.ForceTransition]", err, req, "failed to force transition")
		return
	}

	h.logger.Info("[ForceTransition] status forced", map[string]string{
		"paymentId": p.ID,
		"to":        string(p.Status),
		"actor":     auth.Actor(c),
	})
	c.JSON(http.StatusOK, view.CreateResponse[any](p, nil, nil, "status forced"))
}
