package payment

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/dwarvesf/escrow-settlement/internal/auth"
	"github.com/dwarvesf/escrow-settlement/internal/intake"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
	"github.com/dwarvesf/escrow-settlement/internal/view"
)

type CreatePaymentRequest struct {
	ID                    string    `json:"id" validate:"omitempty,max=64"`
	Amount                string    `json:"amount" binding:"required" validate:"required,numeric"`
	Currency              string    `json:"currency" binding:"required" validate:"required,max=16"`
	PayerRef              string    `json:"payerRef"`
	PayeeRef              string    `json:"payeeRef"`
	PayerAddress          string    `json:"payerAddress" binding:"required" validate:"required,eth_addr"`
	PayeeAddress          string    `json:"payeeAddress" binding:"required" validate:"required,eth_addr"`
	PayeeBankAccount      string    `json:"payeeBankAccount" binding:"required" validate:"required"`
	CustodyPercent        string    `json:"custodyPercent" validate:"omitempty,numeric"`
	CustodyDeadline       time.Time `json:"custodyDeadline" binding:"required" validate:"required"`
	CommissionPercent     string    `json:"commissionPercent" validate:"omitempty,numeric"`
	CommissionBeneficiary string    `json:"commissionBeneficiary"`
	CommissionBankAccount string    `json:"commissionBankAccount"`
}

type CancelPaymentRequest struct {
	Reason string `json:"reason"`
}

type handler struct {
	intake intake.IService
	logger *logger.Logger
}

func New(intake intake.IService, logger *logger.Logger) IHandler {
	return &handler{
		intake: intake,
		logger: logger,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, intake.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, intake.ErrInvalidPayment):
		return http.StatusBadRequest
	case errors.Is(err, intake.ErrAlreadyExists),
		errors.Is(err, intake.ErrNotCancellable),
		errors.Is(err, intake.ErrPaymentBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func percent(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	return decimal.RequireFromString(raw)
}

// Create godoc
// @Summary Register payment
// @Description Registers a payment handed over by the platform. The settlement sweep picks it up once the payer's deposit is confirmed on the rail.
// @id createPayment
// @Tags Payment
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreatePaymentRequest true "Payment"
// @Success 201 {object} view.Response[model.Payment]
// @Failure 400 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Failure 500 {object} view.ErrorResponse
// @Router /payments [post]
func (h *handler) Create(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("[Create][ShouldBindJSON]", map[string]string{
			"error": err.Error(),
		})
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}

	if err := validator.New().Struct(req); err != nil {
		h.logger.Error("[Create][Validator]", map[string]string{
			"error": err.Error(),
		})
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}

	p, err := h.intake.Create(c.Request.Context(), intake.CreateRequest{
		ID:                    req.ID,
		Amount:                decimal.RequireFromString(req.Amount),
		Currency:              req.Currency,
		PayerRef:              req.PayerRef,
		PayeeRef:              req.PayeeRef,
		PayerAddress:          req.PayerAddress,
		PayeeAddress:          req.PayeeAddress,
		PayeeBankAccount:      req.PayeeBankAccount,
		CustodyPercent:        percent(req.CustodyPercent),
		CustodyDeadline:       req.CustodyDeadline,
		CommissionPercent:     percent(req.CommissionPercent),
		CommissionBeneficiary: req.CommissionBeneficiary,
		CommissionBankAccount: req.CommissionBankAccount,
		Actor:                 auth.Actor(c),
	})
	if err != nil {
		h.logger.Error("[Create][intake.Create]", map[string]string{
			"paymentId": req.ID,
			"error":     err.Error(),
		})
		c.JSON(statusFor(err), view.CreateResponse[any](nil, err, req, "failed to register payment"))
		return
	}

	c.JSON(http.StatusCreated, view.CreateResponse[any](p, nil, nil, ""))
}

// Get godoc
// @Summary Get payment
// @Description Returns the payment, its escrow and its full event ledger
// @id getPayment
// @Tags Payment
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payment ID"
// @Success 200 {object} view.Response[intake.Detail]
// @Failure 404 {object} view.ErrorResponse
// @Failure 500 {object} view.ErrorResponse
// @Router /payments/{id} [get]
func (h *handler) Get(c *gin.Context) {
	id := c.Param("id")
	detail, err := h.intake.Get(c.Request.Context(), id)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("[Get][intake.Get]", map[string]string{
				"paymentId": id,
				"error":     err.Error(),
			})
		}
		c.JSON(statusFor(err), view.CreateResponse[any](nil, err, nil, "failed to get payment"))
		return
	}

	c.JSON(http.StatusOK, view.CreateResponse[any](detail, nil, nil, ""))
}

// Cancel godoc
// @Summary Cancel payment
// @Description Cancels a payment that has not reached escrowed
// @id cancelPayment
// @Tags Payment
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payment ID"
// @Param request body CancelPaymentRequest false "Reason"
// @Success 200 {object} view.Response[model.Payment]
// @Failure 404 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Failure 500 {object} view.ErrorResponse
// @Router /payments/{id}/cancel [post]
func (h *handler) Cancel(c *gin.Context) {
	var req CancelPaymentRequest
	// the body is optional
	_ = c.ShouldBindJSON(&req)

	id := c.Param("id")
	p, err := h.intake.Cancel(c.Request.Context(), id, req.Reason, auth.Actor(c))
	if err != nil {
		h.logger.Error("[Cancel][intake.Cancel]", map[string]string{
			"paymentId": id,
			"error":     err.Error(),
		})
		c.JSON(statusFor(err), view.CreateResponse[any](nil, err, req, "failed to cancel payment"))
		return
	}

	c.JSON(http.StatusOK, view.CreateResponse[any](p, nil, nil, "payment cancelled"))
}
