package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/dwarvesf/escrow-settlement/internal/auth"
	"github.com/dwarvesf/escrow-settlement/internal/dispute"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
	"github.com/dwarvesf/escrow-settlement/internal/view"
)

type OpenDisputeRequest struct {
	Reason string `json:"reason" binding:"required" validate:"required,max=2000"`
}

type ResolveDisputeRequest struct {
	Outcome string `json:"outcome" binding:"required" validate:"required,oneof=release refund"`
	Notes   string `json:"notes" validate:"max=2000"`
}

type handler struct {
	disputes dispute.IService
	logger   *logger.Logger
}

func New(disputes dispute.IService, logger *logger.Logger) IHandler {
	return &handler{
		disputes: disputes,
		logger:   logger,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispute.ErrNotFound), errors.Is(err, dispute.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispute.ErrReasonRequired), errors.Is(err, dispute.ErrInvalidOutcome):
		return http.StatusBadRequest
	case errors.Is(err, dispute.ErrNotDisputable),
		errors.Is(err, dispute.ErrAlreadyOpen),
		errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, dispute.ErrPaymentBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Open godoc
// @Summary Open dispute
// @Description Freezes an escrowed or released payment until an admin resolves the dispute
// @id openDispute
// @Tags Dispute
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payment ID"
// @Param request body OpenDisputeRequest true "Dispute"
// @Success 201 {object} view.Response[model.Dispute]
// @Failure 400 {object} view.ErrorResponse
// @Failure 404 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Router /payments/{id}/disputes [post]
func (h *handler) Open(c *gin.Context) {
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}
	if err := validator.New().Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}

	paymentID := c.Param("id")
	d, err := h.disputes.Open(c.Request.Context(), paymentID, req.Reason, auth.Actor(c))
	if err != nil {
		h.logger.Error("[Open][disputes.Open]", map[string]string{
			"paymentId": paymentID,
			"error":     err.Error(),
		})
		c.JSON(statusFor(err), view.CreateResponse[any](nil, err, req, "failed to open dispute"))
		return
	}

	c.JSON(http.StatusCreated, view.CreateResponse[any](d, nil, nil, "dispute opened"))
}

// Get godoc
// @Summary Get dispute
// @id getDispute
// @Tags Dispute
// @Produce json
// @Security BearerAuth
// @Param id path string true "Dispute ID"
// @Success 200 {object} view.Response[model.Dispute]
// @Failure 404 {object} view.ErrorResponse
// @Router /disputes/{id} [get]
func (h *handler) Get(c *gin.Context) {
	d, err := h.disputes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), view.CreateResponse[any](nil, err, nil, "failed to get dispute"))
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](d, nil, nil, ""))
}

// Resolve godoc
// @Summary Resolve dispute
// @Description release returns the payment to its pre-dispute status and lets settlement continue; refund compensates and fails the payment
// @id resolveDispute
// @Tags Dispute
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Dispute ID"
// @Param request body ResolveDisputeRequest true "Resolution"
// @Success 200 {object} view.Response[model.Dispute]
// @Failure 400 {object} view.ErrorResponse
// @Failure 404 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Failure 500 {object} view.ErrorResponse
// @Router /disputes/{id}/resolve [post]
func (h *handler) Resolve(c *gin.Context) {
	var req ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}
	if err := validator.New().Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}

	id := c.Param("id")
	d, err := h.disputes.Resolve(c.Request.Context(), id, model.DisputeOutcome(req.Outcome), req.Notes, auth.Actor(c))
	if err != nil {
		h.logger.Error("[Resolve][disputes.Resolve]", map[string]string{
			"disputeId": id,
			"outcome":   req.Outcome,
			"error":     err.Error(),
		})
		c.JSON(statusFor(err), view.CreateResponse[any](nil, err, req, "failed to resolve dispute"))
		return
	}

	c.JSON(http.StatusOK, view.CreateResponse[any](d, nil, nil, "dispute resolved"))
}
