package multisig

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/dwarvesf/escrow-settlement/internal/auth"
	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/multisig"
	"github.com/dwarvesf/escrow-settlement/internal/store/multisigtransaction"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
	"github.com/dwarvesf/escrow-settlement/internal/view"
)

var errSignerMismatch = errors.New("signer does not match the authenticated address")

type ProposeRequest struct {
	Destination string                 `json:"destination" binding:"required" validate:"required,eth_addr"`
	Value       string                 `json:"value" binding:"required" validate:"required,numeric"`
	Payload     string                 `json:"payload"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// SignRequest carries a signature over the approval, rejection or
// pre-approval message.
type SignRequest struct {
	Signer    string `json:"signer" binding:"required" validate:"required,eth_addr"`
	Signature string `json:"signature" binding:"required" validate:"required,hexadecimal"`
	Reason    string `json:"reason"`
}

type CreatePreApprovalRequest struct {
	PaymentID string `json:"paymentId" binding:"required" validate:"required,max=64"`
}

type ListRequest struct {
	Status    string `form:"status" validate:"omitempty,oneof=PENDING APPROVED REJECTED EXECUTED"`
	PaymentID string `form:"paymentId"`
	Limit     int    `form:"limit"`
	Offset    int    `form:"offset"`
}

type ListResponse struct {
	Total        int64                        `json:"total"`
	Transactions []*model.MultiSigTransaction `json:"transactions"`
}

type handler struct {
	gate   multisig.IGate
	logger *logger.Logger
}

func New(gate multisig.IGate, logger *logger.Logger) IHandler {
	return &handler{
		gate:   gate,
		logger: logger,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, multisig.ErrNotFound), errors.Is(err, multisig.ErrPreApprovalNotFound):
		return http.StatusNotFound
	case errors.Is(err, multisig.ErrNotSigner), errors.Is(err, errSignerMismatch):
		return http.StatusForbidden
	case errors.Is(err, multisig.ErrInvalidSignature), errors.Is(err, multisig.ErrInvalidProposal):
		return http.StatusBadRequest
	case errors.Is(err, multisig.ErrDuplicateApproval),
		errors.Is(err, multisig.ErrNotPending),
		errors.Is(err, multisig.ErrNotApproved),
		errors.Is(err, multisig.ErrExpired),
		errors.Is(err, multisig.ErrThresholdNotMet),
		errors.Is(err, multisig.ErrExecutionInProgress):
		return http.StatusConflict
	}

	var classified *failure.Error
	if errors.As(err, &classified) {
		if failure.Retryable(classified.Class) {
			return http.StatusServiceUnavailable
		}
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// bindSign binds a signed request and checks that a signer token only signs
// for its own address.
func (h *handler) bindSign(c *gin.Context) (SignRequest, error) {
	var req SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, err
	}
	if err := validator.New().Struct(req); err != nil {
		return req, err
	}
	if addr := auth.Address(c); addr != "" && !strings.EqualFold(addr, req.Signer) {
		return req, errSignerMismatch
	}
	return req, nil
}

func (h *handler) fail(c *gin.Context, step string, err error, req interface{}, message string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(step, map[string]string{
			"id":    c.Param("id"),
			"error": err.Error(),
		})
	}
	c.JSON(status, view.CreateResponse[any](nil, err, req, message))
}

// Propose godoc
// @Summary Propose multisig transfer
// @Description Proposes a transfer from the bridge wallet that needs M-of-N signer approval before it is dispatched
// @id proposeMultisig
// @Tags MultiSig
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ProposeRequest true "Proposal"
// @Success 201 {object} view.Response[model.MultiSigTransaction]
// @Failure 400 {object} view.ErrorResponse
// @Router /multisig/propose [post]
func (h *handler) Propose(c *gin.Context) {
	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}
	if err := validator.New().Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}

	tx, err := h.gate.Propose(c.Request.Context(), multisig.ProposeRequest{
		Destination: req.Destination,
		Value:       decimal.RequireFromString(req.Value),
		Payload:     req.Payload,
		Type:        multisig.TypeTransfer,
		Creator:     auth.Actor(c),
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.fail(c, "[Propose][gate.Propose]", err, req, "failed to propose transaction")
		return
	}
	c.JSON(http.StatusCreated, view.CreateResponse[any](tx, nil, nil, ""))
}

// Approve godoc
// @Summary Approve multisig transaction
// @Description Records a signer approval. The signature is an EIP-191 personal signature over multisig.ApprovalMessage(id).
// @id approveMultisig
// @Tags MultiSig
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Param request body SignRequest true "Signature"
// @Success 200 {object} view.Response[model.MultiSigTransaction]
// @Failure 400 {object} view.ErrorResponse
// @Failure 403 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Router /multisig/approve/{id} [post]
func (h *handler) Approve(c *gin.Context) {
	req, err := h.bindSign(c)
	if err != nil {
		c.JSON(statusOrBadRequest(err), view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}

	tx, err := h.gate.Approve(c.Request.Context(), c.Param("id"), req.Signer, req.Signature)
	if err != nil {
		h.fail(c, "[Approve][gate.Approve]", err, req, "failed to approve transaction")
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](tx, nil, nil, ""))
}

// Reject godoc
// @Summary Reject multisig transaction
// @Description A single rejection is terminal; the transfer must be re-proposed
// @id rejectMultisig
// @Tags MultiSig
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Param request body SignRequest true "Signature over multisig.RejectionMessage(id)"
// @Success 200 {object} view.Response[model.MultiSigTransaction]
// @Failure 400 {object} view.ErrorResponse
// @Failure 403 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Router /multisig/reject/{id} [post]
func (h *handler) Reject(c *gin.Context) {
	req, err := h.bindSign(c)
	if err != nil {
		c.JSON(statusOrBadRequest(err), view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}

	tx, err := h.gate.Reject(c.Request.Context(), c.Param("id"), req.Signer, req.Signature, req.Reason)
	if err != nil {
		h.fail(c, "[Reject][gate.Reject]", err, req, "failed to reject transaction")
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](tx, nil, nil, ""))
}

// Execute godoc
// @Summary Execute multisig transaction
// @Description Dispatches an approved transfer and marks it EXECUTED once confirmed on chain
// @id executeMultisig
// @Tags MultiSig
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Success 200 {object} view.Response[model.MultiSigTransaction]
// @Failure 404 {object} view.ErrorResponse
// @Failure 409 {object} view.ErrorResponse
// @Failure 422 {object} view.ErrorResponse
// @Failure 503 {object} view.ErrorResponse
// @Router /multisig/execute/{id} [post]
func (h *handler) Execute(c *gin.Context) {
	tx, err := h.gate.Execute(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		h.fail(c, "[Execute][gate.Execute]", err, nil, "failed to execute transaction")
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](tx, nil, nil, ""))
}

// Pending godoc
// @Summary List pending multisig transactions
// @id pendingMultisig
// @Tags MultiSig
// @Produce json
// @Security BearerAuth
// @Success 200 {object} view.Response[[]model.MultiSigTransaction]
// @Router /multisig/pending [get]
func (h *handler) Pending(c *gin.Context) {
	txs, err := h.gate.Pending(c.Request.Context())
	if err != nil {
		h.fail(c, "[Pending][gate.Pending]", err, nil, "failed to list pending transactions")
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](txs, nil, nil, ""))
}

// Requests godoc
// @Summary List multisig transactions
// @id listMultisig
// @Tags MultiSig
// @Produce json
// @Security BearerAuth
// @Param status query string false "PENDING, APPROVED, EXECUTING, REJECTED or EXECUTED"
// @Param paymentId query string false "Payment ID"
// @Param limit query int false "Page size, max 100"
// @Param offset query int false "Offset"
// @Success 200 {object} view.Response[ListResponse]
// @Router /multisig/requests [get]
func (h *handler) Requests(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}
	if err := validator.New().Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if req.Limit > 100 {
		req.Limit = 100
	}

	txs, total, err := h.gate.List(c.Request.Context(), multisigtransaction.ListFilter{
		Status:    model.MultiSigStatus(req.Status),
		PaymentID: req.PaymentID,
		Limit:     req.Limit,
		Offset:    req.Offset,
	})
	if err != nil {
		h.fail(c, "[Requests][gate.List]", err, nil, "failed to list transactions")
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](ListResponse{Total: total, Transactions: txs}, nil, nil, ""))
}

// Request godoc
// @Summary Get multisig transaction
// @id getMultisig
// @Tags MultiSig
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Success 200 {object} view.Response[model.MultiSigTransaction]
// @Failure 404 {object} view.ErrorResponse
// @Router /multisig/requests/{id} [get]
func (h *handler) Request(c *gin.Context) {
	tx, err := h.gate.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "[Request][gate.Get]", err, nil, "failed to get transaction")
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](tx, nil, nil, ""))
}

// Statistics godoc
// @Summary Multisig statistics
// @id multisigStatistics
// @Tags MultiSig
// @Produce json
// @Security BearerAuth
// @Success 200 {object} view.Response[multisig.Statistics]
// @Router /multisig/statistics [get]
func (h *handler) Statistics(c *gin.Context) {
	stats, err := h.gate.Statistics(c.Request.Context())
	if err != nil {
		h.fail(c, "[Statistics][gate.Statistics]", err, nil, "failed to get statistics")
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](stats, nil, nil, ""))
}

// Config godoc
// @Summary Multisig configuration
// @id multisigConfig
// @Tags MultiSig
// @Produce json
// @Security BearerAuth
// @Success 200 {object} view.Response[multisig.Config]
// @Router /multisig/config [get]
func (h *handler) Config(c *gin.Context) {
	c.JSON(http.StatusOK, view.CreateResponse[any](h.gate.Config(), nil, nil, ""))
}

// CreatePreApproval godoc
// @Summary Create pre-approval
// @Description Binds a payment to the signer set so signatures can be collected before its bridge transfer is proposed
// @id createPreApproval
// @Tags MultiSig
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreatePreApprovalRequest true "Payment"
// @Success 201 {object} view.Response[model.PreApproval]
// @Failure 400 {object} view.ErrorResponse
// @Router /multisig/preapprovals [post]
func (h *handler) CreatePreApproval(c *gin.Context) {
	var req CreatePreApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}
	if err := validator.New().Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}

	pa, err := h.gate.CreatePreApproval(c.Request.Context(), req.PaymentID, auth.Actor(c))
	if err != nil {
		h.fail(c, "[CreatePreApproval][gate.CreatePreApproval]", err, req, "failed to create pre-approval")
		return
	}
	c.JSON(http.StatusCreated, view.CreateResponse[any](pa, nil, nil, ""))
}

// SignPreApproval godoc
// @Summary Sign pre-approval
// @Description Records a signature over multisig.PreApprovalMessage(paymentId)
// @id signPreApproval
// @Tags MultiSig
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Pre-approval ID"
// @Param request body SignRequest true "Signature"
// @Success 200 {object} view.Response[model.PreApproval]
// @Failure 400 {object} view.ErrorResponse
// @Failure 403 {object} view.ErrorResponse
// @Failure 404 {object} view.ErrorResponse
// @Router /multisig/preapprovals/{id}/sign [post]
func (h *handler) SignPreApproval(c *gin.Context) {
	req, err := h.bindSign(c)
	if err != nil {
		c.JSON(statusOrBadRequest(err), view.CreateResponse[any](nil, err, req, "invalid request"))
		return
	}

	pa, err := h.gate.SignPreApproval(c.Request.Context(), c.Param("id"), req.Signer, req.Signature)
	if err != nil {
		h.fail(c, "[SignPreApproval][gate.SignPreApproval]", err, req, "failed to sign pre-approval")
		return
	}
	c.JSON(http.StatusOK, view.CreateResponse[any](pa, nil, nil, ""))
}

func statusOrBadRequest(err error) int {
	if errors.Is(err, errSignerMismatch) {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}
