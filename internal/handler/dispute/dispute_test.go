package dispute

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/dwarvesf/escrow-settlement/internal/auth"
	"github.com/dwarvesf/escrow-settlement/internal/consts"
	"github.com/dwarvesf/escrow-settlement/internal/dispute"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Open(ctx context.Context, paymentID, reason, openedBy string) (*model.Dispute, error) {
	args := m.Called(ctx, paymentID, reason, openedBy)
	if d := args.Get(0); d != nil {
		return d.(*model.Dispute), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) Resolve(ctx context.Context, id string, outcome model.DisputeOutcome, notes, resolvedBy string) (*model.Dispute, error) {
	args := m.Called(ctx, id, outcome, notes, resolvedBy)
	if d := args.Get(0); d != nil {
		return d.(*model.Dispute), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) Get(ctx context.Context, id string) (*model.Dispute, error) {
	args := m.Called(ctx, id)
	if d := args.Get(0); d != nil {
		return d.(*model.Dispute), args.Error(1)
	}
	return nil, args.Error(1)
}

func router(svc dispute.IService, role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(svc, logger.New("test"))
	r := gin.New()
	r.Use(auth.WithClaims(&auth.Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-1"}}))
	r.POST("/payments/:id/disputes", h.Open)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/resolve", h.Resolve)
	return r
}

func post(r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req, _ := http.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOpen(t *testing.T) {
	svc := new(MockService)
	r := router(svc, consts.ROLE_PLATFORM)

	svc.On("Open", mock.Anything, "pay-1", "item not delivered", "platform:ops-1").
		Return(&model.Dispute{ID: "dsp-1", PaymentID: "pay-1", Status: model.DisputeStatusOpen}, nil).Once()
	w := post(r, "/payments/pay-1/disputes", OpenDisputeRequest{Reason: "item not delivered"})
	assert.Equal(t, http.StatusCreated, w.Code)

	svc.On("Open", mock.Anything, "pay-2", "late", "platform:ops-1").Return(nil, dispute.ErrNotDisputable).Once()
	w = post(r, "/payments/pay-2/disputes", OpenDisputeRequest{Reason: "late"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = post(r, "/payments/pay-3/disputes", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.AssertExpectations(t)
}

func TestResolve(t *testing.T) {
	svc := new(MockService)
	r := router(svc, consts.ROLE_ADMIN)

	svc.On("Resolve", mock.Anything, "dsp-1", model.DisputeOutcomeRefund, "seller agreed", "admin:ops-1").
		Return(&model.Dispute{ID: "dsp-1", Status: model.DisputeStatusResolved, Outcome: model.DisputeOutcomeRefund}, nil).Once()
	w := post(r, "/disputes/dsp-1/resolve", ResolveDisputeRequest{Outcome: "refund", Notes: "seller agreed"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = post(r, "/disputes/dsp-1/resolve", ResolveDisputeRequest{Outcome: "split"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.On("Resolve", mock.Anything, "dsp-9", model.DisputeOutcomeRelease, "", "admin:ops-1").Return(nil, dispute.ErrNotFound).Once()
	w = post(r, "/disputes/dsp-9/resolve", ResolveDisputeRequest{Outcome: "release"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	svc.AssertExpectations(t)
}
