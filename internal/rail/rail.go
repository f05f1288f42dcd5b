package rail

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

var ErrNotFound = errors.New("not found on rail")

const (
	codeInvalidAccount  = "invalid_account"
	codeDuplicatePayout = "duplicate_payout"
)

// Error is the rail's error body together with the HTTP status.
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rail %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type Rail struct {
	cfg    config.RailConfig
	logger *logger.Logger
	client *resty.Client
}

func New(appConfig *config.AppConfig, logger *logger.Logger) IRail {
	client := resty.New().
		SetBaseURL(appConfig.Rail.BaseURL).
		SetTimeout(appConfig.Rail.CallTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Rail{
		cfg:    appConfig.Rail,
		logger: logger,
		client: client,
	}
}

// Sign computes the request signature: hex(HMAC-SHA256(secret, nonce || method || path || body)).
func Sign(secret, nonce, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *Rail) do(ctx context.Context, method, path string, body interface{}, idempotencyKey string, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return failure.Permanent("encode rail request", err)
		}
	}

	nonce := uuid.NewString()
	apiErr := &Error{}
	req := r.client.R().
		SetContext(ctx).
		SetHeader("X-Api-Key", r.cfg.APIKey).
		SetHeader("X-Nonce", nonce).
		SetHeader("X-Signature", Sign(r.cfg.APISecret, nonce, method, path, payload)).
		SetError(apiErr)
	if payload != nil {
		req.SetBody(payload)
	}
	if idempotencyKey != "" {
		req.SetHeader("Idempotency-Key", idempotencyKey)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		r.logger.Error("[rail][Execute] request failed", map[string]string{
			"method": method,
			"path":   path,
			"error":  err.Error(),
		})
		return failure.Transient("rail unavailable", err)
	}

	if !resp.IsError() {
		return nil
	}

	apiErr.StatusCode = resp.StatusCode()
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode())
	}
	r.logger.Error("[rail][Execute] rail returned error", map[string]string{
		"method": method,
		"path":   path,
		"status": fmt.Sprintf("%d", apiErr.StatusCode),
		"code":   apiErr.Code,
	})
	return classify(apiErr)
}

func classify(apiErr *Error) error {
	switch {
	case apiErr.StatusCode >= 500, apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode == http.StatusRequestTimeout:
		return failure.Transient("rail unavailable", apiErr)
	case apiErr.Code == codeInvalidAccount:
		return failure.Permanent("invalid account", apiErr)
	default:
		return failure.Permanent("rail rejected request", apiErr)
	}
}

func statusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func codeOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func (r *Rail) GetDeposit(ctx context.Context, reference string) (*Deposit, error) {
	var deposit Deposit
	err := r.do(ctx, http.MethodGet, "/v1/deposits/"+url.PathEscape(reference), nil, "", &deposit)
	if statusOf(err) == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

func (r *Rail) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	var balance Balance
	if err := r.do(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(asset), nil, "", &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

func (r *Rail) GetAllowance(ctx context.Context, asset string) (*Allowance, error) {
	var allowance Allowance
	if err := r.do(ctx, http.MethodGet, "/v1/allowances/"+url.PathEscape(asset), nil, "", &allowance); err != nil {
		return nil, err
	}
	return &allowance, nil
}

// InitiatePayout requests a payout. A duplicate key returns the payout the
// rail already holds for it.
func (r *Rail) InitiatePayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	if req.IdempotencyKey == "" {
		return nil, failure.Permanent("payout without idempotency key", nil)
	}

	var payout Payout
	err := r.do(ctx, http.MethodPost, "/v1/payouts", req, req.IdempotencyKey, &payout)
	if statusOf(err) == http.StatusConflict && codeOf(err) == codeDuplicatePayout {
		r.logger.Info("[InitiatePayout] duplicate idempotency key, reading existing payout", map[string]string{
			"idempotencyKey": req.IdempotencyKey,
		})
		return r.GetPayout(ctx, req.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *Rail) GetPayout(ctx context.Context, idempotencyKey string) (*Payout, error) {
	var payout Payout
	err := r.do(ctx, http.MethodGet, "/v1/payouts/"+url.PathEscape(idempotencyKey), nil, "", &payout)
	if statusOf(err) == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}
