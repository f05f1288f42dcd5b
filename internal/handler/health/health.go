package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc"
	"github.com/dwarvesf/escrow-settlement/internal/monitoring"
	"github.com/dwarvesf/escrow-settlement/internal/rail"
	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

type HealthHandler struct {
	config           *config.AppConfig
	logger           *logger.Logger
	db               *gorm.DB
	chain            baserpc.IBaseRPC
	rail             rail.IRail
	jobStatusManager *monitoring.JobStatusManager
}

func New(config *config.AppConfig, logger *logger.Logger, db *gorm.DB, chain baserpc.IBaseRPC, railClient rail.IRail, jobStatusManager *monitoring.JobStatusManager) IHealthHandler {
	return &HealthHandler{
		config:           config,
		logger:           logger,
		db:               db,
		chain:            chain,
		rail:             railClient,
		jobStatusManager: jobStatusManager,
	}
}

// Basic is the liveness probe.
// @Summary Basic health check
// @Description Returns basic system availability status
// @Tags health
// @Produce json
// @Success 200 {object} BasicHealthResponse
// @Router /healthz [get]
func (h *HealthHandler) Basic(c *gin.Context) {
	c.JSON(http.StatusOK, BasicHealthResponse{Message: "ok"})
}

// Database pings the ledger database.
// @Summary Database health check
// @Description Validates database connectivity and reports pool usage
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /api/v1/health/db [get]
func (h *HealthHandler) Database(c *gin.Context) {
	h.respond(c, map[string]checkFunc{
		"database": h.checkDatabase,
	})
}

// External probes the chain RPC and the off-ramp rail concurrently.
// @Summary External dependencies health check
// @Description Validates Base RPC and rail connectivity
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /api/v1/health/external [get]
func (h *HealthHandler) External(c *gin.Context) {
	h.respond(c, map[string]checkFunc{
		"base_rpc": h.checkBaseAPI,
		"rail":     h.checkRail,
	})
}

type checkFunc func(ctx context.Context) HealthCheck

// respond runs every check in parallel under a shared 10s budget and
// answers 503 unless all of them pass.
func (h *HealthHandler) respond(c *gin.Context, checks map[string]checkFunc) {
	start := time.Now()

	ctx := context.Background()
	if c.Request != nil {
		ctx = c.Request.Context()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	results := make(map[string]HealthCheck, len(checks))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			result := check(gctx)
			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	response := HealthResponse{
		Status:     statusHealthy,
		Timestamp:  start,
		Checks:     results,
		DurationMs: time.Since(start).Milliseconds(),
	}
	code := http.StatusOK
	for name, result := range results {
		if result.Status == statusHealthy {
			continue
		}
		response.Status = statusUnhealthy
		code = http.StatusServiceUnavailable
		h.logger.Warn("[respond] health check failed", map[string]string{
			"check": name,
			"error": result.Error,
		})
	}
	c.JSON(code, response)
}

// probe times call under a 3s timeout.
func probe(ctx context.Context, call func(ctx context.Context) (map[string]interface{}, error)) HealthCheck {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	metadata, err := call(ctx)
	check := HealthCheck{
		Status:   statusHealthy,
		Latency:  time.Since(start).Milliseconds(),
		Metadata: metadata,
	}
	if err != nil {
		check.Status = statusUnhealthy
		check.Error = err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			check.Error = "timeout"
		}
	}
	return check
}

func unavailable(what string) HealthCheck {
	return HealthCheck{Status: statusUnhealthy, Error: what + " not available"}
}

func (h *HealthHandler) checkDatabase(ctx context.Context) HealthCheck {
	if h.db == nil {
		return unavailable("database connection")
	}
	return probe(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		sqlDB, err := h.db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get underlying database")
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return nil, err
		}
		stats := sqlDB.Stats()
		return map[string]interface{}{
			"dialect": h.db.Dialector.Name(),
			"connection_pool": map[string]interface{}{
				"open_connections": stats.OpenConnections,
				"in_use":           stats.InUse,
				"idle":             stats.Idle,
				"max_open":         stats.MaxOpenConnections,
			},
		}, nil
	})
}

// checkBaseAPI asks the chain for its head block.
func (h *HealthHandler) checkBaseAPI(ctx context.Context) HealthCheck {
	if h.chain == nil {
		return unavailable("base rpc")
	}
	return probe(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		block, err := h.chain.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"block": fmt.Sprint(block)}, nil
	})
}

// checkRail reads the settlement asset balance, which also proves the
// request signature is accepted.
func (h *HealthHandler) checkRail(ctx context.Context) HealthCheck {
	if h.rail == nil {
		return unavailable("rail")
	}
	return probe(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		if _, err := h.rail.GetBalance(ctx, h.config.Rail.Asset); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"endpoint": h.config.Rail.BaseURL,
			"asset":    h.config.Rail.Asset,
		}, nil
	})
}
