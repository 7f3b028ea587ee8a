// Package handlers wires the HTTP surface of the credits service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"patternhub/api_credits/internal/cache"
	"patternhub/api_credits/internal/ledger"
	"patternhub/api_credits/internal/notify"
	"patternhub/api_credits/internal/quota"
	"patternhub/api_credits/internal/unlocks"
	"patternhub/api_credits/pkg/api/bursar"
	"patternhub/api_credits/pkg/logging"
	"patternhub/api_credits/pkg/models"
	"patternhub/api_credits/pkg/monitoring"
)

const (
	unlocksTTL = 5 * time.Minute

	defaultPageSize = 50
	maxPageSize     = 200
)

// Metrics holds the service's business metrics
type Metrics struct {
	LedgerOps      *prometheus.CounterVec
	QuotaDecisions *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	OrphanedSpends *prometheus.CounterVec
}

// NewMetrics registers the business metrics on the collector
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		LedgerOps: mc.NewCounter("ledger_operations_total",
			"Ledger operations by type and outcome", []string{"operation", "outcome"}),
		QuotaDecisions: mc.NewCounter("quota_decisions_total",
			"Quota admission decisions", []string{"outcome"}),
		CacheLookups: mc.NewCounter("cache_lookups_total",
			"Cache lookups by outcome", []string{"outcome"}),
		OrphanedSpends: mc.NewCounter("orphaned_spends_total",
			"Spends that committed but whose unlock grant failed to write", []string{}),
	}
}

// Handlers exposes the credits HTTP endpoints
type Handlers struct {
	ledger   *ledger.Service
	unlocks  *unlocks.Registry
	cache    *cache.Cache
	limiter  *quota.Limiter
	notifier notify.Notifier
	logger   logging.Logger
	metrics  *Metrics
}

// NewHandlers creates the handler set
func NewHandlers(ledgerSvc *ledger.Service, registry *unlocks.Registry, c *cache.Cache, limiter *quota.Limiter, notifier notify.Notifier, logger logging.Logger, metrics *Metrics) *Handlers {
	return &Handlers{
		ledger:   ledgerSvc,
		unlocks:  registry,
		cache:    c,
		limiter:  limiter,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
	}
}

func unlocksCacheKey(userID string) string {
	return "users:unlocks:" + userID
}

// QuotaMiddleware enforces the per-role request quota and publishes rate
// limit headers on every response it admits.
func (h *Handlers) QuotaMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		role := c.GetString("role")

		decision := h.limiter.Allow(c.Request.Context(), userID, role)
		if decision.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		}

		if !decision.Allowed {
			h.metrics.QuotaDecisions.WithLabelValues("denied").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, bursar.ErrorResponse{
				Error: "Daily request quota exceeded",
			})
			return
		}

		h.metrics.QuotaDecisions.WithLabelValues("allowed").Inc()
		c.Next()
	}
}

// SpendCredits handles POST /credits/spend. The debit commits first; the
// unlock grant is written after. A grant failure after a committed spend is
// counted and logged for reconciliation rather than hidden behind a retry.
func (h *Handlers) SpendCredits(c *gin.Context) {
	userID := c.GetString("user_id")

	var req bursar.SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if !models.ValidScope(req.Scope) {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid unlock scope"})
		return
	}
	if req.Scope != models.ScopeLifetime && req.TargetID == "" {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "target_id is required for pattern and category unlocks"})
		return
	}
	if req.Cost <= 0 {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "cost must be positive"})
		return
	}

	metadata := models.JSONB{"scope": req.Scope}
	if req.TargetID != "" {
		metadata["target_id"] = req.TargetID
	}

	result, err := h.ledger.Spend(c.Request.Context(), userID, req.Cost, "unlock_"+req.Scope, metadata)
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			h.metrics.LedgerOps.WithLabelValues("spend", "insufficient").Inc()
			c.JSON(http.StatusBadRequest, bursar.InsufficientCreditsResponse{
				Success:   false,
				Error:     insufficient.Error(),
				Required:  insufficient.Required,
				Available: insufficient.Available,
			})
			return
		}
		h.metrics.LedgerOps.WithLabelValues("spend", "error").Inc()
		h.logger.WithError(err).WithField("user_id", userID).Error("Spend failed")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to spend credits"})
		return
	}
	h.metrics.LedgerOps.WithLabelValues("spend", "success").Inc()

	var targetID *string
	if req.TargetID != "" {
		targetID = &req.TargetID
	}
	grant, err := h.unlocks.CreateUnlock(c.Request.Context(), userID, req.Scope, targetID, req.Cost)
	if err != nil {
		// The spend already committed. Surface loudly so the grant can be
		// reconciled by hand instead of silently swallowing paid credits.
		h.metrics.OrphanedSpends.WithLabelValues().Inc()
		h.logger.WithError(err).WithFields(logging.Fields{
			"user_id":   userID,
			"scope":     req.Scope,
			"target_id": req.TargetID,
			"cost":      req.Cost,
		}).Error("Unlock grant failed after committed spend")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{
			Error: "Credits were deducted but the unlock could not be recorded. Contact support.",
		})
		return
	}

	h.invalidateAfterUnlock(c.Request.Context(), userID, req.Scope, req.TargetID)

	spent := notify.Event{
		Type:      notify.EventCreditsSpent,
		UserID:    userID,
		Amount:    req.Cost,
		Scope:     req.Scope,
		TargetID:  req.TargetID,
		Balance:   result.NewBalance,
		Timestamp: time.Now(),
	}
	unlocked := notify.Event{
		Type:      notify.EventUnlockCreated,
		UserID:    userID,
		Scope:     req.Scope,
		TargetID:  req.TargetID,
		Balance:   result.NewBalance,
		Timestamp: time.Now(),
	}
	go func(ctx context.Context) {
		h.notifier.Publish(ctx, spent)
		h.notifier.Publish(ctx, unlocked)
	}(context.WithoutCancel(c.Request.Context()))

	c.JSON(http.StatusOK, bursar.SpendResponse{
		Success:    true,
		NewBalance: result.NewBalance,
		Unlock:     &grant,
	})
}

// invalidateAfterUnlock drops cached views the new grant makes stale. Runs
// only after both the spend and the grant have committed.
func (h *Handlers) invalidateAfterUnlock(ctx context.Context, userID, scope, targetID string) {
	h.cache.Del(ctx, unlocksCacheKey(userID))
	h.cache.InvalidatePattern(ctx, "patterns:view:*")
	if scope == models.ScopePattern && targetID != "" {
		h.cache.Del(ctx, "patterns:detail:"+targetID)
	}
}

// AwardCredits handles POST /credits/award (service-to-service only)
func (h *Handlers) AwardCredits(c *gin.Context) {
	var req bursar.AwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "amount must be positive"})
		return
	}

	result, err := h.ledger.Award(c.Request.Context(), req.UserID, req.Amount, req.Source, req.Metadata)
	if err != nil {
		h.metrics.LedgerOps.WithLabelValues("award", "error").Inc()
		h.logger.WithError(err).WithField("user_id", req.UserID).Error("Award failed")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to award credits"})
		return
	}
	h.metrics.LedgerOps.WithLabelValues("award", "success").Inc()

	event := notify.Event{
		Type:      notify.EventCreditsAwarded,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Balance:   result.NewBalance,
		Tier:      result.Tier,
		Timestamp: time.Now(),
	}
	go h.notifier.Publish(context.WithoutCancel(c.Request.Context()), event)

	c.JSON(http.StatusOK, bursar.AwardResponse{
		NewBalance: result.NewBalance,
		Tier:       result.Tier,
	})
}

// GetBalance handles GET /credits/balance. Always a direct database read;
// users checking their balance right after a spend must see the new number.
func (h *Handlers) GetBalance(c *gin.Context) {
	userID := c.GetString("user_id")

	account, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Balance lookup failed")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to fetch balance"})
		return
	}

	c.JSON(http.StatusOK, bursar.BalanceResponse{
		Balance:           account.Balance,
		LifetimeEarned:    account.LifetimeEarned,
		LifetimeSpent:     account.LifetimeSpent,
		ContributionCount: account.ContributionCount,
		Tier:              account.Tier,
		Badges:            account.Badges,
		NextTierThreshold: models.NextTierThreshold(account.LifetimeEarned),
	})
}

// GetUnlocks handles GET /credits/unlocks, served through the advisory
// cache with concurrent misses collapsed to one database read.
func (h *Handlers) GetUnlocks(c *gin.Context) {
	userID := c.GetString("user_id")

	payload, err := h.cache.GetOrLoad(c.Request.Context(), unlocksCacheKey(userID), unlocksTTL, func(ctx context.Context) ([]byte, error) {
		hasLifetime, patterns, categories, err := h.unlocks.ListUnlocks(ctx, userID)
		if err != nil {
			return nil, err
		}
		if patterns == nil {
			patterns = []string{}
		}
		if categories == nil {
			categories = []string{}
		}
		return json.Marshal(bursar.UnlocksResponse{
			HasLifetimeAccess: hasLifetime,
			Patterns:          patterns,
			Categories:        categories,
		})
	})
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Unlocks lookup failed")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to fetch unlocks"})
		return
	}

	c.Data(http.StatusOK, "application/json", payload)
}

// GetLedger handles GET /credits/ledger with limit/offset pagination
func (h *Handlers) GetLedger(c *gin.Context) {
	userID := c.GetString("user_id")

	limit := parsePositiveInt(c.Query("limit"), defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := parsePositiveInt(c.Query("offset"), 0)

	entries, total, err := h.ledger.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Ledger lookup failed")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Failed to fetch ledger"})
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}

	c.JSON(http.StatusOK, bursar.LedgerResponse{
		Entries: entries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func parsePositiveInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return fallback
	}
	if v == 0 && fallback != 0 {
		return fallback
	}
	return v
}

// RegisterRoutes mounts the credits endpoints. The user group must already
// carry authentication; the service group must carry service-token auth.
func (h *Handlers) RegisterRoutes(user *gin.RouterGroup, service *gin.RouterGroup) {
	user.POST("/credits/spend", h.SpendCredits)
	user.GET("/credits/balance", h.GetBalance)
	user.GET("/credits/unlocks", h.GetUnlocks)
	user.GET("/credits/ledger", h.GetLedger)

	service.POST("/credits/award", h.AwardCredits)
}
