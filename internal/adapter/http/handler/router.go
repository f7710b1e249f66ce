package handler

import (
	"net/http"

	"payment-orchestrator/internal/adapter/http/middleware"
	"payment-orchestrator/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	Orchestrator   ports.OrchestrationService
	Accounts       ports.AccountService
	Ledger         ports.LedgerQueryService
	RuleRefresher  ports.RuleCacheRefresher
	HealthCheckers []ports.HealthChecker
	Registry       *prometheus.Registry // nil = metrics endpoint disabled
	Mode           string
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Mode != "" {
		gin.SetMode(deps.Mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	// Health check (deep, verifies PostgreSQL and Redis)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	// API v1 routes
	v1 := r.Group("/api/v1")

	paymentHandler := NewPaymentHandler(deps.Orchestrator)
	payments := v1.Group("/payments")
	{
		payments.POST("", paymentHandler.Initiate)
		payments.GET("", paymentHandler.List)
		payments.GET("/:payment_id", paymentHandler.GetStatus)
		payments.POST("/:payment_id/retry", paymentHandler.Retry)
		payments.POST("/:payment_id/cancel", paymentHandler.Cancel)
	}

	accountHandler := NewAccountHandler(deps.Accounts)
	accounts := v1.Group("/accounts")
	{
		accounts.GET("/:customer_id/balance", accountHandler.GetBalance)
		accounts.PUT("/:customer_id/overdraft", accountHandler.UpdateOverdraft)
	}

	ledgerHandler := NewLedgerHandler(deps.Ledger)
	v1.GET("/ledger/balances", ledgerHandler.ListBalances)

	fraudHandler := NewFraudRuleHandler(deps.RuleRefresher)
	v1.POST("/fraud/rules/refresh", fraudHandler.RefreshCache)

	return r
}

// HealthCheck reports the status of each backing dependency.
func HealthCheck(checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		type depStatus struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		deps := make(map[string]depStatus)
		allHealthy := true

		for _, checker := range checkers {
			if err := checker.Ping(c.Request.Context()); err != nil {
				deps[checker.Name()] = depStatus{Status: "unhealthy", Error: err.Error()}
				allHealthy = false
			} else {
				deps[checker.Name()] = depStatus{Status: "healthy"}
			}
		}

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":       status,
			"dependencies": deps,
		})
	}
}
