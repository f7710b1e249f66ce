package handler

import (
	"strconv"
	"time"

	"payment-orchestrator/internal/adapter/http/dto"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"
	"payment-orchestrator/pkg/response"

	"github.com/gin-gonic/gin"
)

// AccountHandler handles customer fund account endpoints.
type AccountHandler struct {
	accounts ports.AccountService
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accounts ports.AccountService) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

// GetBalance handles GET /api/v1/accounts/:customer_id/balance?currency=...
func (h *AccountHandler) GetBalance(c *gin.Context) {
	currency := c.DefaultQuery("currency", "USD")
	account, err := h.accounts.GetBalance(c.Request.Context(), c.Param("customer_id"), currency)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.ToAccountResponse(account))
}

// UpdateOverdraft handles PUT /api/v1/accounts/:customer_id/overdraft.
func (h *AccountHandler) UpdateOverdraft(c *gin.Context) {
	var req dto.UpdateOverdraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	account, err := h.accounts.UpdateOverdraft(c.Request.Context(), c.Param("customer_id"), req.Currency, req.MaxOverdraft)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.ToAccountResponse(account))
}

// LedgerHandler handles reporting reads over posted ledger balances.
type LedgerHandler struct {
	ledger ports.LedgerQueryService
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(ledger ports.LedgerQueryService) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// ListBalances handles GET /api/v1/ledger/balances?period=YYYY-MM.
func (h *LedgerHandler) ListBalances(c *gin.Context) {
	period := c.Query("period")
	if period == "" {
		period = domain.PeriodFor(time.Now().UTC())
	}

	balances, err := h.ledger.ListBalances(c.Request.Context(), period)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.ToBalanceResponses(balances))
}

// FraudRuleHandler handles fraud rule administration.
type FraudRuleHandler struct {
	refresher ports.RuleCacheRefresher
}

// NewFraudRuleHandler creates a new FraudRuleHandler.
func NewFraudRuleHandler(refresher ports.RuleCacheRefresher) *FraudRuleHandler {
	return &FraudRuleHandler{refresher: refresher}
}

// RefreshCache handles POST /api/v1/fraud/rules/refresh. Rule edits take
// effect on the next evaluation after the cache is invalidated.
func (h *FraudRuleHandler) RefreshCache(c *gin.Context) {
	h.refresher.RefreshCache()
	response.OK(c, gin.H{"refreshed": true})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
