package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/middlewares"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// respondError maps ledger errors to HTTP. Anything unexpected is already
// logged by the models layer and leaves here as a bare 500.
func respondError(c *gin.Context, err error) {
	var validationErr *models.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": models.ErrValidation.Error(), "fields": validationErr.Fields})
	case errors.Is(err, models.ErrInvalidBalance),
		errors.Is(err, models.ErrInsufficientBalance):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrLastDefaultAccount):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrAccountNotFound),
		errors.Is(err, models.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, field string, rule string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":  models.ErrValidation.Error(),
		"fields": map[string]string{field: rule},
	})
}

type createAccountRequest struct {
	Name           string             `json:"name"`
	Type           models.AccountType `json:"type"`
	InitialBalance interface{}        `json:"initial_balance"`
	IsDefault      bool               `json:"is_default"`
}

func createAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "body", "json")
			return
		}
		balance := decimal.Zero
		if req.InitialBalance != nil {
			parsed, err := utils.ParseAmount(req.InitialBalance)
			if errors.Is(err, utils.ErrNonFiniteDecimal) {
				respondError(c, models.ErrInvalidBalance)
				return
			}
			if err != nil {
				badRequest(c, "initial_balance", "decimal")
				return
			}
			balance = parsed
		}

		account, err := models.CreateAccount(c.Request.Context(), middlewares.OwnerId(c), &models.NewAccount{
			Name:           req.Name,
			Type:           req.Type,
			InitialBalance: balance,
			IsDefault:      req.IsDefault,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, account)
	}
}

func listAccountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accounts, err := models.ListAccounts(c.Request.Context(), middlewares.OwnerId(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, accounts)
	}
}

func getAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var query struct {
			Limit int `form:"limit"`
		}
		if err := c.ShouldBindQuery(&query); err != nil {
			badRequest(c, "limit", "invalid")
			return
		}
		account, err := models.GetAccountWithTransactions(c.Request.Context(), middlewares.OwnerId(c), c.Param("id"), query.Limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, account)
	}
}

func setDefaultAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := models.SetDefaultAccount(c.Request.Context(), middlewares.OwnerId(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, account)
	}
}

func deleteAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := models.DeleteAccount(c.Request.Context(), middlewares.OwnerId(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, account)
	}
}

func reconcileAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := models.ReconcileAccount(c.Request.Context(), middlewares.OwnerId(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reconciliation": report, "balanced": report.Balanced()})
	}
}

type transactionRequest struct {
	AccountId         string                    `json:"account_id"`
	Type              models.TransactionType    `json:"type"`
	Amount            interface{}               `json:"amount"`
	Category          string                    `json:"category"`
	Description       string                    `json:"description"`
	Date              time.Time                 `json:"date"`
	IsRecurring       bool                      `json:"is_recurring"`
	RecurringInterval *models.RecurringInterval `json:"recurring_interval"`
	Status            models.TransactionStatus  `json:"status"`
}

// bindTransaction decodes the body; it writes the response and returns nil
// when the body is unusable.
func bindTransaction(c *gin.Context) *models.NewTransaction {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body", "json")
		return nil
	}
	if req.Amount == nil {
		badRequest(c, "amount", "required")
		return nil
	}
	amount, err := utils.ParseAmount(req.Amount)
	if err != nil {
		badRequest(c, "amount", "decimal")
		return nil
	}
	return &models.NewTransaction{
		AccountId:         req.AccountId,
		Type:              req.Type,
		Amount:            amount,
		Category:          req.Category,
		Description:       req.Description,
		Date:              req.Date,
		IsRecurring:       req.IsRecurring,
		RecurringInterval: req.RecurringInterval,
		Status:            req.Status,
	}
}

func createTransactionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		input := bindTransaction(c)
		if input == nil {
			return
		}
		transaction, err := models.CreateTransaction(c.Request.Context(), middlewares.OwnerId(c), input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, transaction)
	}
}

func updateTransactionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		input := bindTransaction(c)
		if input == nil {
			return
		}
		transaction, err := models.UpdateTransaction(c.Request.Context(), middlewares.OwnerId(c), c.Param("id"), input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, transaction)
	}
}

func getTransactionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		transaction, err := models.GetTransaction(c.Request.Context(), middlewares.OwnerId(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, transaction)
	}
}

func listTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.TransactionFilter
		if err := c.ShouldBindQuery(&filter); err != nil {
			badRequest(c, "query", "invalid")
			return
		}
		transactions, err := models.ListTransactions(c.Request.Context(), middlewares.OwnerId(c), &filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, transactions)
	}
}

type bulkDeleteRequest struct {
	TransactionIds []string `json:"transaction_ids"`
}

func bulkDeleteTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkDeleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "body", "json")
			return
		}
		result, err := models.BulkDeleteTransactions(c.Request.Context(), middlewares.OwnerId(c), req.TransactionIds)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type outboxReplayRequest struct {
	RecordId string `json:"record_id"`
}

// outboxReplayHandler puts a DEAD or FAILED change event back in the
// dispatch queue. Guarded by OPS_TOKEN; disabled when it is unset.
func outboxReplayHandler(opsToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opsToken == "" || c.GetHeader("X-Ops-Token") != opsToken {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req outboxReplayRequest
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil || req.RecordId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "record_id is required"})
			return
		}

		record, err := models.ReplayChangeEvent(c.Request.Context(), req.RecordId)
		switch {
		case errors.Is(err, models.ErrChangeEventNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, models.ErrChangeEventNotReplayable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "publish_status": record.PublishStatus})
		case err != nil:
			respondError(c, err)
		default:
			c.JSON(http.StatusOK, gin.H{
				"record_id":       record.ID,
				"publish_status":  record.PublishStatus,
				"next_attempt_at": record.NextAttemptAt,
			})
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}
