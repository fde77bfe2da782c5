package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
)

// Transaction is a ledger entry. When IsRecurring is set the same row is also
// the schedule state of a recurrence template.
type Transaction struct {
	ID                string             `gorm:"primaryKey;size:36" json:"id"`
	OwnerId           string             `gorm:"size:64;not null;index" json:"owner_id"`
	AccountId         string             `gorm:"size:36;not null;index" json:"account_id"`
	Type              TransactionType    `gorm:"size:10;not null" json:"type"`
	Amount            decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"amount"`
	Category          string             `gorm:"size:100" json:"category"`
	Description       string             `gorm:"type:text" json:"description"`
	Date              time.Time          `gorm:"not null;index" json:"date"`
	IsRecurring       bool               `gorm:"not null;default:false;index:idx_transaction_recurring_due,priority:1" json:"is_recurring"`
	RecurringInterval *RecurringInterval `gorm:"size:10" json:"recurring_interval"`
	NextRecurringDate *time.Time         `gorm:"index:idx_transaction_recurring_due,priority:3" json:"next_recurring_date"`
	LastProcessed     *time.Time         `json:"last_processed"`
	Status            TransactionStatus  `gorm:"size:20;not null;default:'COMPLETED';index:idx_transaction_recurring_due,priority:2" json:"status"`
	CreatedAt         time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// SignedAmount is +amount for INCOME and -amount for EXPENSE.
func (t *Transaction) SignedAmount() decimal.Decimal {
	return signedAmount(t.Type, t.Amount)
}

func signedAmount(typ TransactionType, amount decimal.Decimal) decimal.Decimal {
	if typ == TransactionTypeExpense {
		return amount.Neg()
	}
	return amount
}

// TransactionVariant separates plain ledger rows from recurrence templates.
type TransactionVariant interface {
	Base() *Transaction
	isTransactionVariant()
}

type PlainTransaction struct {
	*Transaction
}

func (p PlainTransaction) Base() *Transaction { return p.Transaction }
func (PlainTransaction) isTransactionVariant() {}

// RecurringTemplate is a recurring row whose schedule fields are known to be present.
type RecurringTemplate struct {
	*Transaction
	Interval RecurringInterval
	NextDue  time.Time
}

func (r RecurringTemplate) Base() *Transaction { return r.Transaction }
func (RecurringTemplate) isTransactionVariant() {}

// IsDue reports whether the template should be materialized at now.
func (r RecurringTemplate) IsDue(now time.Time) bool {
	return r.Status == TransactionStatusCompleted && !r.NextDue.After(now)
}

func (t *Transaction) Variant() (TransactionVariant, error) {
	if !t.IsRecurring {
		return PlainTransaction{Transaction: t}, nil
	}
	if t.RecurringInterval == nil || !t.RecurringInterval.IsValid() {
		return nil, fmt.Errorf("transaction %s: recurring without a valid interval", t.ID)
	}
	if t.NextRecurringDate == nil {
		return nil, fmt.Errorf("transaction %s: recurring without next date", t.ID)
	}
	return RecurringTemplate{
		Transaction: t,
		Interval:    *t.RecurringInterval,
		NextDue:     t.NextRecurringDate.UTC(),
	}, nil
}

type NewTransaction struct {
	AccountId         string             `json:"account_id"`
	Type              TransactionType    `json:"type" validate:"required,oneof=INCOME EXPENSE"`
	Amount            decimal.Decimal    `json:"amount"`
	Category          string             `json:"category" validate:"max=100"`
	Description       string             `json:"description" validate:"max=2000"`
	Date              time.Time          `json:"date"`
	IsRecurring       bool               `json:"is_recurring"`
	RecurringInterval *RecurringInterval `json:"recurring_interval"`
	Status            TransactionStatus  `json:"status" validate:"omitempty,oneof=PENDING COMPLETED FAILED"`
}

func (input *NewTransaction) validate() error {
	if err := validateInput(input); err != nil {
		return err
	}
	if !input.Amount.IsPositive() {
		return fieldError("amount", "gt")
	}
	if !fitsMoney(input.Amount) {
		return fieldError("amount", moneyRule)
	}
	if input.Date.IsZero() {
		return fieldError("date", "required")
	}
	if input.IsRecurring {
		if input.RecurringInterval == nil {
			return fieldError("recurring_interval", "required_if")
		}
		if !input.RecurringInterval.IsValid() {
			return fieldError("recurring_interval", "oneof")
		}
	}
	return nil
}

func (input *NewTransaction) status() TransactionStatus {
	if input.Status == "" {
		return TransactionStatusCompleted
	}
	return input.Status
}

// schedule returns interval and next date for the input, nil for plain rows.
func (input *NewTransaction) schedule() (*RecurringInterval, *time.Time, error) {
	if !input.IsRecurring {
		return nil, nil, nil
	}
	interval := *input.RecurringInterval
	next, err := Advance(input.Date.UTC(), interval)
	if err != nil {
		return nil, nil, err
	}
	return &interval, &next, nil
}

type TransactionFilter struct {
	AccountId   *string          `form:"account_id"`
	Type        *TransactionType `form:"type"`
	IsRecurring *bool            `form:"is_recurring"`
	From        *time.Time       `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To          *time.Time       `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit       int              `form:"limit"`
}

const (
	defaultTransactionLimit = 100
	maxTransactionLimit     = 1000
)

func GetTransaction(ctx context.Context, ownerId string, transactionId string) (*Transaction, error) {
	t, err := utils.FetchModel[Transaction](ctx, ownerId, transactionId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, internalError("GetTransaction", transactionId, err)
	}
	return t, nil
}

// ListTransactions returns the owner's transactions, newest first.
func ListTransactions(ctx context.Context, ownerId string, filter *TransactionFilter) ([]*Transaction, error) {
	db := config.GetDB()
	q := db.WithContext(ctx).Where("owner_id = ?", ownerId)

	limit := defaultTransactionLimit
	if filter != nil {
		if filter.AccountId != nil {
			q = q.Where("account_id = ?", *filter.AccountId)
		}
		if filter.Type != nil {
			q = q.Where("type = ?", *filter.Type)
		}
		if filter.IsRecurring != nil {
			q = q.Where("is_recurring = ?", *filter.IsRecurring)
		}
		if filter.From != nil {
			q = q.Where("date >= ?", filter.From.UTC())
		}
		if filter.To != nil {
			q = q.Where("date <= ?", filter.To.UTC())
		}
		if filter.Limit > 0 {
			limit = filter.Limit
		}
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}

	var results []*Transaction
	err := q.Order("date DESC").Order("created_at DESC").Order("id DESC").Limit(limit).Find(&results).Error
	if err != nil {
		return nil, internalError("ListTransactions", ownerId, err)
	}
	return results, nil
}
