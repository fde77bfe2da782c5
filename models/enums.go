package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type AccountType string

const (
	AccountTypeChecking AccountType = "CHECKING"
	AccountTypeSavings  AccountType = "SAVINGS"
)

func (t AccountType) IsValid() bool {
	switch t {
	case AccountTypeChecking, AccountTypeSavings:
		return true
	}
	return false
}

// accept lower-case input from clients
func (t *AccountType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, (*string)(t), "account type")
}

type TransactionType string

const (
	TransactionTypeIncome  TransactionType = "INCOME"
	TransactionTypeExpense TransactionType = "EXPENSE"
)

func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypeIncome, TransactionTypeExpense:
		return true
	}
	return false
}

func (t *TransactionType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, (*string)(t), "transaction type")
}

type RecurringInterval string

const (
	RecurringIntervalDaily   RecurringInterval = "DAILY"
	RecurringIntervalWeekly  RecurringInterval = "WEEKLY"
	RecurringIntervalMonthly RecurringInterval = "MONTHLY"
	RecurringIntervalYearly  RecurringInterval = "YEARLY"
)

func (t RecurringInterval) IsValid() bool {
	switch t {
	case RecurringIntervalDaily, RecurringIntervalWeekly, RecurringIntervalMonthly, RecurringIntervalYearly:
		return true
	}
	return false
}

func (t *RecurringInterval) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, (*string)(t), "recurring interval")
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

func (t TransactionStatus) IsValid() bool {
	switch t {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed:
		return true
	}
	return false
}

func (t *TransactionStatus) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, (*string)(t), "transaction status")
}

// range checks happen in validation, so unknown values are kept as-is here
func unmarshalEnum(b []byte, dst *string, name string) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%s must be string", name)
	}
	*dst = strings.ToUpper(strings.TrimSpace(s))
	return nil
}
