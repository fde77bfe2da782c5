package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReconciliationReport is one mismatch found by RunLedgerReconciliationChecks.
type ReconciliationReport struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	OwnerId         string          `gorm:"size:64;index;not null" json:"owner_id"`
	AccountId       string          `gorm:"size:36;index;not null" json:"account_id"`
	ExpectedBalance decimal.Decimal `gorm:"type:decimal(20,4)" json:"expected_balance"`
	ActualBalance   decimal.Decimal `gorm:"type:decimal(20,4)" json:"actual_balance"`
	Details         string          `gorm:"type:text" json:"details"`
	CorrelationId   string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type Reconciliation struct {
	AccountId        string          `json:"account_id"`
	OwnerId          string          `json:"owner_id"`
	OpeningBalance   decimal.Decimal `json:"opening_balance"`
	TransactionTotal decimal.Decimal `json:"transaction_total"`
	ExpectedBalance  decimal.Decimal `json:"expected_balance"`
	ActualBalance    decimal.Decimal `json:"actual_balance"`
	TransactionCount int             `json:"transaction_count"`
}

// Balanced reports whether opening balance plus every persisted signed amount
// equals the stored balance.
func (r *Reconciliation) Balanced() bool {
	return r.ExpectedBalance.Equal(r.ActualBalance)
}

// ReconcileAccount recomputes an account's balance from its persisted
// transactions in one consistent read.
func ReconcileAccount(ctx context.Context, ownerId string, accountId string) (*Reconciliation, error) {
	db := config.GetDB()
	var rec *Reconciliation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account Account
		if err := tx.Where("id = ? AND owner_id = ?", accountId, ownerId).First(&account).Error; err != nil {
			return err
		}
		var transactions []*Transaction
		if err := tx.Select("id", "type", "amount").
			Where("account_id = ? AND owner_id = ?", accountId, ownerId).
			Find(&transactions).Error; err != nil {
			return err
		}
		total := decimal.Zero
		for _, t := range transactions {
			total = total.Add(t.SignedAmount())
		}
		rec = &Reconciliation{
			AccountId:        account.ID,
			OwnerId:          account.OwnerId,
			OpeningBalance:   account.OpeningBalance,
			TransactionTotal: total,
			ExpectedBalance:  account.OpeningBalance.Add(total),
			ActualBalance:    account.Balance,
			TransactionCount: len(transactions),
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, internalError("ReconcileAccount", accountId, err)
	}
	return rec, nil
}

// RunLedgerReconciliationChecks reconciles every account (or every account of
// ownerId when set) and writes a ReconciliationReport row per mismatch.
func RunLedgerReconciliationChecks(ctx context.Context, ownerId string) (correlationId string, mismatches []*Reconciliation, err error) {
	db := config.GetDB()
	if db == nil {
		return "", nil, fmt.Errorf("db is nil")
	}
	logger := config.GetLogger()

	cid, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || cid == "" {
		cid = newId()
	}
	scanCtx := utils.SetSkipOwnerScopeInContext(ctx, true)

	var accounts []*Account
	q := db.WithContext(scanCtx).Select("id", "owner_id").Order("owner_id ASC").Order("id ASC")
	if ownerId != "" {
		q = q.Where("owner_id = ?", ownerId)
	}
	if err := q.Find(&accounts).Error; err != nil {
		return cid, nil, err
	}

	for _, a := range accounts {
		rec, err := ReconcileAccount(ctx, a.OwnerId, a.ID)
		if errors.Is(err, ErrAccountNotFound) {
			// deleted since the listing
			continue
		}
		if err != nil {
			return cid, mismatches, err
		}
		if rec.Balanced() {
			continue
		}
		mismatches = append(mismatches, rec)
		report := ReconciliationReport{
			OwnerId:         rec.OwnerId,
			AccountId:       rec.AccountId,
			ExpectedBalance: rec.ExpectedBalance,
			ActualBalance:   rec.ActualBalance,
			Details: fmt.Sprintf("opening %s + %d transactions (%s) != balance %s",
				rec.OpeningBalance, rec.TransactionCount, rec.TransactionTotal, rec.ActualBalance),
			CorrelationId: cid,
		}
		if err := db.WithContext(scanCtx).Create(&report).Error; err != nil {
			return cid, mismatches, err
		}
		logger.WithFields(logrus.Fields{
			"field":          "LedgerReconciliation",
			"owner_id":       rec.OwnerId,
			"account_id":     rec.AccountId,
			"expected":       rec.ExpectedBalance.String(),
			"actual":         rec.ActualBalance.String(),
			"correlation_id": cid,
		}).Warn("ledger mismatch")
	}
	return cid, mismatches, nil
}
