package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
)

// DueTemplate is one row of the recurring scan.
type DueTemplate struct {
	TransactionId     string    `json:"transaction_id"`
	OwnerId           string    `json:"owner_id"`
	NextRecurringDate time.Time `json:"next_recurring_date"`
}

// FindDueRecurringTemplates pages through templates that are due at now,
// across all owners, ordered by id. Pass the last id of the previous page as
// afterId ("" for the first page).
func FindDueRecurringTemplates(ctx context.Context, now time.Time, afterId string, limit int) ([]DueTemplate, error) {
	db := config.GetDB()
	ctx = utils.SetSkipOwnerScopeInContext(ctx, true)

	q := db.WithContext(ctx).Model(&Transaction{}).
		Select("id", "owner_id", "next_recurring_date").
		Where("is_recurring = ? AND status = ? AND next_recurring_date <= ?", true, TransactionStatusCompleted, now.UTC())
	if afterId != "" {
		q = q.Where("id > ?", afterId)
	}

	var rows []*Transaction
	if err := q.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, internalError("FindDueRecurringTemplates", afterId, err)
	}
	due := make([]DueTemplate, 0, len(rows))
	for _, r := range rows {
		if r.NextRecurringDate == nil {
			continue
		}
		due = append(due, DueTemplate{
			TransactionId:     r.ID,
			OwnerId:           r.OwnerId,
			NextRecurringDate: r.NextRecurringDate.UTC(),
		})
	}
	return due, nil
}

type MaterializeResult struct {
	Template   *Transaction `json:"template"`
	Occurrence *Transaction `json:"occurrence,omitempty"`
	Account    *Account     `json:"account,omitempty"`
	// SkipReason is set when the template was not eligible and nothing was written.
	SkipReason string `json:"skip_reason,omitempty"`
}

func (r *MaterializeResult) Skipped() bool {
	return r.Occurrence == nil
}

const (
	SkipReasonNotFound     = "template not found"
	SkipReasonNotRecurring = "not recurring"
	SkipReasonNotCompleted = "template status is not COMPLETED"
	SkipReasonNotDue       = "not due yet"
	SkipReasonMalformed    = "recurring schedule is incomplete"
)

// MaterializeRecurringTransaction re-checks the template under a row lock and,
// when still due, inserts one occurrence dated now, applies it to the account
// and moves the template's schedule forward. All of it commits together, so a
// retry after success finds the template no longer due and does nothing.
func MaterializeRecurringTransaction(ctx context.Context, ownerId string, transactionId string, now time.Time) (*MaterializeResult, error) {
	if err := requireOwner(ownerId); err != nil {
		return nil, err
	}
	now = now.UTC()

	var result *MaterializeResult
	err := runInTransaction(ctx, func(tx *gorm.DB) error {
		result = &MaterializeResult{}

		var row Transaction
		err := forUpdate(tx).Where("id = ? AND owner_id = ?", transactionId, ownerId).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result.SkipReason = SkipReasonNotFound
			return nil
		}
		if err != nil {
			return err
		}
		result.Template = &row

		variant, err := row.Variant()
		if err != nil {
			result.SkipReason = SkipReasonMalformed
			return nil
		}
		template, ok := variant.(RecurringTemplate)
		if !ok {
			result.SkipReason = SkipReasonNotRecurring
			return nil
		}
		if template.Status != TransactionStatusCompleted {
			result.SkipReason = SkipReasonNotCompleted
			return nil
		}
		if !template.IsDue(now) {
			result.SkipReason = SkipReasonNotDue
			return nil
		}

		account, err := lockAccount(tx, ownerId, template.AccountId)
		if err != nil {
			return err
		}

		occurrence := Transaction{
			ID:          newId(),
			OwnerId:     ownerId,
			AccountId:   template.AccountId,
			Type:        template.Type,
			Amount:      template.Amount,
			Category:    template.Category,
			Description: template.Description,
			Date:        now,
			Status:      TransactionStatusCompleted,
		}
		if err := tx.Create(&occurrence).Error; err != nil {
			return err
		}
		if err := setBalance(tx, account, account.Balance.Add(occurrence.SignedAmount())); err != nil {
			return err
		}

		next, err := NextDueAfter(template.NextDue, template.Interval, now)
		if err != nil {
			return err
		}
		if err := tx.Model(&Transaction{}).Where("id = ?", template.ID).Updates(map[string]interface{}{
			"next_recurring_date": next,
			"last_processed":      now,
			"updated_at":          now,
		}).Error; err != nil {
			return err
		}
		row.NextRecurringDate = &next
		row.LastProcessed = &now
		row.UpdatedAt = now

		result.Occurrence = &occurrence
		result.Account = account
		return recordChangeEvent(ctx, tx, ChangeEventRecurringMaterialized, "TRANSACTION", occurrence.ID,
			transactionEventPayload(&occurrence, account, nil))
	})
	if err != nil {
		return nil, internalError("MaterializeRecurringTransaction", transactionId, err)
	}
	return result, nil
}
