package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// CreateTransaction inserts a transaction and applies its signed amount to the
// account balance in one DB transaction. A result below zero is rejected.
func CreateTransaction(ctx context.Context, ownerId string, input *NewTransaction) (*Transaction, error) {
	if err := requireOwner(ownerId); err != nil {
		return nil, err
	}
	if input.AccountId == "" {
		return nil, fieldError("account_id", "required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	interval, next, err := input.schedule()
	if err != nil {
		return nil, fieldError("recurring_interval", "oneof")
	}

	transaction := Transaction{
		ID:                newId(),
		OwnerId:           ownerId,
		AccountId:         input.AccountId,
		Type:              input.Type,
		Amount:            input.Amount,
		Category:          input.Category,
		Description:       input.Description,
		Date:              input.Date.UTC(),
		IsRecurring:       input.IsRecurring,
		RecurringInterval: interval,
		NextRecurringDate: next,
		Status:            input.status(),
	}

	err = runInTransaction(ctx, func(tx *gorm.DB) error {
		account, err := lockAccount(tx, ownerId, input.AccountId)
		if err != nil {
			return err
		}
		newBalance := account.Balance.Add(transaction.SignedAmount())
		if newBalance.IsNegative() {
			return ErrInsufficientBalance
		}
		if err := tx.Create(&transaction).Error; err != nil {
			return err
		}
		if err := setBalance(tx, account, newBalance); err != nil {
			return err
		}
		return recordChangeEvent(ctx, tx, ChangeEventTransactionCreated, "TRANSACTION", transaction.ID,
			transactionEventPayload(&transaction, account, nil))
	})
	if err != nil {
		return nil, internalError("CreateTransaction", input.AccountId, err)
	}
	return &transaction, nil
}

// UpdateTransaction rewrites a transaction and applies (new signed amount -
// old signed amount) to the account's current balance. The account never
// changes; input.AccountId is ignored.
func UpdateTransaction(ctx context.Context, ownerId string, transactionId string, input *NewTransaction) (*Transaction, error) {
	if err := requireOwner(ownerId); err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	interval, next, err := input.schedule()
	if err != nil {
		return nil, fieldError("recurring_interval", "oneof")
	}

	var updated Transaction
	err = runInTransaction(ctx, func(tx *gorm.DB) error {
		var existing Transaction
		err := forUpdate(tx).Where("id = ? AND owner_id = ?", transactionId, ownerId).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		account, err := lockAccount(tx, ownerId, existing.AccountId)
		if err != nil {
			return err
		}

		difference := signedAmount(input.Type, input.Amount).Sub(existing.SignedAmount())
		newBalance := account.Balance.Add(difference)
		if newBalance.IsNegative() {
			return ErrInsufficientBalance
		}

		previousDate := existing.Date
		updated = existing
		updated.Type = input.Type
		updated.Amount = input.Amount
		updated.Category = input.Category
		updated.Description = input.Description
		updated.Date = input.Date.UTC()
		updated.IsRecurring = input.IsRecurring
		updated.RecurringInterval = interval
		updated.NextRecurringDate = next
		if input.Status != "" {
			updated.Status = input.Status
		}
		updated.UpdatedAt = time.Now().UTC()

		err = tx.Model(&Transaction{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
			"type":                updated.Type,
			"amount":              updated.Amount,
			"category":            updated.Category,
			"description":         updated.Description,
			"date":                updated.Date,
			"is_recurring":        updated.IsRecurring,
			"recurring_interval":  updated.RecurringInterval,
			"next_recurring_date": updated.NextRecurringDate,
			"status":              updated.Status,
			"updated_at":          updated.UpdatedAt,
		}).Error
		if err != nil {
			return err
		}
		if !difference.IsZero() {
			if err := setBalance(tx, account, newBalance); err != nil {
				return err
			}
		}
		return recordChangeEvent(ctx, tx, ChangeEventTransactionUpdated, "TRANSACTION", updated.ID,
			transactionEventPayload(&updated, account, &previousDate))
	})
	if err != nil {
		return nil, internalError("UpdateTransaction", transactionId, err)
	}
	return &updated, nil
}
