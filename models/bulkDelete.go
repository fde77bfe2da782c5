package models

import (
	"context"
	"sort"

	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AccountSnapshot struct {
	AccountId string   `json:"account_id"`
	Account   *Account `json:"account"`
}

type BulkDeleteResult struct {
	Deleted          []*Transaction     `json:"deleted"`
	AccountSnapshots []*AccountSnapshot `json:"account_snapshots"`
}

// BulkDeleteTransactions deletes the owned subset of transactionIds and
// reverses their amounts on the affected accounts in one DB transaction.
// Ids that are missing or belong to another owner are skipped.
//
// The resulting balances are not checked for being non-negative: deleting an
// income can push an account below zero and that is accepted here.
func BulkDeleteTransactions(ctx context.Context, ownerId string, transactionIds []string) (*BulkDeleteResult, error) {
	if err := requireOwner(ownerId); err != nil {
		return nil, err
	}
	ids := utils.UniqueSlice(transactionIds)
	if len(ids) == 0 {
		return nil, ErrTransactionNotFound
	}

	result := &BulkDeleteResult{}
	err := runInTransaction(ctx, func(tx *gorm.DB) error {
		var owned []*Transaction
		if err := forUpdate(tx).
			Where("id IN ? AND owner_id = ?", ids, ownerId).
			Order("id ASC").
			Find(&owned).Error; err != nil {
			return err
		}
		if len(owned) == 0 {
			return ErrTransactionNotFound
		}

		deltas := reversalDeltas(owned)
		accountIds := make([]string, 0, len(deltas))
		for id := range deltas {
			accountIds = append(accountIds, id)
		}
		sort.Strings(accountIds)

		ownedIds := make([]string, 0, len(owned))
		for _, t := range owned {
			ownedIds = append(ownedIds, t.ID)
		}
		if err := tx.Where("id IN ? AND owner_id = ?", ownedIds, ownerId).Delete(&Transaction{}).Error; err != nil {
			return err
		}

		accounts := make(map[string]*Account, len(accountIds))
		snapshots := make([]*AccountSnapshot, 0, len(accountIds))
		for _, accountId := range accountIds {
			account, err := lockAccount(tx, ownerId, accountId)
			if err != nil {
				return err
			}
			if err := setBalance(tx, account, account.Balance.Add(deltas[accountId])); err != nil {
				return err
			}
			accounts[accountId] = account
			snapshots = append(snapshots, &AccountSnapshot{AccountId: accountId, Account: account})
		}

		for _, t := range owned {
			if err := recordChangeEvent(ctx, tx, ChangeEventTransactionDeleted, "TRANSACTION", t.ID,
				transactionEventPayload(t, accounts[t.AccountId], nil)); err != nil {
				return err
			}
		}

		result.Deleted = owned
		result.AccountSnapshots = snapshots
		return nil
	})
	if err != nil {
		return nil, internalError("BulkDeleteTransactions", ids, err)
	}
	return result, nil
}

// reversalDeltas sums, per account, the balance change that undoes each
// transaction: +amount for an expense, -amount for an income.
func reversalDeltas(transactions []*Transaction) map[string]decimal.Decimal {
	deltas := make(map[string]decimal.Decimal)
	for _, t := range transactions {
		deltas[t.AccountId] = deltas[t.AccountId].Sub(t.SignedAmount())
	}
	return deltas
}
