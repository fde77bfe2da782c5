package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Money columns are DECIMAL(20,4).
const (
	moneyPrecision = 20
	moneyScale     = 4
	moneyRule      = "decimal(20,4)"
)

func fitsMoney(d decimal.Decimal) bool {
	return utils.FitsDecimal(d, moneyPrecision, moneyScale)
}

type Account struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	OwnerId        string          `gorm:"size:64;not null;index:idx_account_owner_default,priority:1" json:"owner_id"`
	Name           string          `gorm:"size:100;not null" json:"name"`
	Type           AccountType     `gorm:"size:20;not null" json:"type"`
	Balance        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"balance"`
	OpeningBalance decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"opening_balance"`
	IsDefault      bool            `gorm:"not null;default:false;index:idx_account_owner_default,priority:2" json:"is_default"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// AccountOwner is a lock row. Every operation that reads or changes the
// owner's default flag locks it first, so default checks never race.
type AccountOwner struct {
	OwnerId   string    `gorm:"primaryKey;size:64" json:"owner_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewAccount struct {
	Name           string          `json:"name" validate:"required,max=100"`
	Type           AccountType     `json:"type" validate:"required,oneof=CHECKING SAVINGS"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	IsDefault      bool            `json:"is_default"`
}

type AccountWithTransactions struct {
	*Account
	Transactions     []*Transaction `json:"transactions"`
	TransactionCount int64          `json:"transaction_count"`
}

func (input *NewAccount) validate() error {
	if err := validateInput(input); err != nil {
		return err
	}
	if input.InitialBalance.IsNegative() {
		return ErrInvalidBalance
	}
	if !fitsMoney(input.InitialBalance) {
		return fieldError("initial_balance", moneyRule)
	}
	return nil
}

// lockOwner creates the owner's lock row on first use and takes it FOR UPDATE.
func lockOwner(tx *gorm.DB, ownerId string) error {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&AccountOwner{OwnerId: ownerId}).Error; err != nil {
		return err
	}
	var owner AccountOwner
	return forUpdate(tx).Where("owner_id = ?", ownerId).First(&owner).Error
}

// lockAccount loads an owned account FOR UPDATE. Missing and foreign
// accounts both yield ErrAccountNotFound.
func lockAccount(tx *gorm.DB, ownerId string, accountId string) (*Account, error) {
	var account Account
	err := forUpdate(tx).Where("id = ? AND owner_id = ?", accountId, ownerId).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// setBalance writes the new balance of a locked account. A balance the
// column cannot hold is a validation failure, not a store error.
func setBalance(tx *gorm.DB, account *Account, balance decimal.Decimal) error {
	if !fitsMoney(balance) {
		return fieldError("balance", moneyRule)
	}
	if err := tx.Model(&Account{}).Where("id = ?", account.ID).Update("balance", balance).Error; err != nil {
		return err
	}
	account.Balance = balance
	return nil
}

func CreateAccount(ctx context.Context, ownerId string, input *NewAccount) (*Account, error) {
	if err := requireOwner(ownerId); err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	account := Account{
		ID:             newId(),
		OwnerId:        ownerId,
		Name:           input.Name,
		Type:           input.Type,
		Balance:        input.InitialBalance,
		OpeningBalance: input.InitialBalance,
	}

	err := runInTransaction(ctx, func(tx *gorm.DB) error {
		if err := lockOwner(tx, ownerId); err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&Account{}).Where("owner_id = ?", ownerId).Count(&count).Error; err != nil {
			return err
		}
		// first account is always the default
		account.IsDefault = count == 0 || input.IsDefault
		if account.IsDefault && count > 0 {
			if err := clearDefaults(tx, ownerId); err != nil {
				return err
			}
		}
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		return recordChangeEvent(ctx, tx, ChangeEventAccountCreated, "ACCOUNT", account.ID, accountEventPayload(&account))
	})
	if err != nil {
		return nil, internalError("CreateAccount", ownerId, err)
	}
	return &account, nil
}

func clearDefaults(tx *gorm.DB, ownerId string) error {
	return tx.Model(&Account{}).
		Where("owner_id = ? AND is_default = ?", ownerId, true).
		Update("is_default", false).Error
}

// SetDefaultAccount makes accountId the owner's only default account.
func SetDefaultAccount(ctx context.Context, ownerId string, accountId string) (*Account, error) {
	if err := requireOwner(ownerId); err != nil {
		return nil, err
	}

	var account *Account
	err := runInTransaction(ctx, func(tx *gorm.DB) error {
		if err := lockOwner(tx, ownerId); err != nil {
			return err
		}
		var err error
		account, err = lockAccount(tx, ownerId, accountId)
		if err != nil {
			return err
		}
		if account.IsDefault {
			return nil
		}
		if err := clearDefaults(tx, ownerId); err != nil {
			return err
		}
		if err := tx.Model(&Account{}).Where("id = ?", account.ID).Update("is_default", true).Error; err != nil {
			return err
		}
		account.IsDefault = true
		return recordChangeEvent(ctx, tx, ChangeEventAccountDefaultChanged, "ACCOUNT", account.ID, accountEventPayload(account))
	})
	if err != nil {
		return nil, internalError("SetDefaultAccount", accountId, err)
	}
	return account, nil
}

// DeleteAccount removes an account and its transactions. The owner's default
// account cannot be deleted while no other account is default.
func DeleteAccount(ctx context.Context, ownerId string, accountId string) (*Account, error) {
	if err := requireOwner(ownerId); err != nil {
		return nil, err
	}

	var account *Account
	err := runInTransaction(ctx, func(tx *gorm.DB) error {
		if err := lockOwner(tx, ownerId); err != nil {
			return err
		}
		// transaction rows before the account row, same order as the ledger paths
		var cascaded []*Transaction
		if err := forUpdate(tx).
			Where("account_id = ? AND owner_id = ?", accountId, ownerId).
			Order("id ASC").
			Find(&cascaded).Error; err != nil {
			return err
		}
		var err error
		account, err = lockAccount(tx, ownerId, accountId)
		if err != nil {
			return err
		}
		if account.IsDefault {
			var otherDefaults int64
			if err := tx.Model(&Account{}).
				Where("owner_id = ? AND is_default = ? AND id <> ?", ownerId, true, accountId).
				Count(&otherDefaults).Error; err != nil {
				return err
			}
			if otherDefaults == 0 {
				return ErrLastDefaultAccount
			}
		}
		if len(cascaded) > 0 {
			txIds := make([]string, 0, len(cascaded))
			for _, t := range cascaded {
				txIds = append(txIds, t.ID)
			}
			if err := tx.Where("id IN ? AND owner_id = ?", txIds, ownerId).Delete(&Transaction{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("id = ? AND owner_id = ?", accountId, ownerId).Delete(&Account{}).Error; err != nil {
			return err
		}
		// one event per removed row so transaction consumers need not expand the account event
		for _, t := range cascaded {
			if err := recordChangeEvent(ctx, tx, ChangeEventTransactionDeleted, "TRANSACTION", t.ID,
				transactionEventPayload(t, account, nil)); err != nil {
				return err
			}
		}
		return recordChangeEvent(ctx, tx, ChangeEventAccountDeleted, "ACCOUNT", account.ID, accountEventPayload(account))
	})
	if err != nil {
		return nil, internalError("DeleteAccount", accountId, err)
	}
	return account, nil
}

func GetAccount(ctx context.Context, ownerId string, accountId string) (*Account, error) {
	account, err := utils.FetchModel[Account](ctx, ownerId, accountId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, internalError("GetAccount", accountId, err)
	}
	return account, nil
}

// ListAccounts returns the owner's accounts, default first.
func ListAccounts(ctx context.Context, ownerId string) ([]*Account, error) {
	accounts, err := utils.FetchAllModels[Account](ctx, ownerId, "is_default DESC, created_at ASC, id ASC")
	if err != nil {
		return nil, internalError("ListAccounts", ownerId, err)
	}
	return accounts, nil
}

// GetAccountWithTransactions returns the account with its newest transactions.
// At most limit rows are embedded (100 when limit <= 0, never more than 1000);
// TransactionCount is the full count, so a caller sees when the list is cut
// and can page the rest through ListTransactions.
func GetAccountWithTransactions(ctx context.Context, ownerId string, accountId string, limit int) (*AccountWithTransactions, error) {
	account, err := GetAccount(ctx, ownerId, accountId)
	if err != nil {
		return nil, err
	}
	transactions, err := ListTransactions(ctx, ownerId, &TransactionFilter{AccountId: &accountId, Limit: limit})
	if err != nil {
		return nil, err
	}
	var count int64
	err = config.GetDB().WithContext(ctx).Model(&Transaction{}).
		Where("owner_id = ? AND account_id = ?", ownerId, accountId).
		Count(&count).Error
	if err != nil {
		return nil, internalError("GetAccountWithTransactions", accountId, err)
	}
	return &AccountWithTransactions{Account: account, Transactions: transactions, TransactionCount: count}, nil
}
