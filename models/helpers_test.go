package models_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupLedgerDB points config at a fresh SQLite file. One connection keeps
// writers serialized the way row locks do on MySQL.
func setupLedgerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db") + "?_busy_timeout=5000"
	db, err := config.InitDatabase(sqlite.Open(dsn))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.MigrateTable(db))

	prev := config.GetDB()
	config.SetDB(db)
	t.Cleanup(func() {
		config.SetDB(prev)
		_ = sqlDB.Close()
	})
	return db
}

func ownerCtx(ownerId string) context.Context {
	return utils.SetOwnerIdInContext(context.Background(), ownerId)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(expected).Equal(actual), "expected %s, got %s", expected, actual.String())
}

func mustCreateAccount(t *testing.T, ownerId, name, balance string, isDefault bool) *models.Account {
	t.Helper()
	account, err := models.CreateAccount(ownerCtx(ownerId), ownerId, &models.NewAccount{
		Name:           name,
		Type:           models.AccountTypeChecking,
		InitialBalance: dec(balance),
		IsDefault:      isDefault,
	})
	require.NoError(t, err)
	return account
}

func mustCreateTransaction(t *testing.T, ownerId, accountId string, typ models.TransactionType, amount string) *models.Transaction {
	t.Helper()
	tx, err := models.CreateTransaction(ownerCtx(ownerId), ownerId, &models.NewTransaction{
		AccountId: accountId,
		Type:      typ,
		Amount:    dec(amount),
		Category:  "general",
		Date:      time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return tx
}

func reloadAccount(t *testing.T, db *gorm.DB, id string) *models.Account {
	t.Helper()
	var a models.Account
	require.NoError(t, db.Where("id = ?", id).First(&a).Error)
	return &a
}

// requireSingleDefault checks the owner has exactly one default account.
func requireSingleDefault(t *testing.T, db *gorm.DB, ownerId string) {
	t.Helper()
	var total, defaults int64
	require.NoError(t, db.Model(&models.Account{}).Where("owner_id = ?", ownerId).Count(&total).Error)
	if total == 0 {
		return
	}
	require.NoError(t, db.Model(&models.Account{}).Where("owner_id = ? AND is_default = ?", ownerId, true).Count(&defaults).Error)
	require.EqualValues(t, 1, defaults, "owner %s must have exactly one default account", ownerId)
}
