package models_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkDeleteTransactions_ReversesPerAccount(t *testing.T) {
	db := setupLedgerDB(t)
	x := mustCreateAccount(t, "owner-1", "X", "100", false)
	tx1 := mustCreateTransaction(t, "owner-1", x.ID, models.TransactionTypeExpense, "30")
	tx2 := mustCreateTransaction(t, "owner-1", x.ID, models.TransactionTypeIncome, "20")
	// fix the starting point at 100 to mirror the account before tx1/tx2 were recorded
	require.NoError(t, db.Model(&models.Account{}).Where("id = ?", x.ID).Update("balance", dec("100")).Error)

	result, err := models.BulkDeleteTransactions(ownerCtx("owner-1"), "owner-1", []string{tx1.ID, tx2.ID})
	require.NoError(t, err)

	requireDecimal(t, "110", reloadAccount(t, db, x.ID).Balance)
	assert.Len(t, result.Deleted, 2)
	require.Len(t, result.AccountSnapshots, 1)
	assert.Equal(t, x.ID, result.AccountSnapshots[0].AccountId)
	requireDecimal(t, "110", result.AccountSnapshots[0].Account.Balance)

	var count int64
	require.NoError(t, db.Model(&models.Transaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestBulkDeleteTransactions_MultipleAccountsAndForeignIdsIgnored(t *testing.T) {
	db := setupLedgerDB(t)
	a := mustCreateAccount(t, "owner-1", "A", "100", false)
	b := mustCreateAccount(t, "owner-1", "B", "100", false)
	other := mustCreateAccount(t, "owner-2", "Other", "100", false)

	a1 := mustCreateTransaction(t, "owner-1", a.ID, models.TransactionTypeExpense, "10") // a: 90
	a2 := mustCreateTransaction(t, "owner-1", a.ID, models.TransactionTypeExpense, "5")  // a: 85
	b1 := mustCreateTransaction(t, "owner-1", b.ID, models.TransactionTypeIncome, "40")  // b: 140
	foreign := mustCreateTransaction(t, "owner-2", other.ID, models.TransactionTypeIncome, "1")

	result, err := models.BulkDeleteTransactions(ownerCtx("owner-1"), "owner-1",
		[]string{a1.ID, a2.ID, b1.ID, foreign.ID, "missing", a1.ID})
	require.NoError(t, err)
	assert.Len(t, result.Deleted, 3)
	assert.Len(t, result.AccountSnapshots, 2)

	requireDecimal(t, "100", reloadAccount(t, db, a.ID).Balance)
	requireDecimal(t, "100", reloadAccount(t, db, b.ID).Balance)
	requireDecimal(t, "101", reloadAccount(t, db, other.ID).Balance)

	_, err = models.GetTransaction(ownerCtx("owner-2"), "owner-2", foreign.ID)
	require.NoError(t, err)
}

func TestBulkDeleteTransactions_NothingOwned(t *testing.T) {
	setupLedgerDB(t)
	other := mustCreateAccount(t, "owner-2", "Other", "100", false)
	foreign := mustCreateTransaction(t, "owner-2", other.ID, models.TransactionTypeIncome, "1")

	_, err := models.BulkDeleteTransactions(ownerCtx("owner-1"), "owner-1", []string{foreign.ID, "missing"})
	require.ErrorIs(t, err, models.ErrTransactionNotFound)

	_, err = models.BulkDeleteTransactions(ownerCtx("owner-1"), "owner-1", nil)
	require.ErrorIs(t, err, models.ErrTransactionNotFound)
}

// Reversing an income is applied even when it takes the balance below zero.
func TestBulkDeleteTransactions_DoesNotCheckNegativeBalance(t *testing.T) {
	db := setupLedgerDB(t)
	a := mustCreateAccount(t, "owner-1", "A", "0", false)
	income := mustCreateTransaction(t, "owner-1", a.ID, models.TransactionTypeIncome, "50") // 50
	mustCreateTransaction(t, "owner-1", a.ID, models.TransactionTypeExpense, "40")          // 10

	_, err := models.BulkDeleteTransactions(ownerCtx("owner-1"), "owner-1", []string{income.ID})
	require.NoError(t, err)
	requireDecimal(t, "-40", reloadAccount(t, db, a.ID).Balance)
}

func TestBulkDeleteTransactions_RepeatedIdsReverseOnce(t *testing.T) {
	db := setupLedgerDB(t)
	x := mustCreateAccount(t, "owner-1", "X", "100", false)
	tx1 := mustCreateTransaction(t, "owner-1", x.ID, models.TransactionTypeExpense, "30") // 70
	tx2 := mustCreateTransaction(t, "owner-1", x.ID, models.TransactionTypeIncome, "20")  // 90

	result, err := models.BulkDeleteTransactions(ownerCtx("owner-1"), "owner-1", []string{tx1.ID, tx1.ID, tx2.ID, tx1.ID})
	require.NoError(t, err)

	assert.Len(t, result.Deleted, 2)
	requireDecimal(t, "100", reloadAccount(t, db, x.ID).Balance)
	requireDecimal(t, "100", result.AccountSnapshots[0].Account.Balance)

	var events int64
	require.NoError(t, db.Model(&models.ChangeEventRecord{}).
		Where("event_type = ?", models.ChangeEventTransactionDeleted).
		Count(&events).Error)
	assert.EqualValues(t, 2, events)
}
