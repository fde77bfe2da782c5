package models_test

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// seedTemplate inserts a recurring row directly so the schedule state can be
// set to any point in time.
func seedTemplate(t *testing.T, db *gorm.DB, account *models.Account, typ models.TransactionType, amount string, interval models.RecurringInterval, date, next time.Time) *models.Transaction {
	t.Helper()
	template := &models.Transaction{
		ID:                "tpl-" + date.Format("20060102") + "-" + string(interval),
		OwnerId:           account.OwnerId,
		AccountId:         account.ID,
		Type:              typ,
		Amount:            dec(amount),
		Category:          "subscription",
		Date:              date,
		IsRecurring:       true,
		RecurringInterval: &interval,
		NextRecurringDate: &next,
		Status:            models.TransactionStatusCompleted,
	}
	require.NoError(t, db.Create(template).Error)
	return template
}

func TestMaterialize_MonthlyClampsToEndOfFebruary(t *testing.T) {
	db := setupLedgerDB(t)
	account := mustCreateAccount(t, "owner-1", "Main", "100", false)
	template := seedTemplate(t, db, account, models.TransactionTypeExpense, "10", models.RecurringIntervalMonthly,
		day(2025, 1, 31), day(2025, 1, 31))
	now := time.Date(2025, 2, 1, 0, 5, 0, 0, time.UTC)

	result, err := models.MaterializeRecurringTransaction(context.Background(), "owner-1", template.ID, now)
	require.NoError(t, err)
	require.False(t, result.Skipped())

	var stored models.Transaction
	require.NoError(t, db.Where("id = ?", template.ID).First(&stored).Error)
	require.NotNil(t, stored.NextRecurringDate)
	assert.Equal(t, day(2025, 2, 28), stored.NextRecurringDate.UTC())
	require.NotNil(t, stored.LastProcessed)
	assert.Equal(t, now, stored.LastProcessed.UTC())

	occ := result.Occurrence
	assert.False(t, occ.IsRecurring)
	assert.Nil(t, occ.NextRecurringDate)
	assert.Equal(t, now, occ.Date.UTC())
	assert.Equal(t, template.Type, occ.Type)
	assert.Equal(t, template.Category, occ.Category)
	requireDecimal(t, "10", occ.Amount)
	requireDecimal(t, "90", reloadAccount(t, db, account.ID).Balance)
}

func TestMaterialize_RetryAfterSuccessIsNoop(t *testing.T) {
	db := setupLedgerDB(t)
	account := mustCreateAccount(t, "owner-1", "Main", "100", false)
	template := seedTemplate(t, db, account, models.TransactionTypeIncome, "25", models.RecurringIntervalWeekly,
		day(2025, 3, 1), day(2025, 3, 8))
	now := time.Date(2025, 3, 8, 0, 1, 0, 0, time.UTC)

	first, err := models.MaterializeRecurringTransaction(context.Background(), "owner-1", template.ID, now)
	require.NoError(t, err)
	require.False(t, first.Skipped())

	second, err := models.MaterializeRecurringTransaction(context.Background(), "owner-1", template.ID, now)
	require.NoError(t, err)
	assert.True(t, second.Skipped())
	assert.Equal(t, models.SkipReasonNotDue, second.SkipReason)

	var occurrences int64
	require.NoError(t, db.Model(&models.Transaction{}).Where("is_recurring = ?", false).Count(&occurrences).Error)
	assert.EqualValues(t, 1, occurrences)
	requireDecimal(t, "125", reloadAccount(t, db, account.ID).Balance)

	var stored models.Transaction
	require.NoError(t, db.Where("id = ?", template.ID).First(&stored).Error)
	assert.Equal(t, day(2025, 3, 15), stored.NextRecurringDate.UTC())
}

func TestMaterialize_IneligibleTemplates(t *testing.T) {
	db := setupLedgerDB(t)
	account := mustCreateAccount(t, "owner-1", "Main", "100", false)
	now := time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)

	future := seedTemplate(t, db, account, models.TransactionTypeIncome, "1", models.RecurringIntervalDaily, day(2025, 3, 8), day(2025, 3, 9))
	pending := seedTemplate(t, db, account, models.TransactionTypeIncome, "1", models.RecurringIntervalWeekly, day(2025, 3, 1), day(2025, 3, 8))
	require.NoError(t, db.Model(&models.Transaction{}).Where("id = ?", pending.ID).Update("status", models.TransactionStatusPending).Error)
	plain := mustCreateTransaction(t, "owner-1", account.ID, models.TransactionTypeIncome, "1")

	cases := []struct {
		owner, id, reason string
	}{
		{"owner-1", future.ID, models.SkipReasonNotDue},
		{"owner-1", pending.ID, models.SkipReasonNotCompleted},
		{"owner-1", plain.ID, models.SkipReasonNotRecurring},
		{"owner-1", "missing", models.SkipReasonNotFound},
		{"owner-2", future.ID, models.SkipReasonNotFound},
	}
	for _, tc := range cases {
		result, err := models.MaterializeRecurringTransaction(context.Background(), tc.owner, tc.id, now)
		require.NoError(t, err)
		assert.True(t, result.Skipped())
		assert.Equal(t, tc.reason, result.SkipReason)
	}
	requireDecimal(t, "101", reloadAccount(t, db, account.ID).Balance)
}

func TestMaterialize_CatchUpCreatesSingleOccurrence(t *testing.T) {
	db := setupLedgerDB(t)
	account := mustCreateAccount(t, "owner-1", "Main", "100", false)
	template := seedTemplate(t, db, account, models.TransactionTypeExpense, "1", models.RecurringIntervalDaily,
		day(2025, 1, 1), day(2025, 1, 2))
	now := time.Date(2025, 1, 10, 6, 0, 0, 0, time.UTC)

	result, err := models.MaterializeRecurringTransaction(context.Background(), "owner-1", template.ID, now)
	require.NoError(t, err)
	require.False(t, result.Skipped())
	assert.Equal(t, day(2025, 1, 11), result.Template.NextRecurringDate.UTC())
	requireDecimal(t, "99", reloadAccount(t, db, account.ID).Balance)
}

func TestFindDueRecurringTemplates_PagesAcrossOwners(t *testing.T) {
	db := setupLedgerDB(t)
	a := mustCreateAccount(t, "owner-1", "A", "100", false)
	b := mustCreateAccount(t, "owner-2", "B", "100", false)
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	seedTemplate(t, db, a, models.TransactionTypeIncome, "1", models.RecurringIntervalDaily, day(2025, 4, 1), day(2025, 4, 30))
	seedTemplate(t, db, a, models.TransactionTypeIncome, "1", models.RecurringIntervalWeekly, day(2025, 4, 2), day(2025, 5, 1))
	seedTemplate(t, db, b, models.TransactionTypeIncome, "1", models.RecurringIntervalMonthly, day(2025, 4, 3), day(2025, 4, 3))
	seedTemplate(t, db, b, models.TransactionTypeIncome, "1", models.RecurringIntervalYearly, day(2025, 4, 4), day(2025, 5, 2))

	// owner in context must not hide other owners' templates
	ctx := ownerCtx("owner-1")
	page1, err := models.FindDueRecurringTemplates(ctx, now, "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	page2, err := models.FindDueRecurringTemplates(ctx, now, page1[1].TransactionId, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)

	owners := map[string]bool{}
	for _, d := range append(page1, page2...) {
		owners[d.OwnerId] = true
		assert.False(t, d.NextRecurringDate.After(now))
	}
	assert.True(t, owners["owner-1"])
	assert.True(t, owners["owner-2"])
}
