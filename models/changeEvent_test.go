package models_test

import (
	"encoding/json"
	"testing"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerMutationsWriteOutboxEvents(t *testing.T) {
	db := setupLedgerDB(t)
	account := mustCreateAccount(t, "owner-1", "Main", "100", false)
	created := mustCreateTransaction(t, "owner-1", account.ID, models.TransactionTypeExpense, "40")
	_, err := models.UpdateTransaction(ownerCtx("owner-1"), "owner-1", created.ID, &models.NewTransaction{
		Type:   models.TransactionTypeExpense,
		Amount: dec("45"),
		Date:   day(2025, 2, 1),
	})
	require.NoError(t, err)
	_, err = models.BulkDeleteTransactions(ownerCtx("owner-1"), "owner-1", []string{created.ID})
	require.NoError(t, err)

	var records []models.ChangeEventRecord
	require.NoError(t, db.Order("created_at ASC").Find(&records).Error)
	types := make([]string, 0, len(records))
	for _, r := range records {
		types = append(types, r.EventType)
		assert.Equal(t, models.OutboxPublishStatusPending, r.PublishStatus)
		assert.Equal(t, "owner-1", r.OwnerId)
	}
	assert.ElementsMatch(t, []string{
		string(models.ChangeEventAccountCreated),
		string(models.ChangeEventTransactionCreated),
		string(models.ChangeEventTransactionUpdated),
		string(models.ChangeEventTransactionDeleted),
	}, types)

	var update models.ChangeEventRecord
	require.NoError(t, db.Where("event_type = ?", models.ChangeEventTransactionUpdated).First(&update).Error)
	var payload models.ChangeEventPayload
	require.NoError(t, json.Unmarshal(update.Payload, &payload))
	require.NotNil(t, payload.TransactionId)
	assert.Equal(t, created.ID, *payload.TransactionId)
	assert.Equal(t, account.ID, payload.AccountId)
	assert.Equal(t, "Main", payload.AccountName)
	assert.Equal(t, models.AccountTypeChecking, payload.AccountType)
	require.NotNil(t, payload.PreviousDate)
	assert.True(t, created.Date.Equal(*payload.PreviousDate))
	requireDecimal(t, "55", payload.AccountBalance)
}

func TestDeleteAccount_WritesEventPerCascadedTransaction(t *testing.T) {
	db := setupLedgerDB(t)
	mustCreateAccount(t, "owner-1", "Main", "100", true)
	drop := mustCreateAccount(t, "owner-1", "Cash", "50", false)
	t1 := mustCreateTransaction(t, "owner-1", drop.ID, models.TransactionTypeExpense, "5")
	t2 := mustCreateTransaction(t, "owner-1", drop.ID, models.TransactionTypeIncome, "7")

	_, err := models.DeleteAccount(ownerCtx("owner-1"), "owner-1", drop.ID)
	require.NoError(t, err)

	var deleted []models.ChangeEventRecord
	require.NoError(t, db.Where("event_type = ?", models.ChangeEventTransactionDeleted).Find(&deleted).Error)
	ids := make([]string, 0, len(deleted))
	for _, r := range deleted {
		ids = append(ids, r.AggregateId)
		var payload models.ChangeEventPayload
		require.NoError(t, json.Unmarshal(r.Payload, &payload))
		assert.Equal(t, drop.ID, payload.AccountId)
		requireDecimal(t, "52", payload.AccountBalance)
	}
	assert.ElementsMatch(t, []string{t1.ID, t2.ID}, ids)

	var accountEvents int64
	require.NoError(t, db.Model(&models.ChangeEventRecord{}).
		Where("event_type = ? AND aggregate_id = ?", models.ChangeEventAccountDeleted, drop.ID).
		Count(&accountEvents).Error)
	assert.EqualValues(t, 1, accountEvents)
}

func TestFailedMutationWritesNoEvent(t *testing.T) {
	db := setupLedgerDB(t)
	account := mustCreateAccount(t, "owner-1", "Main", "10", false)

	_, err := models.CreateTransaction(ownerCtx("owner-1"), "owner-1", &models.NewTransaction{
		AccountId: account.ID,
		Type:      models.TransactionTypeExpense,
		Amount:    dec("11"),
		Date:      day(2025, 1, 1),
	})
	require.ErrorIs(t, err, models.ErrInsufficientBalance)

	var count int64
	require.NoError(t, db.Model(&models.ChangeEventRecord{}).Where("event_type = ?", models.ChangeEventTransactionCreated).Count(&count).Error)
	assert.Zero(t, count)
}

func TestReplayChangeEvent(t *testing.T) {
	db := setupLedgerDB(t)
	mustCreateAccount(t, "owner-1", "Main", "10", false)

	var record models.ChangeEventRecord
	require.NoError(t, db.First(&record).Error)

	_, err := models.ReplayChangeEvent(ownerCtx("owner-1"), record.ID)
	require.ErrorIs(t, err, models.ErrChangeEventNotReplayable)

	require.NoError(t, db.Model(&models.ChangeEventRecord{}).Where("id = ?", record.ID).
		Update("publish_status", models.OutboxPublishStatusDead).Error)

	replayed, err := models.ReplayChangeEvent(ownerCtx("owner-1"), record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPublishStatusFailed, replayed.PublishStatus)
	assert.NotNil(t, replayed.NextAttemptAt)

	_, err = models.ReplayChangeEvent(ownerCtx("owner-1"), "missing")
	require.ErrorIs(t, err, models.ErrChangeEventNotFound)
}
