package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Outbox publish statuses for ChangeEventRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

type ChangeEventType string

const (
	ChangeEventAccountCreated        ChangeEventType = "ACCOUNT_CREATED"
	ChangeEventAccountDefaultChanged ChangeEventType = "ACCOUNT_DEFAULT_CHANGED"
	ChangeEventAccountDeleted        ChangeEventType = "ACCOUNT_DELETED"
	ChangeEventTransactionCreated    ChangeEventType = "TRANSACTION_CREATED"
	ChangeEventTransactionUpdated    ChangeEventType = "TRANSACTION_UPDATED"
	ChangeEventTransactionDeleted    ChangeEventType = "TRANSACTION_DELETED"
	ChangeEventRecurringMaterialized ChangeEventType = "RECURRING_MATERIALIZED"
)

// ChangeEventPayload is the notification body for downstream consumers
// (search indexing, summaries).
type ChangeEventPayload struct {
	TransactionId  *string         `json:"transaction_id,omitempty"`
	OwnerId        string          `json:"owner_id"`
	AccountId      string          `json:"account_id"`
	Date           *time.Time      `json:"date,omitempty"`
	PreviousDate   *time.Time      `json:"previous_date,omitempty"`
	AccountName    string          `json:"account_name"`
	AccountType    AccountType     `json:"account_type"`
	AccountBalance decimal.Decimal `json:"account_balance"`
}

// ChangeEventRecord is the transactional outbox row. It is written in the
// same DB transaction as the mutation and published after commit by the
// outbox dispatcher.
type ChangeEventRecord struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	OwnerId          string     `gorm:"size:64;not null;index" json:"owner_id"`
	EventType        string     `gorm:"size:40;not null" json:"event_type"`
	AggregateType    string     `gorm:"size:20;not null" json:"aggregate_type"`
	AggregateId      string     `gorm:"size:36;not null;index" json:"aggregate_id"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_change_event_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_change_event_dispatch,priority:2" json:"next_attempt_at"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CreatedAt        time.Time  `gorm:"autoCreateTime;index:idx_change_event_dispatch,priority:3" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ToMessage converts the outbox row to its wire form.
func (r ChangeEventRecord) ToMessage() config.ChangeEventMessage {
	return config.ChangeEventMessage{
		ID:            r.ID,
		OwnerId:       r.OwnerId,
		EventType:     r.EventType,
		AggregateType: r.AggregateType,
		AggregateId:   r.AggregateId,
		Payload:       json.RawMessage(r.Payload),
		CorrelationId: r.CorrelationId,
		OccurredAt:    r.CreatedAt,
	}
}

func accountEventPayload(account *Account) ChangeEventPayload {
	return ChangeEventPayload{
		OwnerId:        account.OwnerId,
		AccountId:      account.ID,
		AccountName:    account.Name,
		AccountType:    account.Type,
		AccountBalance: account.Balance,
	}
}

func transactionEventPayload(t *Transaction, account *Account, previousDate *time.Time) ChangeEventPayload {
	p := accountEventPayload(account)
	id := t.ID
	date := t.Date
	p.TransactionId = &id
	p.Date = &date
	p.PreviousDate = previousDate
	return p
}

// recordChangeEvent writes an outbox row inside tx. Nothing is published here.
func recordChangeEvent(ctx context.Context, tx *gorm.DB, eventType ChangeEventType, aggregateType string, aggregateId string, payload ChangeEventPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	record := ChangeEventRecord{
		ID:            newId(),
		OwnerId:       payload.OwnerId,
		EventType:     string(eventType),
		AggregateType: aggregateType,
		AggregateId:   aggregateId,
		Payload:       body,
		CorrelationId: correlationIdFromContextOrNew(ctx),
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.Create(&record).Error
}

var (
	ErrChangeEventNotFound      = errors.New("change event not found")
	ErrChangeEventNotReplayable = errors.New("change event is not DEAD or FAILED")
)

// ReplayChangeEvent moves a DEAD or FAILED record back into the dispatch queue.
func ReplayChangeEvent(ctx context.Context, id string) (*ChangeEventRecord, error) {
	db := config.GetDB()
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&ChangeEventRecord{}).
		Where("id = ? AND publish_status IN ?", id, []string{OutboxPublishStatusDead, OutboxPublishStatusFailed}).
		Updates(map[string]interface{}{
			"publish_status":  OutboxPublishStatusFailed,
			"next_attempt_at": now,
			"locked_at":       nil,
			"locked_by":       nil,
		})
	if res.Error != nil {
		return nil, internalError("ReplayChangeEvent", id, res.Error)
	}
	var record ChangeEventRecord
	if err := db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChangeEventNotFound
		}
		return nil, internalError("ReplayChangeEvent", id, err)
	}
	if res.RowsAffected == 0 {
		return &record, ErrChangeEventNotReplayable
	}
	return &record, nil
}
