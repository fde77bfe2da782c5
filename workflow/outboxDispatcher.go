package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChangeEventPublisher delivers one committed change event. config.PubSubPublisher
// implements it for Pub/Sub.
type ChangeEventPublisher interface {
	PublishChangeEvent(ctx context.Context, msg config.ChangeEventMessage) (string, error)
}

// OutboxDispatcher publishes ChangeEventRecord rows after their transaction
// committed. Rows are claimed with SKIP LOCKED so several instances can run.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Publisher    ChangeEventPublisher
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Now func() time.Time
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger, publisher ChangeEventPublisher) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		Publisher:      publisher,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and publishes it. Returns how many rows were
// published successfully.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.DB == nil || d.Publisher == nil {
		return 0
	}
	claimed, err := d.claimBatch(ctx, d.Now())
	if err != nil {
		config.LogError(d.log(), "OutboxDispatcher", "DispatchOnce", "claim batch", d.DispatcherID, err)
		return 0
	}

	sent := 0
	for _, rec := range claimed {
		pubID, pubErr := d.Publisher.PublishChangeEvent(ctx, rec.ToMessage())
		if pubErr != nil {
			d.markPublishFailed(ctx, rec, pubErr)
			continue
		}
		d.markPublishSent(ctx, rec.ID, pubID)
		sent++
	}
	return sent
}

// claimBatch moves ready rows to PROCESSING under this dispatcher's name.
// Ready means PENDING or FAILED past next_attempt_at, or PROCESSING with a
// lock older than LockTimeout. Rows already at MaxAttempts go DEAD here and
// are not returned.
func (d *OutboxDispatcher) claimBatch(ctx context.Context, now time.Time) ([]models.ChangeEventRecord, error) {
	var ready []models.ChangeEventRecord
	claimed := make([]models.ChangeEventRecord, 0, d.BatchSize)

	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		retryable := tx.Where("publish_status IN ?", []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now)
		abandoned := tx.Where("publish_status = ?", models.OutboxPublishStatusProcessing).
			Where("locked_at IS NOT NULL AND locked_at <= ?", now.Add(-d.LockTimeout))

		err := tx.Where(retryable).Or(abandoned).
			Order("created_at ASC").Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&ready).Error
		if err != nil {
			return err
		}

		for _, rec := range ready {
			if d.exhausted(rec.PublishAttempts) {
				reason := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				if err := d.release(tx, rec.ID, models.OutboxPublishStatusDead, map[string]interface{}{
					"last_publish_error": &reason,
					"next_attempt_at":    nil,
				}); err != nil {
					return err
				}
				continue
			}
			if err := tx.Model(&models.ChangeEventRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
			rec.PublishStatus = models.OutboxPublishStatusProcessing
			rec.PublishAttempts++
			claimed = append(claimed, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (d *OutboxDispatcher) exhausted(attempts int) bool {
	return d.MaxAttempts > 0 && attempts >= d.MaxAttempts
}

// release sets status and drops this dispatcher's claim on the row.
func (d *OutboxDispatcher) release(db *gorm.DB, recordID string, status string, fields map[string]interface{}) error {
	updates := map[string]interface{}{
		"publish_status": status,
		"locked_at":      nil,
		"locked_by":      nil,
	}
	for k, v := range fields {
		updates[k] = v
	}
	return db.Model(&models.ChangeEventRecord{}).Where("id = ?", recordID).Updates(updates).Error
}

func (d *OutboxDispatcher) markPublishSent(ctx context.Context, recordID string, pubsubMsgID string) {
	now := d.Now()
	err := d.release(d.DB.WithContext(ctx), recordID, models.OutboxPublishStatusSent, map[string]interface{}{
		"published_at":       &now,
		"pub_sub_message_id": pubsubMsgID,
		"next_attempt_at":    nil,
	})
	if err != nil {
		// the row goes stale in PROCESSING and is published again after LockTimeout
		config.LogError(d.log(), "OutboxDispatcher", "markPublishSent", "mark sent", recordID, err)
	}
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, rec models.ChangeEventRecord, publishErr error) {
	reason := publishErr.Error()
	fields := logrus.Fields{
		"field":     "OutboxDispatcher",
		"owner_id":  rec.OwnerId,
		"record_id": rec.ID,
		"attempt":   rec.PublishAttempts,
	}

	var err error
	if d.exhausted(rec.PublishAttempts) {
		err = d.release(d.DB.WithContext(ctx), rec.ID, models.OutboxPublishStatusDead, map[string]interface{}{
			"last_publish_error": &reason,
			"next_attempt_at":    nil,
		})
		d.log().WithFields(fields).Error("change event moved to DEAD after max attempts: " + reason)
	} else {
		next := d.Now().Add(d.backoff(rec.PublishAttempts))
		err = d.release(d.DB.WithContext(ctx), rec.ID, models.OutboxPublishStatusFailed, map[string]interface{}{
			"last_publish_error": &reason,
			"next_attempt_at":    &next,
		})
		fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
		d.log().WithFields(fields).Error("change event publish failed: " + reason)
	}
	if err != nil {
		config.LogError(d.log(), "OutboxDispatcher", "markPublishFailed", "mark failed", rec.ID, err)
	}
}

// backoff doubles from InitialBackoff per attempt, capped at MaxBackoff.
func (d *OutboxDispatcher) backoff(attempt int) time.Duration {
	wait := d.InitialBackoff
	for i := 1; i < attempt && wait < d.MaxBackoff; i++ {
		wait *= 2
	}
	if wait > d.MaxBackoff {
		return d.MaxBackoff
	}
	return wait
}

func (d *OutboxDispatcher) log() *logrus.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return config.GetLogger()
}
