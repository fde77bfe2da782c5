package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("ledger-workflow")

// ErrScanInProgress means another instance holds the scan lock for this tick.
var ErrScanInProgress = errors.New("recurring scan already running")

// RecurringJobPublisher enqueues one materialization job.
// config.PubSubPublisher implements it for Pub/Sub.
type RecurringJobPublisher interface {
	PublishRecurringJob(ctx context.Context, msg config.RecurringJobMessage) (string, error)
}

type RecurringScheduler struct {
	Publisher RecurringJobPublisher
	Logger    *logrus.Logger
	BatchSize int
	LockTTL   time.Duration
	Now       func() time.Time

	cron *cron.Cron
}

type ScanResult struct {
	CorrelationId string `json:"correlation_id"`
	Found         int    `json:"found"`
	Published     int    `json:"published"`
	Failed        int    `json:"failed"`
}

func NewRecurringScheduler(publisher RecurringJobPublisher, logger *logrus.Logger) *RecurringScheduler {
	settings := config.GetRecurringSettings()
	return &RecurringScheduler{
		Publisher: publisher,
		Logger:    logger,
		BatchSize: settings.ScanBatchSize,
		LockTTL:   30 * time.Minute,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// ScanDueTemplates enqueues one job per template that is due now. It never
// materializes inline; a failed publish is logged and the scan moves on.
// Only one instance scans at a time when Redis is available.
func (s *RecurringScheduler) ScanDueTemplates(ctx context.Context) (*ScanResult, error) {
	ctx, span := tracer.Start(ctx, "RecurringScheduler.ScanDueTemplates", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
	}
	result := &ScanResult{CorrelationId: correlationId}

	if config.GetRedisLock() == nil {
		s.log().WithFields(logrus.Fields{
			"field":          "RecurringScheduler",
			"correlation_id": correlationId,
		}).Warn("redis lock not ready; scanning without scan lock")
	} else {
		lock, err := utils.ObtainLock(ctx, "recurring", "scan", s.LockTTL, "RecurringScheduler", "ScanDueTemplates")
		if errors.Is(err, utils.ErrLockNotObtained) {
			return result, ErrScanInProgress
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}
		defer func() {
			if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
				s.log().WithFields(logrus.Fields{
					"field":          "RecurringScheduler",
					"correlation_id": correlationId,
				}).Warn("failed to release scan lock: " + releaseErr.Error())
			}
		}()
	}

	now := s.Now().UTC()
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	afterId := ""
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		due, err := models.FindDueRecurringTemplates(ctx, now, afterId, batchSize)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}
		for _, t := range due {
			result.Found++
			msg := config.RecurringJobMessage{
				TransactionId: t.TransactionId,
				OwnerId:       t.OwnerId,
				DueDate:       t.NextRecurringDate,
				CorrelationId: correlationId,
			}
			if _, err := s.Publisher.PublishRecurringJob(ctx, msg); err != nil {
				result.Failed++
				config.LogError(s.log(), "RecurringScheduler", "ScanDueTemplates", "publish job", msg, err)
				continue
			}
			result.Published++
		}
		if len(due) < batchSize {
			break
		}
		afterId = due[len(due)-1].TransactionId
	}

	span.SetAttributes(
		attribute.Int("recurring.found", result.Found),
		attribute.Int("recurring.published", result.Published),
		attribute.Int("recurring.failed", result.Failed),
	)
	s.log().WithFields(logrus.Fields{
		"field":          "RecurringScheduler",
		"correlation_id": correlationId,
		"found":          result.Found,
		"published":      result.Published,
		"failed":         result.Failed,
	}).Info("recurring scan finished")
	return result, nil
}

// Start runs ScanDueTemplates on spec (standard 5-field cron, UTC).
func (s *RecurringScheduler) Start(spec string) error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(spec, func() {
		_, err := s.ScanDueTemplates(context.Background())
		if err != nil && !errors.Is(err, ErrScanInProgress) {
			config.LogError(s.log(), "RecurringScheduler", "cron", "scan", spec, err)
		}
	})
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop waits for a running scan to finish.
func (s *RecurringScheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *RecurringScheduler) log() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return config.GetLogger()
}
