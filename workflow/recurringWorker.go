package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidJob marks a job payload that can never succeed. Consumers ack it.
var ErrInvalidJob = errors.New("invalid recurring job")

// RecurringWorker materializes one due template per job.
type RecurringWorker struct {
	Limiter *RateLimiter
	Logger  *logrus.Logger
	Now     func() time.Time
}

func NewRecurringWorker(limiter *RateLimiter, logger *logrus.Logger) *RecurringWorker {
	return &RecurringWorker{
		Limiter: limiter,
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// ProcessRecurringJob throttles per owner and then runs the materializer,
// which re-checks eligibility itself. A redelivered job after a committed
// success is a no-op. Returns ErrRateLimited when the owner is over quota.
func (w *RecurringWorker) ProcessRecurringJob(ctx context.Context, msg config.RecurringJobMessage) (*models.MaterializeResult, error) {
	ctx, span := tracer.Start(ctx, "RecurringWorker.ProcessRecurringJob", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("owner_id", msg.OwnerId),
		attribute.String("transaction_id", msg.TransactionId),
	)

	if msg.OwnerId == "" || msg.TransactionId == "" {
		return nil, ErrInvalidJob
	}
	ctx = utils.SetOwnerIdInContext(ctx, msg.OwnerId)
	if msg.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
	}

	allowed, err := w.Limiter.Allow(ctx, msg.OwnerId)
	if err != nil {
		// throttling is best effort; a Redis outage must not stall materialization
		w.log().WithFields(logrus.Fields{
			"field":    "RecurringWorker",
			"owner_id": msg.OwnerId,
		}).Warn("rate limiter unavailable; proceeding: " + err.Error())
	} else if !allowed {
		return nil, ErrRateLimited
	}

	result, err := models.MaterializeRecurringTransaction(ctx, msg.OwnerId, msg.TransactionId, w.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	fields := logrus.Fields{
		"field":          "RecurringWorker",
		"owner_id":       msg.OwnerId,
		"transaction_id": msg.TransactionId,
		"correlation_id": msg.CorrelationId,
	}
	if result.Skipped() {
		span.SetAttributes(attribute.String("recurring.skip_reason", result.SkipReason))
		w.log().WithFields(fields).Info("recurring job skipped: " + result.SkipReason)
		return result, nil
	}
	fields["occurrence_id"] = result.Occurrence.ID
	w.log().WithFields(fields).Info("recurring occurrence created")
	return result, nil
}

func (w *RecurringWorker) log() *logrus.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return config.GetLogger()
}
