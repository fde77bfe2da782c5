package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PubSubMessage is the body of a Pub/Sub push delivery.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// jobOutcome tells the transport what to do with a delivery.
type jobOutcome int

const (
	jobAck jobOutcome = iota
	jobRetry
)

// handleRecurringJob decodes and processes one delivery. Poisoned payloads
// are acked so they do not loop; throttled and failed jobs are redelivered.
func handleRecurringJob(ctx context.Context, worker *workflow.RecurringWorker, logger *logrus.Logger, data []byte, messageId string) jobOutcome {
	var m config.RecurringJobMessage
	if err := json.Unmarshal(data, &m); err != nil {
		config.LogError(logger, "recurringWorkflow.go", "handleRecurringJob", "Unmarshal pubsub message", string(data), err)
		return jobAck
	}
	if m.CorrelationId == "" {
		m.CorrelationId = messageId
	}

	_, err := worker.ProcessRecurringJob(ctx, m)
	switch {
	case err == nil:
		return jobAck
	case errors.Is(err, workflow.ErrInvalidJob):
		config.LogError(logger, "recurringWorkflow.go", "handleRecurringJob", "Invalid recurring job", m, err)
		return jobAck
	case errors.Is(err, models.ErrValidation):
		// the occurrence cannot be stored; redelivery would fail the same way
		config.LogError(logger, "recurringWorkflow.go", "handleRecurringJob", "Unprocessable recurring job", m, err)
		return jobAck
	case errors.Is(err, workflow.ErrRateLimited):
		logger.WithFields(logrus.Fields{
			"field":          "RecurringWorkflow",
			"owner_id":       m.OwnerId,
			"transaction_id": m.TransactionId,
			"message_id":     messageId,
		}).Info("owner over recurring quota; redelivering later")
		return jobRetry
	default:
		logger.WithFields(logrus.Fields{
			"field":          "RecurringWorkflow",
			"owner_id":       m.OwnerId,
			"transaction_id": m.TransactionId,
			"message_id":     messageId,
			"correlation_id": m.CorrelationId,
		}).Error("recurring job failed: " + err.Error())
		return jobRetry
	}
}

// RunRecurringWorkflow starts a streaming pull consumer on the recurring jobs
// subscription. It returns once the subscription is ready; messages are
// received until ctx is cancelled.
func RunRecurringWorkflow(ctx context.Context, worker *workflow.RecurringWorker) error {
	logger := config.GetLogger()
	settings := config.GetRecurringSettings()

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, settings.JobsTopic)
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, settings.JobsSubscription, topic)
	if err != nil {
		return err
	}
	// bounded worker pool
	sub.ReceiveSettings.MaxOutstandingMessages = settings.WorkerConcurrency

	callback := func(ctx context.Context, msg *pubsub.Message) {
		if handleRecurringJob(ctx, worker, logger, msg.Data, msg.ID) == jobRetry {
			msg.Nack()
			return
		}
		msg.Ack()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil {
			config.LogError(logger, "recurringWorkflow.go", "RunRecurringWorkflow", "Failed to receive messages", nil, err)
		}
	}()
	return nil
}

// recurringPubSubHandler is the push delivery endpoint. 2xx acks, anything
// else makes Pub/Sub retry.
func recurringPubSubHandler(worker *workflow.RecurringWorker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "recurringWorkflow.go", "recurringPubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "recurringWorkflow.go", "recurringPubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		if handleRecurringJob(c.Request.Context(), worker, logger, msg.Message.Data, msg.Message.ID) == jobRetry {
			c.Status(http.StatusTooManyRequests)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
