package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// RecurringJobMessage is the payload of one fan-out job: materialize the next
// occurrence of a recurring template.
type RecurringJobMessage struct {
	TransactionId string    `json:"transaction_id"`
	OwnerId       string    `json:"owner_id"`
	DueDate       time.Time `json:"due_date"`
	CorrelationId string    `json:"correlation_id"`
}

// ChangeEventMessage is what the outbox dispatcher publishes after a committed
// ledger mutation.
type ChangeEventMessage struct {
	ID            string          `json:"id"`
	OwnerId       string          `json:"owner_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateId   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationId string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubTopics   = map[string]*pubsub.Topic{}
	pubsubClientMu sync.Mutex
)

// GetClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	return getPubSubClient(ctx)
}

// SetPubSubClient installs a client built elsewhere (tests point it at pstest).
// Cached publishers of the previous client are dropped.
func SetPubSubClient(c *pubsub.Client) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	pubsubClient = c
	pubsubTopics = map[string]*pubsub.Topic{}
}

// ClosePubSub flushes pending publishes and closes the client.
func ClosePubSub() {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	for _, t := range pubsubTopics {
		t.Stop()
	}
	pubsubTopics = map[string]*pubsub.Topic{}
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}

func getPubSubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	c := pubsubClient
	pubsubClientMu.Unlock()
	if c != nil {
		return c, nil
	}

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	for attempt := 1; ; attempt++ {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			pubsubClientMu.Lock()
			defer pubsubClientMu.Unlock()
			if pubsubClient != nil {
				// another goroutine won the race
				_ = c.Close()
				return pubsubClient, nil
			}
			pubsubClient = c
			GetLogger().WithFields(logrus.Fields{
				"field":      "PubSub",
				"project_id": projectID,
				"attempt":    attempt,
			}).Info("pubsub client ready")
			return c, nil
		}

		wait := connectBackoff(attempt)
		GetLogger().WithFields(logrus.Fields{
			"field":      "PubSub",
			"project_id": projectID,
			"attempt":    attempt,
		}).Warn(fmt.Sprintf("failed to init pubsub client: %v; retrying in %s", err, wait))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// publisherFor returns the cached publisher for topicName. Topic handles batch
// in the background, so one per topic is kept for the life of the client.
func publisherFor(client *pubsub.Client, topicName string) *pubsub.Topic {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if t, ok := pubsubTopics[topicName]; ok {
		return t
	}
	t := client.Topic(topicName)
	pubsubTopics[topicName] = t
	return t
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

func CreateSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	if topic == nil {
		return nil, errors.New("topic is required")
	}

	sub := client.Subscription(name)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if !subExists {
		sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 20 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription %q: %w", name, err)
		}
	}
	return sub, nil
}

// PublishJSON marshals obj, publishes it to topicName and waits for the
// server-assigned message ID.
func PublishJSON(ctx context.Context, topicName string, obj any, attrs map[string]string) (string, error) {
	if topicName == "" {
		return "", errors.New("topicName is required")
	}
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	result := publisherFor(client, topicName).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	return result.Get(ctx)
}

// PubSubPublisher publishes JSON payloads to a fixed topic.
// It satisfies the publisher interfaces of the workflow package.
type PubSubPublisher struct {
	Topic string
}

func (p PubSubPublisher) PublishRecurringJob(ctx context.Context, msg RecurringJobMessage) (string, error) {
	return PublishJSON(ctx, p.Topic, msg, map[string]string{
		"owner_id":       msg.OwnerId,
		"correlation_id": msg.CorrelationId,
	})
}

func (p PubSubPublisher) PublishChangeEvent(ctx context.Context, msg ChangeEventMessage) (string, error) {
	return PublishJSON(ctx, p.Topic, msg, map[string]string{
		"event_type": msg.EventType,
		"owner_id":   msg.OwnerId,
	})
}
