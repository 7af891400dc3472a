// Package notify forwards pipeline events to the CI host's notification
// layer over Kafka.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"

	"caravel/internal/events"
)

// KafkaNotifier publishes run and stage events as keyed JSON records, so
// consumers see one ordered partition per run.
type KafkaNotifier struct {
	client *kgo.Client
	topic  string
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("a topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}

	return &KafkaNotifier{client: client, topic: topic}, nil
}

// Handle implements events.EventHandler.
func (n *KafkaNotifier) Handle(event events.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}

	record := &kgo.Record{
		Topic: n.topic,
		Key:   []byte(event.RunID),
		Value: value,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Synchronous produce: a one-shot pipeline process must not exit with
	// notifications still buffered.
	results := n.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce event %s: %w", event.ID, err)
	}

	log.Debug().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("topic", n.topic).
		Msg("Event forwarded to Kafka")

	return nil
}

// CanHandle implements events.EventHandler. Every pipeline event is
// forwarded.
func (n *KafkaNotifier) CanHandle(events.EventType) bool { return true }

func (n *KafkaNotifier) Close() {
	n.client.Close()
}
