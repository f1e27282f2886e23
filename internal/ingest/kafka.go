package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/proximity-matching/internal/models"
)

// KafkaProducer publishes presence events keyed by participant id so every
// update for one participant lands on the same partition, in order.
type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishPresence(ctx context.Context, ev models.PresenceEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode presence event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Participant.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodePresence parses and validates one presence message.
func DecodePresence(b []byte) (models.PresenceEvent, error) {
	var ev models.PresenceEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode presence event: %w", err)
	}
	if ev.Participant.ID == "" {
		return ev, fmt.Errorf("presence event without participant id")
	}
	switch ev.Type {
	case models.PresenceRemove:
	case models.PresenceUpsert:
		if !ev.Participant.Loc.Valid() {
			return ev, fmt.Errorf("presence event for %s has invalid location", ev.Participant.ID)
		}
		if !ev.Participant.Role.Valid() {
			return ev, fmt.Errorf("presence event for %s has invalid role %q", ev.Participant.ID, ev.Participant.Role)
		}
	default:
		return ev, fmt.Errorf("unknown presence event type %q", ev.Type)
	}
	return ev, nil
}
