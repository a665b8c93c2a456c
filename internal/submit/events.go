package submit

import (
	"context"
	"encoding/json"

	"github.com/SWAI-Ltd/aerorelay/internal/messaging"
	"github.com/SWAI-Ltd/aerorelay/internal/relay"
)

// KafkaEventSink publishes terminal transitions, keyed by packet identity.
type KafkaEventSink struct {
	producer messaging.Producer
}

func NewKafkaEventSink(producer messaging.Producer) *KafkaEventSink {
	return &KafkaEventSink{producer: producer}
}

func (s *KafkaEventSink) Publish(ctx context.Context, t relay.Transition) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.producer.Publish(ctx, messaging.Message{Key: []byte(t.ID.String()), Value: body})
}

var _ relay.EventSink = (*KafkaEventSink)(nil)
