package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/vatcalc/internal/domain"
)

// ResultPublisher implements domain.ResultConsumer by publishing every
// finished calculation to the completed topic.
type ResultPublisher struct {
	bus   domain.EventBus
	topic string
}

// NewResultPublisher creates a publisher on TopicCalculationCompleted.
func NewResultPublisher(b domain.EventBus) *ResultPublisher {
	return &ResultPublisher{bus: b, topic: domain.TopicCalculationCompleted}
}

// Consume publishes the result as JSON.
func (p *ResultPublisher) Consume(ctx context.Context, result *domain.CalculationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", result.ID, err)
	}
	return p.bus.Publish(ctx, p.topic, payload)
}

// Reply answers a request message on the topic named in its metadata.
// Messages without a reply topic are ignored.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, payload []byte) error {
	replyTo := msg.Metadata[domain.MetadataReplyTo]
	if replyTo == "" {
		return nil
	}
	return b.Publish(ctx, replyTo, payload)
}
