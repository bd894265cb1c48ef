package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dripsynclabs/dripsync/internal/ledger"
	"github.com/dripsynclabs/dripsync/internal/prefs"
)

// Publisher serializes local mutations into transport payloads and
// broadcasts them. It holds no durable state; failed publishes are left for
// the reconciliation worker.
type Publisher struct {
	transport Transport
	clock     func() time.Time
	logger    *zap.Logger
}

// PublisherConfig wires the publisher's collaborators.
type PublisherConfig struct {
	Transport Transport
	Clock     func() time.Time
	Logger    *zap.Logger
}

// NewPublisher constructs a publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("sync: publisher requires a transport")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{transport: cfg.Transport, clock: clock, logger: logger}, nil
}

// PublishRecord broadcasts one record. Every call embeds a fresh publish
// timestamp: the transport only notifies the peer when the stored bytes
// change, and two consecutive mutations can otherwise serialize
// identically.
func (p *Publisher) PublishRecord(ctx context.Context, record ledger.Record) error {
	envelope := NewRecordEnvelope(record, p.clock().UnixMilli())
	payload, err := envelope.Encode()
	if err != nil {
		return fmt.Errorf("%w: encode record %s: %v", ErrPublishFailed, record.ID, err)
	}

	topic := RecordTopic(record.ID)
	if err := p.transport.Put(ctx, topic, payload); err != nil {
		p.logger.Warn("record publish failed",
			zap.String("topic", topic),
			zap.String("record_id", record.ID),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	p.logger.Debug("record published",
		zap.String("topic", topic),
		zap.Int64("amount_ml", record.AmountML))
	return nil
}

// PublishPreferences broadcasts the current settings snapshot.
func (p *Publisher) PublishPreferences(ctx context.Context, snapshot prefs.Snapshot) error {
	envelope := NewPreferenceEnvelope(snapshot, p.clock().UnixMilli())
	payload, err := envelope.Encode()
	if err != nil {
		return fmt.Errorf("%w: encode preferences: %v", ErrPublishFailed, err)
	}

	if err := p.transport.Put(ctx, TopicPreferences, payload); err != nil {
		p.logger.Warn("preference publish failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	p.logger.Debug("preferences published", zap.Int64("daily_goal_ml", snapshot.DailyGoalML))
	return nil
}
