package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dripsynclabs/dripsync/internal/ledger"
	"github.com/dripsynclabs/dripsync/internal/prefs"
)

const applyTimeout = 10 * time.Second

// Listener receives inbound transport payloads, classifies them by topic,
// and applies them to the stores using the merge protocol.
//
// Records merge first-writer-wins-by-id: an existing record with the same id
// is left untouched, which makes redelivery and reordering harmless.
// Preferences merge last-writer-wins-by-arrival, field-wise for fields
// greater than zero.
type Listener struct {
	ledger   *ledger.Store
	prefs    *prefs.Store
	identity ledger.Origin
	logger   *zap.Logger
}

// ListenerConfig wires the listener's collaborators.
type ListenerConfig struct {
	Ledger   *ledger.Store
	Prefs    *prefs.Store
	Identity ledger.Origin
	Logger   *zap.Logger
}

// NewListener constructs a listener bound to this node's identity.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("sync: listener requires a ledger store")
	}
	if cfg.Prefs == nil {
		return nil, fmt.Errorf("sync: listener requires a preference store")
	}
	if cfg.Identity != ledger.OriginPrimary && cfg.Identity != ledger.OriginCompanion {
		return nil, fmt.Errorf("sync: listener identity must be PRIMARY or COMPANION, got %q", cfg.Identity)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		ledger:   cfg.Ledger,
		prefs:    cfg.Prefs,
		identity: cfg.Identity,
		logger:   logger,
	}, nil
}

// OnChanged implements Handler. Errors never escape to the transport: a bad
// envelope is dropped and logged so one item cannot poison a delivery batch.
func (l *Listener) OnChanged(topic string, payload []byte, change ChangeType) {
	if change != ChangeTypeChanged {
		return
	}
	if err := l.apply(topic, payload); err != nil {
		l.logger.Warn("inbound envelope dropped",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

func (l *Listener) apply(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	if recordID, ok := RecordIDFromTopic(topic); ok {
		return l.applyRecord(ctx, recordID, payload)
	}
	if topic == TopicPreferences {
		return l.applyPreferences(ctx, payload)
	}

	// Unknown topics are ignored; future schema additions must not break
	// older nodes.
	l.logger.Debug("ignoring unknown topic", zap.String("topic", topic))
	return nil
}

func (l *Listener) applyRecord(ctx context.Context, topicRecordID string, payload []byte) error {
	envelope, err := DecodeRecordEnvelope(payload)
	if err != nil {
		return err
	}
	if envelope.ID != topicRecordID {
		return fmt.Errorf("%w: topic id %q does not match payload id %q", ErrMalformedEnvelope, topicRecordID, envelope.ID)
	}

	record := envelope.Record()

	// Echo suppression: the broadcast transport may deliver a node's own
	// writes back to it, directly or via stale replays.
	if record.Origin == l.identity {
		l.logger.Debug("suppressed echo", zap.String("record_id", record.ID))
		return nil
	}

	if err := l.ledger.Insert(ctx, record); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			// Data-integrity event: two nodes generated the same id with
			// different content. Logged by the store; keep the local copy.
			return err
		}
		return err
	}

	l.logger.Info("remote record merged",
		zap.String("record_id", record.ID),
		zap.Int64("amount_ml", record.AmountML),
		zap.String("origin", string(record.Origin)))
	return nil
}

func (l *Listener) applyPreferences(ctx context.Context, payload []byte) error {
	envelope, err := DecodePreferenceEnvelope(payload)
	if err != nil {
		return err
	}

	merged, err := l.prefs.ApplyRemote(ctx, envelope.Snapshot())
	if err != nil {
		return err
	}

	l.logger.Info("remote preferences merged",
		zap.Int64("daily_goal_ml", merged.DailyGoalML))
	return nil
}
