package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dripsynclabs/dripsync/internal/ledger"
	"github.com/dripsynclabs/dripsync/internal/prefs"
)

// Topic scheme shared by both nodes.
const (
	TopicPreferences  = "/preferences"
	topicRecordPrefix = "/ledger/record/"
)

var (
	// ErrMalformedEnvelope indicates an unparseable payload or a missing
	// required field. Malformed envelopes are dropped and logged, never
	// retried.
	ErrMalformedEnvelope = errors.New("sync: malformed envelope")
	// ErrTransportUnavailable indicates the peer is unreachable or the
	// transport layer is down. Recoverable; retried by the reconciliation
	// worker.
	ErrTransportUnavailable = errors.New("sync: transport unavailable")
	// ErrPublishFailed is the result surfaced to publish callers. Failures
	// are not retried synchronously.
	ErrPublishFailed = errors.New("sync: publish failed")
)

// RecordTopic returns the topic a record envelope is stored under.
func RecordTopic(recordID string) string {
	return topicRecordPrefix + recordID
}

// RecordIDFromTopic extracts the record id from a record topic, reporting
// whether the topic belongs to the record scheme at all.
func RecordIDFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, topicRecordPrefix) {
		return "", false
	}
	id := topic[len(topicRecordPrefix):]
	if id == "" {
		return "", false
	}
	return id, true
}

// RecordEnvelope is the wire form of one measurement record. It carries the
// full entity plus a publish timestamp whose only job is to make consecutive
// payloads byte-distinct so the transport always fires a change
// notification.
type RecordEnvelope struct {
	ID                string `json:"id"`
	AmountML          int64  `json:"amount_ml"`
	Beverage          string `json:"beverage"`
	RecordedAtMillis  int64  `json:"recorded_at_ms"`
	Origin            string `json:"origin"`
	PublishedAtMillis int64  `json:"published_at_ms"`
}

// PreferenceEnvelope is the wire form of the settings block. A zero field
// means "not set by sender" and leaves the receiver's value unchanged.
type PreferenceEnvelope struct {
	DailyGoalML       int64 `json:"daily_goal_ml"`
	Preset1ML         int64 `json:"preset1_ml"`
	Preset2ML         int64 `json:"preset2_ml"`
	Preset3ML         int64 `json:"preset3_ml"`
	PublishedAtMillis int64 `json:"published_at_ms"`
}

// NewRecordEnvelope builds the envelope for a record at publish time.
func NewRecordEnvelope(record ledger.Record, publishedAtMillis int64) RecordEnvelope {
	return RecordEnvelope{
		ID:                record.ID,
		AmountML:          record.AmountML,
		Beverage:          string(record.Beverage),
		RecordedAtMillis:  record.RecordedAtMillis,
		Origin:            string(record.Origin),
		PublishedAtMillis: publishedAtMillis,
	}
}

// NewPreferenceEnvelope builds the envelope for a settings snapshot at
// publish time.
func NewPreferenceEnvelope(snapshot prefs.Snapshot, publishedAtMillis int64) PreferenceEnvelope {
	return PreferenceEnvelope{
		DailyGoalML:       snapshot.DailyGoalML,
		Preset1ML:         snapshot.PresetsML[0],
		Preset2ML:         snapshot.PresetsML[1],
		Preset3ML:         snapshot.PresetsML[2],
		PublishedAtMillis: publishedAtMillis,
	}
}

// Encode serializes the envelope for the transport.
func (e RecordEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Encode serializes the envelope for the transport.
func (e PreferenceEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeRecordEnvelope parses and validates an inbound record payload.
func DecodeRecordEnvelope(payload []byte) (RecordEnvelope, error) {
	var envelope RecordEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return RecordEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return RecordEnvelope{}, fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	}
	if envelope.AmountML <= 0 {
		return RecordEnvelope{}, fmt.Errorf("%w: non-positive amount %d", ErrMalformedEnvelope, envelope.AmountML)
	}
	if envelope.RecordedAtMillis <= 0 {
		return RecordEnvelope{}, fmt.Errorf("%w: missing recorded_at_ms", ErrMalformedEnvelope)
	}
	return envelope, nil
}

// DecodePreferenceEnvelope parses an inbound settings payload. Individual
// fields may be zero (absent); an envelope with no usable field at all is
// malformed.
func DecodePreferenceEnvelope(payload []byte) (PreferenceEnvelope, error) {
	var envelope PreferenceEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return PreferenceEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.DailyGoalML <= 0 && envelope.Preset1ML <= 0 && envelope.Preset2ML <= 0 && envelope.Preset3ML <= 0 {
		return PreferenceEnvelope{}, fmt.Errorf("%w: no preference fields set", ErrMalformedEnvelope)
	}
	return envelope, nil
}

// Record converts the envelope back to a ledger record, applying the
// lenient enum fallbacks used on the receive path.
func (e RecordEnvelope) Record() ledger.Record {
	return ledger.Record{
		ID:               e.ID,
		AmountML:         e.AmountML,
		Beverage:         ledger.BeverageOrDefault(e.Beverage),
		RecordedAtMillis: e.RecordedAtMillis,
		Origin:           ledger.OriginOrUnknown(e.Origin),
	}
}

// Snapshot converts the envelope to a merge candidate; zero fields stay
// zero and are skipped by the store's merge.
func (e PreferenceEnvelope) Snapshot() prefs.Snapshot {
	return prefs.Snapshot{
		DailyGoalML: e.DailyGoalML,
		PresetsML:   [prefs.PresetCount]int64{e.Preset1ML, e.Preset2ML, e.Preset3ML},
	}
}
