package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dripsynclabs/dripsync/internal/stream"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrConflict indicates an insert for an id that already exists with
	// different content. Under the first-writer-wins merge rule this points
	// at an id collision between independently generated identifiers and is
	// logged as a data-integrity event.
	ErrConflict = errors.New("ledger: record id conflict")
)

// StoreError carries a stable machine-readable code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew      = "ledger.store.new"
	opCreateRecord  = "ledger.create_record"
	opInsert        = "ledger.insert"
	opDelete        = "ledger.delete"
	opQueryRange    = "ledger.query_range"
	opSumRange      = "ledger.sum_range"
	opListUnsynced  = "ledger.list_unsynced"
	opMarkExternal  = "ledger.mark_externally_synced"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues globally unique record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// EventKind distinguishes ledger change events.
type EventKind string

const (
	EventInserted EventKind = "inserted"
	EventDeleted  EventKind = "deleted"
)

// Event describes one applied mutation, pushed to reactive subscribers.
type Event struct {
	Kind   EventKind
	Record Record
}

// StoreConfig wires the store's collaborators.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Location   *time.Location
	Logger     *zap.Logger
}

// Store is the durable, queryable measurement ledger. It serializes its own
// writes internally; callers never need external locks.
type Store struct {
	db         *gorm.DB
	mu         sync.Mutex
	clock      func() time.Time
	idProvider IDProvider
	loc        *time.Location
	logger     *zap.Logger
	events     *stream.Broadcaster[Event]
}

// NewStore constructs a ledger store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		loc:        loc,
		logger:     logger,
		events:     stream.NewBroadcaster[Event](),
	}, nil
}

// Close shuts down the reactive fan-out.
func (s *Store) Close() {
	s.events.Close()
}

// Location exposes the calendar-day bucketing zone.
func (s *Store) Location() *time.Location {
	return s.loc
}

// TodayRange returns the current local calendar day as a half-open range.
func (s *Store) TodayRange() (time.Time, time.Time) {
	return DayRange(s.clock(), s.loc)
}

// CreateRecord persists a new locally originated record and returns it. The
// identifier and recording instant are assigned here, at creation time.
func (s *Store) CreateRecord(ctx context.Context, amount AmountML, beverage Beverage, origin Origin) (Record, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateRecord, "id_generation_failed", err)
		return Record{}, newStoreError(opCreateRecord, "id_generation_failed", err)
	}
	now := TimeToMillis(s.clock())
	record := Record{
		ID:               id,
		AmountML:         amount.Int64(),
		Beverage:         beverage,
		RecordedAtMillis: now,
		Origin:           origin,
		CreatedAtMillis:  now,
	}
	if err := s.Insert(ctx, record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Insert persists a record verbatim. Reinserting identical content is an
// idempotent no-op; the same id with different content returns ErrConflict.
func (s *Store) Insert(ctx context.Context, record Record) error {
	if record.ID == "" {
		return newStoreError(opInsert, "invalid_record_id", ErrInvalidRecordID)
	}
	if record.AmountML <= 0 {
		return newStoreError(opInsert, "invalid_amount", ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing Record
	err := s.db.WithContext(ctx).Where("id = ?", record.ID).Take(&existing).Error
	if err == nil {
		if existing.SameContent(record) {
			return nil
		}
		s.logger.Error("record id collision",
			zap.String("operation", opInsert),
			zap.String("record_id", record.ID),
			zap.Int64("existing_amount_ml", existing.AmountML),
			zap.Int64("incoming_amount_ml", record.AmountML))
		return newStoreError(opInsert, "conflict", ErrConflict)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opInsert, "select_failed", err, zap.String("record_id", record.ID))
		return newStoreError(opInsert, "select_failed", err)
	}

	if record.CreatedAtMillis == 0 {
		record.CreatedAtMillis = TimeToMillis(s.clock())
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opInsert, "insert_failed", err, zap.String("record_id", record.ID))
		return newStoreError(opInsert, "insert_failed", err)
	}

	s.events.Publish(Event{Kind: EventInserted, Record: record})
	return nil
}

// Delete removes a record by id. Deleting an absent id is a no-op, not an
// error.
func (s *Store) Delete(ctx context.Context, id RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing Record
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		s.logError(opDelete, "select_failed", err, zap.String("record_id", id.String()))
		return newStoreError(opDelete, "select_failed", err)
	}

	if err := s.db.WithContext(ctx).Where("id = ?", id.String()).Delete(&Record{}).Error; err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("record_id", id.String()))
		return newStoreError(opDelete, "delete_failed", err)
	}

	s.events.Publish(Event{Kind: EventDeleted, Record: existing})
	return nil
}

// Get returns the record with the given id, or gorm.ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, id RecordID) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&record).Error
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// QueryRange returns records with start <= recordedAt < end, newest first.
func (s *Store) QueryRange(ctx context.Context, start, end time.Time) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("recorded_at_ms >= ? AND recorded_at_ms < ?", TimeToMillis(start), TimeToMillis(end)).
		Order("recorded_at_ms DESC").
		Find(&records).Error
	if err != nil {
		s.logError(opQueryRange, "query_failed", err)
		return nil, newStoreError(opQueryRange, "query_failed", err)
	}
	return records, nil
}

// SumRange returns the exact integer sum of amounts with
// start <= recordedAt < end. An empty range sums to 0.
func (s *Store) SumRange(ctx context.Context, start, end time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Select("COALESCE(SUM(amount_ml), 0)").
		Where("recorded_at_ms >= ? AND recorded_at_ms < ?", TimeToMillis(start), TimeToMillis(end)).
		Scan(&total).Error
	if err != nil {
		s.logError(opSumRange, "query_failed", err)
		return 0, newStoreError(opSumRange, "query_failed", err)
	}
	return total, nil
}

// SubscribeRange streams point-in-time snapshots of a range query: an
// immediate snapshot, then a fresh one after every insert or delete touching
// the range. Cancel the context or call the returned function to stop.
func (s *Store) SubscribeRange(ctx context.Context, start, end time.Time) (<-chan []Record, func()) {
	out := make(chan []Record, 1)
	events, cancel := s.events.Subscribe(ctx)

	snapshot, err := s.QueryRange(ctx, start, end)
	if err == nil {
		stream.Offer(out, snapshot)
	}

	go func() {
		defer close(out)
		for event := range events {
			if !s.eventInRange(event, start, end) {
				continue
			}
			snapshot, err := s.QueryRange(ctx, start, end)
			if err != nil {
				continue
			}
			stream.Offer(out, snapshot)
		}
	}()
	return out, cancel
}

// SubscribeSum streams the range sum: an immediate value, then a fresh one
// after every change touching the range.
func (s *Store) SubscribeSum(ctx context.Context, start, end time.Time) (<-chan int64, func()) {
	out := make(chan int64, 1)
	events, cancel := s.events.Subscribe(ctx)

	total, err := s.SumRange(ctx, start, end)
	if err == nil {
		stream.Offer(out, total)
	}

	go func() {
		defer close(out)
		for event := range events {
			if !s.eventInRange(event, start, end) {
				continue
			}
			total, err := s.SumRange(ctx, start, end)
			if err != nil {
				continue
			}
			stream.Offer(out, total)
		}
	}()
	return out, cancel
}

// Events exposes the raw change stream for components that fan changes out
// further, such as the HTTP event stream.
func (s *Store) Events(ctx context.Context) (<-chan Event, func()) {
	return s.events.Subscribe(ctx)
}

func (s *Store) eventInRange(event Event, start, end time.Time) bool {
	at := event.Record.RecordedAtMillis
	return at >= TimeToMillis(start) && at < TimeToMillis(end)
}

// ListUnsynced returns records not yet pushed to the external exporter,
// oldest first so export order follows recording order.
func (s *Store) ListUnsynced(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("external_synced = ?", false).
		Order("recorded_at_ms ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListUnsynced, "query_failed", err)
		return nil, newStoreError(opListUnsynced, "query_failed", err)
	}
	return records, nil
}

// MarkExternallySynced records the exporter's identifier for a record. A
// record stays unsynced until explicitly marked.
func (s *Store) MarkExternallySynced(ctx context.Context, id RecordID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ?", id.String()).
		Updates(map[string]any{"external_synced": true, "external_id": externalID})
	if result.Error != nil {
		s.logError(opMarkExternal, "update_failed", result.Error, zap.String("record_id", id.String()))
		return newStoreError(opMarkExternal, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opMarkExternal, "not_found", gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ledger store error", attrs...)
}
