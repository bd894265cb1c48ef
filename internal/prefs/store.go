package prefs

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

// Defaults are applied at first read so the snapshot is always fully
// present, never partially missing.
const (
	DefaultDailyGoalML = 1500
	DefaultPreset1ML   = 200
	DefaultPreset2ML   = 350
	DefaultPreset3ML   = 500
)

// PresetCount is the fixed size of the preset list.
const PresetCount = 3

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrInvalidValue indicates a non-positive goal or preset amount.
	ErrInvalidValue = errors.New("prefs: value must be positive")
	// ErrInvalidPresetIndex indicates a preset index outside [0, PresetCount).
	ErrInvalidPresetIndex = errors.New("prefs: invalid preset index")
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

func (e *StoreError) Unwrap() error { return e.err }

func (e *StoreError) Code() string { return e.code }

const (
	opStoreNew    = "prefs.store.new"
	opGet         = "prefs.get"
	opReplace     = "prefs.replace"
	opApplyRemote = "prefs.apply_remote"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Snapshot is the entire scalar settings block, always replaced as a unit.
type Snapshot struct {
	DailyGoalML int64
	PresetsML   [PresetCount]int64
}

// DefaultSnapshot returns the snapshot used at first read.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		DailyGoalML: DefaultDailyGoalML,
		PresetsML:   [PresetCount]int64{DefaultPreset1ML, DefaultPreset2ML, DefaultPreset3ML},
	}
}

// Validate checks that every field is a positive integer.
func (s Snapshot) Validate() error {
	if s.DailyGoalML <= 0 {
		return fmt.Errorf("%w: daily goal %d", ErrInvalidValue, s.DailyGoalML)
	}
	for i, preset := range s.PresetsML {
		if preset <= 0 {
			return fmt.Errorf("%w: preset %d is %d", ErrInvalidValue, i+1, preset)
		}
	}
	return nil
}

type snapshotRow struct {
	ID              int   `gorm:"column:id;primaryKey"`
	DailyGoalML     int64 `gorm:"column:daily_goal_ml;not null"`
	Preset1ML       int64 `gorm:"column:preset1_ml;not null"`
	Preset2ML       int64 `gorm:"column:preset2_ml;not null"`
	Preset3ML       int64 `gorm:"column:preset3_ml;not null"`
	UpdatedAtMillis int64 `gorm:"column:updated_at_ms;not null"`
}

func (snapshotRow) TableName() string {
	return "preference_snapshot"
}

// The snapshot occupies exactly one row.
const snapshotRowID = 1

func (r snapshotRow) toSnapshot() Snapshot {
	return Snapshot{
		DailyGoalML: r.DailyGoalML,
		PresetsML:   [PresetCount]int64{r.Preset1ML, r.Preset2ML, r.Preset3ML},
	}
}

// Model exposes the persisted row type for schema migration.
func Model() any {
	return &snapshotRow{}
}

// StoreConfig wires the store's collaborators.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable scalar settings block with the same reactive
// contract as the ledger, smaller and simpler.
type Store struct {
	db      *gorm.DB
	mu      sync.Mutex
	clock   func() time.Time
	logger  *zap.Logger
	changes *stream.Broadcaster[Snapshot]
}

// NewStore constructs a preference store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:      cfg.Database,
		clock:   clock,
		logger:  logger,
		changes: stream.NewBroadcaster[Snapshot](),
	}, nil
}

// Close shuts down the reactive fan-out.
func (s *Store) Close() {
	s.changes.Close()
}

// Get returns the current snapshot, creating it with defaults on first read.
func (s *Store) Get(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx)
}

func (s *Store) getLocked(ctx context.Context) (Snapshot, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).Where("id = ?", snapshotRowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		snapshot := DefaultSnapshot()
		if err := s.saveLocked(ctx, snapshot); err != nil {
			return Snapshot{}, err
		}
		return snapshot, nil
	}
	if err != nil {
		s.logError(opGet, "select_failed", err)
		return Snapshot{}, newStoreError(opGet, "select_failed", err)
	}
	return row.toSnapshot(), nil
}

// Replace writes the snapshot wholesale and notifies subscribers. Every
// local edit goes through here.
func (s *Store) Replace(ctx context.Context, snapshot Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		return newStoreError(opReplace, "invalid_snapshot", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveLocked(ctx, snapshot); err != nil {
		return err
	}
	s.changes.Publish(snapshot)
	return nil
}

// SetDailyGoal updates the goal, keeping the replace-as-a-unit contract.
func (s *Store) SetDailyGoal(ctx context.Context, goalML int64) (Snapshot, error) {
	if goalML <= 0 {
		return Snapshot{}, newStoreError(opReplace, "invalid_snapshot", fmt.Errorf("%w: daily goal %d", ErrInvalidValue, goalML))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := s.getLocked(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.DailyGoalML = goalML
	if err := s.saveLocked(ctx, snapshot); err != nil {
		return Snapshot{}, err
	}
	s.changes.Publish(snapshot)
	return snapshot, nil
}

// SetPreset updates one preset slot, keeping the replace-as-a-unit contract.
func (s *Store) SetPreset(ctx context.Context, index int, amountML int64) (Snapshot, error) {
	if index < 0 || index >= PresetCount {
		return Snapshot{}, newStoreError(opReplace, "invalid_preset_index", fmt.Errorf("%w: %d", ErrInvalidPresetIndex, index))
	}
	if amountML <= 0 {
		return Snapshot{}, newStoreError(opReplace, "invalid_snapshot", fmt.Errorf("%w: preset %d is %d", ErrInvalidValue, index+1, amountML))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := s.getLocked(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.PresetsML[index] = amountML
	if err := s.saveLocked(ctx, snapshot); err != nil {
		return Snapshot{}, err
	}
	s.changes.Publish(snapshot)
	return snapshot, nil
}

// ApplyRemote merges an inbound snapshot: only fields greater than zero are
// applied, a zero field means "not set by sender" and the local value is
// kept. Last writer by arrival wins; there is no timestamp comparison.
func (s *Store) ApplyRemote(ctx context.Context, incoming Snapshot) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getLocked(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	merged := current
	if incoming.DailyGoalML > 0 {
		merged.DailyGoalML = incoming.DailyGoalML
	}
	for i, preset := range incoming.PresetsML {
		if preset > 0 {
			merged.PresetsML[i] = preset
		}
	}
	if merged == current {
		return current, nil
	}

	if err := s.saveLocked(ctx, merged); err != nil {
		return Snapshot{}, newStoreError(opApplyRemote, "save_failed", err)
	}
	s.changes.Publish(merged)
	return merged, nil
}

// Subscribe streams snapshots: the current value immediately, then one per
// accepted change.
func (s *Store) Subscribe(ctx context.Context) (<-chan Snapshot, func()) {
	out := make(chan Snapshot, 1)
	changes, cancel := s.changes.Subscribe(ctx)

	if snapshot, err := s.Get(ctx); err == nil {
		stream.Offer(out, snapshot)
	}

	go func() {
		defer close(out)
		for snapshot := range changes {
			stream.Offer(out, snapshot)
		}
	}()
	return out, cancel
}

func (s *Store) saveLocked(ctx context.Context, snapshot Snapshot) error {
	row := snapshotRow{
		ID:              snapshotRowID,
		DailyGoalML:     snapshot.DailyGoalML,
		Preset1ML:       snapshot.PresetsML[0],
		Preset2ML:       snapshot.PresetsML[1],
		Preset3ML:       snapshot.PresetsML[2],
		UpdatedAtMillis: s.clock().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		s.logError(opReplace, "save_failed", err)
		return newStoreError(opReplace, "save_failed", err)
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
	s.logger.Error("preference store error", attrs...)
}
