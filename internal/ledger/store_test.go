package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

var testInstant = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, ids []string) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:dripsync_ledger_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return testInstant },
		IDProvider: &staticIDGenerator{ids: ids},
		Location:   time.UTC,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger store: %v", err)
	}
	t.Cleanup(store.Close)

	return store, db
}

func TestCreateRecordAssignsIdentityAndInstant(t *testing.T) {
	store, db := newTestStore(t, []string{"rec-1"})

	record, err := store.CreateRecord(context.Background(), mustAmount(t, 250), BeverageWater, OriginPrimary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.ID != "rec-1" {
		t.Fatalf("expected assigned id rec-1, got %q", record.ID)
	}
	if record.RecordedAtMillis != testInstant.UnixMilli() {
		t.Fatalf("expected recording instant %d, got %d", testInstant.UnixMilli(), record.RecordedAtMillis)
	}

	var stored Record
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored record: %v", err)
	}
	if stored.AmountML != 250 || stored.Origin != OriginPrimary {
		t.Fatalf("unexpected stored record %+v", stored)
	}
	if stored.ExternalSynced {
		t.Fatalf("expected new record to start unsynced")
	}
}

func TestInsertIdenticalContentIsIdempotent(t *testing.T) {
	store, db := newTestStore(t, nil)

	record := Record{
		ID:               "rec-1",
		AmountML:         300,
		Beverage:         BeverageTea,
		RecordedAtMillis: testInstant.UnixMilli(),
		Origin:           OriginCompanion,
	}
	if err := store.Insert(context.Background(), record); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := store.Insert(context.Background(), record); err != nil {
		t.Fatalf("expected reinsert to be a no-op, got %v", err)
	}

	var count int64
	if err := db.Model(&Record{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row, got %d", count)
	}
}

func TestInsertSameIDDifferentContentConflicts(t *testing.T) {
	store, db := newTestStore(t, nil)

	first := Record{ID: "rec-1", AmountML: 300, Beverage: BeverageWater, RecordedAtMillis: testInstant.UnixMilli(), Origin: OriginPrimary}
	if err := store.Insert(context.Background(), first); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	altered := first
	altered.AmountML = 500
	err := store.Insert(context.Background(), altered)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	var stored Record
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored record: %v", err)
	}
	if stored.AmountML != 300 {
		t.Fatalf("expected first writer to win, got amount %d", stored.AmountML)
	}
}

func TestDeleteAbsentIDIsNoOp(t *testing.T) {
	store, _ := newTestStore(t, nil)

	id := mustRecordID(t, "missing")
	if err := store.Delete(context.Background(), id); err != nil {
		t.Fatalf("expected deleting an absent id to succeed, got %v", err)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	store, db := newTestStore(t, []string{"rec-1"})

	record, err := store.CreateRecord(context.Background(), mustAmount(t, 250), BeverageWater, OriginPrimary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Delete(context.Background(), mustRecordID(t, record.ID)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	var count int64
	if err := db.Model(&Record{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected record to be gone, %d remain", count)
	}
}

func TestQueryRangeReturnsNewestFirstWithinBounds(t *testing.T) {
	store, _ := newTestStore(t, nil)

	start, end := DayRange(testInstant, time.UTC)
	seedRecord(t, store, "inside-early", 100, start.Add(time.Hour))
	seedRecord(t, store, "inside-late", 200, start.Add(20*time.Hour))
	seedRecord(t, store, "before", 300, start.Add(-time.Minute))
	seedRecord(t, store, "at-end", 400, end)

	records, err := store.QueryRange(context.Background(), start, end)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records in range, got %d", len(records))
	}
	if records[0].ID != "inside-late" || records[1].ID != "inside-early" {
		t.Fatalf("expected newest-first ordering, got %q then %q", records[0].ID, records[1].ID)
	}
}

func TestSumRangeEmptyRangeIsZero(t *testing.T) {
	store, _ := newTestStore(t, nil)

	start, end := DayRange(testInstant, time.UTC)
	total, err := store.SumRange(context.Background(), start, end)
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected empty range to sum to 0, got %d", total)
	}
}

func TestSumRangeAddsExactIntegers(t *testing.T) {
	store, _ := newTestStore(t, nil)

	start, end := DayRange(testInstant, time.UTC)
	seedRecord(t, store, "a", 150, start.Add(time.Hour))
	seedRecord(t, store, "b", 100, start.Add(2*time.Hour))
	seedRecord(t, store, "outside", 999, end.Add(time.Hour))

	total, err := store.SumRange(context.Background(), start, end)
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if total != 250 {
		t.Fatalf("expected 250, got %d", total)
	}
}

func TestSubscribeSumEmitsInitialValueThenUpdates(t *testing.T) {
	store, _ := newTestStore(t, nil)

	start, end := DayRange(testInstant, time.UTC)
	seedRecord(t, store, "seed", 100, start.Add(time.Hour))

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	sums, cancel := store.SubscribeSum(ctx, start, end)
	defer cancel()

	if got := awaitValue(t, sums); got != 100 {
		t.Fatalf("expected initial sum 100, got %d", got)
	}

	seedRecord(t, store, "more", 150, start.Add(2*time.Hour))
	if got := awaitSum(t, sums, 250); got != 250 {
		t.Fatalf("expected updated sum 250, got %d", got)
	}
}

func TestSubscribeSumIgnoresOutOfRangeChanges(t *testing.T) {
	store, _ := newTestStore(t, nil)

	start, end := DayRange(testInstant, time.UTC)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	sums, cancel := store.SubscribeSum(ctx, start, end)
	defer cancel()

	if got := awaitValue(t, sums); got != 0 {
		t.Fatalf("expected initial sum 0, got %d", got)
	}

	seedRecord(t, store, "tomorrow", 500, end.Add(time.Hour))

	select {
	case got := <-sums:
		t.Fatalf("expected no emission for out-of-range change, got %d", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeRangeEmitsSnapshots(t *testing.T) {
	store, _ := newTestStore(t, nil)

	start, end := DayRange(testInstant, time.UTC)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	snapshots, cancel := store.SubscribeRange(ctx, start, end)
	defer cancel()

	initial := awaitValue(t, snapshots)
	if len(initial) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d records", len(initial))
	}

	seedRecord(t, store, "a", 100, start.Add(time.Hour))
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot := <-snapshots:
			if len(snapshot) == 1 && snapshot[0].ID == "a" {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot containing the insert")
		}
	}
}

func TestListUnsyncedReturnsOldestFirst(t *testing.T) {
	store, _ := newTestStore(t, nil)

	start, _ := DayRange(testInstant, time.UTC)
	seedRecord(t, store, "late", 100, start.Add(5*time.Hour))
	seedRecord(t, store, "early", 100, start.Add(time.Hour))

	if err := store.MarkExternallySynced(context.Background(), mustRecordID(t, "late"), "ext-1"); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}

	unsynced, err := store.ListUnsynced(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(unsynced) != 1 || unsynced[0].ID != "early" {
		t.Fatalf("unexpected unsynced set %+v", unsynced)
	}
}

func TestMarkExternallySyncedUnknownIDFails(t *testing.T) {
	store, _ := newTestStore(t, nil)

	err := store.MarkExternallySynced(context.Background(), mustRecordID(t, "missing"), "ext-1")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected record-not-found, got %v", err)
	}
}

func seedRecord(t *testing.T, store *Store, id string, amountML int64, recordedAt time.Time) {
	t.Helper()
	record := Record{
		ID:               id,
		AmountML:         amountML,
		Beverage:         BeverageWater,
		RecordedAtMillis: TimeToMillis(recordedAt),
		Origin:           OriginPrimary,
	}
	if err := store.Insert(context.Background(), record); err != nil {
		t.Fatalf("failed to seed record %s: %v", id, err)
	}
}

func mustAmount(t *testing.T, value int64) AmountML {
	t.Helper()
	amount, err := NewAmountML(value)
	if err != nil {
		t.Fatalf("invalid amount %d: %v", value, err)
	}
	return amount
}

func mustRecordID(t *testing.T, raw string) RecordID {
	t.Helper()
	id, err := NewRecordID(raw)
	if err != nil {
		t.Fatalf("invalid record id %q: %v", raw, err)
	}
	return id
}

func awaitValue[T any](t *testing.T, stream <-chan T) T {
	t.Helper()
	select {
	case value, ok := <-stream:
		if !ok {
			t.Fatalf("stream closed unexpectedly")
		}
		return value
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value")
		panic("unreachable")
	}
}

func awaitSum(t *testing.T, sums <-chan int64, want int64) int64 {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-sums:
			if got == want {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for sum %d", want)
		}
	}
}
