package sync

import (
	"context"
	"errors"
	"fmt"
	sysync "sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/dripsynclabs/dripsync/internal/ledger"
	"github.com/dripsynclabs/dripsync/internal/prefs"
)

var testInstant = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type sequentialIDGenerator struct {
	prefix string
	next   int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

func newTestStores(t *testing.T, idPrefix string) (*ledger.Store, *prefs.Store) {
	t.Helper()

	dsn := fmt.Sprintf("file:dripsync_sync_test_%s_%d?mode=memory&cache=shared", idPrefix, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ledger.Record{}, prefs.Model()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return testInstant },
		IDProvider: &sequentialIDGenerator{prefix: idPrefix},
		Location:   time.UTC,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger store: %v", err)
	}
	t.Cleanup(ledgerStore.Close)

	prefsStore, err := prefs.NewStore(prefs.StoreConfig{
		Database: db,
		Clock:    func() time.Time { return testInstant },
	})
	if err != nil {
		t.Fatalf("failed to construct preference store: %v", err)
	}
	t.Cleanup(prefsStore.Close)

	return ledgerStore, prefsStore
}

type storedPut struct {
	topic   string
	payload []byte
}

// recordingTransport captures puts and optionally fails the first failures
// attempts of every topic, or all attempts when failures is negative.
type recordingTransport struct {
	mu       sysync.Mutex
	puts     []storedPut
	failures int
	attempts int
}

var errTransportDown = errors.New("transport down")

func (tr *recordingTransport) Put(ctx context.Context, topic string, payload []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.attempts++
	if tr.failures < 0 || tr.attempts <= tr.failures {
		return errTransportDown
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	tr.puts = append(tr.puts, storedPut{topic: topic, payload: stored})
	return nil
}

func (tr *recordingTransport) putCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.puts)
}

func (tr *recordingTransport) lastPut(topic string) ([]byte, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i := len(tr.puts) - 1; i >= 0; i-- {
		if tr.puts[i].topic == topic {
			return tr.puts[i].payload, true
		}
	}
	return nil, false
}

func (tr *recordingTransport) attemptCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.attempts
}
