// Package export pushes unsynced ledger records to the third-party health
// data service. The exporter owns its retry policy; the core only promises
// that a record stays unsynced until explicitly marked.
package export

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dripsynclabs/dripsync/internal/ledger"
)

var errMissingClient = errors.New("export: client is required")

// Client is the external service's write interface. Insert returns the
// identifier the external service assigned to the record.
type Client interface {
	Insert(ctx context.Context, record ledger.Record) (externalID string, err error)
}

// Result reports one export pass. Partial success is expected: individual
// failures stay unsynced and are retried on the exporter's schedule.
type Result struct {
	Synced int
	Errors []string
}

// Failed reports whether any record failed to export.
func (r Result) Failed() bool {
	return len(r.Errors) > 0
}

// Runner drains the unsynced cursor into the external client.
type Runner struct {
	ledger *ledger.Store
	client Client
	logger *zap.Logger
}

// NewRunner constructs an export runner.
func NewRunner(store *ledger.Store, client Client, logger *zap.Logger) (*Runner, error) {
	if store == nil {
		return nil, errors.New("export: ledger store is required")
	}
	if client == nil {
		return nil, errMissingClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{ledger: store, client: client, logger: logger}, nil
}

// SyncOnce exports every currently unsynced record, marking each one synced
// as soon as the external service acknowledges it.
func (r *Runner) SyncOnce(ctx context.Context) (Result, error) {
	records, err := r.ledger.ListUnsynced(ctx)
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, record := range records {
		externalID, err := r.client.Insert(ctx, record)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", record.ID, err))
			continue
		}
		recordID, err := ledger.NewRecordID(record.ID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", record.ID, err))
			continue
		}
		if err := r.ledger.MarkExternallySynced(ctx, recordID, externalID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", record.ID, err))
			continue
		}
		result.Synced++
	}

	if result.Failed() {
		r.logger.Warn("export pass finished with failures",
			zap.Int("synced", result.Synced),
			zap.Int("failed", len(result.Errors)))
	} else if result.Synced > 0 {
		r.logger.Info("export pass complete", zap.Int("synced", result.Synced))
	}
	return result, nil
}
