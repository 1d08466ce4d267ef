package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"kvitto/internal/store"

	"github.com/google/uuid"
)

const (
	defaultBatchSize       = 10
	defaultInterBatchDelay = 2 * time.Second
)

// Params configures one audit run. Manual, automatic, and scheduled triggers
// all flow through the same entry point; CleanupType only tags the run.
type Params struct {
	OwnerID         string // empty = all owners
	CleanupType     store.CleanupType
	StalenessWindow time.Duration
}

// Report summarizes a completed audit run.
type Report struct {
	AuditRunID   string
	FilesChecked int
	FilesRemoved int
}

// Orchestrator selects stale receipt records, validates them in strictly
// sequential bounded batches, and purges the records whose blobs are no
// longer reachable.
type Orchestrator struct {
	store      *store.Store
	engine     *Engine
	batchSize  int
	batchDelay time.Duration
	now        func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithBatchSize overrides the validation batch size.
func WithBatchSize(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithInterBatchDelay overrides the pause between batches, the rate-limiting
// courtesy to the remote service.
func WithInterBatchDelay(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.batchDelay = d
	}
}

// WithClock overrides the orchestrator clock.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates an Orchestrator over the given store and engine.
func NewOrchestrator(st *store.Store, engine *Engine, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		engine:     engine,
		batchSize:  defaultBatchSize,
		batchDelay: defaultInterBatchDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one audit pass. Per-object validation failures are never
// fatal; a failure of the metadata store aborts the run, but the audit run
// record is still finalized best-effort with whatever progress was made, and
// timestamps already persisted stay persisted.
func (o *Orchestrator) Run(ctx context.Context, p Params) (*Report, error) {
	runID := uuid.NewString()
	startedAt := o.now().UTC()

	err := o.store.CreateAuditRun(ctx, store.AuditRun{
		ID:          runID,
		OwnerID:     p.OwnerID,
		CleanupType: p.CleanupType,
		StartedAt:   startedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("start audit run: %w", err)
	}

	slog.Info("Audit run started",
		"run_id", runID,
		"cleanup_type", p.CleanupType,
		"owner", p.OwnerID,
		"staleness_window", p.StalenessWindow,
	)

	cutoff := startedAt.Add(-p.StalenessWindow)
	due, err := o.store.DueForValidation(ctx, p.OwnerID, cutoff)
	if err != nil {
		o.finalize(runID, 0, 0)
		return nil, fmt.Errorf("select due receipts: %w", err)
	}

	if len(due) == 0 {
		o.finalize(runID, 0, 0)
		slog.Info("Audit run found nothing to check", "run_id", runID)
		return &Report{AuditRunID: runID}, nil
	}

	var invalidIDs []string
	checked := 0

	for start := 0; start < len(due); start += o.batchSize {
		end := min(start+o.batchSize, len(due))
		batch := due[start:end]

		refs := make([]Ref, len(batch))
		ids := make([]string, len(batch))
		for i, r := range batch {
			refs[i] = Ref{ObjectID: r.ID, BlobURL: r.BlobURL}
			ids[i] = r.ID
		}

		results := o.engine.CheckBatch(ctx, refs)
		for _, res := range results {
			if !res.Valid {
				invalidIDs = append(invalidIDs, res.ObjectID)
				slog.Debug("Receipt blob failed validation",
					"run_id", runID,
					"object_id", res.ObjectID,
					"status_code", res.StatusCode,
					"err", res.Err,
				)
			}
		}

		// Timestamps are advanced for the whole batch regardless of outcome,
		// before the next batch starts, so a crash mid-run resumes where it
		// left off instead of re-checking.
		if err := o.store.MarkValidated(ctx, ids, o.now().UTC()); err != nil {
			o.finalize(runID, checked, 0)
			return nil, fmt.Errorf("persist batch timestamps: %w", err)
		}
		checked += len(batch)

		if end < len(due) {
			if err := o.pause(ctx); err != nil {
				o.finalize(runID, checked, 0)
				return nil, fmt.Errorf("audit run interrupted: %w", err)
			}
		}
	}

	removed := int64(0)
	if len(invalidIDs) > 0 {
		// Metadata-only removal: the blob is already unreachable or gone, so
		// no remote delete is attempted.
		removed, err = o.store.DeleteReceipts(ctx, invalidIDs)
		if err != nil {
			o.finalize(runID, checked, 0)
			return nil, fmt.Errorf("purge invalid receipts: %w", err)
		}
	}

	o.finalize(runID, checked, int(removed))

	slog.Info("Audit run completed",
		"run_id", runID,
		"files_checked", checked,
		"files_removed", removed,
	)

	return &Report{
		AuditRunID:   runID,
		FilesChecked: checked,
		FilesRemoved: int(removed),
	}, nil
}

// finalize writes the completion record. It is best-effort: a run that failed
// mid-way still gets its partial counters persisted when the store allows it.
func (o *Orchestrator) finalize(runID string, checked, removed int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.store.FinalizeAuditRun(ctx, runID, o.now().UTC(), checked, removed); err != nil {
		slog.Error("Failed to finalize audit run", "run_id", runID, "err", err)
	}
}

// pause sleeps the inter-batch delay, honoring cancellation.
func (o *Orchestrator) pause(ctx context.Context) error {
	if o.batchDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(o.batchDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
