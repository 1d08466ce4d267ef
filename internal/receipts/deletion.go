package receipts

import (
	"context"
	"fmt"
	"log/slog"

	"kvitto/internal/store"
)

// DeletionOutcome is the per-object result of a delete attempt.
type DeletionOutcome struct {
	ObjectID string
	Success  bool
	Err      error
}

// DeletionReport aggregates per-object outcomes. Partial failure is expected
// and reported, never fatal to the batch.
type DeletionReport struct {
	SuccessCount int
	FailureCount int
	Outcomes     []DeletionOutcome
}

func (r *DeletionReport) add(o DeletionOutcome) {
	if o.Success {
		r.SuccessCount++
	} else {
		r.FailureCount++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// DeleteOne deletes a single receipt scoped to ownerID. The owner scope is
// the authorization boundary: a caller can never delete another owner's
// record. The metadata row is removed even when the remote blob delete
// failed — a stranded blob is preferable to a phantom reference after a
// user-visible "deleted" confirmation.
func (s *Service) DeleteOne(ctx context.Context, ownerID, objectID string) (*DeletionReport, error) {
	receipt, err := s.store.ReceiptByID(ctx, ownerID, objectID)
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}

	report := &DeletionReport{}
	report.add(s.deleteReceipt(ctx, receipt))
	return report, nil
}

// DeleteAll deletes every receipt belonging to ownerID, one object at a time.
// Each object's outcome is independent.
func (s *Service) DeleteAll(ctx context.Context, ownerID string) (*DeletionReport, error) {
	list, err := s.store.ReceiptsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("fetch receipts: %w", err)
	}

	report := &DeletionReport{}
	for i := range list {
		report.add(s.deleteReceipt(ctx, &list[i]))
	}

	slog.Info("Bulk delete finished",
		"owner", ownerID,
		"succeeded", report.SuccessCount,
		"failed", report.FailureCount,
	)
	return report, nil
}

// deleteReceipt removes one receipt: blob first, then unconditionally the
// metadata row. A failed blob delete makes the outcome a failure but never
// keeps the row alive.
func (s *Service) deleteReceipt(ctx context.Context, receipt *store.Receipt) DeletionOutcome {
	blobErr := s.blobs.Delete(ctx, receipt.BlobURL)
	if blobErr != nil {
		slog.Warn("Blob delete failed, removing metadata anyway",
			"receipt_id", receipt.ID,
			"blob_url", receipt.BlobURL,
			"err", blobErr,
		)
	}

	if err := s.store.DeleteReceipt(ctx, receipt.ID); err != nil {
		return DeletionOutcome{ObjectID: receipt.ID, Err: err}
	}

	if blobErr != nil {
		return DeletionOutcome{ObjectID: receipt.ID, Err: blobErr}
	}
	return DeletionOutcome{ObjectID: receipt.ID, Success: true}
}
