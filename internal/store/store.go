// Package store is the sqlite-backed metadata layer: receipt records and the
// audit-run log. It provides per-row atomicity; callers do not get and must
// not assume cross-row transactions.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound is returned when a receipt lookup matches no row.
var ErrNotFound = errors.New("receipt not found")

// Error wraps a failure of the metadata store itself. It is fatal for the
// enclosing orchestration step, unlike per-object failures.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("metadata store: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Status is the processing state of a receipt record.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// CleanupType tags what triggered an audit run.
type CleanupType string

const (
	CleanupManual    CleanupType = "manual"
	CleanupAutomatic CleanupType = "automatic"
	CleanupScheduled CleanupType = "scheduled"
)

// Receipt is one tracked object: a remote blob plus local metadata.
type Receipt struct {
	ID            string
	OwnerID       string
	BlobURL       string
	FileName      string
	ContentType   string
	Size          int64
	Status        Status
	CreatedAt     time.Time
	LastValidated *time.Time
}

// AuditRun is the persisted record of one audit execution.
type AuditRun struct {
	ID           string
	OwnerID      string // empty when the run covered all owners
	CleanupType  CleanupType
	StartedAt    time.Time
	CompletedAt  *time.Time
	FilesChecked int
	FilesRemoved int
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at dbPath and applies
// all embedded migrations in lexicographical order.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema applies all SQL files in the embedded migrations directory in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// InsertReceipt stores a new receipt record.
func (s *Store) InsertReceipt(ctx context.Context, r Receipt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO receipts(id, owner_id, blob_url, file_name, content_type, size, status, created_at, last_validated)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.BlobURL, r.FileName, r.ContentType, r.Size, string(r.Status), r.CreatedAt.UTC(), r.LastValidated,
	)
	if err != nil {
		return &Error{Op: "insert receipt", Err: err}
	}
	return nil
}

// ReceiptByID fetches a single receipt scoped to ownerID. The owner scope is
// an authorization boundary: a caller can never reach another owner's record
// through it.
func (s *Store) ReceiptByID(ctx context.Context, ownerID, id string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, blob_url, file_name, content_type, size, status, created_at, last_validated
		 FROM receipts WHERE owner_id = ? AND id = ?`,
		ownerID, id,
	)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &Error{Op: "receipt by id", Err: err}
	}
	return r, nil
}

// ReceiptsByOwner fetches every receipt belonging to ownerID.
func (s *Store) ReceiptsByOwner(ctx context.Context, ownerID string) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, blob_url, file_name, content_type, size, status, created_at, last_validated
		 FROM receipts WHERE owner_id = ? ORDER BY created_at`,
		ownerID,
	)
	if err != nil {
		return nil, &Error{Op: "receipts by owner", Err: err}
	}
	defer rows.Close()

	return collectReceipts(rows, "receipts by owner")
}

// DueForValidation selects completed receipts whose last_validated is null or
// older than cutoff, optionally scoped to one owner (ownerID empty = all).
func (s *Store) DueForValidation(ctx context.Context, ownerID string, cutoff time.Time) ([]Receipt, error) {
	query := `SELECT id, owner_id, blob_url, file_name, content_type, size, status, created_at, last_validated
	 FROM receipts WHERE status = ? AND (last_validated IS NULL OR last_validated < ?)`
	args := []any{string(StatusCompleted), cutoff.UTC()}
	if ownerID != "" {
		query += " AND owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &Error{Op: "select due for validation", Err: err}
	}
	defer rows.Close()

	return collectReceipts(rows, "select due for validation")
}

// MarkValidated advances last_validated for every listed receipt. This runs
// once per batch, immediately after the batch's checks, so a crash mid-run
// never re-checks already-checked objects.
func (s *Store) MarkValidated(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UTC())
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE receipts SET last_validated = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return &Error{Op: "mark validated", Err: err}
	}
	return nil
}

// DeleteReceipt removes a single receipt record by id.
func (s *Store) DeleteReceipt(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM receipts WHERE id = ?`, id)
	if err != nil {
		return &Error{Op: "delete receipt", Err: err}
	}
	return nil
}

// DeleteReceipts removes every listed receipt record and reports how many
// rows were actually deleted.
func (s *Store) DeleteReceipts(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM receipts WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return 0, &Error{Op: "delete receipts", Err: err}
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, &Error{Op: "delete receipts", Err: err}
	}
	return removed, nil
}

// CreateAuditRun inserts the start record for an audit run.
func (s *Store) CreateAuditRun(ctx context.Context, run AuditRun) error {
	owner := sql.NullString{String: run.OwnerID, Valid: run.OwnerID != ""}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_runs(id, owner_id, cleanup_type, started_at, files_checked, files_removed)
		 VALUES(?, ?, ?, ?, 0, 0)`,
		run.ID, owner, string(run.CleanupType), run.StartedAt.UTC(),
	)
	if err != nil {
		return &Error{Op: "create audit run", Err: err}
	}
	return nil
}

// FinalizeAuditRun writes completion time and counters on an audit run.
func (s *Store) FinalizeAuditRun(ctx context.Context, id string, completedAt time.Time, checked, removed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE audit_runs SET completed_at = ?, files_checked = ?, files_removed = ? WHERE id = ?`,
		completedAt.UTC(), checked, removed, id,
	)
	if err != nil {
		return &Error{Op: "finalize audit run", Err: err}
	}
	return nil
}

// AuditRunByID fetches one audit run record.
func (s *Store) AuditRunByID(ctx context.Context, id string) (*AuditRun, error) {
	var (
		run       AuditRun
		owner     sql.NullString
		completed sql.NullTime
		cleanup   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, cleanup_type, started_at, completed_at, files_checked, files_removed
		 FROM audit_runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &owner, &cleanup, &run.StartedAt, &completed, &run.FilesChecked, &run.FilesRemoved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &Error{Op: "audit run by id", Err: err}
	}

	run.OwnerID = owner.String
	run.CleanupType = CleanupType(cleanup)
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		r           Receipt
		contentType sql.NullString
		status      string
		validated   sql.NullTime
	)
	err := row.Scan(&r.ID, &r.OwnerID, &r.BlobURL, &r.FileName, &contentType, &r.Size, &status, &r.CreatedAt, &validated)
	if err != nil {
		return nil, err
	}

	r.ContentType = contentType.String
	r.Status = Status(status)
	if validated.Valid {
		t := validated.Time
		r.LastValidated = &t
	}
	return &r, nil
}

func collectReceipts(rows *sql.Rows, op string) ([]Receipt, error) {
	var receipts []Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, &Error{Op: op, Err: err}
		}
		receipts = append(receipts, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	return receipts, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
