// Package receipts exposes the user-facing lifecycle operations: uploading a
// receipt into the blob store and deleting receipts one at a time or per
// owner.
package receipts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"kvitto/internal/blob"
	"kvitto/internal/store"

	"github.com/google/uuid"
)

// Service runs uploads and deletions against the blob store and the metadata
// store. Safe for concurrent use.
type Service struct {
	blobs     *blob.Client
	store     *store.Store
	container string
	now       func() time.Time
}

// NewService creates a Service storing blobs in the given container.
func NewService(blobs *blob.Client, st *store.Store, container string) *Service {
	return &Service{
		blobs:     blobs,
		store:     st,
		container: container,
		now:       time.Now,
	}
}

// UploadInput describes one receipt to store.
type UploadInput struct {
	Data     []byte
	FileName string
	MimeType string
	OwnerID  string
}

// UploadResult reports a stored receipt.
type UploadResult struct {
	ID      string
	BlobURL string
}

// Upload stores the payload as a block blob under a deterministic, unique
// object name and records the receipt metadata. The blob is uploaded first;
// the metadata row is only written once the upload succeeded.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if in.OwnerID == "" {
		return nil, fmt.Errorf("upload: owner id must not be empty")
	}
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("upload: empty payload")
	}

	name := s.objectName(in)

	ref, err := s.blobs.Put(ctx, s.container, name, in.Data, in.MimeType)
	if err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}

	receipt := store.Receipt{
		ID:          uuid.NewString(),
		OwnerID:     in.OwnerID,
		BlobURL:     ref.URL,
		FileName:    in.FileName,
		ContentType: in.MimeType,
		Size:        int64(len(in.Data)),
		Status:      store.StatusCompleted,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.InsertReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("record uploaded receipt: %w", err)
	}

	slog.Info("Receipt uploaded",
		"receipt_id", receipt.ID,
		"owner", in.OwnerID,
		"object", name,
		"size", receipt.Size,
	)

	return &UploadResult{ID: receipt.ID, BlobURL: ref.URL}, nil
}

// objectName builds a unique object name: a nanosecond UTC timestamp plus a
// random token, with the extension derived from the actual MIME type. The
// token closes the collision window between concurrent uploads from the same
// owner that a timestamp alone leaves open.
func (s *Service) objectName(in UploadInput) string {
	stamp := s.now().UTC().Format("20060102T150405.000000000")
	token := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return stamp + "-" + token + extensionFor(in.MimeType, in.FileName)
}

// mimeExtensions maps the payload types the application accepts to their
// canonical extensions.
var mimeExtensions = map[string]string{
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/tiff":      ".tiff",
	"image/heic":      ".heic",
}

// extensionFor resolves the stored object's extension from the MIME type,
// falling back to the uploaded file name and finally to a generic binary
// extension.
func extensionFor(mimeType, fileName string) string {
	if ext, ok := mimeExtensions[strings.ToLower(strings.TrimSpace(mimeType))]; ok {
		return ext
	}
	if ext := strings.ToLower(filepath.Ext(fileName)); ext != "" {
		return ext
	}
	return ".bin"
}
