package receipts_test

import (
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"kvitto/internal/auth"
	"kvitto/internal/blob"
	"kvitto/internal/receipts"
	"kvitto/internal/store"

	"github.com/stretchr/testify/require"
)

// fakeRemote is a blob-store stand-in: it records PUT object names and
// answers DELETE with a per-object status.
type fakeRemote struct {
	mu           sync.Mutex
	putNames     []string
	deleteStatus map[string]int // object name -> status, default 202
	deletedNames []string
}

func (f *fakeRemote) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)

		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			f.putNames = append(f.putNames, name)
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			f.deletedNames = append(f.deletedNames, name)
			status := f.deleteStatus[name]
			if status == 0 {
				status = http.StatusAccepted
			}
			w.WriteHeader(status)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func newTestService(t *testing.T, remote *fakeRemote) (*receipts.Service, *store.Store) {
	t.Helper()

	srv := httptest.NewServer(remote.handler())
	t.Cleanup(srv.Close)

	dbPath := filepath.Join(t.TempDir(), "metadata.sqlite")
	st, err := store.Open(t.Context(), dbPath)
	require.NoError(t, err, "Open error")
	t.Cleanup(func() { _ = st.Close() })

	cfg := auth.ConnectionConfig{
		AccountName:    "acct",
		AccountKey:     []byte("0123456789abcdef0123456789abcdef"),
		EndpointSuffix: "core.windows.net",
	}
	client := blob.NewClient(cfg, blob.WithEndpoint(srv.URL))

	return receipts.NewService(client, st, "receipts"), st
}

func TestUploadStoresBlobAndMetadata(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	svc, st := newTestService(t, remote)

	result, err := svc.Upload(t.Context(), receipts.UploadInput{
		Data:     []byte("%PDF-1.4 receipt"),
		FileName: "lunch.pdf",
		MimeType: "application/pdf",
		OwnerID:  "u1",
	})
	require.NoError(t, err, "Upload error")
	require.NotEmpty(t, result.ID, "receipt id assigned")
	require.NotEmpty(t, result.BlobURL, "blob URL returned")

	got, err := st.ReceiptByID(t.Context(), "u1", result.ID)
	require.NoError(t, err, "ReceiptByID error")
	require.Equal(t, result.BlobURL, got.BlobURL, "metadata blob URL")
	require.Equal(t, store.StatusCompleted, got.Status, "status")
	require.Equal(t, int64(16), got.Size, "size")
	require.Nil(t, got.LastValidated, "never validated yet")

	require.Len(t, remote.putNames, 1, "one PUT issued")
	require.True(t, strings.HasSuffix(remote.putNames[0], ".pdf"), "object name carries the MIME extension, got %q", remote.putNames[0])
}

func TestUploadExtensionFollowsMimeType(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	svc, _ := newTestService(t, remote)

	tests := []struct {
		name     string
		mime     string
		fileName string
		wantExt  string
	}{
		{name: "mime wins over file name", mime: "image/jpeg", fileName: "scan.png", wantExt: ".jpg"},
		{name: "png", mime: "image/png", fileName: "scan.png", wantExt: ".png"},
		{name: "unknown mime falls back to file name", mime: "application/x-unknown", fileName: "scan.tif", wantExt: ".tif"},
		{name: "nothing known falls back to bin", mime: "", fileName: "receipt", wantExt: ".bin"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Upload(t.Context(), receipts.UploadInput{
				Data:     []byte("x"),
				FileName: tc.fileName,
				MimeType: tc.mime,
				OwnerID:  "u1",
			})
			require.NoError(t, err, "Upload error")

			remote.mu.Lock()
			last := remote.putNames[len(remote.putNames)-1]
			remote.mu.Unlock()
			require.Truef(t, strings.HasSuffix(last, tc.wantExt), "object name %q should end in %s", last, tc.wantExt)
		})
	}
}

func TestUploadNamesAreUnique(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	svc, _ := newTestService(t, remote)

	for range 5 {
		_, err := svc.Upload(t.Context(), receipts.UploadInput{
			Data:     []byte("same payload"),
			FileName: "same.pdf",
			MimeType: "application/pdf",
			OwnerID:  "u1",
		})
		require.NoError(t, err, "Upload error")
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	seen := map[string]bool{}
	for _, name := range remote.putNames {
		require.Falsef(t, seen[name], "object name %q reused", name)
		seen[name] = true
	}
}

func TestUploadFailureLeavesNoMetadata(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("authentication failed"))
	}))
	t.Cleanup(srv.Close)

	dbPath := filepath.Join(t.TempDir(), "metadata.sqlite")
	st, err := store.Open(t.Context(), dbPath)
	require.NoError(t, err, "Open error")
	t.Cleanup(func() { _ = st.Close() })

	cfg := auth.ConnectionConfig{AccountName: "acct", AccountKey: []byte("0123456789abcdef")}
	svc := receipts.NewService(blob.NewClient(cfg, blob.WithEndpoint(srv.URL)), st, "receipts")

	_, err = svc.Upload(t.Context(), receipts.UploadInput{
		Data:     []byte("x"),
		FileName: "r.pdf",
		MimeType: "application/pdf",
		OwnerID:  "u1",
	})
	require.Error(t, err, "expected upload failure")

	var remote *blob.RemoteError
	require.ErrorAs(t, err, &remote, "failure carries the response detail")
	require.Contains(t, remote.Detail, "authentication failed", "response body surfaced")

	list, err := st.ReceiptsByOwner(t.Context(), "u1")
	require.NoError(t, err, "ReceiptsByOwner error")
	require.Empty(t, list, "no metadata row for a failed upload")
}

func seedReceipt(t *testing.T, st *store.Store, id, owner, blobURL string) {
	t.Helper()

	err := st.InsertReceipt(t.Context(), store.Receipt{
		ID:        id,
		OwnerID:   owner,
		BlobURL:   blobURL,
		FileName:  id + ".pdf",
		Size:      1,
		Status:    store.StatusCompleted,
		CreatedAt: time.Now().UTC(),
	})
	require.NoErrorf(t, err, "InsertReceipt %s error", id)
}

func TestDeleteOneRemovesBlobAndMetadata(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	srv := httptest.NewServer(remote.handler())
	t.Cleanup(srv.Close)

	dbPath := filepath.Join(t.TempDir(), "metadata.sqlite")
	st, err := store.Open(t.Context(), dbPath)
	require.NoError(t, err, "Open error")
	t.Cleanup(func() { _ = st.Close() })

	cfg := auth.ConnectionConfig{AccountName: "acct", AccountKey: []byte("0123456789abcdef")}
	svc := receipts.NewService(blob.NewClient(cfg, blob.WithEndpoint(srv.URL)), st, "receipts")

	seedReceipt(t, st, "r1", "u1", srv.URL+"/receipts/r1.pdf")

	report, err := svc.DeleteOne(t.Context(), "u1", "r1")
	require.NoError(t, err, "DeleteOne error")
	require.Equal(t, 1, report.SuccessCount, "success count")
	require.Zero(t, report.FailureCount, "failure count")

	_, err = st.ReceiptByID(t.Context(), "u1", "r1")
	require.ErrorIs(t, err, store.ErrNotFound, "metadata removed")
	require.Equal(t, []string{"r1.pdf"}, remote.deletedNames, "blob delete issued")
}

func TestDeleteOneRefusesForeignOwner(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	svc, st := newTestService(t, remote)
	seedReceipt(t, st, "r1", "u1", "https://acct.blob.core.windows.net/receipts/r1.pdf")

	_, err := svc.DeleteOne(t.Context(), "u2", "r1")
	require.ErrorIs(t, err, store.ErrNotFound, "cross-owner delete must be refused")

	_, err = st.ReceiptByID(t.Context(), "u1", "r1")
	require.NoError(t, err, "record untouched")
	require.Empty(t, remote.deletedNames, "no blob delete issued")
}

func TestDeleteOneMetadataFirstOnBlobFailure(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{deleteStatus: map[string]int{"r1.pdf": http.StatusInternalServerError}}
	srv := httptest.NewServer(remote.handler())
	t.Cleanup(srv.Close)

	dbPath := filepath.Join(t.TempDir(), "metadata.sqlite")
	st, err := store.Open(t.Context(), dbPath)
	require.NoError(t, err, "Open error")
	t.Cleanup(func() { _ = st.Close() })

	cfg := auth.ConnectionConfig{AccountName: "acct", AccountKey: []byte("0123456789abcdef")}
	svc := receipts.NewService(blob.NewClient(cfg, blob.WithEndpoint(srv.URL)), st, "receipts")

	seedReceipt(t, st, "r1", "u1", srv.URL+"/receipts/r1.pdf")

	report, err := svc.DeleteOne(t.Context(), "u1", "r1")
	require.NoError(t, err, "DeleteOne error")
	require.Equal(t, 1, report.FailureCount, "failed blob delete reported")
	require.Len(t, report.Outcomes, 1, "one outcome")
	require.False(t, report.Outcomes[0].Success, "outcome failure")
	require.Error(t, report.Outcomes[0].Err, "underlying error attached")

	// The metadata row must not outlive the user-visible deletion.
	_, err = st.ReceiptByID(t.Context(), "u1", "r1")
	require.ErrorIs(t, err, store.ErrNotFound, "metadata removed despite blob failure")
}

func TestDeleteAllAggregatesPartialFailure(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{deleteStatus: map[string]int{
		"r1.pdf": http.StatusNotFound, // already absent: success by idempotency
		"r2.pdf": http.StatusInternalServerError,
		"r3.pdf": http.StatusAccepted,
	}}
	srv := httptest.NewServer(remote.handler())
	t.Cleanup(srv.Close)

	dbPath := filepath.Join(t.TempDir(), "metadata.sqlite")
	st, err := store.Open(t.Context(), dbPath)
	require.NoError(t, err, "Open error")
	t.Cleanup(func() { _ = st.Close() })

	cfg := auth.ConnectionConfig{AccountName: "acct", AccountKey: []byte("0123456789abcdef")}
	svc := receipts.NewService(blob.NewClient(cfg, blob.WithEndpoint(srv.URL)), st, "receipts")

	for _, id := range []string{"r1", "r2", "r3"} {
		seedReceipt(t, st, id, "u1", srv.URL+"/receipts/"+id+".pdf")
	}
	seedReceipt(t, st, "other", "u2", srv.URL+"/receipts/other.pdf")

	report, err := svc.DeleteAll(t.Context(), "u1")
	require.NoError(t, err, "DeleteAll error")
	require.Equal(t, 2, report.SuccessCount, "404 and 2xx both count as success")
	require.Equal(t, 1, report.FailureCount, "500 counts as failure")
	require.Len(t, report.Outcomes, 3, "one outcome per record")

	// All three metadata rows are gone regardless of blob-delete outcome.
	list, err := st.ReceiptsByOwner(t.Context(), "u1")
	require.NoError(t, err, "ReceiptsByOwner error")
	require.Empty(t, list, "all owner rows removed")

	// The other owner's record is untouched.
	_, err = st.ReceiptByID(t.Context(), "u2", "other")
	require.NoError(t, err, "other owner's record intact")
}
