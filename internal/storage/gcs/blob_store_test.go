package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type upload struct {
	path  string
	query map[string]string
	body  string
}

func newTestStore(t *testing.T, status int) (*BlobStore, func() []upload) {
	t.Helper()

	var (
		mu      sync.Mutex
		uploads []upload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		uploads = append(uploads, upload{
			path:  r.URL.Path,
			query: map[string]string{"name": r.URL.Query().Get("name"), "uploadType": r.URL.Query().Get("uploadType")},
			body:  string(body),
		})
		mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"code":403,"message":"denied"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"name":"` + r.URL.Query().Get("name") + `","bucket":"results"}`))
	}))
	t.Cleanup(srv.Close)

	store, err := Dial(context.Background(), Config{Bucket: "results"},
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, func() []upload {
		mu.Lock()
		defer mu.Unlock()
		return append([]upload(nil), uploads...)
	}
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	store, uploads := newTestStore(t, http.StatusOK)
	uri, err := store.PutObject(context.Background(), "/results/sched-1/job-1.json", "application/json",
		strings.NewReader(`{"markdown":"# hi"}`))
	require.NoError(t, err)
	require.Equal(t, "gs://results/results/sched-1/job-1.json", uri)

	got := uploads()
	require.Len(t, got, 1)
	require.Contains(t, got[0].path, "/upload/storage/v1/b/results/o")
	require.Equal(t, "results/sched-1/job-1.json", got[0].query["name"])
	require.Equal(t, "multipart", got[0].query["uploadType"])
	require.Contains(t, got[0].body, `{"markdown":"# hi"}`)
	require.Contains(t, got[0].body, "application/json")
}

func TestPutObjectReportsUploadFailure(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, http.StatusForbidden)
	_, err := store.PutObject(context.Background(), "a.json", "", strings.NewReader("{}"))
	require.ErrorContains(t, err, "close writer")
}

func TestValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "storage client is required")

	store, _ := newTestStore(t, http.StatusOK)
	_, err = New(store.client, Config{})
	require.ErrorContains(t, err, "archive.bucket is required")

	_, err = store.PutObject(context.Background(), "  ", "", strings.NewReader(""))
	require.ErrorContains(t, err, "path is required")
}
