package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ledger/backend/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3ObjectStorage_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("nil config returns error", func(t *testing.T) {
		_, err := NewS3ObjectStorage(ctx, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration is required")
	})

	t.Run("missing bucket returns error", func(t *testing.T) {
		_, err := NewS3ObjectStorage(ctx, &config.StorageConfig{AccessKeyID: "k", SecretAccessKey: "s"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket is required")
	})

	t.Run("half a key pair returns error", func(t *testing.T) {
		_, err := NewS3ObjectStorage(ctx, &config.StorageConfig{Bucket: "b", AccessKeyID: "k"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "set together")
	})

	t.Run("valid config applies defaults", func(t *testing.T) {
		s, err := NewS3ObjectStorage(ctx, &config.StorageConfig{
			Bucket:          "statements",
			AccessKeyID:     "k",
			SecretAccessKey: "s",
			Endpoint:        "localhost:9000",
			UsePathStyle:    true,
		})
		require.NoError(t, err)
		assert.Equal(t, "statements", s.Bucket())
		assert.Equal(t, DefaultPresignExpiry, s.presignExpiry)
	})
}

func TestS3ObjectStorage_GenerateDownloadURL(t *testing.T) {
	s, err := NewS3ObjectStorage(context.Background(), &config.StorageConfig{
		Bucket:          "statements",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		Endpoint:        "http://localhost:9000",
		UsePathStyle:    true,
		PresignExpiry:   time.Hour,
	})
	require.NoError(t, err)

	u, expiresAt, err := s.GenerateDownloadURL(context.Background(), "statements/acct-1/start_now.csv", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://localhost:9000/statements/statements/acct-1/start_now.csv?"), u)
	assert.Contains(t, u, "X-Amz-Signature=")
	assert.Contains(t, u, "X-Amz-Expires=3600")
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	_, _, err = s.GenerateDownloadURL(context.Background(), "", 0)
	assert.Error(t, err)
}

// fakeS3 accepts path-style PUT and HEAD requests
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = string(body)
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3ObjectStorage_UploadAgainstFakeServer(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := NewS3ObjectStorage(context.Background(), &config.StorageConfig{
		Bucket:          "statements",
		AccessKeyID:     "k",
		SecretAccessKey: "s",
		Endpoint:        srv.URL,
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.EnsureBucket(ctx))
	require.NoError(t, s.Upload(ctx, "acct-1/s.csv", []byte("a,b\n1,2\n"), "text/csv"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "a,b\n1,2\n", fake.objects["/statements/acct-1/s.csv"])
	assert.Equal(t, "text/csv", fake.types["/statements/acct-1/s.csv"])

	assert.Error(t, s.Upload(ctx, "", nil, "text/csv"))
}

func TestMemoryObjectStorage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryObjectStorage()

	_, _, err := s.GenerateDownloadURL(ctx, "missing", 0)
	assert.Error(t, err)

	data := []byte("x")
	require.NoError(t, s.Upload(ctx, "k.csv", data, "text/csv"))
	data[0] = 'y'

	obj, ok := s.Get("k.csv")
	require.True(t, ok)
	assert.Equal(t, "x", string(obj.Data))
	assert.Equal(t, "text/csv", obj.ContentType)

	u, expiresAt, err := s.GenerateDownloadURL(ctx, "k.csv", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://localhost/statements/k.csv?expires="))
	assert.True(t, expiresAt.After(time.Now()))

	assert.Error(t, s.Upload(ctx, "", nil, ""))
}
