package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const bucket = "test-bucket"

func testOptions(t *testing.T, handler http.Handler) []option.ClientOption {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return []option.ClientOption{option.WithEndpoint(server.URL), option.WithoutAuthentication()}
}

func TestPutObjectUploadsPayload(t *testing.T) {
	objectName := "raw/hn/2025/06/02/c-001.jsonl"
	payload := []byte(`{"id":"1"}` + "\n")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/b/%s/o", bucket))
		assert.Equal(t, objectName, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(payload))
		assert.Contains(t, string(body), "application/x-ndjson")
		fmt.Fprintln(w, `{"name": "`+objectName+`", "bucket": "`+bucket+`"}`)
	})
	client, err := storage.NewClient(context.Background(), testOptions(t, handler)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: bucket})
	require.NoError(t, err)
	uri, err := store.PutObject(context.Background(), objectName, "application/x-ndjson", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "gs://"+bucket+"/"+objectName, uri)
	require.NoError(t, store.Close())
}

func TestPutObjectError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	client, err := storage.NewClient(context.Background(), testOptions(t, handler)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: bucket})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "obj", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "path is required")
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{Bucket: bucket})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestDialChecksBucket(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/b/"+bucket) {
			fmt.Fprintln(w, `{"name": "`+bucket+`"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error": {"code": 404, "message": "no such bucket"}}`)
	})
	opts := testOptions(t, handler)

	store, err := Dial(context.Background(), Config{Bucket: bucket}, zap.NewNop(), opts...)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Dial(context.Background(), Config{Bucket: "missing"}, zap.NewNop(), opts...)
	require.Error(t, err)

	_, err = Dial(context.Background(), Config{}, nil)
	require.Error(t, err)
}
