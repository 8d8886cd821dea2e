package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/covaluestore/physical/physicaltest"
)

// mockS3Server emulates the object operations the backend uses.
func mockS3Server() *httptest.Server {
	store := &mockStore{objects: make(map[string][]byte)}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Path format: /bucket/key or /bucket (HeadBucket)
		parts := strings.SplitN(r.URL.Path, "/", 3)
		if len(parts) < 3 || parts[2] == "" {
			w.WriteHeader(http.StatusOK)
			return
		}

		key := parts[2]
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			store.put(key, data)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			data, ok := store.get(key)
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code></Error>`))
				return
			}
			w.Write(data)
		case http.MethodHead:
			if _, ok := store.get(key); !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

type mockStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *mockStore) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

func (m *mockStore) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.objects[key]
	return d, ok
}

func TestConformance(t *testing.T) {
	physicaltest.Run(t, func(t *testing.T) physical.Backend {
		srv := mockS3Server()
		t.Cleanup(srv.Close)

		be, err := NewFactory(context.Background(), map[string]string{
			KeyBucket:          "test-bucket",
			KeyRegion:          "us-east-1",
			KeyEndpoint:        srv.URL,
			KeyForcePathStyle:  "true",
			KeyAccessKeyID:     "test",
			KeySecretAccessKey: "test",
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { be.Close() })
		return be
	})
}

func TestConformanceLive(t *testing.T) {
	bucket := os.Getenv("ARCSYNC_TEST_S3_BUCKET")
	if bucket == "" {
		t.Skip("ARCSYNC_TEST_S3_BUCKET not set")
	}
	physicaltest.Run(t, func(t *testing.T) physical.Backend {
		be, err := NewFactory(context.Background(), map[string]string{
			KeyBucket:   bucket,
			KeyEndpoint: os.Getenv("ARCSYNC_TEST_S3_ENDPOINT"),
			KeyPrefix:   fmt.Sprintf("arcsync-test/%d/%s/", time.Now().UnixNano(), strings.ReplaceAll(t.Name(), "/", "-")),
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { be.Close() })
		return be
	})
}

func TestFactoryRequiresBucket(t *testing.T) {
	if _, err := NewFactory(context.Background(), map[string]string{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
