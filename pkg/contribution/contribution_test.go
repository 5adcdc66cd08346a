package contribution

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lsst-dm/qserv-ingest/pkg/config"
	"github.com/lsst-dm/qserv-ingest/pkg/httpclient"
	"github.com/lsst-dm/qserv-ingest/pkg/ingerr"
	"github.com/lsst-dm/qserv-ingest/pkg/loadbalancer"
	"github.com/lsst-dm/qserv-ingest/pkg/manifest"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *httpclient.Client {
	t.Helper()
	cfg := config.DefaultHTTPClientConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.ReadTimeout = time.Second
	c, err := httpclient.NewClientWithAuthKey(cfg, "k")
	require.NoError(t, err)
	return c
}

func testSpec() manifest.ContributionSpec {
	return manifest.ContributionSpec{
		Database:  "dp01",
		Table:     "Object",
		ChunkID:   123,
		FilePath:  "object/chunk_123.txt",
		IsOverlap: 0,
	}
}

func fileURL(t *testing.T) *loadbalancer.URL {
	t.Helper()
	u, err := loadbalancer.NewURL("file:///data/object/chunk_123.txt", nil)
	require.NoError(t, err)
	return u
}

func TestStartAsyncSetsRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, float64(7), body["transaction_id"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"contrib": map[string]interface{}{"id": float64(42)},
		})
	}))
	defer srv.Close()

	client := testClient(t)
	host, port := splitHostPort(t, srv)
	c := New(client, testSpec(), host, port, fileURL(t), nil, "utf8")

	require.False(t, c.Pending())
	require.NoError(t, c.StartAsync(context.Background(), 7))
	require.True(t, c.Pending())
}

func TestMonitorInProgressKeepsPending(t *testing.T) {
	started := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			started = true
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"contrib": map[string]interface{}{"id": float64(1)},
			})
			return
		}
		require.True(t, started)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":       true,
			"status":        "IN_PROGRESS",
			"error":         "",
			"system_error":  "",
			"http_error":    "",
			"retry_allowed": false,
		})
	}))
	defer srv.Close()

	client := testClient(t)
	host, port := splitHostPort(t, srv)
	c := New(client, testSpec(), host, port, fileURL(t), nil, "utf8")
	require.NoError(t, c.StartAsync(context.Background(), 1))

	finished, err := c.Monitor(context.Background())
	require.NoError(t, err)
	require.False(t, finished)
	require.False(t, c.Finished())
	require.True(t, c.Pending())
}

func TestMonitorFinished(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"contrib": map[string]interface{}{"id": float64(1)},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":       true,
			"status":        "FINISHED",
			"error":         "",
			"system_error":  "",
			"http_error":    "",
			"retry_allowed": false,
		})
	}))
	defer srv.Close()

	client := testClient(t)
	host, port := splitHostPort(t, srv)
	c := New(client, testSpec(), host, port, fileURL(t), nil, "utf8")
	require.NoError(t, c.StartAsync(context.Background(), 1))

	finished, err := c.Monitor(context.Background())
	require.NoError(t, err)
	require.True(t, finished)
	require.True(t, c.Finished())
}

func TestMonitorCancelledIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"contrib": map[string]interface{}{"id": float64(1)},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":       true,
			"status":        "CANCELLED",
			"error":         "cancelled by admin",
			"system_error":  "",
			"http_error":    "",
			"retry_allowed": false,
		})
	}))
	defer srv.Close()

	client := testClient(t)
	host, port := splitHostPort(t, srv)
	c := New(client, testSpec(), host, port, fileURL(t), nil, "utf8")
	require.NoError(t, c.StartAsync(context.Background(), 1))

	_, err := c.Monitor(context.Background())
	require.Error(t, err)
	require.True(t, ingerr.IsFatalApplication(err))
}

func TestMonitorUnmanagedStatusIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"contrib": map[string]interface{}{"id": float64(1)},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":       true,
			"status":        "SOMETHING_NEW",
			"error":         "",
			"system_error":  "",
			"http_error":    "",
			"retry_allowed": false,
		})
	}))
	defer srv.Close()

	client := testClient(t)
	host, port := splitHostPort(t, srv)
	c := New(client, testSpec(), host, port, fileURL(t), nil, "utf8")
	require.NoError(t, c.StartAsync(context.Background(), 1))

	_, err := c.Monitor(context.Background())
	require.Error(t, err)
	require.True(t, ingerr.IsFatalApplication(err))
}

func TestMonitorLoadFailureRetriesThenGivesUp(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts++
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"contrib": map[string]interface{}{"id": float64(posts)},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":       true,
			"status":        "LOAD_FAILED",
			"error":         "transient load error",
			"system_error":  "",
			"http_error":    "",
			"retry_allowed": true,
		})
	}))
	defer srv.Close()

	client := testClient(t)
	host, port := splitHostPort(t, srv)
	c := New(client, testSpec(), host, port, fileURL(t), nil, "utf8")

	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		require.NoError(t, c.StartAsync(context.Background(), 1))
		finished, err := c.Monitor(context.Background())
		require.NoError(t, err)
		require.False(t, finished)
		require.False(t, c.Pending()) // cleared for resubmission
	}

	require.NoError(t, c.StartAsync(context.Background(), 1))
	_, err := c.Monitor(context.Background())
	require.Error(t, err)
	require.True(t, ingerr.IsFatalApplication(err))
	require.Equal(t, maxRetryAttempts+1, posts)
}

func TestMonitorLoadFailureNotRetryAllowedIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"contrib": map[string]interface{}{"id": float64(1)},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":       true,
			"status":        "READ_FAILED",
			"error":         "bad csv",
			"system_error":  "",
			"http_error":    "",
			"retry_allowed": false,
		})
	}))
	defer srv.Close()

	client := testClient(t)
	host, port := splitHostPort(t, srv)
	c := New(client, testSpec(), host, port, fileURL(t), nil, "utf8")
	require.NoError(t, c.StartAsync(context.Background(), 1))

	_, err := c.Monitor(context.Background())
	require.Error(t, err)
	require.True(t, ingerr.IsFatalApplication(err))
}

func TestFormatForResolvesByExtension(t *testing.T) {
	formats := map[string]manifest.FileFormat{
		"csv": {ColumnSeparator: ","},
		"txt": {ColumnSeparator: "\t"},
	}
	spec := testSpec()
	spec.FilePath = "object/chunk_123.csv"

	c := New(testClient(t), spec, "worker", 25004, fileURL(t), formats, "utf8")
	require.Equal(t, ",", c.format.ColumnSeparator)
}

func splitHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	var host string
	var port int
	_, err := fmt.Sscanf(srv.Listener.Addr().String(), "127.0.0.1:%d", &port)
	if err != nil {
		_, err = fmt.Sscanf(srv.Listener.Addr().String(), "[::]:%d", &port)
		require.NoError(t, err)
	}
	host = "127.0.0.1"
	return host, port
}
