package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lsst-dm/qserv-ingest/pkg/config"
	"github.com/stretchr/testify/require"
)

func testConfig() config.HTTPClientConfig {
	cfg := config.DefaultHTTPClientConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.ReadTimeout = time.Second
	cfg.GETRetryMax = 2
	cfg.GETRetryWaitMin = 10 * time.Millisecond
	return cfg
}

func TestGetInjectsVersionAndAuthKey(t *testing.T) {
	var received map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer srv.Close()

	c, err := NewClientWithAuthKey(testConfig(), "secret-key")
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), srv.URL, nil, true)
	require.NoError(t, err)
	require.True(t, resp["success"].(bool))
	require.Equal(t, "secret-key", received["auth_key"])
	require.NotNil(t, received["version"])
}

func TestGetRetriesOn503(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer srv.Close()

	c, err := NewClientWithAuthKey(testConfig(), "k")
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), srv.URL, nil, false)
	require.NoError(t, err)
	require.True(t, resp["success"].(bool))
	require.GreaterOrEqual(t, attempts, 3)
}

func TestGetFatalOnApplicationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "bad request",
		})
	}))
	defer srv.Close()

	c, err := NewClientWithAuthKey(testConfig(), "k")
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL, nil, false)
	require.Error(t, err)
}

func TestPostNoReadTimeoutAllowsSlowResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ReadTimeout = 10 * time.Millisecond
	c, err := NewClientWithAuthKey(cfg, "k")
	require.NoError(t, err)

	resp, err := c.Post(context.Background(), srv.URL, nil, false, true)
	require.NoError(t, err)
	require.True(t, resp["success"].(bool))
}

func TestPut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer srv.Close()

	c, err := NewClientWithAuthKey(testConfig(), "k")
	require.NoError(t, err)

	_, err = c.Put(context.Background(), srv.URL, nil, true, false)
	require.NoError(t, err)
}

func TestIsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClientWithAuthKey(testConfig(), "k")
	require.NoError(t, err)

	require.False(t, c.IsReachable("127.0.0.1", 1))
}
