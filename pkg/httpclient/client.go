package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/lsst-dm/qserv-ingest/pkg/config"
	"github.com/lsst-dm/qserv-ingest/pkg/ingerr"
	"github.com/lsst-dm/qserv-ingest/pkg/log"
	"github.com/lsst-dm/qserv-ingest/pkg/metrics"
	"github.com/lsst-dm/qserv-ingest/pkg/respparser"
)

var retryableStatusCodes = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// Client is the sole path by which the orchestrator talks to the server.
// It is stateless beyond the retry session and the cached auth key.
type Client struct {
	cfg                    config.HTTPClientConfig
	authKey                string
	get                    *retryablehttp.Client
	writeClientWithTimeout *http.Client
	writeClientNoTimeout   *http.Client
}

// NewClient builds a Client, resolving the auth key via cfg.AuthKeyPath
// (falling back to an interactive prompt).
func NewClient(cfg config.HTTPClientConfig) (*Client, error) {
	authKey, err := ReadAuthKey(cfg.AuthKeyPath)
	if err != nil {
		return nil, fmt.Errorf("httpclient: %w", err)
	}
	return NewClientWithAuthKey(cfg, authKey)
}

// NewClientWithAuthKey builds a Client with an already-resolved auth key,
// bypassing the credentials file and interactive prompt. Used by tests and
// by callers that source the key from elsewhere (e.g. a secrets manager).
func NewClientWithAuthKey(cfg config.HTTPClientConfig, authKey string) (*Client, error) {
	if cfg.ConnectTimeout == 0 {
		cfg = config.DefaultHTTPClientConfig()
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{DialContext: dialer.DialContext}

	get := retryablehttp.NewClient()
	get.RetryMax = cfg.GETRetryMax
	get.RetryWaitMin = cfg.GETRetryWaitMin
	get.RetryWaitMax = cfg.GETRetryWaitMin * (1 << cfg.GETRetryMax)
	get.HTTPClient.Transport = transport
	get.Logger = nil
	get.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		if resp != nil && retryableStatusCodes[resp.StatusCode] {
			return true, nil
		}
		return false, nil
	}

	return &Client{
		cfg:     cfg,
		authKey: authKey,
		get:     get,
		writeClientWithTimeout: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		writeClientNoTimeout: &http.Client{
			Transport: transport,
		},
	}, nil
}

func (c *Client) envelope(payload respparser.JSON, authenticated bool) respparser.JSON {
	if payload == nil {
		payload = respparser.JSON{}
	}
	out := make(respparser.JSON, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["version"] = config.ProtocolVersion
	if authenticated {
		out["auth_key"] = c.authKey
	}
	return out
}

// Get performs a GET with automatic retry (up to 5 retries, exponential backoff
// starting at 0.2s) on {429, 500, 502, 503, 504}.
func (c *Client) Get(ctx context.Context, url string, payload respparser.JSON, authenticated bool) (respparser.JSON, error) {
	body, err := json.Marshal(c.envelope(payload, authenticated))
	if err != nil {
		return nil, fmt.Errorf("httpclient: encode GET payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpclient: build GET request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	timer := metrics.NewTimer()
	resp, err := c.get.Do(req)
	timer.ObserveDurationVec(metrics.HTTPRequestDuration, "GET")
	if err != nil {
		return nil, &ingerr.RetryableTransportError{Op: "GET", URL: url, Err: err}
	}
	defer resp.Body.Close()

	metrics.HTTPRequestsTotal.WithLabelValues("GET", statusLabel(resp.StatusCode)).Inc()
	return decodeAndClassify("GET", url, resp)
}

// Post performs a POST with no automatic retry. A connect timeout is
// always enforced; the read timeout is skipped when noReadTimeout is set,
// for long server-side operations (publish, close-transaction, statistics).
func (c *Client) Post(ctx context.Context, url string, payload respparser.JSON, authenticated, noReadTimeout bool) (respparser.JSON, error) {
	return c.write(ctx, http.MethodPost, url, payload, authenticated, noReadTimeout)
}

// Put is analogous to Post, for state-changing idempotent operations
// (publish, close/abort transaction, configure database).
func (c *Client) Put(ctx context.Context, url string, payload respparser.JSON, authenticated, noReadTimeout bool) (respparser.JSON, error) {
	return c.write(ctx, http.MethodPut, url, payload, authenticated, noReadTimeout)
}

// Delete performs a DELETE. Only used to delete database configs.
func (c *Client) Delete(ctx context.Context, url string, authenticated bool) (respparser.JSON, error) {
	return c.write(ctx, http.MethodDelete, url, nil, authenticated, false)
}

// PostRetry wraps Post in an application-level retry (up to 3 tries) for
// connect-timeout failures only; any other error is returned immediately.
func (c *Client) PostRetry(ctx context.Context, url string, payload respparser.JSON, authenticated, noReadTimeout bool) (respparser.JSON, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := c.Post(ctx, url, payload, authenticated, noReadTimeout)
		if err == nil {
			return resp, nil
		}
		if !isConnectTimeout(err) {
			return nil, err
		}
		lastErr = err
		log.Logger.Debug().Int("attempt", attempt+1).Str("url", url).Msg("retrying POST after connect timeout")
	}
	return nil, lastErr
}

func (c *Client) write(ctx context.Context, method, url string, payload respparser.JSON, authenticated, noReadTimeout bool) (respparser.JSON, error) {
	body, err := json.Marshal(c.envelope(payload, authenticated))
	if err != nil {
		return nil, fmt.Errorf("httpclient: encode %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpclient: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.writeClientWithTimeout
	if noReadTimeout {
		httpClient = c.writeClientNoTimeout
	}

	timer := metrics.NewTimer()
	resp, err := httpClient.Do(req)
	timer.ObserveDurationVec(metrics.HTTPRequestDuration, method)
	if err != nil {
		if isConnectTimeout(err) {
			return nil, &ingerr.RetryableTransportError{Op: method, URL: url, Err: err}
		}
		return nil, fmt.Errorf("httpclient: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	metrics.HTTPRequestsTotal.WithLabelValues(method, statusLabel(resp.StatusCode)).Inc()
	return decodeAndClassify(method, url, resp)
}

func decodeAndClassify(op, url string, resp *http.Response) (respparser.JSON, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &ingerr.RetryableTransportError{
			Op:  op,
			URL: url,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(b)),
		}
	}

	var parsed respparser.JSON
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("httpclient: decode %s %s response: %w", op, url, err)
	}

	if _, err := respparser.RaiseError(parsed, -1, -1); err != nil {
		return nil, err
	}
	return parsed, nil
}

// IsReachable performs a HEAD request against host:port; connection errors
// are caught and reported as unreachable.
func (c *Client) IsReachable(host string, port int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/meta/version", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.writeClientWithTimeout.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return true
}

func isConnectTimeout(err error) bool {
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok {
		return netErr.Timeout()
	}
	return false
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func statusLabel(code int) string {
	return fmt.Sprintf("%d", code)
}
