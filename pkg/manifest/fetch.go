package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Fetcher retrieves a resource named relative to a manifest's base URL.
// The default implementation supports file://, http:// and https://,
// mirroring the scheme set pkg/loadbalancer accepts for data sources.
type Fetcher interface {
	Fetch(ctx context.Context, relativePath string) ([]byte, error)
}

type urlFetcher struct {
	base   *url.URL
	client *http.Client
}

// NewFetcher builds a Fetcher rooted at baseURL. client is used for http(s)
// requests; a nil client defaults to http.DefaultClient.
func NewFetcher(baseURL string, client *http.Client) (Fetcher, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("manifest: parse base url %q: %w", baseURL, err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &urlFetcher{base: u, client: client}, nil
}

func (f *urlFetcher) Fetch(ctx context.Context, relativePath string) ([]byte, error) {
	ref, err := url.Parse(relativePath)
	if err != nil {
		return nil, fmt.Errorf("manifest: parse relative path %q: %w", relativePath, err)
	}
	target := f.base.ResolveReference(ref)

	if target.Scheme == "file" || target.Scheme == "" {
		return os.ReadFile(target.Path)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("manifest: unsupported scheme %q in %s", target.Scheme, target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: build request for %s: %w", target, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest: fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("manifest: fetch %s: HTTP %d", target, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
