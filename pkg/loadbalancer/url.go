package loadbalancer

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// URL is a base path plus a reference to a LoadBalancer. Get() produces
// mirror[counter++ mod N] + path when mirrors are configured and the scheme
// is http/https; otherwise it falls back to the direct URL (the scheme must
// then be file://, http://, or https://).
type URL struct {
	directURL string
	path      string
	scheme    string
	balancer  *LoadBalancer
}

// NewURL constructs a load-balanced URL from a base path and a
// LoadBalancer. balancer may be nil, which behaves like an empty
// LoadBalancer. The scheme of directPath must be file://, http://, or
// https://; any other scheme is a construction-time error.
func NewURL(directPath string, balancer *LoadBalancer) (*URL, error) {
	parsed, err := url.Parse(directPath)
	if err != nil {
		return nil, fmt.Errorf("loadbalancer: invalid URL %q: %w", directPath, err)
	}

	switch parsed.Scheme {
	case "file", "http", "https":
	default:
		return nil, fmt.Errorf("loadbalancer: unsupported URL scheme %q in %q", parsed.Scheme, directPath)
	}

	if balancer == nil {
		balancer = New(nil)
	}

	return &URL{
		directURL: directPath,
		path:      parsed.Path,
		scheme:    parsed.Scheme,
		balancer:  balancer,
	}, nil
}

// Get resolves the URL: the direct URL when the scheme is non-HTTP or no
// mirrors are configured, otherwise the next mirror root plus the path.
func (u *URL) Get() string {
	if u.scheme == "file" {
		return u.directURL
	}
	mirror, ok := u.balancer.Next()
	if !ok {
		return u.directURL
	}
	return strings.TrimRight(mirror, "/") + u.path
}

// Join returns a child URL whose path is path.Join(u.path, relative) and
// which shares u's balancer, so mirror rotation stays dataset-wide.
func (u *URL) Join(relative string) *URL {
	return &URL{
		directURL: strings.TrimRight(u.directURL, "/") + "/" + strings.TrimLeft(relative, "/"),
		path:      path.Join(u.path, relative),
		scheme:    u.scheme,
		balancer:  u.balancer,
	}
}

// Balancer returns the LoadBalancer this URL rotates through.
func (u *URL) Balancer() *LoadBalancer {
	return u.balancer
}
