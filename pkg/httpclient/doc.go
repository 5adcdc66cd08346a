// Package httpclient is the only thing in this module that talks HTTP to
// the server. It owns the credentials file, the version/auth_key envelope
// every request carries, and the retry/timeout policy split between GET
// (transparently retried on 5xx/429 via go-retryablehttp), POST/PUT/DELETE
// (not retried, fixed connect timeout, optional read timeout), and
// POST_RETRY (POST wrapped in a 3-attempt connect-timeout retry).
package httpclient
