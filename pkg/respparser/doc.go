// Package respparser interprets the server's JSON responses into typed
// values and centralizes the single retry-classification rule every HTTP
// caller defers to: raise_error.
package respparser
