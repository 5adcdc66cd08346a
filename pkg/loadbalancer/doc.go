// Package loadbalancer implements round-robin rotation across mirror roots
// for the files a dataset manifest points at, and the load-balanced URL type
// that resolves a relative path against the current mirror.
package loadbalancer
