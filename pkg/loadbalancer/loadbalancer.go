package loadbalancer

import "sync"

// LoadBalancer holds an ordered list of mirror roots and a monotonic,
// wrap-around counter shared by every LoadBalancedURL derived from it, so
// that work is spread across mirrors across files rather than per file.
type LoadBalancer struct {
	mu      sync.Mutex
	mirrors []string
	counter int
}

// New creates a LoadBalancer over the given mirror roots. A nil or empty
// slice is legal: Next always returns "", false in that case.
func New(mirrors []string) *LoadBalancer {
	cp := make([]string, len(mirrors))
	copy(cp, mirrors)
	return &LoadBalancer{mirrors: cp}
}

// Next returns the next mirror in round-robin order, or ("", false) if no
// mirrors are configured. For N mirrors, the i-th call (i = 0, 1, 2, …)
// returns mirrors[i mod N].
func (lb *LoadBalancer) Next() (string, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.mirrors) == 0 {
		return "", false
	}
	m := lb.mirrors[lb.counter%len(lb.mirrors)]
	lb.counter++
	return m, true
}

// Len reports the number of configured mirrors.
func (lb *LoadBalancer) Len() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.mirrors)
}
