package metrics

import "sync"

// Counter names. Kept as plain strings; a follow-up can export them
// via Prometheus/OTel if the deployment needs scraping.
const (
	AuthFailure       = "auth_failure"
	ConnectThrottled  = "connect_throttled"
	SessionEvicted    = "session_evicted"
	RelayMalformed    = "relay_malformed"
	RelayUnroutable   = "relay_unroutable"
	RelayForwardError = "relay_forward_error"
	PresencePushError = "presence_push_error"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies the counters for read-only exposure.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
