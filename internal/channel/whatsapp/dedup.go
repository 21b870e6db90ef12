package whatsapp

import (
	"sync"
	"time"
)

// sentTTL bounds how long a sent-message record lives waiting for its echo.
const sentTTL = 10 * time.Minute

// sentRecords tracks ids of our own outbound sends so their inbound echoes
// can be suppressed. Entries are swept lazily at the start of each batch;
// this is best-effort dedup, not a precise expiry mechanism.
type sentRecords struct {
	mu  sync.Mutex
	ttl time.Duration
	ids map[string]time.Time

	// now is replaceable in tests.
	now func() time.Time
}

func newSentRecords(ttl time.Duration) *sentRecords {
	if ttl <= 0 {
		ttl = sentTTL
	}
	return &sentRecords{
		ttl: ttl,
		ids: make(map[string]time.Time),
		now: time.Now,
	}
}

// record inserts an entry for a just-sent message id.
func (s *sentRecords) record(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.ids[id] = s.now()
	s.mu.Unlock()
}

// consume reports whether id has a live record and deletes it if so.
// Single-consumption: a matched entry is removed, not just aged out.
func (s *sentRecords) consume(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.ids[id]
	if !ok {
		return false
	}
	delete(s.ids, id)
	if s.now().Sub(ts) > s.ttl {
		return false
	}
	return true
}

// sweep purges entries older than the TTL. Called before each batch pass.
func (s *sentRecords) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	for id, ts := range s.ids {
		if ts.Before(cutoff) {
			delete(s.ids, id)
		}
	}
}

// len returns the number of live records.
func (s *sentRecords) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
