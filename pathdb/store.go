// Package pathdb implements the TTL-indexed segment store (spec §4.2):
// a lazily-expiring mapping from segment identity to segment, queryable
// by endpoint AD tuples.
package pathdb

import (
	"sync"
	"time"

	"github.com/scionproto-go/sciond/pathseg"
)

// DefaultTTL is the default segment lifetime (spec §6: "segment_ttl",
// default 300s).
const DefaultTTL = 300 * time.Second

type entry struct {
	segment    *pathseg.Segment
	firstISD   uint16
	firstAD    uint32
	lastISD    uint16
	lastAD     uint32
	insertedAt time.Time
}

// Store is a single segment class's cache (the daemon holds three: up,
// down, core). Instances must be created with New. A Store is safe for
// concurrent use; a single lock serialises readers and writers (spec
// §5: "each segment store is guarded by one lock").
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[[32]byte]*entry
}

// New creates an empty Store with the given TTL. ttl <= 0 uses DefaultTTL.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[[32]byte]*entry),
	}
}

// Update inserts or refreshes seg under the given endpoint filter
// fields, setting its insertion time to now (spec §4.2: "update").
// Overwriting a same-identity segment preserves identity; only the
// metadata (endpoints, insertion time) is replaced.
func (s *Store) Update(seg *pathseg.Segment, firstISD uint16, firstAD uint32, lastISD uint16, lastAD uint32) {
	key := seg.HopsHash()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{
		segment:    seg,
		firstISD:   firstISD,
		firstAD:    firstAD,
		lastISD:    lastISD,
		lastAD:     lastAD,
		insertedAt: s.now(),
	}
}

// Filter restricts Query to segments matching every populated field.
// A nil pointer field means "don't filter on this".
type Filter struct {
	FirstISD *uint16
	FirstAD  *uint32
	LastISD  *uint16
	LastAD   *uint32
}

// Query returns every non-expired segment matching every populated
// field of f (spec §4.2: "query"). Order is unspecified. Expired
// entries are dropped as a side effect (lazy expiry, spec §4.2).
func (s *Store) Query(f Filter) []*pathseg.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	out := make([]*pathseg.Segment, 0, len(s.entries))
	for _, e := range s.entries {
		if f.FirstISD != nil && e.firstISD != *f.FirstISD {
			continue
		}
		if f.FirstAD != nil && e.firstAD != *f.FirstAD {
			continue
		}
		if f.LastISD != nil && e.lastISD != *f.LastISD {
			continue
		}
		if f.LastAD != nil && e.lastAD != *f.LastAD {
			continue
		}
		out = append(out, e.segment)
	}
	return out
}

// Iterate returns every non-expired segment (spec §4.2: "iterate").
func (s *Store) Iterate() []*pathseg.Segment {
	return s.Query(Filter{})
}

// DeleteAll removes entries by hops-hash identity, returning how many
// were present (spec §4.2: "delete_all").
func (s *Store) DeleteAll(hopsHashes [][32]byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, h := range hopsHashes {
		if _, ok := s.entries[h]; ok {
			delete(s.entries, h)
			count++
		}
	}
	return count
}

// expireLocked drops entries whose insertion time falls outside
// [now-ttl, now]. Callers must hold s.mu.
func (s *Store) expireLocked() {
	cutoff := s.now().Add(-s.ttl)
	for k, e := range s.entries {
		if e.insertedAt.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// Len reports the number of non-expired entries, pruning expired ones
// first just as Query does; used for lightweight "do we have anything
// at all" checks (the daemon's up-segment presence check in its spec
// §4.3 check predicate), since it avoids allocating a slice.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return len(s.entries)
}
