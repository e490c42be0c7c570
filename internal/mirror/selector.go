package mirror

import (
	"sort"
	"sync"
	"time"

	"github.com/ralt/syzygia/internal/models"
)

// latencyWeight is the weight of the newest sample in the rolling average
const latencyWeight = 0.3

// Stats is the process-lifetime health record of one mirror
type Stats struct {
	Successes  int
	Failures   int
	AvgLatency time.Duration
}

// SuccessRate is the fraction of successful attempts. A mirror that was
// never tried is assumed healthy.
func (s Stats) SuccessRate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 1
	}
	return float64(s.Successes) / float64(total)
}

// Selector ranks mirrors by observed health. It is safe for concurrent use.
type Selector struct {
	mu    sync.Mutex
	stats map[string]*Stats
}

// NewSelector creates a selector with no history
func NewSelector() *Selector {
	return &Selector{stats: make(map[string]*Stats)}
}

// Rank orders mirrors by descending success rate, then ascending rolling
// latency, then their configured position. Without history the configured
// order is kept.
func (s *Selector) Rank(mirrors []models.Mirror) []models.Mirror {
	s.mu.Lock()
	snapshot := make([]Stats, len(mirrors))
	for i, m := range mirrors {
		if st, ok := s.stats[m.URL]; ok {
			snapshot[i] = *st
		}
	}
	s.mu.Unlock()

	order := make([]int, len(mirrors))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := snapshot[order[a]], snapshot[order[b]]
		if ra, rb := sa.SuccessRate(), sb.SuccessRate(); ra != rb {
			return ra > rb
		}
		return sa.AvgLatency < sb.AvgLatency
	})

	ranked := make([]models.Mirror, len(mirrors))
	for i, idx := range order {
		ranked[i] = mirrors[idx]
	}
	return ranked
}

// RecordSuccess counts a successful transfer and folds its latency into the
// rolling average
func (s *Selector) RecordSuccess(mirrorURL string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(mirrorURL)
	if st.Successes == 0 {
		st.AvgLatency = latency
	} else {
		st.AvgLatency = time.Duration(latencyWeight*float64(latency) + (1-latencyWeight)*float64(st.AvgLatency))
	}
	st.Successes++
}

// RecordFailure counts a failed attempt
func (s *Selector) RecordFailure(mirrorURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(mirrorURL).Failures++
}

// Stats returns a copy of the record for mirrorURL
func (s *Selector) Stats(mirrorURL string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[mirrorURL]; ok {
		return *st
	}
	return Stats{}
}

func (s *Selector) get(mirrorURL string) *Stats {
	st, ok := s.stats[mirrorURL]
	if !ok {
		st = &Stats{}
		s.stats[mirrorURL] = st
	}
	return st
}
