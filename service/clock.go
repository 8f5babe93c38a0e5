package service

import (
	"sync"
	"time"
)

// stamper hands out strictly increasing queue timestamps so that entries
// written in one commit keep their relative order.
type stamper struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newStamper(now func() time.Time) *stamper {
	return &stamper{now: now}
}

func (s *stamper) Next() time.Time {
	return s.NextN(1)[0]
}

func (s *stamper) NextN(n int) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := make([]time.Time, n)
	for i := range stamps {
		t := s.now()
		if !t.After(s.last) {
			t = s.last.Add(time.Nanosecond)
		}
		s.last = t
		stamps[i] = t
	}
	return stamps
}
