package http

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// connKind distinguishes unary exchanges from long-lived streams.
type connKind string

const (
	connPost connKind = "post"
	connSSE  connKind = "sse"
)

// activeConnection is one admitted, in-flight response handle.
type activeConnection struct {
	kind      connKind
	sessionID string
	openedAt  time.Time
}

// connectionSet tracks admitted exchanges for capacity shedding and health.
// The capacity check and the insert are separate steps, so the ceiling is
// soft under concurrent admission.
type connectionSet struct {
	mu    sync.Mutex
	conns map[*activeConnection]struct{}
	gauge prometheus.Gauge
}

func newConnectionSet(gauge prometheus.Gauge) *connectionSet {
	return &connectionSet{
		conns: make(map[*activeConnection]struct{}),
		gauge: gauge,
	}
}

// add registers c and returns a release func that removes it. Release is
// safe to call any number of times; only the first call has an effect.
func (s *connectionSet) add(c *activeConnection) func() {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	if s.gauge != nil {
		s.gauge.Inc()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			if s.gauge != nil {
				s.gauge.Dec()
			}
		})
	}
}

// Len returns the number of live connections.
func (s *connectionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
