package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/security"
)

// SecurityEventService delivers security events to the structured log
// asynchronously. Emit never blocks: when the buffer is full the event is
// dropped and counted, so a flood of rejected requests cannot stall the
// admission path.
type SecurityEventService struct {
	events      chan security.Event
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	logger      *slog.Logger
	clock       clock.PassiveClock
	channelSize int
	dropCount   atomic.Int64
	lastWarning atomic.Int64

	eventsTotal  *prometheus.CounterVec
	droppedTotal prometheus.Counter
}

// SecurityEventOption configures SecurityEventService.
type SecurityEventOption func(*SecurityEventService)

// WithEventBufferSize sets the size of the event channel buffer.
func WithEventBufferSize(size int) SecurityEventOption {
	return func(s *SecurityEventService) {
		if size < 1 {
			size = 1
		}
		s.events = make(chan security.Event, size)
		s.channelSize = size
	}
}

// WithEventMetrics counts delivered events by kind and severity, and drops.
// Either collector may be nil.
func WithEventMetrics(eventsTotal *prometheus.CounterVec, droppedTotal prometheus.Counter) SecurityEventOption {
	return func(s *SecurityEventService) {
		s.eventsTotal = eventsTotal
		s.droppedTotal = droppedTotal
	}
}

// WithEventClock sets the clock that throttles drop warnings.
func WithEventClock(c clock.PassiveClock) SecurityEventOption {
	return func(s *SecurityEventService) {
		s.clock = c
	}
}

// NewSecurityEventService creates a new SecurityEventService.
func NewSecurityEventService(logger *slog.Logger, opts ...SecurityEventOption) *SecurityEventService {
	defaultChannelSize := 1024
	s := &SecurityEventService{
		events:      make(chan security.Event, defaultChannelSize),
		done:        make(chan struct{}),
		logger:      logger,
		clock:       clock.RealClock{},
		channelSize: defaultChannelSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker that writes events to the log.
func (s *SecurityEventService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Emit queues an event for logging. It implements security.EventSink.
func (s *SecurityEventService) Emit(event security.Event) {
	select {
	case <-s.done:
		s.recordDrop(event)
		return
	default:
	}

	select {
	case s.events <- event:
	default:
		s.recordDrop(event)
	}
}

func (s *SecurityEventService) recordDrop(event security.Event) {
	drops := s.dropCount.Add(1)
	if s.droppedTotal != nil {
		s.droppedTotal.Inc()
	}

	// Log at most once per second.
	now := s.clock.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("security event dropped",
			"kind", event.Kind,
			"total_drops", drops,
			"capacity", s.channelSize,
		)
	}
}

// DroppedEvents returns the number of events dropped because the buffer was full.
func (s *SecurityEventService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns current channel usage.
func (s *SecurityEventService) ChannelDepth() int {
	return len(s.events)
}

// Stop signals the worker to stop and waits for it to log what is queued.
// Safe to call multiple times. Events emitted after Stop are dropped.
func (s *SecurityEventService) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *SecurityEventService) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case event := <-s.events:
			s.write(event)
		case <-ctx.Done():
			s.drain()
			return
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *SecurityEventService) drain() {
	for {
		select {
		case event := <-s.events:
			s.write(event)
		default:
			return
		}
	}
}

// write logs one event at a level derived from its severity.
func (s *SecurityEventService) write(event security.Event) {
	level := slog.LevelInfo
	switch event.Severity {
	case security.SeverityMedium:
		level = slog.LevelWarn
	case security.SeverityHigh:
		level = slog.LevelError
	}

	attrs := []any{
		"kind", string(event.Kind),
		"severity", string(event.Severity),
		"timestamp", event.Timestamp,
	}
	keys := make([]string, 0, len(event.Context))
	for k := range event.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, event.Context[k])
	}

	s.logger.Log(context.Background(), level, "security event", attrs...)

	if s.eventsTotal != nil {
		s.eventsTotal.WithLabelValues(string(event.Kind), string(event.Severity)).Inc()
	}
}

// Compile-time interface verification.
var _ security.EventSink = (*SecurityEventService)(nil)
