// internal/matchmaking/events.go
package matchmaking

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventRetry     EventType = "retry"
	EventMatched   EventType = "matched"
	EventExpired   EventType = "expired"
	EventCancelled EventType = "cancelled"
)

// Event is emitted on every retry and terminal transition. Events are informational;
// nothing in matchmaking depends on them being delivered.
type Event struct {
	Type     EventType     `json:"type"`
	PlayerID uuid.UUID     `json:"player_id"`
	Attempt  int           `json:"attempt"`
	Elapsed  time.Duration `json:"elapsed"`
	Reason   string        `json:"reason"`
	Opponent uuid.UUID     `json:"opponent,omitempty"`
	At       time.Time     `json:"at"`
}

// EventSink consumes events. Emit must not block.
type EventSink interface {
	Emit(Event)
}

// Sinks fans one event out to several sinks.
type Sinks []EventSink

func (s Sinks) Emit(e Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Emit(e)
		}
	}
}

// LogSink writes events to a logrus logger. Retries log at Debug, terminal events at Info.
type LogSink struct {
	Logger logrus.FieldLogger
}

func (l LogSink) Emit(e Event) {
	entry := l.Logger.WithFields(logrus.Fields{
		"player_id": e.PlayerID,
		"attempt":   e.Attempt,
		"elapsed":   e.Elapsed,
		"reason":    e.Reason,
	})
	if e.Opponent != uuid.Nil {
		entry = entry.WithField("opponent", e.Opponent)
	}
	if e.Type == EventRetry {
		entry.Debug("matchmaking retry")
		return
	}
	entry.Infof("matchmaking %s", e.Type)
}

var (
	sessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustmatch_session_events_total",
		Help: "Matchmaking session events by type and reason",
	}, []string{"type", "reason"})

	sessionAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustmatch_session_attempts",
		Help:    "Failed attempts recorded before a session ended",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	}, []string{"type"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustmatch_session_duration_seconds",
		Help:    "Time from enqueue to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"type"})

	sessionsSearching = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustmatch_sessions_searching",
		Help: "Sessions currently in the searching state",
	})
)

// MetricsSink records events in Prometheus.
type MetricsSink struct{}

func (MetricsSink) Emit(e Event) {
	sessionEvents.WithLabelValues(string(e.Type), e.Reason).Inc()
	if e.Type == EventRetry {
		return
	}
	t := string(e.Type)
	sessionAttempts.WithLabelValues(t).Observe(float64(e.Attempt))
	sessionDuration.WithLabelValues(t).Observe(e.Elapsed.Seconds())
}

// Broker delivers events to per-player subscribers, e.g. websocket connections.
// Slow subscribers lose events rather than stall the manager.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[chan Event]struct{}
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{
		subs:   make(map[uuid.UUID]map[chan Event]struct{}),
		buffer: buffer,
	}
}

// Subscribe returns a channel of playerID's events and a func to release it.
func (b *Broker) Subscribe(playerID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	if b.subs[playerID] == nil {
		b.subs[playerID] = make(map[chan Event]struct{})
	}
	b.subs[playerID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[playerID], ch)
			if len(b.subs[playerID]) == 0 {
				delete(b.subs, playerID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[e.PlayerID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions for playerID.
func (b *Broker) Subscribers(playerID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[playerID])
}
