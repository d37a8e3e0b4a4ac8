// internal/matchmaking/session.go
package matchmaking

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a session's position in the search lifecycle.
type State int

const (
	StateIdle State = iota
	StateSearching
	StateMatched
	StateCancelled
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateMatched:
		return "matched"
	case StateCancelled:
		return "cancelled"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateMatched || s == StateCancelled || s == StateExpired
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reasons recorded on attempts and terminal transitions.
const (
	ReasonNoCandidates = "no_candidates"
	ReasonClaimLost    = "claim_lost"
	ReasonMaxWait      = "max_wait_exceeded"
	ReasonMaxRetries   = "max_retries_exceeded"
	ReasonCancelled    = "cancelled"
	ReasonShutdown     = "shutdown"
	ReasonSwept        = "swept"
	ReasonMatched      = "matched"
)

// RetryAttempt is one failed pool query.
type RetryAttempt struct {
	AttemptNumber int           `json:"attempt_number"`
	Timestamp     time.Time     `json:"timestamp"`
	TimeoutUsed   time.Duration `json:"timeout_used"`
	Tolerance     float64       `json:"tolerance"`
	Reason        string        `json:"reason"`
}

// Session is one player's bounded search. Only the manager mutates it, always under mu.
type Session struct {
	mu sync.Mutex

	PlayerID   uuid.UUID
	GameMode   string
	TrustScore float64
	SkillLevel int

	prefs          resolvedPrefs
	startTime      time.Time
	lastAttempt    time.Time
	attempts       []RetryAttempt
	currentTimeout time.Duration
	state          State
	reason         string
	endedAt        time.Time
	opponent       uuid.UUID

	done chan struct{}
}

func newSession(playerID uuid.UUID, score float64, skill int, prefs resolvedPrefs, now time.Time) *Session {
	return &Session{
		PlayerID:       playerID,
		GameMode:       prefs.GameMode,
		TrustScore:     score,
		SkillLevel:     skill,
		prefs:          prefs,
		startTime:      now,
		currentTimeout: prefs.InitialTimeout,
		state:          StateSearching,
		done:           make(chan struct{}),
	}
}

func (s *Session) deadline() time.Time {
	return s.startTime.Add(s.prefs.MaxWait)
}

func (s *Session) tolerance() float64 {
	return s.prefs.tolerance(len(s.attempts))
}

// finishLocked moves the session to a terminal state. It reports false if the session
// had already ended.
func (s *Session) finishLocked(state State, reason string, now time.Time) bool {
	if s.state.Terminal() {
		return false
	}
	s.state = state
	s.reason = reason
	s.endedAt = now
	close(s.done)
	return true
}

// Status is a read-only snapshot of a session.
type Status struct {
	PlayerID       uuid.UUID      `json:"player_id"`
	GameMode       string         `json:"game_mode"`
	State          State          `json:"state"`
	Active         bool           `json:"active"`
	Attempts       int            `json:"attempts"`
	Elapsed        time.Duration  `json:"elapsed"`
	CurrentTimeout time.Duration  `json:"current_timeout"`
	Tolerance      float64        `json:"tolerance"`
	Reason         string         `json:"reason,omitempty"`
	MatchedWith    uuid.UUID      `json:"matched_with"`
	History        []RetryAttempt `json:"history,omitempty"`
}

func (s *Session) status(now time.Time) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := now
	if s.state.Terminal() {
		end = s.endedAt
	}
	history := make([]RetryAttempt, len(s.attempts))
	copy(history, s.attempts)
	return Status{
		PlayerID:       s.PlayerID,
		GameMode:       s.GameMode,
		State:          s.state,
		Active:         s.state == StateSearching,
		Attempts:       len(s.attempts),
		Elapsed:        end.Sub(s.startTime),
		CurrentTimeout: s.currentTimeout,
		Tolerance:      s.tolerance(),
		Reason:         s.reason,
		MatchedWith:    s.opponent,
		History:        history,
	}
}

// Handle is returned by Enqueue and tracks one session.
type Handle struct {
	m *Manager
	s *Session
}

func (h *Handle) PlayerID() uuid.UUID { return h.s.PlayerID }

// Done is closed when the session reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.s.done }

func (h *Handle) Status() Status { return h.s.status(h.m.now()) }
