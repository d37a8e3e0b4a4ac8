// internal/matchmaking/manager.go
package matchmaking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/config"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/jason-s-yu/trustmatch/internal/pool"
	"github.com/jason-s-yu/trustmatch/internal/trust"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidInput     = errors.New("invalid matchmaking request")
	ErrCapacity         = errors.New("matchmaking at capacity")
	ErrAlreadySearching = errors.New("player is already searching")
	ErrUnknownSession   = errors.New("no matchmaking session for player")
	ErrClosed           = errors.New("matchmaking manager closed")
)

// DefaultGameMode is used when a request names no mode.
const DefaultGameMode = "default"

var gameModePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// Pool is the view of the seeking pool the manager works against. *pool.Cache
// implements it.
type Pool interface {
	Query(ctx context.Context, q pool.Query) []models.Candidate
	Join(ctx context.Context, entry models.PoolEntry) error
	Leave(ctx context.Context, playerID uuid.UUID) error
	Touch(ctx context.Context, playerID uuid.UUID) error
	Claim(ctx context.Context, a, b uuid.UUID) (bool, error)
	TakeClaim(ctx context.Context, playerID uuid.UUID) (uuid.UUID, bool, error)
	WatchClaims(ctx context.Context) (<-chan uuid.UUID, error)
	RecordOutcome(playerID uuid.UUID, matched bool, elapsed time.Duration)
}

// ScoreSource resolves a player's current trust score. *trust.Engine implements it.
type ScoreSource interface {
	Lookup(ctx context.Context, playerID uuid.UUID) (models.BehaviorRecord, error)
}

// Match pairs two players. Remote is set when B's session lives on another instance.
type Match struct {
	A, B     uuid.UUID
	GameMode string
	ScoreA   float64
	ScoreB   float64
	At       time.Time
	Remote   bool
}

// Options are the manager-wide defaults; most can be overridden per Enqueue.
type Options struct {
	InitialTimeout  time.Duration
	MaxTimeout      time.Duration
	RetryMultiplier float64
	MaxRetries      int
	DefaultMaxWait  time.Duration
	JitterFraction  float64

	SweepInterval time.Duration
	GracePeriod   time.Duration

	MaxSessions int
	Congestion  Congestion

	BaseTolerance float64
	ToleranceStep float64
	MaxTolerance  float64

	// MaxCandidates is how many candidates one query asks for.
	MaxCandidates int
	// Workers bounds concurrently running retry ticks.
	Workers int

	// RemoteStaleAfter is how long a candidate held by another process may go without
	// querying before it is treated as abandoned and skipped. The default covers two of
	// the longest possible retry gaps.
	RemoteStaleAfter time.Duration

	// OnMatch is called once per pair from a worker goroutine. It should return quickly.
	OnMatch func(Match)
}

// OptionsFromConfig maps the service config onto manager options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		InitialTimeout:  cfg.InitialTimeout,
		MaxTimeout:      cfg.MaxTimeout,
		RetryMultiplier: cfg.RetryMultiplier,
		MaxRetries:      cfg.MaxRetries,
		DefaultMaxWait:  cfg.DefaultMaxWait,
		JitterFraction:  cfg.JitterFraction,
		SweepInterval:   cfg.SweepInterval,
		GracePeriod:     cfg.GracePeriod,
		MaxSessions:     cfg.MaxSessions,
		Congestion: Congestion{
			HighWaterMark: cfg.CongestionHighWaterMark,
			LowWaterMark:  cfg.CongestionLowWaterMark,
			ScaleUp:       cfg.CongestionScaleUp,
			ScaleDown:     cfg.CongestionScaleDown,
		},
		BaseTolerance: cfg.BaseToleranceScore,
		ToleranceStep: cfg.ToleranceStep,
		MaxTolerance:  cfg.MaxTolerance,
	}
}

func (o Options) withDefaults() Options {
	if o.InitialTimeout <= 0 {
		o.InitialTimeout = 10 * time.Second
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = 60 * time.Second
	}
	if o.MaxTimeout < o.InitialTimeout {
		o.MaxTimeout = o.InitialTimeout
	}
	if o.RetryMultiplier < 1 {
		o.RetryMultiplier = 1.5
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.DefaultMaxWait <= 0 {
		o.DefaultMaxWait = 5 * time.Minute
	}
	if o.JitterFraction < 0 {
		o.JitterFraction = 0
	}
	if o.JitterFraction > maxJitterFraction {
		o.JitterFraction = maxJitterFraction
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 30 * time.Second
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 5000
	}
	if o.BaseTolerance <= 0 {
		o.BaseTolerance = 10
	}
	if o.ToleranceStep < 0 {
		o.ToleranceStep = 0
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = 10
	}
	if o.Workers <= 0 {
		o.Workers = 32
	}
	if o.RemoteStaleAfter <= 0 {
		gap := float64(o.MaxTimeout) * max(1, o.Congestion.ScaleUp) * (1 + o.JitterFraction)
		o.RemoteStaleAfter = time.Duration(2 * gap)
	}
	return o
}

// Preferences are per-request overrides. Zero values take the manager default;
// negative values are rejected.
type Preferences struct {
	GameMode        string
	InitialTimeout  time.Duration
	MaxTimeout      time.Duration
	RetryMultiplier float64
	MaxRetries      int
	Tolerance       float64
	SkillTolerance  int
}

type resolvedPrefs struct {
	GameMode       string
	InitialTimeout time.Duration
	MaxTimeout     time.Duration
	Multiplier     float64
	MaxRetries     int
	MaxWait        time.Duration
	BaseTolerance  float64
	ToleranceStep  float64
	MaxTolerance   float64
	SkillTolerance int
}

func (p resolvedPrefs) tolerance(attempts int) float64 {
	return trust.WidenTolerance(p.BaseTolerance, attempts, p.ToleranceStep, p.MaxTolerance)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func (m *Manager) resolve(maxWait time.Duration, p Preferences) (resolvedPrefs, error) {
	o := m.opts
	r := resolvedPrefs{
		GameMode:       p.GameMode,
		InitialTimeout: o.InitialTimeout,
		MaxTimeout:     o.MaxTimeout,
		Multiplier:     o.RetryMultiplier,
		MaxRetries:     o.MaxRetries,
		MaxWait:        o.DefaultMaxWait,
		BaseTolerance:  o.BaseTolerance,
		ToleranceStep:  o.ToleranceStep,
		MaxTolerance:   o.MaxTolerance,
		SkillTolerance: p.SkillTolerance,
	}
	if r.GameMode == "" {
		r.GameMode = DefaultGameMode
	}
	if !gameModePattern.MatchString(r.GameMode) {
		return r, invalid("game mode %q", p.GameMode)
	}

	switch {
	case maxWait < 0:
		return r, invalid("max wait %v", maxWait)
	case p.InitialTimeout < 0:
		return r, invalid("initial timeout %v", p.InitialTimeout)
	case p.MaxTimeout < 0:
		return r, invalid("max timeout %v", p.MaxTimeout)
	case p.MaxRetries < 0:
		return r, invalid("max retries %d", p.MaxRetries)
	case p.SkillTolerance < 0:
		return r, invalid("skill tolerance %d", p.SkillTolerance)
	case math.IsNaN(p.RetryMultiplier) || (p.RetryMultiplier != 0 && p.RetryMultiplier < 1):
		return r, invalid("retry multiplier %v", p.RetryMultiplier)
	case math.IsNaN(p.Tolerance) || p.Tolerance < 0 || p.Tolerance > trust.MaxScore:
		return r, invalid("tolerance %v", p.Tolerance)
	}

	if maxWait > 0 {
		r.MaxWait = maxWait
	}
	if p.InitialTimeout > 0 {
		r.InitialTimeout = p.InitialTimeout
	}
	if p.MaxTimeout > 0 {
		r.MaxTimeout = p.MaxTimeout
	}
	if p.RetryMultiplier != 0 {
		r.Multiplier = p.RetryMultiplier
	}
	if p.MaxRetries > 0 {
		r.MaxRetries = p.MaxRetries
	}
	if p.Tolerance > 0 {
		r.BaseTolerance = p.Tolerance
		if r.MaxTolerance > 0 && r.MaxTolerance < r.BaseTolerance {
			r.MaxTolerance = r.BaseTolerance
		}
	}
	if r.MaxTimeout < r.InitialTimeout {
		return r, invalid("max timeout %v below initial timeout %v", r.MaxTimeout, r.InitialTimeout)
	}
	// other processes judge liveness by the manager-wide ceiling
	r.MaxTimeout = min(r.MaxTimeout, o.MaxTimeout)
	r.InitialTimeout = min(r.InitialTimeout, r.MaxTimeout)
	return r, nil
}

// Manager owns every matchmaking session of this process. Each session is driven by
// its own retry ticks off a shared scheduler.
type Manager struct {
	opts   Options
	pool   Pool
	scores ScoreSource
	sink   EventSink
	logger logrus.FieldLogger
	now    func() time.Time
	rand   func() float64

	mu        sync.RWMutex
	sessions  map[uuid.UUID]*Session
	searching atomic.Int64

	sched  *scheduler[*Session]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewManager starts a manager and its background sweep. Call Close to stop it.
func NewManager(opts Options, p Pool, scores ScoreSource, sink EventSink, logger logrus.FieldLogger) (*Manager, error) {
	if p == nil || scores == nil {
		return nil, errors.New("matchmaking: pool and score source are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts.withDefaults(),
		pool:     p,
		scores:   scores,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		rand:     rand.Float64,
		sessions: make(map[uuid.UUID]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.sched = newScheduler(m.opts.Workers, m.tick)

	m.wg.Add(1)
	go m.sweepLoop()

	claims, err := p.WatchClaims(ctx)
	if err != nil {
		// claims are still adopted on each retry, only later
		logger.WithError(err).Warn("claim notices unavailable")
	} else {
		m.wg.Add(1)
		go m.claimLoop(claims)
	}
	return m, nil
}

// Options returns the effective defaults.
func (m *Manager) Options() Options {
	return m.opts
}

// StartSession enqueues with only a wait bound and an initial tolerance.
func (m *Manager) StartSession(ctx context.Context, playerID uuid.UUID, maxWait time.Duration, initialTolerance float64) (*Handle, error) {
	return m.Enqueue(ctx, playerID, maxWait, Preferences{Tolerance: initialTolerance})
}

// Enqueue starts a search for playerID and runs its first pool query before returning.
// A player whose previous session has ended may enqueue again.
func (m *Manager) Enqueue(ctx context.Context, playerID uuid.UUID, maxWait time.Duration, prefs Preferences) (*Handle, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if playerID == uuid.Nil {
		return nil, invalid("nil player id")
	}
	rp, err := m.resolve(maxWait, prefs)
	if err != nil {
		return nil, err
	}
	if int(m.searching.Load()) >= m.opts.MaxSessions {
		return nil, ErrCapacity
	}

	score, skill := trust.DefaultBaseScore, 0
	rec, err := m.scores.Lookup(ctx, playerID)
	switch {
	case errors.Is(err, trust.ErrUnknownPlayer):
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case err != nil:
		m.logger.WithError(err).WithField("player_id", playerID).Warn("score lookup failed, queueing at base score")
	default:
		score, skill = rec.TrustScore, rec.SkillLevel
	}

	now := m.now()
	s := newSession(playerID, score, skill, rp, now)

	m.mu.Lock()
	if prev, ok := m.sessions[playerID]; ok {
		prev.mu.Lock()
		active := prev.state == StateSearching
		prev.mu.Unlock()
		if active {
			m.mu.Unlock()
			return nil, ErrAlreadySearching
		}
	}
	if int(m.searching.Load()) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, ErrCapacity
	}
	m.sessions[playerID] = s
	m.searching.Add(1)
	m.mu.Unlock()
	sessionsSearching.Set(float64(m.searching.Load()))

	entry := models.PoolEntry{
		PlayerID:   playerID,
		GameMode:   rp.GameMode,
		TrustScore: score,
		SkillLevel: skill,
		EnqueuedAt: now,
		LastActive: now,
	}
	if err := m.pool.Join(ctx, entry); err != nil {
		m.logger.WithError(err).WithField("player_id", playerID).Warn("pool join failed")
	}

	m.logger.WithFields(logrus.Fields{
		"player_id": playerID,
		"game_mode": rp.GameMode,
		"score":     score,
		"max_wait":  rp.MaxWait,
	}).Debug("matchmaking session started")

	m.tick(s)
	return &Handle{m: m, s: s}, nil
}

// Cancel ends playerID's search. It reports whether a searching session was cancelled;
// cancelling an ended or unknown session is a no-op.
func (m *Manager) Cancel(playerID uuid.UUID) bool {
	return m.cancelWith(playerID, ReasonCancelled)
}

func (m *Manager) cancelWith(playerID uuid.UUID, reason string) bool {
	s := m.session(playerID)
	if s == nil {
		return false
	}
	return m.finish(s, StateCancelled, reason)
}

// finish withdraws a searching s from the pool and then ends it. A claim made by
// another process before the withdrawal wins, and s ends matched instead. It reports
// whether s ended with state.
func (m *Manager) finish(s *Session, state State, reason string) bool {
	s.mu.Lock()
	searching := s.state == StateSearching
	s.mu.Unlock()
	if !searching {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := m.pool.Leave(ctx, s.PlayerID); err != nil {
		m.logger.WithError(err).WithField("player_id", s.PlayerID).Warn("pool leave failed")
	}
	cancel()
	if m.adoptClaim(s) {
		return false
	}

	s.mu.Lock()
	ev, ok := m.endLocked(s, state, reason, m.now())
	s.mu.Unlock()
	if ok {
		m.afterEnd(ev)
	}
	return ok
}

// adoptClaim completes a match made by another process that claimed s from the shared
// pool. It reports whether s is no longer searching.
func (m *Manager) adoptClaim(s *Session) bool {
	// an ended session must not consume a marker meant for the player's next session
	s.mu.Lock()
	searching := s.state == StateSearching
	s.mu.Unlock()
	if !searching {
		return true
	}

	by, claimed, err := m.pool.TakeClaim(m.ctx, s.PlayerID)
	if err != nil {
		m.logger.WithError(err).WithField("player_id", s.PlayerID).Debug("claim lookup failed")
	}

	s.mu.Lock()
	if !claimed || s.state != StateSearching {
		ended := s.state != StateSearching
		if claimed && s.opponent != by {
			m.logger.WithFields(logrus.Fields{
				"player_id":  s.PlayerID,
				"claimed_by": by,
				"state":      s.state,
			}).Warn("claim arrived for a session that already ended")
		}
		s.mu.Unlock()
		return ended
	}
	s.opponent = by
	ev, _ := m.endLocked(s, StateMatched, ReasonMatched, m.now())
	s.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"player_id":  s.PlayerID,
		"claimed_by": by,
	}).Info("remote match adopted")
	m.afterEnd(ev)
	return true
}

// claimLoop adopts claims as soon as their notice arrives instead of on the next retry.
func (m *Manager) claimLoop(claims <-chan uuid.UUID) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case id, ok := <-claims:
			if !ok {
				return
			}
			if s := m.session(id); s != nil {
				m.adoptClaim(s)
			}
		}
	}
}

// GetStatus returns a snapshot of playerID's latest session.
func (m *Manager) GetStatus(playerID uuid.UUID) (Status, error) {
	s := m.session(playerID)
	if s == nil {
		return Status{}, ErrUnknownSession
	}
	return s.status(m.now()), nil
}

// Touch marks a searching player as recently active in the pool.
func (m *Manager) Touch(ctx context.Context, playerID uuid.UUID) error {
	s := m.session(playerID)
	if s == nil {
		return ErrUnknownSession
	}
	return m.pool.Touch(ctx, playerID)
}

// Searching is the number of sessions currently searching.
func (m *Manager) Searching() int {
	return int(m.searching.Load())
}

// GameModes lists the modes that have at least one searching session.
func (m *Manager) GameModes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var modes []string
	for _, s := range m.sessions {
		s.mu.Lock()
		searching := s.state == StateSearching
		s.mu.Unlock()
		if _, ok := seen[s.GameMode]; searching && !ok {
			seen[s.GameMode] = struct{}{}
			modes = append(modes, s.GameMode)
		}
	}
	return modes
}

func (m *Manager) session(playerID uuid.UUID) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[playerID]
}

// tick runs one search step: expire if out of time or retries, else query the pool,
// try to pair, and on failure record the attempt and schedule the next tick.
func (m *Manager) tick(s *Session) {
	if m.adoptClaim(s) {
		return
	}
	now := m.now()
	s.mu.Lock()
	if s.state != StateSearching {
		s.mu.Unlock()
		return
	}
	var expiry string
	switch {
	case !now.Before(s.deadline()):
		expiry = ReasonMaxWait
	case len(s.attempts) >= s.prefs.MaxRetries:
		expiry = ReasonMaxRetries
	}
	if expiry != "" {
		s.mu.Unlock()
		m.finish(s, StateExpired, expiry)
		return
	}

	tol := s.tolerance()
	lo, hi := trust.CompatibleRange(s.TrustScore, tol)
	q := pool.Query{
		GameMode:       s.GameMode,
		Lo:             lo,
		Hi:             hi,
		SkillLevel:     s.SkillLevel,
		SkillTolerance: s.prefs.SkillTolerance,
		MaxResults:     m.opts.MaxCandidates + 1, // room for the requester itself
		Requester:      s.PlayerID,
	}
	s.mu.Unlock()

	cands := m.pool.Query(m.ctx, q)
	stop, contested := m.tryPair(s, cands)
	if stop {
		return
	}

	now = m.now()
	s.mu.Lock()
	if s.state != StateSearching {
		s.mu.Unlock()
		return
	}
	reason := ReasonNoCandidates
	if contested {
		reason = ReasonClaimLost
	}
	used := s.currentTimeout
	attempt := RetryAttempt{
		AttemptNumber: len(s.attempts) + 1,
		Timestamp:     now,
		TimeoutUsed:   used,
		Tolerance:     tol,
		Reason:        reason,
	}
	s.attempts = append(s.attempts, attempt)
	s.lastAttempt = now
	s.currentTimeout = NextTimeout(used, s.prefs.Multiplier, s.prefs.MaxTimeout)

	delay := m.opts.Congestion.Scale(ApplyJitter(used, m.opts.JitterFraction, m.rand()), m.Searching())
	at := now.Add(delay)
	if dl := s.deadline(); at.After(dl) {
		at = dl
	}
	m.sched.Schedule(s, at)
	retry := Event{
		Type:     EventRetry,
		PlayerID: s.PlayerID,
		Attempt:  attempt.AttemptNumber,
		Elapsed:  now.Sub(s.startTime),
		Reason:   reason,
		At:       now,
	}
	s.mu.Unlock()
	m.sink.Emit(retry)
}

// tryPair walks the candidates and claims the first one still searching. stop is true
// when s is no longer searching, whether it matched here or ended elsewhere. contested
// is true when a claim was attempted and lost.
func (m *Manager) tryPair(s *Session, cands []models.Candidate) (stop, contested bool) {
	for _, c := range cands {
		if c.PlayerID == s.PlayerID {
			continue
		}
		other := m.session(c.PlayerID)
		if other == nil {
			matched, ended, lost := m.pairRemote(s, c)
			if matched || ended {
				return true, contested
			}
			contested = contested || lost
			continue
		}

		first, second := s, other
		if bytes.Compare(other.PlayerID[:], s.PlayerID[:]) < 0 {
			first, second = other, s
		}
		first.mu.Lock()
		second.mu.Lock()

		if s.state != StateSearching {
			second.mu.Unlock()
			first.mu.Unlock()
			return true, contested
		}
		if other.state != StateSearching || other.GameMode != s.GameMode {
			second.mu.Unlock()
			first.mu.Unlock()
			continue
		}

		ok, err := m.pool.Claim(m.ctx, s.PlayerID, other.PlayerID)
		if err != nil || !ok {
			if err != nil {
				m.logger.WithError(err).WithField("player_id", s.PlayerID).Warn("pool claim failed")
			}
			second.mu.Unlock()
			first.mu.Unlock()
			contested = true
			continue
		}

		now := m.now()
		s.opponent = other.PlayerID
		other.opponent = s.PlayerID
		evA, _ := m.endLocked(s, StateMatched, ReasonMatched, now)
		evB, _ := m.endLocked(other, StateMatched, ReasonMatched, now)
		match := Match{
			A:        s.PlayerID,
			B:        other.PlayerID,
			GameMode: s.GameMode,
			ScoreA:   s.TrustScore,
			ScoreB:   other.TrustScore,
			At:       now,
		}
		second.mu.Unlock()
		first.mu.Unlock()

		// the registry marked other as claimed for its owner, which is this manager
		if _, _, err := m.pool.TakeClaim(m.ctx, other.PlayerID); err != nil {
			m.logger.WithError(err).WithField("player_id", other.PlayerID).Debug("clearing local claim failed")
		}
		m.afterEnd(evA)
		m.afterEnd(evB)
		m.matched(match)
		return true, contested
	}
	return false, contested
}

// pairRemote claims a candidate whose session is not held by this manager. The owning
// process adopts the match from the claim marker. Candidates that stopped querying are
// skipped as abandoned.
func (m *Manager) pairRemote(s *Session, c models.Candidate) (matched, ended, lost bool) {
	if c.LastQueried.IsZero() || m.now().Sub(c.LastQueried) > m.opts.RemoteStaleAfter {
		return false, false, false
	}
	s.mu.Lock()
	if s.state != StateSearching {
		s.mu.Unlock()
		return false, true, false
	}
	ok, err := m.pool.Claim(m.ctx, s.PlayerID, c.PlayerID)
	if err != nil || !ok {
		s.mu.Unlock()
		if err != nil {
			m.logger.WithError(err).WithField("player_id", s.PlayerID).Warn("pool claim failed")
		}
		return false, false, true
	}
	now := m.now()
	s.opponent = c.PlayerID
	ev, _ := m.endLocked(s, StateMatched, ReasonMatched, now)
	match := Match{
		A:        s.PlayerID,
		B:        c.PlayerID,
		GameMode: s.GameMode,
		ScoreA:   s.TrustScore,
		ScoreB:   c.TrustScore,
		At:       now,
		Remote:   true,
	}
	s.mu.Unlock()

	m.afterEnd(ev)
	m.matched(match)
	return true, false, false
}

func (m *Manager) matched(match Match) {
	m.logger.WithFields(logrus.Fields{
		"player_a":  match.A,
		"player_b":  match.B,
		"game_mode": match.GameMode,
		"remote":    match.Remote,
	}).Info("players matched")
	if m.opts.OnMatch != nil {
		m.opts.OnMatch(match)
	}
}

func eventFor(state State) EventType {
	switch state {
	case StateMatched:
		return EventMatched
	case StateCancelled:
		return EventCancelled
	default:
		return EventExpired
	}
}

// endLocked moves s to a terminal state and clears its timer. s.mu must be held. ok is
// false if s had already ended.
func (m *Manager) endLocked(s *Session, state State, reason string, now time.Time) (Event, bool) {
	if !s.finishLocked(state, reason, now) {
		return Event{}, false
	}
	m.searching.Add(-1)
	m.sched.Cancel(s)
	return Event{
		Type:     eventFor(state),
		PlayerID: s.PlayerID,
		Attempt:  len(s.attempts),
		Elapsed:  now.Sub(s.startTime),
		Reason:   reason,
		Opponent: s.opponent,
		At:       now,
	}, true
}

// afterEnd runs the side effects of a terminal transition outside the session lock.
// The pool entry is already gone: claimed on a match, withdrawn by finish otherwise.
func (m *Manager) afterEnd(ev Event) {
	sessionsSearching.Set(float64(m.searching.Load()))
	matched := ev.Type == EventMatched
	m.pool.RecordOutcome(ev.PlayerID, matched, ev.Elapsed)
	m.sink.Emit(ev)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep expires sessions that overran maxWait by more than the grace period and drops
// ended sessions older than the grace period. It returns how many sessions it removed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var stale, overdue []*Session
	for _, s := range all {
		s.mu.Lock()
		switch {
		case s.state == StateSearching && now.Sub(s.startTime) > s.prefs.MaxWait+m.opts.GracePeriod:
			overdue = append(overdue, s)
		case s.state.Terminal() && now.Sub(s.endedAt) > m.opts.GracePeriod:
			stale = append(stale, s)
		}
		s.mu.Unlock()
	}
	for _, s := range overdue {
		if m.finish(s, StateExpired, ReasonSwept) {
			m.logger.WithField("player_id", s.PlayerID).Warn("swept overdue matchmaking session")
		}
	}

	m.mu.Lock()
	removed := 0
	for _, s := range stale {
		if m.sessions[s.PlayerID] == s {
			delete(m.sessions, s.PlayerID)
			removed++
		}
	}
	m.mu.Unlock()
	return removed
}

// Close cancels every searching session, stops the sweep and waits for running ticks.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.cancelWith(id, ReasonShutdown)
	}

	m.cancel()
	m.wg.Wait()
	m.sched.Close()
	m.logger.Info("matchmaking manager stopped")
}
