// internal/pool/cache.go
package pool

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/jason-s-yu/trustmatch/internal/trust"
	"github.com/sirupsen/logrus"
)

const defaultMaxResults = 10

// Options controls the query cache.
type Options struct {
	// TTL is how long a query result is served from cache. The pool churns fast, so
	// this is measured in seconds.
	TTL time.Duration // default: 3s

	// MaxCacheSize caps the number of cached query results (LRU eviction).
	MaxCacheSize int // default: 500

	// ActiveWorkingSetSize caps the in-memory set of recently active players (LRU eviction).
	ActiveWorkingSetSize int // default: 200

	// ActiveWindow is how recently a player must have shown activity to sort as active.
	ActiveWindow time.Duration // default: 30s
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 3 * time.Second
	}
	if o.MaxCacheSize <= 0 {
		o.MaxCacheSize = 500
	}
	if o.ActiveWorkingSetSize <= 0 {
		o.ActiveWorkingSetSize = 200
	}
	if o.ActiveWindow <= 0 {
		o.ActiveWindow = 30 * time.Second
	}
	return o
}

// Query asks for seeking players of GameMode with a trust score in [Lo, Hi].
type Query struct {
	GameMode string
	Lo, Hi   float64

	// SkillLevel and SkillTolerance form the secondary band; a zero tolerance disables it.
	SkillLevel     int
	SkillTolerance int

	MaxResults int
	Exclude    []uuid.UUID

	// Requester, when set, has its entry's query counters bumped. It does not take part
	// in the cache key and is not excluded from results.
	Requester uuid.UUID
}

// queryKey is the structured cache key; Exclude is folded into a single hash.
type queryKey struct {
	mode           string
	lo, hi         float64
	skill, skillTo int
	max            int
	exclude        uint64
}

func (q Query) key() queryKey {
	return queryKey{
		mode:    q.GameMode,
		lo:      q.Lo,
		hi:      q.Hi,
		skill:   q.SkillLevel,
		skillTo: q.SkillTolerance,
		max:     q.MaxResults,
		exclude: hashExclude(q.Exclude),
	}
}

// hashExclude is order-insensitive so the same set always maps to the same key.
func hashExclude(ids []uuid.UUID) uint64 {
	if len(ids) == 0 {
		return 0
	}
	sorted := make([]uuid.UUID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i][:]) < string(sorted[j][:])
	})
	d := xxhash.New()
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(sorted)))
	_, _ = d.Write(n[:])
	for _, id := range sorted {
		_, _ = d.Write(id[:])
	}
	return d.Sum64()
}

// warmState records when a game mode's working set was last preloaded.
type warmState struct {
	at    time.Time
	count int // pool size at preload time
}

// Stats is a point-in-time snapshot of cache and outcome counters.
type Stats struct {
	Hits         int64         `json:"hits"`
	Misses       int64         `json:"misses"`
	Errors       int64         `json:"errors"`
	Matched      int64         `json:"matched"`
	Unmatched    int64         `json:"unmatched"`
	MeanWait     time.Duration `json:"mean_wait"`
	CachedResult int           `json:"cached_results"`
	WorkingSet   int           `json:"working_set"`
}

// Cache answers pool queries from a short-lived result cache, falling back to an
// indexed lookup against the Registry. Results are invalidated by TTL only.
type Cache struct {
	reg    Registry
	opts   Options
	logger logrus.FieldLogger
	now    func() time.Time

	results *expirable.LRU[queryKey, []models.Candidate]

	// warmMu guards warm and the per-mode working sets; the sets are themselves safe
	// for concurrent use.
	warmMu sync.RWMutex
	warm   map[string]warmState
	active map[string]*lru.Cache[uuid.UUID, models.PoolEntry]

	hits, misses, errors atomic.Int64
	matched, unmatched   atomic.Int64
	waitTotal            atomic.Int64 // nanoseconds
}

// NewCache builds a Cache over reg.
func NewCache(reg Registry, opts Options, logger logrus.FieldLogger) (*Cache, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts = opts.withDefaults()
	return &Cache{
		reg:     reg,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		results: expirable.NewLRU[queryKey, []models.Candidate](opts.MaxCacheSize, nil, opts.TTL),
		warm:    make(map[string]warmState),
		active:  make(map[string]*lru.Cache[uuid.UUID, models.PoolEntry]),
	}, nil
}

// workingSet returns the working set for mode, creating it on first use.
func (c *Cache) workingSet(mode string) *lru.Cache[uuid.UUID, models.PoolEntry] {
	c.warmMu.RLock()
	set, ok := c.active[mode]
	c.warmMu.RUnlock()
	if ok {
		return set
	}

	c.warmMu.Lock()
	defer c.warmMu.Unlock()
	if set, ok = c.active[mode]; ok {
		return set
	}
	// size is always positive after withDefaults
	set, _ = lru.New[uuid.UUID, models.PoolEntry](c.opts.ActiveWorkingSetSize)
	c.active[mode] = set
	return set
}

// forget drops id from whichever working set holds it and returns its game mode.
func (c *Cache) forget(id uuid.UUID) (string, bool) {
	c.warmMu.RLock()
	defer c.warmMu.RUnlock()
	for mode, set := range c.active {
		if set.Remove(id) {
			return mode, true
		}
	}
	return "", false
}

func (c *Cache) workingSetLen() int {
	c.warmMu.RLock()
	defer c.warmMu.RUnlock()
	n := 0
	for _, set := range c.active {
		n += set.Len()
	}
	return n
}

// Options returns the effective options.
func (c *Cache) Options() Options {
	return c.opts
}

// Query returns up to MaxResults candidates. Recently active players sort before idle
// ones; within each group candidates are ordered by closeness to the band center, then
// by longest wait. Storage failures yield an empty result, never an error.
func (c *Cache) Query(ctx context.Context, q Query) []models.Candidate {
	if q.MaxResults <= 0 {
		q.MaxResults = defaultMaxResults
	}
	if q.Lo > q.Hi {
		q.Lo, q.Hi = q.Hi, q.Lo
	}
	if q.Requester != uuid.Nil {
		now := c.now()
		if err := c.reg.MarkQueried(ctx, q.Requester, now); err != nil && !errors.Is(err, ErrNotSeeking) {
			c.logger.WithError(err).WithField("player_id", q.Requester).Debug("mark queried failed")
		}
		set := c.workingSet(q.GameMode)
		if e, ok := set.Peek(q.Requester); ok {
			e.LastQueried = now
			e.QueryCount++
			set.Add(q.Requester, e)
		}
	}

	key := q.key()
	if cands, ok := c.results.Get(key); ok {
		c.hits.Add(1)
		queryTotal.WithLabelValues("hit").Inc()
		return cloneCandidates(cands)
	}
	c.misses.Add(1)

	start := time.Now()
	entries, err := c.lookup(ctx, q)
	if err != nil {
		c.errors.Add(1)
		queryTotal.WithLabelValues("error").Inc()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"game_mode": q.GameMode,
			"lo":        q.Lo,
			"hi":        q.Hi,
		}).Warn("pool lookup failed, returning no candidates")
		return nil
	}
	queryTotal.WithLabelValues("miss").Inc()

	cands := c.buildCandidates(q, entries)
	queryDuration.Observe(time.Since(start).Seconds())
	queryCandidates.Observe(float64(len(cands)))

	c.results.Add(key, cands)
	return cloneCandidates(cands)
}

// lookup serves from the working set when the mode was preloaded recently and the set
// still holds exactly the pool seen by that preload; otherwise it runs an indexed range
// query against the registry.
func (c *Cache) lookup(ctx context.Context, q Query) ([]models.PoolEntry, error) {
	set := c.workingSet(q.GameMode)

	c.warmMu.RLock()
	w, ok := c.warm[q.GameMode]
	c.warmMu.RUnlock()

	if ok && w.count <= c.opts.ActiveWorkingSetSize && set.Len() == w.count && c.now().Sub(w.at) < c.opts.TTL {
		var out []models.PoolEntry
		for _, e := range set.Values() {
			if e.TrustScore >= q.Lo && e.TrustScore <= q.Hi {
				out = append(out, e)
			}
		}
		return out, nil
	}

	entries, err := c.reg.RangeByScore(ctx, q.GameMode, q.Lo, q.Hi)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if c.isActive(e) {
			set.Add(e.PlayerID, e)
		}
	}
	workingSetSize.Set(float64(c.workingSetLen()))
	return entries, nil
}

func (c *Cache) isActive(e models.PoolEntry) bool {
	return !e.LastActive.IsZero() && c.now().Sub(e.LastActive) <= c.opts.ActiveWindow
}

func (c *Cache) buildCandidates(q Query, entries []models.PoolEntry) []models.Candidate {
	excluded := make(map[uuid.UUID]struct{}, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = struct{}{}
	}

	now := c.now()
	var active, idle []models.Candidate
	for _, e := range entries {
		if _, skip := excluded[e.PlayerID]; skip {
			continue
		}
		if q.SkillTolerance > 0 && abs(e.SkillLevel-q.SkillLevel) > q.SkillTolerance {
			continue
		}
		cand := models.Candidate{
			PlayerID:   e.PlayerID,
			TrustScore: e.TrustScore,
			SkillLevel: e.SkillLevel,
			Waited:      now.Sub(e.EnqueuedAt),
			Active:      c.isActive(e),
			LastQueried: e.LastQueried,
		}
		if cand.Active {
			active = append(active, cand)
		} else {
			idle = append(idle, cand)
		}
	}

	center := (q.Lo + q.Hi) / 2
	out := append(trust.RankCandidates(center, active), trust.RankCandidates(center, idle)...)
	if len(out) > q.MaxResults {
		out = out[:q.MaxResults]
	}
	return out
}

// Preload pulls the most recently active players of gameMode into the working set so
// that queries against a small pool avoid a storage round trip.
func (c *Cache) Preload(ctx context.Context, gameMode string) error {
	entries, err := c.reg.ListSeeking(ctx, gameMode)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastActive.After(entries[j].LastActive)
	})
	limit := c.opts.ActiveWorkingSetSize
	if len(entries) < limit {
		limit = len(entries)
	}
	set := c.workingSet(gameMode)
	set.Purge()
	// add oldest first so the most recently active end up most recently used
	for i := limit - 1; i >= 0; i-- {
		set.Add(entries[i].PlayerID, entries[i])
	}

	c.warmMu.Lock()
	c.warm[gameMode] = warmState{at: c.now(), count: len(entries)}
	c.warmMu.Unlock()
	workingSetSize.Set(float64(c.workingSetLen()))

	c.logger.WithFields(logrus.Fields{
		"game_mode": gameMode,
		"pool_size": len(entries),
		"loaded":    limit,
	}).Debug("pool working set preloaded")
	return nil
}

// Join registers a seeking player and seeds the working set with it.
func (c *Cache) Join(ctx context.Context, entry models.PoolEntry) error {
	if err := c.reg.Join(ctx, entry); err != nil {
		return err
	}
	if mode, ok := c.forget(entry.PlayerID); ok {
		c.bumpWarmCount(mode, -1)
	}
	c.workingSet(entry.GameMode).Add(entry.PlayerID, entry)
	c.bumpWarmCount(entry.GameMode, 1)
	return nil
}

// Leave removes a player from the pool and the working set.
func (c *Cache) Leave(ctx context.Context, playerID uuid.UUID) error {
	if mode, ok := c.forget(playerID); ok {
		c.bumpWarmCount(mode, -1)
	}
	return c.reg.Leave(ctx, playerID)
}

// Touch marks the player as recently active.
func (c *Cache) Touch(ctx context.Context, playerID uuid.UUID) error {
	now := c.now()
	c.warmMu.RLock()
	for _, set := range c.active {
		if e, ok := set.Peek(playerID); ok {
			e.LastActive = now
			set.Add(playerID, e)
			break
		}
	}
	c.warmMu.RUnlock()
	return c.reg.Touch(ctx, playerID, now)
}

// Claim removes both players from the pool if, and only if, both are still seeking.
// The registry leaves a claim marker on b for the process that owns b's session.
func (c *Cache) Claim(ctx context.Context, a, b uuid.UUID) (bool, error) {
	ok, err := c.reg.Claim(ctx, a, b)
	if err != nil || !ok {
		return ok, err
	}
	for _, id := range []uuid.UUID{a, b} {
		if mode, found := c.forget(id); found {
			c.bumpWarmCount(mode, -1)
		}
	}
	return true, nil
}

// TakeClaim returns and clears the claim marker left on playerID by another searcher.
func (c *Cache) TakeClaim(ctx context.Context, playerID uuid.UUID) (uuid.UUID, bool, error) {
	return c.reg.TakeClaim(ctx, playerID)
}

// WatchClaims streams the IDs of players claimed by any process sharing the registry.
func (c *Cache) WatchClaims(ctx context.Context) (<-chan uuid.UUID, error) {
	return c.reg.WatchClaims(ctx)
}

func (c *Cache) bumpWarmCount(mode string, delta int) {
	c.warmMu.Lock()
	defer c.warmMu.Unlock()
	if w, ok := c.warm[mode]; ok {
		w.count += delta
		if w.count < 0 {
			w.count = 0
		}
		c.warm[mode] = w
	}
}

// RecordOutcome feeds a finished search back for observability. It is not needed for
// correctness.
func (c *Cache) RecordOutcome(playerID uuid.UUID, matched bool, elapsed time.Duration) {
	label := "unmatched"
	if matched {
		label = "matched"
		c.matched.Add(1)
	} else {
		c.unmatched.Add(1)
	}
	c.waitTotal.Add(int64(elapsed))
	outcomeTotal.WithLabelValues(label).Inc()
	outcomeWait.WithLabelValues(label).Observe(elapsed.Seconds())

	c.logger.WithFields(logrus.Fields{
		"player_id": playerID,
		"matched":   matched,
		"elapsed":   elapsed,
	}).Debug("pool outcome recorded")
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Errors:       c.errors.Load(),
		Matched:      c.matched.Load(),
		Unmatched:    c.unmatched.Load(),
		CachedResult: c.results.Len(),
		WorkingSet:   c.workingSetLen(),
	}
	if n := s.Matched + s.Unmatched; n > 0 {
		s.MeanWait = time.Duration(c.waitTotal.Load() / n)
	}
	return s
}

func cloneCandidates(in []models.Candidate) []models.Candidate {
	if in == nil {
		return nil
	}
	out := make([]models.Candidate, len(in))
	copy(out, in)
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
