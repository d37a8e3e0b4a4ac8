// internal/historian/historian.go is the asynchronous consumer that pops finished-game
// outcomes from a Redis queue and folds them into players' trust scores.
package historian

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Source yields queued outcomes. Pop returns (nil, nil) when nothing arrived within
// timeout. *cache.OutcomeQueue implements it.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*models.GameOutcome, error)
}

// Updater applies one outcome to a player's record. *trust.Engine implements it.
type Updater interface {
	UpdateAfterGame(ctx context.Context, playerID uuid.UUID, wasCooperative bool) (models.BehaviorRecord, error)
}

// Options tunes batching.
type Options struct {
	BatchSize     int           // flush once this many outcomes are buffered
	FlushInterval time.Duration // flush at least this often
	PopBlock      time.Duration // how long one Pop may block
	Workers       int           // players updated concurrently per flush
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	if o.PopBlock <= 0 {
		o.PopBlock = 3 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	return o
}

var outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trustmatch_historian_outcomes_total",
	Help: "Game outcomes consumed by the historian",
}, []string{"result"})

// Service batches outcomes and applies them. Outcomes for the same player are applied
// in arrival order; different players are updated in parallel.
type Service struct {
	src    Source
	up     Updater
	opts   Options
	logger logrus.FieldLogger

	batch []models.GameOutcome

	applied, failed atomic.Int64
}

func New(src Source, up Updater, opts Options, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts = opts.withDefaults()
	return &Service{
		src:    src,
		up:     up,
		opts:   opts,
		logger: logger,
		batch:  make([]models.GameOutcome, 0, opts.BatchSize),
	}
}

// Run consumes until ctx is done, then flushes what is buffered.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	s.logger.Info("historian started")
	defer s.logger.Info("historian stopped")

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return nil

		case <-ticker.C:
			s.flush(ctx)

		default:
			o, err := s.src.Pop(ctx, s.opts.PopBlock)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					continue
				}
				outcomesTotal.WithLabelValues("invalid").Inc()
				s.logger.WithError(err).Error("pop outcome")
				continue
			}
			if o == nil {
				continue
			}
			if o.PlayerID == uuid.Nil {
				outcomesTotal.WithLabelValues("invalid").Inc()
				s.logger.WithField("game_id", o.GameID).Warn("outcome without player id dropped")
				continue
			}
			s.batch = append(s.batch, *o)
			if len(s.batch) >= s.opts.BatchSize {
				s.flush(ctx)
			}
		}
	}
}

// flush applies the buffered batch.
func (s *Service) flush(ctx context.Context) {
	if len(s.batch) == 0 {
		return
	}
	batch := make([]models.GameOutcome, len(s.batch))
	copy(batch, s.batch)
	s.batch = s.batch[:0]

	s.Apply(ctx, batch)
}

// Apply folds a batch of outcomes into the trust scores and returns how many failed.
func (s *Service) Apply(ctx context.Context, batch []models.GameOutcome) int {
	byPlayer := make(map[uuid.UUID][]models.GameOutcome)
	var order []uuid.UUID
	for _, o := range batch {
		if _, ok := byPlayer[o.PlayerID]; !ok {
			order = append(order, o.PlayerID)
		}
		byPlayer[o.PlayerID] = append(byPlayer[o.PlayerID], o)
	}

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, id := range order {
		outcomes := byPlayer[id]
		g.Go(func() error {
			for _, o := range outcomes {
				rec, err := s.up.UpdateAfterGame(gctx, o.PlayerID, o.Cooperated)
				if err != nil {
					failed.Add(1)
					outcomesTotal.WithLabelValues("failed").Inc()
					s.logger.WithError(err).WithFields(logrus.Fields{
						"player_id": o.PlayerID,
						"game_id":   o.GameID,
					}).Error("apply outcome")
					continue
				}
				outcomesTotal.WithLabelValues("applied").Inc()
				s.logger.WithFields(logrus.Fields{
					"player_id": o.PlayerID,
					"score":     rec.TrustScore,
				}).Debug("outcome applied")
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(failed.Load())
	s.applied.Add(int64(len(batch) - n))
	s.failed.Add(int64(n))
	s.logger.WithFields(logrus.Fields{
		"outcomes": len(batch),
		"players":  len(order),
		"failed":   n,
	}).Info("flushed outcomes")
	return n
}

// Applied and Failed report lifetime counters.
func (s *Service) Applied() int64 { return s.applied.Load() }
func (s *Service) Failed() int64  { return s.failed.Load() }
