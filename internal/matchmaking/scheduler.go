// internal/matchmaking/scheduler.go
package matchmaking

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type timerItem[K comparable] struct {
	at    time.Time
	id    K
	seq   uint64
	index int
}

// timerHeap is a min-heap on fire time; seq breaks ties in scheduling order.
type timerHeap[K comparable] []*timerItem[K]

func (h timerHeap[K]) Len() int { return len(h) }
func (h timerHeap[K]) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap[K]) Push(x any) {
	it := x.(*timerItem[K])
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *timerHeap[K]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// scheduler runs one timer for any number of keys. Each key has at most one pending
// fire time; due callbacks run on a bounded set of goroutines.
type scheduler[K comparable] struct {
	mu    sync.Mutex
	items timerHeap[K]
	byID  map[K]*timerItem[K]
	seq   uint64

	fire func(K)
	g    errgroup.Group

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newScheduler[K comparable](workers int, fire func(K)) *scheduler[K] {
	s := &scheduler[K]{
		byID: make(map[K]*timerItem[K]),
		fire: fire,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if workers > 0 {
		s.g.SetLimit(workers)
	}
	go s.loop()
	return s
}

// Schedule sets id to fire at at, replacing any pending fire time.
func (s *scheduler[K]) Schedule(id K, at time.Time) {
	s.mu.Lock()
	s.seq++
	if it, ok := s.byID[id]; ok {
		it.at = at
		it.seq = s.seq
		heap.Fix(&s.items, it.index)
	} else {
		it := &timerItem[K]{at: at, id: id, seq: s.seq}
		heap.Push(&s.items, it)
		s.byID[id] = it
	}
	s.mu.Unlock()
	s.poke()
}

// Cancel drops id's pending fire time. It reports whether one was pending. A callback
// that is already running is not interrupted.
func (s *scheduler[K]) Cancel(id K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.items, it.index)
	delete(s.byID, id)
	return true
}

// Pending reports whether id has a scheduled fire time.
func (s *scheduler[K]) Pending(id K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

func (s *scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *scheduler[K]) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler[K]) loop() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait := s.popDue(time.Now())
		for _, id := range due {
			select {
			case <-s.stop:
				return
			default:
			}
			id := id
			s.g.Go(func() error {
				s.fire(id)
				return nil
			})
		}
		if len(due) > 0 {
			continue
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-s.stop:
			return
		case <-s.wake:
			timer.Stop()
		case <-timerC:
		}
	}
}

// popDue removes every item due at now. wait is the delay until the next item, or -1
// when nothing is scheduled.
func (s *scheduler[K]) popDue(now time.Time) ([]K, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []K
	for len(s.items) > 0 && !s.items[0].at.After(now) {
		it := heap.Pop(&s.items).(*timerItem[K])
		delete(s.byID, it.id)
		due = append(due, it.id)
	}
	if len(s.items) == 0 {
		return due, -1
	}
	return due, s.items[0].at.Sub(now)
}

// Close stops the timer loop and waits for running callbacks.
func (s *scheduler[K]) Close() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		_ = s.g.Wait()
	})
}
