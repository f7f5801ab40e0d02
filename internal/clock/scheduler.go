package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler runs a job on a fixed interval with an explicit start/stop
// handle. Kick triggers an immediate run without waiting for the next
// tick.
type Scheduler struct {
	clock    Clock
	interval time.Duration
	job      func()

	kick chan struct{}
	quit chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

func NewScheduler(c Clock, interval time.Duration, job func()) *Scheduler {
	return &Scheduler{
		clock:    c,
		interval: interval,
		job:      job,
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the scheduler loop. Safe to call once.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		ticker := s.clock.NewTicker(s.interval)
		go s.loop(ticker)
	})
}

func (s *Scheduler) loop(ticker Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.job()
		case <-s.kick:
			s.job()
		case <-s.quit:
			return
		}
	}
}

// Kick requests an immediate run. Coalesces if one is already queued.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for it to exit. Returns immediately
// when the scheduler was never started; done only closes with the loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	if s.started.Load() {
		<-s.done
	}
}
