// Package scheduler drives the periodic background jobs cmd/bobd
// registers (spec.md §6 configuration: count_interval and
// cleanup_interval): blob/index metrics refresh, and idle active-blob
// sealing plus index offload. The check_interval ping health loop lives
// inside internal/nodeclient and is started by nodeclient.Pool.Add, not
// by this package.
//
// The ticker-per-job, stop-channel-plus-waitgroup shutdown shape
// follows the teacher's background maintenance pattern implied by its
// compact/rehash pairing (compact.go, rehash.go in jpl-au-folio),
// generalised from "run once, on demand" to "run forever, on an
// interval, until Stop".
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func()
}

// Scheduler runs a fixed set of named periodic jobs until Stop.
type Scheduler struct {
	jobs []Job
	log  zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler for the given jobs; none run until
// Start is called.
func New(jobs []Job, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		jobs:   jobs,
		log:    log.With().Str("component", "scheduler").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start launches one ticking goroutine per job with an interval > 0.
func (s *Scheduler) Start() {
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			continue
		}
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-s.stopCh:
					return
				case <-ticker.C:
					s.runSafely(job)
				}
			}
		}()
	}
}

func (s *Scheduler) runSafely(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job", job.Name).Interface("panic", r).Msg("scheduled job panicked")
		}
	}()
	job.Run()
}

// Stop signals every job goroutine to exit and waits for them to do
// so.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
