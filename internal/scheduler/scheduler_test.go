package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerRunsJobOnInterval(t *testing.T) {
	var count atomic.Int32
	s := New([]Job{
		{Name: "tick", Interval: 10 * time.Millisecond, Run: func() { count.Add(1) }},
	}, zerolog.Nop())

	s.Start()
	time.Sleep(55 * time.Millisecond)
	s.Stop()

	if got := count.Load(); got < 2 {
		t.Errorf("job ran %d times in 55ms at a 10ms interval, want at least 2", got)
	}
}

func TestSchedulerRecoversFromPanickingJob(t *testing.T) {
	var ranAfterPanic atomic.Bool
	s := New([]Job{
		{Name: "panics", Interval: 10 * time.Millisecond, Run: func() { panic("boom") }},
		{Name: "fine", Interval: 10 * time.Millisecond, Run: func() { ranAfterPanic.Store(true) }},
	}, zerolog.Nop())

	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if !ranAfterPanic.Load() {
		t.Error("a panicking job should not prevent other jobs from running")
	}
}
