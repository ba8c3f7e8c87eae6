// Package asyncjob runs slow work off the frame loop. A job's run function
// executes on its own goroutine; its completion function runs back on the
// frame loop when Complete is polled, so completions always see the core
// lock held.
package asyncjob

import (
	"runtime/debug"
	"sync"

	logx "playd/pkg/logx"
)

// Run does the slow work. Complete consumes its result on the frame loop.
type Job struct {
	Name     string
	Run      func() (any, error)
	Complete func(result any, err error)
}

type finished struct {
	job    Job
	result any
	err    error
}

type System struct {
	mu      sync.Mutex
	log     logx.Logger
	done    []finished
	pending int
}

func New(log logx.Logger) *System {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &System{log: log}
}

// Submit starts the job immediately. A panic inside Run surfaces to the
// completion as an error.
func (s *System) Submit(job Job) {
	if job.Run == nil {
		return
	}
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()

	go func() {
		var (
			result any
			err    error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("async job panicked",
						logx.String("job", job.Name),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
					err = panicError{job.Name}
				}
			}()
			result, err = job.Run()
		}()

		s.mu.Lock()
		s.pending--
		s.done = append(s.done, finished{job: job, result: result, err: err})
		s.mu.Unlock()
	}()
}

// Pending reports jobs still running.
func (s *System) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Complete runs the completion of every finished job. Non-blocking; called
// once per tick.
func (s *System) Complete() {
	s.mu.Lock()
	batch := s.done
	s.done = nil
	s.mu.Unlock()

	for _, f := range batch {
		if f.job.Complete == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("async job completion panicked",
						logx.String("job", f.job.Name),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
				}
			}()
			f.job.Complete(f.result, f.err)
		}()
	}
}

type panicError struct{ job string }

func (p panicError) Error() string { return "panic in async job " + p.job }
