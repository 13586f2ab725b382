package scheduler

import (
	"context"
	"time"

	"github.com/randalmurphal/drover/internal/rebase"
	"github.com/randalmurphal/drover/internal/recycle"
)

// condition gates a background job on tick state. Unknown condition
// names fail closed.
type condition func(s *Scheduler, st *tickState) bool

var conditions = map[string]condition{
	"no_agents_running": func(s *Scheduler, _ *tickState) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, procs := range s.procs {
			for _, proc := range procs {
				if !proc.finished() {
					return false
				}
			}
		}
		return true
	},
	"has_open_prs": func(_ *Scheduler, st *tickState) bool {
		return st.openPRs > 0
	},
}

// job is one background worker fired from the tick loop.
type job struct {
	name     string
	interval time.Duration
	when     []string // condition names, all must hold
	run      func(ctx context.Context) error

	lastRun time.Time
}

type jobRegistry struct {
	jobs []*job
}

// defaultJobs wires the built-in background workers. A nil sweeper or
// rebaser simply leaves that job out, which the scheduler tests use.
func defaultJobs(s *Scheduler, sweeper *recycle.Sweeper, rebaser *rebase.Worker) *jobRegistry {
	reg := &jobRegistry{}
	if sweeper != nil {
		reg.jobs = append(reg.jobs, &job{
			name:     "recycler",
			interval: 5 * time.Minute,
			run:      sweeper.Sweep,
		})
	}
	if rebaser != nil {
		// The worker filters on the needs_rebase flag and keeps a
		// per-task cooldown; rebasing is pure git and needs no host.
		reg.jobs = append(reg.jobs, &job{
			name:     "rebaser",
			interval: time.Minute,
			run:      rebaser.Run,
		})
	}
	return reg
}

func (r *jobRegistry) run(ctx context.Context, s *Scheduler, st *tickState) {
	now := time.Now()
	for _, j := range r.jobs {
		if j.interval > 0 && now.Sub(j.lastRun) < j.interval {
			continue
		}
		if !r.conditionsHold(s, st, j.when) {
			continue
		}
		j.lastRun = now
		if err := j.run(ctx); err != nil {
			s.log.Error("background job", "job", j.name, "error", err)
		}
	}
}

func (r *jobRegistry) conditionsHold(s *Scheduler, st *tickState, names []string) bool {
	for _, name := range names {
		cond, ok := conditions[name]
		if !ok || !cond(s, st) {
			return false
		}
	}
	return true
}
