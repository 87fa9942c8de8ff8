// Package scheduler runs named recurring jobs, each on its own cadence, with
// manual trigger and start/stop controls.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marginwatch/internal/metrics"
	"github.com/sawpanic/marginwatch/internal/models"
)

// Body is the work of one job run
type Body func(ctx context.Context) (models.Report, error)

// Job is a registered recurring job. Jobs and aliases sharing a Group never
// run at the same time; an empty Group is the job's own name.
type Job struct {
	Name        string
	Description string
	Group       string
	Cadence     Cadence
	Body        Body
	Enabled     bool
}

// Alias is a trigger-only name for a body
type Alias struct {
	Body  Body
	Group string
}

// JobResult represents the result of a job execution
type JobResult struct {
	JobName   string        `json:"jobName"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Report    models.Report `json:"report"`
}

// JobStatus is one entry of Status
type JobStatus struct {
	Name    string     `json:"name"`
	Running bool       `json:"running"`
	Cadence string     `json:"cadence,omitempty"`
	NextRun *time.Time `json:"nextRun,omitempty"`
	Runs    int        `json:"runs"`
	Last    *JobResult `json:"lastResult,omitempty"`
}

type job struct {
	Job

	// run is the group lock, held for the whole body execution
	run *sync.Mutex

	mu        sync.Mutex
	scheduled bool
	stop      chan struct{}
	next      time.Time
	runs      int
	last      *JobResult
}

// Scheduler owns the job registry and one timer goroutine per scheduled job
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*job
	order   []string
	aliases map[string]alias
	groups  map[string]*sync.Mutex
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *metrics.Collector
	logger  zerolog.Logger
	now     func() time.Time
	grace   time.Duration
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithLogger sets the scheduler logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithShutdownGrace bounds how long Shutdown waits for in-flight runs
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithClock overrides the clock used for cadence decisions
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates an empty scheduler
func New(collector *metrics.Collector, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:    make(map[string]*job),
		aliases: make(map[string]alias),
		groups:  make(map[string]*sync.Mutex),
		ctx:     ctx,
		cancel:  cancel,
		metrics: collector,
		logger:  log.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
		grace:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type alias struct {
	Alias
	run *sync.Mutex
}

// group returns the run lock of a group. Callers hold s.mu.
func (s *Scheduler) group(name string) *sync.Mutex {
	m, ok := s.groups[name]
	if !ok {
		m = &sync.Mutex{}
		s.groups[name] = m
	}
	return m
}

func groupOf(group, name string) string {
	if group == "" {
		return name
	}
	return group
}

// Initialize registers jobs and trigger-only aliases, then starts every job
// marked Enabled.
func (s *Scheduler) Initialize(jobs []Job, aliases map[string]Alias) error {
	s.mu.Lock()
	for _, j := range jobs {
		if j.Name == "" || j.Body == nil || j.Cadence == nil {
			s.mu.Unlock()
			return fmt.Errorf("job %q needs a name, body and cadence", j.Name)
		}
		if _, dup := s.jobs[j.Name]; dup {
			s.mu.Unlock()
			return fmt.Errorf("duplicate job %q", j.Name)
		}
		s.jobs[j.Name] = &job{Job: j, run: s.group(groupOf(j.Group, j.Name))}
		s.order = append(s.order, j.Name)
	}
	for name, a := range aliases {
		if a.Body == nil {
			s.mu.Unlock()
			return fmt.Errorf("alias %q needs a body", name)
		}
		s.aliases[name] = alias{Alias: a, run: s.group(groupOf(a.Group, name))}
	}
	s.mu.Unlock()

	started := 0
	for _, j := range jobs {
		if j.Enabled && s.Start(j.Name) {
			started++
		}
	}
	s.logger.Info().Int("jobs", len(jobs)).Int("started", started).Msg("Scheduler initialized")
	return nil
}

// Start schedules a job. It is idempotent and returns false for unknown jobs
// or after Shutdown.
func (s *Scheduler) Start(name string) bool {
	// held until the loop is armed so Shutdown cannot interleave with wg.Add
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	if !ok || s.closed {
		return false
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.scheduled {
		return true
	}
	j.scheduled = true
	j.stop = make(chan struct{})

	s.wg.Add(1)
	go s.loop(j, j.stop)

	s.logger.Info().Str("job", name).Str("cadence", j.Cadence.String()).Msg("Task started")
	return true
}

// Stop unschedules a job. A run already in flight completes. Idempotent;
// returns false for unknown jobs.
func (s *Scheduler) Stop(name string) bool {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	s.stopJob(j)
	return true
}

func (s *Scheduler) stopJob(j *job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.scheduled {
		return
	}
	close(j.stop)
	j.scheduled = false
	j.next = time.Time{}
	s.logger.Info().Str("job", j.Name).Msg("Task stopped")
}

// Trigger runs a job body once, outside its cadence and regardless of whether
// it is scheduled. When a run of the same group is in flight Trigger waits for
// it to finish first. Trigger-only aliases are accepted as names.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*JobResult, error) {
	s.mu.RLock()
	j, ok := s.jobs[name]
	alias, isAlias := s.aliases[name]
	s.mu.RUnlock()

	switch {
	case ok:
		s.logger.Info().Str("job", name).Msg("Manually triggering job")
		j.run.Lock()
		defer j.run.Unlock()
		result := s.execute(ctx, name, j.Body)
		j.record(result)
		return result, nil
	case isAlias:
		s.logger.Info().Str("job", name).Msg("Manually triggering job")
		alias.run.Lock()
		defer alias.run.Unlock()
		return s.execute(ctx, name, alias.Body), nil
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownJob, name)
	}
}

// Status returns every registered job in registration order
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		j := s.jobs[name]
		j.mu.Lock()
		st := JobStatus{
			Name:    name,
			Running: j.scheduled,
			Cadence: j.Cadence.String(),
			Runs:    j.runs,
			Last:    j.last,
		}
		if !j.next.IsZero() {
			next := j.next
			st.NextRun = &next
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Names lists registered job names followed by trigger-only aliases
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := append([]string(nil), s.order...)
	aliases := make([]string, 0, len(s.aliases))
	for name := range s.aliases {
		aliases = append(aliases, name)
	}
	sort.Strings(aliases)
	return append(names, aliases...)
}

// Shutdown stops every timer and cancels the context handed to scheduled runs.
// It waits up to the shutdown grace for in-flight runs, never panics and is
// safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		s.stopJob(j)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Scheduler shut down")
	case <-time.After(s.grace):
		s.logger.Warn().Dur("grace", s.grace).Msg("Scheduler shut down with runs still in flight")
	}
}

func (s *Scheduler) loop(j *job, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		now := s.now()
		next := j.Cadence.Next(now)
		if next.IsZero() {
			s.logger.Error().Str("job", j.Name).Msg("Cadence never fires, timer not armed")
			return
		}
		j.mu.Lock()
		j.next = next
		j.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// a group never runs twice at once; a busy group skips this slot
		if !j.run.TryLock() {
			s.logger.Info().Str("job", j.Name).Str("group", groupOf(j.Group, j.Name)).Msg("Group run in flight, skipping slot")
			continue
		}
		result := s.execute(s.ctx, j.Name, j.Body)
		j.run.Unlock()
		j.record(result)
	}
}

// execute runs body and converts errors and panics into a failed result
func (s *Scheduler) execute(ctx context.Context, name string, body Body) (result *JobResult) {
	start := s.now()
	result = &JobResult{JobName: name, StartTime: start}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("panic: %v", r)
			s.logger.Error().Str("job", name).Str("stack", string(debug.Stack())).Msg("Job panicked")
		}
		result.EndTime = s.now()
		result.Duration = result.EndTime.Sub(start)
		s.metrics.ObserveJob(name, result.Success, result.Duration)

		ev := s.logger.Info()
		if !result.Success {
			ev = s.logger.Error().Str("error", result.Error)
		}
		ev.Str("job", name).
			Dur("duration", result.Duration).
			Bool("success", result.Success).
			Int("items", result.Report.Items).
			Int("failures", result.Report.Failures).
			Msg("Job finished")
	}()

	s.logger.Debug().Str("job", name).Msg("Job starting")
	report, err := body(ctx)
	result.Report = report
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (j *job) record(r *JobResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs++
	j.last = r
}
