package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/semaphore"

	"github.com/scholium/scholium/pipeline"
	"github.com/scholium/scholium/scherr"
	"github.com/scholium/scholium/store"
)

type (
	// Runner executes a saved pipeline by name and returns its run record.
	// The scheduler records the returned run itself; implementations must
	// not append it to the store.
	Runner interface {
		RunPipeline(ctx context.Context, name string) (*store.Run, error)
	}

	// Notifier pushes resource-updated events to connected agents.
	// Delivery is best-effort.
	Notifier interface {
		ResourceUpdated(ctx context.Context, uri string) error
	}

	// Options configures a Scheduler. Zero values select the defaults.
	Options struct {
		// Tick is the dispatch period.
		Tick time.Duration
		// MaxEnabled caps the number of enabled schedules.
		MaxEnabled int
		// MaxConcurrent caps scheduled executions in flight across all
		// pipelines.
		MaxConcurrent int64
		// RunDeadline bounds one scheduled execution.
		RunDeadline time.Duration
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Scheduler owns the schedule state: an in-memory map mirrored to the
	// store's schedule file on every change.
	Scheduler struct {
		store    *store.Store
		runner   Runner
		notifier Notifier

		tick        time.Duration
		maxEnabled  int
		runDeadline time.Duration
		now         func() time.Time
		sem         *semaphore.Weighted

		mu       sync.Mutex
		loaded   bool
		entries  map[string]*entry
		inflight map[string]bool

		wg     sync.WaitGroup
		cancel context.CancelFunc
	}

	// entry pairs the persisted record with its parsed expression.
	entry struct {
		rec  store.ScheduleEntry
		expr Expr
	}
)

const (
	defaultTick          = time.Minute
	defaultMaxEnabled    = 5
	defaultMaxConcurrent = 5
	defaultRunDeadline   = 5 * time.Minute

	historyURI = "pipeline://history/%s/latest"
)

// New builds a Scheduler. Start loads the persisted schedules and begins
// dispatching.
func New(st *store.Store, runner Runner, notifier Notifier, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.MaxEnabled <= 0 {
		opts.MaxEnabled = defaultMaxEnabled
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.RunDeadline <= 0 {
		opts.RunDeadline = defaultRunDeadline
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:       st,
		runner:      runner,
		notifier:    notifier,
		tick:        opts.Tick,
		maxEnabled:  opts.MaxEnabled,
		runDeadline: opts.RunDeadline,
		now:         opts.Now,
		sem:         semaphore.NewWeighted(opts.MaxConcurrent),
		entries:     make(map[string]*entry),
		inflight:    make(map[string]bool),
	}
}

// Start loads the persisted schedules, recomputes every next-run from the
// cron expression and the current clock, and spawns the tick loop. Missed
// runs from before the restart are not backfilled.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	now := s.now()
	for _, e := range s.entries {
		if !e.rec.Enabled {
			continue
		}
		e.rec.NextRun = e.expr.Next(now)
		if err := s.store.PutSchedule(ctx, e.rec); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)
	log.Debugf(ctx, "scheduler started, tick %s", s.tick)
	return nil
}

// Stop halts dispatching and waits for in-flight executions.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Set creates or replaces the schedule for a saved pipeline and enables it.
func (s *Scheduler) Set(ctx context.Context, name, cronSpec string, diff, notify bool) (store.ScheduleEntry, error) {
	if err := s.ensure(ctx); err != nil {
		return store.ScheduleEntry{}, err
	}
	if _, err := s.store.Meta(ctx, name); err != nil {
		return store.ScheduleEntry{}, err
	}
	expr, err := Parse(cronSpec)
	if err != nil {
		return store.ScheduleEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := 0
	for other, e := range s.entries {
		if other != name && e.rec.Enabled {
			enabled++
		}
	}
	if enabled >= s.maxEnabled {
		return store.ScheduleEntry{}, scherr.Newf(scherr.Conflict,
			"schedule fleet is full: %d pipelines already enabled", s.maxEnabled)
	}

	rec := store.ScheduleEntry{
		Pipeline: name,
		Cron:     cronSpec,
		Enabled:  true,
		NextRun:  expr.Next(s.now()),
		Diff:     diff,
		Notify:   notify,
	}
	if prev, ok := s.entries[name]; ok {
		rec.LastRun = prev.rec.LastRun
		rec.LastStatus = prev.rec.LastStatus
		rec.RunCount = prev.rec.RunCount
	}
	if err := s.store.PutSchedule(ctx, rec); err != nil {
		return store.ScheduleEntry{}, err
	}
	s.entries[name] = &entry{rec: rec, expr: expr}
	log.Debugf(ctx, "schedule set for %q: %s, next %s", name, cronSpec, rec.NextRun)
	return rec, nil
}

// List returns every schedule entry, sorted by pipeline name.
func (s *Scheduler) List(ctx context.Context) ([]store.ScheduleEntry, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pipeline < out[j].Pipeline })
	return out, nil
}

// Status returns the entry for one pipeline and whether a scheduled run is
// currently in flight.
func (s *Scheduler) Status(ctx context.Context, name string) (store.ScheduleEntry, bool, error) {
	if err := s.ensure(ctx); err != nil {
		return store.ScheduleEntry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return store.ScheduleEntry{}, false, scherr.Newf(scherr.NotFound, "no schedule for pipeline %q", name)
	}
	return e.rec, s.inflight[name], nil
}

// Remove deletes the schedule for a pipeline.
func (s *Scheduler) Remove(ctx context.Context, name string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return scherr.Newf(scherr.NotFound, "no schedule for pipeline %q", name)
	}
	if err := s.store.DeleteSchedule(ctx, name); err != nil && !scherr.IsKind(err, scherr.NotFound) {
		return err
	}
	delete(s.entries, name)
	return nil
}

// ensure loads the persisted schedule file into memory once.
func (s *Scheduler) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	recs, err := s.store.Schedules(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		expr, err := Parse(rec.Cron)
		if err != nil {
			log.Errorf(ctx, err, "disabling schedule for %q: bad cron expression", rec.Pipeline)
			rec.Enabled = false
			s.entries[rec.Pipeline] = &entry{rec: rec}
			continue
		}
		s.entries[rec.Pipeline] = &entry{rec: rec, expr: expr}
	}
	s.loaded = true
	return nil
}

// loop is the single dispatch goroutine.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch launches every due entry. Each due occurrence is consumed exactly
// once: overlapping or saturated entries skip it and wait for the next fire
// time.
func (s *Scheduler) dispatch(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.rec.Enabled || e.rec.NextRun.IsZero() || e.rec.NextRun.After(now) {
			continue
		}
		e.rec.NextRun = e.expr.Next(now)
		if err := s.store.PutSchedule(ctx, e.rec); err != nil {
			log.Errorf(ctx, err, "persisting next run for %q", e.rec.Pipeline)
		}
		name := e.rec.Pipeline
		if s.inflight[name] {
			log.Printf(ctx, "skipping scheduled run of %q: previous run still in flight", name)
			continue
		}
		if !s.sem.TryAcquire(1) {
			log.Printf(ctx, "skipping scheduled run of %q: scheduler saturated", name)
			continue
		}
		s.inflight[name] = true
		due = append(due, e)
	}
	launch := make([]store.ScheduleEntry, 0, len(due))
	for _, e := range due {
		launch = append(launch, e.rec)
	}
	s.mu.Unlock()

	for _, rec := range launch {
		s.wg.Add(1)
		go s.execute(ctx, rec)
	}
}

// execute runs one scheduled pipeline under the run deadline, records the
// run with its diff against the previous one, and notifies when new
// identifiers appeared.
func (s *Scheduler) execute(ctx context.Context, rec store.ScheduleEntry) {
	name := rec.Pipeline
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() {
		s.mu.Lock()
		delete(s.inflight, name)
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.runDeadline)
	defer cancel()

	var prevIDs []string
	if prev, err := s.store.LatestRun(runCtx, name); err == nil {
		prevIDs = prev.IDs
	}

	started := s.now()
	run, err := s.runner.RunPipeline(runCtx, name)
	status := "failure"
	if run != nil {
		status = string(run.Status)
	}
	if err != nil {
		log.Errorf(ctx, err, "scheduled run of %q failed", name)
	}

	var diff store.Diff
	if run != nil {
		if rec.Diff && run.Status != pipeline.StatusFailure {
			diff = store.DiffIDs(prevIDs, run.IDs)
			run.Diff = &diff
		}
		if appendErr := s.store.AppendRun(runCtx, name, *run); appendErr != nil {
			log.Errorf(ctx, appendErr, "recording scheduled run of %q", name)
		}
	}

	s.mu.Lock()
	if e, ok := s.entries[name]; ok {
		e.rec.LastRun = started
		e.rec.LastStatus = status
		e.rec.RunCount++
		if putErr := s.store.PutSchedule(runCtx, e.rec); putErr != nil {
			log.Errorf(ctx, putErr, "persisting schedule state for %q", name)
		}
	}
	s.mu.Unlock()

	if rec.Notify && len(diff.New) > 0 {
		uri := fmt.Sprintf(historyURI, name)
		if notifyErr := s.notifier.ResourceUpdated(ctx, uri); notifyErr != nil {
			log.Errorf(ctx, notifyErr, "notifying %s", uri)
		}
	}
}
