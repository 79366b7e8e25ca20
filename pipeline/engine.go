package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/rank"
	"github.com/scholium/scholium/scherr"
	"github.com/scholium/scholium/sources"
)

type (
	// Sources is the slice of the adapter registry the engine consumes.
	// *sources.Registry satisfies it.
	Sources interface {
		Searchers(names []string) ([]sources.Searcher, error)
		FetcherFor(id string) (sources.Fetcher, bool)
		CitationListerFor(id string) (sources.CitationLister, bool)
		ReferenceListerFor(id string) (sources.ReferenceLister, bool)
		FulltextFor(id string) (sources.FulltextFetcher, bool)
		Enricher() (sources.Fetcher, bool)
	}

	// Engine executes normalized pipelines. Safe for concurrent use.
	Engine struct {
		src      Sources
		analyzer *query.Analyzer
		tracer   trace.Tracer

		stepTimeout     time.Duration
		fulltextTimeout time.Duration
		fetchLimit      int
		now             func() time.Time
	}

	// Option configures the engine.
	Option func(*Engine)

	// RunOptions carries per-run knobs.
	RunOptions struct {
		// Deadline bounds the whole run; zero leaves only the caller's
		// context in charge.
		Deadline time.Duration
		// PageSize is the per-source page size for search steps.
		PageSize int
	}

	// Status is the run outcome.
	Status string

	// Stats summarizes a run's work.
	Stats struct {
		// Steps is the number of steps that executed (including failures).
		Steps int
		// Raw counts source records retrieved before deduplication.
		Raw int
		// Sources lists the adapters that contributed records, sorted.
		Sources []string
	}

	// RunResult is the outcome of one pipeline execution.
	RunResult struct {
		RunID    string
		Status   Status
		Articles []rank.Scored
		// IDs carries the identifier list when the terminal step emits ids
		// (citation or reference walks) rather than articles.
		IDs []string
		// Fulltext maps identifiers to retrieved bodies from any
		// fetch-fulltext step.
		Fulltext   map[string]sources.Fulltext
		StepErrors map[string]string
		Started    time.Time
		Finished   time.Time
		Stats      Stats
	}
)

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

const (
	defaultStepTimeout     = 30 * time.Second
	defaultFulltextTimeout = 60 * time.Second
	defaultFetchLimit      = 4
	defaultPageSize        = 25
)

// WithStepTimeout sets the per-step wall deadline for search and fetch
// actions.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stepTimeout = d }
}

// WithFulltextTimeout sets the wall deadline for fetch-fulltext steps.
func WithFulltextTimeout(d time.Duration) Option {
	return func(e *Engine) { e.fulltextTimeout = d }
}

// WithFetchConcurrency bounds the per-step fan-out across input ids.
func WithFetchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fetchLimit = n
		}
	}
}

// WithNow fixes the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine over the adapter registry and query analyzer.
func New(src Sources, analyzer *query.Analyzer, opts ...Option) *Engine {
	e := &Engine{
		src:             src,
		analyzer:        analyzer,
		tracer:          otel.Tracer("scholium/pipeline"),
		stepTimeout:     defaultStepTimeout,
		fulltextTimeout: defaultFulltextTimeout,
		fetchLimit:      defaultFetchLimit,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// stepValue is the output of one executed step. Consumers read the fields
// their action understands.
type stepValue struct {
	articles    []article.UnifiedArticle
	scored      []rank.Scored
	query       *query.Query
	ids         []string
	fulltext    map[string]sources.Fulltext
	unsupported map[string][]string
}

// stepInput is the gathered output of a step's dependencies, in
// dependency-list order. Failed dependencies count as missing.
type stepInput struct {
	values  []*stepValue
	missing int
	total   int
}

func (in *stepInput) articles() []article.UnifiedArticle {
	var out []article.UnifiedArticle
	for _, v := range in.values {
		out = append(out, v.articles...)
	}
	return out
}

// ids returns the identifiers flowing into a step: explicit id outputs
// first, then the best id of every input article.
func (in *stepInput) ids() []string {
	var out []string
	for _, v := range in.values {
		out = append(out, v.ids...)
	}
	for _, a := range in.articles() {
		if id := a.BestID(); id != "" {
			out = append(out, id)
		}
	}
	return uniqueStrings(out)
}

func (in *stepInput) query() *query.Query {
	for _, v := range in.values {
		if v.query != nil {
			return v.query
		}
	}
	return nil
}

// allMissing errors when the step had dependencies and none of them ever
// produced an output. Merge and rank call it so a run whose inputs all
// vanished fails instead of emitting a silently empty result.
func (in *stepInput) allMissing(step Step) error {
	if in.total > 0 && in.missing == in.total {
		return scherr.Newf(scherr.Upstream, "all %d inputs to step %q failed", in.total, step.ID)
	}
	return nil
}

func (in *stepInput) unsupported() map[string][]string {
	var out map[string][]string
	for _, v := range in.values {
		for src, filters := range v.unsupported {
			if out == nil {
				out = make(map[string][]string)
			}
			out[src] = append(out[src], filters...)
		}
	}
	return out
}

// runState is the shared bookkeeping of one run.
type runState struct {
	mu      sync.Mutex
	outputs map[string]*stepValue
	failed  map[string]bool
	errors  map[string]string
	raw     int
	sources map[string]bool
	fatal   error
}

func (st *runState) recordRaw(source string, n int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.raw += n
	if source != "" {
		st.sources[source] = true
	}
}

func (st *runState) noteError(key string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.errors[key] = err.Error()
}

// Run executes cfg. InvalidInput aborts before any step runs and context
// cancellation aborts without a result; a fatal step failure returns the
// partial RunResult alongside the fatal error so callers keep both the run
// record and the error kind.
func (e *Engine) Run(ctx context.Context, cfg *Config, opts RunOptions) (*RunResult, error) {
	norm, err := Normalize(cfg)
	if err != nil {
		return nil, err
	}
	lvls, err := levels(norm.Steps)
	if err != nil {
		return nil, err
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	res := &RunResult{
		RunID:      uuid.NewString(),
		Started:    e.now(),
		StepErrors: make(map[string]string),
	}
	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.name", norm.Name),
		attribute.String("pipeline.run_id", res.RunID),
		attribute.Int("pipeline.steps", len(norm.Steps)),
	))
	defer span.End()
	ctx = log.With(ctx, log.KV{K: "run", V: res.RunID})

	stepsByID := make(map[string]Step, len(norm.Steps))
	searchSteps := 0
	for _, s := range norm.Steps {
		stepsByID[s.ID] = s
		if s.Action == ActionSearch {
			searchSteps++
		}
	}
	depsByID := make(map[string][]string, len(norm.Steps))
	for i, s := range norm.Steps {
		depsByID[s.ID] = stepDeps(norm.Steps, i)
	}

	st := &runState{
		outputs: make(map[string]*stepValue),
		failed:  make(map[string]bool),
		errors:  make(map[string]string),
		sources: make(map[string]bool),
	}

	for _, level := range lvls {
		if st.fatal != nil {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range level {
			step := stepsByID[id]
			g.Go(func() error {
				return e.runStep(gctx, step, depsByID[step.ID], norm, opts, searchSteps, st)
			})
		}
		if err := g.Wait(); err != nil && ctx.Err() != nil {
			return nil, scherr.Wrapf(scherr.Cancelled, ctx.Err(), "pipeline %q", norm.Name)
		}
	}

	res.Finished = e.now()
	res.StepErrors = st.errors
	steps := len(st.outputs)
	for id := range st.failed {
		if _, ok := st.outputs[id]; !ok {
			steps++
		}
	}
	res.Stats.Steps = steps
	res.Stats.Raw = st.raw
	for s := range st.sources {
		res.Stats.Sources = append(res.Stats.Sources, s)
	}
	sort.Strings(res.Stats.Sources)

	e.finalize(res, norm, st)

	switch {
	case st.fatal != nil:
		res.Status = StatusFailure
		span.RecordError(st.fatal)
		return res, st.fatal
	case len(st.errors) > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusOK
	}
	return res, nil
}

// runStep executes one step and records its outcome. Soft failures store an
// empty output and return nil so siblings keep running; fatal failures
// propagate to cancel the level.
func (e *Engine) runStep(ctx context.Context, step Step, deps []string, norm *Config, opts RunOptions, searchSteps int, st *runState) error {
	in := e.gather(deps, st)

	ctx, cancel := context.WithTimeout(ctx, e.timeoutFor(step.Action))
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.action", string(step.Action)),
	))
	defer span.End()

	started := e.now()
	val, err := e.execute(ctx, step, in, norm, opts, st)
	if err == nil {
		st.mu.Lock()
		st.outputs[step.ID] = val
		st.mu.Unlock()
		log.Debugf(ctx, "step %s (%s) done in %s: %d articles, %d ids",
			step.ID, step.Action, e.now().Sub(started).Round(time.Millisecond), len(val.articles), len(val.ids))
		return nil
	}

	span.RecordError(err)
	fatal := e.isFatal(step, in, searchSteps)
	st.mu.Lock()
	st.failed[step.ID] = true
	st.errors[step.ID] = err.Error()
	if fatal {
		if st.fatal == nil {
			st.fatal = scherr.Wrapf(scherr.KindOf(err), err, "step %q", step.ID)
		}
	} else {
		st.outputs[step.ID] = &stepValue{}
	}
	st.mu.Unlock()

	if fatal {
		log.Errorf(ctx, err, "step %s (%s) failed fatally", step.ID, step.Action)
		return err
	}
	log.Errorf(ctx, err, "step %s (%s) failed, continuing with empty output", step.ID, step.Action)
	return nil
}

// gather collects dependency outputs in dependency-list order. Soft-failed
// dependencies contribute their empty output; only steps that never produced
// one count as missing.
func (e *Engine) gather(deps []string, st *runState) *stepInput {
	in := &stepInput{total: len(deps)}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, dep := range deps {
		if v, ok := st.outputs[dep]; ok {
			in.values = append(in.values, v)
			continue
		}
		in.missing++
	}
	return in
}

// isFatal classifies a step failure. A merge or rank loses the run when
// every input is missing; a search only does when it is the pipeline's sole
// search step and it targets a single source, because then nothing else can
// supply articles. Multi-source searches whose sources all fail stay soft so
// the run finishes empty with status partial.
func (e *Engine) isFatal(step Step, in *stepInput, searchSteps int) bool {
	switch step.Action {
	case ActionMerge, ActionRank:
		return in.total > 0 && in.missing == in.total
	case ActionSearch:
		if searchSteps != 1 {
			return false
		}
		ss, err := e.src.Searchers(paramStrings(step.Params, "sources"))
		return err != nil || len(ss) == 1
	default:
		return false
	}
}

func (e *Engine) timeoutFor(a Action) time.Duration {
	if a == ActionFetchFulltext {
		return e.fulltextTimeout
	}
	return e.stepTimeout
}

func (e *Engine) execute(ctx context.Context, step Step, in *stepInput, norm *Config, opts RunOptions, st *runState) (*stepValue, error) {
	switch step.Action {
	case ActionSearch:
		return e.runSearch(ctx, step, in, opts, st)
	case ActionExpand:
		return e.runExpand(ctx, step, in)
	case ActionMerge:
		return e.runMerge(step, in)
	case ActionFilter:
		return e.runFilter(step, in)
	case ActionRank:
		return e.runRank(step, in, norm)
	case ActionEnrich:
		return e.runEnrich(ctx, step, in, st)
	case ActionFetchDetails:
		return e.runFetchDetails(ctx, step, in, st)
	case ActionFetchCitations:
		return e.runFetchGraph(ctx, step, in, false)
	case ActionFetchReferences:
		return e.runFetchGraph(ctx, step, in, true)
	case ActionFetchFulltext:
		return e.runFetchFulltext(ctx, step, in)
	default:
		return nil, scherr.Newf(scherr.Internal, "unhandled action %q", step.Action)
	}
}

// finalize derives the result fields from the terminal step's output.
func (e *Engine) finalize(res *RunResult, norm *Config, st *runState) {
	term := norm.Steps[len(norm.Steps)-1].ID
	st.mu.Lock()
	val := st.outputs[term]
	for _, v := range st.outputs {
		for id, ft := range v.fulltext {
			if res.Fulltext == nil {
				res.Fulltext = make(map[string]sources.Fulltext)
			}
			res.Fulltext[id] = ft
		}
	}
	st.mu.Unlock()
	if val == nil {
		return
	}

	limit := norm.Output.Limit
	switch {
	case val.scored != nil:
		res.Articles = val.scored
	case len(val.articles) > 0:
		strat, err := rank.ParseStrategy(norm.Output.Strategy)
		if err != nil {
			strat = rank.StrategyBalanced
		}
		q := query.Query{}
		if val.query != nil {
			q = *val.query
		}
		res.Articles = rank.Rank(val.articles, q, strat,
			rank.WithNow(e.now()),
			rank.WithUnsupportedFilters(val.unsupported))
	case len(val.ids) > 0:
		res.IDs = val.ids
	}
	if limit > 0 && len(res.Articles) > limit {
		res.Articles = res.Articles[:limit]
	}
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
