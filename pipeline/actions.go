package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/rank"
	"github.com/scholium/scholium/scherr"
	"github.com/scholium/scholium/sources"
)

// runSearch fans the query out over the named sources. The query comes from
// the step's params or, when absent, from an upstream expand step. One
// source failing among several is recorded and tolerated; all sources
// failing fails the step.
func (e *Engine) runSearch(ctx context.Context, step Step, in *stepInput, opts RunOptions, st *runState) (*stepValue, error) {
	q, err := e.searchQuery(ctx, step, in)
	if err != nil {
		return nil, err
	}

	names := paramStrings(step.Params, "sources")
	searchers, err := e.src.Searchers(names)
	if err != nil {
		return nil, err
	}
	page := sources.Page{Size: opts.PageSize}
	if n := paramInt(step.Params, "page_size"); n > 0 {
		page.Size = n
	}

	var (
		mu          sync.Mutex
		raws        []article.Raw
		unsupported = make(map[string][]string)
		errs        []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range searchers {
		g.Go(func() error {
			res, err := s.Search(gctx, *q, page)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				st.noteError(step.ID+"/"+s.Name(), err)
				log.Errorf(ctx, err, "search %s failed", s.Name())
				return nil
			}
			mu.Lock()
			raws = append(raws, res.Records...)
			if len(res.Unsupported) > 0 {
				unsupported[s.Name()] = res.Unsupported
			}
			mu.Unlock()
			st.recordRaw(s.Name(), len(res.Records))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(errs) == len(searchers) && len(searchers) > 0 {
		first := errs[0]
		return nil, scherr.Wrapf(scherr.KindOf(first), first, "all %d sources failed", len(searchers))
	}

	arts, dropped := article.NormalizeBatch(raws, e.now())
	if dropped > 0 {
		log.Debugf(ctx, "dropped %d records without identifiers", dropped)
	}
	return &stepValue{
		articles:    article.Dedupe(arts),
		query:       q,
		unsupported: unsupported,
	}, nil
}

// searchQuery builds the normalized query for a search step: explicit params
// take precedence over the inherited query from upstream.
func (e *Engine) searchQuery(ctx context.Context, step Step, in *stepInput) (*query.Query, error) {
	q := in.query()
	if text := paramString(step.Params, "query"); text != "" {
		analyzed, err := e.analyzer.Analyze(ctx, text, e.queryOptions(step.Params))
		if err != nil {
			return nil, err
		}
		return &analyzed, nil
	}
	if q == nil {
		return nil, scherr.Newf(scherr.InvalidInput, "step %q has no query and no upstream expand", step.ID)
	}
	out := *q
	e.applyQueryParams(&out, step.Params)
	return &out, nil
}

// queryOptions maps search/expand step params onto analyzer options.
func (e *Engine) queryOptions(params map[string]any) query.Options {
	opts := query.Options{
		Language:       paramString(params, "language"),
		OpenAccessOnly: paramBool(params, "open_access"),
		Demographics:   paramStrings(params, "demographics"),
	}
	opts.DateFrom = parseDateParam(paramString(params, "date_from"))
	opts.DateTo = parseDateParam(paramString(params, "date_to"))
	for _, dt := range paramStrings(params, "doc_types") {
		opts.DocTypes = append(opts.DocTypes, article.PubType(dt))
	}
	if db := paramString(params, "db"); db != "" {
		opts.Filters = map[string]string{"db": db}
	}
	return opts
}

// applyQueryParams overlays step params on an inherited query.
func (e *Engine) applyQueryParams(q *query.Query, params map[string]any) {
	if d := parseDateParam(paramString(params, "date_from")); d.Known() {
		q.DateFrom = d
	}
	if d := parseDateParam(paramString(params, "date_to")); d.Known() {
		q.DateTo = d
	}
	if dts := paramStrings(params, "doc_types"); len(dts) > 0 {
		q.DocTypes = q.DocTypes[:0]
		for _, dt := range dts {
			q.DocTypes = append(q.DocTypes, article.PubType(dt))
		}
	}
	if lang := paramString(params, "language"); lang != "" {
		q.Language = strings.ToLower(lang)
	}
	if paramBool(params, "open_access") {
		q.OpenAccessOnly = true
	}
	if db := paramString(params, "db"); db != "" {
		if q.Filters == nil {
			q.Filters = make(map[string]string)
		}
		q.Filters["db"] = db
	}
}

// runExpand rewrites the step's query text through the analyzer and emits
// the normalized query for downstream search steps.
func (e *Engine) runExpand(ctx context.Context, step Step, in *stepInput) (*stepValue, error) {
	text := paramString(step.Params, "query")
	if text == "" {
		if q := in.query(); q != nil {
			text = q.Text
		}
	}
	if text == "" {
		return nil, scherr.Newf(scherr.InvalidInput, "step %q has no query to expand", step.ID)
	}
	q, err := e.analyzer.Analyze(ctx, text, e.queryOptions(step.Params))
	if err != nil {
		return nil, err
	}
	return &stepValue{query: &q}, nil
}

// runMerge unions dependency outputs in dependency-list order and
// deduplicates.
func (e *Engine) runMerge(step Step, in *stepInput) (*stepValue, error) {
	if err := in.allMissing(step); err != nil {
		return nil, err
	}
	arts := in.articles()
	return &stepValue{
		articles:    article.Dedupe(arts),
		query:       in.query(),
		unsupported: in.unsupported(),
	}, nil
}

// runFilter applies predicates over the unified fields. Articles without a
// known date are dropped by date predicates.
func (e *Engine) runFilter(step Step, in *stepInput) (*stepValue, error) {
	from := parseDateParam(paramString(step.Params, "date_from"))
	to := parseDateParam(paramString(step.Params, "date_to"))
	if n := paramInt(step.Params, "within_years"); n > 0 {
		cutoff := e.now().AddDate(-n, 0, 0)
		from = article.PubDate{Year: cutoff.Year(), Month: int(cutoff.Month()), Day: cutoff.Day()}
	}
	docTypes := make(map[article.PubType]bool)
	for _, dt := range paramStrings(step.Params, "doc_types") {
		docTypes[article.PubType(dt)] = true
	}
	language := strings.ToLower(paramString(step.Params, "language"))
	openAccess := paramBool(step.Params, "open_access")
	hasFulltext := paramBool(step.Params, "has_fulltext")

	var kept []article.UnifiedArticle
	for _, a := range in.articles() {
		if from.Known() && (!a.Date.Known() || a.Date.Time().Before(from.Time())) {
			continue
		}
		if to.Known() && (!a.Date.Known() || a.Date.Time().After(endOfPeriod(to))) {
			continue
		}
		if len(docTypes) > 0 && !hasAnyType(&a, docTypes) {
			continue
		}
		if language != "" && a.Language != language {
			continue
		}
		if openAccess && !a.OpenAccess() {
			continue
		}
		if hasFulltext && !fulltextAvailable(&a) {
			continue
		}
		kept = append(kept, a)
	}
	return &stepValue{articles: kept, query: in.query(), unsupported: in.unsupported()}, nil
}

// endOfPeriod is the last instant covered by a partial upper bound, so
// date_to: 2021 keeps everything published in 2021.
func endOfPeriod(d article.PubDate) time.Time {
	switch {
	case d.Month == 0:
		return time.Date(d.Year+1, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)
	case d.Day == 0:
		return time.Date(d.Year, time.Month(d.Month)+1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)
	default:
		return time.Date(d.Year, time.Month(d.Month), d.Day, 23, 59, 59, 0, time.UTC)
	}
}

func hasAnyType(a *article.UnifiedArticle, want map[article.PubType]bool) bool {
	for _, t := range a.Types {
		if want[t] {
			return true
		}
	}
	return false
}

func fulltextAvailable(a *article.UnifiedArticle) bool {
	if a.OpenAccess() {
		return true
	}
	for _, l := range a.Links {
		switch l.Kind {
		case article.LinkPDF, article.LinkXML, article.LinkText:
			return true
		}
	}
	return false
}

// runRank scores and orders the input articles.
func (e *Engine) runRank(step Step, in *stepInput, norm *Config) (*stepValue, error) {
	if err := in.allMissing(step); err != nil {
		return nil, err
	}
	strategy := paramString(step.Params, "strategy")
	if strategy == "" {
		strategy = norm.Output.Strategy
	}
	strat, err := rank.ParseStrategy(strategy)
	if err != nil {
		return nil, scherr.Wrapf(scherr.InvalidInput, err, "step %q", step.ID)
	}
	limit := paramInt(step.Params, "limit")
	if limit <= 0 {
		limit = norm.Output.Limit
	}

	q := query.Query{}
	if qq := in.query(); qq != nil {
		q = *qq
	}
	scored := rank.Rank(in.articles(), q, strat,
		rank.WithNow(e.now()),
		rank.WithUnsupportedFilters(in.unsupported()))
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	arts := make([]article.UnifiedArticle, len(scored))
	for i, s := range scored {
		arts[i] = s.Article
	}
	if scored == nil {
		scored = []rank.Scored{}
	}
	return &stepValue{scored: scored, articles: arts, query: in.query(), unsupported: in.unsupported()}, nil
}

// runEnrich attaches citation metrics to articles that lack them. Per-article
// lookup failures are logged and skipped; enrichment never drops articles.
func (e *Engine) runEnrich(ctx context.Context, step Step, in *stepInput, st *runState) (*stepValue, error) {
	enricher, ok := e.src.Enricher()
	if !ok {
		return nil, scherr.Newf(scherr.Internal, "no citation-metrics source registered")
	}
	arts := in.articles()
	out := make([]article.UnifiedArticle, len(arts))
	copy(out, arts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fetchLimit)
	for i := range out {
		g.Go(func() error {
			a := &out[i]
			if a.CitationCount != nil && a.Impact != nil {
				return nil
			}
			id := metricsID(a)
			if id == "" {
				return nil
			}
			raw, err := enricher.Fetch(gctx, id)
			if err != nil {
				log.Debugf(ctx, "enrich %s: %s", id, err)
				return nil
			}
			enriched := a.Clone()
			if raw.CitationCount != nil {
				if enriched.CitationCount == nil || *raw.CitationCount > *enriched.CitationCount {
					enriched.CitationCount = cloneInt(raw.CitationCount)
				}
			}
			if enriched.InfluentialCitations == nil && raw.InfluentialCitations != nil {
				enriched.InfluentialCitations = cloneInt(raw.InfluentialCitations)
			}
			if enriched.Impact == nil && raw.Impact != nil {
				v := *raw.Impact
				enriched.Impact = &v
			}
			out[i] = enriched
			st.recordRaw(raw.Source, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &stepValue{articles: out, query: in.query(), unsupported: in.unsupported()}, nil
}

// metricsID picks the identifier the citation-metrics service can resolve.
func metricsID(a *article.UnifiedArticle) string {
	switch {
	case a.DOI != "":
		return "doi:" + a.DOI
	case a.PMID != "":
		return "pmid:" + a.PMID
	case a.OtherIDs["semanticscholar"] != "":
		return "s2:" + a.OtherIDs["semanticscholar"]
	default:
		return ""
	}
}

// runFetchDetails resolves each input identifier to a full record. Ids no
// adapter owns and per-id fetch failures are recorded; the step fails only
// when every id fails.
func (e *Engine) runFetchDetails(ctx context.Context, step Step, in *stepInput, st *runState) (*stepValue, error) {
	ids := stepIDs(step, in)
	if len(ids) == 0 {
		return &stepValue{query: in.query(), unsupported: in.unsupported()}, nil
	}

	var (
		mu   sync.Mutex
		raws []article.Raw
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fetchLimit)
	for _, id := range ids {
		g.Go(func() error {
			f, ok := e.src.FetcherFor(id)
			if !ok {
				err := scherr.Newf(scherr.NotFound, "no source can resolve %q", id)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				st.noteError(step.ID+"/"+id, err)
				return nil
			}
			raw, err := f.Fetch(gctx, id)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				st.noteError(step.ID+"/"+id, err)
				log.Debugf(ctx, "fetch %s: %s", id, err)
				return nil
			}
			mu.Lock()
			raws = append(raws, raw)
			mu.Unlock()
			st.recordRaw(raw.Source, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(errs) == len(ids) {
		first := errs[0]
		return nil, scherr.Wrapf(scherr.KindOf(first), first, "all %d fetches failed", len(ids))
	}
	arts, _ := article.NormalizeBatch(raws, e.now())
	return &stepValue{articles: article.Dedupe(arts), query: in.query(), unsupported: in.unsupported()}, nil
}

// runFetchGraph walks one direction of the citation graph for each input id
// and emits the unioned identifier list.
func (e *Engine) runFetchGraph(ctx context.Context, step Step, in *stepInput, references bool) (*stepValue, error) {
	ids := stepIDs(step, in)
	if len(ids) == 0 {
		return &stepValue{query: in.query(), unsupported: in.unsupported()}, nil
	}
	limit := paramInt(step.Params, "limit")

	var (
		mu    sync.Mutex
		found = make([][]string, len(ids))
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fetchLimit)
	for i, id := range ids {
		g.Go(func() error {
			var linked []string
			var err error
			if references {
				lister, ok := e.src.ReferenceListerFor(id)
				if !ok {
					err = scherr.Newf(scherr.NotFound, "no source lists references for %q", id)
				} else {
					linked, err = lister.References(gctx, id)
				}
			} else {
				lister, ok := e.src.CitationListerFor(id)
				if !ok {
					err = scherr.Newf(scherr.NotFound, "no source lists citations for %q", id)
				} else {
					linked, err = lister.Citations(gctx, id)
				}
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				log.Debugf(ctx, "graph walk %s: %s", id, err)
				return nil
			}
			mu.Lock()
			found[i] = linked
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(errs) == len(ids) {
		first := errs[0]
		return nil, scherr.Wrapf(scherr.KindOf(first), first, "all %d graph walks failed", len(ids))
	}
	var union []string
	for _, linked := range found {
		union = append(union, linked...)
	}
	union = uniqueStrings(union)
	if limit > 0 && len(union) > limit {
		union = union[:limit]
	}
	return &stepValue{ids: union, query: in.query(), unsupported: in.unsupported()}, nil
}

// runFetchFulltext retrieves document bodies for the input ids and passes
// the input articles through unchanged.
func (e *Engine) runFetchFulltext(ctx context.Context, step Step, in *stepInput) (*stepValue, error) {
	ids := stepIDs(step, in)
	sections := paramStrings(step.Params, "sections")

	var mu sync.Mutex
	bodies := make(map[string]sources.Fulltext)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fetchLimit)
	for _, id := range ids {
		g.Go(func() error {
			ff, ok := e.src.FulltextFor(id)
			if !ok {
				return nil
			}
			ft, err := ff.Fulltext(gctx, id, sections)
			if err != nil {
				log.Debugf(ctx, "fulltext %s: %s", id, err)
				return nil
			}
			mu.Lock()
			bodies[id] = ft
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &stepValue{
		articles:    in.articles(),
		fulltext:    bodies,
		query:       in.query(),
		unsupported: in.unsupported(),
	}, nil
}

// stepIDs resolves the identifiers a fetch-family step operates on: explicit
// ids win, then the upstream outputs.
func stepIDs(step Step, in *stepInput) []string {
	if ids := paramStrings(step.Params, "ids"); len(ids) > 0 {
		return uniqueStrings(ids)
	}
	return in.ids()
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// parseDateParam reads a year, year-month, or full date param.
func parseDateParam(s string) article.PubDate {
	s = strings.TrimSpace(s)
	if s == "" {
		return article.PubDate{}
	}
	var d article.PubDate
	parts := strings.SplitN(s, "-", 3)
	d.Year = atoiSafe(parts[0])
	if len(parts) > 1 {
		d.Month = atoiSafe(parts[1])
	}
	if len(parts) > 2 {
		d.Day = atoiSafe(parts[2])
	}
	if d.Year < 1000 {
		return article.PubDate{}
	}
	return d
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// Param accessors tolerate the JSON and YAML decodings of the same document:
// numbers may arrive as int or float64, lists as []any.

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func paramInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func paramBool(params map[string]any, key string) bool {
	v, ok := params[key].(bool)
	return ok && v
}

func paramStrings(params map[string]any, key string) []string {
	var out []string
	switch v := params[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	for i, s := range out {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
