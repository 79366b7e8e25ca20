package server

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"goa.design/clue/log"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/pipeline"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/rank"
	"github.com/scholium/scholium/scherr"
	"github.com/scholium/scholium/session"
	"github.com/scholium/scholium/store"
)

type (
	// searchInput is the unified_search parameter surface. Exactly one of
	// Query, Pipeline, and PipelineRef selects the execution path.
	searchInput struct {
		Query       string   `json:"query,omitempty" jsonschema:"free-text query: a topic, a boolean expression with field tags, a bare identifier (pmid:/pmcid:/doi:), or a clinical question"`
		Pipeline    string   `json:"pipeline,omitempty" jsonschema:"inline pipeline document, YAML or JSON"`
		PipelineRef string   `json:"pipeline_ref,omitempty" jsonschema:"stored pipeline reference: saved:<name>, file:<path>, or url:<https-url>"`
		Sources     []string `json:"sources,omitempty" jsonschema:"source names to search (query path only); empty means the default set"`
		Limit       int      `json:"limit,omitempty" jsonschema:"maximum articles to return, 1-100"`
		Strategy    string   `json:"strategy,omitempty" jsonschema:"ranking strategy: balanced, relevance, recent, most-cited, quality, or impact"`
		Format      string   `json:"format,omitempty" jsonschema:"structured (default) or table"`
		SessionID   string   `json:"session_id,omitempty" jsonschema:"session to update; a fresh session is created when omitted"`
	}

	// searchArticle is one ranked article in the structured result.
	searchArticle struct {
		ID        string   `json:"id"`
		Title     string   `json:"title,omitempty"`
		Authors   []string `json:"authors,omitempty"`
		Journal   string   `json:"journal,omitempty"`
		Year      int      `json:"year,omitempty"`
		DOI       string   `json:"doi,omitempty"`
		Types     []string `json:"types,omitempty"`
		Citations *int     `json:"citations,omitempty"`
		Score     float64  `json:"score"`
		Abstract  string   `json:"abstract,omitempty"`
	}

	// searchResult is the structured unified_search payload.
	searchResult struct {
		SessionID  string            `json:"session_id,omitempty"`
		RunID      string            `json:"run_id"`
		Status     string            `json:"status"`
		Count      int               `json:"count"`
		Articles   []searchArticle   `json:"articles,omitempty"`
		IDs        []string          `json:"ids,omitempty"`
		Sources    []string          `json:"sources,omitempty"`
		StepErrors map[string]string `json:"step_errors,omitempty"`
	}
)

// runTopArticles caps the per-run article summaries kept in history records.
const runTopArticles = 10

func (s *Server) handleUnifiedSearch(ctx context.Context, req *mcp.CallToolRequest, in searchInput) (*mcp.CallToolResult, any, error) {
	cfg, pipelineName, err := s.searchConfig(ctx, in)
	if err != nil {
		return errResult(ctx, err), nil, nil
	}
	norm, err := pipeline.Normalize(cfg)
	if err != nil {
		return errResult(ctx, err), nil, nil
	}
	applyOverrides(norm, in.Limit, in.Strategy)

	res, err := s.engine.Run(ctx, norm, pipeline.RunOptions{})
	if err != nil {
		return errResult(ctx, err), nil, nil
	}

	ids := resultIDs(res)
	sid := s.updateSession(ctx, in.SessionID, in.Query, pipelineName, ids, res)
	if pipelineName != "" {
		s.recordRun(ctx, pipelineName, res, ids)
	}

	out := buildSearchResult(sid, res, ids)
	if in.Format == string(pipeline.FormatTable) {
		return textResult(renderArticleTable(out)), nil, nil
	}
	return textResult(summarizeSearch(out)), out, nil
}

// searchConfig validates the parameter groups and resolves the pipeline to
// run. The returned name is non-empty only for saved pipelines, whose runs
// land in history.
func (s *Server) searchConfig(ctx context.Context, in searchInput) (*pipeline.Config, string, error) {
	if err := validateSearchInput(in); err != nil {
		return nil, "", err
	}
	switch {
	case in.Query != "":
		if err := s.validateSources(in.Sources); err != nil {
			return nil, "", err
		}
		cfg, err := s.generate(ctx, in)
		return cfg, "", err
	case in.Pipeline != "":
		cfg, err := pipeline.Parse([]byte(in.Pipeline))
		return cfg, "", err
	default:
		if len(in.Sources) > 0 {
			return nil, "", scherr.Newf(scherr.InvalidInput, "sources applies to query searches; set sources inside the pipeline document")
		}
		loaded, err := s.store.Load(ctx, in.PipelineRef)
		if err != nil {
			return nil, "", err
		}
		name := ""
		if loaded.Meta != nil {
			name = loaded.Meta.Name
		}
		return loaded.Config, name, nil
	}
}

func validateSearchInput(in searchInput) error {
	given := 0
	for _, v := range []string{in.Query, in.Pipeline, in.PipelineRef} {
		if v != "" {
			given++
		}
	}
	if given != 1 {
		return scherr.Newf(scherr.InvalidInput, "provide exactly one of query, pipeline, pipeline_ref")
	}
	if in.Limit < 0 || in.Limit > 100 {
		return scherr.Newf(scherr.InvalidInput, "limit must be between 1 and 100")
	}
	if in.Strategy != "" {
		if _, err := rank.ParseStrategy(in.Strategy); err != nil {
			return err
		}
	}
	switch in.Format {
	case "", string(pipeline.FormatStructured), string(pipeline.FormatTable):
	default:
		return scherr.Newf(scherr.InvalidInput, "unknown format %q (structured or table)", in.Format)
	}
	return nil
}

func (s *Server) validateSources(names []string) error {
	if len(names) == 0 {
		return nil
	}
	known := make(map[string]bool)
	for _, n := range s.sources.Names() {
		known[n] = true
	}
	for _, n := range names {
		if !known[n] {
			return scherr.Newf(scherr.InvalidInput, "unknown source %q", n)
		}
	}
	return nil
}

// generate routes a free-text query through the analyzer and builds the
// matching pipeline: identifiers become a lookup flow, well-formed clinical
// questions use the pico template, everything else fans out through
// comprehensive.
func (s *Server) generate(ctx context.Context, in searchInput) (*pipeline.Config, error) {
	q, err := s.analyzer.Analyze(ctx, in.Query, query.Options{})
	if err != nil {
		return nil, err
	}
	log.Debugf(ctx, "query classified as %s", q.Class)

	switch {
	case q.Class == query.ClassIdentifier:
		return &pipeline.Config{
			Steps: []pipeline.Step{
				{ID: "lookup", Action: pipeline.ActionFetchDetails, Params: map[string]any{"ids": []string{q.Identifier}}},
				{ID: "rank", Action: pipeline.ActionRank},
			},
		}, nil
	case q.Class == query.ClassClinical && q.Clinical != nil && q.Clinical.Population != "" && q.Clinical.Intervention != "":
		params := map[string]any{
			"population":   q.Clinical.Population,
			"intervention": q.Clinical.Intervention,
		}
		if q.Clinical.Comparator != "" {
			params["comparator"] = q.Clinical.Comparator
		}
		if q.Clinical.Outcome != "" {
			params["outcome"] = q.Clinical.Outcome
		}
		if in.Limit > 0 {
			params["limit"] = in.Limit
		}
		return &pipeline.Config{Template: "pico", TemplateParams: params}, nil
	default:
		params := map[string]any{"query": q.Text}
		if len(in.Sources) > 0 {
			params["sources"] = in.Sources
		}
		if in.Limit > 0 {
			params["limit"] = in.Limit
		}
		return &pipeline.Config{Template: "comprehensive", TemplateParams: params}, nil
	}
}

// applyOverrides pushes the caller's limit and strategy into the normalized
// pipeline: onto the output block and onto every rank step, whose own params
// otherwise win.
func applyOverrides(norm *pipeline.Config, limit int, strategy string) {
	if limit <= 0 && strategy == "" {
		return
	}
	if limit > 0 {
		norm.Output.Limit = limit
	}
	if strategy != "" {
		norm.Output.Strategy = strategy
	}
	for i := range norm.Steps {
		if norm.Steps[i].Action != pipeline.ActionRank {
			continue
		}
		if norm.Steps[i].Params == nil {
			norm.Steps[i].Params = make(map[string]any)
		}
		if limit > 0 {
			norm.Steps[i].Params["limit"] = limit
		}
		if strategy != "" {
			norm.Steps[i].Params["strategy"] = strategy
		}
	}
}

// resultIDs returns the identifier list a run delivered: the ranked
// articles' best ids, or the raw id list for citation and reference walks.
func resultIDs(res *pipeline.RunResult) []string {
	if len(res.Articles) == 0 {
		return res.IDs
	}
	ids := make([]string, 0, len(res.Articles))
	for _, sc := range res.Articles {
		ids = append(ids, sc.Article.BestID())
	}
	return ids
}

// updateSession records the delivered result set and caches the article
// details. Session writes run on an uncancellable context so a client
// disconnect cannot leave the cache half-updated; failures degrade to an
// empty session id rather than failing the search.
func (s *Server) updateSession(ctx context.Context, sid, qtext, pipelineName string, ids []string, res *pipeline.RunResult) string {
	sctx := context.WithoutCancel(ctx)
	sid, err := s.sessions.Touch(sctx, sid)
	if err != nil {
		log.Errorf(ctx, err, "session touch")
		return ""
	}
	set := session.ResultSet{IDs: ids, Query: qtext, Pipeline: pipelineName, At: time.Now().UTC()}
	if err := s.sessions.AddResults(sctx, sid, set); err != nil {
		log.Errorf(ctx, err, "session results")
		return sid
	}
	if len(res.Articles) > 0 {
		arts := make([]article.UnifiedArticle, 0, len(res.Articles))
		for _, sc := range res.Articles {
			arts = append(arts, sc.Article)
		}
		if err := s.sessions.PutArticles(sctx, sid, arts); err != nil {
			log.Errorf(ctx, err, "session articles")
		}
	}
	return sid
}

// recordRun appends a history record for a saved pipeline's manual run,
// diffed against the previous run when one exists.
func (s *Server) recordRun(ctx context.Context, name string, res *pipeline.RunResult, ids []string) {
	rec := runRecord(res)
	if prev, err := s.store.LatestRun(ctx, name); err == nil {
		d := store.DiffIDs(prev.IDs, ids)
		rec.Diff = &d
	}
	if err := s.store.AppendRun(context.WithoutCancel(ctx), name, rec); err != nil {
		log.Errorf(ctx, err, "recording run of %q", name)
	}
}

// runRecord summarizes an engine result as a history record.
func runRecord(res *pipeline.RunResult) store.Run {
	run := store.Run{
		RunID:        res.RunID,
		Status:       res.Status,
		StartedAt:    res.Started,
		FinishedAt:   res.Finished,
		ArticleCount: len(res.Articles),
		IDs:          resultIDs(res),
	}
	if len(res.StepErrors) > 0 {
		run.StepErrors = res.StepErrors
	}
	for i, sc := range res.Articles {
		if i == runTopArticles {
			break
		}
		run.Top = append(run.Top, store.RunArticle{
			ID:        sc.Article.BestID(),
			Title:     sc.Article.Title,
			Journal:   sc.Article.Journal,
			Year:      sc.Article.Date.Year,
			Citations: intOrZero(sc.Article.CitationCount),
			Score:     sc.Score,
		})
	}
	return run
}

// RunPipeline implements schedule.Runner: load the saved pipeline, run it,
// and hand the summarized record back for the scheduler to append.
func (s *Server) RunPipeline(ctx context.Context, name string) (*store.Run, error) {
	loaded, err := s.store.Load(ctx, "saved:"+name)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Run(ctx, loaded.Config, pipeline.RunOptions{})
	if res == nil {
		return nil, err
	}
	run := runRecord(res)
	return &run, err
}

func buildSearchResult(sid string, res *pipeline.RunResult, ids []string) *searchResult {
	out := &searchResult{
		SessionID: sid,
		RunID:     res.RunID,
		Status:    string(res.Status),
		Count:     len(res.Articles),
		Sources:   res.Stats.Sources,
	}
	if len(res.StepErrors) > 0 {
		out.StepErrors = res.StepErrors
	}
	if len(res.Articles) == 0 {
		out.IDs = ids
		out.Count = len(ids)
		return out
	}
	for _, sc := range res.Articles {
		a := sc.Article
		art := searchArticle{
			ID:        a.BestID(),
			Title:     a.Title,
			Journal:   a.Journal,
			Year:      a.Date.Year,
			DOI:       a.DOI,
			Citations: a.CitationCount,
			Score:     sc.Score,
			Abstract:  a.Abstract,
		}
		for _, au := range a.Authors {
			art.Authors = append(art.Authors, au.Name)
		}
		for _, t := range a.Types {
			art.Types = append(art.Types, string(t))
		}
		out.Articles = append(out.Articles, art)
	}
	return out
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
