package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/pipeline"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/schedule"
	"github.com/scholium/scholium/scherr"
	"github.com/scholium/scholium/session"
	"github.com/scholium/scholium/session/inmem"
	"github.com/scholium/scholium/sources"
	"github.com/scholium/scholium/store"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const pipelineYAML = `name: icu-scan
description: ICU sedation scan
tags:
  - icu
steps:
  - id: search
    action: search
    params:
      query: remimazolam sedation
  - id: rank
    action: rank
`

type fakeSearcher struct {
	name string
	res  sources.Result
	err  error

	mu    sync.Mutex
	calls int
}

func (f *fakeSearcher) Name() string { return f.name }

func (f *fakeSearcher) Search(ctx context.Context, q query.Query, page sources.Page) (sources.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return sources.Result{}, f.err
	}
	return f.res, nil
}

func (f *fakeSearcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFetcher struct {
	name string
	recs map[string]article.Raw
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) Fetch(ctx context.Context, id string) (article.Raw, error) {
	raw, ok := f.recs[id]
	if !ok {
		return article.Raw{}, scherr.Newf(scherr.NotFound, "no record for %s", id)
	}
	return raw, nil
}

// fakeSources satisfies both the engine's registry slice and the server's
// source catalog.
type fakeSources struct {
	searchers []sources.Searcher
	fetchers  map[string]sources.Fetcher
	enricher  sources.Fetcher
}

func (f *fakeSources) Names() []string {
	names := make([]string, 0, len(f.searchers))
	for _, s := range f.searchers {
		names = append(names, s.Name())
	}
	return names
}

func (f *fakeSources) Searchers(names []string) ([]sources.Searcher, error) {
	if len(names) == 0 {
		return f.searchers, nil
	}
	var out []sources.Searcher
	for _, name := range names {
		for _, s := range f.searchers {
			if s.Name() == name {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (f *fakeSources) FetcherFor(id string) (sources.Fetcher, bool) {
	fe, ok := f.fetchers[strings.SplitN(id, ":", 2)[0]]
	return fe, ok
}

func (f *fakeSources) CitationListerFor(id string) (sources.CitationLister, bool) { return nil, false }

func (f *fakeSources) ReferenceListerFor(id string) (sources.ReferenceLister, bool) {
	return nil, false
}

func (f *fakeSources) FulltextFor(id string) (sources.FulltextFetcher, bool) { return nil, false }

func (f *fakeSources) Enricher() (sources.Fetcher, bool) { return f.enricher, f.enricher != nil }

type testEnv struct {
	srv      *Server
	cs       *mcp.ClientSession
	sessions session.Store
	store    *store.Store
	clock    *fakeClock
	pubmed   *fakeSearcher
	embase   *fakeSearcher
}

func intp(v int) *int { return &v }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	pubmed := &fakeSearcher{name: "pubmed", res: sources.Result{
		Records: []article.Raw{
			{
				Source: "pubmed", LocalID: "111", PMID: "111", DOI: "10.1000/remi",
				Title: "Remimazolam versus propofol for ICU sedation", Journal: "Crit Care",
				Year: 2025, Authors: []article.Author{{Name: "Ana Torres"}},
				Abstract: "A randomized comparison of sedation regimens.", CitationCount: intp(12),
			},
			{
				Source: "pubmed", LocalID: "222", PMID: "222",
				Title: "Dexmedetomidine and sedation depth", Journal: "Anaesthesia",
				Year: 2024, CitationCount: intp(40),
			},
		},
		Total: 2,
	}}
	embase := &fakeSearcher{name: "embase", res: sources.Result{}}
	src := &fakeSources{
		searchers: []sources.Searcher{pubmed, embase},
		fetchers: map[string]sources.Fetcher{
			"pmid": &fakeFetcher{name: "pubmed", recs: map[string]article.Raw{
				"pmid:111": {Source: "pubmed", LocalID: "111", PMID: "111", Title: "Remimazolam versus propofol for ICU sedation", Year: 2025},
			}},
		},
		enricher: &fakeFetcher{name: "semanticscholar", recs: map[string]article.Raw{}},
	}

	clock := &fakeClock{t: testNow}
	analyzer := query.NewAnalyzer(nil)
	engine := pipeline.New(src, analyzer, pipeline.WithNow(clock.Now))
	sessions := inmem.New(inmem.Options{})
	st, err := store.New(store.Options{Global: t.TempDir(), Now: clock.Now})
	require.NoError(t, err)

	srv, err := New(Options{
		Sources:  src,
		Analyzer: analyzer,
		Engine:   engine,
		Sessions: sessions,
		Store:    st,
		Schedule: schedule.Options{Tick: time.Hour},
		Version:  "test",
	})
	require.NoError(t, err)

	serverT, clientT := mcp.NewInMemoryTransports()
	_, err = srv.mcp.Connect(ctx, serverT, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = cs.Close()
		srv.Stop()
		_ = sessions.Close()
	})
	return &testEnv{srv: srv, cs: cs, sessions: sessions, store: st, clock: clock, pubmed: pubmed, embase: embase}
}

func (e *testEnv) call(t *testing.T, tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := e.cs.CallTool(context.Background(), &mcp.CallToolParams{Name: tool, Arguments: args})
	require.NoError(t, err)
	return res
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return tc.Text
}

func structOf(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	m, ok := res.StructuredContent.(map[string]any)
	require.True(t, ok, "structured content is %T", res.StructuredContent)
	return m
}

func TestUnifiedSearchSimpleQuery(t *testing.T) {
	env := newTestEnv(t)

	res := env.call(t, "unified_search", map[string]any{"query": "remimazolam ICU sedation"})
	require.False(t, res.IsError, textOf(t, res))

	out := structOf(t, res)
	require.Equal(t, "ok", out["status"])
	require.EqualValues(t, 2, out["count"])
	require.NotEmpty(t, out["session_id"])
	require.Equal(t, []any{"embase", "pubmed"}, out["sources"])

	arts := out["articles"].([]any)
	require.Len(t, arts, 2)
	for _, a := range arts {
		id := a.(map[string]any)["id"].(string)
		require.True(t, strings.HasPrefix(id, "pmid:"), "id %q", id)
	}

	// The session now resolves "last" to the delivered identifiers.
	sid := out["session_id"].(string)
	last, err := env.sessions.Last(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, last.IDs, 2)
	require.Equal(t, "remimazolam ICU sedation", last.Query)

	// Reusing the session id keeps it.
	res = env.call(t, "unified_search", map[string]any{"query": "sedation depth", "session_id": sid})
	require.False(t, res.IsError)
	require.Equal(t, sid, structOf(t, res)["session_id"])
	sets, err := env.sessions.Results(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, sets, 2)
}

func TestUnifiedSearchIdentifierLookup(t *testing.T) {
	env := newTestEnv(t)

	res := env.call(t, "unified_search", map[string]any{"query": "pmid:111"})
	require.False(t, res.IsError, textOf(t, res))

	out := structOf(t, res)
	require.Equal(t, "ok", out["status"])
	require.EqualValues(t, 1, out["count"])
	arts := out["articles"].([]any)
	require.Equal(t, "pmid:111", arts[0].(map[string]any)["id"])

	// Identifier lookups never fan out to the search adapters.
	require.Zero(t, env.pubmed.count())
	require.Zero(t, env.embase.count())
}

func TestUnifiedSearchValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		args map[string]any
		want string
	}{
		{"no path", map[string]any{}, "invalid_input"},
		{"two paths", map[string]any{"query": "x", "pipeline": "steps: []"}, "invalid_input"},
		{"bad strategy", map[string]any{"query": "x", "strategy": "vibes"}, "invalid_input"},
		{"bad format", map[string]any{"query": "x", "format": "csv"}, "invalid_input"},
		{"limit too large", map[string]any{"query": "x", "limit": 101}, "invalid_input"},
		{"unknown source", map[string]any{"query": "x", "sources": []string{"scopus"}}, "invalid_input"},
		{"sources with ref", map[string]any{"pipeline_ref": "saved:x", "sources": []string{"pubmed"}}, "invalid_input"},
		{"ghost ref", map[string]any{"pipeline_ref": "saved:ghost"}, "not_found"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			res := env.call(t, "unified_search", tt.args)
			require.True(t, res.IsError)
			require.True(t, strings.HasPrefix(textOf(t, res), tt.want+":"), "got %q", textOf(t, res))
		})
	}
}

func TestUnifiedSearchTableFormat(t *testing.T) {
	env := newTestEnv(t)

	res := env.call(t, "unified_search", map[string]any{"query": "remimazolam", "format": "table"})
	require.False(t, res.IsError, textOf(t, res))
	require.Nil(t, res.StructuredContent)

	text := textOf(t, res)
	require.Contains(t, text, "TITLE")
	require.Contains(t, text, "Remimazolam versus propofol")
	require.Contains(t, text, "status ok")
}

func TestUnifiedSearchPartialOnSourceFailure(t *testing.T) {
	env := newTestEnv(t)
	env.embase.err = context.DeadlineExceeded

	res := env.call(t, "unified_search", map[string]any{"query": "sedation"})
	require.False(t, res.IsError, textOf(t, res))

	out := structOf(t, res)
	require.Equal(t, "partial", out["status"])
	require.EqualValues(t, 2, out["count"])
	errsAny, ok := out["step_errors"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, errsAny, "search/embase")
}

func TestUnifiedSearchInlinePipeline(t *testing.T) {
	env := newTestEnv(t)

	res := env.call(t, "unified_search", map[string]any{"pipeline": pipelineYAML, "limit": 1})
	require.False(t, res.IsError, textOf(t, res))

	out := structOf(t, res)
	require.Equal(t, "ok", out["status"])
	require.EqualValues(t, 1, out["count"])
}

func TestSavedPipelineRunsAccumulateHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.call(t, "save_pipeline", map[string]any{"name": "icu-scan", "config": pipelineYAML, "scope": "global"})
	require.False(t, res.IsError, textOf(t, res))
	meta := structOf(t, res)
	require.Equal(t, "icu-scan", meta["name"])
	require.Equal(t, "global", meta["scope"])
	require.EqualValues(t, 2, meta["step_count"])

	// First run: recorded, no diff baseline yet.
	res = env.call(t, "unified_search", map[string]any{"pipeline_ref": "saved:icu-scan"})
	require.False(t, res.IsError, textOf(t, res))

	res = env.call(t, "get_pipeline_history", map[string]any{"name": "icu-scan"})
	require.False(t, res.IsError)
	hist := structOf(t, res)
	runs := hist["runs"].([]any)
	require.Len(t, runs, 1)
	first := runs[0].(map[string]any)
	require.Equal(t, "ok", first["status"])
	require.NotContains(t, first, "diff")

	// Second run: identical results, so the diff is all-unchanged. The
	// clock moves so the run files sort.
	env.clock.Advance(time.Minute)
	res = env.call(t, "unified_search", map[string]any{"pipeline_ref": "saved:icu-scan"})
	require.False(t, res.IsError)

	res = env.call(t, "get_pipeline_history", map[string]any{"name": "icu-scan"})
	runs = structOf(t, res)["runs"].([]any)
	require.Len(t, runs, 2)
	diff, ok := runs[0].(map[string]any)["diff"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 2, diff["unchanged"])
	require.NotContains(t, diff, "new")

	// The latest-run resource serves the same record.
	rr, err := env.cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: "pipeline://history/icu-scan/latest"})
	require.NoError(t, err)
	var latest store.Run
	require.NoError(t, json.Unmarshal([]byte(rr.Contents[0].Text), &latest))
	require.Equal(t, runs[0].(map[string]any)["run_id"], latest.RunID)

	// And the saved-pipeline resource serves the canonical document.
	rr, err = env.cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: "pipeline://saved/icu-scan"})
	require.NoError(t, err)
	require.Equal(t, "application/yaml", rr.Contents[0].MIMEType)
	require.Contains(t, rr.Contents[0].Text, "steps:")
}

func TestSaveListLoadDelete(t *testing.T) {
	env := newTestEnv(t)

	res := env.call(t, "save_pipeline", map[string]any{
		"name": "icu-scan", "config": pipelineYAML,
		"tags": []string{"sedation"}, "description": "nightly scan",
	})
	require.False(t, res.IsError, textOf(t, res))
	require.Contains(t, textOf(t, res), `saved pipeline "icu-scan"`)

	res = env.call(t, "list_pipelines", map[string]any{})
	require.False(t, res.IsError)
	pipelines := structOf(t, res)["pipelines"].([]any)
	require.Len(t, pipelines, 1)
	require.Contains(t, textOf(t, res), "icu-scan")

	res = env.call(t, "list_pipelines", map[string]any{"tag": "oncology"})
	require.False(t, res.IsError)
	require.Equal(t, "no saved pipelines", textOf(t, res))

	res = env.call(t, "list_pipelines", map[string]any{"scope": "everywhere"})
	require.True(t, res.IsError)
	require.True(t, strings.HasPrefix(textOf(t, res), "invalid_input:"))

	res = env.call(t, "load_pipeline", map[string]any{"source": "icu-scan"})
	require.False(t, res.IsError)
	require.Contains(t, textOf(t, res), "steps:")
	loaded := structOf(t, res)
	require.Equal(t, "saved:icu-scan", loaded["source"])
	require.NotNil(t, loaded["meta"])

	res = env.call(t, "delete_pipeline", map[string]any{"name": "icu-scan"})
	require.False(t, res.IsError)

	res = env.call(t, "load_pipeline", map[string]any{"source": "icu-scan"})
	require.True(t, res.IsError)
	require.True(t, strings.HasPrefix(textOf(t, res), "not_found:"), "got %q", textOf(t, res))
}

func TestSavePipelineRejectsBadDocuments(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		args   map[string]any
		prefix string
	}{
		{"unparseable", map[string]any{"name": "x", "config": "steps: ["}, "invalid_input"},
		{"unknown action", map[string]any{"name": "x", "config": "steps:\n  - id: a\n    action: teleport\n"}, "invalid_input"},
		{"reserved name", map[string]any{"name": "last", "config": pipelineYAML}, "conflict"},
		{"template name", map[string]any{"name": "pico", "config": pipelineYAML}, "conflict"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			res := env.call(t, "save_pipeline", tt.args)
			require.True(t, res.IsError)
			require.True(t, strings.HasPrefix(textOf(t, res), tt.prefix+":"), "got %q", textOf(t, res))
		})
	}
}

func TestSchedulePipelineActions(t *testing.T) {
	env := newTestEnv(t)

	res := env.call(t, "save_pipeline", map[string]any{"name": "icu-scan", "config": pipelineYAML})
	require.False(t, res.IsError)

	res = env.call(t, "schedule_pipeline", map[string]any{
		"action": "set", "name": "icu-scan", "cron": "0 6 * * *", "diff": true, "notify": true,
	})
	require.False(t, res.IsError, textOf(t, res))
	entry := structOf(t, res)
	require.Equal(t, "icu-scan", entry["pipeline"])
	require.Equal(t, true, entry["enabled"])
	require.NotEmpty(t, entry["next_run"])

	res = env.call(t, "schedule_pipeline", map[string]any{"action": "list"})
	require.False(t, res.IsError)
	require.Contains(t, textOf(t, res), "icu-scan")
	require.Contains(t, textOf(t, res), "0 6 * * *")

	res = env.call(t, "schedule_pipeline", map[string]any{"action": "status", "name": "icu-scan"})
	require.False(t, res.IsError)
	st := structOf(t, res)
	require.Equal(t, false, st["in_flight"])

	res = env.call(t, "schedule_pipeline", map[string]any{"action": "remove", "name": "icu-scan"})
	require.False(t, res.IsError)

	res = env.call(t, "schedule_pipeline", map[string]any{"action": "status", "name": "icu-scan"})
	require.True(t, res.IsError)
	require.True(t, strings.HasPrefix(textOf(t, res), "not_found:"))

	cases := []struct {
		name   string
		args   map[string]any
		prefix string
	}{
		{"bad action", map[string]any{"action": "pause", "name": "icu-scan"}, "invalid_input"},
		{"set without cron", map[string]any{"action": "set", "name": "icu-scan"}, "invalid_input"},
		{"bad cron", map[string]any{"action": "set", "name": "icu-scan", "cron": "every day"}, "invalid_input"},
		{"sub-hour cron", map[string]any{"action": "set", "name": "icu-scan", "cron": "*/15 * * * *"}, "invalid_input"},
		{"ghost pipeline", map[string]any{"action": "set", "name": "ghost", "cron": "0 6 * * *"}, "not_found"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			res := env.call(t, "schedule_pipeline", tt.args)
			require.True(t, res.IsError)
			require.True(t, strings.HasPrefix(textOf(t, res), tt.prefix+":"), "got %q", textOf(t, res))
		})
	}
}

func TestDeletePipelineDropsSchedule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.call(t, "save_pipeline", map[string]any{"name": "icu-scan", "config": pipelineYAML})
	res := env.call(t, "schedule_pipeline", map[string]any{"action": "set", "name": "icu-scan", "cron": "0 6 * * *"})
	require.False(t, res.IsError)

	res = env.call(t, "delete_pipeline", map[string]any{"name": "icu-scan"})
	require.False(t, res.IsError, textOf(t, res))

	res = env.call(t, "schedule_pipeline", map[string]any{"action": "status", "name": "icu-scan"})
	require.True(t, res.IsError)

	entries, err := env.store.Schedules(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTemplateResources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rr, err := env.cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: "pipeline://templates"})
	require.NoError(t, err)
	var infos []pipeline.TemplateInfo
	require.NoError(t, json.Unmarshal([]byte(rr.Contents[0].Text), &infos))
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	require.Equal(t, []string{"citation_chase", "comprehensive", "pico", "quick", "recent_advances"}, names)

	rr, err = env.cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: "pipeline://templates/pico"})
	require.NoError(t, err)
	var info pipeline.TemplateInfo
	require.NoError(t, json.Unmarshal([]byte(rr.Contents[0].Text), &info))
	require.Equal(t, "pico", info.Name)
	require.NotEmpty(t, info.Params)

	_, err = env.cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: "pipeline://templates/bogus"})
	require.Error(t, err)

	_, err = env.cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: "pipeline://history/ghost/latest"})
	require.Error(t, err)
}
