// Package server assembles the agent-facing MCP surface: the unified search
// tool, the pipeline management tools, the read-only pipeline resources, and
// the resource-updated notifications emitted after scheduled runs.
//
// The server is the composition point. It owns the scheduler (the server is
// its Runner and its Notifier) and translates every classified error into a
// "kind: message" envelope so agents can branch on the failure class without
// parsing prose.
package server

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"goa.design/clue/log"

	"github.com/scholium/scholium/pipeline"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/scherr"
	"github.com/scholium/scholium/schedule"
	"github.com/scholium/scholium/session"
	"github.com/scholium/scholium/store"
)

type (
	// Catalog lists the registered source adapters. *sources.Registry
	// satisfies it.
	Catalog interface {
		Names() []string
	}

	// Options carries the server's dependencies. Sources, Analyzer, Engine,
	// Sessions, and Store are required.
	Options struct {
		Sources  Catalog
		Analyzer *query.Analyzer
		Engine   *pipeline.Engine
		Sessions session.Store
		Store    *store.Store
		// Schedule configures the embedded scheduler.
		Schedule schedule.Options
		// Version is reported to clients during initialization.
		Version string
	}

	// Server is the MCP facade.
	Server struct {
		mcp      *mcp.Server
		sources  Catalog
		analyzer *query.Analyzer
		engine   *pipeline.Engine
		sessions session.Store
		store    *store.Store
		sched    *schedule.Scheduler
	}
)

// New builds the server and registers its tools and resources. The scheduler
// is constructed here but not started; Start begins dispatching.
func New(opts Options) (*Server, error) {
	if opts.Sources == nil || opts.Analyzer == nil || opts.Engine == nil || opts.Sessions == nil || opts.Store == nil {
		return nil, scherr.Newf(scherr.Internal, "server: missing dependency")
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		sources:  opts.Sources,
		analyzer: opts.Analyzer,
		engine:   opts.Engine,
		sessions: opts.Sessions,
		store:    opts.Store,
	}
	s.sched = schedule.New(opts.Store, s, s, opts.Schedule)

	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: "scholium", Title: "Scholium", Version: opts.Version},
		&mcp.ServerOptions{
			Instructions: instructions,
			SubscribeHandler: func(ctx context.Context, req *mcp.SubscribeRequest) error {
				return nil
			},
			UnsubscribeHandler: func(ctx context.Context, req *mcp.UnsubscribeRequest) error {
				return nil
			},
		},
	)

	s.registerTools()
	s.registerResources()
	return s, nil
}

// Start begins schedule dispatching.
func (s *Server) Start(ctx context.Context) error {
	return s.sched.Start(ctx)
}

// Stop halts the scheduler and waits for in-flight scheduled runs.
func (s *Server) Stop() {
	s.sched.Stop()
}

// Run serves the MCP protocol over t until the context ends or the client
// disconnects.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	return s.mcp.Run(ctx, t)
}

// ResourceUpdated implements schedule.Notifier by forwarding to subscribed
// sessions.
func (s *Server) ResourceUpdated(ctx context.Context, uri string) error {
	return s.mcp.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{URI: uri})
}

// errResult renders a classified error as an in-band tool failure.
func errResult(ctx context.Context, err error) *mcp.CallToolResult {
	log.Errorf(ctx, err, "tool call failed")
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%s: %s", scherr.KindOf(err), err.Error())}},
		IsError: true,
	}
}

// textResult wraps plain text in a tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

const instructions = `Scholium searches the biomedical and scholarly literature through
composable pipelines and returns deduplicated, ranked article lists.

Most questions need only unified_search with a query string. It accepts plain
topics, boolean expressions with field tags, bare identifiers (pmid:, pmcid:,
doi:), and four-part clinical questions; the right pipeline is generated for
each. Pass the returned session_id on follow-up calls so "last" refers to the
previous result set.

For repeatable research, write a pipeline document (YAML or JSON) and manage
it with save_pipeline / list_pipelines / load_pipeline / delete_pipeline. Run
a saved pipeline with unified_search {"pipeline_ref": "saved:<name>"}. Built-in
templates are listed under the pipeline://templates resource. Recurring runs
are managed with schedule_pipeline; run outcomes accumulate in
get_pipeline_history with identifier diffs between consecutive runs.`
