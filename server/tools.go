package server

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/scholium/scholium/pipeline"
	"github.com/scholium/scholium/scherr"
	"github.com/scholium/scholium/store"
)

type (
	saveInput struct {
		Name        string   `json:"name" jsonschema:"pipeline name: letters, digits, hyphen, underscore; at most 64 chars"`
		Config      string   `json:"config" jsonschema:"pipeline document text, YAML or JSON"`
		Description string   `json:"description,omitempty" jsonschema:"short human-readable summary"`
		Tags        []string `json:"tags,omitempty" jsonschema:"labels used by list_pipelines filtering"`
		Scope       string   `json:"scope,omitempty" jsonschema:"workspace, global, or auto (default: workspace when the project has one, else global)"`
	}

	listInput struct {
		Tag   string `json:"tag,omitempty" jsonschema:"only pipelines carrying this tag"`
		Scope string `json:"scope,omitempty" jsonschema:"workspace or global; empty lists both"`
	}

	listResult struct {
		Pipelines []store.Meta `json:"pipelines"`
	}

	loadInput struct {
		Source string `json:"source" jsonschema:"bare name, saved:<name>, file:<path>, or url:<https-url>"`
	}

	loadResult struct {
		Source    string      `json:"source"`
		Canonical string      `json:"canonical"`
		Meta      *store.Meta `json:"meta,omitempty"`
	}

	deleteInput struct {
		Name string `json:"name" jsonschema:"saved pipeline name"`
	}

	historyInput struct {
		Name  string `json:"name" jsonschema:"saved pipeline name"`
		Limit int    `json:"limit,omitempty" jsonschema:"most recent runs to return (default 10)"`
	}

	historyResult struct {
		Pipeline string      `json:"pipeline"`
		Runs     []store.Run `json:"runs"`
	}

	scheduleInput struct {
		Action string `json:"action" jsonschema:"set, list, status, or remove"`
		Name   string `json:"name,omitempty" jsonschema:"saved pipeline name; required for set, status, remove"`
		Cron   string `json:"cron,omitempty" jsonschema:"five-field cron expression, minimum interval one hour; required for set"`
		Diff   bool   `json:"diff,omitempty" jsonschema:"record the identifier diff against the previous run (set only)"`
		Notify bool   `json:"notify,omitempty" jsonschema:"notify subscribers of the history resource when a diffed run finds new articles (set only)"`
	}

	scheduleStatus struct {
		Entry    store.ScheduleEntry `json:"entry"`
		InFlight bool                `json:"in_flight"`
	}
)

func (s *Server) registerTools() {
	readOnly := &mcp.ToolAnnotations{ReadOnlyHint: true}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "unified_search",
		Description: "Search the scholarly literature and return a ranked, deduplicated article list. " +
			"Takes exactly one of: a free-text query, an inline pipeline document, or a reference to a stored pipeline.",
	}, s.handleUnifiedSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "save_pipeline",
		Description: "Validate a pipeline document and store it under a name for reuse, scheduling, and history tracking.",
	}, s.handleSavePipeline)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_pipelines",
		Description: "List saved pipelines with their scope, tags, and step counts. Workspace pipelines shadow global ones of the same name.",
		Annotations: readOnly,
	}, s.handleListPipelines)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "load_pipeline",
		Description: "Resolve a pipeline source and return its canonical document and metadata without running it.",
		Annotations: readOnly,
	}, s.handleLoadPipeline)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "delete_pipeline",
		Description: "Delete a saved pipeline together with its run history and schedule.",
	}, s.handleDeletePipeline)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_pipeline_history",
		Description: "Return recorded runs of a saved pipeline, newest first, with identifier diffs between consecutive runs.",
		Annotations: readOnly,
	}, s.handleHistory)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "schedule_pipeline",
		Description: "Manage recurring runs of saved pipelines: set a cron schedule, list schedules, check status, or remove one.",
	}, s.handleSchedule)
}

func (s *Server) handleSavePipeline(ctx context.Context, req *mcp.CallToolRequest, in saveInput) (*mcp.CallToolResult, any, error) {
	cfg, err := pipeline.Parse([]byte(in.Config))
	if err != nil {
		return errResult(ctx, err), nil, nil
	}
	meta, err := s.store.Save(ctx, in.Name, cfg, store.SaveOptions{
		Scope:       store.Scope(in.Scope),
		Description: in.Description,
		Tags:        in.Tags,
	})
	if err != nil {
		return errResult(ctx, err), nil, nil
	}
	text := fmt.Sprintf("saved pipeline %q: %s scope, %d steps, hash %s", meta.Name, meta.Scope, meta.StepCount, shortHash(meta.Hash))
	return textResult(text), meta, nil
}

func (s *Server) handleListPipelines(ctx context.Context, req *mcp.CallToolRequest, in listInput) (*mcp.CallToolResult, any, error) {
	switch store.Scope(in.Scope) {
	case "", store.ScopeWorkspace, store.ScopeGlobal:
	default:
		return errResult(ctx, scherr.Newf(scherr.InvalidInput, "unknown scope %q (workspace or global)", in.Scope)), nil, nil
	}
	metas, err := s.store.List(ctx, store.ListFilter{Tag: in.Tag, Scope: store.Scope(in.Scope)})
	if err != nil {
		return errResult(ctx, err), nil, nil
	}
	if len(metas) == 0 {
		return textResult("no saved pipelines"), listResult{Pipelines: []store.Meta{}}, nil
	}
	return textResult(renderMetaTable(metas)), listResult{Pipelines: metas}, nil
}

func (s *Server) handleLoadPipeline(ctx context.Context, req *mcp.CallToolRequest, in loadInput) (*mcp.CallToolResult, any, error) {
	loaded, err := s.store.Load(ctx, in.Source)
	if err != nil {
		return errResult(ctx, err), nil, nil
	}
	norm, err := pipeline.Normalize(loaded.Config)
	if err != nil {
		return errResult(ctx, err), nil, nil
	}
	text, err := pipeline.Marshal(norm)
	if err != nil {
		return errResult(ctx, err), nil, nil
	}
	out := loadResult{Source: loaded.Source, Canonical: string(text), Meta: loaded.Meta}
	return textResult(out.Canonical), out, nil
}

func (s *Server) handleDeletePipeline(ctx context.Context, req *mcp.CallToolRequest, in deleteInput) (*mcp.CallToolResult, any, error) {
	// Drop the scheduler's entry first so a tick cannot dispatch a run of a
	// pipeline that is about to disappear.
	if err := s.sched.Remove(ctx, in.Name); err != nil && !scherr.IsKind(err, scherr.NotFound) {
		return errResult(ctx, err), nil, nil
	}
	if err := s.store.Delete(ctx, in.Name); err != nil {
		return errResult(ctx, err), nil, nil
	}
	return textResult(fmt.Sprintf("deleted pipeline %q with its run history and schedule", in.Name)), nil, nil
}

func (s *Server) handleHistory(ctx context.Context, req *mcp.CallToolRequest, in historyInput) (*mcp.CallToolResult, any, error) {
	if in.Limit < 0 {
		return errResult(ctx, scherr.Newf(scherr.InvalidInput, "limit must not be negative")), nil, nil
	}
	limit := in.Limit
	if limit == 0 {
		limit = 10
	}
	runs, err := s.store.Runs(ctx, in.Name, limit)
	if err != nil {
		return errResult(ctx, err), nil, nil
	}
	out := historyResult{Pipeline: in.Name, Runs: runs}
	if len(runs) == 0 {
		return textResult(fmt.Sprintf("pipeline %q has no recorded runs", in.Name)), out, nil
	}
	return textResult(renderRunTable(in.Name, runs)), out, nil
}

func (s *Server) handleSchedule(ctx context.Context, req *mcp.CallToolRequest, in scheduleInput) (*mcp.CallToolResult, any, error) {
	switch in.Action {
	case "set":
		if in.Name == "" || in.Cron == "" {
			return errResult(ctx, scherr.Newf(scherr.InvalidInput, "set needs name and cron")), nil, nil
		}
		rec, err := s.sched.Set(ctx, in.Name, in.Cron, in.Diff, in.Notify)
		if err != nil {
			return errResult(ctx, err), nil, nil
		}
		text := fmt.Sprintf("scheduled %q: %s, next run %s", rec.Pipeline, rec.Cron, rec.NextRun.UTC().Format("2006-01-02 15:04 MST"))
		return textResult(text), rec, nil

	case "list":
		entries, err := s.sched.List(ctx)
		if err != nil {
			return errResult(ctx, err), nil, nil
		}
		if len(entries) == 0 {
			return textResult("no schedules"), []store.ScheduleEntry{}, nil
		}
		return textResult(renderScheduleTable(entries)), entries, nil

	case "status":
		if in.Name == "" {
			return errResult(ctx, scherr.Newf(scherr.InvalidInput, "status needs a name")), nil, nil
		}
		rec, inflight, err := s.sched.Status(ctx, in.Name)
		if err != nil {
			return errResult(ctx, err), nil, nil
		}
		out := scheduleStatus{Entry: rec, InFlight: inflight}
		return textResult(renderScheduleStatus(out)), out, nil

	case "remove":
		if in.Name == "" {
			return errResult(ctx, scherr.Newf(scherr.InvalidInput, "remove needs a name")), nil, nil
		}
		if err := s.sched.Remove(ctx, in.Name); err != nil {
			return errResult(ctx, err), nil, nil
		}
		return textResult(fmt.Sprintf("removed the schedule for %q", in.Name)), nil, nil

	default:
		return errResult(ctx, scherr.Newf(scherr.InvalidInput, "unknown action %q (set, list, status, remove)", in.Action)), nil, nil
	}
}
