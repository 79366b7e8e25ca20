package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/scholium/scholium/pipeline"
	"github.com/scholium/scholium/scherr"
)

const (
	templatesURI      = "pipeline://templates"
	templateURIPrefix = "pipeline://templates/"
	savedURIPrefix    = "pipeline://saved/"
	historyURIPrefix  = "pipeline://history/"
	historyURISuffix  = "/latest"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		URI:         templatesURI,
		Name:        "pipeline-templates",
		Description: "Catalog of built-in pipeline templates with their parameter schemas.",
		MIMEType:    "application/json",
	}, s.readTemplates)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "pipeline://templates/{name}",
		Name:        "pipeline-template",
		Description: "One built-in pipeline template: description and parameter schema.",
		MIMEType:    "application/json",
	}, s.readTemplate)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "pipeline://saved/{name}",
		Name:        "saved-pipeline",
		Description: "Canonical document of a saved pipeline; the workspace copy shadows the global one.",
		MIMEType:    "application/yaml",
	}, s.readSaved)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "pipeline://history/{name}/latest",
		Name:        "pipeline-latest-run",
		Description: "Latest recorded run of a saved pipeline. Subscribe to follow scheduled runs.",
		MIMEType:    "application/json",
	}, s.readLatestRun)
}

func (s *Server) readTemplates(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return jsonResource(req.Params.URI, pipeline.Templates())
}

func (s *Server) readTemplate(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	name := strings.TrimPrefix(req.Params.URI, templateURIPrefix)
	info, ok := pipeline.Template(name)
	if !ok {
		return nil, scherr.Newf(scherr.NotFound, "unknown template %q", name)
	}
	return jsonResource(req.Params.URI, info)
}

func (s *Server) readSaved(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	name := strings.TrimPrefix(req.Params.URI, savedURIPrefix)
	loaded, err := s.store.Load(ctx, "saved:"+name)
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{
		URI:      req.Params.URI,
		MIMEType: "application/yaml",
		Text:     string(loaded.Text),
	}}}, nil
}

func (s *Server) readLatestRun(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	name := strings.TrimSuffix(strings.TrimPrefix(req.Params.URI, historyURIPrefix), historyURISuffix)
	run, err := s.store.LatestRun(ctx, name)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, run)
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, scherr.Wrapf(scherr.Internal, err, "encode resource %s", uri)
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{
		URI:      uri,
		MIMEType: "application/json",
		Text:     string(data),
	}}}, nil
}
