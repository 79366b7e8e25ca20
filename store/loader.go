package store

import (
	"context"
	"errors"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/scholium/scholium/gateway"
	"github.com/scholium/scholium/pipeline"
	"github.com/scholium/scholium/scherr"
)

type (
	// Fetcher retrieves remote pipeline documents. *gateway.Client
	// satisfies it.
	Fetcher interface {
		Do(ctx context.Context, req gateway.Request) (*gateway.Response, error)
	}

	// Loaded is a resolved pipeline document.
	Loaded struct {
		// Config is the parsed document.
		Config *pipeline.Config
		// Text is the document as stored or fetched.
		Text []byte
		// Meta is set when the source is a saved pipeline.
		Meta *Meta
		// Source is the normalized source descriptor.
		Source string
	}
)

// maxRemoteSize caps url: pipeline bodies.
const maxRemoteSize = 100 << 10

// Load resolves a pipeline source. Accepted forms:
//
//	name           store lookup, workspace first
//	saved:name     same as a bare name
//	file:path      local file under one of the scope roots
//	url:https://…  allow-listed https host, text body up to 100 KiB
func (s *Store) Load(ctx context.Context, source string) (*Loaded, error) {
	switch {
	case strings.HasPrefix(source, "saved:"):
		return s.loadSaved(ctx, strings.TrimPrefix(source, "saved:"))
	case strings.HasPrefix(source, "file:"):
		return s.loadFile(ctx, strings.TrimPrefix(source, "file:"))
	case strings.HasPrefix(source, "url:"):
		return s.loadURL(ctx, strings.TrimPrefix(source, "url:"))
	default:
		return s.loadSaved(ctx, source)
	}
}

func (s *Store) loadSaved(ctx context.Context, name string) (*Loaded, error) {
	if !nameRE.MatchString(name) {
		return nil, scherr.Newf(scherr.InvalidInput, "invalid pipeline name %q", name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.find(name)
	if !ok {
		return nil, scherr.Newf(scherr.NotFound, "pipeline %q not found", name)
	}
	text, err := os.ReadFile(pipelinePath(root, name))
	if err != nil {
		return nil, scherr.Wrapf(scherr.Internal, err, "read pipeline %q", name)
	}
	cfg, err := pipeline.Parse(text)
	if err != nil {
		return nil, err
	}
	meta, err := s.readMeta(root, name)
	if err != nil {
		return nil, err
	}
	return &Loaded{Config: cfg, Text: text, Meta: &meta, Source: "saved:" + name}, nil
}

func (s *Store) loadFile(ctx context.Context, path string) (*Loaded, error) {
	if path == "" {
		return nil, scherr.Newf(scherr.InvalidInput, "empty file path")
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return nil, scherr.Newf(scherr.InvalidInput, "file path %q escapes the store roots", path)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, scherr.Wrapf(scherr.InvalidInput, err, "resolve %q", path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, scherr.Newf(scherr.NotFound, "pipeline file %q not found", path)
		}
		return nil, scherr.Wrapf(scherr.InvalidInput, err, "resolve %q", path)
	}
	if !s.underRoot(resolved) {
		return nil, scherr.Newf(scherr.InvalidInput, "file path %q escapes the store roots", path)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	text, err := os.ReadFile(resolved)
	if err != nil {
		return nil, scherr.Wrapf(scherr.Internal, err, "read %q", path)
	}
	cfg, err := pipeline.Parse(text)
	if err != nil {
		return nil, err
	}
	return &Loaded{Config: cfg, Text: text, Source: "file:" + path}, nil
}

// underRoot reports whether a fully resolved path lives under one of the
// scope roots, themselves resolved so symlinked roots still match.
func (s *Store) underRoot(resolved string) bool {
	for _, root := range s.roots() {
		dir, err := filepath.EvalSymlinks(root.dir)
		if err != nil {
			continue
		}
		if resolved == dir || strings.HasPrefix(resolved, dir+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func (s *Store) loadURL(ctx context.Context, raw string) (*Loaded, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, scherr.Wrapf(scherr.InvalidInput, err, "parse pipeline url %q", raw)
	}
	if u.Scheme != "https" {
		return nil, scherr.Newf(scherr.InvalidInput, "pipeline urls must use https, got %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if !s.hosts[host] {
		return nil, scherr.Newf(scherr.InvalidInput, "pipeline host %q is not on the allow-list", host)
	}
	if s.fetch == nil {
		return nil, scherr.Newf(scherr.Internal, "url pipeline loading is not configured")
	}
	resp, err := s.fetch.Do(ctx, gateway.Request{URL: u.String(), MaxBody: maxRemoteSize})
	if err != nil {
		var gerr *gateway.Error
		if errors.As(err, &gerr) && gerr.Kind == gateway.KindOversize {
			return nil, scherr.Wrapf(scherr.InvalidInput, err,
				"pipeline url %q exceeds %d bytes", raw, maxRemoteSize)
		}
		return nil, err
	}
	if !textContent(resp.Header.Get("Content-Type")) {
		return nil, scherr.Newf(scherr.InvalidInput,
			"pipeline url %q returned content type %q, want text", raw, resp.Header.Get("Content-Type"))
	}
	cfg, err := pipeline.Parse(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Loaded{Config: cfg, Text: resp.Body, Source: "url:" + raw}, nil
}

// textContent accepts the media types remote pipelines may use.
func textContent(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/yaml", "application/x-yaml", "application/json":
		return true
	}
	return false
}
