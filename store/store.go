// Package store persists pipelines, their run history, and the schedule file
// on the local filesystem.
//
// Two scope roots exist: the workspace root, meant to live inside a project
// tree where it can be revision-controlled, and the global root under the
// user's data directory. Lookups try the workspace first and fall back to
// the global root; lists combine both and tag each entry with its scope.
// Every write lands through a temp-file-plus-rename so a crash never leaves
// a half-written document behind.
//
// Layout under each root:
//
//	pipelines/<name>.yaml   the saved document, structured-indent form
//	meta/<name>.yaml        created/updated timestamps
//	runs/<name>/            run records, newest 100 kept
//	schedules.yaml          global root only
package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"github.com/scholium/scholium/pipeline"
	"github.com/scholium/scholium/scherr"
	"github.com/scholium/scholium/session"
)

type (
	// Scope names a persistence root.
	Scope string

	// Options configures a Store. Global is required; Workspace is empty
	// when the process runs outside a project tree.
	Options struct {
		// Workspace is the project-local root.
		Workspace string
		// Global is the per-user root. Created if absent.
		Global string
		// Fetcher retrieves url: pipeline documents. Nil disables url
		// loading.
		Fetcher Fetcher
		// AllowHosts extends the url: host allow-list.
		AllowHosts []string
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Store is the filesystem-backed pipeline store. Safe for concurrent
	// use within one process; writes are serialized by an internal lock.
	Store struct {
		workspace string
		global    string
		fetch     Fetcher
		hosts     map[string]bool
		now       func() time.Time

		mu sync.RWMutex
	}

	// Meta describes a saved pipeline.
	Meta struct {
		Name        string    `yaml:"name" json:"name"`
		Description string    `yaml:"description,omitempty" json:"description,omitempty"`
		Tags        []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
		Scope       Scope     `yaml:"scope" json:"scope"`
		CreatedAt   time.Time `yaml:"created_at" json:"created_at"`
		UpdatedAt   time.Time `yaml:"updated_at" json:"updated_at"`
		Hash        string    `yaml:"hash" json:"hash"`
		StepCount   int       `yaml:"step_count" json:"step_count"`
	}

	// SaveOptions carries the save-time knobs. Description and Tags
	// override the document's own fields when set.
	SaveOptions struct {
		Scope       Scope
		Description string
		Tags        []string
	}

	// ListFilter narrows List output. Zero values match everything.
	ListFilter struct {
		Tag   string
		Scope Scope
	}

	// metaRecord is the sidecar document holding the timestamps that the
	// pipeline file itself must not carry.
	metaRecord struct {
		CreatedAt time.Time `yaml:"created_at"`
		UpdatedAt time.Time `yaml:"updated_at"`
	}

	scopedRoot struct {
		scope Scope
		dir   string
	}
)

const (
	ScopeWorkspace Scope = "workspace"
	ScopeGlobal    Scope = "global"
	// ScopeAuto selects the workspace when its directory exists, the
	// global root otherwise.
	ScopeAuto Scope = "auto"
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// New builds a Store over the configured roots. The global root is created
// if absent; the workspace root is created on first workspace-scoped save.
func New(opts Options) (*Store, error) {
	if opts.Global == "" {
		return nil, errors.New("global root is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Global, 0o755); err != nil {
		return nil, scherr.Wrapf(scherr.Internal, err, "create global root %s", opts.Global)
	}
	hosts := map[string]bool{
		"raw.githubusercontent.com":  true,
		"gist.githubusercontent.com": true,
	}
	for _, h := range opts.AllowHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts[h] = true
		}
	}
	return &Store{
		workspace: opts.Workspace,
		global:    opts.Global,
		fetch:     opts.Fetcher,
		hosts:     hosts,
		now:       opts.Now,
	}, nil
}

// ValidateName checks a pipeline name against the naming rule and the
// reserved words (the session reference and the template names).
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return scherr.Newf(scherr.InvalidInput,
			"invalid pipeline name %q: must match %s", name, nameRE.String())
	}
	if name == session.RefLast {
		return scherr.Newf(scherr.Conflict, "pipeline name %q is reserved", name)
	}
	for _, t := range pipeline.TemplateNames() {
		if name == t {
			return scherr.Newf(scherr.Conflict,
				"pipeline name %q collides with a template", name)
		}
	}
	return nil
}

// Save upserts a pipeline under the resolved scope and returns its metadata.
// The document is validated before anything touches disk.
func (s *Store) Save(ctx context.Context, name string, cfg *pipeline.Config, opts SaveOptions) (Meta, error) {
	if err := ValidateName(name); err != nil {
		return Meta{}, err
	}
	scope, root, err := s.resolveScope(opts.Scope)
	if err != nil {
		return Meta{}, err
	}

	doc := *cfg
	doc.Name = name
	if opts.Description != "" {
		doc.Description = opts.Description
	}
	if len(opts.Tags) > 0 {
		doc.Tags = opts.Tags
	}

	norm, err := pipeline.Normalize(&doc)
	if err != nil {
		return Meta{}, err
	}
	hash, err := pipeline.Hash(&doc)
	if err != nil {
		return Meta{}, err
	}
	text, err := pipeline.Marshal(&doc)
	if err != nil {
		return Meta{}, scherr.Wrapf(scherr.Internal, err, "save pipeline %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := metaRecord{CreatedAt: s.now().UTC(), UpdatedAt: s.now().UTC()}
	if prev, err := readMetaRecord(metaPath(root, name)); err == nil && !prev.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	if err := writeFileAtomic(pipelinePath(root, name), text); err != nil {
		return Meta{}, scherr.Wrapf(scherr.Internal, err, "save pipeline %q", name)
	}
	recData, err := yaml.Marshal(rec)
	if err != nil {
		return Meta{}, scherr.Wrapf(scherr.Internal, err, "save pipeline %q", name)
	}
	if err := writeFileAtomic(metaPath(root, name), recData); err != nil {
		return Meta{}, scherr.Wrapf(scherr.Internal, err, "save pipeline %q", name)
	}
	log.Debugf(ctx, "saved pipeline %q to %s scope (%d steps)", name, scope, len(norm.Steps))
	return buildMeta(scope, name, &doc, norm, hash, rec), nil
}

// Meta returns the metadata of a saved pipeline, workspace first.
func (s *Store) Meta(ctx context.Context, name string) (Meta, error) {
	if !nameRE.MatchString(name) {
		return Meta{}, scherr.Newf(scherr.InvalidInput, "invalid pipeline name %q", name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.find(name)
	if !ok {
		return Meta{}, scherr.Newf(scherr.NotFound, "pipeline %q not found", name)
	}
	return s.readMeta(root, name)
}

// List returns the metadata of every saved pipeline matching the filter.
// Workspace entries come first and shadow global entries of the same name.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Meta
	for _, root := range s.roots() {
		if f.Scope == ScopeWorkspace && root.scope != ScopeWorkspace {
			continue
		}
		if f.Scope == ScopeGlobal && root.scope != ScopeGlobal {
			continue
		}
		names, err := listNames(root.dir)
		if err != nil {
			return nil, scherr.Wrapf(scherr.Internal, err, "list %s pipelines", root.scope)
		}
		sort.Strings(names)
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			m, err := s.readMeta(root, name)
			if err != nil {
				log.Errorf(ctx, err, "skipping unreadable pipeline %q in %s scope", name, root.scope)
				continue
			}
			if f.Tag != "" && !hasTag(m.Tags, f.Tag) {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// Delete removes a pipeline, its run history, and any schedule entry that
// refers to it. Workspace first; the first hit is removed.
func (s *Store) Delete(ctx context.Context, name string) error {
	if !nameRE.MatchString(name) {
		return scherr.Newf(scherr.InvalidInput, "invalid pipeline name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok := s.find(name)
	if !ok {
		return scherr.Newf(scherr.NotFound, "pipeline %q not found", name)
	}
	if err := os.Remove(pipelinePath(root, name)); err != nil {
		return scherr.Wrapf(scherr.Internal, err, "delete pipeline %q", name)
	}
	if err := os.Remove(metaPath(root, name)); err != nil && !os.IsNotExist(err) {
		return scherr.Wrapf(scherr.Internal, err, "delete pipeline %q metadata", name)
	}
	if err := os.RemoveAll(runsDir(root, name)); err != nil {
		return scherr.Wrapf(scherr.Internal, err, "delete pipeline %q runs", name)
	}
	if err := s.deleteScheduleLocked(name); err != nil && !scherr.IsKind(err, scherr.NotFound) {
		return err
	}
	log.Debugf(ctx, "deleted pipeline %q from %s scope", name, root.scope)
	return nil
}

// resolveScope maps the requested scope to a concrete root, creating the
// directory skeleton for writes.
func (s *Store) resolveScope(sc Scope) (Scope, scopedRoot, error) {
	switch sc {
	case ScopeWorkspace:
		if s.workspace == "" {
			return "", scopedRoot{}, scherr.Newf(scherr.InvalidInput, "no workspace root configured")
		}
		root := scopedRoot{scope: ScopeWorkspace, dir: s.workspace}
		return ScopeWorkspace, root, ensureRoot(root.dir)
	case ScopeGlobal:
		root := scopedRoot{scope: ScopeGlobal, dir: s.global}
		return ScopeGlobal, root, ensureRoot(root.dir)
	case ScopeAuto, "":
		if s.workspace != "" && dirExists(s.workspace) {
			root := scopedRoot{scope: ScopeWorkspace, dir: s.workspace}
			return ScopeWorkspace, root, ensureRoot(root.dir)
		}
		root := scopedRoot{scope: ScopeGlobal, dir: s.global}
		return ScopeGlobal, root, ensureRoot(root.dir)
	default:
		return "", scopedRoot{}, scherr.Newf(scherr.InvalidInput, "unknown scope %q", sc)
	}
}

// roots lists the lookup order: workspace, then global.
func (s *Store) roots() []scopedRoot {
	var out []scopedRoot
	if s.workspace != "" {
		out = append(out, scopedRoot{scope: ScopeWorkspace, dir: s.workspace})
	}
	out = append(out, scopedRoot{scope: ScopeGlobal, dir: s.global})
	return out
}

// find locates a saved pipeline, first hit wins. Callers hold the lock.
func (s *Store) find(name string) (scopedRoot, bool) {
	for _, root := range s.roots() {
		if _, err := os.Stat(pipelinePath(root, name)); err == nil {
			return root, true
		}
	}
	return scopedRoot{}, false
}

// readMeta assembles a Meta from the saved document and its sidecar.
// Callers hold at least the read lock.
func (s *Store) readMeta(root scopedRoot, name string) (Meta, error) {
	data, err := os.ReadFile(pipelinePath(root, name))
	if err != nil {
		return Meta{}, scherr.Wrapf(scherr.Internal, err, "read pipeline %q", name)
	}
	cfg, err := pipeline.Parse(data)
	if err != nil {
		return Meta{}, err
	}
	norm, err := pipeline.Normalize(cfg)
	if err != nil {
		return Meta{}, err
	}
	hash, err := pipeline.Hash(cfg)
	if err != nil {
		return Meta{}, err
	}
	rec, err := readMetaRecord(metaPath(root, name))
	if err != nil && !os.IsNotExist(err) {
		return Meta{}, scherr.Wrapf(scherr.Internal, err, "read pipeline %q metadata", name)
	}
	return buildMeta(root.scope, name, cfg, norm, hash, rec), nil
}

func buildMeta(scope Scope, name string, cfg, norm *pipeline.Config, hash string, rec metaRecord) Meta {
	return Meta{
		Name:        name,
		Description: cfg.Description,
		Tags:        norm.Tags,
		Scope:       scope,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		Hash:        hash,
		StepCount:   len(norm.Steps),
	}
}

func readMetaRecord(path string) (metaRecord, error) {
	var rec metaRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// listNames returns the pipeline names saved under one root.
func listNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "pipelines"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func pipelinePath(root scopedRoot, name string) string {
	return filepath.Join(root.dir, "pipelines", name+".yaml")
}

func metaPath(root scopedRoot, name string) string {
	return filepath.Join(root.dir, "meta", name+".yaml")
}

func runsDir(root scopedRoot, name string) string {
	return filepath.Join(root.dir, "runs", name)
}

func ensureRoot(dir string) error {
	for _, sub := range []string{"pipelines", "meta", "runs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return scherr.Wrapf(scherr.Internal, err, "create %s", filepath.Join(dir, sub))
		}
	}
	return nil
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
