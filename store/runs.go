package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scholium/scholium/pipeline"
	"github.com/scholium/scholium/scherr"
)

type (
	// Run is one recorded pipeline execution.
	Run struct {
		RunID      string          `yaml:"run_id" json:"run_id"`
		Pipeline   string          `yaml:"pipeline" json:"pipeline"`
		Scope      Scope           `yaml:"scope,omitempty" json:"scope,omitempty"`
		Status     pipeline.Status `yaml:"status" json:"status"`
		StartedAt  time.Time       `yaml:"started_at" json:"started_at"`
		FinishedAt time.Time       `yaml:"finished_at" json:"finished_at"`
		// ArticleCount is the size of the final article list.
		ArticleCount int `yaml:"article_count" json:"article_count"`
		// IDs is the final identifier list, in result order.
		IDs []string `yaml:"ids,omitempty" json:"ids,omitempty"`
		// Top summarizes the leading articles.
		Top []RunArticle `yaml:"top,omitempty" json:"top,omitempty"`
		// Diff compares IDs against the previous run of the same pipeline.
		Diff *Diff `yaml:"diff,omitempty" json:"diff,omitempty"`
		// StepErrors maps step ids to failure messages.
		StepErrors map[string]string `yaml:"step_errors,omitempty" json:"step_errors,omitempty"`
	}

	// RunArticle is a compact article summary embedded in a run record.
	RunArticle struct {
		ID        string  `yaml:"id" json:"id"`
		Title     string  `yaml:"title" json:"title"`
		Journal   string  `yaml:"journal,omitempty" json:"journal,omitempty"`
		Year      int     `yaml:"year,omitempty" json:"year,omitempty"`
		Citations int     `yaml:"citations,omitempty" json:"citations,omitempty"`
		Score     float64 `yaml:"score" json:"score"`
	}

	// Diff is the identifier set difference between two runs.
	Diff struct {
		New       []string `yaml:"new,omitempty" json:"new,omitempty"`
		Removed   []string `yaml:"removed,omitempty" json:"removed,omitempty"`
		Unchanged int      `yaml:"unchanged" json:"unchanged"`
	}
)

const (
	// keepRuns bounds the run history per pipeline.
	keepRuns = 100

	runStampLayout = "20060102T150405.000000000Z"
)

// DiffIDs computes the set difference from a previous identifier list to the
// current one. Order within New follows the current list, within Removed the
// previous list.
func DiffIDs(prev, cur []string) Diff {
	prevSet := make(map[string]bool, len(prev))
	for _, id := range prev {
		prevSet[id] = true
	}
	curSet := make(map[string]bool, len(cur))
	for _, id := range cur {
		curSet[id] = true
	}
	var d Diff
	for _, id := range cur {
		if prevSet[id] {
			d.Unchanged++
		} else {
			d.New = append(d.New, id)
		}
	}
	for _, id := range prev {
		if !curSet[id] {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}

// AppendRun records a run for a saved pipeline and prunes history beyond the
// newest hundred records.
func (s *Store) AppendRun(ctx context.Context, name string, run Run) error {
	if !nameRE.MatchString(name) {
		return scherr.Newf(scherr.InvalidInput, "invalid pipeline name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok := s.find(name)
	if !ok {
		return scherr.Newf(scherr.NotFound, "pipeline %q not found", name)
	}
	run.Pipeline = name
	run.Scope = root.scope
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now().UTC()
	}

	dir := runsDir(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return scherr.Wrapf(scherr.Internal, err, "record run for %q", name)
	}
	data, err := yaml.Marshal(&run)
	if err != nil {
		return scherr.Wrapf(scherr.Internal, err, "record run for %q", name)
	}
	stamp := run.StartedAt.UTC().Format(runStampLayout)
	file := stamp + ".yaml"
	if run.RunID != "" {
		file = stamp + "_" + run.RunID + ".yaml"
	}
	if err := writeFileAtomic(filepath.Join(dir, file), data); err != nil {
		return scherr.Wrapf(scherr.Internal, err, "record run for %q", name)
	}
	return pruneRuns(dir)
}

// Runs returns run records newest first. A non-positive limit returns the
// whole retained history.
func (s *Store) Runs(ctx context.Context, name string, limit int) ([]Run, error) {
	if !nameRE.MatchString(name) {
		return nil, scherr.Newf(scherr.InvalidInput, "invalid pipeline name %q", name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.find(name)
	if !ok {
		return nil, scherr.Newf(scherr.NotFound, "pipeline %q not found", name)
	}
	files, err := runFiles(runsDir(root, name))
	if err != nil {
		return nil, scherr.Wrapf(scherr.Internal, err, "list runs for %q", name)
	}
	// Newest first: stamps are fixed width, so the lexical order is the
	// chronological one.
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	out := make([]Run, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(runsDir(root, name), f))
		if err != nil {
			return nil, scherr.Wrapf(scherr.Internal, err, "read run %s", f)
		}
		var run Run
		if err := yaml.Unmarshal(data, &run); err != nil {
			return nil, scherr.Wrapf(scherr.Internal, err, "decode run %s", f)
		}
		out = append(out, run)
	}
	return out, nil
}

// LatestRun returns the most recent run record.
func (s *Store) LatestRun(ctx context.Context, name string) (Run, error) {
	runs, err := s.Runs(ctx, name, 1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, scherr.Newf(scherr.NotFound, "pipeline %q has no recorded runs", name)
	}
	return runs[0], nil
}

func runFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		files = append(files, e.Name())
	}
	return files, nil
}

func pruneRuns(dir string) error {
	files, err := runFiles(dir)
	if err != nil {
		return scherr.Wrapf(scherr.Internal, err, "prune runs")
	}
	if len(files) <= keepRuns {
		return nil
	}
	sort.Strings(files)
	for _, f := range files[:len(files)-keepRuns] {
		if err := os.Remove(filepath.Join(dir, f)); err != nil {
			return scherr.Wrapf(scherr.Internal, err, "prune run %s", f)
		}
	}
	return nil
}
