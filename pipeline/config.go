// Package pipeline parses, validates, and executes declarative research
// pipelines. A pipeline is a DAG of steps; the parser accepts JSON and YAML
// interchangeably, the template catalog expands named skeletons into steps,
// and the engine schedules topological levels with parallel steps inside
// each level.
package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scholium/scholium/rank"
	"github.com/scholium/scholium/scherr"
)

type (
	// Config is the declarative pipeline document. Either Template (with
	// TemplateParams) or Steps is set, never both.
	Config struct {
		Name        string   `yaml:"name,omitempty" json:"name,omitempty"`
		Description string   `yaml:"description,omitempty" json:"description,omitempty"`
		Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`

		Template       string         `yaml:"template,omitempty" json:"template,omitempty"`
		TemplateParams map[string]any `yaml:"template_params,omitempty" json:"template_params,omitempty"`

		Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`

		Output   Output        `yaml:"output,omitempty" json:"output,omitempty"`
		Schedule *ScheduleSpec `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	}

	// Step is one unit of work in the graph. An empty DependsOn means the
	// step depends on the previous step's output; the first step has no
	// implicit dependency.
	Step struct {
		ID        string         `yaml:"id" json:"id"`
		Action    Action         `yaml:"action" json:"action"`
		Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
		DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	}

	// Output shapes the pipeline result.
	Output struct {
		Format   string `yaml:"format,omitempty" json:"format,omitempty"`
		Limit    int    `yaml:"limit,omitempty" json:"limit,omitempty"`
		Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	}

	// ScheduleSpec is the optional schedule subdocument carried by a saved
	// pipeline.
	ScheduleSpec struct {
		Cron    string `yaml:"cron" json:"cron"`
		Enabled bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
		Diff    bool   `yaml:"diff,omitempty" json:"diff,omitempty"`
		Notify  bool   `yaml:"notify,omitempty" json:"notify,omitempty"`
	}

	// Action enumerates the step kinds.
	Action string
)

const (
	ActionSearch          Action = "search"
	ActionExpand          Action = "expand"
	ActionMerge           Action = "merge"
	ActionFilter          Action = "filter"
	ActionRank            Action = "rank"
	ActionEnrich          Action = "enrich"
	ActionFetchDetails    Action = "fetch-details"
	ActionFetchCitations  Action = "fetch-citations"
	ActionFetchReferences Action = "fetch-references"
	ActionFetchFulltext   Action = "fetch-fulltext"
)

// Output format values.
const (
	FormatStructured = "structured"
	FormatTable      = "table"
)

const (
	defaultOutputLimit = 20
	maxOutputLimit     = 100
)

var actions = map[Action]bool{
	ActionSearch:          true,
	ActionExpand:          true,
	ActionMerge:           true,
	ActionFilter:          true,
	ActionRank:            true,
	ActionEnrich:          true,
	ActionFetchDetails:    true,
	ActionFetchCitations:  true,
	ActionFetchReferences: true,
	ActionFetchFulltext:   true,
}

// Parse decodes pipeline text. The first non-space byte selects the codec:
// '{' reads the braces-plus-quotes form, anything else the structured-indent
// form. Unknown fields, unknown actions, and template/steps conflicts are
// invalid input.
func Parse(data []byte) (*Config, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, scherr.Newf(scherr.InvalidInput, "empty pipeline document")
	}

	var cfg Config
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, scherr.Wrapf(scherr.InvalidInput, err, "parse pipeline")
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, scherr.Wrapf(scherr.InvalidInput, err, "parse pipeline")
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks the document's static shape; graph validation happens in
// levels once templates are resolved.
func (c *Config) validate() error {
	if c.Template != "" && len(c.Steps) > 0 {
		return scherr.Newf(scherr.InvalidInput, "pipeline sets both template and steps")
	}
	if c.Template == "" && len(c.Steps) == 0 {
		return scherr.Newf(scherr.InvalidInput, "pipeline needs a template or steps")
	}
	if c.Template != "" {
		if _, ok := Template(c.Template); !ok {
			return scherr.Newf(scherr.InvalidInput, "unknown template %q (have %s)", c.Template, strings.Join(TemplateNames(), ", "))
		}
	}
	seen := make(map[string]bool, len(c.Steps))
	for i, s := range c.Steps {
		if s.ID == "" {
			return scherr.Newf(scherr.InvalidInput, "step %d has no id", i+1)
		}
		if seen[s.ID] {
			return scherr.Newf(scherr.InvalidInput, "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if !actions[s.Action] {
			return scherr.Newf(scherr.InvalidInput, "step %q: unknown action %q", s.ID, s.Action)
		}
	}
	if c.Output.Format != "" && c.Output.Format != FormatStructured && c.Output.Format != FormatTable {
		return scherr.Newf(scherr.InvalidInput, "unknown output format %q", c.Output.Format)
	}
	if c.Output.Strategy != "" {
		if _, err := rank.ParseStrategy(c.Output.Strategy); err != nil {
			return scherr.Wrapf(scherr.InvalidInput, err, "output strategy")
		}
	}
	if c.Output.Limit < 0 {
		return scherr.Newf(scherr.InvalidInput, "output limit must not be negative")
	}
	if c.Schedule != nil && strings.TrimSpace(c.Schedule.Cron) == "" {
		return scherr.Newf(scherr.InvalidInput, "schedule block needs a cron expression")
	}
	return nil
}

// Normalize returns the canonical form of cfg: the template resolved into
// explicit steps, defaults applied, tags sorted and deduplicated, and step
// params rewritten to their canonical JSON shapes. The input is not
// modified.
func Normalize(cfg *Config) (*Config, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	out := &Config{
		Name:        strings.TrimSpace(cfg.Name),
		Description: strings.TrimSpace(cfg.Description),
		Output:      cfg.Output,
	}
	if cfg.Schedule != nil {
		s := *cfg.Schedule
		out.Schedule = &s
	}

	tags := make(map[string]bool, len(cfg.Tags))
	for _, t := range cfg.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags[t] = true
		}
	}
	for t := range tags {
		out.Tags = append(out.Tags, t)
	}
	sort.Strings(out.Tags)

	if cfg.Template != "" {
		steps, tplOut, err := resolveTemplate(cfg.Template, cfg.TemplateParams)
		if err != nil {
			return nil, err
		}
		out.Steps = steps
		if out.Output.Format == "" {
			out.Output.Format = tplOut.Format
		}
		if out.Output.Limit == 0 {
			out.Output.Limit = tplOut.Limit
		}
		if out.Output.Strategy == "" {
			out.Output.Strategy = tplOut.Strategy
		}
	} else {
		out.Steps = make([]Step, len(cfg.Steps))
		for i, s := range cfg.Steps {
			out.Steps[i] = Step{
				ID:        s.ID,
				Action:    s.Action,
				Params:    canonicalParams(s.Params),
				DependsOn: append([]string(nil), s.DependsOn...),
			}
		}
	}

	if out.Output.Format == "" {
		out.Output.Format = FormatStructured
	}
	if out.Output.Limit == 0 {
		out.Output.Limit = defaultOutputLimit
	}
	if out.Output.Limit > maxOutputLimit {
		out.Output.Limit = maxOutputLimit
	}
	if out.Output.Strategy == "" {
		out.Output.Strategy = string(rank.StrategyBalanced)
	}

	if _, err := levels(out.Steps); err != nil {
		return nil, err
	}
	return out, nil
}

// Marshal emits the structured-indent form. Saved pipelines always use this
// rendition regardless of the input codec.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}
	return buf.Bytes(), nil
}

// Hash is the stable content hash of a pipeline: sha256 over the canonical
// JSON of the normalized form. Reformatting the text or switching codecs
// does not change it.
func Hash(cfg *Config) (string, error) {
	norm, err := Normalize(cfg)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("hash pipeline: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalParams round-trips params through JSON so the YAML and JSON
// decodings of the same document hash identically.
func canonicalParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return params
	}
	return out
}
