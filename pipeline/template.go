package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/scholium/scholium/scherr"
)

// TemplateInfo describes one catalog entry for the resource surface.
type TemplateInfo struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	Params      json.RawMessage `json:"params" yaml:"params"`
}

// templateDef is one built-in pipeline skeleton. The skeleton is a YAML
// fragment rendered with text/template + sprig; params are validated against
// the schema, with schema defaults filled in first.
type templateDef struct {
	description string
	schema      string
	skeleton    string
}

var catalog = map[string]templateDef{
	"quick": {
		description: "Single search and relevance ranking for a fast first pass.",
		schema: `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1, "description": "Search text."},
				"sources": {"type": "array", "items": {"type": "string"}, "default": [], "description": "Source names; empty means the default set."},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100, "default": 10}
			},
			"required": ["query"],
			"additionalProperties": false
		}`,
		skeleton: `
steps:
  - id: search
    action: search
    params:
      query: {{ .query | quote }}
{{- if .sources }}
      sources:
{{- range .sources }}
        - {{ . | quote }}
{{- end }}
{{- end }}
  - id: rank
    action: rank
    params:
      strategy: relevance
      limit: {{ .limit }}
output:
  limit: {{ .limit }}
  strategy: relevance
`,
	},
	"comprehensive": {
		description: "Vocabulary expansion, wide fan-out, dedupe, and balanced ranking.",
		schema: `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"sources": {"type": "array", "items": {"type": "string"}, "default": []},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100, "default": 25},
				"open_access": {"type": "boolean", "default": false}
			},
			"required": ["query"],
			"additionalProperties": false
		}`,
		skeleton: `
steps:
  - id: expand
    action: expand
    params:
      query: {{ .query | quote }}
  - id: search
    action: search
    params:
{{- if .sources }}
      sources:
{{- range .sources }}
        - {{ . | quote }}
{{- end }}
{{- end }}
{{- if .open_access }}
      open_access: true
{{- end }}
  - id: merge
    action: merge
  - id: enrich
    action: enrich
  - id: rank
    action: rank
    params:
      strategy: balanced
      limit: {{ .limit }}
output:
  limit: {{ .limit }}
  strategy: balanced
`,
	},
	"pico": {
		description: "Four-part clinical question fanned out as one search per clause, with trial-focused filtering and quality ranking.",
		schema: `{
			"type": "object",
			"properties": {
				"population": {"type": "string", "minLength": 1},
				"intervention": {"type": "string", "minLength": 1},
				"comparator": {"type": "string", "default": ""},
				"outcome": {"type": "string", "default": ""},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100, "default": 20}
			},
			"required": ["population", "intervention"],
			"additionalProperties": false
		}`,
		skeleton: `
steps:
  - id: expand
    action: expand
    params:
      query: {{ printf "In %s, does %s compared with %s affect %s?" .population .intervention (default "standard care" (trim .comparator)) (default "outcomes" (trim .outcome)) | quote }}
  - id: population
    action: search
    depends_on: [expand]
    params:
      query: {{ .population | quote }}
      doc_types: [clinical-trial, meta-analysis, review]
  - id: intervention
    action: search
    depends_on: [expand]
    params:
      query: {{ .intervention | quote }}
      doc_types: [clinical-trial, meta-analysis, review]
{{- if trim .comparator }}
  - id: comparator
    action: search
    depends_on: [expand]
    params:
      query: {{ .comparator | quote }}
      doc_types: [clinical-trial, meta-analysis, review]
{{- end }}
{{- if trim .outcome }}
  - id: outcome
    action: search
    depends_on: [expand]
    params:
      query: {{ .outcome | quote }}
      doc_types: [clinical-trial, meta-analysis, review]
{{- end }}
  - id: merge
    action: merge
    depends_on:
      - population
      - intervention
{{- if trim .comparator }}
      - comparator
{{- end }}
{{- if trim .outcome }}
      - outcome
{{- end }}
  - id: rank
    action: rank
    params:
      strategy: quality
      limit: {{ .limit }}
output:
  limit: {{ .limit }}
  strategy: quality
`,
	},
	"citation_chase": {
		description: "Walk the citation graph around a seed article and rank by citations.",
		schema: `{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1, "description": "Seed identifier (pmid:, pmcid:, doi:, s2:, openalex:)."},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100, "default": 30}
			},
			"required": ["id"],
			"additionalProperties": false
		}`,
		skeleton: `
steps:
  - id: seed
    action: fetch-details
    params:
      ids:
        - {{ .id | quote }}
  - id: citations
    action: fetch-citations
    params:
      ids:
        - {{ .id | quote }}
      limit: {{ .limit }}
  - id: references
    action: fetch-references
    params:
      ids:
        - {{ .id | quote }}
      limit: {{ .limit }}
    depends_on:
      - seed
  - id: hydrate
    action: fetch-details
    depends_on:
      - citations
      - references
  - id: merge
    action: merge
    depends_on:
      - seed
      - hydrate
  - id: rank
    action: rank
    params:
      strategy: most-cited
      limit: {{ .limit }}
output:
  limit: {{ .limit }}
  strategy: most-cited
`,
	},
	"recent_advances": {
		description: "Recent publications on a topic, filtered to a trailing window and ranked by recency.",
		schema: `{
			"type": "object",
			"properties": {
				"topic": {"type": "string", "minLength": 1},
				"years": {"type": "integer", "minimum": 1, "maximum": 10, "default": 2},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100, "default": 20}
			},
			"required": ["topic"],
			"additionalProperties": false
		}`,
		skeleton: `
steps:
  - id: expand
    action: expand
    params:
      query: {{ .topic | quote }}
  - id: search
    action: search
  - id: merge
    action: merge
  - id: window
    action: filter
    params:
      within_years: {{ .years }}
  - id: rank
    action: rank
    params:
      strategy: recent
      limit: {{ .limit }}
output:
  limit: {{ .limit }}
  strategy: recent
`,
	},
}

var (
	schemaOnce     sync.Once
	schemaCompiled map[string]*jsonschema.Schema
	schemaErr      error
)

// compiledSchema returns the compiled parameter schema for a template.
func compiledSchema(name string) (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schemaCompiled = make(map[string]*jsonschema.Schema, len(catalog))
		for n, def := range catalog {
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(def.schema)))
			if err != nil {
				schemaErr = fmt.Errorf("template %s: unmarshal schema: %w", n, err)
				return
			}
			c := jsonschema.NewCompiler()
			res := "template://" + n + "/params.json"
			if err := c.AddResource(res, doc); err != nil {
				schemaErr = fmt.Errorf("template %s: add schema resource: %w", n, err)
				return
			}
			schema, err := c.Compile(res)
			if err != nil {
				schemaErr = fmt.Errorf("template %s: compile schema: %w", n, err)
				return
			}
			schemaCompiled[n] = schema
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	return schemaCompiled[name], nil
}

// TemplateNames lists the catalog, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(catalog))
	for n := range catalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Templates describes the whole catalog for the resource surface.
func Templates() []TemplateInfo {
	out := make([]TemplateInfo, 0, len(catalog))
	for _, n := range TemplateNames() {
		info, _ := Template(n)
		out = append(out, info)
	}
	return out
}

// Template describes one catalog entry.
func Template(name string) (TemplateInfo, bool) {
	def, ok := catalog[name]
	if !ok {
		return TemplateInfo{}, false
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(def.schema)); err != nil {
		return TemplateInfo{}, false
	}
	return TemplateInfo{
		Name:        name,
		Description: def.description,
		Params:      json.RawMessage(compact.Bytes()),
	}, true
}

// resolveTemplate validates params against the template's schema (after
// filling schema defaults), renders the skeleton, and returns its steps and
// output block.
func resolveTemplate(name string, params map[string]any) ([]Step, Output, error) {
	def, ok := catalog[name]
	if !ok {
		return nil, Output{}, scherr.Newf(scherr.InvalidInput, "unknown template %q (have %s)", name, sortedNames())
	}
	schema, err := compiledSchema(name)
	if err != nil {
		return nil, Output{}, scherr.Wrapf(scherr.Internal, err, "template %s", name)
	}

	merged := withSchemaDefaults(def.schema, params)
	if err := schema.Validate(merged); err != nil {
		return nil, Output{}, scherr.Wrapf(scherr.InvalidInput, err, "template %s params", name)
	}

	tpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(def.skeleton)
	if err != nil {
		return nil, Output{}, scherr.Wrapf(scherr.Internal, err, "template %s skeleton", name)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, merged); err != nil {
		return nil, Output{}, scherr.Wrapf(scherr.InvalidInput, err, "render template %s", name)
	}

	var frag struct {
		Steps  []Step `yaml:"steps"`
		Output Output `yaml:"output"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &frag); err != nil {
		return nil, Output{}, scherr.Wrapf(scherr.Internal, err, "decode rendered template %s", name)
	}
	for i := range frag.Steps {
		frag.Steps[i].Params = canonicalParams(frag.Steps[i].Params)
	}
	return frag.Steps, frag.Output, nil
}

// withSchemaDefaults overlays the caller's params on the schema's property
// defaults. The result is freshly JSON-normalized so the validator and the
// renderer see canonical value types.
func withSchemaDefaults(schemaDoc string, params map[string]any) map[string]any {
	merged := make(map[string]any)
	var doc struct {
		Properties map[string]struct {
			Default any `json:"default"`
		} `json:"properties"`
	}
	if err := json.Unmarshal([]byte(schemaDoc), &doc); err == nil {
		for prop, spec := range doc.Properties {
			if spec.Default != nil {
				merged[prop] = spec.Default
			}
		}
	}
	for k, v := range params {
		merged[k] = v
	}
	return canonicalParams(merged)
}

func sortedNames() string {
	names := TemplateNames()
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
