// Package sources holds one adapter per external scholarly service. Each
// adapter translates the normalized query into the service's wire form,
// parses the JSON or XML reply, and emits raw records for the normalizer.
// Adapters are stateless and safe for concurrent use; all caching and rate
// limiting lives in the gateway.
package sources

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/query"
)

type (
	// Page selects one page of search results. Cursor is opaque to the
	// caller; adapters that cannot page by cursor encode an offset in it.
	Page struct {
		Size   int
		Cursor string
		Offset int
	}

	// Result is one page of raw records. Unsupported names the query
	// filters the adapter could not translate so the ranker can discount
	// this source's contribution.
	Result struct {
		Records     []article.Raw
		Total       int
		Cursor      string
		Unsupported []string
	}

	// Fulltext is a retrieved document body split into named sections.
	Fulltext struct {
		Sections map[string]string
		Raw      string
	}

	// Adapter is the base capability every source exposes.
	Adapter interface {
		Name() string
	}

	// Searcher runs a normalized query against the source.
	Searcher interface {
		Adapter
		Search(ctx context.Context, q query.Query, page Page) (Result, error)
	}

	// Fetcher resolves a single identifier to a raw record.
	Fetcher interface {
		Adapter
		Fetch(ctx context.Context, id string) (article.Raw, error)
	}

	// CitationLister returns the identifiers of works citing id.
	CitationLister interface {
		Adapter
		Citations(ctx context.Context, id string) ([]string, error)
	}

	// ReferenceLister returns the identifiers of works cited by id.
	ReferenceLister interface {
		Adapter
		References(ctx context.Context, id string) ([]string, error)
	}

	// FulltextFetcher retrieves the document body for id. An empty sections
	// list means all sections.
	FulltextFetcher interface {
		Adapter
		Fulltext(ctx context.Context, id string, sections []string) (Fulltext, error)
	}
)

// Canonical unsupported-filter names reported in Result.Unsupported.
const (
	filterDateRange    = "date-range"
	filterDocTypes     = "doc-types"
	filterLanguage     = "language"
	filterOpenAccess   = "open-access"
	filterDemographics = "demographics"
	filterBoolean      = "boolean"
)

// unsupportedAll lists every filter set on q, prefixed name for the
// source-specific entries. Adapters that translate a subset start from this
// and remove what they handled.
func unsupportedFilters(q query.Query, handled ...string) []string {
	isHandled := make(map[string]bool, len(handled))
	for _, h := range handled {
		isHandled[h] = true
	}
	var out []string
	add := func(name string) {
		if !isHandled[name] {
			out = append(out, name)
		}
	}
	if q.DateFrom.Known() || q.DateTo.Known() {
		add(filterDateRange)
	}
	if len(q.DocTypes) > 0 {
		add(filterDocTypes)
	}
	if q.Language != "" {
		add(filterLanguage)
	}
	if q.OpenAccessOnly {
		add(filterOpenAccess)
	}
	if len(q.Demographics) > 0 {
		add(filterDemographics)
	}
	if q.Class == query.ClassBoolean {
		add(filterBoolean)
	}
	for k := range q.Filters {
		add("filter:" + k)
	}
	return out
}

// splitID separates a namespaced identifier into scheme and value. A bare
// value returns an empty scheme.
func splitID(id string) (scheme, value string) {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return strings.ToLower(id[:i]), id[i+1:]
	}
	return "", id
}

// flexID tolerates upstream id fields that arrive as either JSON strings or
// numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// nextOffsetCursor encodes offset pagination as an opaque cursor: empty once
// the page reaches the reported total.
func nextOffsetCursor(offset, got, total int) string {
	next := offset + got
	if got == 0 || (total > 0 && next >= total) {
		return ""
	}
	return strconv.Itoa(next)
}

// cursorOffset decodes a cursor produced by nextOffsetCursor, falling back
// to the page's explicit offset.
func cursorOffset(page Page) int {
	if page.Cursor != "" {
		if n, err := strconv.Atoi(page.Cursor); err == nil && n >= 0 {
			return n
		}
	}
	if page.Offset > 0 {
		return page.Offset
	}
	return 0
}

// pageSize applies the default and caps the per-request page size.
func pageSize(page Page, def, max int) int {
	size := page.Size
	if size <= 0 {
		size = def
	}
	if size > max {
		size = max
	}
	return size
}
