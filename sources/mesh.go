package sources

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/gateway"
	"github.com/scholium/scholium/query"
)

const meshBase = "https://id.nlm.nih.gov/mesh"

// MeSH is the controlled-vocabulary adapter. It backs the query analyzer's
// term expansion and exposes descriptor lookup as a search capability.
type MeSH struct {
	gw   *gateway.Client
	base string
}

// NewMeSH constructs the adapter.
func NewMeSH(gw *gateway.Client) *MeSH {
	return &MeSH{gw: gw, base: meshBase}
}

// Name implements Adapter.
func (m *MeSH) Name() string { return "mesh" }

// Expand implements query.Expander. Terms the vocabulary does not know pass
// through unchanged with no synonyms.
func (m *MeSH) Expand(ctx context.Context, term string) (query.Expansion, error) {
	passThrough := query.Expansion{Term: term, Canonical: term}
	matches, err := m.lookup(ctx, term, "exact", 1)
	if err != nil {
		return passThrough, err
	}
	if len(matches) == 0 {
		matches, err = m.lookup(ctx, term, "contains", 1)
		if err != nil {
			return passThrough, err
		}
	}
	if len(matches) == 0 {
		return passThrough, nil
	}
	descriptor := meshDescriptorID(matches[0].Resource)
	exp := query.Expansion{Term: term, Canonical: strings.TrimSpace(matches[0].Label)}
	if descriptor == "" {
		return exp, nil
	}

	v := url.Values{}
	v.Set("descriptor", descriptor)
	var details meshDetails
	if err := m.gw.GetJSON(ctx, gateway.Request{URL: m.base + "/lookup/details?" + v.Encode()}, &details); err != nil {
		return exp, err
	}
	for _, t := range details.Terms {
		label := strings.TrimSpace(t.Label)
		if label == "" || strings.EqualFold(label, exp.Canonical) {
			continue
		}
		exp.Synonyms = append(exp.Synonyms, label)
		if len(exp.Synonyms) == 8 {
			break
		}
	}
	return exp, nil
}

// Search implements Searcher over descriptors. The lookup endpoint has no
// paging, so a single page is returned.
func (m *MeSH) Search(ctx context.Context, q query.Query, page Page) (Result, error) {
	text := q.Text
	if q.Class == query.ClassIdentifier || text == "" {
		return Result{}, nil
	}
	matches, err := m.lookup(ctx, text, "contains", pageSize(page, 20, 50))
	if err != nil {
		return Result{}, err
	}
	records := make([]article.Raw, 0, len(matches))
	for _, d := range matches {
		id := meshDescriptorID(d.Resource)
		if id == "" {
			continue
		}
		label := strings.TrimSpace(d.Label)
		records = append(records, article.Raw{
			Source:      "mesh",
			LocalID:     id,
			Title:       label,
			Types:       []article.PubType{article.TypeDatabaseRecord},
			Descriptors: []string{label},
			Links: []article.Link{{
				Kind: article.LinkHTML,
				URL:  "https://meshb.nlm.nih.gov/record/ui?ui=" + url.QueryEscape(id),
			}},
		})
	}
	return Result{Records: records, Total: len(records), Unsupported: unsupportedFilters(q)}, nil
}

func (m *MeSH) lookup(ctx context.Context, label, match string, limit int) ([]meshMatch, error) {
	v := url.Values{}
	v.Set("label", label)
	v.Set("match", match)
	v.Set("limit", strconv.Itoa(limit))

	var matches []meshMatch
	if err := m.gw.GetJSON(ctx, gateway.Request{URL: m.base + "/lookup/descriptor?" + v.Encode()}, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

type (
	meshMatch struct {
		Resource string `json:"resource"`
		Label    string `json:"label"`
	}

	meshDetails struct {
		Terms []struct {
			Label string `json:"label"`
		} `json:"terms"`
	}
)

// meshDescriptorID extracts the D-number from a descriptor resource URI.
func meshDescriptorID(resource string) string {
	i := strings.LastIndexByte(resource, '/')
	if i < 0 || i == len(resource)-1 {
		return ""
	}
	id := resource[i+1:]
	if id[0] != 'D' && id[0] != 'd' {
		return ""
	}
	return strings.ToUpper(id[:1]) + id[1:]
}
