package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/gateway"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/scherr"
)

const (
	s2Base   = "https://api.semanticscholar.org/graph/v1"
	s2Fields = "title,abstract,venue,journal,year,publicationDate,authors,externalIds,citationCount,influentialCitationCount,isOpenAccess,openAccessPdf,publicationTypes"
)

// SemanticScholar is the adapter for the citation-metrics graph service. It
// is the only source of influential-citation counts and the normalized
// impact signal.
type SemanticScholar struct {
	gw   *gateway.Client
	base string
}

// NewSemanticScholar constructs the adapter. The API key header is a host
// policy owned by the registry.
func NewSemanticScholar(gw *gateway.Client) *SemanticScholar {
	return &SemanticScholar{gw: gw, base: s2Base}
}

// Name implements Adapter.
func (s *SemanticScholar) Name() string { return "semanticscholar" }

// Search implements Searcher.
func (s *SemanticScholar) Search(ctx context.Context, q query.Query, page Page) (Result, error) {
	if q.Class == query.ClassIdentifier {
		raw, err := s.Fetch(ctx, q.Identifier)
		if err != nil {
			if scherr.IsKind(err, scherr.NotFound) || scherr.IsKind(err, scherr.InvalidInput) {
				return Result{}, nil
			}
			return Result{}, err
		}
		return Result{Records: []article.Raw{raw}, Total: 1}, nil
	}

	text, params, unsupported := buildS2Query(q)
	if text == "" {
		return Result{Unsupported: unsupported}, nil
	}
	offset := cursorOffset(page)
	params.Set("query", text)
	params.Set("limit", strconv.Itoa(pageSize(page, 20, 100)))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("fields", s2Fields)

	var res s2SearchResponse
	if err := s.gw.GetJSON(ctx, gateway.Request{URL: s.base + "/paper/search?" + params.Encode()}, &res); err != nil {
		return Result{}, err
	}
	records := make([]article.Raw, 0, len(res.Data))
	for _, p := range res.Data {
		records = append(records, rawFromS2(p))
	}
	return Result{
		Records:     records,
		Total:       res.Total,
		Cursor:      nextOffsetCursor(offset, len(records), res.Total),
		Unsupported: unsupported,
	}, nil
}

// Fetch implements Fetcher for doi, pmid, and native paper ids.
func (s *SemanticScholar) Fetch(ctx context.Context, id string) (article.Raw, error) {
	path, err := s2PaperPath(id)
	if err != nil {
		return article.Raw{}, err
	}
	var p s2Paper
	err = s.gw.GetJSON(ctx, gateway.Request{URL: s.base + "/paper/" + url.PathEscape(path) + "?fields=" + url.QueryEscape(s2Fields)}, &p)
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.Status == 404 {
			return article.Raw{}, scherr.Newf(scherr.NotFound, "semanticscholar has no paper for %q", id)
		}
		return article.Raw{}, err
	}
	if p.PaperID == "" {
		return article.Raw{}, scherr.Newf(scherr.NotFound, "semanticscholar has no paper for %q", id)
	}
	return rawFromS2(p), nil
}

// Citations implements CitationLister.
func (s *SemanticScholar) Citations(ctx context.Context, id string) ([]string, error) {
	return s.graph(ctx, id, "citations")
}

// References implements ReferenceLister.
func (s *SemanticScholar) References(ctx context.Context, id string) ([]string, error) {
	return s.graph(ctx, id, "references")
}

func (s *SemanticScholar) graph(ctx context.Context, id, direction string) ([]string, error) {
	path, err := s2PaperPath(id)
	if err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set("fields", "paperId,externalIds")
	v.Set("limit", "100")

	var res s2GraphResponse
	target := fmt.Sprintf("%s/paper/%s/%s?%s", s.base, url.PathEscape(path), direction, v.Encode())
	if err := s.gw.GetJSON(ctx, gateway.Request{URL: target}, &res); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res.Data))
	for _, entry := range res.Data {
		p := entry.CitingPaper
		if direction == "references" {
			p = entry.CitedPaper
		}
		if mapped := s2BestID(p); mapped != "" {
			ids = append(ids, mapped)
		}
	}
	return ids, nil
}

func s2BestID(p s2Paper) string {
	switch {
	case p.ExternalIDs.PubMed != "":
		return "pmid:" + p.ExternalIDs.PubMed
	case p.ExternalIDs.DOI != "":
		return "doi:" + article.CanonicalDOI(p.ExternalIDs.DOI)
	case p.PaperID != "":
		return "s2:" + p.PaperID
	default:
		return ""
	}
}

// s2PaperPath maps a namespaced identifier onto the graph service's paper id
// syntax.
func s2PaperPath(id string) (string, error) {
	scheme, value := splitID(id)
	switch scheme {
	case "pmid":
		return "PMID:" + value, nil
	case "doi":
		return "DOI:" + value, nil
	case "s2", "semanticscholar", "":
		if value == "" {
			return "", scherr.Newf(scherr.InvalidInput, "semanticscholar cannot address %q", id)
		}
		return value, nil
	default:
		return "", scherr.Newf(scherr.InvalidInput, "semanticscholar cannot address %q", id)
	}
}

func buildS2Query(q query.Query) (string, url.Values, []string) {
	params := url.Values{}
	var text string
	switch {
	case q.Clinical != nil:
		var parts []string
		for _, part := range q.Clinical.Parts() {
			if part != "" {
				parts = append(parts, part)
			}
		}
		text = strings.Join(parts, " ")
	case len(q.Terms) > 0:
		var parts []string
		for _, t := range q.Terms {
			term := t.Canonical
			if term == "" {
				term = t.Term
			}
			parts = append(parts, term)
		}
		text = strings.Join(parts, " ")
	default:
		text = q.Text
	}

	handled := []string{filterDateRange, filterOpenAccess}
	if q.DateFrom.Known() || q.DateTo.Known() {
		params.Set("year", s2YearRange(q.DateFrom, q.DateTo))
	}
	if q.OpenAccessOnly {
		params.Set("openAccessPdf", "")
	}
	var types []string
	docTypesHandled := true
	for _, dt := range q.DocTypes {
		t, ok := s2Type[dt]
		if !ok {
			docTypesHandled = false
			continue
		}
		types = append(types, t)
	}
	if len(types) > 0 {
		params.Set("publicationTypes", strings.Join(types, ","))
	}
	if docTypesHandled {
		handled = append(handled, filterDocTypes)
	}
	return text, params, unsupportedFilters(q, handled...)
}

// s2YearRange renders the service's year filter: "2019-2021", "2019-", or
// "-2021".
func s2YearRange(from, to article.PubDate) string {
	switch {
	case from.Known() && to.Known():
		if from.Year == to.Year {
			return strconv.Itoa(from.Year)
		}
		return fmt.Sprintf("%d-%d", from.Year, to.Year)
	case from.Known():
		return fmt.Sprintf("%d-", from.Year)
	default:
		return fmt.Sprintf("-%d", to.Year)
	}
}

var s2Type = map[article.PubType]string{
	article.TypeJournalArticle: "JournalArticle",
	article.TypeReview:         "Review",
	article.TypeClinicalTrial:  "ClinicalTrial",
	article.TypeMetaAnalysis:   "MetaAnalysis",
}

type (
	s2SearchResponse struct {
		Total int       `json:"total"`
		Data  []s2Paper `json:"data"`
	}

	s2GraphResponse struct {
		Data []struct {
			CitingPaper s2Paper `json:"citingPaper"`
			CitedPaper  s2Paper `json:"citedPaper"`
		} `json:"data"`
	}

	s2Paper struct {
		PaperID     string `json:"paperId"`
		ExternalIDs struct {
			DOI           string `json:"DOI"`
			PubMed        string `json:"PubMed"`
			PubMedCentral string `json:"PubMedCentral"`
		} `json:"externalIds"`
		Title    string `json:"title"`
		Abstract string `json:"abstract"`
		Venue    string `json:"venue"`
		Journal  struct {
			Name string `json:"name"`
		} `json:"journal"`
		Year            int    `json:"year"`
		PublicationDate string `json:"publicationDate"`
		Authors         []struct {
			Name string `json:"name"`
		} `json:"authors"`
		CitationCount            int  `json:"citationCount"`
		InfluentialCitationCount int  `json:"influentialCitationCount"`
		IsOpenAccess             bool `json:"isOpenAccess"`
		OpenAccessPdf            struct {
			URL string `json:"url"`
		} `json:"openAccessPdf"`
		PublicationTypes []string `json:"publicationTypes"`
	}
)

func rawFromS2(p s2Paper) article.Raw {
	raw := article.Raw{
		Source:   "semanticscholar",
		LocalID:  p.PaperID,
		PMID:     strings.TrimSpace(p.ExternalIDs.PubMed),
		PMCID:    strings.TrimSpace(p.ExternalIDs.PubMedCentral),
		DOI:      strings.TrimSpace(p.ExternalIDs.DOI),
		Title:    strings.TrimSpace(p.Title),
		Abstract: strings.TrimSpace(p.Abstract),
	}
	raw.Journal = strings.TrimSpace(p.Journal.Name)
	if raw.Journal == "" {
		raw.Journal = strings.TrimSpace(p.Venue)
	}
	for _, a := range p.Authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			raw.Authors = append(raw.Authors, article.Author{Name: name})
		}
	}
	raw.Year, raw.Month, raw.Day = parseISODate(p.PublicationDate)
	if raw.Year == 0 {
		raw.Year = p.Year
	}
	for _, pt := range p.PublicationTypes {
		if mapped, ok := pubTypeFromS2(pt); ok {
			raw.Types = append(raw.Types, mapped)
		}
	}
	if p.CitationCount > 0 {
		count := p.CitationCount
		raw.CitationCount = &count
		influential := p.InfluentialCitationCount
		raw.InfluentialCitations = &influential

		// The impact signal is the influential share of all citations,
		// clamped to [0, 1].
		impact := float64(influential) / float64(count)
		if impact > 1 {
			impact = 1
		}
		if impact < 0 {
			impact = 0
		}
		raw.Impact = &impact
	}
	if p.OpenAccessPdf.URL != "" {
		raw.Links = append(raw.Links, article.Link{
			Kind:       article.LinkPDF,
			URL:        p.OpenAccessPdf.URL,
			OpenAccess: true,
		})
	}
	return raw
}

func pubTypeFromS2(s string) (article.PubType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "journalarticle":
		return article.TypeJournalArticle, true
	case "review":
		return article.TypeReview, true
	case "clinicaltrial":
		return article.TypeClinicalTrial, true
	case "metaanalysis":
		return article.TypeMetaAnalysis, true
	case "book", "booksection":
		return article.TypeBookChapter, true
	default:
		return "", false
	}
}
