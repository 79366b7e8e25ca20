package sources

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/gateway"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/scherr"
)

const openAlexBase = "https://api.openalex.org"

// OpenAlex is the adapter for the open academic knowledge graph. Abstracts
// arrive as an inverted index and are reconstructed locally.
type OpenAlex struct {
	gw    *gateway.Client
	base  string
	email string
}

// NewOpenAlex constructs the adapter. The email joins the polite pool.
func NewOpenAlex(gw *gateway.Client, email string) *OpenAlex {
	return &OpenAlex{gw: gw, base: openAlexBase, email: email}
}

// Name implements Adapter.
func (o *OpenAlex) Name() string { return "openalex" }

// Search implements Searcher.
func (o *OpenAlex) Search(ctx context.Context, q query.Query, page Page) (Result, error) {
	if q.Class == query.ClassIdentifier {
		raw, err := o.Fetch(ctx, q.Identifier)
		if err != nil {
			if scherr.IsKind(err, scherr.NotFound) || scherr.IsKind(err, scherr.InvalidInput) {
				return Result{}, nil
			}
			return Result{}, err
		}
		return Result{Records: []article.Raw{raw}, Total: 1}, nil
	}

	search, filters, unsupported := buildOpenAlexQuery(q)
	if search == "" && filters == "" {
		return Result{Unsupported: unsupported}, nil
	}
	cursor := page.Cursor
	if cursor == "" {
		cursor = "*"
	}
	v := url.Values{}
	if search != "" {
		v.Set("search", search)
	}
	if filters != "" {
		v.Set("filter", filters)
	}
	v.Set("per-page", strconv.Itoa(pageSize(page, 20, 100)))
	v.Set("cursor", cursor)
	if o.email != "" {
		v.Set("mailto", o.email)
	}

	var res openAlexList
	if err := o.gw.GetJSON(ctx, gateway.Request{URL: o.base + "/works?" + v.Encode()}, &res); err != nil {
		return Result{}, err
	}
	records := make([]article.Raw, 0, len(res.Results))
	for _, w := range res.Results {
		records = append(records, rawFromOpenAlex(w))
	}
	next := res.Meta.NextCursor
	if len(records) == 0 {
		next = ""
	}
	return Result{Records: records, Total: res.Meta.Count, Cursor: next, Unsupported: unsupported}, nil
}

// Fetch implements Fetcher. It accepts W-ids plus doi and pmid aliases.
func (o *OpenAlex) Fetch(ctx context.Context, id string) (article.Raw, error) {
	path, err := openAlexWorkPath(id)
	if err != nil {
		return article.Raw{}, err
	}
	v := url.Values{}
	if o.email != "" {
		v.Set("mailto", o.email)
	}
	target := o.base + "/works/" + path
	if len(v) > 0 {
		target += "?" + v.Encode()
	}
	var w openAlexWork
	if err := o.gw.GetJSON(ctx, gateway.Request{URL: target}, &w); err != nil {
		return article.Raw{}, err
	}
	if w.ID == "" {
		return article.Raw{}, scherr.Newf(scherr.NotFound, "openalex has no work for %q", id)
	}
	return rawFromOpenAlex(w), nil
}

// References implements ReferenceLister from the work's referenced_works
// list.
func (o *OpenAlex) References(ctx context.Context, id string) ([]string, error) {
	path, err := openAlexWorkPath(id)
	if err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set("select", "id,referenced_works")
	if o.email != "" {
		v.Set("mailto", o.email)
	}
	var w openAlexWork
	if err := o.gw.GetJSON(ctx, gateway.Request{URL: o.base + "/works/" + path + "?" + v.Encode()}, &w); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(w.ReferencedWorks))
	for _, ref := range w.ReferencedWorks {
		if short := openAlexShortID(ref); short != "" {
			ids = append(ids, "openalex:"+short)
		}
	}
	return ids, nil
}

// Citations implements CitationLister via the cites filter.
func (o *OpenAlex) Citations(ctx context.Context, id string) ([]string, error) {
	path, err := openAlexWorkPath(id)
	if err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set("filter", "cites:"+path)
	v.Set("select", "id")
	v.Set("per-page", "100")
	if o.email != "" {
		v.Set("mailto", o.email)
	}
	var res openAlexList
	if err := o.gw.GetJSON(ctx, gateway.Request{URL: o.base + "/works?" + v.Encode()}, &res); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res.Results))
	for _, w := range res.Results {
		if short := openAlexShortID(w.ID); short != "" {
			ids = append(ids, "openalex:"+short)
		}
	}
	return ids, nil
}

// openAlexWorkPath maps a namespaced identifier onto the works/{id} path
// segment.
func openAlexWorkPath(id string) (string, error) {
	if strings.HasPrefix(id, "https://openalex.org/") || strings.HasPrefix(id, "http://openalex.org/") {
		if short := openAlexShortID(id); short != "" {
			return short, nil
		}
		return "", scherr.Newf(scherr.InvalidInput, "openalex cannot address %q", id)
	}
	scheme, value := splitID(id)
	switch scheme {
	case "openalex", "":
		short := openAlexShortID(value)
		if short == "" {
			return "", scherr.Newf(scherr.InvalidInput, "openalex cannot address %q", id)
		}
		return short, nil
	case "doi":
		return "https://doi.org/" + value, nil
	case "pmid":
		return "pmid:" + value, nil
	case "pmcid":
		return "pmcid:" + value, nil
	default:
		return "", scherr.Newf(scherr.InvalidInput, "openalex cannot address %q", id)
	}
}

// openAlexShortID strips the URI prefix from a work id.
func openAlexShortID(id string) string {
	id = strings.TrimPrefix(id, "https://openalex.org/")
	id = strings.TrimPrefix(id, "http://openalex.org/")
	if id == "" || (id[0] != 'W' && id[0] != 'w') {
		return ""
	}
	return strings.ToUpper(id[:1]) + id[1:]
}

func buildOpenAlexQuery(q query.Query) (search, filters string, unsupported []string) {
	var searchParts []string
	switch {
	case q.Clinical != nil:
		for _, part := range q.Clinical.Parts() {
			if part != "" {
				searchParts = append(searchParts, part)
			}
		}
	case len(q.Terms) > 0:
		for _, t := range q.Terms {
			term := t.Canonical
			if term == "" {
				term = t.Term
			}
			searchParts = append(searchParts, term)
		}
	case q.Text != "":
		searchParts = append(searchParts, q.Text)
	}

	handled := []string{filterDateRange, filterLanguage, filterOpenAccess}
	var f []string
	if q.DateFrom.Known() {
		f = append(f, "from_publication_date:"+isoDateFloor(q.DateFrom))
	}
	if q.DateTo.Known() {
		f = append(f, "to_publication_date:"+isoDateCeil(q.DateTo))
	}
	if q.Language != "" {
		f = append(f, "language:"+q.Language)
	}
	if q.OpenAccessOnly {
		f = append(f, "is_oa:true")
	}
	docTypesHandled := true
	for _, dt := range q.DocTypes {
		t, ok := openAlexType[dt]
		if !ok {
			docTypesHandled = false
			continue
		}
		f = append(f, "type:"+t)
	}
	if docTypesHandled {
		handled = append(handled, filterDocTypes)
	}
	return strings.Join(searchParts, " "), strings.Join(f, ","), unsupportedFilters(q, handled...)
}

var openAlexType = map[article.PubType]string{
	article.TypeJournalArticle: "article",
	article.TypeReview:         "review",
	article.TypePreprint:       "preprint",
	article.TypeBookChapter:    "book-chapter",
}

type (
	openAlexList struct {
		Meta struct {
			Count      int    `json:"count"`
			NextCursor string `json:"next_cursor"`
		} `json:"meta"`
		Results []openAlexWork `json:"results"`
	}

	openAlexWork struct {
		ID          string `json:"id"`
		DOI         string `json:"doi"`
		DisplayName string `json:"display_name"`
		Title       string `json:"title"`
		IDs         struct {
			PMID  string `json:"pmid"`
			PMCID string `json:"pmcid"`
		} `json:"ids"`
		AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
		PublicationYear       int              `json:"publication_year"`
		PublicationDate       string           `json:"publication_date"`
		Language              string           `json:"language"`
		Type                  string           `json:"type"`
		CitedByCount          int              `json:"cited_by_count"`
		Authorships           []struct {
			Author struct {
				DisplayName string `json:"display_name"`
			} `json:"author"`
			Institutions []struct {
				DisplayName string `json:"display_name"`
			} `json:"institutions"`
		} `json:"authorships"`
		PrimaryLocation struct {
			Source struct {
				DisplayName string `json:"display_name"`
			} `json:"source"`
			LandingPageURL string `json:"landing_page_url"`
			PDFURL         string `json:"pdf_url"`
			IsOA           bool   `json:"is_oa"`
		} `json:"primary_location"`
		OpenAccess struct {
			IsOA  bool   `json:"is_oa"`
			OAURL string `json:"oa_url"`
		} `json:"open_access"`
		Concepts []struct {
			DisplayName string  `json:"display_name"`
			Score       float64 `json:"score"`
		} `json:"concepts"`
		ReferencedWorks []string `json:"referenced_works"`
	}
)

func rawFromOpenAlex(w openAlexWork) article.Raw {
	title := w.Title
	if title == "" {
		title = w.DisplayName
	}
	raw := article.Raw{
		Source:   "openalex",
		LocalID:  openAlexShortID(w.ID),
		DOI:      w.DOI,
		Title:    strings.TrimSpace(title),
		Abstract: invertedIndexText(w.AbstractInvertedIndex),
		Journal:  strings.TrimSpace(w.PrimaryLocation.Source.DisplayName),
		Language: strings.ToLower(strings.TrimSpace(w.Language)),
	}
	if pmid := strings.TrimPrefix(w.IDs.PMID, "https://pubmed.ncbi.nlm.nih.gov/"); pmid != w.IDs.PMID {
		raw.PMID = strings.Trim(pmid, "/")
	}
	if pmcid := strings.TrimPrefix(w.IDs.PMCID, "https://www.ncbi.nlm.nih.gov/pmc/articles/"); pmcid != w.IDs.PMCID {
		raw.PMCID = strings.Trim(pmcid, "/")
	}
	for _, a := range w.Authorships {
		au := article.Author{Name: strings.TrimSpace(a.Author.DisplayName)}
		if au.Name == "" {
			continue
		}
		if len(a.Institutions) > 0 {
			au.Affiliation = strings.TrimSpace(a.Institutions[0].DisplayName)
		}
		raw.Authors = append(raw.Authors, au)
	}
	raw.Year, raw.Month, raw.Day = parseISODate(w.PublicationDate)
	if raw.Year == 0 {
		raw.Year = w.PublicationYear
	}
	if t, ok := pubTypeFromOpenAlex(w.Type); ok {
		raw.Types = append(raw.Types, t)
	}
	for i, c := range w.Concepts {
		if i == 8 {
			break
		}
		if d := strings.TrimSpace(c.DisplayName); d != "" {
			raw.Descriptors = append(raw.Descriptors, d)
		}
	}
	if w.CitedByCount > 0 {
		count := w.CitedByCount
		raw.CitationCount = &count
	}
	if w.PrimaryLocation.LandingPageURL != "" {
		raw.Links = append(raw.Links, article.Link{
			Kind:       article.LinkHTML,
			URL:        w.PrimaryLocation.LandingPageURL,
			OpenAccess: w.PrimaryLocation.IsOA,
		})
	}
	if w.PrimaryLocation.PDFURL != "" {
		raw.Links = append(raw.Links, article.Link{
			Kind:       article.LinkPDF,
			URL:        w.PrimaryLocation.PDFURL,
			OpenAccess: w.PrimaryLocation.IsOA,
		})
	}
	if w.OpenAccess.IsOA && w.OpenAccess.OAURL != "" {
		raw.Links = append(raw.Links, article.Link{
			Kind:       article.LinkHTML,
			URL:        w.OpenAccess.OAURL,
			OpenAccess: true,
		})
	}
	return raw
}

func pubTypeFromOpenAlex(s string) (article.PubType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "article":
		return article.TypeJournalArticle, true
	case "review":
		return article.TypeReview, true
	case "preprint":
		return article.TypePreprint, true
	case "book-chapter":
		return article.TypeBookChapter, true
	default:
		return "", false
	}
}

// invertedIndexText rebuilds an abstract from the word → positions index.
func invertedIndexText(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}
	max := -1
	for _, positions := range index {
		for _, p := range positions {
			if p > max {
				max = p
			}
		}
	}
	if max < 0 {
		return ""
	}
	words := make([]string, max+1)
	for word, positions := range index {
		for _, p := range positions {
			if p >= 0 && p <= max {
				words[p] = word
			}
		}
	}
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}

