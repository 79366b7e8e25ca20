package sources

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/gateway"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/scherr"
)

const crossrefBase = "https://api.crossref.org"

// Crossref is the adapter for the DOI registry. It is the canonical resolver
// for doi identifiers and contributes is-referenced-by counts.
type Crossref struct {
	gw    *gateway.Client
	base  string
	email string
}

// NewCrossref constructs the adapter. The email enrolls requests in the
// polite pool.
func NewCrossref(gw *gateway.Client, email string) *Crossref {
	return &Crossref{gw: gw, base: crossrefBase, email: email}
}

// Name implements Adapter.
func (c *Crossref) Name() string { return "crossref" }

// Search implements Searcher.
func (c *Crossref) Search(ctx context.Context, q query.Query, page Page) (Result, error) {
	if q.Class == query.ClassIdentifier {
		scheme, value := splitID(q.Identifier)
		if scheme != "doi" {
			return Result{}, nil
		}
		raw, err := c.Fetch(ctx, "doi:"+value)
		if err != nil {
			if scherr.IsKind(err, scherr.NotFound) {
				return Result{}, nil
			}
			return Result{}, err
		}
		return Result{Records: []article.Raw{raw}, Total: 1}, nil
	}

	text, filters, unsupported := buildCrossrefQuery(q)
	if text == "" {
		return Result{Unsupported: unsupported}, nil
	}
	cursor := page.Cursor
	if cursor == "" {
		cursor = "*"
	}
	v := url.Values{}
	v.Set("query", text)
	v.Set("rows", strconv.Itoa(pageSize(page, 20, 100)))
	v.Set("cursor", cursor)
	if filters != "" {
		v.Set("filter", filters)
	}
	if c.email != "" {
		v.Set("mailto", c.email)
	}

	var res crossrefListResponse
	if err := c.gw.GetJSON(ctx, gateway.Request{URL: c.base + "/works?" + v.Encode()}, &res); err != nil {
		return Result{}, err
	}
	records := make([]article.Raw, 0, len(res.Message.Items))
	for _, w := range res.Message.Items {
		records = append(records, rawFromCrossref(w))
	}
	next := res.Message.NextCursor
	if len(records) == 0 {
		next = ""
	}
	return Result{Records: records, Total: res.Message.TotalResults, Cursor: next, Unsupported: unsupported}, nil
}

// Fetch implements Fetcher for doi identifiers.
func (c *Crossref) Fetch(ctx context.Context, id string) (article.Raw, error) {
	scheme, value := splitID(id)
	if scheme != "doi" && scheme != "" {
		return article.Raw{}, scherr.Newf(scherr.InvalidInput, "crossref cannot address %q", id)
	}
	doi := article.CanonicalDOI(value)
	if doi == "" {
		return article.Raw{}, scherr.Newf(scherr.InvalidInput, "crossref cannot address %q", id)
	}
	target := c.base + "/works/" + url.PathEscape(doi)
	if c.email != "" {
		target += "?mailto=" + url.QueryEscape(c.email)
	}
	var res crossrefWorkResponse
	if err := c.gw.GetJSON(ctx, gateway.Request{URL: target}, &res); err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.Status == 404 {
			return article.Raw{}, scherr.Newf(scherr.NotFound, "crossref has no work for %q", id)
		}
		return article.Raw{}, err
	}
	return rawFromCrossref(res.Message), nil
}

func buildCrossrefQuery(q query.Query) (text, filters string, unsupported []string) {
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

	handled := []string{filterDateRange}
	var f []string
	if q.DateFrom.Known() {
		f = append(f, "from-pub-date:"+isoDateFloor(q.DateFrom))
	}
	if q.DateTo.Known() {
		f = append(f, "until-pub-date:"+isoDateCeil(q.DateTo))
	}
	docTypesHandled := true
	for _, dt := range q.DocTypes {
		t, ok := crossrefType[dt]
		if !ok {
			docTypesHandled = false
			continue
		}
		f = append(f, "type:"+t)
	}
	if docTypesHandled {
		handled = append(handled, filterDocTypes)
	}
	return text, strings.Join(f, ","), unsupportedFilters(q, handled...)
}

var crossrefType = map[article.PubType]string{
	article.TypeJournalArticle: "journal-article",
	article.TypePreprint:       "posted-content",
	article.TypeBookChapter:    "book-chapter",
}

type (
	crossrefListResponse struct {
		Message struct {
			TotalResults int            `json:"total-results"`
			NextCursor   string         `json:"next-cursor"`
			Items        []crossrefWork `json:"items"`
		} `json:"message"`
	}

	crossrefWorkResponse struct {
		Message crossrefWork `json:"message"`
	}

	crossrefWork struct {
		DOI            string   `json:"DOI"`
		Title          []string `json:"title"`
		Abstract       string   `json:"abstract"`
		ContainerTitle []string `json:"container-title"`
		Author         []struct {
			Given       string `json:"given"`
			Family      string `json:"family"`
			Name        string `json:"name"`
			Affiliation []struct {
				Name string `json:"name"`
			} `json:"affiliation"`
		} `json:"author"`
		Issued struct {
			DateParts [][]int `json:"date-parts"`
		} `json:"issued"`
		Type                string `json:"type"`
		Language            string `json:"language"`
		IsReferencedByCount int    `json:"is-referenced-by-count"`
		URL                 string `json:"URL"`
		Link                []struct {
			URL         string `json:"URL"`
			ContentType string `json:"content-type"`
		} `json:"link"`
		License []struct {
			URL string `json:"URL"`
		} `json:"license"`
	}
)

var xmlTagRe = regexp.MustCompile(`<[^>]*>`)

func rawFromCrossref(w crossrefWork) article.Raw {
	raw := article.Raw{
		Source:   "crossref",
		LocalID:  strings.ToLower(strings.TrimSpace(w.DOI)),
		DOI:      w.DOI,
		Abstract: strings.TrimSpace(xmlTagRe.ReplaceAllString(w.Abstract, "")),
		Language: strings.ToLower(strings.TrimSpace(w.Language)),
	}
	if len(w.Title) > 0 {
		raw.Title = strings.TrimSpace(w.Title[0])
	}
	if len(w.ContainerTitle) > 0 {
		raw.Journal = strings.TrimSpace(w.ContainerTitle[0])
	}
	for _, a := range w.Author {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			name = strings.TrimSpace(strings.TrimSpace(a.Given) + " " + strings.TrimSpace(a.Family))
		}
		if name == "" {
			continue
		}
		au := article.Author{Name: name}
		if len(a.Affiliation) > 0 {
			au.Affiliation = strings.TrimSpace(a.Affiliation[0].Name)
		}
		raw.Authors = append(raw.Authors, au)
	}
	if len(w.Issued.DateParts) > 0 {
		parts := w.Issued.DateParts[0]
		if len(parts) > 0 {
			raw.Year = parts[0]
		}
		if len(parts) > 1 {
			raw.Month = parts[1]
		}
		if len(parts) > 2 {
			raw.Day = parts[2]
		}
	}
	if t, ok := pubTypeFromCrossref(w.Type); ok {
		raw.Types = append(raw.Types, t)
	}
	if w.IsReferencedByCount > 0 {
		count := w.IsReferencedByCount
		raw.CitationCount = &count
	}
	oa := false
	for _, l := range w.License {
		if strings.Contains(strings.ToLower(l.URL), "creativecommons") {
			oa = true
			break
		}
	}
	if w.URL != "" {
		raw.Links = append(raw.Links, article.Link{Kind: article.LinkHTML, URL: w.URL, OpenAccess: oa})
	}
	for _, l := range w.Link {
		if l.URL == "" {
			continue
		}
		kind := article.LinkHTML
		switch {
		case strings.Contains(l.ContentType, "pdf"):
			kind = article.LinkPDF
		case strings.Contains(l.ContentType, "xml"):
			kind = article.LinkXML
		case strings.Contains(l.ContentType, "plain"):
			kind = article.LinkText
		}
		raw.Links = append(raw.Links, article.Link{Kind: kind, URL: l.URL, OpenAccess: oa})
	}
	return raw
}

func pubTypeFromCrossref(s string) (article.PubType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "journal-article":
		return article.TypeJournalArticle, true
	case "posted-content":
		return article.TypePreprint, true
	case "book-chapter", "book-section", "monograph", "book":
		return article.TypeBookChapter, true
	default:
		return "", false
	}
}
