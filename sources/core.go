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

const coreBase = "https://api.core.ac.uk/v3"

// CORE is the adapter for the open-access aggregator. Everything it indexes
// is freely readable, so the open-access filter is trivially satisfied.
type CORE struct {
	gw   *gateway.Client
	base string
}

// NewCORE constructs the adapter. The bearer key is a host policy owned by
// the registry.
func NewCORE(gw *gateway.Client) *CORE {
	return &CORE{gw: gw, base: coreBase}
}

// Name implements Adapter.
func (c *CORE) Name() string { return "core" }

// Search implements Searcher.
func (c *CORE) Search(ctx context.Context, q query.Query, page Page) (Result, error) {
	if q.Class == query.ClassIdentifier {
		scheme, value := splitID(q.Identifier)
		if scheme != "doi" {
			return Result{}, nil
		}
		text := fmt.Sprintf("doi:%q", value)
		return c.search(ctx, text, page, nil)
	}
	text, unsupported := buildCOREQuery(q)
	if text == "" {
		return Result{Unsupported: unsupported}, nil
	}
	return c.search(ctx, text, page, unsupported)
}

func (c *CORE) search(ctx context.Context, text string, page Page, unsupported []string) (Result, error) {
	offset := cursorOffset(page)
	v := url.Values{}
	v.Set("q", text)
	v.Set("limit", strconv.Itoa(pageSize(page, 20, 100)))
	v.Set("offset", strconv.Itoa(offset))

	var res coreSearchResponse
	if err := c.gw.GetJSON(ctx, gateway.Request{URL: c.base + "/search/works?" + v.Encode()}, &res); err != nil {
		return Result{}, err
	}
	records := make([]article.Raw, 0, len(res.Results))
	for _, w := range res.Results {
		records = append(records, rawFromCORE(w))
	}
	return Result{
		Records:     records,
		Total:       res.TotalHits,
		Cursor:      nextOffsetCursor(offset, len(records), res.TotalHits),
		Unsupported: unsupported,
	}, nil
}

// Fetch implements Fetcher for the aggregator's numeric work ids.
func (c *CORE) Fetch(ctx context.Context, id string) (article.Raw, error) {
	scheme, value := splitID(id)
	if scheme != "core" && scheme != "" {
		return article.Raw{}, scherr.Newf(scherr.InvalidInput, "core cannot address %q", id)
	}
	var w coreWork
	err := c.gw.GetJSON(ctx, gateway.Request{URL: c.base + "/works/" + url.PathEscape(value)}, &w)
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.Status == 404 {
			return article.Raw{}, scherr.Newf(scherr.NotFound, "core has no work for %q", id)
		}
		return article.Raw{}, err
	}
	return rawFromCORE(w), nil
}

func buildCOREQuery(q query.Query) (string, []string) {
	var clauses []string
	switch {
	case q.Class == query.ClassBoolean:
		clauses = append(clauses, q.Boolean)
	case q.Clinical != nil:
		for _, part := range q.Clinical.Parts() {
			if part != "" {
				clauses = append(clauses, quoteTerm(part))
			}
		}
	case len(q.Terms) > 0:
		for _, t := range q.Terms {
			term := t.Canonical
			if term == "" {
				term = t.Term
			}
			clauses = append(clauses, quoteTerm(term))
		}
	case q.Text != "":
		clauses = append(clauses, q.Text)
	}
	if len(clauses) == 0 {
		return "", unsupportedFilters(q)
	}

	handled := []string{filterBoolean, filterDateRange, filterLanguage, filterOpenAccess}
	if q.DateFrom.Known() {
		clauses = append(clauses, fmt.Sprintf("yearPublished>=%d", q.DateFrom.Year))
	}
	if q.DateTo.Known() {
		clauses = append(clauses, fmt.Sprintf("yearPublished<=%d", q.DateTo.Year))
	}
	if q.Language != "" {
		clauses = append(clauses, fmt.Sprintf("language.code:%q", q.Language))
	}
	return strings.Join(clauses, " AND "), unsupportedFilters(q, handled...)
}

type (
	coreSearchResponse struct {
		TotalHits int        `json:"totalHits"`
		Results   []coreWork `json:"results"`
	}

	coreWork struct {
		ID       flexID `json:"id"`
		DOI      string `json:"doi"`
		Title    string `json:"title"`
		Abstract string `json:"abstract"`
		Authors  []struct {
			Name string `json:"name"`
		} `json:"authors"`
		YearPublished int    `json:"yearPublished"`
		PublishedDate string `json:"publishedDate"`
		Language      struct {
			Code string `json:"code"`
		} `json:"language"`
		Publisher    string `json:"publisher"`
		DownloadURL  string `json:"downloadUrl"`
		DocumentType string `json:"documentType"`
		Links        []struct {
			Type string `json:"type"`
			URL  string `json:"url"`
		} `json:"links"`
	}
)

func rawFromCORE(w coreWork) article.Raw {
	raw := article.Raw{
		Source:   "core",
		LocalID:  string(w.ID),
		DOI:      w.DOI,
		Title:    strings.TrimSpace(w.Title),
		Abstract: strings.TrimSpace(w.Abstract),
		Journal:  strings.TrimSpace(w.Publisher),
		Language: strings.ToLower(strings.TrimSpace(w.Language.Code)),
	}
	for _, a := range w.Authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			raw.Authors = append(raw.Authors, article.Author{Name: name})
		}
	}
	datePart, _, _ := strings.Cut(strings.TrimSpace(w.PublishedDate), "T")
	raw.Year, raw.Month, raw.Day = parseISODate(datePart)
	if raw.Year == 0 {
		raw.Year = w.YearPublished
	}
	if strings.EqualFold(w.DocumentType, "research") {
		raw.Types = append(raw.Types, article.TypeJournalArticle)
	}
	if w.DownloadURL != "" {
		raw.Links = append(raw.Links, article.Link{Kind: article.LinkPDF, URL: w.DownloadURL, OpenAccess: true})
	}
	for _, l := range w.Links {
		if l.URL == "" || l.URL == w.DownloadURL {
			continue
		}
		kind := article.LinkHTML
		if strings.EqualFold(l.Type, "download") {
			kind = article.LinkPDF
		}
		raw.Links = append(raw.Links, article.Link{Kind: kind, URL: l.URL, OpenAccess: true})
	}
	return raw
}
