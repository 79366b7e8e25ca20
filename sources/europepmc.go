package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/gateway"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/scherr"
)

const europePMCBase = "https://www.ebi.ac.uk/europepmc/webservices/rest"

// EuropePMC is the adapter for the European literature mirror. It pages with
// an opaque cursor mark and is the default citation-graph walker for
// biomedical accessions.
type EuropePMC struct {
	gw   *gateway.Client
	base string
}

// NewEuropePMC constructs the adapter.
func NewEuropePMC(gw *gateway.Client) *EuropePMC {
	return &EuropePMC{gw: gw, base: europePMCBase}
}

// Name implements Adapter.
func (e *EuropePMC) Name() string { return "europepmc" }

// Search implements Searcher.
func (e *EuropePMC) Search(ctx context.Context, q query.Query, page Page) (Result, error) {
	term, unsupported := buildEPMCQuery(q)
	if term == "" {
		return Result{Unsupported: unsupported}, nil
	}
	cursor := page.Cursor
	if cursor == "" {
		cursor = "*"
	}
	v := url.Values{}
	v.Set("query", term)
	v.Set("format", "json")
	v.Set("resultType", "core")
	v.Set("pageSize", strconv.Itoa(pageSize(page, 20, 100)))
	v.Set("cursorMark", cursor)

	var res epmcSearchResponse
	if err := e.gw.GetJSON(ctx, gateway.Request{URL: e.base + "/search?" + v.Encode()}, &res); err != nil {
		return Result{}, err
	}
	records := make([]article.Raw, 0, len(res.ResultList.Result))
	for _, r := range res.ResultList.Result {
		records = append(records, rawFromEPMC(r))
	}
	next := res.NextCursorMark
	if next == cursor || len(records) == 0 {
		next = ""
	}
	return Result{Records: records, Total: res.HitCount, Cursor: next, Unsupported: unsupported}, nil
}

// Fetch implements Fetcher for pmid and pmcid identifiers.
func (e *EuropePMC) Fetch(ctx context.Context, id string) (article.Raw, error) {
	src, extID, err := epmcPath(id)
	if err != nil {
		return article.Raw{}, err
	}
	v := url.Values{}
	v.Set("query", fmt.Sprintf("SRC:%s AND EXT_ID:%s", src, extID))
	v.Set("format", "json")
	v.Set("resultType", "core")
	v.Set("pageSize", "1")

	var res epmcSearchResponse
	if err := e.gw.GetJSON(ctx, gateway.Request{URL: e.base + "/search?" + v.Encode()}, &res); err != nil {
		return article.Raw{}, err
	}
	if len(res.ResultList.Result) == 0 {
		return article.Raw{}, scherr.Newf(scherr.NotFound, "europepmc has no record for %q", id)
	}
	return rawFromEPMC(res.ResultList.Result[0]), nil
}

// Citations implements CitationLister.
func (e *EuropePMC) Citations(ctx context.Context, id string) ([]string, error) {
	return e.graph(ctx, id, "citations")
}

// References implements ReferenceLister.
func (e *EuropePMC) References(ctx context.Context, id string) ([]string, error) {
	return e.graph(ctx, id, "references")
}

func (e *EuropePMC) graph(ctx context.Context, id, direction string) ([]string, error) {
	src, extID, err := epmcPath(id)
	if err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set("format", "json")
	v.Set("pageSize", "100")
	v.Set("page", "1")

	target := fmt.Sprintf("%s/%s/%s/%s?%s", e.base, src, url.PathEscape(extID), direction, v.Encode())
	var res epmcGraphResponse
	if err := e.gw.GetJSON(ctx, gateway.Request{URL: target}, &res); err != nil {
		return nil, err
	}
	entries := res.CitationList.Citation
	if direction == "references" {
		entries = res.ReferenceList.Reference
	}
	ids := make([]string, 0, len(entries))
	for _, c := range entries {
		if mapped := epmcID(c.Source, string(c.ID)); mapped != "" {
			ids = append(ids, mapped)
		}
	}
	return ids, nil
}

// Fulltext implements FulltextFetcher for archive accessions.
func (e *EuropePMC) Fulltext(ctx context.Context, id string, sections []string) (Fulltext, error) {
	scheme, value := splitID(id)
	if scheme != "pmcid" {
		return Fulltext{}, scherr.Newf(scherr.InvalidInput, "europepmc full text needs a pmcid, got %q", id)
	}
	pmcid := "PMC" + strings.TrimPrefix(strings.ToUpper(value), "PMC")
	var doc jatsArticle
	if err := e.gw.GetXML(ctx, gateway.Request{URL: e.base + "/" + pmcid + "/fullTextXML"}, &doc); err != nil {
		return Fulltext{}, err
	}
	return fulltextFromJATS(doc, sections), nil
}

// epmcPath maps a namespaced identifier onto the mirror's source/id path.
func epmcPath(id string) (src, extID string, err error) {
	scheme, value := splitID(id)
	switch scheme {
	case "pmid":
		return "MED", value, nil
	case "pmcid":
		return "PMC", "PMC" + strings.TrimPrefix(strings.ToUpper(value), "PMC"), nil
	case "":
		return "MED", value, nil
	default:
		return "", "", scherr.Newf(scherr.InvalidInput, "europepmc cannot address %q", id)
	}
}

func epmcID(source, id string) string {
	if id == "" {
		return ""
	}
	switch source {
	case "MED":
		return "pmid:" + id
	case "PMC":
		return "pmcid:PMC" + strings.TrimPrefix(strings.ToUpper(id), "PMC")
	default:
		return "europepmc:" + source + "/" + id
	}
}

func buildEPMCQuery(q query.Query) (string, []string) {
	if q.Class == query.ClassIdentifier {
		scheme, value := splitID(q.Identifier)
		switch scheme {
		case "pmid":
			return "SRC:MED AND EXT_ID:" + value, nil
		case "pmcid":
			return "PMCID:PMC" + strings.TrimPrefix(strings.ToUpper(value), "PMC"), nil
		case "doi":
			return fmt.Sprintf("DOI:%q", value), nil
		default:
			return "", nil
		}
	}

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
			clauses = append(clauses, epmcTermGroup(t))
		}
	case q.Text != "":
		clauses = append(clauses, q.Text)
	}
	if len(clauses) == 0 {
		return "", unsupportedFilters(q)
	}

	handled := []string{filterBoolean, filterDateRange, filterLanguage, filterOpenAccess}
	if q.DateFrom.Known() || q.DateTo.Known() {
		clauses = append(clauses, epmcDateClause(q.DateFrom, q.DateTo))
	}
	docTypesHandled := true
	for _, dt := range q.DocTypes {
		pt, ok := epmcPubType[dt]
		if !ok {
			docTypesHandled = false
			continue
		}
		clauses = append(clauses, fmt.Sprintf("PUB_TYPE:%q", pt))
	}
	if docTypesHandled {
		handled = append(handled, filterDocTypes)
	}
	if q.Language != "" {
		clauses = append(clauses, fmt.Sprintf("LANG:%q", iso3Language(q.Language)))
	}
	if q.OpenAccessOnly {
		clauses = append(clauses, "OPEN_ACCESS:y")
	}
	return strings.Join(clauses, " AND "), unsupportedFilters(q, handled...)
}

func epmcTermGroup(t query.Term) string {
	canon := t.Canonical
	if canon == "" {
		canon = t.Term
	}
	var parts []string
	parts = append(parts, quoteTerm(t.Term))
	if !strings.EqualFold(canon, t.Term) {
		parts = append(parts, quoteTerm(canon))
	}
	for i, s := range t.Synonyms {
		if i == 4 {
			break
		}
		parts = append(parts, quoteTerm(s))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func epmcDateClause(from, to article.PubDate) string {
	lo := "1800-01-01"
	if from.Known() {
		lo = isoDateFloor(from)
	}
	hi := "3000-12-31"
	if to.Known() {
		hi = isoDateCeil(to)
	}
	return fmt.Sprintf("FIRST_PDATE:[%s TO %s]", lo, hi)
}

func isoDateFloor(d article.PubDate) string {
	m, day := d.Month, d.Day
	if m == 0 {
		m = 1
	}
	if day == 0 {
		day = 1
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, m, day)
}

func isoDateCeil(d article.PubDate) string {
	m, day := d.Month, d.Day
	if m == 0 {
		m = 12
	}
	if day == 0 {
		day = 28
		if m == 12 || m == 1 || m == 3 || m == 5 || m == 7 || m == 8 || m == 10 {
			day = 31
		} else if m != 2 {
			day = 30
		}
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, m, day)
}

var epmcPubType = map[article.PubType]string{
	article.TypeJournalArticle: "research-article",
	article.TypeReview:         "review",
	article.TypeClinicalTrial:  "clinical-trial",
	article.TypeMetaAnalysis:   "meta-analysis",
	article.TypePreprint:       "preprint",
}

var iso2to3 = map[string]string{
	"en": "eng",
	"de": "ger",
	"fr": "fre",
	"es": "spa",
	"it": "ita",
	"pt": "por",
	"zh": "chi",
	"ja": "jpn",
	"ru": "rus",
	"ko": "kor",
}

func iso3Language(code string) string {
	if c, ok := iso2to3[code]; ok {
		return c
	}
	return code
}

type (
	epmcSearchResponse struct {
		HitCount       int    `json:"hitCount"`
		NextCursorMark string `json:"nextCursorMark"`
		ResultList     struct {
			Result []epmcResult `json:"result"`
		} `json:"resultList"`
	}

	epmcResult struct {
		ID           string `json:"id"`
		Source       string `json:"source"`
		PMID         string `json:"pmid"`
		PMCID        string `json:"pmcid"`
		DOI          string `json:"doi"`
		Title        string `json:"title"`
		AbstractText string `json:"abstractText"`
		AuthorString string `json:"authorString"`
		AuthorList   struct {
			Author []struct {
				FullName string `json:"fullName"`
			} `json:"author"`
		} `json:"authorList"`
		JournalTitle string `json:"journalTitle"`
		JournalInfo  struct {
			Journal struct {
				Title string `json:"title"`
			} `json:"journal"`
		} `json:"journalInfo"`
		PubYear              string `json:"pubYear"`
		FirstPublicationDate string `json:"firstPublicationDate"`
		Language             string `json:"language"`
		PubTypeList          struct {
			PubType []string `json:"pubType"`
		} `json:"pubTypeList"`
		IsOpenAccess    string `json:"isOpenAccess"`
		CitedByCount    int    `json:"citedByCount"`
		FullTextURLList struct {
			FullTextURL []struct {
				DocumentStyle string `json:"documentStyle"`
				Availability  string `json:"availability"`
				URL           string `json:"url"`
			} `json:"fullTextUrl"`
		} `json:"fullTextUrlList"`
		MeshHeadingList struct {
			MeshHeading []struct {
				DescriptorName string `json:"descriptorName"`
			} `json:"meshHeading"`
		} `json:"meshHeadingList"`
	}

	epmcGraphResponse struct {
		HitCount     int `json:"hitCount"`
		CitationList struct {
			Citation []epmcGraphEntry `json:"citation"`
		} `json:"citationList"`
		ReferenceList struct {
			Reference []epmcGraphEntry `json:"reference"`
		} `json:"referenceList"`
	}

	epmcGraphEntry struct {
		ID     flexID `json:"id"`
		Source string `json:"source"`
	}
)

func rawFromEPMC(r epmcResult) article.Raw {
	raw := article.Raw{
		Source:   "europepmc",
		LocalID:  r.ID,
		PMID:     strings.TrimSpace(r.PMID),
		PMCID:    strings.TrimSpace(r.PMCID),
		DOI:      strings.TrimSpace(r.DOI),
		Title:    strings.TrimSpace(r.Title),
		Abstract: strings.TrimSpace(r.AbstractText),
		Language: isoLanguage(r.Language),
	}
	raw.Journal = strings.TrimSpace(r.JournalInfo.Journal.Title)
	if raw.Journal == "" {
		raw.Journal = strings.TrimSpace(r.JournalTitle)
	}
	for _, a := range r.AuthorList.Author {
		if name := strings.TrimSpace(a.FullName); name != "" {
			raw.Authors = append(raw.Authors, article.Author{Name: name})
		}
	}
	if len(raw.Authors) == 0 && r.AuthorString != "" {
		for _, name := range strings.Split(strings.TrimSuffix(r.AuthorString, "."), ", ") {
			if name = strings.TrimSpace(name); name != "" {
				raw.Authors = append(raw.Authors, article.Author{Name: name})
			}
		}
	}
	raw.Year, raw.Month, raw.Day = parseISODate(r.FirstPublicationDate)
	if raw.Year == 0 {
		raw.Year, _ = strconv.Atoi(strings.TrimSpace(r.PubYear))
	}
	for _, pt := range r.PubTypeList.PubType {
		if mapped, ok := pubTypeFromEPMC(pt); ok {
			raw.Types = append(raw.Types, mapped)
		}
	}
	for _, mh := range r.MeshHeadingList.MeshHeading {
		if d := strings.TrimSpace(mh.DescriptorName); d != "" {
			raw.Descriptors = append(raw.Descriptors, d)
		}
	}
	oa := strings.EqualFold(r.IsOpenAccess, "y")
	if r.CitedByCount > 0 {
		count := r.CitedByCount
		raw.CitationCount = &count
	}
	for _, ft := range r.FullTextURLList.FullTextURL {
		if ft.URL == "" {
			continue
		}
		kind := article.LinkHTML
		if strings.EqualFold(ft.DocumentStyle, "pdf") {
			kind = article.LinkPDF
		}
		raw.Links = append(raw.Links, article.Link{
			Kind:       kind,
			URL:        ft.URL,
			OpenAccess: oa || strings.EqualFold(ft.Availability, "open access"),
		})
	}
	return raw
}

// parseISODate reads YYYY, YYYY-MM, or YYYY-MM-DD.
func parseISODate(s string) (year, month, day int) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 3)
	if len(parts) > 0 {
		year, _ = strconv.Atoi(parts[0])
	}
	if year == 0 {
		return 0, 0, 0
	}
	if len(parts) > 1 {
		month, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		day, _ = strconv.Atoi(parts[2])
	}
	return year, month, day
}

func pubTypeFromEPMC(s string) (article.PubType, bool) {
	switch t := strings.ToLower(strings.TrimSpace(s)); {
	case t == "review" || t == "systematic review":
		return article.TypeReview, true
	case strings.Contains(t, "meta-analysis"):
		return article.TypeMetaAnalysis, true
	case strings.Contains(t, "clinical trial") || strings.Contains(t, "randomized"):
		return article.TypeClinicalTrial, true
	case t == "preprint":
		return article.TypePreprint, true
	case t == "research-article" || t == "journal article" || t == "research support":
		return article.TypeJournalArticle, true
	default:
		return "", false
	}
}
