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

const eutilsBase = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// PubMed is the adapter for the national biomedical index. It searches with
// esearch, hydrates records with efetch XML, and walks the citation graph
// with elink.
type PubMed struct {
	gw     *gateway.Client
	base   string
	email  string
	apiKey string
}

// NewPubMed constructs the adapter. The API key raises the shared NCBI rate
// limit; registration of that limit happens in the registry.
func NewPubMed(gw *gateway.Client, email, apiKey string) *PubMed {
	return &PubMed{gw: gw, base: eutilsBase, email: email, apiKey: apiKey}
}

// Name implements Adapter.
func (p *PubMed) Name() string { return "pubmed" }

func (p *PubMed) params() url.Values {
	v := url.Values{}
	v.Set("tool", "scholium")
	if p.email != "" {
		v.Set("email", p.email)
	}
	if p.apiKey != "" {
		v.Set("api_key", p.apiKey)
	}
	return v
}

// Search implements Searcher.
func (p *PubMed) Search(ctx context.Context, q query.Query, page Page) (Result, error) {
	if q.Class == query.ClassIdentifier {
		return p.searchIdentifier(ctx, q)
	}
	term, unsupported := buildEutilsTerm(q)
	if term == "" {
		return Result{Unsupported: unsupported}, nil
	}
	offset := cursorOffset(page)
	size := pageSize(page, 20, 100)

	v := p.params()
	v.Set("db", "pubmed")
	v.Set("term", term)
	v.Set("retmode", "json")
	v.Set("retmax", strconv.Itoa(size))
	v.Set("retstart", strconv.Itoa(offset))

	var es esearchResponse
	if err := p.gw.GetJSON(ctx, gateway.Request{URL: p.base + "/esearch.fcgi?" + v.Encode()}, &es); err != nil {
		return Result{}, err
	}
	total, _ := strconv.Atoi(es.Result.Count)
	if len(es.Result.IDList) == 0 {
		return Result{Total: total, Unsupported: unsupported}, nil
	}
	records, err := p.efetch(ctx, es.Result.IDList)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Records:     records,
		Total:       total,
		Cursor:      nextOffsetCursor(offset, len(es.Result.IDList), total),
		Unsupported: unsupported,
	}, nil
}

func (p *PubMed) searchIdentifier(ctx context.Context, q query.Query) (Result, error) {
	scheme, value := splitID(q.Identifier)
	switch scheme {
	case "pmid":
		records, err := p.efetch(ctx, []string{value})
		if err != nil {
			return Result{}, err
		}
		return Result{Records: records, Total: len(records)}, nil
	case "doi":
		v := p.params()
		v.Set("db", "pubmed")
		v.Set("term", fmt.Sprintf("%q[doi]", value))
		v.Set("retmode", "json")
		v.Set("retmax", "1")
		var es esearchResponse
		if err := p.gw.GetJSON(ctx, gateway.Request{URL: p.base + "/esearch.fcgi?" + v.Encode()}, &es); err != nil {
			return Result{}, err
		}
		if len(es.Result.IDList) == 0 {
			return Result{}, nil
		}
		records, err := p.efetch(ctx, es.Result.IDList[:1])
		if err != nil {
			return Result{}, err
		}
		return Result{Records: records, Total: len(records)}, nil
	default:
		// Archive accessions belong to the full-text mirror.
		return Result{}, nil
	}
}

// Fetch implements Fetcher for pmid identifiers.
func (p *PubMed) Fetch(ctx context.Context, id string) (article.Raw, error) {
	_, value := splitID(id)
	records, err := p.efetch(ctx, []string{value})
	if err != nil {
		return article.Raw{}, err
	}
	if len(records) == 0 {
		return article.Raw{}, scherr.Newf(scherr.NotFound, "pubmed has no record for %q", id)
	}
	return records[0], nil
}

// Citations implements CitationLister.
func (p *PubMed) Citations(ctx context.Context, id string) ([]string, error) {
	return p.elink(ctx, id, "pubmed_pubmed_citedin")
}

// References implements ReferenceLister.
func (p *PubMed) References(ctx context.Context, id string) ([]string, error) {
	return p.elink(ctx, id, "pubmed_pubmed_refs")
}

func (p *PubMed) elink(ctx context.Context, id, linkName string) ([]string, error) {
	_, value := splitID(id)
	v := p.params()
	v.Set("dbfrom", "pubmed")
	v.Set("linkname", linkName)
	v.Set("id", value)
	v.Set("retmode", "json")

	var el elinkResponse
	if err := p.gw.GetJSON(ctx, gateway.Request{URL: p.base + "/elink.fcgi?" + v.Encode()}, &el); err != nil {
		return nil, err
	}
	var ids []string
	for _, set := range el.LinkSets {
		for _, db := range set.LinkSetDBs {
			if db.LinkName != linkName {
				continue
			}
			for _, link := range db.Links {
				ids = append(ids, "pmid:"+string(link))
			}
		}
	}
	return ids, nil
}

func (p *PubMed) efetch(ctx context.Context, ids []string) ([]article.Raw, error) {
	v := p.params()
	v.Set("db", "pubmed")
	v.Set("id", strings.Join(ids, ","))
	v.Set("retmode", "xml")

	var set pubmedArticleSet
	if err := p.gw.GetXML(ctx, gateway.Request{URL: p.base + "/efetch.fcgi?" + v.Encode()}, &set); err != nil {
		return nil, err
	}
	records := make([]article.Raw, 0, len(set.Articles))
	for _, a := range set.Articles {
		records = append(records, rawFromPubmed(a))
	}
	return records, nil
}

// buildEutilsTerm translates the normalized query into the esearch term
// syntax shared by the index and its full-text archive. The returned list
// names the filters that could not be translated.
func buildEutilsTerm(q query.Query) (string, []string) {
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
			clauses = append(clauses, eutilsTermGroup(t))
		}
	case q.Text != "":
		clauses = append(clauses, q.Text)
	}
	if len(clauses) == 0 {
		return "", unsupportedFilters(q)
	}

	handled := []string{filterBoolean, filterDateRange, filterLanguage, filterOpenAccess, filterDemographics}
	if q.DateFrom.Known() || q.DateTo.Known() {
		clauses = append(clauses, dateRangeClause(q.DateFrom, q.DateTo))
	}
	docTypesHandled := true
	for _, dt := range q.DocTypes {
		pt, ok := eutilsPubType[dt]
		if !ok {
			docTypesHandled = false
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%q[pt]", pt))
	}
	if docTypesHandled {
		handled = append(handled, filterDocTypes)
	}
	if q.Language != "" {
		clauses = append(clauses, fmt.Sprintf("%q[la]", eutilsLanguage(q.Language)))
	}
	if q.OpenAccessOnly {
		clauses = append(clauses, "free full text[sb]")
	}
	for _, d := range q.Demographics {
		clauses = append(clauses, fmt.Sprintf("%q[mh]", d))
	}
	return strings.Join(clauses, " AND "), unsupportedFilters(q, handled...)
}

func eutilsTermGroup(t query.Term) string {
	canon := t.Canonical
	if canon == "" {
		canon = t.Term
	}
	var parts []string
	if !strings.EqualFold(canon, t.Term) {
		parts = append(parts, quoteTerm(canon)+"[mh]")
	}
	parts = append(parts, quoteTerm(t.Term)+"[tiab]")
	for i, s := range t.Synonyms {
		if i == 4 {
			break
		}
		parts = append(parts, quoteTerm(s)+"[tiab]")
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func quoteTerm(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

func dateRangeClause(from, to article.PubDate) string {
	lo := "1800"
	if from.Known() {
		lo = eutilsDate(from)
	}
	hi := "3000"
	if to.Known() {
		hi = eutilsDate(to)
	}
	return fmt.Sprintf("(%q[dp] : %q[dp])", lo, hi)
}

func eutilsDate(d article.PubDate) string {
	switch {
	case d.Month == 0:
		return strconv.Itoa(d.Year)
	case d.Day == 0:
		return fmt.Sprintf("%04d/%02d", d.Year, d.Month)
	default:
		return fmt.Sprintf("%04d/%02d/%02d", d.Year, d.Month, d.Day)
	}
}

var eutilsPubType = map[article.PubType]string{
	article.TypeJournalArticle: "journal article",
	article.TypeReview:         "review",
	article.TypeClinicalTrial:  "clinical trial",
	article.TypeMetaAnalysis:   "meta-analysis",
	article.TypePreprint:       "preprint",
}

var eutilsLanguageNames = map[string]string{
	"en": "english",
	"de": "german",
	"fr": "french",
	"es": "spanish",
	"it": "italian",
	"pt": "portuguese",
	"zh": "chinese",
	"ja": "japanese",
	"ru": "russian",
	"ko": "korean",
}

func eutilsLanguage(code string) string {
	if name, ok := eutilsLanguageNames[code]; ok {
		return name
	}
	return code
}

type (
	esearchResponse struct {
		Result struct {
			Count  string   `json:"count"`
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}

	elinkResponse struct {
		LinkSets []struct {
			LinkSetDBs []struct {
				LinkName string   `json:"linkname"`
				Links    []flexID `json:"links"`
			} `json:"linksetdbs"`
		} `json:"linksets"`
	}

	pubmedArticleSet struct {
		Articles []pubmedArticle `xml:"PubmedArticle"`
	}

	pubmedArticle struct {
		Medline pubmedMedline `xml:"MedlineCitation"`
		Data    pubmedData    `xml:"PubmedData"`
	}

	pubmedMedline struct {
		PMID    string            `xml:"PMID"`
		Article pubmedArticleInfo `xml:"Article"`
		Mesh    []pubmedMesh      `xml:"MeshHeadingList>MeshHeading"`
	}

	pubmedArticleInfo struct {
		Title    string `xml:"ArticleTitle"`
		Abstract struct {
			Sections []pubmedAbstractText `xml:"AbstractText"`
		} `xml:"Abstract"`
		Journal struct {
			Title string `xml:"Title"`
			Issue struct {
				PubDate pubmedPubDate `xml:"PubDate"`
			} `xml:"JournalIssue"`
		} `xml:"Journal"`
		Authors   []pubmedAuthor `xml:"AuthorList>Author"`
		Languages []string       `xml:"Language"`
		PubTypes  []string       `xml:"PublicationTypeList>PublicationType"`
	}

	pubmedAbstractText struct {
		Label string `xml:"Label,attr"`
		Text  string `xml:",chardata"`
	}

	pubmedPubDate struct {
		Year        string `xml:"Year"`
		Month       string `xml:"Month"`
		Day         string `xml:"Day"`
		MedlineDate string `xml:"MedlineDate"`
	}

	pubmedAuthor struct {
		LastName       string   `xml:"LastName"`
		ForeName       string   `xml:"ForeName"`
		Initials       string   `xml:"Initials"`
		CollectiveName string   `xml:"CollectiveName"`
		Affiliations   []string `xml:"AffiliationInfo>Affiliation"`
	}

	pubmedMesh struct {
		Descriptor string `xml:"DescriptorName"`
	}

	pubmedData struct {
		ArticleIDs []pubmedArticleID `xml:"ArticleIdList>ArticleId"`
	}

	pubmedArticleID struct {
		IDType string `xml:"IdType,attr"`
		Value  string `xml:",chardata"`
	}
)

func rawFromPubmed(a pubmedArticle) article.Raw {
	info := a.Medline.Article
	raw := article.Raw{
		Source:  "pubmed",
		LocalID: strings.TrimSpace(a.Medline.PMID),
		PMID:    strings.TrimSpace(a.Medline.PMID),
		Title:   strings.TrimSpace(info.Title),
		Journal: strings.TrimSpace(info.Journal.Title),
	}
	for _, id := range a.Data.ArticleIDs {
		value := strings.TrimSpace(id.Value)
		switch strings.ToLower(id.IDType) {
		case "doi":
			raw.DOI = value
		case "pmc":
			raw.PMCID = value
		}
	}
	raw.Abstract = joinAbstract(info.Abstract.Sections)
	for _, au := range info.Authors {
		raw.Authors = append(raw.Authors, pubmedAuthorName(au))
	}
	if len(info.Languages) > 0 {
		raw.Language = isoLanguage(info.Languages[0])
	}
	for _, pt := range info.PubTypes {
		if mapped, ok := pubTypeFromEutils(pt); ok {
			raw.Types = append(raw.Types, mapped)
		}
	}
	for _, mh := range a.Medline.Mesh {
		if d := strings.TrimSpace(mh.Descriptor); d != "" {
			raw.Descriptors = append(raw.Descriptors, d)
		}
	}
	raw.Year, raw.Month, raw.Day = parsePubmedDate(info.Journal.Issue.PubDate)
	if raw.PMID != "" {
		raw.Links = append(raw.Links, article.Link{
			Kind: article.LinkHTML,
			URL:  "https://pubmed.ncbi.nlm.nih.gov/" + raw.PMID + "/",
		})
	}
	return raw
}

func joinAbstract(sections []pubmedAbstractText) string {
	var parts []string
	for _, s := range sections {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if label := strings.TrimSpace(s.Label); label != "" {
			text = label + ": " + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}

func pubmedAuthorName(au pubmedAuthor) article.Author {
	name := strings.TrimSpace(au.CollectiveName)
	if name == "" {
		fore := strings.TrimSpace(au.ForeName)
		if fore == "" {
			fore = strings.TrimSpace(au.Initials)
		}
		name = strings.TrimSpace(fore + " " + strings.TrimSpace(au.LastName))
	}
	a := article.Author{Name: name}
	if len(au.Affiliations) > 0 {
		a.Affiliation = strings.TrimSpace(au.Affiliations[0])
	}
	return a
}

// parsePubmedDate reads the structured Year/Month/Day elements, falling back
// to the MedlineDate free-form field ("2019 Nov-Dec", "2020 Spring").
func parsePubmedDate(d pubmedPubDate) (year, month, day int) {
	year, _ = strconv.Atoi(strings.TrimSpace(d.Year))
	if year > 0 {
		month = monthNumber(d.Month)
		day, _ = strconv.Atoi(strings.TrimSpace(d.Day))
		return year, month, day
	}
	fields := strings.Fields(d.MedlineDate)
	if len(fields) == 0 {
		return 0, 0, 0
	}
	year = leadingYear(fields[0])
	if year == 0 || len(fields) < 2 {
		return year, 0, 0
	}
	first, _, _ := strings.Cut(fields[1], "-")
	return year, monthNumber(first), 0
}

func leadingYear(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end < 4 {
		return 0
	}
	y, _ := strconv.Atoi(s[:4])
	return y
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

func monthNumber(s string) int {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= 12 {
		return n
	}
	if len(s) >= 3 {
		if n, ok := monthNames[strings.ToLower(s[:3])]; ok {
			return n
		}
	}
	return 0
}

func pubTypeFromEutils(s string) (article.PubType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "journal article":
		return article.TypeJournalArticle, true
	case "review", "systematic review":
		return article.TypeReview, true
	case "clinical trial", "randomized controlled trial", "controlled clinical trial",
		"clinical trial, phase i", "clinical trial, phase ii", "clinical trial, phase iii", "clinical trial, phase iv":
		return article.TypeClinicalTrial, true
	case "meta-analysis":
		return article.TypeMetaAnalysis, true
	case "preprint":
		return article.TypePreprint, true
	default:
		return "", false
	}
}

// isoLanguage maps the three-letter codes used by the index onto the
// two-letter codes of the unified model; unknown codes pass through.
func isoLanguage(code string) string {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "eng":
		return "en"
	case "ger", "deu":
		return "de"
	case "fre", "fra":
		return "fr"
	case "spa":
		return "es"
	case "ita":
		return "it"
	case "por":
		return "pt"
	case "chi", "zho":
		return "zh"
	case "jpn":
		return "ja"
	case "rus":
		return "ru"
	case "kor":
		return "ko"
	default:
		return strings.ToLower(strings.TrimSpace(code))
	}
}
