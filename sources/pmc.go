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

// PMC is the adapter for the open full-text archive. Records come back as
// JATS XML; the same parse backs both search hydration and the fulltext
// capability.
type PMC struct {
	gw     *gateway.Client
	base   string
	email  string
	apiKey string
}

// NewPMC constructs the adapter.
func NewPMC(gw *gateway.Client, email, apiKey string) *PMC {
	return &PMC{gw: gw, base: eutilsBase, email: email, apiKey: apiKey}
}

// Name implements Adapter.
func (p *PMC) Name() string { return "pmc" }

func (p *PMC) params() url.Values {
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
func (p *PMC) Search(ctx context.Context, q query.Query, page Page) (Result, error) {
	if q.Class == query.ClassIdentifier {
		scheme, value := splitID(q.Identifier)
		if scheme != "pmcid" {
			return Result{}, nil
		}
		raw, err := p.Fetch(ctx, "pmcid:"+value)
		if err != nil {
			if scherr.IsKind(err, scherr.NotFound) {
				return Result{}, nil
			}
			return Result{}, err
		}
		return Result{Records: []article.Raw{raw}, Total: 1}, nil
	}

	term, unsupported := buildEutilsTerm(q)
	if term == "" {
		return Result{Unsupported: unsupported}, nil
	}
	offset := cursorOffset(page)
	size := pageSize(page, 20, 100)

	v := p.params()
	v.Set("db", "pmc")
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
	docs, err := p.efetch(ctx, es.Result.IDList)
	if err != nil {
		return Result{}, err
	}
	records := make([]article.Raw, 0, len(docs))
	for _, d := range docs {
		records = append(records, rawFromJATS(d))
	}
	return Result{
		Records:     records,
		Total:       total,
		Cursor:      nextOffsetCursor(offset, len(es.Result.IDList), total),
		Unsupported: unsupported,
	}, nil
}

// Fetch implements Fetcher for pmcid identifiers.
func (p *PMC) Fetch(ctx context.Context, id string) (article.Raw, error) {
	docs, err := p.efetch(ctx, []string{pmcNumeric(id)})
	if err != nil {
		return article.Raw{}, err
	}
	if len(docs) == 0 {
		return article.Raw{}, scherr.Newf(scherr.NotFound, "pmc has no record for %q", id)
	}
	return rawFromJATS(docs[0]), nil
}

// Fulltext implements FulltextFetcher. Sections are keyed by their
// lowercased titles plus the reserved "abstract" key.
func (p *PMC) Fulltext(ctx context.Context, id string, sections []string) (Fulltext, error) {
	docs, err := p.efetch(ctx, []string{pmcNumeric(id)})
	if err != nil {
		return Fulltext{}, err
	}
	if len(docs) == 0 {
		return Fulltext{}, scherr.Newf(scherr.NotFound, "pmc has no full text for %q", id)
	}
	return fulltextFromJATS(docs[0], sections), nil
}

func (p *PMC) efetch(ctx context.Context, ids []string) ([]jatsArticle, error) {
	v := p.params()
	v.Set("db", "pmc")
	v.Set("id", strings.Join(ids, ","))
	v.Set("retmode", "xml")

	var set jatsSet
	if err := p.gw.GetXML(ctx, gateway.Request{URL: p.base + "/efetch.fcgi?" + v.Encode()}, &set); err != nil {
		return nil, err
	}
	return set.Articles, nil
}

// pmcNumeric strips the scheme and PMC prefix: efetch takes bare numbers.
func pmcNumeric(id string) string {
	_, value := splitID(id)
	return strings.TrimPrefix(strings.ToUpper(value), "PMC")
}

type (
	jatsSet struct {
		Articles []jatsArticle `xml:"article"`
	}

	jatsArticle struct {
		Front jatsFront `xml:"front"`
		Body  jatsBody  `xml:"body"`
	}

	jatsFront struct {
		JournalTitle string   `xml:"journal-meta>journal-title-group>journal-title"`
		Meta         jatsMeta `xml:"article-meta"`
	}

	jatsMeta struct {
		IDs      []jatsID      `xml:"article-id"`
		Title    string        `xml:"title-group>article-title"`
		Abstract jatsAbstract  `xml:"abstract"`
		Contribs []jatsContrib `xml:"contrib-group>contrib"`
		PubDates []jatsPubDate `xml:"pub-date"`
	}

	jatsID struct {
		Type  string `xml:"pub-id-type,attr"`
		Value string `xml:",chardata"`
	}

	jatsAbstract struct {
		Paragraphs []string  `xml:"p"`
		Secs       []jatsSec `xml:"sec"`
	}

	jatsContrib struct {
		Type    string `xml:"contrib-type,attr"`
		Surname string `xml:"name>surname"`
		Given   string `xml:"name>given-names"`
	}

	jatsPubDate struct {
		Type  string `xml:"pub-type,attr"`
		Year  string `xml:"year"`
		Month string `xml:"month"`
		Day   string `xml:"day"`
	}

	jatsBody struct {
		Secs []jatsSec `xml:"sec"`
	}

	jatsSec struct {
		Title      string    `xml:"title"`
		Paragraphs []string  `xml:"p"`
		Secs       []jatsSec `xml:"sec"`
	}
)

func rawFromJATS(doc jatsArticle) article.Raw {
	meta := doc.Front.Meta
	raw := article.Raw{
		Source:   "pmc",
		Title:    strings.TrimSpace(meta.Title),
		Journal:  strings.TrimSpace(doc.Front.JournalTitle),
		Abstract: jatsAbstractText(meta.Abstract),
	}
	for _, id := range meta.IDs {
		value := strings.TrimSpace(id.Value)
		switch strings.ToLower(id.Type) {
		case "pmc", "pmcid":
			raw.PMCID = value
			raw.LocalID = value
		case "pmid":
			raw.PMID = value
		case "doi":
			raw.DOI = value
		}
	}
	for _, c := range meta.Contribs {
		if c.Type != "" && c.Type != "author" {
			continue
		}
		name := strings.TrimSpace(strings.TrimSpace(c.Given) + " " + strings.TrimSpace(c.Surname))
		if name != "" {
			raw.Authors = append(raw.Authors, article.Author{Name: name})
		}
	}
	raw.Year, raw.Month, raw.Day = jatsDate(meta.PubDates)
	if raw.PMCID != "" {
		pmcid := "PMC" + strings.TrimPrefix(strings.ToUpper(raw.PMCID), "PMC")
		raw.Links = append(raw.Links,
			article.Link{Kind: article.LinkHTML, URL: "https://www.ncbi.nlm.nih.gov/pmc/articles/" + pmcid + "/", OpenAccess: true},
			article.Link{Kind: article.LinkPDF, URL: "https://www.ncbi.nlm.nih.gov/pmc/articles/" + pmcid + "/pdf/", OpenAccess: true},
		)
	}
	return raw
}

// jatsDate prefers the electronic publication date, then any dated entry.
func jatsDate(dates []jatsPubDate) (year, month, day int) {
	pick := func(d jatsPubDate) (int, int, int) {
		y, _ := strconv.Atoi(strings.TrimSpace(d.Year))
		m := monthNumber(d.Month)
		dd, _ := strconv.Atoi(strings.TrimSpace(d.Day))
		return y, m, dd
	}
	for _, d := range dates {
		if d.Type == "epub" {
			if y, m, dd := pick(d); y > 0 {
				return y, m, dd
			}
		}
	}
	for _, d := range dates {
		if y, m, dd := pick(d); y > 0 {
			return y, m, dd
		}
	}
	return 0, 0, 0
}

func jatsAbstractText(a jatsAbstract) string {
	var parts []string
	for _, p := range a.Paragraphs {
		if t := strings.TrimSpace(p); t != "" {
			parts = append(parts, t)
		}
	}
	for _, sec := range a.Secs {
		if t := jatsSectionText(sec); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

func jatsSectionText(sec jatsSec) string {
	var parts []string
	for _, p := range sec.Paragraphs {
		if t := strings.TrimSpace(p); t != "" {
			parts = append(parts, t)
		}
	}
	for _, sub := range sec.Secs {
		if t := jatsSectionText(sub); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

func fulltextFromJATS(doc jatsArticle, want []string) Fulltext {
	wanted := make(map[string]bool, len(want))
	for _, w := range want {
		wanted[strings.ToLower(strings.TrimSpace(w))] = true
	}
	keep := func(name string) bool {
		return len(wanted) == 0 || wanted[name]
	}

	ft := Fulltext{Sections: make(map[string]string)}
	var rawParts []string
	if abs := jatsAbstractText(doc.Front.Meta.Abstract); abs != "" {
		if keep("abstract") {
			ft.Sections["abstract"] = abs
		}
		rawParts = append(rawParts, abs)
	}
	for _, sec := range doc.Body.Secs {
		name := strings.ToLower(strings.TrimSpace(sec.Title))
		if name == "" {
			name = "body"
		}
		text := jatsSectionText(sec)
		if text == "" {
			continue
		}
		if keep(name) {
			if prev, ok := ft.Sections[name]; ok {
				text = prev + "\n\n" + text
			}
			ft.Sections[name] = text
		}
		rawParts = append(rawParts, text)
	}
	ft.Raw = strings.Join(rawParts, "\n\n")
	return ft
}
