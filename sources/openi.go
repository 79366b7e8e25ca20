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

const openIBase = "https://openi.nlm.nih.gov"

// OpenI is the adapter for the biomedical image repository. Records are
// figures tied to archive articles; the figure caption stands in for the
// abstract.
type OpenI struct {
	gw   *gateway.Client
	base string
}

// NewOpenI constructs the adapter.
func NewOpenI(gw *gateway.Client) *OpenI {
	return &OpenI{gw: gw, base: openIBase}
}

// Name implements Adapter.
func (o *OpenI) Name() string { return "openi" }

// Search implements Searcher. The API pages with 1-based m..n result
// indexes.
func (o *OpenI) Search(ctx context.Context, q query.Query, page Page) (Result, error) {
	text := q.Text
	if q.Class == query.ClassIdentifier {
		return Result{}, nil
	}
	if text == "" {
		return Result{}, nil
	}
	offset := cursorOffset(page)
	size := pageSize(page, 20, 100)

	v := url.Values{}
	v.Set("query", text)
	v.Set("m", strconv.Itoa(offset+1))
	v.Set("n", strconv.Itoa(offset+size))

	var res openISearchResponse
	if err := o.gw.GetJSON(ctx, gateway.Request{URL: o.base + "/api/search?" + v.Encode()}, &res); err != nil {
		return Result{}, err
	}
	records := make([]article.Raw, 0, len(res.List))
	for _, item := range res.List {
		records = append(records, o.rawFromOpenI(item))
	}
	return Result{
		Records:     records,
		Total:       res.Total,
		Cursor:      nextOffsetCursor(offset, len(records), res.Total),
		Unsupported: unsupportedFilters(q),
	}, nil
}

type (
	openISearchResponse struct {
		Total int         `json:"total"`
		Count int         `json:"count"`
		List  []openIItem `json:"list"`
	}

	openIItem struct {
		UID          flexID `json:"uid"`
		PMCID        string `json:"pmcid"`
		PMID         string `json:"pmid"`
		Title        string `json:"title"`
		Authors      string `json:"authors"`
		JournalTitle string `json:"journal_title"`
		Abstract     string `json:"abstract"`
		Image        struct {
			ID      string `json:"id"`
			Caption string `json:"caption"`
		} `json:"image"`
		ImgLarge string `json:"imgLarge"`
		ImgThumb string `json:"imgThumb"`
		MeSH     struct {
			Major []string `json:"major"`
		} `json:"MeSH"`
	}
)

func (o *OpenI) rawFromOpenI(item openIItem) article.Raw {
	raw := article.Raw{
		Source:  "openi",
		LocalID: string(item.UID),
		PMCID:   strings.TrimSpace(item.PMCID),
		PMID:    strings.TrimSpace(item.PMID),
		Title:   strings.TrimSpace(item.Title),
		Journal: strings.TrimSpace(item.JournalTitle),
	}
	raw.Abstract = strings.TrimSpace(item.Image.Caption)
	if raw.Abstract == "" {
		raw.Abstract = strings.TrimSpace(item.Abstract)
	}
	for _, name := range strings.Split(item.Authors, ",") {
		if name = strings.TrimSpace(strings.TrimSuffix(name, ".")); name != "" {
			raw.Authors = append(raw.Authors, article.Author{Name: name})
		}
	}
	raw.Descriptors = append(raw.Descriptors, item.MeSH.Major...)
	if img := o.absolute(item.ImgLarge); img != "" {
		raw.Links = append(raw.Links, article.Link{Kind: article.LinkImage, URL: img, OpenAccess: true})
	}
	if thumb := o.absolute(item.ImgThumb); thumb != "" {
		raw.Links = append(raw.Links, article.Link{Kind: article.LinkImage, URL: thumb, OpenAccess: true})
	}
	if raw.LocalID != "" {
		raw.Links = append(raw.Links, article.Link{
			Kind: article.LinkHTML,
			URL:  o.base + "/detailedresult?img=" + url.QueryEscape(raw.LocalID),
		})
	}
	return raw
}

func (o *OpenI) absolute(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return o.base + "/" + strings.TrimPrefix(path, "/")
}
