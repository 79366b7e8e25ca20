package sources

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/gateway"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/scherr"
)

// entrezDatabases is the closed set of non-literature databases exposed
// through the unified model.
var entrezDatabases = map[string]bool{
	"gene":       true,
	"clinvar":    true,
	"pccompound": true,
}

// Entrez is the adapter for the gene/variant/compound database family. The
// target database comes from the query's db filter; records surface as
// database-record entries with namespaced identifiers.
type Entrez struct {
	gw     *gateway.Client
	base   string
	email  string
	apiKey string
}

// NewEntrez constructs the adapter.
func NewEntrez(gw *gateway.Client, email, apiKey string) *Entrez {
	return &Entrez{gw: gw, base: eutilsBase, email: email, apiKey: apiKey}
}

// Name implements Adapter.
func (e *Entrez) Name() string { return "entrez" }

func (e *Entrez) params() url.Values {
	v := url.Values{}
	v.Set("tool", "scholium")
	if e.email != "" {
		v.Set("email", e.email)
	}
	if e.apiKey != "" {
		v.Set("api_key", e.apiKey)
	}
	return v
}

// Search implements Searcher.
func (e *Entrez) Search(ctx context.Context, q query.Query, page Page) (Result, error) {
	db := q.Filters["db"]
	if db == "" {
		db = "gene"
	}
	if !entrezDatabases[db] {
		return Result{}, scherr.Newf(scherr.InvalidInput, "entrez database %q is not served (gene, clinvar, pccompound)", db)
	}

	term := q.Text
	if q.Class == query.ClassBoolean {
		term = q.Boolean
	}
	if term == "" {
		return Result{}, nil
	}
	offset := cursorOffset(page)
	size := pageSize(page, 20, 100)

	v := e.params()
	v.Set("db", db)
	v.Set("term", term)
	v.Set("retmode", "json")
	v.Set("retmax", strconv.Itoa(size))
	v.Set("retstart", strconv.Itoa(offset))

	var es esearchResponse
	if err := e.gw.GetJSON(ctx, gateway.Request{URL: e.base + "/esearch.fcgi?" + v.Encode()}, &es); err != nil {
		return Result{}, err
	}
	unsupported := unsupportedFilters(q, filterBoolean, "filter:db")
	total, _ := strconv.Atoi(es.Result.Count)
	if len(es.Result.IDList) == 0 {
		return Result{Total: total, Unsupported: unsupported}, nil
	}
	records, err := e.esummary(ctx, db, es.Result.IDList)
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

// Fetch implements Fetcher for entrez-<db> identifiers.
func (e *Entrez) Fetch(ctx context.Context, id string) (article.Raw, error) {
	scheme, uid := splitID(id)
	db := strings.TrimPrefix(scheme, "entrez-")
	if db == scheme || !entrezDatabases[db] {
		return article.Raw{}, scherr.Newf(scherr.InvalidInput, "entrez cannot address %q", id)
	}
	records, err := e.esummary(ctx, db, []string{uid})
	if err != nil {
		return article.Raw{}, err
	}
	if len(records) == 0 {
		return article.Raw{}, scherr.Newf(scherr.NotFound, "entrez %s has no record %q", db, uid)
	}
	return records[0], nil
}

func (e *Entrez) esummary(ctx context.Context, db string, uids []string) ([]article.Raw, error) {
	v := e.params()
	v.Set("db", db)
	v.Set("id", strings.Join(uids, ","))
	v.Set("retmode", "json")

	var res entrezSummaryResponse
	if err := e.gw.GetJSON(ctx, gateway.Request{URL: e.base + "/esummary.fcgi?" + v.Encode()}, &res); err != nil {
		return nil, err
	}
	var order []string
	if rawUIDs, ok := res.Result["uids"]; ok {
		_ = json.Unmarshal(rawUIDs, &order)
	}
	if len(order) == 0 {
		order = uids
	}
	records := make([]article.Raw, 0, len(order))
	for _, uid := range order {
		rawDoc, ok := res.Result[uid]
		if !ok {
			continue
		}
		var sum entrezSummary
		if err := json.Unmarshal(rawDoc, &sum); err != nil {
			continue
		}
		records = append(records, rawFromEntrez(db, uid, sum))
	}
	return records, nil
}

type (
	entrezSummaryResponse struct {
		Result map[string]json.RawMessage `json:"result"`
	}

	// entrezSummary is the union of the summary fields used across the
	// served databases; each database fills its own subset.
	entrezSummary struct {
		Name             string `json:"name"`
		Description      string `json:"description"`
		NomenclatureName string `json:"nomenclaturename"`
		Title            string `json:"title"`
		Accession        string `json:"accession"`
		ObjType          string `json:"obj_type"`
		Organism         struct {
			ScientificName string `json:"scientificname"`
		} `json:"organism"`
		SynonymList []string `json:"synonymlist"`
	}
)

func rawFromEntrez(db, uid string, sum entrezSummary) article.Raw {
	raw := article.Raw{
		Source:   "entrez",
		LocalID:  uid,
		OtherIDs: map[string]string{"entrez-" + db: uid},
		Types:    []article.PubType{article.TypeDatabaseRecord},
	}
	switch db {
	case "gene":
		raw.Title = strings.TrimSpace(sum.Name)
		if desc := strings.TrimSpace(sum.Description); desc != "" {
			if raw.Title != "" {
				raw.Title += ": " + desc
			} else {
				raw.Title = desc
			}
		}
		if org := strings.TrimSpace(sum.Organism.ScientificName); org != "" {
			raw.Abstract = "Organism: " + org
		}
		if name := strings.TrimSpace(sum.NomenclatureName); name != "" {
			raw.Descriptors = append(raw.Descriptors, name)
		}
		raw.Links = append(raw.Links, article.Link{
			Kind: article.LinkHTML,
			URL:  "https://www.ncbi.nlm.nih.gov/gene/" + uid,
		})
	case "clinvar":
		raw.Title = strings.TrimSpace(sum.Title)
		if acc := strings.TrimSpace(sum.Accession); acc != "" {
			raw.Descriptors = append(raw.Descriptors, acc)
		}
		if ot := strings.TrimSpace(sum.ObjType); ot != "" {
			raw.Abstract = "Variant type: " + ot
		}
		raw.Links = append(raw.Links, article.Link{
			Kind: article.LinkHTML,
			URL:  "https://www.ncbi.nlm.nih.gov/clinvar/variation/" + uid + "/",
		})
	case "pccompound":
		raw.Title = strings.TrimSpace(sum.Title)
		if raw.Title == "" && len(sum.SynonymList) > 0 {
			raw.Title = strings.TrimSpace(sum.SynonymList[0])
		}
		if raw.Title == "" {
			raw.Title = "CID " + uid
		}
		for i, syn := range sum.SynonymList {
			if i == 5 {
				break
			}
			if s := strings.TrimSpace(syn); s != "" {
				raw.Descriptors = append(raw.Descriptors, s)
			}
		}
		raw.Links = append(raw.Links, article.Link{
			Kind: article.LinkHTML,
			URL:  "https://pubchem.ncbi.nlm.nih.gov/compound/" + uid,
		})
	}
	return raw
}
