package sources

import (
	"sort"
	"strings"

	"github.com/scholium/scholium/gateway"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/scherr"
)

// Config carries the per-service credentials and the operator contact used
// for polite API access. All fields are optional; missing keys select the
// anonymous tier of each service.
type Config struct {
	Email         string
	NCBIAPIKey    string
	S2APIKey      string
	COREAPIKey    string
	CrossrefToken string
}

// Registry owns the adapter fleet. Construction registers every host's rate
// limit and credential headers with the gateway.
type Registry struct {
	adapters map[string]Adapter
	order    []string
	mesh     *MeSH
}

// NewRegistry builds all adapters against gw and installs their host
// policies.
func NewRegistry(gw *gateway.Client, cfg Config) *Registry {
	ncbiRPS := 3.0
	if cfg.NCBIAPIKey != "" {
		ncbiRPS = 10.0
	}
	gw.RegisterHost(gateway.HostPolicy{Host: "eutils.ncbi.nlm.nih.gov", RPS: ncbiRPS, Burst: int(ncbiRPS)})
	gw.RegisterHost(gateway.HostPolicy{Host: "www.ebi.ac.uk", RPS: 5, Burst: 5})
	gw.RegisterHost(gateway.HostPolicy{Host: "api.openalex.org", RPS: 10, Burst: 10})
	gw.RegisterHost(gateway.HostPolicy{Host: "api.crossref.org", RPS: 10, Burst: 10, Header: crossrefHeader(cfg.CrossrefToken)})
	gw.RegisterHost(gateway.HostPolicy{Host: "api.semanticscholar.org", RPS: 1, Burst: 1, Header: s2Header(cfg.S2APIKey)})
	gw.RegisterHost(gateway.HostPolicy{Host: "api.core.ac.uk", RPS: 2, Burst: 2, Header: coreHeader(cfg.COREAPIKey)})
	gw.RegisterHost(gateway.HostPolicy{Host: "openi.nlm.nih.gov", RPS: 3, Burst: 3})
	gw.RegisterHost(gateway.HostPolicy{Host: "id.nlm.nih.gov", RPS: 5, Burst: 5})

	r := &Registry{adapters: make(map[string]Adapter)}
	r.mesh = NewMeSH(gw)
	for _, a := range []Adapter{
		NewPubMed(gw, cfg.Email, cfg.NCBIAPIKey),
		NewPMC(gw, cfg.Email, cfg.NCBIAPIKey),
		NewEuropePMC(gw),
		NewCORE(gw),
		NewOpenAlex(gw, cfg.Email),
		NewSemanticScholar(gw),
		NewCrossref(gw, cfg.Email),
		NewEntrez(gw, cfg.Email, cfg.NCBIAPIKey),
		NewOpenI(gw),
		r.mesh,
	} {
		r.adapters[a.Name()] = a
		r.order = append(r.order, a.Name())
	}
	return r
}

func crossrefHeader(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Crossref-Plus-API-Token": "Bearer " + token}
}

func s2Header(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"X-Api-Key": key}
}

func coreHeader(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + key}
}

// DefaultSources is the fan-out set used when a search names none.
func DefaultSources() []string {
	return []string{"pubmed", "europepmc", "openalex", "crossref", "semanticscholar"}
}

// Get returns the named adapter.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists every registered adapter, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Searchers resolves source names to search capabilities. Unknown names and
// sources without search are invalid input, not soft failures.
func (r *Registry) Searchers(names []string) ([]Searcher, error) {
	if len(names) == 0 {
		names = DefaultSources()
	}
	out := make([]Searcher, 0, len(names))
	for _, n := range names {
		a, ok := r.adapters[n]
		if !ok {
			return nil, scherr.Newf(scherr.InvalidInput, "unknown source %q", n)
		}
		s, ok := a.(Searcher)
		if !ok {
			return nil, scherr.Newf(scherr.InvalidInput, "source %q cannot search", n)
		}
		out = append(out, s)
	}
	return out, nil
}

// FetcherFor picks the adapter that owns an identifier's namespace.
func (r *Registry) FetcherFor(id string) (Fetcher, bool) {
	scheme, _ := splitID(id)
	var name string
	switch {
	case scheme == "pmid":
		name = "pubmed"
	case scheme == "pmcid":
		name = "pmc"
	case scheme == "doi":
		name = "crossref"
	case scheme == "s2":
		name = "semanticscholar"
	case strings.HasPrefix(scheme, "entrez-"):
		name = "entrez"
	default:
		name = scheme
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, false
	}
	f, ok := a.(Fetcher)
	return f, ok
}

// CitationListerFor picks the adapter used to walk the citation graph for an
// identifier. The European mirror covers the biomedical accessions; graph
// services cover their own namespaces.
func (r *Registry) CitationListerFor(id string) (CitationLister, bool) {
	return r.graphAdapter(id)
}

// ReferenceListerFor is the reference-direction counterpart of
// CitationListerFor.
func (r *Registry) ReferenceListerFor(id string) (ReferenceLister, bool) {
	a, ok := r.graphAdapter(id)
	if !ok {
		return nil, false
	}
	l, ok := a.(ReferenceLister)
	return l, ok
}

func (r *Registry) graphAdapter(id string) (CitationLister, bool) {
	scheme, _ := splitID(id)
	var name string
	switch scheme {
	case "pmid", "pmcid":
		name = "europepmc"
	case "doi", "s2", "semanticscholar":
		name = "semanticscholar"
	case "openalex":
		name = "openalex"
	default:
		return nil, false
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, false
	}
	l, ok := a.(CitationLister)
	return l, ok
}

// FulltextFor picks the adapter that can fetch a body for the identifier.
func (r *Registry) FulltextFor(id string) (FulltextFetcher, bool) {
	scheme, _ := splitID(id)
	var name string
	switch scheme {
	case "pmcid":
		name = "pmc"
	case "pmid":
		name = "europepmc"
	default:
		return nil, false
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, false
	}
	f, ok := a.(FulltextFetcher)
	return f, ok
}

// Enricher returns the citation-metrics fetcher used to attach counts and
// the impact signal to already-normalized articles.
func (r *Registry) Enricher() (Fetcher, bool) {
	a, ok := r.adapters["semanticscholar"]
	if !ok {
		return nil, false
	}
	f, ok := a.(Fetcher)
	return f, ok
}

// Expander returns the controlled-vocabulary expander.
func (r *Registry) Expander() query.Expander {
	return r.mesh
}
