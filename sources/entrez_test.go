package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/scherr"
)

const entrezGeneSummary = `{
  "result": {
    "uids": ["7157"],
    "7157": {
      "name": "TP53",
      "description": "tumor protein p53",
      "nomenclaturename": "tumor protein p53",
      "organism": {"scientificname": "Homo sapiens"}
    }
  }
}`

func entrezTestServer(t *testing.T, db string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, db, r.URL.Query().Get("db"))
		switch r.URL.Path {
		case "/esearch.fcgi":
			fmt.Fprint(w, `{"esearchresult": {"count": "1", "idlist": ["7157"]}}`)
		case "/esummary.fcgi":
			require.Equal(t, "7157", r.URL.Query().Get("id"))
			fmt.Fprint(w, entrezGeneSummary)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
}

func TestEntrezSearchGene(t *testing.T) {
	srv := entrezTestServer(t, "gene")
	defer srv.Close()
	e := &Entrez{gw: testGateway(), base: srv.URL, email: "ops@example.org"}

	res, err := e.Search(context.Background(), query.Query{
		Text:    "TP53[sym] AND human[orgn]",
		Filters: map[string]string{"db": "gene"},
	}, Page{Size: 20})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Empty(t, res.Cursor)
	require.Empty(t, res.Unsupported)
	require.Len(t, res.Records, 1)

	raw := res.Records[0]
	require.Equal(t, "entrez", raw.Source)
	require.Equal(t, "7157", raw.LocalID)
	require.Equal(t, map[string]string{"entrez-gene": "7157"}, raw.OtherIDs)
	require.Equal(t, "TP53: tumor protein p53", raw.Title)
	require.Equal(t, "Organism: Homo sapiens", raw.Abstract)
	require.Equal(t, []article.PubType{article.TypeDatabaseRecord}, raw.Types)
	require.Equal(t, []string{"tumor protein p53"}, raw.Descriptors)
	require.Len(t, raw.Links, 1)
	require.Equal(t, "https://www.ncbi.nlm.nih.gov/gene/7157", raw.Links[0].URL)
}

func TestEntrezSearchDefaultsToGene(t *testing.T) {
	srv := entrezTestServer(t, "gene")
	defer srv.Close()
	e := &Entrez{gw: testGateway(), base: srv.URL}

	res, err := e.Search(context.Background(), query.Query{Text: "TP53"}, Page{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
}

func TestEntrezSearchRejectsUnknownDatabase(t *testing.T) {
	e := &Entrez{gw: testGateway(), base: "http://unused.invalid"}

	_, err := e.Search(context.Background(), query.Query{
		Text:    "TP53",
		Filters: map[string]string{"db": "protein"},
	}, Page{})
	require.Error(t, err)
	require.True(t, scherr.IsKind(err, scherr.InvalidInput))
	require.Contains(t, err.Error(), "protein")
}

func TestEntrezFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "7157":
			fmt.Fprint(w, entrezGeneSummary)
		default:
			fmt.Fprint(w, `{"result": {"uids": []}}`)
		}
	}))
	defer srv.Close()
	e := &Entrez{gw: testGateway(), base: srv.URL}

	raw, err := e.Fetch(context.Background(), "entrez-gene:7157")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"entrez-gene": "7157"}, raw.OtherIDs)

	_, err = e.Fetch(context.Background(), "entrez-gene:999999999")
	require.Error(t, err)
	require.True(t, scherr.IsKind(err, scherr.NotFound))

	_, err = e.Fetch(context.Background(), "pmid:33301246")
	require.Error(t, err)
	require.True(t, scherr.IsKind(err, scherr.InvalidInput))
}

func TestEntrezCompoundTitleFallsBackToSynonym(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "pccompound", r.URL.Query().Get("db"))
		fmt.Fprint(w, `{
  "result": {
    "uids": ["2244"],
    "2244": {"synonymlist": ["aspirin", "acetylsalicylic acid", "2-acetyloxybenzoic acid"]}
  }
}`)
	}))
	defer srv.Close()
	e := &Entrez{gw: testGateway(), base: srv.URL}

	raw, err := e.Fetch(context.Background(), "entrez-pccompound:2244")
	require.NoError(t, err)
	require.Equal(t, "aspirin", raw.Title)
	require.Equal(t, []string{"aspirin", "acetylsalicylic acid", "2-acetyloxybenzoic acid"}, raw.Descriptors)
	require.Equal(t, "https://pubchem.ncbi.nlm.nih.gov/compound/2244", raw.Links[0].URL)
}
