package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/scherr"
)

const pmcEfetchFixture = `<?xml version="1.0"?>
<pmc-articleset>
  <article>
    <front>
      <journal-meta>
        <journal-title-group><journal-title>Critical Care</journal-title></journal-title-group>
      </journal-meta>
      <article-meta>
        <article-id pub-id-type="pmc">PMC7891012</article-id>
        <article-id pub-id-type="pmid">33301300</article-id>
        <article-id pub-id-type="doi">10.1186/s13054-020-03400-9</article-id>
        <title-group><article-title>Early mobilization after cardiac surgery</article-title></title-group>
        <contrib-group>
          <contrib contrib-type="author"><name><surname>Silva</surname><given-names>Marta</given-names></name></contrib>
          <contrib contrib-type="author"><name><surname>Nguyen</surname><given-names>Bao</given-names></name></contrib>
          <contrib contrib-type="editor"><name><surname>Reeves</surname><given-names>Dana</given-names></name></contrib>
        </contrib-group>
        <pub-date pub-type="ppub"><year>2021</year><month>1</month></pub-date>
        <pub-date pub-type="epub"><year>2020</year><month>12</month><day>14</day></pub-date>
        <abstract>
          <p>Mobilization within 24 hours shortened ICU stay.</p>
        </abstract>
      </article-meta>
    </front>
    <body>
      <sec>
        <title>Methods</title>
        <p>Stepped-wedge rollout across six units.</p>
      </sec>
      <sec>
        <title>Results</title>
        <p>Median stay fell by 1.3 days.</p>
        <sec>
          <title>Subgroups</title>
          <p>The effect held for valve surgery.</p>
        </sec>
      </sec>
    </body>
  </article>
</pmc-articleset>`

func pmcTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		qs := r.URL.Query()
		require.Equal(t, "pmc", qs.Get("db"))
		switch r.URL.Path {
		case "/esearch.fcgi":
			fmt.Fprint(w, `{"esearchresult": {"count": "1", "idlist": ["7891012"]}}`)
		case "/efetch.fcgi":
			require.Equal(t, "7891012", qs.Get("id"), "efetch takes bare numbers")
			fmt.Fprint(w, pmcEfetchFixture)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
}

func TestPMCSearch(t *testing.T) {
	srv := pmcTestServer(t)
	defer srv.Close()
	p := &PMC{gw: testGateway(), base: srv.URL, email: "ops@example.org"}

	res, err := p.Search(context.Background(), query.Query{Text: "early mobilization"}, Page{Size: 20})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Len(t, res.Records, 1)

	raw := res.Records[0]
	require.Equal(t, "pmc", raw.Source)
	require.Equal(t, "PMC7891012", raw.PMCID)
	require.Equal(t, "33301300", raw.PMID)
	require.Equal(t, "10.1186/s13054-020-03400-9", raw.DOI)
	require.Equal(t, "Early mobilization after cardiac surgery", raw.Title)
	require.Equal(t, "Critical Care", raw.Journal)
	require.Equal(t, "Mobilization within 24 hours shortened ICU stay.", raw.Abstract)
	require.Len(t, raw.Authors, 2, "non-author contributors are skipped")
	require.Equal(t, "Marta Silva", raw.Authors[0].Name)
	require.Equal(t, 2020, raw.Year)
	require.Equal(t, 12, raw.Month)
	require.Equal(t, 14, raw.Day)
	require.Len(t, raw.Links, 2)
	require.True(t, raw.Links[0].OpenAccess)
	require.True(t, strings.HasSuffix(raw.Links[1].URL, "/pdf/"))
}

func TestPMCFetchAcceptsPrefixedAndBareIDs(t *testing.T) {
	srv := pmcTestServer(t)
	defer srv.Close()
	p := &PMC{gw: testGateway(), base: srv.URL}

	for _, id := range []string{"pmcid:PMC7891012", "pmcid:7891012", "PMC7891012"} {
		raw, err := p.Fetch(context.Background(), id)
		require.NoError(t, err, id)
		require.Equal(t, "PMC7891012", raw.PMCID, id)
	}
}

func TestPMCFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><pmc-articleset></pmc-articleset>`)
	}))
	defer srv.Close()
	p := &PMC{gw: testGateway(), base: srv.URL}

	_, err := p.Fetch(context.Background(), "pmcid:PMC999")
	require.Error(t, err)
	require.True(t, scherr.IsKind(err, scherr.NotFound))
}

func TestPMCFulltextSections(t *testing.T) {
	srv := pmcTestServer(t)
	defer srv.Close()
	p := &PMC{gw: testGateway(), base: srv.URL}

	ft, err := p.Fulltext(context.Background(), "pmcid:PMC7891012", nil)
	require.NoError(t, err)
	require.Equal(t, "Mobilization within 24 hours shortened ICU stay.", ft.Sections["abstract"])
	require.Equal(t, "Stepped-wedge rollout across six units.", ft.Sections["methods"])
	require.Equal(t, "Median stay fell by 1.3 days.\n\nThe effect held for valve surgery.", ft.Sections["results"])
	require.Contains(t, ft.Raw, "Stepped-wedge rollout")

	filtered, err := p.Fulltext(context.Background(), "pmcid:PMC7891012", []string{"Results"})
	require.NoError(t, err)
	require.Len(t, filtered.Sections, 1)
	require.Contains(t, filtered.Sections, "results")
	require.Contains(t, filtered.Raw, "shortened ICU stay", "raw text keeps everything")
}

func TestPMCIdentifierSearchOnlyHandlesPMCIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for a doi identifier")
	}))
	defer srv.Close()
	p := &PMC{gw: testGateway(), base: srv.URL}

	res, err := p.Search(context.Background(), query.Query{
		Class:      query.ClassIdentifier,
		Identifier: "doi:10.1186/s13054-020-03400-9",
	}, Page{})
	require.NoError(t, err)
	require.Empty(t, res.Records)
}
