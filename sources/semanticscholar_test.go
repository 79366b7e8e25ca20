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

const s2PaperFixture = `{
  "paperId": "649def34f8be52c8b66281af98ae884c09aef38b",
  "externalIds": {"DOI": "10.1097/CCM.0000000000004851", "PubMed": "33301246"},
  "title": "Remimazolam versus propofol for ICU sedation",
  "abstract": "A randomized comparison.",
  "venue": "Critical Care Medicine",
  "journal": {"name": "Crit Care Med"},
  "year": 2021,
  "publicationDate": "2021-03-15",
  "authors": [{"name": "Akira Tanaka"}],
  "citationCount": 80,
  "influentialCitationCount": 12,
  "isOpenAccess": true,
  "openAccessPdf": {"url": "https://europepmc.org/articles/PMC8034567?pdf=render"},
  "publicationTypes": ["JournalArticle", "ClinicalTrial"]
}`

func TestSemanticScholarSearch(t *testing.T) {
	var gotYear string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/paper/search", r.URL.Path)
		gotYear = r.URL.Query().Get("year")
		fmt.Fprintf(w, `{"total": 12, "data": [%s]}`, s2PaperFixture)
	}))
	defer srv.Close()
	s := &SemanticScholar{gw: testGateway(), base: srv.URL}

	res, err := s.Search(context.Background(), query.Query{
		Text:     "remimazolam sedation",
		DateFrom: article.PubDate{Year: 2019},
		DateTo:   article.PubDate{Year: 2022},
	}, Page{Size: 10})
	require.NoError(t, err)
	require.Equal(t, "2019-2022", gotYear)
	require.Equal(t, 12, res.Total)
	require.Equal(t, "1", res.Cursor)
	require.Len(t, res.Records, 1)

	raw := res.Records[0]
	require.Equal(t, "semanticscholar", raw.Source)
	require.Equal(t, "33301246", raw.PMID)
	require.Equal(t, "Crit Care Med", raw.Journal)
	require.NotNil(t, raw.CitationCount)
	require.Equal(t, 80, *raw.CitationCount)
	require.NotNil(t, raw.InfluentialCitations)
	require.Equal(t, 12, *raw.InfluentialCitations)
	require.NotNil(t, raw.Impact)
	require.InDelta(t, 0.15, *raw.Impact, 1e-9, "impact is the influential share")
	require.Equal(t, []article.PubType{article.TypeJournalArticle, article.TypeClinicalTrial}, raw.Types)
	require.Len(t, raw.Links, 1)
	require.True(t, raw.Links[0].OpenAccess)
}

func TestSemanticScholarImpactStaysInUnitRange(t *testing.T) {
	raw := rawFromS2(s2Paper{PaperID: "p", Title: "t", CitationCount: 1, InfluentialCitationCount: 5})
	require.NotNil(t, raw.Impact)
	require.Equal(t, 1.0, *raw.Impact, "influential counts above total clamp to 1")

	raw = rawFromS2(s2Paper{PaperID: "p", Title: "t"})
	require.Nil(t, raw.Impact, "no citations means no impact signal")
	require.Nil(t, raw.CitationCount)
}

func TestSemanticScholarGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/paper/PMID:33301246/citations":
			fmt.Fprint(w, `{"data": [
				{"citingPaper": {"paperId": "abc", "externalIds": {"PubMed": "35000001"}}},
				{"citingPaper": {"paperId": "def", "externalIds": {"DOI": "10.1000/xyz"}}},
				{"citingPaper": {"paperId": "0123"}}
			]}`)
		case "/paper/PMID:33301246/references":
			fmt.Fprint(w, `{"data": [{"citedPaper": {"paperId": "ref1", "externalIds": {"PubMed": "31002122"}}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	s := &SemanticScholar{gw: testGateway(), base: srv.URL}

	cites, err := s.Citations(context.Background(), "pmid:33301246")
	require.NoError(t, err)
	require.Equal(t, []string{"pmid:35000001", "doi:10.1000/xyz", "s2:0123"}, cites)

	refs, err := s.References(context.Background(), "pmid:33301246")
	require.NoError(t, err)
	require.Equal(t, []string{"pmid:31002122"}, refs)
}

func TestSemanticScholarFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	s := &SemanticScholar{gw: testGateway(), base: srv.URL}

	_, err := s.Fetch(context.Background(), "doi:10.1000/absent")
	require.Error(t, err)
	require.True(t, scherr.IsKind(err, scherr.NotFound))
}

func TestS2YearRange(t *testing.T) {
	cases := []struct {
		from, to article.PubDate
		want     string
	}{
		{from: article.PubDate{Year: 2019}, to: article.PubDate{Year: 2022}, want: "2019-2022"},
		{from: article.PubDate{Year: 2021}, to: article.PubDate{Year: 2021}, want: "2021"},
		{from: article.PubDate{Year: 2019}, want: "2019-"},
		{to: article.PubDate{Year: 2021}, want: "-2021"},
	}
	for _, tt := range cases {
		require.Equal(t, tt.want, s2YearRange(tt.from, tt.to))
	}
}
