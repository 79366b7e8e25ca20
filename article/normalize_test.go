package article

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholium/scholium/scherr"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCanonicalDOI(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "already canonical", in: "10.1234/abc.def", want: "10.1234/abc.def"},
		{name: "uppercase folded", in: "10.1234/ABC.DEF", want: "10.1234/abc.def"},
		{name: "doi prefix stripped", in: "doi:10.1234/abc", want: "10.1234/abc"},
		{name: "resolver url stripped", in: "https://doi.org/10.1234/abc", want: "10.1234/abc"},
		{name: "dx resolver stripped", in: "http://dx.doi.org/10.1234/abc", want: "10.1234/abc"},
		{name: "whitespace trimmed", in: "  10.1234/abc  ", want: "10.1234/abc"},
		{name: "not a doi", in: "abc123", want: ""},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CanonicalDOI(tt.in))
		})
	}
}

func TestNormalizeMapsFields(t *testing.T) {
	score := 0.8
	raw := Raw{
		Source:   "pubmed",
		LocalID:  "38123456",
		PMID:     "38123456",
		DOI:      "DOI:10.1000/XYZ",
		Title:    "  A Study  ",
		Abstract: "Background.",
		Journal:  "J Test",
		Language: "EN",
		Authors:  []Author{{Name: "Smith J"}},
		Year:     2024, Month: 2, Day: 29,
		Types: []PubType{TypeJournalArticle},
		Links: []Link{
			{Kind: LinkHTML, URL: "https://pubmed.ncbi.nlm.nih.gov/38123456/"},
			{Kind: LinkPDF, URL: ""},
		},
		Score: &score,
	}
	a, err := Normalize(raw, testNow)
	require.NoError(t, err)
	require.Equal(t, "38123456", a.PMID)
	require.Equal(t, "10.1000/xyz", a.DOI)
	require.Equal(t, "A Study", a.Title)
	require.Equal(t, "en", a.Language)
	require.Equal(t, PubDate{Year: 2024, Month: 2, Day: 29}, a.Date)
	require.Len(t, a.Links, 1, "empty-URL links dropped")
	require.Equal(t, "pubmed", a.Links[0].Source, "link source stamped")
	require.Len(t, a.Provenance, 1)
	require.Equal(t, "pubmed", a.Provenance[0].Source)
	require.Equal(t, "38123456", a.Provenance[0].LocalID)
	require.Equal(t, testNow, a.Provenance[0].FetchedAt)
	require.NotNil(t, a.Provenance[0].Score)
	require.Equal(t, 0.8, *a.Provenance[0].Score)
	require.Nil(t, a.OtherIDs, "no fallback id when a strong id exists")
}

func TestNormalizeRejectsUnidentifiedRecord(t *testing.T) {
	_, err := Normalize(Raw{Source: "core", Title: "orphan"}, testNow)
	require.Error(t, err)
	require.True(t, scherr.IsKind(err, scherr.InvalidInput))
}

func TestNormalizeFallsBackToOtherIDs(t *testing.T) {
	a, err := Normalize(Raw{Source: "openalex", LocalID: "W123", Title: "t"}, testNow)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"openalex": "W123"}, a.OtherIDs)
	require.Equal(t, "openalex:W123", a.BestID())
}

func TestNormalizeKeepsNamespacedIDs(t *testing.T) {
	a, err := Normalize(Raw{
		Source:   "entrez",
		LocalID:  "7157",
		OtherIDs: map[string]string{"entrez-gene": "7157"},
		Title:    "TP53",
	}, testNow)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"entrez-gene": "7157"}, a.OtherIDs)
	require.Equal(t, "entrez-gene:7157", a.BestID())
}

func TestNormalizePMCID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "PMC8675309", want: "PMC8675309"},
		{in: "pmc8675309", want: "PMC8675309"},
		{in: "8675309", want: "PMC8675309"},
		{in: "", want: ""},
	}
	for _, tt := range cases {
		a, err := Normalize(Raw{Source: "pmc", LocalID: "x", PMCID: tt.in, PMID: "1"}, testNow)
		require.NoError(t, err)
		require.Equal(t, tt.want, a.PMCID)
	}
}

func TestNormalizeClampsDates(t *testing.T) {
	cases := []struct {
		name             string
		year, month, day int
		want             PubDate
	}{
		{name: "month out of range drops month and day", year: 2020, month: 13, day: 5, want: PubDate{Year: 2020}},
		{name: "day out of range drops day", year: 2020, month: 6, day: 42, want: PubDate{Year: 2020, Month: 6}},
		{name: "no year means unknown", year: 0, month: 6, day: 1, want: PubDate{}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Normalize(Raw{Source: "pubmed", LocalID: "1", PMID: "1", Year: tt.year, Month: tt.month, Day: tt.day}, testNow)
			require.NoError(t, err)
			require.Equal(t, tt.want, a.Date)
		})
	}
}

func TestNormalizeBatchCountsDrops(t *testing.T) {
	raws := []Raw{
		{Source: "pubmed", LocalID: "1", PMID: "1"},
		{Source: "core", Title: "no id at all"},
		{Source: "crossref", LocalID: "d", DOI: "10.1/ok"},
	}
	out, dropped := NormalizeBatch(raws, testNow)
	require.Len(t, out, 2)
	require.Equal(t, 1, dropped)
}
