package rank

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/scherr"
)

var rankNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, StrategyBalanced, s)

	s, err = ParseStrategy("most-cited")
	require.NoError(t, err)
	require.Equal(t, StrategyMostCited, s)

	_, err = ParseStrategy("bogus")
	require.Error(t, err)
	require.True(t, scherr.IsKind(err, scherr.InvalidInput))
}

func TestWeightsRenormalizeWithoutSpecificity(t *testing.T) {
	for _, strat := range Strategies() {
		w := weightsFor(strat, false)
		require.Zero(t, w[Specificity], "strategy %s", strat)
		sum := 0.0
		for _, v := range w {
			sum += v
		}
		require.InDelta(t, 1.0, sum, 1e-9, "strategy %s", strat)
	}
}

func TestRecencyHalfLife(t *testing.T) {
	require.InDelta(t, 1.0, recency(article.PubDate{Year: 2025, Month: 1, Day: 1}, rankNow), 1e-9)
	require.InDelta(t, 0.5, recency(article.PubDate{Year: 2020, Month: 1, Day: 1}, rankNow), 0.01)
	// Partial dates score at year granularity.
	require.InDelta(t, 0.5, recency(article.PubDate{Year: 2020}, rankNow), 1e-9)
	require.Zero(t, recency(article.PubDate{}, rankNow))
	// A date in the future clamps rather than exceeding 1.
	require.InDelta(t, 1.0, recency(article.PubDate{Year: 2026, Month: 1, Day: 1}, rankNow), 1e-9)
}

func TestCitationComponent(t *testing.T) {
	ten, hundred := 10, 100
	impact := 0.9
	top := article.UnifiedArticle{CitationCount: &hundred}
	mid := article.UnifiedArticle{CitationCount: &ten}
	none := article.UnifiedArticle{}
	impactOnly := article.UnifiedArticle{Impact: &impact}

	require.InDelta(t, 1.0, citation(&top, 100), 1e-9)
	require.Greater(t, citation(&top, 100), citation(&mid, 100))
	require.Zero(t, citation(&none, 100))
	require.InDelta(t, 0.9, citation(&impactOnly, 100), 1e-9, "impact lifts a missing count")
}

func TestAuthorityDiminishingReturns(t *testing.T) {
	one := article.UnifiedArticle{Provenance: []article.Provenance{{Source: "pubmed"}}}
	two := article.UnifiedArticle{Provenance: []article.Provenance{{Source: "pubmed"}, {Source: "openalex"}}}
	dup := article.UnifiedArticle{Provenance: []article.Provenance{{Source: "pubmed"}, {Source: "pubmed"}}}

	require.InDelta(t, 0.3, authority(&one), 1e-9)
	require.InDelta(t, 0.51, authority(&two), 1e-9)
	require.InDelta(t, 0.3, authority(&dup), 1e-9, "duplicate sources count once")
}

func TestAvailabilityLevels(t *testing.T) {
	oa := article.UnifiedArticle{Links: []article.Link{{Kind: article.LinkPDF, URL: "u", OpenAccess: true}}}
	linked := article.UnifiedArticle{Links: []article.Link{{Kind: article.LinkHTML, URL: "u"}}}
	bare := article.UnifiedArticle{}

	require.Equal(t, 1.0, availability(&oa))
	require.Equal(t, 0.5, availability(&linked))
	require.Zero(t, availability(&bare))
}

func TestRelevancePrefersProvenanceScores(t *testing.T) {
	hi, lo := 0.9, 0.6
	a := article.UnifiedArticle{
		Title: "irrelevant words entirely",
		Provenance: []article.Provenance{
			{Source: "pubmed", Score: &hi},
			{Source: "openalex", Score: &lo},
		},
	}
	cfg := config{unsupported: map[string][]string{"pubmed": {"date_from", "language"}}}
	q := newTokenSet("remimazolam sedation")
	// pubmed discounted to 0.9*0.8 = 0.72, openalex stays 0.6.
	got := cfg.relevance(&a, q, newTokenSet(a.Title), newTokenSet(""))
	require.InDelta(t, 0.72, got, 1e-9)
}

func TestRelevanceDiscountFloor(t *testing.T) {
	cfg := config{unsupported: map[string][]string{"core": {"a", "b", "c", "d", "e", "f", "g"}}}
	require.Equal(t, 0.5, cfg.discount("core"))
	require.Equal(t, 1.0, cfg.discount("pubmed"))
}

func TestRelevanceTokenOverlapFallback(t *testing.T) {
	a := article.UnifiedArticle{
		Title:      "Remimazolam in intensive care",
		Abstract:   "We compared sedation depth.",
		Provenance: []article.Provenance{{Source: "pubmed"}},
	}
	var cfg config
	q := newTokenSet("remimazolam sedation")
	got := cfg.relevance(&a, q, newTokenSet(a.Title), newTokenSet(a.Abstract))
	// remimazolam hits the title (1.0), sedation the abstract (0.5).
	require.InDelta(t, 0.75, got, 1e-9)
}

func TestSpecificityCountsMatchedParts(t *testing.T) {
	clin := &query.Clinical{
		Population:   "ICU patients",
		Intervention: "remimazolam",
		Comparator:   "propofol",
		Outcome:      "delirium",
	}
	parts := clinicalPartTokens(clin)
	title := newTokenSet("Remimazolam versus propofol and delirium prevention")
	abstract := newTokenSet("A trial in ICU patients.")
	require.InDelta(t, 1.0, specificity(parts, title, abstract), 1e-9)

	abstract = newTokenSet("")
	require.InDelta(t, 0.75, specificity(parts, title, abstract), 1e-9, "population unmatched")

	require.Zero(t, specificity(nil, title, abstract))
}

func TestRankOrdersAndBreaksTies(t *testing.T) {
	cited := 50
	arts := []article.UnifiedArticle{
		{PMID: "2", Title: "unrelated", Provenance: []article.Provenance{{Source: "pubmed"}}},
		{PMID: "1", Title: "unrelated", Provenance: []article.Provenance{{Source: "pubmed"}}},
		{PMID: "3", Title: "remimazolam sedation", CitationCount: &cited, Date: article.PubDate{Year: 2024, Month: 6},
			Provenance: []article.Provenance{{Source: "pubmed"}, {Source: "europepmc", LocalID: "MED3"}}},
	}
	q := query.Query{Text: "remimazolam sedation"}
	out := Rank(arts, q, StrategyBalanced, WithNow(rankNow))

	require.Len(t, out, 3)
	require.Equal(t, "pmid:3", out[0].Article.BestID())
	// The two indistinguishable articles tie and order by identifier.
	require.Equal(t, "pmid:1", out[1].Article.BestID())
	require.Equal(t, "pmid:2", out[2].Article.BestID())
	require.Equal(t, out[1].Score, out[2].Score)
	require.GreaterOrEqual(t, out[0].Score, out[1].Score)
}

func TestRankStrategiesShiftOrder(t *testing.T) {
	heavily := 500
	arts := []article.UnifiedArticle{
		{PMID: "old-cited", Title: "remimazolam", CitationCount: &heavily, Date: article.PubDate{Year: 2010, Month: 1, Day: 1},
			Provenance: []article.Provenance{{Source: "pubmed"}}},
		{PMID: "new-uncited", Title: "remimazolam", Date: article.PubDate{Year: 2024, Month: 12, Day: 1},
			Provenance: []article.Provenance{{Source: "pubmed"}}},
	}
	q := query.Query{Text: "remimazolam"}

	byCitation := Rank(arts, q, StrategyMostCited, WithNow(rankNow))
	require.Equal(t, "pmid:old-cited", byCitation[0].Article.BestID())

	byRecency := Rank(arts, q, StrategyRecent, WithNow(rankNow))
	require.Equal(t, "pmid:new-uncited", byRecency[0].Article.BestID())
}

func TestRankEmptyInput(t *testing.T) {
	out := Rank(nil, query.Query{Text: "x"}, StrategyBalanced)
	require.Empty(t, out)
}
