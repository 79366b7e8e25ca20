package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholium/scholium/article"
)

func TestParseDateParam(t *testing.T) {
	cases := []struct {
		in   string
		want article.PubDate
	}{
		{"2024", article.PubDate{Year: 2024}},
		{"2024-06", article.PubDate{Year: 2024, Month: 6}},
		{"2024-06-15", article.PubDate{Year: 2024, Month: 6, Day: 15}},
		{" 2024-06-15 ", article.PubDate{Year: 2024, Month: 6, Day: 15}},
		{"", article.PubDate{}},
		{"soon", article.PubDate{}},
		{"99", article.PubDate{}},
	}
	for _, tt := range cases {
		require.Equal(t, tt.want, parseDateParam(tt.in), "input %q", tt.in)
	}
}

func TestEndOfPeriod(t *testing.T) {
	cases := []struct {
		in   article.PubDate
		want time.Time
	}{
		{article.PubDate{Year: 2021}, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)},
		{article.PubDate{Year: 2021, Month: 2}, time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)},
		{article.PubDate{Year: 2021, Month: 12}, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)},
		{article.PubDate{Year: 2021, Month: 2, Day: 14}, time.Date(2021, 2, 14, 23, 59, 59, 0, time.UTC)},
	}
	for _, tt := range cases {
		require.Equal(t, tt.want, endOfPeriod(tt.in), "input %v", tt.in)
	}
}

func TestParamAccessorsTolerateBothCodecs(t *testing.T) {
	params := map[string]any{
		"s":        " padded ",
		"yaml_int": 15,
		"json_int": float64(15),
		"big":      int64(15),
		"flag":     true,
		"yaml_ss":  []string{"a", "b"},
		"json_ss":  []any{"a", "b", 3},
	}
	require.Equal(t, "padded", paramString(params, "s"))
	require.Equal(t, "", paramString(params, "missing"))
	require.Equal(t, 15, paramInt(params, "yaml_int"))
	require.Equal(t, 15, paramInt(params, "json_int"))
	require.Equal(t, 15, paramInt(params, "big"))
	require.Equal(t, 0, paramInt(params, "s"))
	require.True(t, paramBool(params, "flag"))
	require.False(t, paramBool(params, "missing"))
	require.Equal(t, []string{"a", "b"}, paramStrings(params, "yaml_ss"))
	require.Equal(t, []string{"a", "b"}, paramStrings(params, "json_ss"))
	require.Nil(t, paramStrings(params, "missing"))
}

func TestMetricsIDPreference(t *testing.T) {
	cases := []struct {
		name string
		art  article.UnifiedArticle
		want string
	}{
		{"doi first", article.UnifiedArticle{DOI: "10.1/x", PMID: "1"}, "doi:10.1/x"},
		{"pmid next", article.UnifiedArticle{PMID: "1"}, "pmid:1"},
		{"s2 alias", article.UnifiedArticle{OtherIDs: map[string]string{"semanticscholar": "abc"}}, "s2:abc"},
		{"nothing", article.UnifiedArticle{OtherIDs: map[string]string{"core": "9"}}, ""},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, metricsID(&tt.art))
		})
	}
}

func TestFulltextAvailable(t *testing.T) {
	oa := article.UnifiedArticle{Links: []article.Link{{Kind: article.LinkHTML, URL: "u", OpenAccess: true}}}
	pdf := article.UnifiedArticle{Links: []article.Link{{Kind: article.LinkPDF, URL: "u"}}}
	closedHTML := article.UnifiedArticle{Links: []article.Link{{Kind: article.LinkHTML, URL: "u"}}}
	require.True(t, fulltextAvailable(&oa))
	require.True(t, fulltextAvailable(&pdf))
	require.False(t, fulltextAvailable(&closedHTML))
}
