package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scholium/scholium/query"
)

func meshTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		qs := r.URL.Query()
		switch r.URL.Path {
		case "/lookup/descriptor":
			if qs.Get("match") == "exact" && qs.Get("label") == "Myocardial Infarction" {
				fmt.Fprint(w, `[{"resource": "http://id.nlm.nih.gov/mesh/D009203", "label": "Myocardial Infarction"}]`)
				return
			}
			if qs.Get("match") == "contains" && qs.Get("label") == "heart attack" {
				fmt.Fprint(w, `[{"resource": "http://id.nlm.nih.gov/mesh/D009203", "label": "Myocardial Infarction"}]`)
				return
			}
			fmt.Fprint(w, `[]`)
		case "/lookup/details":
			require.Equal(t, "D009203", qs.Get("descriptor"))
			fmt.Fprint(w, `{
  "terms": [
    {"label": "Myocardial Infarction"},
    {"label": "Myocardial Infarct"},
    {"label": "Heart Attack"},
    {"label": "Cardiovascular Stroke"}
  ]
}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
}

func TestMeSHExpandExactMatch(t *testing.T) {
	srv := meshTestServer(t)
	defer srv.Close()
	m := &MeSH{gw: testGateway(), base: srv.URL}

	exp, err := m.Expand(context.Background(), "Myocardial Infarction")
	require.NoError(t, err)
	require.Equal(t, "Myocardial Infarction", exp.Term)
	require.Equal(t, "Myocardial Infarction", exp.Canonical)
	require.Equal(t, []string{"Myocardial Infarct", "Heart Attack", "Cardiovascular Stroke"}, exp.Synonyms,
		"the canonical form is excluded from synonyms")
}

func TestMeSHExpandFallsBackToContains(t *testing.T) {
	srv := meshTestServer(t)
	defer srv.Close()
	m := &MeSH{gw: testGateway(), base: srv.URL}

	exp, err := m.Expand(context.Background(), "heart attack")
	require.NoError(t, err)
	require.Equal(t, "heart attack", exp.Term)
	require.Equal(t, "Myocardial Infarction", exp.Canonical)
	require.Contains(t, exp.Synonyms, "Heart Attack")
}

func TestMeSHExpandUnknownTermPassesThrough(t *testing.T) {
	srv := meshTestServer(t)
	defer srv.Close()
	m := &MeSH{gw: testGateway(), base: srv.URL}

	exp, err := m.Expand(context.Background(), "floobargle")
	require.NoError(t, err)
	require.Equal(t, query.Expansion{Term: "floobargle", Canonical: "floobargle"}, exp)
}

func TestMeSHExpandSurfacesLookupErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()
	m := &MeSH{gw: testGateway(), base: srv.URL}

	exp, err := m.Expand(context.Background(), "sepsis")
	require.Error(t, err)
	require.Equal(t, "sepsis", exp.Canonical, "callers degrade to the pass-through form")
}

func TestMeSHSearch(t *testing.T) {
	srv := meshTestServer(t)
	defer srv.Close()
	m := &MeSH{gw: testGateway(), base: srv.URL}

	res, err := m.Search(context.Background(), query.Query{Text: "heart attack"}, Page{Size: 10})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Empty(t, res.Cursor)
	require.Len(t, res.Records, 1)

	raw := res.Records[0]
	require.Equal(t, "mesh", raw.Source)
	require.Equal(t, "D009203", raw.LocalID)
	require.Equal(t, "Myocardial Infarction", raw.Title)
	require.Equal(t, []string{"Myocardial Infarction"}, raw.Descriptors)
	require.Equal(t, "https://meshb.nlm.nih.gov/record/ui?ui=D009203", raw.Links[0].URL)
}

func TestMeshDescriptorID(t *testing.T) {
	cases := []struct {
		resource string
		want     string
	}{
		{"http://id.nlm.nih.gov/mesh/D009203", "D009203"},
		{"http://id.nlm.nih.gov/mesh/d009203", "D009203"},
		{"http://id.nlm.nih.gov/mesh/T000001", ""},
		{"no-slash", ""},
		{"trailing/", ""},
	}
	for _, tt := range cases {
		require.Equal(t, tt.want, meshDescriptorID(tt.resource), tt.resource)
	}
}
