package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/scherr"
	"github.com/scholium/scholium/session"
)

func testStore(t *testing.T, opts Options) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts.Client = goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s, mr
}

func resultSet(n int) session.ResultSet {
	return session.ResultSet{
		IDs:   []string{fmt.Sprintf("pmid:%d", n)},
		Query: fmt.Sprintf("query %d", n),
		At:    time.Unix(int64(n), 0).UTC(),
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestTouchMintsID(t *testing.T) {
	s, _ := testStore(t, Options{})
	ctx := context.Background()

	minted, err := s.Touch(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, minted)

	again, err := s.Touch(ctx, minted)
	require.NoError(t, err)
	require.Equal(t, minted, again)

	other, err := s.Touch(ctx, "")
	require.NoError(t, err)
	require.NotEqual(t, minted, other)
}

func TestAddResultsAndLast(t *testing.T) {
	s, _ := testStore(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AddResults(ctx, "sess", resultSet(i)))
	}

	last, err := s.Last(ctx, "sess")
	require.NoError(t, err)
	require.Equal(t, []string{"pmid:3"}, last.IDs)
	require.Equal(t, "query 3", last.Query)

	all, err := s.Results(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "query 1", all[0].Query)
	require.Equal(t, "query 3", all[2].Query)
}

func TestResultSetCapEvictsOldest(t *testing.T) {
	s, _ := testStore(t, Options{MaxResultSets: 3})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.AddResults(ctx, "sess", resultSet(i)))
	}

	all, err := s.Results(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "query 3", all[0].Query)
	require.Equal(t, "query 5", all[2].Query)
}

func TestLastErrors(t *testing.T) {
	s, _ := testStore(t, Options{})
	ctx := context.Background()

	_, err := s.Last(ctx, "ghost")
	require.ErrorIs(t, err, session.ErrNotFound)
	require.True(t, scherr.IsKind(err, scherr.NotFound))

	// A touched session with no history is still empty.
	id, err := s.Touch(ctx, "fresh")
	require.NoError(t, err)
	_, err = s.Last(ctx, id)
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestPutArticlesAndLookup(t *testing.T) {
	s, _ := testStore(t, Options{})
	ctx := context.Background()

	arts := []article.UnifiedArticle{
		{PMID: "1", Title: "First"},
		{DOI: "10.1/x", Title: "Second"},
	}
	require.NoError(t, s.PutArticles(ctx, "sess", arts))

	got, err := s.Article(ctx, "sess", "pmid:1")
	require.NoError(t, err)
	require.Equal(t, "First", got.Title)

	got, err = s.Article(ctx, "sess", "doi:10.1/x")
	require.NoError(t, err)
	require.Equal(t, "Second", got.Title)

	_, err = s.Article(ctx, "sess", "pmid:404")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestArticleRoundTripKeepsMetadata(t *testing.T) {
	s, _ := testStore(t, Options{})
	ctx := context.Background()

	count := 42
	in := article.UnifiedArticle{
		PMID:          "7",
		Title:         "Sepsis outcomes",
		Authors:       []article.Author{{Name: "William Osler"}},
		Date:          article.PubDate{Year: 2025, Month: 3, Day: 1},
		CitationCount: &count,
		OtherIDs:      map[string]string{"semanticscholar": "abc"},
		Provenance:    []article.Provenance{{Source: "pubmed", LocalID: "7"}},
	}
	require.NoError(t, s.PutArticles(ctx, "sess", []article.UnifiedArticle{in}))

	got, err := s.Article(ctx, "sess", "pmid:7")
	require.NoError(t, err)
	require.Equal(t, in, got)
}

func TestArticleCapEvictsInInsertionOrder(t *testing.T) {
	s, _ := testStore(t, Options{MaxArticles: 2})
	ctx := context.Background()

	require.NoError(t, s.PutArticles(ctx, "sess", []article.UnifiedArticle{{PMID: "1", Title: "A"}}))
	require.NoError(t, s.PutArticles(ctx, "sess", []article.UnifiedArticle{{PMID: "2", Title: "B"}}))

	// Overwriting does not refresh the insertion slot.
	require.NoError(t, s.PutArticles(ctx, "sess", []article.UnifiedArticle{{PMID: "1", Title: "A2"}}))
	require.NoError(t, s.PutArticles(ctx, "sess", []article.UnifiedArticle{{PMID: "3", Title: "C"}}))

	_, err := s.Article(ctx, "sess", "pmid:1")
	require.ErrorIs(t, err, session.ErrNotFound)

	got, err := s.Article(ctx, "sess", "pmid:2")
	require.NoError(t, err)
	require.Equal(t, "B", got.Title)

	_, err = s.Article(ctx, "sess", "pmid:3")
	require.NoError(t, err)
}

func TestResolve(t *testing.T) {
	s, _ := testStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.AddResults(ctx, "sess", session.ResultSet{IDs: []string{"pmid:1", "doi:10.1/x"}}))

	ids, err := s.Resolve(ctx, "sess", "last")
	require.NoError(t, err)
	require.Equal(t, []string{"pmid:1", "doi:10.1/x"}, ids)

	ids, err = s.Resolve(ctx, "sess", "pmid:7")
	require.NoError(t, err)
	require.Equal(t, []string{"pmid:7"}, ids)

	_, err = s.Resolve(ctx, "empty", "last")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestIdleSessionExpires(t *testing.T) {
	s, mr := testStore(t, Options{TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.AddResults(ctx, "sess", resultSet(1)))
	mr.FastForward(30 * time.Minute)

	// Activity refreshes the idle timer.
	_, err := s.Last(ctx, "sess")
	require.NoError(t, err)

	mr.FastForward(61 * time.Minute)
	_, err = s.Last(ctx, "sess")
	require.ErrorIs(t, err, session.ErrNotFound)

	// A write after expiry starts a fresh session.
	require.NoError(t, s.AddResults(ctx, "sess", resultSet(2)))
	all, err := s.Results(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "query 2", all[0].Query)
}

func TestSessionsAreIsolated(t *testing.T) {
	s, _ := testStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.AddResults(ctx, "a", resultSet(1)))
	require.NoError(t, s.AddResults(ctx, "b", resultSet(2)))

	last, err := s.Last(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "query 1", last.Query)

	last, err = s.Last(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "query 2", last.Query)
}

func TestServerGoneSurfacesInternal(t *testing.T) {
	s, mr := testStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.AddResults(ctx, "sess", resultSet(1)))
	mr.Close()

	_, err := s.Last(ctx, "sess")
	require.Error(t, err)
	require.True(t, scherr.IsKind(err, scherr.Internal))
}
