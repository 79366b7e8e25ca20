package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholium/scholium/pipeline"
	"github.com/scholium/scholium/scherr"
)

func savedPipeline(t *testing.T, st *Store, name string) {
	t.Helper()
	_, err := st.Save(context.Background(), name, parseConfig(t, pipelineYAML), SaveOptions{})
	require.NoError(t, err)
}

func runAt(n int, at time.Time) Run {
	return Run{
		RunID:        fmt.Sprintf("run-%03d", n),
		Status:       pipeline.StatusOK,
		StartedAt:    at,
		FinishedAt:   at.Add(3 * time.Second),
		ArticleCount: n,
		IDs:          []string{fmt.Sprintf("pmid:%d", n)},
	}
}

func TestAppendRunAndHistory(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	savedPipeline(t, st, "scan")

	for i := 1; i <= 3; i++ {
		require.NoError(t, st.AppendRun(ctx, "scan", runAt(i, clock.Now())))
		clock.Advance(time.Hour)
	}

	runs, err := st.Runs(ctx, "scan", 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	// Newest first.
	require.Equal(t, "run-003", runs[0].RunID)
	require.Equal(t, "run-001", runs[2].RunID)
	require.Equal(t, "scan", runs[0].Pipeline)
	require.Equal(t, ScopeWorkspace, runs[0].Scope)
	require.Equal(t, pipeline.StatusOK, runs[0].Status)

	limited, err := st.Runs(ctx, "scan", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, "run-003", limited[0].RunID)

	latest, err := st.LatestRun(ctx, "scan")
	require.NoError(t, err)
	require.Equal(t, "run-003", latest.RunID)
}

func TestRunRecordRoundTrips(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	savedPipeline(t, st, "scan")

	in := Run{
		RunID:        "abc123",
		Status:       pipeline.StatusPartial,
		StartedAt:    clock.Now(),
		FinishedAt:   clock.Now().Add(40 * time.Second),
		ArticleCount: 2,
		IDs:          []string{"pmid:1", "doi:10.1/x"},
		Top: []RunArticle{
			{ID: "pmid:1", Title: "Sepsis outcomes", Journal: "Crit Care", Year: 2025, Citations: 12, Score: 0.92},
		},
		Diff:       &Diff{New: []string{"pmid:1"}, Removed: []string{"pmid:9"}, Unchanged: 1},
		StepErrors: map[string]string{"search/core": "503 from host"},
	}
	require.NoError(t, st.AppendRun(ctx, "scan", in))

	got, err := st.LatestRun(ctx, "scan")
	require.NoError(t, err)
	in.Pipeline = "scan"
	in.Scope = ScopeWorkspace
	require.Equal(t, in, got)
}

func TestRunsErrors(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	err := st.AppendRun(ctx, "ghost", Run{RunID: "r"})
	require.True(t, scherr.IsKind(err, scherr.NotFound))

	_, err = st.Runs(ctx, "ghost", 0)
	require.True(t, scherr.IsKind(err, scherr.NotFound))

	// A saved pipeline with no runs has an empty history but no latest run.
	savedPipeline(t, st, "scan")
	runs, err := st.Runs(ctx, "scan", 0)
	require.NoError(t, err)
	require.Empty(t, runs)
	_, err = st.LatestRun(ctx, "scan")
	require.True(t, scherr.IsKind(err, scherr.NotFound))
}

func TestRunHistoryKeepsNewestHundred(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()
	savedPipeline(t, st, "scan")

	for i := 1; i <= keepRuns+5; i++ {
		require.NoError(t, st.AppendRun(ctx, "scan", runAt(i, clock.Now())))
		clock.Advance(time.Minute)
	}

	runs, err := st.Runs(ctx, "scan", 0)
	require.NoError(t, err)
	require.Len(t, runs, keepRuns)
	require.Equal(t, fmt.Sprintf("run-%03d", keepRuns+5), runs[0].RunID)
	require.Equal(t, "run-006", runs[len(runs)-1].RunID)
}

func TestDiffIDs(t *testing.T) {
	cases := []struct {
		name string
		prev []string
		cur  []string
		want Diff
	}{
		{
			name: "first run has everything new",
			cur:  []string{"a", "b"},
			want: Diff{New: []string{"a", "b"}},
		},
		{
			name: "identical runs",
			prev: []string{"a", "b"},
			cur:  []string{"a", "b"},
			want: Diff{Unchanged: 2},
		},
		{
			name: "mixed",
			prev: []string{"a", "b", "c"},
			cur:  []string{"b", "d"},
			want: Diff{New: []string{"d"}, Removed: []string{"a", "c"}, Unchanged: 1},
		},
		{
			name: "everything dropped",
			prev: []string{"a"},
			want: Diff{Removed: []string{"a"}},
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, DiffIDs(tt.prev, tt.cur))
		})
	}
}
