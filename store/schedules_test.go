package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholium/scholium/scherr"
)

func TestPutScheduleUpsertsAndSorts(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutSchedule(ctx, ScheduleEntry{Pipeline: "zeta", Cron: "0 6 * * *", Enabled: true}))
	require.NoError(t, st.PutSchedule(ctx, ScheduleEntry{Pipeline: "alpha", Cron: "30 7 * * 1", Enabled: true}))

	entries, err := st.Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "alpha", entries[0].Pipeline)
	require.Equal(t, "zeta", entries[1].Pipeline)

	// Upsert replaces the entry under the same pipeline name.
	next := clock.Now().Add(time.Hour)
	require.NoError(t, st.PutSchedule(ctx, ScheduleEntry{
		Pipeline: "alpha",
		Cron:     "0 8 * * *",
		Enabled:  false,
		NextRun:  next,
		RunCount: 4,
	}))
	entries, err = st.Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "0 8 * * *", entries[0].Cron)
	require.False(t, entries[0].Enabled)
	require.Equal(t, next, entries[0].NextRun)
	require.Equal(t, 4, entries[0].RunCount)
}

func TestPutScheduleValidatesName(t *testing.T) {
	st, _ := newTestStore(t)
	err := st.PutSchedule(context.Background(), ScheduleEntry{Pipeline: "not a name"})
	require.True(t, scherr.IsKind(err, scherr.InvalidInput))
}

func TestScheduleLookup(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	_, err := st.Schedule(ctx, "ghost")
	require.True(t, scherr.IsKind(err, scherr.NotFound))

	require.NoError(t, st.PutSchedule(ctx, ScheduleEntry{Pipeline: "scan", Cron: "0 6 * * *", Enabled: true, Notify: true}))
	got, err := st.Schedule(ctx, "scan")
	require.NoError(t, err)
	require.Equal(t, "0 6 * * *", got.Cron)
	require.True(t, got.Notify)
}

func TestDeleteSchedule(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutSchedule(ctx, ScheduleEntry{Pipeline: "scan", Cron: "0 6 * * *"}))
	require.NoError(t, st.DeleteSchedule(ctx, "scan"))

	entries, err := st.Schedules(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	err = st.DeleteSchedule(ctx, "scan")
	require.True(t, scherr.IsKind(err, scherr.NotFound))
}

func TestSchedulesSurviveRestart(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()

	entry := ScheduleEntry{
		Pipeline:   "scan",
		Cron:       "15 6 * * 1",
		Enabled:    true,
		NextRun:    clock.Now().Add(2 * time.Hour),
		LastRun:    clock.Now().Add(-22 * time.Hour),
		LastStatus: "ok",
		Diff:       true,
		Notify:     true,
		RunCount:   12,
	}
	require.NoError(t, st.PutSchedule(ctx, entry))

	// A second store over the same roots sees the persisted file.
	reopened, err := New(Options{Workspace: st.workspace, Global: st.global, Now: clock.Now})
	require.NoError(t, err)
	entries, err := reopened.Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, entry, entries[0])
}
