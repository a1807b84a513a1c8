package progress_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otakon/internal/catalog"
	"otakon/internal/progress"
	"otakon/internal/store"
	"otakon/internal/types"
)

func newTestTracker(t *testing.T) (*progress.Tracker, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "otakon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return progress.NewTracker(s, catalog.New(s, nil)), s
}

func seedEvent(t *testing.T, s *store.Store, id, game, eventType string, level int) {
	t.Helper()
	require.NoError(t, s.InsertEvent(context.Background(), &types.ProgressEvent{
		EventID: id, GameID: game, EditionTag: "base", EventType: eventType,
		Description: eventType, LevelUnlocked: level, Difficulty: "medium",
	}))
}

func TestApplyEventRaisesLevel(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedEvent(t, s, "ev-boss", "g", "boss_defeat", 4)

	res, err := tr.ApplyEvent(ctx, "acct", "g", "base", "ev-boss", 0.9, "defeated the guardian", []string{"victory phrasing"})
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, 4, res.NewLevel)
	assert.NotEmpty(t, res.HistoryID)

	rec, err := tr.Record(ctx, "acct", "g", "base")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Level)
	assert.Equal(t, []string{"ev-boss"}, rec.CompletedEvents)
	assert.InDelta(t, 0.9, rec.Confidence, 1e-9)
}

func TestApplyEventIdempotent(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedEvent(t, s, "ev-boss", "g", "boss_defeat", 4)

	first, err := tr.ApplyEvent(ctx, "acct", "g", "base", "ev-boss", 0.9, "r", nil)
	require.NoError(t, err)

	second, err := tr.ApplyEvent(ctx, "acct", "g", "base", "ev-boss", 0.5, "again", nil)
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.HistoryID, second.HistoryID, "duplicate answers with the prior transition id")
	assert.Equal(t, 4, second.NewLevel)

	// Record untouched by the duplicate
	rec, err := tr.Record(ctx, "acct", "g", "base")
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-boss"}, rec.CompletedEvents)
	assert.InDelta(t, 0.9, rec.Confidence, 1e-9, "duplicate must not overwrite confidence")

	history, err := tr.History(ctx, "acct", "g", "base")
	require.NoError(t, err)
	assert.Len(t, history, 1, "no new transition for a duplicate")
}

func TestLevelMonotonicity(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedEvent(t, s, "ev-high", "g", "boss_defeat", 6)
	seedEvent(t, s, "ev-low", "g", "area_discovery", 2)

	res, err := tr.ApplyEvent(ctx, "acct", "g", "base", "ev-high", 0.9, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 6, res.NewLevel)

	// A lower-level event never lowers the level
	res, err = tr.ApplyEvent(ctx, "acct", "g", "base", "ev-low", 0.8, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 6, res.NewLevel)

	history, err := tr.History(ctx, "acct", "g", "base")
	require.NoError(t, err)
	for _, h := range history {
		assert.GreaterOrEqual(t, h.NewLevel, h.OldLevel)
	}
}

func TestLazyDefaultRecord(t *testing.T) {
	tr, _ := newTestTracker(t)

	rec, err := tr.Record(context.Background(), "fresh", "g", "base")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Level)
	assert.Empty(t, rec.CompletedEvents)
	assert.InDelta(t, 1.0, rec.Confidence, 1e-9)
}

func TestUnknownEventKeepsLevel(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	res, err := tr.ApplyEvent(ctx, "acct", "g", "base", types.UnknownEventID, 0.6, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewLevel)

	rec, err := tr.Record(ctx, "acct", "g", "base")
	require.NoError(t, err)
	assert.Equal(t, []string{types.UnknownEventID}, rec.CompletedEvents)
}

func TestApplyEventForAnyGameCreatesAndApplies(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	res, err := tr.ApplyEventForAnyGame(ctx, "acct", "g", "base", "boss_defeat", "First guardian", 4, 0.85, "clear victory", []string{"said defeated"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.NewLevel)

	// The resolver should have minted a catalog event
	ev, err := s.FindEvent(ctx, "g", "base", "boss_defeat", 4)
	require.NoError(t, err)
	require.NotNil(t, ev)

	// Same type and level again resolves to the same event -> duplicate
	res2, err := tr.ApplyEventForAnyGame(ctx, "acct", "g", "base", "boss_defeat", "First guardian", 4, 0.85, "", nil)
	require.NoError(t, err)
	assert.True(t, res2.IsDuplicate)
}

func TestAvailableEventsWindow(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedEvent(t, s, "e2", "g", "t2", 2)
	seedEvent(t, s, "e3", "g", "t3", 3)
	seedEvent(t, s, "e4", "g", "t4", 4)
	seedEvent(t, s, "e7", "g", "t7", 7)

	evs, err := tr.AvailableEvents(ctx, "g", "base", 2)
	require.NoError(t, err)
	require.Len(t, evs, 3, "everything up to two levels ahead, reachable levels included")
	assert.Equal(t, 2, evs[0].LevelUnlocked)
	assert.Equal(t, 3, evs[1].LevelUnlocked)
	assert.Equal(t, 4, evs[2].LevelUnlocked)

	evs, err = tr.AvailableEvents(ctx, "g", "base", 1)
	require.NoError(t, err)
	require.Len(t, evs, 2, "level 7 event stays hidden at level 1")

	evs, err = tr.AvailableEvents(ctx, "g", "base", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 4, "max level still lists the whole catalog")
}

func TestLevelClampedAtTen(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	seedEvent(t, s, "e-max", "g", "finale", 10)
	seedEvent(t, s, "e-post", "g", "postgame", 10)

	res, err := tr.ApplyEvent(ctx, "acct", "g", "base", "e-max", 0.9, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 10, res.NewLevel)

	// Level 10 still accepts further events, it just cannot raise the level
	res, err = tr.ApplyEvent(ctx, "acct", "g", "base", "e-post", 0.9, "", nil)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, 10, res.NewLevel)
}
