package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otakon/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "otakon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProgressRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.GetProgressRecord(ctx, "acct-1", "elden-ring", "base")
	require.NoError(t, err)
	assert.Nil(t, rec, "absent record should be nil")

	rec = &types.ProgressRecord{
		AccountID:       "acct-1",
		GameID:          "elden-ring",
		EditionTag:      "base",
		Level:           3,
		CompletedEvents: []string{"ev-1", "ev-2"},
		Confidence:      0.85,
	}
	require.NoError(t, s.SaveProgressRecord(ctx, rec))

	got, err := s.GetProgressRecord(ctx, "acct-1", "elden-ring", "base")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Level)
	assert.Equal(t, []string{"ev-1", "ev-2"}, got.CompletedEvents)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
	assert.False(t, got.LastUpdatedAt.IsZero())
}

func TestSaveTransitionWritesBothRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &types.ProgressRecord{
		AccountID: "acct-1", GameID: "g", EditionTag: "base",
		Level: 4, CompletedEvents: []string{"ev-boss"}, Confidence: 0.9,
	}
	tr := &types.TransitionRecord{
		ID: "tr-1", AccountID: "acct-1", GameID: "g", EditionTag: "base",
		EventID: "ev-boss", OldLevel: 1, NewLevel: 4,
		AIConfidence: 0.9, AIReasoning: "defeated the guardian",
		AIEvidence: []string{"boss mentioned", "victory phrasing"},
	}
	require.NoError(t, s.SaveTransition(ctx, rec, tr))

	got, err := s.GetTransition(ctx, "tr-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.OldLevel)
	assert.Equal(t, 4, got.NewLevel)
	assert.Equal(t, types.FeedbackNone, got.UserFeedback)
	assert.Equal(t, []string{"boss mentioned", "victory phrasing"}, got.AIEvidence)
	assert.Nil(t, got.FeedbackTimestamp)

	latest, err := s.LatestTransitionForEvent(ctx, "acct-1", "g", "base", "ev-boss")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "tr-1", latest.ID)
}

func TestSetTransitionFeedback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &types.ProgressRecord{AccountID: "a", GameID: "g", EditionTag: "base", Level: 2, CompletedEvents: []string{"e"}, Confidence: 1}
	tr := &types.TransitionRecord{ID: "tr-fb", AccountID: "a", GameID: "g", EditionTag: "base", EventID: "e", OldLevel: 1, NewLevel: 2, AIConfidence: 0.7}
	require.NoError(t, s.SaveTransition(ctx, rec, tr))

	now := time.Now()
	require.NoError(t, s.SetTransitionFeedback(ctx, "tr-fb", types.FeedbackConfirmed, now))

	got, err := s.GetTransition(ctx, "tr-fb")
	require.NoError(t, err)
	assert.Equal(t, types.FeedbackConfirmed, got.UserFeedback)
	require.NotNil(t, got.FeedbackTimestamp)

	err = s.SetTransitionFeedback(ctx, "missing", types.FeedbackConfirmed, now)
	assert.Error(t, err)
}

func TestEventCatalogUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := &types.ProgressEvent{
		EventID: "ev-1", GameID: "g", EditionTag: "base",
		EventType: "boss_defeat", Description: "First boss", LevelUnlocked: 4, Difficulty: "hard",
	}
	require.NoError(t, s.InsertEvent(ctx, ev))

	dup := *ev
	dup.EventID = "ev-2"
	assert.Error(t, s.InsertEvent(ctx, &dup), "same (game, edition, type, level) must not duplicate")

	found, err := s.FindEvent(ctx, "g", "base", "boss_defeat", 4)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "ev-1", found.EventID)

	missing, err := s.FindEvent(ctx, "g", "base", "boss_defeat", 9)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindTemplateIgnoresEdition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEvent(ctx, &types.ProgressEvent{
		EventID: "tmpl-1", GameID: types.WildcardGameID, EditionTag: "base",
		EventType: "first_boss", Description: "Defeat the first boss", LevelUnlocked: 3, Difficulty: "hard",
	}))
	require.NoError(t, s.InsertEvent(ctx, &types.ProgressEvent{
		EventID: "ev-1", GameID: "g", EditionTag: "dlc",
		EventType: "first_boss", Description: "game specific", LevelUnlocked: 3, Difficulty: "easy",
	}))

	tmpl, err := s.FindTemplate(ctx, "first_boss", 3)
	require.NoError(t, err)
	require.NotNil(t, tmpl)
	assert.Equal(t, "tmpl-1", tmpl.EventID, "wildcard row wins regardless of edition")

	missing, err := s.FindTemplate(ctx, "first_boss", 9)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListEventsInLevelRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, lvl := range []int{2, 3, 4, 7} {
		require.NoError(t, s.InsertEvent(ctx, &types.ProgressEvent{
			EventID: string(rune('a'+i)) + "-ev", GameID: "g", EditionTag: "base",
			EventType: "milestone", Description: "m", LevelUnlocked: lvl, Difficulty: "medium",
		}))
	}

	evs, err := s.ListEventsInLevelRange(ctx, "g", "base", 3, 4)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, 3, evs[0].LevelUnlocked)
	assert.Equal(t, 4, evs[1].LevelUnlocked)
}

func TestSystemLogQueryWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendSystemLog(ctx, "progress_feedback", map[string]any{"history_id": "tr-1"}))
	require.NoError(t, s.AppendSystemLog(ctx, "ai_improvement", map[string]any{"event_id": "ev-1"}))

	entries, err := s.QuerySystemLog(ctx, "progress_feedback", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tr-1", entries[0].Payload["history_id"])

	future, err := s.QuerySystemLog(ctx, "progress_feedback", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestMonthlyUsageCounter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	count, err := s.GetMonthlyUsage(ctx, "acct", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	for i := 1; i <= 3; i++ {
		n, err := s.IncrementMonthlyUsage(ctx, "acct", "2026-08")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	// Month rollover starts a fresh counter
	n, err := s.IncrementMonthlyUsage(ctx, "acct", "2026-09")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMissingUsageTableReportsSchemaMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`DROP TABLE grounding_usage`)
	require.NoError(t, err)

	_, err = s.GetMonthlyUsage(ctx, "acct", "2026-08")
	assert.ErrorIs(t, err, ErrSchemaMissing)

	_, err = s.IncrementMonthlyUsage(ctx, "acct", "2026-08")
	assert.ErrorIs(t, err, ErrSchemaMissing)
}

func TestLearningPatternAveraging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &types.LearningPattern{
		LearningType:    "detection_improvement",
		PatternData:     map[string]any{"event_type": "boss_defeat", "hint": "require more evidence"},
		ConfidenceScore: 0.8,
	}
	require.NoError(t, s.SaveLearningPattern(ctx, p))

	// Identical data averages confidence and bumps usage
	p2 := *p
	p2.ConfidenceScore = 0.4
	require.NoError(t, s.SaveLearningPattern(ctx, &p2))

	patterns, err := s.ListLearningPatterns(ctx, "detection_improvement")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.InDelta(t, 0.6, patterns[0].ConfidenceScore, 1e-9)
	assert.Equal(t, 2, patterns[0].UsageCount)

	// Different data appends a new entry
	p3 := &types.LearningPattern{
		LearningType:    "detection_improvement",
		PatternData:     map[string]any{"event_type": "area_discovery"},
		ConfidenceScore: 0.5,
	}
	require.NoError(t, s.SaveLearningPattern(ctx, p3))
	patterns, err = s.ListLearningPatterns(ctx, "detection_improvement")
	require.NoError(t, err)
	assert.Len(t, patterns, 2)
}
