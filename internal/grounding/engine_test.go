package grounding

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otakon/internal/store"
)

// fakeUsageStore is an in-memory UsageStore.
type fakeUsageStore struct {
	counts        map[string]int
	schemaMissing bool
	getCalls      int
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{counts: make(map[string]int)}
}

func (f *fakeUsageStore) key(accountID, monthKey string) string { return accountID + "|" + monthKey }

func (f *fakeUsageStore) GetMonthlyUsage(_ context.Context, accountID, monthKey string) (int, error) {
	f.getCalls++
	if f.schemaMissing {
		return 0, fmt.Errorf("grounding usage: %w", store.ErrSchemaMissing)
	}
	return f.counts[f.key(accountID, monthKey)], nil
}

func (f *fakeUsageStore) IncrementMonthlyUsage(_ context.Context, accountID, monthKey string) (int, error) {
	if f.schemaMissing {
		return 0, fmt.Errorf("grounding usage: %w", store.ErrSchemaMissing)
	}
	f.counts[f.key(accountID, monthKey)]++
	return f.counts[f.key(accountID, monthKey)], nil
}

func newTestEngine(fs *fakeUsageStore) *Engine {
	return NewEngine(fs, Options{
		Now: func() time.Time { return time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC) },
	})
}

func TestClassifyOrder(t *testing.T) {
	e := newTestEngine(newFakeUsageStore())
	postCutoffEpoch := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Unix()
	preCutoffEpoch := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC).Unix()

	cases := []struct {
		name    string
		query   string
		game    string
		release int64
		want    Category
	}{
		{"release epoch past cutoff", "how do i beat the boss", "Some New Game", postCutoffEpoch, CategoryPostCutoffGame},
		{"hardcoded post-cutoff title", "tips please", "Monster Hunter Wilds", 0, CategoryPostCutoffGame},
		{"post-cutoff title in query", "is gta 6 any good", "", 0, CategoryPostCutoffGame},
		{"live service meta", "what is the current meta", "Valorant", 0, CategoryLiveServiceMeta},
		{"live service without meta keywords", "tell me the lore", "Valorant", 0, CategoryGeneralKnowledge},
		{"current news", "any recent news in gaming?", "", 0, CategoryCurrentNews},
		{"patch notes", "summarize the patch notes", "", preCutoffEpoch, CategoryPatchNotes},
		{"release dates", "when does silksong come out", "", 0, CategoryReleaseDates},
		{"bare future year", "what games launch in 2027", "", 0, CategoryReleaseDates},
		{"game help non live service", "how do i beat the guardian boss", "Elden Ring", preCutoffEpoch, CategoryGameHelp},
		{"help keywords on live service fall through", "how do i improve my aim", "Valorant", 0, CategoryGeneralKnowledge},
		{"general knowledge", "what genre is this", "Elden Ring", 0, CategoryGeneralKnowledge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.Classify(tc.query, tc.game, tc.release))
		})
	}
}

func TestDecideTierLimits(t *testing.T) {
	e := newTestEngine(newFakeUsageStore())

	// Under the limit, grounded categories allow
	d := e.Decide(CategoryPostCutoffGame, "free", 0)
	assert.True(t, d.UseGrounding)

	// At the limit everything denies, regardless of category
	d = e.Decide(CategoryPostCutoffGame, "free", 8)
	assert.False(t, d.UseGrounding)
	assert.Contains(t, d.Reason, "Monthly grounding limit reached (8/8)")

	d = e.Decide(CategoryCurrentNews, "pro", 30)
	assert.False(t, d.UseGrounding)
	assert.Contains(t, d.Reason, "(30/30)")

	d = e.Decide(CategoryPatchNotes, "vanguard_pro", 99)
	assert.True(t, d.UseGrounding)
	d = e.Decide(CategoryPatchNotes, "vanguard_pro", 100)
	assert.False(t, d.UseGrounding)

	// Trained-knowledge categories always deny
	d = e.Decide(CategoryGameHelp, "pro", 0)
	assert.False(t, d.UseGrounding)
	d = e.Decide(CategoryGeneralKnowledge, "vanguard_pro", 0)
	assert.False(t, d.UseGrounding)
}

func TestFreeTierLiveServiceSubLimit(t *testing.T) {
	e := newTestEngine(newFakeUsageStore())

	d := e.Decide(CategoryLiveServiceMeta, "free", 3)
	assert.True(t, d.UseGrounding)

	d = e.Decide(CategoryLiveServiceMeta, "free", 4)
	assert.False(t, d.UseGrounding)
	assert.Contains(t, d.Reason, "upgrade to Pro")

	// Pro tier has no sub-limit
	d = e.Decide(CategoryLiveServiceMeta, "pro", 4)
	assert.True(t, d.UseGrounding)
}

func TestCheckEligibilityAtLimit(t *testing.T) {
	fs := newFakeUsageStore()
	fs.counts["acct|2026-08"] = 8
	e := newTestEngine(fs)

	el := e.CheckEligibility(context.Background(), "acct", "free", "tell me about gta 6", "", 0)
	assert.Equal(t, CategoryPostCutoffGame, el.Category)
	assert.False(t, el.UseGrounding)
	assert.Contains(t, el.Reason, "Monthly grounding limit reached (8/8)")
	assert.Equal(t, Quota{Used: 8, Limit: 8, Remaining: 0}, el.RemainingQuota)
}

func TestUsageCacheAvoidsRefetch(t *testing.T) {
	fs := newFakeUsageStore()
	fs.counts["acct|2026-08"] = 2
	e := newTestEngine(fs)
	ctx := context.Background()

	assert.Equal(t, 2, e.Usage(ctx, "acct"))
	assert.Equal(t, 2, e.Usage(ctx, "acct"))
	assert.Equal(t, 1, fs.getCalls, "second read served from cache")
}

func TestRecordUsageReadYourOwnWrites(t *testing.T) {
	fs := newFakeUsageStore()
	e := newTestEngine(fs)
	ctx := context.Background()

	e.RecordUsage(ctx, "acct")
	e.RecordUsage(ctx, "acct")

	assert.Equal(t, 2, e.Usage(ctx, "acct"))
	assert.Equal(t, 2, fs.counts["acct|2026-08"], "persisted counter updated")
}

func TestDegradedModeOnMissingSchema(t *testing.T) {
	fs := newFakeUsageStore()
	fs.schemaMissing = true
	e := newTestEngine(fs)
	ctx := context.Background()

	assert.Equal(t, 0, e.Usage(ctx, "acct"))
	assert.True(t, e.Degraded(), "missing schema flips the degraded flag")

	// Memory-only counting still works for the process lifetime
	e.RecordUsage(ctx, "acct")
	e.RecordUsage(ctx, "acct")
	assert.Equal(t, 2, e.Usage(ctx, "acct"))

	calls := fs.getCalls
	e.Usage(ctx, "acct")
	assert.Equal(t, calls, fs.getCalls, "no further store reads once degraded")

	e.Reset()
	assert.False(t, e.Degraded())
}

func TestQuotaEnforcementSequence(t *testing.T) {
	fs := newFakeUsageStore()
	e := newTestEngine(fs)
	ctx := context.Background()

	// Spend exactly the free limit
	for i := 0; i < 8; i++ {
		el := e.CheckEligibility(ctx, "acct", "free", "any recent news today?", "", 0)
		require.True(t, el.UseGrounding, "call %d should still be allowed", i)
		e.RecordUsage(ctx, "acct")
	}

	el := e.CheckEligibility(ctx, "acct", "free", "any recent news today?", "", 0)
	assert.False(t, el.UseGrounding)
	assert.Contains(t, el.Reason, "limit reached")
}

func TestRemainingQuotaUnknownTierFallsBackToFree(t *testing.T) {
	fs := newFakeUsageStore()
	fs.counts["acct|2026-08"] = 3
	e := newTestEngine(fs)

	q := e.RemainingQuota(context.Background(), "acct", "mystery_tier")
	assert.Equal(t, Quota{Used: 3, Limit: 8, Remaining: 5}, q)
}
