// Package grounding decides when a query should spend the costly external
// web-search capability: it classifies the query, checks the account's
// monthly per-tier quota, and answers with a typed decision.
package grounding

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"otakon/internal/logging"
	"otakon/internal/store"
)

// Category is the classification of a query.
type Category string

const (
	CategoryPostCutoffGame   Category = "post_cutoff_game"
	CategoryLiveServiceMeta  Category = "live_service_meta"
	CategoryCurrentNews      Category = "current_news"
	CategoryPatchNotes       Category = "patch_notes"
	CategoryReleaseDates     Category = "release_dates"
	CategoryGameHelp         Category = "game_help"
	CategoryGeneralKnowledge Category = "general_knowledge"
)

// DefaultKnowledgeCutoff is the generation model's knowledge cutoff. Games
// released after it require web search for any help.
var DefaultKnowledgeCutoff = time.Date(2025, time.January, 31, 23, 59, 59, 0, time.UTC)

// DefaultTierLimits are the monthly search quotas per subscription tier.
var DefaultTierLimits = map[string]int{
	"free":         8,
	"pro":          30,
	"vanguard_pro": 100,
}

// DefaultFreeLiveServiceLimit is the free tier's tighter sub-limit for
// live-service meta queries.
const DefaultFreeLiveServiceLimit = 4

// DefaultCacheTTL is the freshness window of the in-process usage cache.
const DefaultCacheTTL = 5 * time.Minute

// Games whose meta, patches, and balance change constantly.
var liveServiceGames = []string{
	// Battle royales
	"fortnite", "apex legends", "warzone", "call of duty warzone", "pubg",
	// MOBAs
	"league of legends", "lol", "dota 2", "dota", "smite", "heroes of the storm",
	// Hero shooters
	"overwatch", "overwatch 2", "valorant", "rainbow six siege", "r6", "paladins",
	// MMORPGs
	"world of warcraft", "wow", "final fantasy xiv", "ffxiv", "ff14",
	"guild wars 2", "gw2", "elder scrolls online", "eso", "destiny 2",
	"destiny", "warframe", "lost ark", "new world",
	// Live service action
	"diablo 4", "diablo iv", "path of exile", "poe", "genshin impact",
	"honkai star rail", "zenless zone zero", "zzz", "wuthering waves", "tower of fantasy",
	// Sports (roster updates)
	"fifa", "ea fc", "fc 24", "fc 25", "madden", "nba 2k", "2k24", "2k25",
	// Card games
	"hearthstone", "marvel snap", "legends of runeterra", "lor", "magic arena", "mtg arena",
	// Fighting games
	"street fighter 6", "sf6", "tekken 8", "mortal kombat 1", "mk1", "guilty gear strive",
	// Other
	"the finals", "xdefiant", "helldivers 2", "sea of thieves", "no man's sky",
	"fall guys", "rocket league", "dead by daylight", "dbd",
}

// Games released after the knowledge cutoff; the model will not know them.
var postCutoffGames = []string{
	"gta 6", "grand theft auto 6", "grand theft auto vi",
	"monster hunter wilds",
	"death stranding 2", "death stranding 2: on the beach",
	"ghost of yotei",
	"like a dragon: pirate yakuza in hawaii",
	"kingdom come deliverance 2", "kingdom come 2",
	"avowed",
	"civilization 7", "civ 7", "civilization vii",
	"assassin's creed shadows",
	"split fiction",
	"doom: the dark ages",
	"borderlands 4",
	"mafia: the old country",
}

var metaKeywords = []string{
	"meta", "tier list", "best", "current", "viable", "nerf", "buff",
	"season", "ranked", "competitive", "patch",
}

var newsKeywords = []string{
	"latest news", "recent news", "gaming news", "announced today",
	"announced this week", "just announced", "breaking news", "new announcement",
}

var patchKeywords = []string{
	"patch notes", "latest patch", "recent update", "new update", "hotfix",
	"balance change", "what changed",
}

var releaseKeywords = []string{
	"when does", "when is", "coming out", "launch date", "coming soon",
}

var helpKeywords = []string{
	"how do i", "how to", "help me", "stuck on", "boss", "strategy",
	"build", "tips", "guide", "walkthrough", "where is", "where can i",
	"best way to", "how do you", "explain",
}

var yearRe = regexp.MustCompile(`\b(20\d{2})\b`)

// Decision is the outcome of one quota-aware grounding check.
type Decision struct {
	UseGrounding bool
	Reason       string
}

// Quota reports an account's remaining monthly search budget.
type Quota struct {
	Used      int
	Limit     int
	Remaining int
}

// Eligibility composes classification, usage, and the decision.
type Eligibility struct {
	UseGrounding   bool
	Category       Category
	Reason         string
	RemainingQuota Quota
}

// UsageStore is the engine's view of the persisted monthly counter.
type UsageStore interface {
	GetMonthlyUsage(ctx context.Context, accountID, monthKey string) (int, error)
	IncrementMonthlyUsage(ctx context.Context, accountID, monthKey string) (int, error)
}

type cachedUsage struct {
	count    int
	monthKey string
	syncedAt time.Time
}

// Options tune an Engine; zero values take defaults.
type Options struct {
	TierLimits           map[string]int
	FreeLiveServiceLimit int
	KnowledgeCutoff      time.Time
	CacheTTL             time.Duration
	Now                  func() time.Time
}

// Engine classifies queries and enforces the monthly grounding quota.
// Construct once per process. If the persisted counter's schema turns out to
// be missing, the engine flips into a degraded memory-only mode for the rest
// of the process lifetime.
type Engine struct {
	usage                UsageStore
	limits               map[string]int
	freeLiveServiceLimit int
	cutoff               time.Time
	ttl                  time.Duration
	now                  func() time.Time

	sf singleflight.Group

	mu       sync.Mutex
	cache    map[string]cachedUsage
	degraded bool
}

// NewEngine constructs an Engine over a usage store.
func NewEngine(usage UsageStore, opts Options) *Engine {
	e := &Engine{
		usage:                usage,
		limits:               opts.TierLimits,
		freeLiveServiceLimit: opts.FreeLiveServiceLimit,
		cutoff:               opts.KnowledgeCutoff,
		ttl:                  opts.CacheTTL,
		now:                  opts.Now,
		cache:                make(map[string]cachedUsage),
	}
	if e.limits == nil {
		e.limits = DefaultTierLimits
	}
	if e.freeLiveServiceLimit <= 0 {
		e.freeLiveServiceLimit = DefaultFreeLiveServiceLimit
	}
	if e.cutoff.IsZero() {
		e.cutoff = DefaultKnowledgeCutoff
	}
	if e.ttl <= 0 {
		e.ttl = DefaultCacheTTL
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Classify determines the query category. Rules are evaluated in strict
// order; the first match wins. releaseEpoch is the game's release time in
// Unix seconds, zero when unknown.
func (e *Engine) Classify(queryText, gameTitle string, releaseEpoch int64) Category {
	msg := strings.ToLower(queryText)

	if releaseEpoch > 0 && time.Unix(releaseEpoch, 0).After(e.cutoff) {
		return CategoryPostCutoffGame
	}
	if matchesTitleList(gameTitle, postCutoffGames) || matchesTitleList(queryText, postCutoffGames) {
		return CategoryPostCutoffGame
	}

	liveService := matchesTitleList(gameTitle, liveServiceGames) || matchesTitleList(queryText, liveServiceGames)
	if liveService && containsAny(msg, metaKeywords) {
		return CategoryLiveServiceMeta
	}

	if containsAny(msg, newsKeywords) {
		return CategoryCurrentNews
	}
	if containsAny(msg, patchKeywords) {
		return CategoryPatchNotes
	}
	if e.isReleaseDateQuery(msg) {
		return CategoryReleaseDates
	}

	if !liveService && containsAny(msg, helpKeywords) {
		return CategoryGameHelp
	}
	return CategoryGeneralKnowledge
}

func (e *Engine) isReleaseDateQuery(msg string) bool {
	if strings.Contains(msg, "release") && strings.Contains(msg, "date") {
		return true
	}
	if containsAny(msg, releaseKeywords) {
		return true
	}
	// Bare years at or beyond the current one suggest an upcoming release.
	currentYear := e.now().Year()
	for _, m := range yearRe.FindAllStringSubmatch(msg, -1) {
		if y, err := strconv.Atoi(m[1]); err == nil && y >= currentYear {
			return true
		}
	}
	return false
}

// Decide applies the quota policy to a classified query. Unknown tiers fall
// back to free limits.
func (e *Engine) Decide(category Category, tier string, monthlyUsage int) Decision {
	limit, ok := e.limits[tier]
	if !ok {
		limit = e.limits["free"]
	}

	if monthlyUsage >= limit {
		return Decision{
			UseGrounding: false,
			Reason:       fmt.Sprintf("Monthly grounding limit reached (%d/%d). AI will use training knowledge.", monthlyUsage, limit),
		}
	}

	switch category {
	case CategoryPostCutoffGame:
		return Decision{true, "Game released after AI knowledge cutoff - web search required"}
	case CategoryCurrentNews:
		return Decision{true, "Current news query requires web search"}
	case CategoryPatchNotes:
		return Decision{true, "Recent patch notes require web search"}
	case CategoryReleaseDates:
		return Decision{true, "Release date verification via web search"}
	case CategoryLiveServiceMeta:
		if tier == "free" && monthlyUsage >= e.freeLiveServiceLimit {
			return Decision{
				UseGrounding: false,
				Reason: fmt.Sprintf("Free tier live-service searches exhausted (%d/%d) - upgrade to Pro for current meta coverage",
					monthlyUsage, e.freeLiveServiceLimit),
			}
		}
		return Decision{true, "Live service game - current meta/patch info requires web search"}
	case CategoryGameHelp:
		return Decision{false, "Known game - AI has comprehensive training knowledge"}
	default:
		return Decision{false, "General gaming knowledge - AI can answer from training"}
	}
}

// Usage returns the account's usage count for the current month, served
// through the cache. Persistence failures never fail the call: stale or
// zero counts are returned instead, and a missing schema permanently flips
// the engine into memory-only mode.
func (e *Engine) Usage(ctx context.Context, accountID string) int {
	month := e.monthKey()

	e.mu.Lock()
	cached, ok := e.cache[accountID]
	fresh := ok && cached.monthKey == month && e.now().Sub(cached.syncedAt) < e.ttl
	degraded := e.degraded
	e.mu.Unlock()

	if fresh || degraded {
		if cached.monthKey != month {
			return 0
		}
		return cached.count
	}

	// Concurrent cache misses for the same account collapse into one fetch.
	v, err, _ := e.sf.Do(accountID+":"+month, func() (any, error) {
		return e.usage.GetMonthlyUsage(ctx, accountID, month)
	})
	if err != nil {
		if errors.Is(err, store.ErrSchemaMissing) {
			e.mu.Lock()
			e.degraded = true
			e.mu.Unlock()
			logging.Grounding("usage schema missing, switching to memory-only counting")
		} else {
			logging.Get(logging.CategoryGrounding).Warn("usage fetch failed for %s: %v", accountID, err)
		}
		if cached.monthKey == month {
			return cached.count
		}
		return 0
	}

	count := v.(int)
	e.mu.Lock()
	e.cache[accountID] = cachedUsage{count: count, monthKey: month, syncedAt: e.now()}
	e.mu.Unlock()
	return count
}

// RecordUsage counts one grounding invocation. The in-memory cache is
// updated first so the count is never lost to a storage failure.
func (e *Engine) RecordUsage(ctx context.Context, accountID string) {
	month := e.monthKey()

	e.mu.Lock()
	cached, ok := e.cache[accountID]
	if ok && cached.monthKey == month {
		cached.count++
		cached.syncedAt = e.now()
	} else {
		cached = cachedUsage{count: 1, monthKey: month, syncedAt: e.now()}
	}
	e.cache[accountID] = cached
	degraded := e.degraded
	e.mu.Unlock()

	if degraded {
		logging.GroundingDebug("recorded usage in memory for %s (month %s)", accountID, month)
		return
	}

	if _, err := e.usage.IncrementMonthlyUsage(ctx, accountID, month); err != nil {
		if errors.Is(err, store.ErrSchemaMissing) {
			e.mu.Lock()
			e.degraded = true
			e.mu.Unlock()
			logging.Grounding("usage schema missing, switching to memory-only counting")
			return
		}
		logging.Get(logging.CategoryGrounding).Warn("usage increment failed for %s: %v", accountID, err)
	}
}

// RemainingQuota reports the account's budget under its tier.
func (e *Engine) RemainingQuota(ctx context.Context, accountID, tier string) Quota {
	limit, ok := e.limits[tier]
	if !ok {
		limit = e.limits["free"]
	}
	used := e.Usage(ctx, accountID)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Quota{Used: used, Limit: limit, Remaining: remaining}
}

// CheckEligibility composes Classify, current usage, and Decide into the one
// call the prompt-construction collaborator makes per turn.
func (e *Engine) CheckEligibility(ctx context.Context, accountID, tier, queryText, gameTitle string, releaseEpoch int64) Eligibility {
	timer := logging.StartTimer(logging.CategoryGrounding, "Engine.CheckEligibility")
	defer timer.Stop()

	category := e.Classify(queryText, gameTitle, releaseEpoch)
	quota := e.RemainingQuota(ctx, accountID, tier)
	decision := e.Decide(category, tier, quota.Used)

	logging.GroundingDebug("eligibility for %s tier=%s category=%s use=%v (%d/%d)",
		accountID, tier, category, decision.UseGrounding, quota.Used, quota.Limit)

	return Eligibility{
		UseGrounding:   decision.UseGrounding,
		Category:       category,
		Reason:         decision.Reason,
		RemainingQuota: quota,
	}
}

// Degraded reports whether the engine has fallen back to memory-only
// counting.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// Reset clears the cache and degraded flag. Intended for tests.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cachedUsage)
	e.degraded = false
}

func (e *Engine) monthKey() string {
	return e.now().UTC().Format("2006-01")
}

func matchesTitleList(s string, titles []string) bool {
	if s == "" {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(s))
	for _, title := range titles {
		if strings.Contains(normalized, title) {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
