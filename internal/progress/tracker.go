// Package progress implements the versioned, confidence-weighted progress
// state machine keyed by (account, game, edition).
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"otakon/internal/catalog"
	"otakon/internal/logging"
	"otakon/internal/types"
)

// ErrProgressUpdateFailed reports a failed persistence of a progress
// transition. It is fatal for the call; no retry happens at this layer.
var ErrProgressUpdateFailed = errors.New("progress: update failed")

// Store is the tracker's view of the backing store.
type Store interface {
	GetProgressRecord(ctx context.Context, accountID, gameID, editionTag string) (*types.ProgressRecord, error)
	SaveTransition(ctx context.Context, rec *types.ProgressRecord, tr *types.TransitionRecord) error
	LatestTransitionForEvent(ctx context.Context, accountID, gameID, editionTag, eventID string) (*types.TransitionRecord, error)
	ListTransitions(ctx context.Context, accountID, gameID, editionTag string) ([]*types.TransitionRecord, error)
	GetEvent(ctx context.Context, eventID string) (*types.ProgressEvent, error)
	ListEventsInLevelRange(ctx context.Context, gameID, editionTag string, minLevel, maxLevel int) ([]*types.ProgressEvent, error)
}

// ApplyResult is the outcome of an event application.
type ApplyResult struct {
	IsDuplicate bool
	NewLevel    int
	HistoryID   string
}

// Tracker mutates progress records and appends immutable transition records.
//
// Concurrent submissions of two different events for the same key are not
// serialized here: both can read the same old level and one raise can be
// lost. Repeated submission of the same event id is safe (idempotent).
type Tracker struct {
	store    Store
	resolver *catalog.Resolver
}

// NewTracker constructs a Tracker. The resolver is only needed by
// ApplyEventForAnyGame and may be nil otherwise.
func NewTracker(store Store, resolver *catalog.Resolver) *Tracker {
	return &Tracker{store: store, resolver: resolver}
}

// Record returns the progress record for a key, lazily creating the default
// state (level 1, no events, confidence 1.0) when none is persisted yet. The
// default is not written until the first transition.
func (t *Tracker) Record(ctx context.Context, accountID, gameID, editionTag string) (*types.ProgressRecord, error) {
	rec, err := t.store.GetProgressRecord(ctx, accountID, gameID, editionTag)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProgressUpdateFailed, err)
	}
	if rec == nil {
		rec = &types.ProgressRecord{
			AccountID:       accountID,
			GameID:          gameID,
			EditionTag:      editionTag,
			Level:           types.MinLevel,
			CompletedEvents: []string{},
			Confidence:      1.0,
			LastUpdatedAt:   time.Now().UTC(),
		}
	}
	return rec, nil
}

// ApplyEvent applies a resolved event to the progress record. A repeated
// event id is answered with IsDuplicate=true, the prior transition's id, and
// no mutation. Otherwise the level is raised monotonically to the event's
// unlock level, the confidence takes the latest AI value, and the updated
// record plus a new transition record are persisted in one logical write.
func (t *Tracker) ApplyEvent(ctx context.Context, accountID, gameID, editionTag, eventID string, aiConfidence float64, aiReasoning string, aiEvidence []string) (*ApplyResult, error) {
	timer := logging.StartTimer(logging.CategoryProgress, "Tracker.ApplyEvent")
	defer timer.Stop()

	rec, err := t.Record(ctx, accountID, gameID, editionTag)
	if err != nil {
		return nil, err
	}

	if rec.HasCompleted(eventID) {
		result := &ApplyResult{IsDuplicate: true, NewLevel: rec.Level}
		prior, err := t.store.LatestTransitionForEvent(ctx, accountID, gameID, editionTag, eventID)
		if err != nil {
			logging.Get(logging.CategoryProgress).Warn("prior transition lookup failed for %s: %v", eventID, err)
		} else if prior != nil {
			result.HistoryID = prior.ID
		}
		logging.ProgressDebug("duplicate event %s for %s/%s/%s", eventID, accountID, gameID, editionTag)
		return result, nil
	}

	// Unlock level comes from the catalog; an unresolvable event (including
	// the unknown_event sentinel) keeps the current level.
	levelUnlocked := rec.Level
	ev, err := t.store.GetEvent(ctx, eventID)
	if err != nil {
		logging.Get(logging.CategoryProgress).Warn("event lookup failed for %s: %v", eventID, err)
	} else if ev != nil {
		levelUnlocked = ev.LevelUnlocked
	}

	oldLevel := rec.Level
	newLevel := oldLevel
	if levelUnlocked > newLevel {
		newLevel = levelUnlocked
	}
	newLevel = types.ClampLevel(newLevel)

	rec.Level = newLevel
	rec.Confidence = aiConfidence // latest value wins, no averaging
	rec.CompletedEvents = append(rec.CompletedEvents, eventID)
	rec.LastUpdatedAt = time.Now().UTC()

	tr := &types.TransitionRecord{
		ID:           "hist_" + uuid.NewString(),
		AccountID:    accountID,
		GameID:       gameID,
		EditionTag:   editionTag,
		EventID:      eventID,
		OldLevel:     oldLevel,
		NewLevel:     newLevel,
		AIConfidence: aiConfidence,
		AIReasoning:  aiReasoning,
		AIEvidence:   aiEvidence,
		UserFeedback: types.FeedbackNone,
	}

	if err := t.store.SaveTransition(ctx, rec, tr); err != nil {
		logging.Get(logging.CategoryProgress).Error("transition write failed for %s: %v", eventID, err)
		return nil, fmt.Errorf("%w: %w", ErrProgressUpdateFailed, err)
	}

	logging.Progress("applied %s for %s/%s/%s: level %d -> %d (confidence %.2f)",
		eventID, accountID, gameID, editionTag, oldLevel, newLevel, aiConfidence)
	return &ApplyResult{NewLevel: newLevel, HistoryID: tr.ID}, nil
}

// ApplyEventForAnyGame composes the catalog resolver with ApplyEvent.
func (t *Tracker) ApplyEventForAnyGame(ctx context.Context, accountID, gameID, editionTag, eventType, description string, levelUnlocked int, aiConfidence float64, aiReasoning string, aiEvidence []string) (*ApplyResult, error) {
	if t.resolver == nil {
		return nil, fmt.Errorf("%w: no resolver configured", ErrProgressUpdateFailed)
	}
	eventID := t.resolver.Resolve(ctx, gameID, editionTag, eventType, description, levelUnlocked)
	return t.ApplyEvent(ctx, accountID, gameID, editionTag, eventID, aiConfidence, aiReasoning, aiEvidence)
}

// History returns the transition history for a key, newest first.
func (t *Tracker) History(ctx context.Context, accountID, gameID, editionTag string) ([]*types.TransitionRecord, error) {
	return t.store.ListTransitions(ctx, accountID, gameID, editionTag)
}

// AvailableEvents returns the catalog events whose unlock level is at most
// two above the current one. Already-reachable events are included; the cap
// is what hides far-future content.
func (t *Tracker) AvailableEvents(ctx context.Context, gameID, editionTag string, currentLevel int) ([]*types.ProgressEvent, error) {
	high := types.ClampLevel(currentLevel + 2)
	return t.store.ListEventsInLevelRange(ctx, gameID, editionTag, types.MinLevel, high)
}
