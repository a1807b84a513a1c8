// Package feedback records user confirm/reject signals on progress
// transitions, mines rejection patterns into prompt-level improvement
// instructions, and can revert a transition. This is a text-level learning
// loop: improvement strings feed the next generation prompt, no model
// weights change.
package feedback

import (
	"context"
	"fmt"
	"time"

	"otakon/internal/lockset"
	"otakon/internal/logging"
	"otakon/internal/security"
	"otakon/internal/types"
)

// Log categories used on the shared system log.
const (
	categoryProgressFeedback = "progress_feedback"
	categoryAIImprovement    = "ai_improvement"
)

// Rejection mining parameters.
const (
	rejectionWindow = 7 * 24 * time.Hour
	// The false-positive rate uses a fixed denominator: rejections are
	// measured against an assumed 100 detections per window.
	assumedDetections   = 100.0
	highConfidenceBand  = 0.8
	lowConfidenceBand   = 0.5
	clusterThreshold    = 2
	improvingRejectRate = 0.10
	decliningRejectRate = 0.30
)

// Store is the engine's view of the backing store.
type Store interface {
	GetTransition(ctx context.Context, id string) (*types.TransitionRecord, error)
	SetTransitionFeedback(ctx context.Context, id string, feedback types.UserFeedback, at time.Time) error
	GetProgressRecord(ctx context.Context, accountID, gameID, editionTag string) (*types.ProgressRecord, error)
	SaveProgressRecord(ctx context.Context, rec *types.ProgressRecord) error
	AppendSystemLog(ctx context.Context, category string, payload map[string]any) error
	QuerySystemLog(ctx context.Context, category string, since time.Time) ([]*types.SystemLogEntry, error)
	GetEvent(ctx context.Context, eventID string) (*types.ProgressEvent, error)
	SaveLearningPattern(ctx context.Context, p *types.LearningPattern) error
}

// Statistics summarizes feedback for a game/edition.
type Statistics struct {
	TotalFeedback     int
	Confirmations     int
	Rejections        int
	AverageConfidence float64
	Trend             string // "improving", "stable", "declining"
}

// Engine is the feedback and learning engine. Construct once and inject.
type Engine struct {
	store       Store
	gate        *security.Gate
	locks       *lockset.Set
	baseEdition string
	now         func() time.Time
}

// NewEngine constructs an Engine. baseEdition is the edition tag treated as
// the canonical release; an empty value defaults to "base".
func NewEngine(store Store, gate *security.Gate, locks *lockset.Set, baseEdition string) *Engine {
	if baseEdition == "" {
		baseEdition = "base"
	}
	if locks == nil {
		locks = lockset.New(0)
	}
	return &Engine{
		store:       store,
		gate:        gate,
		locks:       locks,
		baseEdition: baseEdition,
		now:         time.Now,
	}
}

// bestEffort makes swallowing a failure explicit: the error is logged and
// dropped so feedback writes never block the primary response flow.
func bestEffort(op string, err error) {
	if err != nil {
		logging.Get(logging.CategoryFeedback).Warn("%s failed (best effort): %v", op, err)
	}
}

// RecordFeedback persists a confirm/reject signal for a transition: a
// structured log entry plus the transition's feedback fields. A rejection
// additionally triggers rejection analysis. All writes are best-effort.
func (e *Engine) RecordFeedback(ctx context.Context, historyID string, feedback types.UserFeedback, editionTag, userReason string, aiConfidence float64) {
	timer := logging.StartTimer(logging.CategoryFeedback, "Engine.RecordFeedback")
	defer timer.Stop()

	if feedback != types.FeedbackConfirmed && feedback != types.FeedbackRejected {
		logging.Get(logging.CategoryFeedback).Warn("ignoring unsupported feedback %q for %s", feedback, historyID)
		return
	}

	tr, err := e.store.GetTransition(ctx, historyID)
	if err != nil || tr == nil {
		bestEffort("load transition "+historyID, err)
		return
	}

	payload := map[string]any{
		"category":      categoryProgressFeedback,
		"history_id":    historyID,
		"account_id":    tr.AccountID,
		"game_id":       tr.GameID,
		"edition_tag":   editionTag,
		"event_id":      tr.EventID,
		"feedback":      string(feedback),
		"user_reason":   userReason,
		"ai_confidence": aiConfidence,
	}
	if e.gate.ValidateDatabaseOperation("insert", "system_log", payload) {
		bestEffort("append progress_feedback log", e.store.AppendSystemLog(ctx, categoryProgressFeedback, payload))
	}

	bestEffort("update transition feedback", e.store.SetTransitionFeedback(ctx, historyID, feedback, e.now()))

	logging.Feedback("recorded %s for transition %s", feedback, historyID)

	if feedback == types.FeedbackRejected {
		e.analyzeRejection(ctx, historyID, userReason, editionTag)
	}
}

// analyzeRejection reloads the transition and persists a diagnostic entry
// for the rejection miner.
func (e *Engine) analyzeRejection(ctx context.Context, historyID, userReason, editionTag string) {
	tr, err := e.store.GetTransition(ctx, historyID)
	if err != nil || tr == nil {
		bestEffort("reload transition "+historyID, err)
		return
	}

	// Resolve the event type now so mining needs no catalog lookups.
	eventType := ""
	if ev, err := e.store.GetEvent(ctx, tr.EventID); err == nil && ev != nil {
		eventType = ev.EventType
	}

	payload := map[string]any{
		"category":        categoryAIImprovement,
		"failure_pattern": "false_positive",
		"history_id":      historyID,
		"account_id":      tr.AccountID,
		"game_id":         tr.GameID,
		"edition_tag":     editionTag,
		"event_id":        tr.EventID,
		"event_type":      eventType,
		"ai_confidence":   tr.AIConfidence,
		"ai_reasoning":    tr.AIReasoning,
		"user_reason":     userReason,
	}
	if e.gate.ValidateDatabaseOperation("insert", "system_log", payload) {
		bestEffort("append ai_improvement log", e.store.AppendSystemLog(ctx, categoryAIImprovement, payload))
	}
	logging.FeedbackDebug("analyzed rejection of %s (event %s, confidence %.2f)", historyID, tr.EventID, tr.AIConfidence)
}

// GetDetectionImprovements mines the trailing week of rejection diagnostics
// for a (game, edition) and produces plain instruction strings for the next
// generation prompt.
func (e *Engine) GetDetectionImprovements(ctx context.Context, gameID, editionTag string) ([]string, error) {
	entries, err := e.store.QuerySystemLog(ctx, categoryAIImprovement, e.now().Add(-rejectionWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load rejection diagnostics: %w", err)
	}

	var rejections []map[string]any
	for _, entry := range entries {
		if entry.Payload["game_id"] == gameID && entry.Payload["edition_tag"] == editionTag {
			rejections = append(rejections, entry.Payload)
		}
	}

	var improvements []string

	falsePositiveRate := float64(len(rejections)) / assumedDetections
	if falsePositiveRate > 0.10 {
		improvements = append(improvements,
			"Be more conservative with progress detection - only report progress events when confidence > 0.8")
	}

	highConfidenceRejections := 0
	lowConfidenceRejections := 0
	byEventType := make(map[string]int)
	for _, r := range rejections {
		conf, _ := r["ai_confidence"].(float64)
		if conf > highConfidenceBand {
			highConfidenceRejections++
		}
		if conf < lowConfidenceBand {
			lowConfidenceRejections++
		}
		if et, _ := r["event_type"].(string); et != "" {
			byEventType[et]++
		}
	}

	if highConfidenceRejections > 0 {
		improvements = append(improvements,
			"High confidence detections can still be wrong - require multiple pieces of evidence before reporting a progress event")
	}

	if editionTag != e.baseEdition {
		improvements = append(improvements, fmt.Sprintf(
			"Progress markers differ in the %s edition - verify events against edition-specific content before reporting", editionTag))
	}

	for eventType, count := range byEventType {
		if count > clusterThreshold {
			improvements = append(improvements, fmt.Sprintf(
				"Detections of %s events have been rejected %d times recently - treat them with extra scrutiny", eventType, count))
		}
	}

	if highConfidenceRejections > clusterThreshold {
		improvements = append(improvements,
			"A cluster of high-confidence detections was rejected - recalibrate what counts as strong evidence")
	}
	if lowConfidenceRejections > clusterThreshold {
		improvements = append(improvements,
			"A cluster of low-confidence detections was rejected - do not report progress on weak signals")
	}

	logging.FeedbackDebug("mined %d rejections into %d improvements for %s/%s",
		len(rejections), len(improvements), gameID, editionTag)
	return improvements, nil
}

// GetStatistics summarizes recorded feedback. Empty gameID or editionTag
// match everything.
func (e *Engine) GetStatistics(ctx context.Context, gameID, editionTag string) (*Statistics, error) {
	entries, err := e.store.QuerySystemLog(ctx, categoryProgressFeedback, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback log: %w", err)
	}

	stats := &Statistics{Trend: "stable"}
	confidenceSum := 0.0
	for _, entry := range entries {
		if gameID != "" && entry.Payload["game_id"] != gameID {
			continue
		}
		if editionTag != "" && entry.Payload["edition_tag"] != editionTag {
			continue
		}
		stats.TotalFeedback++
		switch entry.Payload["feedback"] {
		case string(types.FeedbackConfirmed):
			stats.Confirmations++
		case string(types.FeedbackRejected):
			stats.Rejections++
		}
		if conf, ok := entry.Payload["ai_confidence"].(float64); ok {
			confidenceSum += conf
		}
	}

	if stats.TotalFeedback > 0 {
		stats.AverageConfidence = confidenceSum / float64(stats.TotalFeedback)
		rejectionRate := float64(stats.Rejections) / float64(stats.TotalFeedback)
		switch {
		case rejectionRate < improvingRejectRate:
			stats.Trend = "improving"
		case rejectionRate > decliningRejectRate:
			stats.Trend = "declining"
		}
	}
	return stats, nil
}

// Revert undoes a transition: the progress record's level returns to the
// transition's old level and the event leaves the completed set, in one
// update. Only on success is the transition marked reverted; a failed
// record update reports false with no partial state. Concurrent reverts of
// the same transition are rejected via a per-history lease.
func (e *Engine) Revert(ctx context.Context, historyID string) bool {
	timer := logging.StartTimer(logging.CategoryFeedback, "Engine.Revert")
	defer timer.Stop()

	lease, ok := e.locks.TryAcquire("revert/" + historyID)
	if !ok {
		logging.Get(logging.CategoryFeedback).Warn("concurrent revert of %s rejected", historyID)
		return false
	}
	defer lease.Release()

	tr, err := e.store.GetTransition(ctx, historyID)
	if err != nil || tr == nil {
		bestEffort("load transition "+historyID, err)
		return false
	}

	rec, err := e.store.GetProgressRecord(ctx, tr.AccountID, tr.GameID, tr.EditionTag)
	if err != nil || rec == nil {
		bestEffort("load progress record for revert of "+historyID, err)
		return false
	}

	rec.Level = tr.OldLevel
	remaining := rec.CompletedEvents[:0]
	for _, id := range rec.CompletedEvents {
		if id != tr.EventID {
			remaining = append(remaining, id)
		}
	}
	rec.CompletedEvents = remaining
	rec.LastUpdatedAt = e.now()

	if err := e.store.SaveProgressRecord(ctx, rec); err != nil {
		logging.Get(logging.CategoryFeedback).Error("revert of %s failed to update progress record: %v", historyID, err)
		return false
	}

	bestEffort("mark transition reverted", e.store.SetTransitionFeedback(ctx, historyID, types.FeedbackReverted, e.now()))
	logging.Feedback("reverted transition %s: level back to %d, event %s removed", historyID, tr.OldLevel, tr.EventID)
	return true
}

// LearnPattern persists a learning pattern if the security gate allows its
// scope. Returns whether the pattern was accepted.
func (e *Engine) LearnPattern(ctx context.Context, p *types.LearningPattern) bool {
	if !e.gate.ValidateLearningScope(p.LearningType, p.PatternData) {
		return false
	}
	bestEffort("save learning pattern", e.store.SaveLearningPattern(ctx, p))
	return true
}
