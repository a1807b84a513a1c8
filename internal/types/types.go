// Package types defines the shared domain types of the Otakon companion core:
// progress records, catalog events, transition history, and learning patterns.
package types

import "time"

// UserFeedback is the feedback state of a transition record.
type UserFeedback string

const (
	FeedbackNone      UserFeedback = "none"
	FeedbackConfirmed UserFeedback = "confirmed"
	FeedbackRejected  UserFeedback = "rejected"
	FeedbackReverted  UserFeedback = "reverted"
)

// Progress levels are bounded to 1..10.
const (
	MinLevel = 1
	MaxLevel = 10
)

// WildcardGameID marks catalog templates applicable to any game.
const WildcardGameID = "*"

// UnknownEventID is the sentinel returned when dynamic event creation fails.
// Callers treat it as a valid (if degenerate) event id.
const UnknownEventID = "unknown_event"

// ProgressRecord is the per-(account, game, edition) progress state.
// Outside of an explicit revert, Level is non-decreasing and CompletedEvents
// only grows.
type ProgressRecord struct {
	AccountID       string            `json:"account_id"`
	GameID          string            `json:"game_id"`
	EditionTag      string            `json:"edition_tag"`
	Level           int               `json:"level"` // 1..10
	CompletedEvents []string          `json:"completed_events"`
	Confidence      float64           `json:"confidence"` // 0..1, latest AI confidence
	Metadata        map[string]string `json:"metadata,omitempty"`
	LastUpdatedAt   time.Time         `json:"last_updated_at"`
}

// HasCompleted reports whether eventID is already in the completed set.
func (r *ProgressRecord) HasCompleted(eventID string) bool {
	for _, id := range r.CompletedEvents {
		if id == eventID {
			return true
		}
	}
	return false
}

// ProgressEvent is a catalog entry describing a progress milestone.
// EventID is unique per (GameID, EditionTag, EventType, LevelUnlocked).
type ProgressEvent struct {
	EventID       string `json:"event_id"`
	GameID        string `json:"game_id"`
	EditionTag    string `json:"edition_tag"`
	EventType     string `json:"event_type"`
	Description   string `json:"description"`
	LevelUnlocked int    `json:"level_unlocked"`
	LoreContext   string `json:"lore_context,omitempty"`
	Difficulty    string `json:"difficulty"`
}

// TransitionRecord is one immutable progress transition. Only the feedback
// fields may change after creation.
type TransitionRecord struct {
	ID                string       `json:"id"`
	AccountID         string       `json:"account_id"`
	GameID            string       `json:"game_id"`
	EditionTag        string       `json:"edition_tag"`
	EventID           string       `json:"event_id"`
	OldLevel          int          `json:"old_level"`
	NewLevel          int          `json:"new_level"`
	AIConfidence      float64      `json:"ai_confidence"`
	AIReasoning       string       `json:"ai_reasoning"`
	AIEvidence        []string     `json:"ai_evidence"`
	UserFeedback      UserFeedback `json:"user_feedback"`
	FeedbackTimestamp *time.Time   `json:"feedback_timestamp,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// LearningPattern is a process-global learned pattern. Repeated observation
// of identical PatternData for the same LearningType averages the confidence
// and increments the usage count.
type LearningPattern struct {
	LearningType    string         `json:"learning_type"`
	PatternData     map[string]any `json:"pattern_data"`
	ConfidenceScore float64        `json:"confidence_score"`
	UsageCount      int            `json:"usage_count"`
}

// SystemLogEntry is one row of the append-only structured log shared by the
// feedback and learning paths.
type SystemLogEntry struct {
	ID        int64          `json:"id"`
	Category  string         `json:"category"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// ClampLevel bounds a level into the valid 1..10 range.
func ClampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}
