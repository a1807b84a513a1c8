package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"otakon/internal/logging"
	"otakon/internal/types"
)

// GetProgressRecord loads the progress record for a key, or nil if absent.
func (s *Store) GetProgressRecord(ctx context.Context, accountID, gameID, editionTag string) (*types.ProgressRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT level, completed_events, confidence, metadata, last_updated_at
		FROM progress_records
		WHERE account_id = ? AND game_id = ? AND edition_tag = ?
	`, accountID, gameID, editionTag)

	rec := &types.ProgressRecord{
		AccountID:  accountID,
		GameID:     gameID,
		EditionTag: editionTag,
	}
	var eventsJSON, metaJSON string
	err := row.Scan(&rec.Level, &eventsJSON, &rec.Confidence, &metaJSON, &rec.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progress record: %w", err)
	}

	if err := json.Unmarshal([]byte(eventsJSON), &rec.CompletedEvents); err != nil {
		return nil, fmt.Errorf("corrupt completed_events for %s/%s/%s: %w", accountID, gameID, editionTag, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s/%s/%s: %w", accountID, gameID, editionTag, err)
	}
	return rec, nil
}

// SaveProgressRecord upserts a progress record.
func (s *Store) SaveProgressRecord(ctx context.Context, rec *types.ProgressRecord) error {
	return s.saveProgressRecord(ctx, s.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) saveProgressRecord(ctx context.Context, ex execer, rec *types.ProgressRecord) error {
	eventsJSON, err := json.Marshal(rec.CompletedEvents)
	if err != nil {
		return fmt.Errorf("failed to marshal completed events: %w", err)
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO progress_records (account_id, game_id, edition_tag, level, completed_events, confidence, metadata, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, game_id, edition_tag) DO UPDATE SET
			level = excluded.level,
			completed_events = excluded.completed_events,
			confidence = excluded.confidence,
			metadata = excluded.metadata,
			last_updated_at = excluded.last_updated_at
	`, rec.AccountID, rec.GameID, rec.EditionTag, rec.Level, string(eventsJSON), rec.Confidence, string(metaJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save progress record: %w", err)
	}
	return nil
}

// SaveTransition persists an updated progress record and its new transition
// record in one transaction. This is the single logical write of applyEvent.
func (s *Store) SaveTransition(ctx context.Context, rec *types.ProgressRecord, tr *types.TransitionRecord) error {
	timer := logging.StartTimer(logging.CategoryStore, "Store.SaveTransition")
	defer timer.Stop()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition write: %w", err)
	}
	defer tx.Rollback()

	if err := s.saveProgressRecord(ctx, tx, rec); err != nil {
		return err
	}

	evidenceJSON, err := json.Marshal(tr.AIEvidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO progress_history (id, account_id, game_id, edition_tag, event_id, old_level, new_level, ai_confidence, ai_reasoning, ai_evidence, user_feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.AccountID, tr.GameID, tr.EditionTag, tr.EventID, tr.OldLevel, tr.NewLevel,
		tr.AIConfidence, tr.AIReasoning, string(evidenceJSON), string(types.FeedbackNone), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert transition record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition write: %w", err)
	}
	return nil
}

// GetTransition loads a transition record by id, or nil if absent.
func (s *Store) GetTransition(ctx context.Context, id string) (*types.TransitionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, game_id, edition_tag, event_id, old_level, new_level,
		       ai_confidence, ai_reasoning, ai_evidence, user_feedback, feedback_timestamp, created_at
		FROM progress_history WHERE id = ?
	`, id)
	tr, err := scanTransition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tr, err
}

// LatestTransitionForEvent returns the most recent transition for a given
// event under a progress key, or nil. Used to answer duplicate submissions
// with the prior history id.
func (s *Store) LatestTransitionForEvent(ctx context.Context, accountID, gameID, editionTag, eventID string) (*types.TransitionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, game_id, edition_tag, event_id, old_level, new_level,
		       ai_confidence, ai_reasoning, ai_evidence, user_feedback, feedback_timestamp, created_at
		FROM progress_history
		WHERE account_id = ? AND game_id = ? AND edition_tag = ? AND event_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, accountID, gameID, editionTag, eventID)
	tr, err := scanTransition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tr, err
}

// ListTransitions returns the transition history for a progress key, newest
// first.
func (s *Store) ListTransitions(ctx context.Context, accountID, gameID, editionTag string) ([]*types.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, game_id, edition_tag, event_id, old_level, new_level,
		       ai_confidence, ai_reasoning, ai_evidence, user_feedback, feedback_timestamp, created_at
		FROM progress_history
		WHERE account_id = ? AND game_id = ? AND edition_tag = ?
		ORDER BY created_at DESC, rowid DESC
	`, accountID, gameID, editionTag)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []*types.TransitionRecord
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// SetTransitionFeedback updates the mutable feedback fields of a transition.
func (s *Store) SetTransitionFeedback(ctx context.Context, id string, feedback types.UserFeedback, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE progress_history SET user_feedback = ?, feedback_timestamp = ? WHERE id = ?
	`, string(feedback), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set transition feedback: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("transition %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransition(row rowScanner) (*types.TransitionRecord, error) {
	tr := &types.TransitionRecord{}
	var evidenceJSON, feedback string
	var feedbackAt sql.NullTime
	err := row.Scan(&tr.ID, &tr.AccountID, &tr.GameID, &tr.EditionTag, &tr.EventID,
		&tr.OldLevel, &tr.NewLevel, &tr.AIConfidence, &tr.AIReasoning, &evidenceJSON,
		&feedback, &feedbackAt, &tr.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transition: %w", err)
	}
	if err := json.Unmarshal([]byte(evidenceJSON), &tr.AIEvidence); err != nil {
		return nil, fmt.Errorf("corrupt evidence for transition %s: %w", tr.ID, err)
	}
	tr.UserFeedback = types.UserFeedback(feedback)
	if feedbackAt.Valid {
		t := feedbackAt.Time
		tr.FeedbackTimestamp = &t
	}
	return tr, nil
}
