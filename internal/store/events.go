package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"otakon/internal/types"
)

// FindEvent looks up a catalog event by its uniqueness tuple, or nil.
func (s *Store) FindEvent(ctx context.Context, gameID, editionTag, eventType string, levelUnlocked int) (*types.ProgressEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, game_id, edition_tag, event_type, description, level_unlocked, lore_context, difficulty
		FROM progress_events
		WHERE game_id = ? AND edition_tag = ? AND event_type = ? AND level_unlocked = ?
	`, gameID, editionTag, eventType, levelUnlocked)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

// FindTemplate looks up a wildcard-game template by (eventType,
// levelUnlocked) alone, or nil. Templates apply to any edition, so the
// edition tag is deliberately not part of the match.
func (s *Store) FindTemplate(ctx context.Context, eventType string, levelUnlocked int) (*types.ProgressEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, game_id, edition_tag, event_type, description, level_unlocked, lore_context, difficulty
		FROM progress_events
		WHERE game_id = ? AND event_type = ? AND level_unlocked = ?
		ORDER BY rowid LIMIT 1
	`, types.WildcardGameID, eventType, levelUnlocked)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

// GetEvent loads a catalog event by id, or nil.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*types.ProgressEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, game_id, edition_tag, event_type, description, level_unlocked, lore_context, difficulty
		FROM progress_events WHERE event_id = ?
	`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

// InsertEvent adds a catalog event. The (game, edition, type, level) tuple
// must be unique.
func (s *Store) InsertEvent(ctx context.Context, ev *types.ProgressEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress_events (event_id, game_id, edition_tag, event_type, description, level_unlocked, lore_context, difficulty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.GameID, ev.EditionTag, ev.EventType, ev.Description, ev.LevelUnlocked, ev.LoreContext, ev.Difficulty)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.EventID, err)
	}
	return nil
}

// ListEventsInLevelRange returns catalog events for a game/edition whose
// unlock level falls inside [minLevel, maxLevel], ordered by level.
func (s *Store) ListEventsInLevelRange(ctx context.Context, gameID, editionTag string, minLevel, maxLevel int) ([]*types.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, game_id, edition_tag, event_type, description, level_unlocked, lore_context, difficulty
		FROM progress_events
		WHERE game_id = ? AND edition_tag = ? AND level_unlocked BETWEEN ? AND ?
		ORDER BY level_unlocked, event_type
	`, gameID, editionTag, minLevel, maxLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*types.ProgressEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*types.ProgressEvent, error) {
	ev := &types.ProgressEvent{}
	err := row.Scan(&ev.EventID, &ev.GameID, &ev.EditionTag, &ev.EventType,
		&ev.Description, &ev.LevelUnlocked, &ev.LoreContext, &ev.Difficulty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	return ev, nil
}
