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

// AppendSystemLog writes one entry to the structured system log.
func (s *Store) AppendSystemLog(ctx context.Context, category string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal log payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_log (category, payload, created_at) VALUES (?, ?, ?)
	`, category, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append system log: %w", err)
	}
	return nil
}

// QuerySystemLog returns entries of a category created at or after since,
// oldest first.
func (s *Store) QuerySystemLog(ctx context.Context, category string, since time.Time) ([]*types.SystemLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, payload, created_at
		FROM system_log
		WHERE category = ? AND created_at >= ?
		ORDER BY created_at, id
	`, category, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query system log: %w", err)
	}
	defer rows.Close()

	var out []*types.SystemLogEntry
	for rows.Next() {
		e := &types.SystemLogEntry{}
		var payload string
		if err := rows.Scan(&e.ID, &e.Category, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("corrupt payload in log entry %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetMonthlyUsage returns the grounding usage count for an account and month
// key (YYYY-MM). Returns ErrSchemaMissing if the usage table is absent.
func (s *Store) GetMonthlyUsage(ctx context.Context, accountID, monthKey string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM grounding_usage WHERE account_id = ? AND month_key = ?
	`, accountID, monthKey).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if isMissingTable(err) {
		return 0, fmt.Errorf("grounding usage: %w", ErrSchemaMissing)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read monthly usage: %w", err)
	}
	return count, nil
}

// IncrementMonthlyUsage bumps the usage counter and returns the new count.
// Returns ErrSchemaMissing if the usage table is absent.
func (s *Store) IncrementMonthlyUsage(ctx context.Context, accountID, monthKey string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grounding_usage (account_id, month_key, count) VALUES (?, ?, 1)
		ON CONFLICT(account_id, month_key) DO UPDATE SET count = count + 1
	`, accountID, monthKey)
	if isMissingTable(err) {
		return 0, fmt.Errorf("grounding usage: %w", ErrSchemaMissing)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment monthly usage: %w", err)
	}
	return s.GetMonthlyUsage(ctx, accountID, monthKey)
}

// SaveLearningPattern upserts a learning pattern. An identical
// (learningType, patternData) observation averages the confidence with the
// stored value and increments the usage count; otherwise a new row is added.
func (s *Store) SaveLearningPattern(ctx context.Context, p *types.LearningPattern) error {
	timer := logging.StartTimer(logging.CategoryStore, "Store.SaveLearningPattern")
	defer timer.Stop()

	// json.Marshal sorts map keys, so identical pattern data always produces
	// the same stored text.
	data, err := json.Marshal(p.PatternData)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO learning_patterns (learning_type, pattern_data, confidence_score, usage_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(learning_type, pattern_data) DO UPDATE SET
			confidence_score = (confidence_score + excluded.confidence_score) / 2.0,
			usage_count = usage_count + 1
	`, p.LearningType, string(data), p.ConfidenceScore)
	if err != nil {
		return fmt.Errorf("failed to save learning pattern: %w", err)
	}
	return nil
}

// ListLearningPatterns returns all patterns of a learning type.
func (s *Store) ListLearningPatterns(ctx context.Context, learningType string) ([]*types.LearningPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT learning_type, pattern_data, confidence_score, usage_count
		FROM learning_patterns WHERE learning_type = ? ORDER BY id
	`, learningType)
	if err != nil {
		return nil, fmt.Errorf("failed to list learning patterns: %w", err)
	}
	defer rows.Close()

	var out []*types.LearningPattern
	for rows.Next() {
		p := &types.LearningPattern{}
		var data string
		if err := rows.Scan(&p.LearningType, &data, &p.ConfidenceScore, &p.UsageCount); err != nil {
			return nil, fmt.Errorf("failed to scan learning pattern: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &p.PatternData); err != nil {
			return nil, fmt.Errorf("corrupt pattern data: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
