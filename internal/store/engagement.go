package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/assessor/internal/model"
)

// ListSnapshots returns the session's engagement history in sequence order.
func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]model.EngagementSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM engagement_snapshots WHERE session_id = $1 ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EngagementSnapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var snap model.EngagementSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the most recent snapshot of the session, or nil.
func (s *Store) LatestSnapshot(ctx context.Context, sessionID string) (*model.EngagementSnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM engagement_snapshots WHERE session_id = $1 ORDER BY sequence DESC LIMIT 1`,
		sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap model.EngagementSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// ListAdaptations returns the session's adaptation log in sequence order.
func (s *Store) ListAdaptations(ctx context.Context, sessionID string) ([]model.Adaptation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, sequence, question_id, branch, modifiers, old_difficulty, new_difficulty,
		 delta, engagement_score, rationale, created_at
		 FROM adaptations WHERE session_id = $1 ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Adaptation
	for rows.Next() {
		var a model.Adaptation
		var modifiers string
		var created int64
		if err := rows.Scan(&a.SessionID, &a.Sequence, &a.QuestionID, &a.Branch, &modifiers, &a.OldDifficulty,
			&a.NewDifficulty, &a.Delta, &a.EngagementScore, &a.Rationale, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(modifiers), &a.Modifiers); err != nil {
			return nil, fmt.Errorf("decode modifiers: %w", err)
		}
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	return out, rows.Err()
}
