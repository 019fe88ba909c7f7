package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/assessor/internal/model"
)

const interactionColumns = `session_id, question_id, sequence, issued_at, initial_option, final_option,
	option_change_count, option_change_history, navigation_count, hints_requested, hint_usage,
	response_time_seconds, inactivity_ms, facial_samples, submitted_answer, is_correct,
	difficulty_before, difficulty_after, fingerprint, submitted_at`

// IssueQuestion records that questionID was shown as the sequence-th question
// of the session. Issuing is idempotent: if either the question or the sequence
// slot is already taken the call is a no-op and issued is false. Nothing is
// issued unless the session is still active at sess.Version, so a stale read
// cannot add a record after a concurrent commit.
func (s *Store) IssueQuestion(ctx context.Context, sess model.Session, questionID string, sequence int, at time.Time) (issued bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (session_id, question_id, student_id, sequence, issued_at, difficulty_before)
		 SELECT CAST($1 AS TEXT), CAST($2 AS TEXT), CAST($3 AS TEXT), CAST($4 AS INTEGER),
		        CAST($5 AS BIGINT), CAST($6 AS DOUBLE PRECISION)
		 WHERE EXISTS (
		   SELECT 1 FROM sessions
		   WHERE id = $7 AND version = $8 AND status = 'active' AND closed_at IS NULL
		 )
		 ON CONFLICT DO NOTHING`,
		sess.ID, questionID, sess.StudentID, sequence, millis(at), sess.CurrentDifficulty, sess.ID, sess.Version,
	)
	if err != nil {
		return false, fmt.Errorf("issue question: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanInteraction(row scanner) (model.Interaction, error) {
	var it model.Interaction
	var issued int64
	var changes, hints, samples string
	var submitted sql.NullInt64
	err := row.Scan(&it.SessionID, &it.QuestionID, &it.Sequence, &issued, &it.InitialOption, &it.FinalOption,
		&it.OptionChangeCount, &changes, &it.NavigationCount, &it.HintsRequested, &hints,
		&it.ResponseTimeSeconds, &it.InactivityMS, &samples, &it.SubmittedAnswer, &it.IsCorrect,
		&it.DifficultyBefore, &it.DifficultyAfter, &it.Fingerprint, &submitted)
	if err != nil {
		return it, err
	}
	it.IssuedAt = fromMillis(issued)
	it.SubmittedAt = fromNullMillis(submitted)
	if err := json.Unmarshal([]byte(changes), &it.OptionChangeHistory); err != nil {
		return it, fmt.Errorf("decode option history: %w", err)
	}
	if err := json.Unmarshal([]byte(hints), &it.HintUsage); err != nil {
		return it, fmt.Errorf("decode hint usage: %w", err)
	}
	if err := json.Unmarshal([]byte(samples), &it.FacialSamples); err != nil {
		return it, fmt.Errorf("decode facial samples: %w", err)
	}
	return it, nil
}

// GetInteraction returns the record of one issued question.
func (s *Store) GetInteraction(ctx context.Context, sessionID, questionID string) (model.Interaction, error) {
	it, err := scanInteraction(s.db.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE session_id = $1 AND question_id = $2`,
		sessionID, questionID))
	if err != nil {
		return it, notFound(err, "question "+questionID+" in session "+sessionID)
	}
	return it, nil
}

// GetOpenInteraction returns the issued but unanswered record of the session,
// or nil if there is none.
func (s *Store) GetOpenInteraction(ctx context.Context, sessionID string) (*model.Interaction, error) {
	it, err := scanInteraction(s.db.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions
		 WHERE session_id = $1 AND submitted_at IS NULL
		 ORDER BY sequence LIMIT 1`, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// ListInteractions returns the session timeline in issue order.
func (s *Store) ListInteractions(ctx context.Context, sessionID string) ([]model.Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE session_id = $1 ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Interaction
	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// LastUsedTimes maps each question the student has been issued in the subject
// to the latest time it was issued.
func (s *Store) LastUsedTimes(ctx context.Context, studentID, subject string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.question_id, MAX(i.issued_at) FROM interactions i
		 JOIN questions q ON q.id = i.question_id
		 WHERE i.student_id = $1 AND q.subject = $2
		 GROUP BY i.question_id`, studentID, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	used := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at int64
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		used[id] = fromMillis(at)
	}
	return used, rows.Err()
}

// SessionTopics maps every question issued in the session to its topic.
func (s *Store) SessionTopics(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.question_id, q.topic FROM interactions i
		 JOIN questions q ON q.id = i.question_id
		 WHERE i.session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	topics := make(map[string]string)
	for rows.Next() {
		var id, topic string
		if err := rows.Scan(&id, &topic); err != nil {
			return nil, err
		}
		topics[id] = topic
	}
	return topics, rows.Err()
}

// AppendHint adds a hint to an unanswered interaction and bumps the session
// version. It fails with ErrConcurrentModification if the session moved on.
func (s *Store) AppendHint(ctx context.Context, sess model.Session, it model.Interaction, hint model.HintUse) (model.Interaction, error) {
	usage := append(append([]model.HintUse{}, it.HintUsage...), hint)
	raw, err := json.Marshal(usage)
	if err != nil {
		return it, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return it, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET version = version + 1 WHERE id = $1 AND version = $2`, sess.ID, sess.Version)
	if err != nil {
		return it, fmt.Errorf("bump session version: %w", err)
	}
	if err := expectOne(res); err != nil {
		return it, err
	}
	res, err = tx.ExecContext(ctx,
		`UPDATE interactions SET hints_requested = $1, hint_usage = $2
		 WHERE session_id = $3 AND question_id = $4 AND submitted_at IS NULL`,
		len(usage), string(raw), it.SessionID, it.QuestionID)
	if err != nil {
		return it, fmt.Errorf("append hint: %w", err)
	}
	if err := expectOne(res); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	it.HintUsage = usage
	it.HintsRequested = len(usage)
	return it, nil
}

// ResponseCommit is everything persisted when a response is graded.
type ResponseCommit struct {
	// Session carries the new counters; its Version is the expected current version.
	Session     model.Session
	Interaction model.Interaction
	Snapshot    model.EngagementSnapshot
	Adaptation  model.Adaptation
	// Calibration, when set, is stored as the student's starting difficulty.
	Calibration *float64
}

// CommitResponse writes a graded response atomically. A version mismatch or an
// interaction already submitted fails with ErrConcurrentModification and
// writes nothing.
func (s *Store) CommitResponse(ctx context.Context, c ResponseCommit) (model.Session, error) {
	it := c.Interaction
	changes, err := json.Marshal(nonNil(it.OptionChangeHistory))
	if err != nil {
		return model.Session{}, err
	}
	samples, err := json.Marshal(nonNil(it.FacialSamples))
	if err != nil {
		return model.Session{}, err
	}
	payload, err := json.Marshal(c.Snapshot)
	if err != nil {
		return model.Session{}, err
	}
	modifiers, err := json.Marshal(nonNil(c.Adaptation.Modifiers))
	if err != nil {
		return model.Session{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, err
	}
	defer tx.Rollback()

	sess := c.Session
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET current_difficulty = $1, status = $2, questions_completed = $3,
		 correct_answers = $4, completed_at = $5, version = version + 1
		 WHERE id = $6 AND version = $7`,
		sess.CurrentDifficulty, string(sess.Status), sess.QuestionsCompleted,
		sess.CorrectAnswers, nullMillis(sess.CompletedAt), sess.ID, sess.Version)
	if err != nil {
		return model.Session{}, fmt.Errorf("update session: %w", err)
	}
	if err := expectOne(res); err != nil {
		return model.Session{}, err
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE interactions SET initial_option = $1, final_option = $2, option_change_count = $3,
		 option_change_history = $4, navigation_count = $5, response_time_seconds = $6,
		 inactivity_ms = $7, facial_samples = $8, submitted_answer = $9, is_correct = $10,
		 difficulty_after = $11, fingerprint = $12, submitted_at = $13
		 WHERE session_id = $14 AND question_id = $15 AND submitted_at IS NULL`,
		it.InitialOption, it.FinalOption, it.OptionChangeCount,
		string(changes), it.NavigationCount, it.ResponseTimeSeconds,
		it.InactivityMS, string(samples), it.SubmittedAnswer, it.IsCorrect,
		it.DifficultyAfter, it.Fingerprint, nullMillis(it.SubmittedAt),
		it.SessionID, it.QuestionID)
	if err != nil {
		return model.Session{}, fmt.Errorf("update interaction: %w", err)
	}
	if err := expectOne(res); err != nil {
		return model.Session{}, err
	}

	snap := c.Snapshot
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO engagement_snapshots (session_id, sequence, question_id, score, level, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.SessionID, snap.Sequence, snap.QuestionID, snap.Score, string(snap.Level), string(payload), millis(snap.CreatedAt),
	); err != nil {
		return model.Session{}, fmt.Errorf("insert snapshot: %w", err)
	}

	a := c.Adaptation
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO adaptations (session_id, sequence, question_id, branch, modifiers, old_difficulty,
		 new_difficulty, delta, engagement_score, rationale, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.SessionID, a.Sequence, a.QuestionID, a.Branch, string(modifiers), a.OldDifficulty,
		a.NewDifficulty, a.Delta, a.EngagementScore, a.Rationale, millis(a.CreatedAt),
	); err != nil {
		return model.Session{}, fmt.Errorf("insert adaptation: %w", err)
	}

	if c.Calibration != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE students SET calibration = $1, last_activity = $2 WHERE id = $3`,
			*c.Calibration, millis(nowFunc()), sess.StudentID,
		); err != nil {
			return model.Session{}, fmt.Errorf("update calibration: %w", err)
		}
	} else if _, err := tx.ExecContext(ctx,
		`UPDATE students SET last_activity = $1 WHERE id = $2`, millis(nowFunc()), sess.StudentID,
	); err != nil {
		return model.Session{}, fmt.Errorf("touch student: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Session{}, fmt.Errorf("commit response: %w", err)
	}
	sess.Version++
	return sess, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
