package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/model"
)

const sessionColumns = `id, student_id, subject, total_questions, current_difficulty, status,
	questions_completed, correct_answers, version, created_at, completed_at, closed_at`

// CreateSession inserts an active session with a fresh id.
func (s *Store) CreateSession(ctx context.Context, studentID, subject string, total int, difficulty float64) (model.Session, error) {
	now := nowFunc().UTC().Truncate(timeUnit)
	sess := model.Session{
		ID:                uuid.NewString(),
		StudentID:         studentID,
		Subject:           subject,
		TotalQuestions:    total,
		CurrentDifficulty: difficulty,
		Status:            model.StatusActive,
		CreatedAt:         now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, student_id, subject, total_questions, current_difficulty, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.StudentID, sess.Subject, sess.TotalQuestions, sess.CurrentDifficulty, string(sess.Status), millis(now),
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func scanSession(row scanner) (model.Session, error) {
	var sess model.Session
	var status string
	var created int64
	var completed, closed sql.NullInt64
	err := row.Scan(&sess.ID, &sess.StudentID, &sess.Subject, &sess.TotalQuestions, &sess.CurrentDifficulty, &status,
		&sess.QuestionsCompleted, &sess.CorrectAnswers, &sess.Version, &created, &completed, &closed)
	if err != nil {
		return sess, err
	}
	sess.Status = model.SessionStatus(status)
	sess.CreatedAt = fromMillis(created)
	sess.CompletedAt = fromNullMillis(completed)
	sess.ClosedAt = fromNullMillis(closed)
	return sess, nil
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return sess, notFound(err, "session "+id)
	}
	return sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// StudentSessions returns the student's sessions, oldest first.
func (s *Store) StudentSessions(ctx context.Context, studentID string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE student_id = $1 ORDER BY created_at, id`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CloseSession marks the session closed if its version still matches.
func (s *Store) CloseSession(ctx context.Context, id string, version int64, at time.Time) (model.Session, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = $1, version = version + 1
		 WHERE id = $2 AND version = $3 AND closed_at IS NULL`,
		millis(at), id, version,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("close session: %w", err)
	}
	if err := expectOne(res); err != nil {
		return model.Session{}, err
	}
	return s.GetSession(ctx, id)
}

// expectOne turns a zero-row update into ErrConcurrentModification.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &model.Error{Code: model.CodeConcurrentModification, Message: "session changed concurrently"}
	}
	return nil
}
