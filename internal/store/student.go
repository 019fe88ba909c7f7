package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/model"
)

const studentColumns = `id, email, name, calibration, created_at, last_activity`

// CreateStudent inserts a new student. Emails are stored lowercased.
func (s *Store) CreateStudent(ctx context.Context, email, name string) (model.Student, error) {
	now := nowFunc().UTC().Truncate(timeUnit)
	st := model.Student{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(email),
		Name:         strings.TrimSpace(name),
		CreatedAt:    now,
		LastActivity: &now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO students (id, email, name, created_at, last_activity) VALUES ($1, $2, $3, $4, $5)`,
		st.ID, st.Email, st.Name, millis(now), millis(now),
	)
	if err != nil {
		slog.Error("failed to create student", "email", st.Email, "error", err)
		return model.Student{}, fmt.Errorf("create student: %w", err)
	}
	slog.Info("created student", "id", st.ID, "email", st.Email)
	return st, nil
}

func scanStudent(row scanner) (model.Student, error) {
	var st model.Student
	var calibration sql.NullFloat64
	var created int64
	var last sql.NullInt64
	if err := row.Scan(&st.ID, &st.Email, &st.Name, &calibration, &created, &last); err != nil {
		return st, err
	}
	if calibration.Valid {
		c := calibration.Float64
		st.Calibration = &c
	}
	st.CreatedAt = fromMillis(created)
	st.LastActivity = fromNullMillis(last)
	return st, nil
}

// GetStudentByEmail returns a student by email, or nil if none exists.
func (s *Store) GetStudentByEmail(ctx context.Context, email string) (*model.Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE email = $1`, normalizeEmail(email)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStudent returns a student by ID.
func (s *Store) GetStudent(ctx context.Context, id string) (model.Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE id = $1`, id))
	if err != nil {
		return st, notFound(err, "student "+id)
	}
	return st, nil
}

// TouchStudent records activity for a student.
func (s *Store) TouchStudent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE students SET last_activity = $1 WHERE id = $2`, millis(nowFunc()), id)
	return err
}

// StudentResponseTimes returns up to limit of the student's most recent
// response times, across all sessions.
func (s *Store) StudentResponseTimes(ctx context.Context, studentID string, limit int) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT response_time_seconds FROM interactions
		 WHERE student_id = $1 AND submitted_at IS NOT NULL
		 ORDER BY submitted_at DESC LIMIT $2`, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var times []float64
	for rows.Next() {
		var rt float64
		if err := rows.Scan(&rt); err != nil {
			return nil, err
		}
		times = append(times, rt)
	}
	return times, rows.Err()
}

// StudentStudyTime sums the response times of every answer the student gave.
func (s *Store) StudentStudyTime(ctx context.Context, studentID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(response_time_seconds), 0) FROM interactions
		 WHERE student_id = $1 AND submitted_at IS NOT NULL`, studentID).Scan(&total)
	return total, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
