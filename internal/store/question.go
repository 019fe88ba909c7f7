package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/model"
)

const questionColumns = `id, subject, topic, text, options, correct_option, difficulty, hints, explanation`

// InsertQuestion stores a question. Questions are immutable once stored: an
// existing id is left untouched and inserted is false. An empty id gets a
// fresh UUID.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (id string, inserted bool, err error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	options, err := json.Marshal(q.Options)
	if err != nil {
		return "", false, err
	}
	hints := q.Hints
	if hints == nil {
		hints = []string{}
	}
	hintsJSON, err := json.Marshal(hints)
	if err != nil {
		return "", false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO questions (`+questionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		q.ID, q.Subject, q.Topic, q.Text, string(options), q.CorrectOption, q.Difficulty, string(hintsJSON), q.Explanation,
	)
	if err != nil {
		return "", false, fmt.Errorf("insert question %s: %w", q.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	return q.ID, n == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row scanner) (model.Question, error) {
	var q model.Question
	var options, hints string
	if err := row.Scan(&q.ID, &q.Subject, &q.Topic, &q.Text, &options, &q.CorrectOption, &q.Difficulty, &hints, &q.Explanation); err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
		return q, fmt.Errorf("decode options of %s: %w", q.ID, err)
	}
	if err := json.Unmarshal([]byte(hints), &q.Hints); err != nil {
		return q, fmt.Errorf("decode hints of %s: %w", q.ID, err)
	}
	return q, nil
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = $1`, id))
	if err != nil {
		return q, notFound(err, "question "+id)
	}
	return q, nil
}

// ListQuestionsBySubject returns the subject's bank ordered by id.
func (s *Store) ListQuestionsBySubject(ctx context.Context, subject string) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE subject = $1 ORDER BY id`, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// CountBySubject returns the bank size of one subject.
func (s *Store) CountBySubject(ctx context.Context, subject string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE subject = $1`, subject).Scan(&count)
	return count, err
}

// ListSubjects returns the distinct subjects present in the bank.
func (s *Store) ListSubjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT subject FROM questions ORDER BY subject`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subjects []string
	for rows.Next() {
		var subj string
		if err := rows.Scan(&subj); err != nil {
			return nil, err
		}
		subjects = append(subjects, subj)
	}
	return subjects, rows.Err()
}
