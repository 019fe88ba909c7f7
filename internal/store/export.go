package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/assessor/internal/model"
)

// SessionReports builds the admin listing: every session with its student and
// statistics, newest first. ttl decides which active sessions count as closed.
func (s *Store) SessionReports(ctx context.Context, ttl time.Duration) ([]model.SessionReport, error) {
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	students := make(map[string]model.Student)
	now := nowFunc()
	reports := make([]model.SessionReport, 0, len(sessions))
	for _, sess := range sessions {
		st, ok := students[sess.StudentID]
		if !ok {
			st, err = s.GetStudent(ctx, sess.StudentID)
			if err != nil {
				return nil, fmt.Errorf("get student %s: %w", sess.StudentID, err)
			}
			students[sess.StudentID] = st
		}

		records, err := s.ListInteractions(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("list interactions of %s: %w", sess.ID, err)
		}

		reports = append(reports, model.SessionReport{
			SessionID:         sess.ID,
			StudentEmail:      st.Email,
			StudentName:       st.Name,
			Subject:           sess.Subject,
			Status:            sess.Status,
			Closed:            sess.Closed(now, ttl),
			CreatedAt:         sess.CreatedAt,
			CompletedAt:       sess.CompletedAt,
			CurrentDifficulty: sess.CurrentDifficulty,
			Statistics:        model.ComputeStats(records),
		})
	}
	return reports, nil
}
