// Package session owns the test-session lifecycle: starting sessions, issuing
// questions, grading responses and closing sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/pavelanni/assessor/internal/engagement"
	"github.com/pavelanni/assessor/internal/lock"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/policy"
	"github.com/pavelanni/assessor/internal/selector"
	"github.com/pavelanni/assessor/internal/store"
)

// HintGenerator produces an extra hint once the authored ones run out.
type HintGenerator interface {
	GenerateHint(ctx context.Context, q model.Question, previous []string) (string, error)
}

// Config holds session-level settings and the tuning of the algorithms.
type Config struct {
	MaxQuestions      int
	SessionTTL        time.Duration
	Subjects          []string
	PaceHistory       int
	MaxGeneratedHints int
	DefaultDifficulty float64

	Policy     policy.Config
	Engagement engagement.Config
	Selector   selector.Config
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MaxQuestions:      50,
		SessionTTL:        24 * time.Hour,
		PaceHistory:       50,
		MaxGeneratedHints: 2,
		DefaultDifficulty: 0.5,
		Policy:            policy.DefaultConfig(),
		Engagement:        engagement.DefaultConfig(),
		Selector:          selector.DefaultConfig(),
	}
}

// Manager runs sessions against a store.
type Manager struct {
	store    *store.Store
	locker   lock.Locker
	hints    HintGenerator
	cfg      Config
	policy   *policy.Policy
	scorer   *engagement.Scorer
	selector *selector.Selector
	now      func() time.Time
}

// New returns a Manager. hints may be nil.
func New(st *store.Store, locker lock.Locker, hints HintGenerator, cfg Config) *Manager {
	if locker == nil {
		locker = lock.NewMemory()
	}
	return &Manager{
		store:    st,
		locker:   locker,
		hints:    hints,
		cfg:      cfg,
		policy:   policy.New(cfg.Policy),
		scorer:   engagement.New(cfg.Engagement),
		selector: selector.New(cfg.Selector),
		now:      time.Now,
	}
}

// Login returns the student with the given email, creating it on first use.
// An existing email with a different name is rejected with NameMismatch.
func (m *Manager) Login(ctx context.Context, email, name string) (model.Student, error) {
	email = strings.TrimSpace(email)
	name = strings.TrimSpace(name)
	if email == "" || !strings.Contains(email, "@") || name == "" {
		return model.Student{}, model.Errorf(model.CodeInvalidRequest, "email and name are required")
	}
	existing, err := m.store.GetStudentByEmail(ctx, email)
	if err != nil {
		return model.Student{}, fmt.Errorf("get student: %w", err)
	}
	if existing != nil {
		if !strings.EqualFold(existing.Name, name) {
			return model.Student{}, model.Errorf(model.CodeNameMismatch, "email is registered under another name")
		}
		if err := m.store.TouchStudent(ctx, existing.ID); err != nil {
			return model.Student{}, fmt.Errorf("touch student: %w", err)
		}
		return *existing, nil
	}
	return m.store.CreateStudent(ctx, email, name)
}

// Student returns a student by id.
func (m *Manager) Student(ctx context.Context, id string) (model.Student, error) {
	return m.store.GetStudent(ctx, id)
}

// StudentSummary aggregates the student's sessions. Accuracy is over answered
// questions; the average score is over sessions with at least one answer.
func (m *Manager) StudentSummary(ctx context.Context, studentID string) (model.StudentSummary, error) {
	st, err := m.store.GetStudent(ctx, studentID)
	if err != nil {
		return model.StudentSummary{}, err
	}
	sessions, err := m.store.StudentSessions(ctx, st.ID)
	if err != nil {
		return model.StudentSummary{}, fmt.Errorf("student sessions: %w", err)
	}
	studyTime, err := m.store.StudentStudyTime(ctx, st.ID)
	if err != nil {
		return model.StudentSummary{}, fmt.Errorf("study time: %w", err)
	}

	summary := model.StudentSummary{
		StudentID:             st.ID,
		TotalSessions:         len(sessions),
		TotalStudyTimeSeconds: round2(studyTime),
		Calibration:           st.Calibration,
		LastActivity:          st.LastActivity,
	}
	var scoreSum float64
	var scored int
	for _, sess := range sessions {
		if sess.Status == model.StatusCompleted {
			summary.CompletedSessions++
		}
		summary.QuestionsAnswered += sess.QuestionsCompleted
		summary.CorrectAnswers += sess.CorrectAnswers
		if sess.QuestionsCompleted > 0 {
			scoreSum += sess.ScorePercentage()
			scored++
		}
	}
	if summary.QuestionsAnswered > 0 {
		summary.OverallAccuracy = round2(float64(summary.CorrectAnswers) / float64(summary.QuestionsAnswered) * 100)
	}
	if scored > 0 {
		summary.AverageSessionScore = round2(scoreSum / float64(scored))
	}
	return summary, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// StartSession creates an active session for the student.
func (m *Manager) StartSession(ctx context.Context, studentID, subject string, total int, initial *float64) (model.Session, error) {
	st, err := m.store.GetStudent(ctx, studentID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Session{}, model.Errorf(model.CodeInvalidStudent, "unknown student "+studentID)
	}
	if err != nil {
		return model.Session{}, err
	}

	subject = strings.TrimSpace(subject)
	allowed, err := m.Subjects(ctx)
	if err != nil {
		return model.Session{}, err
	}
	if !slices.Contains(allowed, subject) {
		return model.Session{}, model.Errorf(model.CodeInvalidSubject, "subject "+quote(subject)+" is not offered")
	}

	if total < 1 || total > m.cfg.MaxQuestions {
		return model.Session{}, model.Errorf(model.CodeInvalidRequest,
			fmt.Sprintf("num_questions must be between 1 and %d", m.cfg.MaxQuestions))
	}
	available, err := m.store.CountBySubject(ctx, subject)
	if err != nil {
		return model.Session{}, fmt.Errorf("count questions: %w", err)
	}
	if available < total {
		return model.Session{}, model.Errorf(model.CodeQuestionBankExhausted,
			fmt.Sprintf("subject %s has %d questions, %d requested", subject, available, total))
	}

	difficulty := m.cfg.DefaultDifficulty
	switch {
	case initial != nil:
		if math.IsNaN(*initial) || *initial < 0 || *initial > 1 {
			return model.Session{}, model.Errorf(model.CodeInvalidRequest, "initial_difficulty must be within [0, 1]")
		}
		difficulty = *initial
	case st.Calibration != nil:
		difficulty = *st.Calibration
	}
	difficulty = policy.Clamp(difficulty, m.cfg.Policy.Min, m.cfg.Policy.Max)

	sess, err := m.store.CreateSession(ctx, st.ID, subject, total, difficulty)
	if err != nil {
		return model.Session{}, err
	}
	slog.Info("session started", "session", sess.ID, "student", st.ID, "subject", subject,
		"questions", total, "difficulty", difficulty)
	return sess, nil
}

// Subjects returns the subjects a session may be started on: the configured
// whitelist, or every subject in the bank when none is configured.
func (m *Manager) Subjects(ctx context.Context) ([]string, error) {
	if len(m.cfg.Subjects) > 0 {
		return m.cfg.Subjects, nil
	}
	subjects, err := m.store.ListSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return subjects, nil
}

// Authorize loads the session and checks that it belongs to studentID.
func (m *Manager) Authorize(ctx context.Context, sessionID, studentID string) (model.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return sess, err
	}
	if sess.StudentID != studentID {
		return model.Session{}, model.Errorf(model.CodeForbidden, "session belongs to another student")
	}
	return sess, nil
}

// Next is the outcome of NextQuestion: either a question or completion.
type Next struct {
	Completed bool                `json:"completed"`
	Question  *model.QuestionView `json:"question,omitempty"`
	Session   model.Session       `json:"session"`
}

// issueAttempts bounds how often NextQuestion re-reads a session that moved
// on while a question was being selected.
const issueAttempts = 3

// NextQuestion returns the question the student should see now. An issued but
// unanswered question is returned again; otherwise a new one is selected and
// issued. A completed session, or one whose bank has nothing left to issue,
// yields Completed.
func (m *Manager) NextQuestion(ctx context.Context, sessionID string) (Next, error) {
	var err error
	for range issueAttempts {
		var next Next
		next, err = m.nextQuestion(ctx, sessionID)
		if model.CodeOf(err) != model.CodeConcurrentModification {
			return next, err
		}
		slog.Debug("session changed during issue, retrying", "session", sessionID)
	}
	return Next{}, err
}

func (m *Manager) nextQuestion(ctx context.Context, sessionID string) (Next, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Next{}, err
	}
	if sess.Status == model.StatusCompleted {
		return Next{Completed: true, Session: sess}, nil
	}
	if sess.Closed(m.now(), m.cfg.SessionTTL) {
		return Next{}, model.Errorf(model.CodeSessionClosed, "session "+sess.ID+" is closed")
	}

	if next, ok, err := m.openQuestion(ctx, sess); err != nil || ok {
		return next, err
	}

	records, err := m.store.ListInteractions(ctx, sess.ID)
	if err != nil {
		return Next{}, fmt.Errorf("list interactions: %w", err)
	}
	issued := make(map[string]bool, len(records))
	for _, r := range records {
		issued[r.QuestionID] = true
	}
	bank, err := m.store.ListQuestionsBySubject(ctx, sess.Subject)
	if err != nil {
		return Next{}, fmt.Errorf("list questions: %w", err)
	}
	lastUsed, err := m.store.LastUsedTimes(ctx, sess.StudentID, sess.Subject)
	if err != nil {
		return Next{}, fmt.Errorf("last used: %w", err)
	}

	q, band, ok := m.selector.Select(bank, issued, lastUsed, sess.CurrentDifficulty)
	if !ok {
		// Only reachable if the bank shrank below the session target after start.
		slog.Warn("question bank exhausted before session target", "session", sess.ID, "subject", sess.Subject,
			"issued", len(records), "total", sess.TotalQuestions)
		return Next{Completed: true, Session: sess}, nil
	}
	sequence := len(records) + 1
	if _, err := m.store.IssueQuestion(ctx, sess, q.ID, sequence, m.now()); err != nil {
		return Next{}, err
	}
	// A concurrent call may have won the slot; whatever is open now is the
	// answer. Nothing open means the session moved past the version read above.
	next, ok, err := m.openQuestion(ctx, sess)
	if err != nil {
		return Next{}, err
	}
	if !ok {
		return Next{}, model.Errorf(model.CodeConcurrentModification, "session changed while issuing a question")
	}
	slog.Debug("question issued", "session", sess.ID, "question", next.Question.ID,
		"sequence", next.Question.Sequence, "target", sess.CurrentDifficulty, "band", band)
	return next, nil
}

func (m *Manager) openQuestion(ctx context.Context, sess model.Session) (Next, bool, error) {
	open, err := m.store.GetOpenInteraction(ctx, sess.ID)
	if err != nil {
		return Next{}, false, fmt.Errorf("open interaction: %w", err)
	}
	if open == nil {
		return Next{}, false, nil
	}
	q, err := m.store.GetQuestion(ctx, open.QuestionID)
	if err != nil {
		return Next{}, false, err
	}
	view := q.View(open.Sequence)
	return Next{Question: &view, Session: sess}, true, nil
}

// RevisitQuestion returns an already issued question with its record. It
// never changes session progress.
func (m *Manager) RevisitQuestion(ctx context.Context, sessionID, questionID string) (model.QuestionView, model.Interaction, error) {
	it, err := m.store.GetInteraction(ctx, sessionID, questionID)
	if err != nil {
		return model.QuestionView{}, model.Interaction{}, err
	}
	q, err := m.store.GetQuestion(ctx, questionID)
	if err != nil {
		return model.QuestionView{}, model.Interaction{}, err
	}
	return q.View(it.Sequence), it, nil
}

// EndSession closes the session. Further responses fail with SessionClosed.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (model.Session, error) {
	release, err := m.acquire(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	defer release()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return sess, err
	}
	if sess.ClosedAt != nil {
		return sess, model.Errorf(model.CodeSessionClosed, "session "+sess.ID+" is already closed")
	}
	closed, err := m.store.CloseSession(ctx, sess.ID, sess.Version, m.now())
	if err != nil {
		return closed, err
	}
	slog.Info("session ended", "session", sess.ID, "completed", closed.QuestionsCompleted, "total", closed.TotalQuestions)
	return closed, nil
}

// Summary returns the session with aggregated statistics.
func (m *Manager) Summary(ctx context.Context, sessionID string) (model.SessionSummary, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.SessionSummary{}, err
	}
	records, err := m.store.ListInteractions(ctx, sessionID)
	if err != nil {
		return model.SessionSummary{}, fmt.Errorf("list interactions: %w", err)
	}
	return model.SessionSummary{
		Session:    sess,
		Closed:     sess.Closed(m.now(), m.cfg.SessionTTL),
		Statistics: model.ComputeStats(records),
	}, nil
}

// Timeline is the ordered interaction history of a session with its
// adaptation log.
type Timeline struct {
	Interactions []model.Interaction `json:"interactions"`
	Adaptations  []model.Adaptation  `json:"adaptations"`
}

// Timeline returns the session's records in issue order.
func (m *Manager) Timeline(ctx context.Context, sessionID string) (Timeline, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return Timeline{}, err
	}
	records, err := m.store.ListInteractions(ctx, sessionID)
	if err != nil {
		return Timeline{}, fmt.Errorf("list interactions: %w", err)
	}
	adaptations, err := m.Adaptations(ctx, sessionID)
	if err != nil {
		return Timeline{}, err
	}
	return Timeline{Interactions: nonNil(records), Adaptations: adaptations}, nil
}

// EngagementState is the latest snapshot plus the ordered history.
type EngagementState struct {
	Latest  *model.EngagementSnapshot  `json:"engagement_metrics"`
	History []model.EngagementSnapshot `json:"history"`
}

// Engagement returns the session's engagement history.
func (m *Manager) Engagement(ctx context.Context, sessionID string) (EngagementState, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return EngagementState{}, err
	}
	history, err := m.store.ListSnapshots(ctx, sessionID)
	if err != nil {
		return EngagementState{}, fmt.Errorf("list snapshots: %w", err)
	}
	state := EngagementState{History: nonNil(history)}
	if len(history) > 0 {
		state.Latest = &history[len(history)-1]
	}
	return state, nil
}

// Adaptations returns the session's adaptation log.
func (m *Manager) Adaptations(ctx context.Context, sessionID string) ([]model.Adaptation, error) {
	adaptations, err := m.store.ListAdaptations(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list adaptations: %w", err)
	}
	return nonNil(adaptations), nil
}

// Reports lists every session with statistics for administrators.
func (m *Manager) Reports(ctx context.Context) ([]model.SessionReport, error) {
	return m.store.SessionReports(ctx, m.cfg.SessionTTL)
}

// acquire takes the per-session mutation lock without waiting.
func (m *Manager) acquire(ctx context.Context, sessionID string) (func(), error) {
	release, ok, err := m.locker.TryLock(ctx, "session:"+sessionID)
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}
	if !ok {
		return nil, model.Errorf(model.CodeConcurrentModification, "another change to session "+sessionID+" is in progress")
	}
	return release, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func quote(s string) string {
	return `"` + s + `"`
}
