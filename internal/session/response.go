package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/pavelanni/assessor/internal/engagement"
	"github.com/pavelanni/assessor/internal/evaluator"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/policy"
	"github.com/pavelanni/assessor/internal/store"
)

// Result is the outcome of RecordResponse.
type Result struct {
	Session       model.Session            `json:"session"`
	QuestionID    string                   `json:"question_id"`
	IsCorrect     bool                     `json:"is_correct"`
	CorrectAnswer string                   `json:"correct_answer"`
	Explanation   string                   `json:"explanation"`
	Decision      policy.Decision          `json:"decision"`
	Engagement    model.EngagementSnapshot `json:"engagement"`
	// Replayed is true when an identical retry returned the stored result.
	Replayed bool `json:"replayed"`
}

// RecordResponse grades a submission, adapts the difficulty, scores engagement
// and persists everything in one transaction. An identical retry of an already
// graded submission returns the stored result without applying it again.
func (m *Manager) RecordResponse(ctx context.Context, sessionID string, sub model.Submission) (Result, error) {
	sub.QuestionID = strings.TrimSpace(sub.QuestionID)
	if sub.QuestionID == "" {
		return Result{}, model.Errorf(model.CodeInvalidRequest, "question_id is required")
	}
	if math.IsNaN(sub.ResponseTimeSeconds) || math.IsInf(sub.ResponseTimeSeconds, 0) || sub.ResponseTimeSeconds < 0 {
		return Result{}, model.Errorf(model.CodeInvalidRequest, "response_time_seconds must be a non-negative number")
	}

	release, err := m.acquire(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	it, err := m.store.GetInteraction(ctx, sessionID, sub.QuestionID)
	if err != nil {
		return Result{}, err
	}
	fp := Fingerprint(sub)
	if it.Submitted() {
		if it.Fingerprint == fp {
			return m.replay(ctx, sess, it)
		}
		return Result{}, model.Errorf(model.CodeDuplicateQuestion, "question "+it.QuestionID+" was already answered")
	}
	now := m.now()
	if sess.Closed(now, m.cfg.SessionTTL) {
		return Result{}, model.Errorf(model.CodeSessionClosed, "session "+sess.ID+" is closed")
	}
	if sess.Status != model.StatusActive {
		return Result{}, model.Errorf(model.CodeSessionNotActive, "session "+sess.ID+" is "+string(sess.Status))
	}

	q, err := m.store.GetQuestion(ctx, it.QuestionID)
	if err != nil {
		return Result{}, err
	}
	graded, err := evaluator.Evaluate(q, sub.Answer)
	if err != nil {
		return Result{}, err
	}

	prevEngagement := 0.5
	prev, err := m.store.LatestSnapshot(ctx, sess.ID)
	if err != nil {
		return Result{}, fmt.Errorf("latest snapshot: %w", err)
	}
	if prev != nil {
		prevEngagement = prev.Score
	}
	decision := m.policy.Adapt(sess.CurrentDifficulty, graded.IsCorrect, sub.ResponseTimeSeconds, prevEngagement)

	submittedAt := now.UTC()
	it.InitialOption = optionOr(q, sub.InitialOption, graded.Answer)
	it.FinalOption = optionOr(q, sub.FinalOption, graded.Answer)
	it.OptionChangeCount = max(sub.OptionChangeCount, len(sub.OptionChangeHistory))
	it.OptionChangeHistory = sub.OptionChangeHistory
	it.NavigationCount = max(sub.NavigationCount, 0)
	it.ResponseTimeSeconds = sub.ResponseTimeSeconds
	it.InactivityMS = max(sub.InactivityMS, 0)
	it.FacialSamples = sub.FacialSamples
	it.SubmittedAnswer = graded.Answer
	it.IsCorrect = graded.IsCorrect
	it.DifficultyBefore = sess.CurrentDifficulty
	it.DifficultyAfter = decision.NewDifficulty
	it.Fingerprint = fp
	it.SubmittedAt = &submittedAt

	records, err := m.store.ListInteractions(ctx, sess.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list interactions: %w", err)
	}
	var history []model.Interaction
	for _, r := range records {
		if r.Submitted() {
			history = append(history, r)
		}
	}
	paceHistory, err := m.store.StudentResponseTimes(ctx, sess.StudentID, m.cfg.PaceHistory)
	if err != nil {
		return Result{}, fmt.Errorf("response times: %w", err)
	}
	topics, err := m.store.SessionTopics(ctx, sess.ID)
	if err != nil {
		return Result{}, fmt.Errorf("session topics: %w", err)
	}
	snap := m.scorer.Score(engagement.Input{Current: it, History: history, ResponseTimes: paceHistory, Topics: topics})
	snap.CreatedAt = submittedAt

	next := sess
	next.CurrentDifficulty = decision.NewDifficulty
	next.QuestionsCompleted++
	if graded.IsCorrect {
		next.CorrectAnswers++
	}
	var calibration *float64
	if next.QuestionsCompleted >= next.TotalQuestions {
		next.Status = model.StatusCompleted
		next.CompletedAt = &submittedAt
		c := decision.NewDifficulty
		calibration = &c
	}

	updated, err := m.store.CommitResponse(ctx, store.ResponseCommit{
		Session:     next,
		Interaction: it,
		Snapshot:    snap,
		Adaptation: model.Adaptation{
			SessionID:       sess.ID,
			QuestionID:      it.QuestionID,
			Sequence:        it.Sequence,
			Branch:          decision.Branch,
			Modifiers:       decision.Modifiers,
			OldDifficulty:   sess.CurrentDifficulty,
			NewDifficulty:   decision.NewDifficulty,
			Delta:           decision.Delta,
			EngagementScore: prevEngagement,
			Rationale:       decision.Rationale,
			CreatedAt:       submittedAt,
		},
		Calibration: calibration,
	})
	if err != nil {
		return Result{}, err
	}

	slog.Info("response recorded", "session", sess.ID, "question", it.QuestionID, "correct", graded.IsCorrect,
		"difficulty", decision.NewDifficulty, "branch", decision.Branch, "engagement", snap.Score,
		"completed", updated.QuestionsCompleted, "total", updated.TotalQuestions)
	if updated.Status == model.StatusCompleted {
		slog.Info("session completed", "session", sess.ID, "score", updated.ScorePercentage())
	}

	return Result{
		Session:       updated,
		QuestionID:    it.QuestionID,
		IsCorrect:     graded.IsCorrect,
		CorrectAnswer: graded.CorrectAnswer,
		Explanation:   graded.Explanation,
		Decision:      decision,
		Engagement:    snap,
	}, nil
}

// replay rebuilds the stored result of an already graded interaction.
func (m *Manager) replay(ctx context.Context, sess model.Session, it model.Interaction) (Result, error) {
	q, err := m.store.GetQuestion(ctx, it.QuestionID)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Session:       sess,
		QuestionID:    it.QuestionID,
		IsCorrect:     it.IsCorrect,
		CorrectAnswer: q.CorrectOption,
		Explanation:   q.Explanation,
		Replayed:      true,
	}
	adaptations, err := m.store.ListAdaptations(ctx, sess.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list adaptations: %w", err)
	}
	for _, a := range adaptations {
		if a.Sequence == it.Sequence {
			res.Decision = policy.Decision{
				NewDifficulty: a.NewDifficulty,
				Delta:         a.Delta,
				Branch:        a.Branch,
				Pace:          m.policy.PaceOf(it.ResponseTimeSeconds),
				Modifiers:     nonNil(a.Modifiers),
				Rationale:     a.Rationale,
			}
		}
	}
	snaps, err := m.store.ListSnapshots(ctx, sess.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list snapshots: %w", err)
	}
	for _, s := range snaps {
		if s.Sequence == it.Sequence {
			res.Engagement = s
		}
	}
	slog.Debug("replayed response", "session", sess.ID, "question", it.QuestionID)
	return res, nil
}

// Fingerprint identifies a submission payload for idempotent retries.
func Fingerprint(sub model.Submission) string {
	h := sha256.New()
	for _, part := range []string{
		strings.TrimSpace(sub.QuestionID),
		strings.ToLower(strings.TrimSpace(sub.Answer)),
		strconv.FormatFloat(sub.ResponseTimeSeconds, 'f', 3, 64),
		sub.IdempotencyKey,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func optionOr(q model.Question, option, fallback string) string {
	if evaluator.ValidOption(q, option) {
		res, _ := evaluator.Evaluate(q, option)
		return res.Answer
	}
	return fallback
}

// Hint is one hint shown to the student.
type Hint struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"hint_text"`
	Number     int    `json:"hint_number"`
	Total      int    `json:"total_hints"`
	Generated  bool   `json:"generated"`
}

// RequestHint returns the next hint for an unanswered question and records
// its use. Authored hints come first; a configured generator supplies up to
// MaxGeneratedHints more.
func (m *Manager) RequestHint(ctx context.Context, sessionID, questionID string) (Hint, error) {
	release, err := m.acquire(ctx, sessionID)
	if err != nil {
		return Hint{}, err
	}
	defer release()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Hint{}, err
	}
	if sess.Closed(m.now(), m.cfg.SessionTTL) {
		return Hint{}, model.Errorf(model.CodeSessionClosed, "session "+sess.ID+" is closed")
	}
	if sess.Status != model.StatusActive {
		return Hint{}, model.Errorf(model.CodeSessionNotActive, "session "+sess.ID+" is "+string(sess.Status))
	}
	it, err := m.store.GetInteraction(ctx, sessionID, questionID)
	if err != nil {
		return Hint{}, err
	}
	if it.Submitted() {
		return Hint{}, model.Errorf(model.CodeDuplicateQuestion, "question "+questionID+" was already answered")
	}
	q, err := m.store.GetQuestion(ctx, questionID)
	if err != nil {
		return Hint{}, err
	}

	total := len(q.Hints)
	if m.hints != nil {
		total += m.cfg.MaxGeneratedHints
	}
	n := len(it.HintUsage)
	use := model.HintUse{Timestamp: m.now().UTC()}
	switch {
	case n < len(q.Hints):
		use.Text = q.Hints[n]
	case n < total:
		previous := make([]string, 0, n)
		for _, h := range it.HintUsage {
			previous = append(previous, h.Text)
		}
		text, err := m.hints.GenerateHint(ctx, q, previous)
		if err != nil {
			slog.Error("hint generation failed", "session", sessionID, "question", questionID, "error", err)
			return Hint{}, model.Errorf(model.CodeHintsExhausted, "no more hints available")
		}
		use.Text = text
		use.Generated = true
	default:
		return Hint{}, model.Errorf(model.CodeHintsExhausted, "no more hints available")
	}

	if _, err := m.store.AppendHint(ctx, sess, it, use); err != nil {
		return Hint{}, err
	}
	slog.Debug("hint shown", "session", sessionID, "question", questionID, "number", n+1, "generated", use.Generated)
	return Hint{
		QuestionID: questionID,
		Text:       use.Text,
		Number:     n + 1,
		Total:      total,
		Generated:  use.Generated,
	}, nil
}
