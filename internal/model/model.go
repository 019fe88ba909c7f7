package model

import (
	"context"
	"time"
)

// Student is a test taker. Students are created on first login and never deleted.
type Student struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	Calibration  *float64   `json:"calibration,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

type studentCtxKey struct{}

// ContextWithStudent stores the authenticated student ID in the request context.
func ContextWithStudent(ctx context.Context, studentID string) context.Context {
	return context.WithValue(ctx, studentCtxKey{}, studentID)
}

// StudentFromContext retrieves the authenticated student ID from context, or "".
func StudentFromContext(ctx context.Context) string {
	id, _ := ctx.Value(studentCtxKey{}).(string)
	return id
}

// SessionStatus represents the status of a test session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Session is one student's adaptive test run over a single subject.
type Session struct {
	ID                 string        `json:"id"`
	StudentID          string        `json:"student_id"`
	Subject            string        `json:"subject"`
	TotalQuestions     int           `json:"total_questions"`
	CurrentDifficulty  float64       `json:"current_difficulty"`
	Status             SessionStatus `json:"status"`
	QuestionsCompleted int           `json:"questions_completed"`
	CorrectAnswers     int           `json:"correct_answers"`
	Version            int64         `json:"version"`
	CreatedAt          time.Time     `json:"created_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	ClosedAt           *time.Time    `json:"closed_at,omitempty"`
}

// ScorePercentage is the share of correct answers over the session target.
func (s Session) ScorePercentage() float64 {
	if s.TotalQuestions == 0 {
		return 0
	}
	return float64(s.CorrectAnswers) / float64(s.TotalQuestions) * 100
}

// Closed reports whether the session was ended explicitly or has outlived ttl.
func (s Session) Closed(now time.Time, ttl time.Duration) bool {
	if s.ClosedAt != nil {
		return true
	}
	return s.Status == StatusActive && ttl > 0 && now.After(s.CreatedAt.Add(ttl))
}

// Option is one answer choice. Display order is the slice order.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Question is an item in the question bank.
type Question struct {
	ID            string   `json:"id"`
	Subject       string   `json:"subject"`
	Topic         string   `json:"topic"`
	Text          string   `json:"text"`
	Options       []Option `json:"options"`
	CorrectOption string   `json:"correct_option"`
	Difficulty    float64  `json:"difficulty"`
	Hints         []string `json:"hints"`
	Explanation   string   `json:"explanation"`
}

// DifficultyLabel buckets a difficulty value for display.
func DifficultyLabel(d float64) string {
	switch {
	case d < 0.35:
		return "easy"
	case d < 0.65:
		return "medium"
	default:
		return "hard"
	}
}

// QuestionView is the student-facing projection of a question: no answer key,
// no explanation, no hint text.
type QuestionView struct {
	ID              string   `json:"question_id"`
	Text            string   `json:"question_text"`
	Topic           string   `json:"topic"`
	Options         []Option `json:"options"`
	Difficulty      float64  `json:"difficulty"`
	DifficultyLabel string   `json:"difficulty_label"`
	HintsAvailable  int      `json:"hints_available"`
	Sequence        int      `json:"sequence"`
}

// View builds the student-facing projection for the given issue sequence.
func (q Question) View(sequence int) QuestionView {
	return QuestionView{
		ID:              q.ID,
		Text:            q.Text,
		Topic:           q.Topic,
		Options:         q.Options,
		Difficulty:      q.Difficulty,
		DifficultyLabel: DifficultyLabel(q.Difficulty),
		HintsAvailable:  len(q.Hints),
		Sequence:        sequence,
	}
}

// QuestionImport is used for loading questions from JSON.
type QuestionImport struct {
	ID            string   `json:"id"`
	Subject       string   `json:"subject"`
	Topic         string   `json:"topic"`
	Text          string   `json:"text"`
	Options       []Option `json:"options"`
	CorrectOption string   `json:"correct_option"`
	Difficulty    float64  `json:"difficulty"`
	Hints         []string `json:"hints"`
	Explanation   string   `json:"explanation"`
}

// OptionChange records the student switching from one option to another.
type OptionChange struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// HintUse records a hint shown to the student.
type HintUse struct {
	Text      string    `json:"hint_text"`
	Generated bool      `json:"generated,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FacialSample is one classification from the client-side emotion model.
// Attention is optional; not every client reports it.
type FacialSample struct {
	Emotion    string    `json:"emotion"`
	Confidence float64   `json:"confidence"`
	Attention  *float64  `json:"attention,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Interaction is the per-question record inside a session. It is created when
// the question is issued and frozen once SubmittedAt is set.
type Interaction struct {
	SessionID           string         `json:"session_id"`
	QuestionID          string         `json:"question_id"`
	Sequence            int            `json:"sequence"`
	IssuedAt            time.Time      `json:"issued_at"`
	InitialOption       string         `json:"initial_option"`
	FinalOption         string         `json:"final_option"`
	OptionChangeCount   int            `json:"option_change_count"`
	OptionChangeHistory []OptionChange `json:"option_change_history"`
	NavigationCount     int            `json:"navigation_count"`
	HintsRequested      int            `json:"hints_requested"`
	HintUsage           []HintUse      `json:"hint_usage"`
	ResponseTimeSeconds float64        `json:"response_time_seconds"`
	InactivityMS        int64          `json:"inactivity_duration_ms"`
	FacialSamples       []FacialSample `json:"facial_samples"`
	SubmittedAnswer     string         `json:"submitted_answer"`
	IsCorrect           bool           `json:"is_correct"`
	DifficultyBefore    float64        `json:"difficulty_before"`
	DifficultyAfter     float64        `json:"difficulty_after"`
	Fingerprint         string         `json:"-"`
	SubmittedAt         *time.Time     `json:"submitted_at,omitempty"`
}

// Submitted reports whether the interaction has been graded.
func (i Interaction) Submitted() bool {
	return i.SubmittedAt != nil
}

// Submission is the client payload for one answered question.
type Submission struct {
	QuestionID          string         `json:"question_id"`
	Answer              string         `json:"student_answer"`
	ResponseTimeSeconds float64        `json:"response_time_seconds"`
	IdempotencyKey      string         `json:"idempotency_key,omitempty"`
	InitialOption       string         `json:"initial_option,omitempty"`
	FinalOption         string         `json:"final_option,omitempty"`
	OptionChangeCount   int            `json:"option_change_count,omitempty"`
	OptionChangeHistory []OptionChange `json:"option_change_history,omitempty"`
	NavigationCount     int            `json:"navigation_frequency,omitempty"`
	InactivityMS        int64          `json:"inactivity_duration_ms,omitempty"`
	FacialSamples       []FacialSample `json:"facial_samples,omitempty"`
}

// EngagementLevel is the qualitative bucket of an engagement score.
type EngagementLevel string

const (
	EngagementLow      EngagementLevel = "low"
	EngagementModerate EngagementLevel = "moderate"
	EngagementHigh     EngagementLevel = "high"
)

// BehavioralIndicators are the observable interaction signals of one response.
type BehavioralIndicators struct {
	ResponseTimeSeconds float64 `json:"response_time_seconds"`
	HintsUsed           int     `json:"hints_used"`
	NavigationFrequency int     `json:"navigation_frequency"`
	Attempts            int     `json:"attempts"`
}

// CognitiveIndicators summarize recent performance.
type CognitiveIndicators struct {
	Accuracy          float64 `json:"accuracy"`
	Progress          float64 `json:"progress"`
	QuestionsAnswered int     `json:"questions_answered"`
	// KnowledgeGaps are the session's topics with at least one miss, most
	// misses first.
	KnowledgeGaps []string `json:"knowledge_gaps"`
}

// AffectiveIndicators are bucketed emotional-state estimates.
type AffectiveIndicators struct {
	FrustrationLevel string `json:"frustration_level"`
	InterestLevel    string `json:"interest_level"`
	ConfidenceLevel  string `json:"confidence_level"`
}

// ComponentScores are the per-modality scores before fusion.
type ComponentScores struct {
	Behavioral float64 `json:"behavioral"`
	Cognitive  float64 `json:"cognitive"`
	Affective  float64 `json:"affective"`
}

// EngagementSnapshot is the fused engagement state after one response.
type EngagementSnapshot struct {
	SessionID          string               `json:"session_id"`
	QuestionID         string               `json:"question_id"`
	Sequence           int                  `json:"sequence"`
	Score              float64              `json:"score"`
	Level              EngagementLevel      `json:"level"`
	Behavioral         BehavioralIndicators `json:"behavioral"`
	Cognitive          CognitiveIndicators  `json:"cognitive"`
	Affective          AffectiveIndicators  `json:"affective"`
	Components         ComponentScores      `json:"components"`
	AffectiveAvailable bool                 `json:"affective_available"`
	Confidence         float64              `json:"confidence"`
	PrimaryDriver      string               `json:"primary_driver"`
	SecondaryDriver    string               `json:"secondary_driver,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
}

// Adaptation is the logged outcome of one difficulty update.
type Adaptation struct {
	SessionID       string    `json:"session_id"`
	QuestionID      string    `json:"question_id"`
	Sequence        int       `json:"sequence"`
	Branch          string    `json:"branch"`
	Modifiers       []string  `json:"modifiers"`
	OldDifficulty   float64   `json:"old_difficulty"`
	NewDifficulty   float64   `json:"new_difficulty"`
	Delta           float64   `json:"delta"`
	EngagementScore float64   `json:"engagement_score"`
	Rationale       string    `json:"rationale"`
	CreatedAt       time.Time `json:"created_at"`
}

// SessionStats aggregates a session's interaction records.
type SessionStats struct {
	Answered            int     `json:"total_questions_answered"`
	Correct             int     `json:"correct_answers"`
	Incorrect           int     `json:"incorrect_answers"`
	ScorePercentage     float64 `json:"final_score_percentage"`
	HintsUsed           int     `json:"total_hints_used"`
	AverageResponseTime float64 `json:"average_response_time"`
	TotalAttempts       int     `json:"total_attempts"`
}

// ComputeStats aggregates the submitted records of a session timeline.
func ComputeStats(records []Interaction) SessionStats {
	var st SessionStats
	var totalTime float64
	for _, r := range records {
		if !r.Submitted() {
			continue
		}
		st.Answered++
		if r.IsCorrect {
			st.Correct++
		}
		st.HintsUsed += r.HintsRequested
		st.TotalAttempts += r.OptionChangeCount + 1
		totalTime += r.ResponseTimeSeconds
	}
	st.Incorrect = st.Answered - st.Correct
	if st.Answered > 0 {
		st.ScorePercentage = float64(st.Correct) / float64(st.Answered) * 100
		st.AverageResponseTime = totalTime / float64(st.Answered)
	}
	return st
}

// SessionSummary is the read-only view of a session.
type SessionSummary struct {
	Session    Session      `json:"session"`
	Closed     bool         `json:"closed"`
	Statistics SessionStats `json:"statistics"`
}

// StudentSummary aggregates a student's activity across all sessions.
type StudentSummary struct {
	StudentID             string     `json:"student_id"`
	TotalSessions         int        `json:"total_sessions"`
	CompletedSessions     int        `json:"completed_sessions"`
	QuestionsAnswered     int        `json:"total_questions_answered"`
	CorrectAnswers        int        `json:"correct_answers"`
	OverallAccuracy       float64    `json:"overall_accuracy"`
	AverageSessionScore   float64    `json:"average_session_score"`
	TotalStudyTimeSeconds float64    `json:"total_study_time_seconds"`
	Calibration           *float64   `json:"calibration,omitempty"`
	LastActivity          *time.Time `json:"last_activity,omitempty"`
}
