package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/assessor/internal/auth"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/session"
	"github.com/pavelanni/assessor/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	sessions *session.Manager
	tokens   *auth.Service
	admin    *auth.Admin
}

// New creates a new Handler.
func New(s *store.Store, m *session.Manager, tokens *auth.Service, admin *auth.Admin) *Handler {
	return &Handler{store: s, sessions: m, tokens: tokens, admin: admin}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/students", h.handleCreateStudent)

		r.Group(func(r chi.Router) {
			r.Use(h.requireStudent)
			r.Get("/students/me/summary", h.handleStudentSummary)
			r.Post("/sessions", h.handleStartSession)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Use(h.requireSessionOwner)
				r.Get("/", h.handleSummary)
				r.Get("/next", h.handleNext)
				r.Get("/questions/{questionID}", h.handleRevisit)
				r.Get("/questions/{questionID}/hint", h.handleHint)
				r.Post("/responses", h.handleSubmit)
				r.Get("/engagement", h.handleEngagement)
				r.Get("/timeline", h.handleTimeline)
				r.Post("/end", h.handleEnd)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/questions", h.handleUploadQuestions)
			r.Get("/sessions", h.handleListSessions)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startSessionRequest struct {
	StudentID         string   `json:"student_id"`
	Subject           string   `json:"subject"`
	NumQuestions      int      `json:"num_questions"`
	InitialDifficulty *float64 `json:"initial_difficulty"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	studentID := model.StudentFromContext(r.Context())
	if req.StudentID != "" && req.StudentID != studentID {
		writeError(w, r, model.Errorf(model.CodeForbidden, "student_id does not match the token"))
		return
	}

	sess, err := h.sessions.StartSession(r.Context(), studentID, req.Subject, req.NumQuestions, req.InitialDifficulty)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sessions.Summary(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleStudentSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sessions.StudentSummary(r.Context(), model.StudentFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

type completedResponse struct {
	Status         string  `json:"status"`
	FinalScore     float64 `json:"final_score"`
	CorrectAnswers int     `json:"correct_answers"`
	TotalQuestions int     `json:"total_questions"`
	Message        string  `json:"message"`
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	next, err := h.sessions.NextQuestion(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if next.Completed {
		score := next.Session.ScorePercentage()
		writeJSON(w, http.StatusOK, completedResponse{
			Status:         string(model.StatusCompleted),
			FinalScore:     score,
			CorrectAnswers: next.Session.CorrectAnswers,
			TotalQuestions: next.Session.TotalQuestions,
			Message:        appI18n.Td(r.Context(), "SessionCompleted", map[string]any{"Score": math.Round(score*10) / 10}),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              next.Session.Status,
		"question":            next.Question,
		"current_difficulty":  next.Session.CurrentDifficulty,
		"questions_completed": next.Session.QuestionsCompleted,
		"total_questions":     next.Session.TotalQuestions,
	})
}

func (h *Handler) handleRevisit(w http.ResponseWriter, r *http.Request) {
	view, it, err := h.sessions.RevisitQuestion(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "questionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"question": view, "interaction": it})
}

type hintResponse struct {
	session.Hint
	Message string `json:"message"`
}

func (h *Handler) handleHint(w http.ResponseWriter, r *http.Request) {
	hint, err := h.sessions.RequestHint(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "questionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hintResponse{
		Hint:    hint,
		Message: appI18n.Tp(r.Context(), "HintsRemaining", max(hint.Total-hint.Number, 0)),
	})
}

type submitResponse struct {
	QuestionID        string                `json:"question_id"`
	IsCorrect         bool                  `json:"is_correct"`
	CorrectAnswer     string                `json:"correct_answer"`
	Explanation       string                `json:"explanation"`
	CurrentDifficulty float64               `json:"current_difficulty"`
	DifficultyDelta   float64               `json:"difficulty_delta"`
	Rationale         string                `json:"rationale"`
	EngagementScore   float64               `json:"engagement_score"`
	EngagementLevel   model.EngagementLevel `json:"engagement_level"`
	CurrentScore      float64               `json:"current_score"`
	CorrectCount      int                   `json:"correct_count"`
	TotalAnswered     int                   `json:"total_answered"`
	Status            model.SessionStatus   `json:"status"`
	Replayed          bool                  `json:"replayed"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub model.Submission
	if err := decodeJSON(w, r, &sub); err != nil {
		writeError(w, r, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && sub.IdempotencyKey == "" {
		sub.IdempotencyKey = key
	}

	res, err := h.sessions.RecordResponse(r.Context(), chi.URLParam(r, "sessionID"), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		QuestionID:        res.QuestionID,
		IsCorrect:         res.IsCorrect,
		CorrectAnswer:     res.CorrectAnswer,
		Explanation:       res.Explanation,
		CurrentDifficulty: res.Session.CurrentDifficulty,
		DifficultyDelta:   res.Decision.Delta,
		Rationale:         appI18n.Rationale(r.Context(), res.Decision.Branch, res.Decision.Modifiers),
		EngagementScore:   res.Engagement.Score,
		EngagementLevel:   res.Engagement.Level,
		CurrentScore:      res.Session.ScorePercentage(),
		CorrectCount:      res.Session.CorrectAnswers,
		TotalAnswered:     res.Session.QuestionsCompleted,
		Status:            res.Session.Status,
		Replayed:          res.Replayed,
	})
}

func (h *Handler) handleEngagement(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessions.Engagement(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := h.sessions.Timeline(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.EndSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &model.Error{Code: model.CodeInvalidRequest, Message: "invalid JSON body", Err: err}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

var statusByCode = map[model.ErrorCode]int{
	model.CodeInvalidStudent:         http.StatusNotFound,
	model.CodeInvalidSubject:         http.StatusBadRequest,
	model.CodeSessionNotActive:       http.StatusConflict,
	model.CodeSessionClosed:          http.StatusGone,
	model.CodeDuplicateQuestion:      http.StatusConflict,
	model.CodeInvalidOption:          http.StatusUnprocessableEntity,
	model.CodeConcurrentModification: http.StatusConflict,
	model.CodeQuestionBankExhausted:  http.StatusConflict,
	model.CodeNotFound:               http.StatusNotFound,
	model.CodeInvalidRequest:         http.StatusBadRequest,
	model.CodeNameMismatch:           http.StatusForbidden,
	model.CodeHintsExhausted:         http.StatusConflict,
	model.CodeUnauthorized:           http.StatusUnauthorized,
	model.CodeForbidden:              http.StatusForbidden,
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// writeError maps domain errors to their fixed status. Anything else is
// logged and reported as an internal error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	code := model.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Code:    "Internal",
			Message: appI18n.ErrorMessage(ctx, "Internal"),
		}})
		return
	}

	detail := ""
	var e *model.Error
	if errors.As(err, &e) {
		detail = e.Message
	}
	slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "detail", detail)
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    string(code),
		Message: appI18n.ErrorMessage(ctx, string(code)),
		Detail:  detail,
	}})
}
