package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/assessor/internal/model"
)

type createStudentRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// handleCreateStudent registers a student on first use and logs them in.
func (h *Handler) handleCreateStudent(w http.ResponseWriter, r *http.Request) {
	var req createStudentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	st, err := h.sessions.Login(r.Context(), req.Email, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := h.tokens.IssueJWT(st.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"student": st, "token": token})
}

// requireStudent is middleware that checks for a valid bearer token.
func (h *Handler) requireStudent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, r, model.Errorf(model.CodeUnauthorized, "bearer token required"))
			return
		}

		claims, err := h.tokens.Parse(strings.TrimSpace(raw))
		if err != nil {
			slog.Debug("rejected token", "error", err)
			writeError(w, r, model.Errorf(model.CodeUnauthorized, "invalid token"))
			return
		}

		ctx := model.ContextWithStudent(r.Context(), claims.Sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireSessionOwner rejects access to sessions of other students.
func (h *Handler) requireSessionOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		studentID := model.StudentFromContext(r.Context())
		if _, err := h.sessions.Authorize(r.Context(), chi.URLParam(r, "sessionID"), studentID); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin checks HTTP basic credentials against the configured admin.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !h.admin.Check(user, password) {
			if ok {
				slog.Warn("admin login failed", "user", user)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="assessor admin"`)
			writeError(w, r, model.Errorf(model.CodeUnauthorized, "admin credentials required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
