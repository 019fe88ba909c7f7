package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/assessor/internal/auth"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/lock"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/session"
	"github.com/pavelanni/assessor/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

type testServer struct {
	t      *testing.T
	router http.Handler
	store  *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	for i := range 12 {
		_, _, err := st.InsertQuestion(ctx, model.Question{
			ID:      fmt.Sprintf("alg-%02d", i+1),
			Subject: "algebra",
			Topic:   "arithmetic",
			Text:    fmt.Sprintf("Question %d", i+1),
			Options: []model.Option{
				{Key: "A", Text: "wrong"},
				{Key: "B", Text: "right"},
				{Key: "C", Text: "also wrong"},
			},
			CorrectOption: "B",
			Difficulty:    0.05 + 0.9*float64(i)/11,
			Hints:         []string{"first hint", "second hint"},
			Explanation:   "B is right.",
		})
		require.NoError(t, err)
	}

	tokens, err := auth.NewService("handler-test-secret-0123456789", time.Hour)
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword([]byte("admin-pw"), bcrypt.MinCost)
	require.NoError(t, err)

	m := session.New(st, lock.NewMemory(), nil, session.DefaultConfig())
	h := New(st, m, tokens, auth.NewAdmin("admin", string(hash)))

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)
	return &testServer{t: t, router: r, store: st}
}

type requestOpt func(*http.Request)

func bearer(token string) requestOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func acceptLanguage(lang string) requestOpt {
	return func(r *http.Request) { r.Header.Set("Accept-Language", lang) }
}

func (s *testServer) do(method, path string, body any, opts ...requestOpt) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "no error object in %s", rec.Body.String())
	return e["code"].(string)
}

func (s *testServer) login(email, name string) string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/students", map[string]string{"email": email, "name": name})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode(s.t, rec)["token"].(string)
}

func (s *testServer) start(token string, n int) string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/sessions", map[string]any{"subject": "algebra", "num_questions": n}, bearer(token))
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode(s.t, rec)["session"].(map[string]any)
	return sess["id"].(string)
}

func (s *testServer) next(token, sessionID string) map[string]any {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/api/sessions/"+sessionID+"/next", nil, bearer(token))
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode(s.t, rec)
}

func questionID(t *testing.T, next map[string]any) string {
	t.Helper()
	q, ok := next["question"].(map[string]any)
	require.True(t, ok, "no question in %v", next)
	return q["question_id"].(string)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestStudentLogin(t *testing.T) {
	s := newTestServer(t)
	token := s.login("ada@example.com", "Ada")
	assert.NotEmpty(t, token)

	// Same student again.
	again := s.do(http.MethodPost, "/api/students", map[string]string{"email": "ADA@example.com", "name": "Ada"})
	assert.Equal(t, http.StatusOK, again.Code)

	rec := s.do(http.MethodPost, "/api/students", map[string]string{"email": "ada@example.com", "name": "Grace"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NameMismatch", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/students", map[string]string{"email": "", "name": "Ada"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequiresToken(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/sessions", map[string]any{"subject": "algebra", "num_questions": 3})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/sessions", map[string]any{"subject": "algebra", "num_questions": 3}, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartSessionErrors(t *testing.T) {
	s := newTestServer(t)
	token := s.login("ada@example.com", "Ada")

	rec := s.do(http.MethodPost, "/api/sessions", map[string]any{"subject": "history", "num_questions": 3}, bearer(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidSubject", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/sessions", map[string]any{"subject": "algebra", "num_questions": 20}, bearer(token))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "QuestionBankExhausted", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/sessions",
		map[string]any{"student_id": "someone-else", "subject": "algebra", "num_questions": 3}, bearer(token))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+token)
	bad := httptest.NewRecorder()
	s.router.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestSessionFlow(t *testing.T) {
	s := newTestServer(t)
	token := s.login("ada@example.com", "Ada")
	sid := s.start(token, 3)

	next := s.next(token, sid)
	qid := questionID(t, next)
	assert.Equal(t, qid, questionID(t, s.next(token, sid)), "an open question is returned again")

	sub := map[string]any{"question_id": qid, "student_answer": "B", "response_time_seconds": 10}
	rec := s.do(http.MethodPost, "/api/sessions/"+sid+"/responses", sub, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode(t, rec)
	assert.Equal(t, true, res["is_correct"])
	assert.Equal(t, "B", res["correct_answer"])
	assert.InDelta(t, 0.6, res["current_difficulty"].(float64), 1e-9)
	assert.InDelta(t, 0.1, res["difficulty_delta"].(float64), 1e-9)
	assert.Contains(t, res["rationale"], "steady pace")
	assert.Equal(t, float64(1), res["total_answered"])
	assert.Equal(t, "active", res["status"])
	assert.Equal(t, false, res["replayed"])

	// Identical retry replays the stored result.
	rec = s.do(http.MethodPost, "/api/sessions/"+sid+"/responses", sub, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["replayed"])

	// A different answer to the same question is a duplicate.
	rec = s.do(http.MethodPost, "/api/sessions/"+sid+"/responses",
		map[string]any{"question_id": qid, "student_answer": "A", "response_time_seconds": 10}, bearer(token))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DuplicateQuestion", errorCode(t, rec))

	for range 2 {
		qid := questionID(t, s.next(token, sid))
		rec := s.do(http.MethodPost, "/api/sessions/"+sid+"/responses",
			map[string]any{"question_id": qid, "student_answer": "A", "response_time_seconds": 12}, bearer(token))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	done := s.next(token, sid)
	assert.Equal(t, "completed", done["status"])
	assert.InDelta(t, 100.0/3, done["final_score"].(float64), 1e-9)
	assert.Equal(t, float64(1), done["correct_answers"])
	assert.Equal(t, float64(3), done["total_questions"])

	rec = s.do(http.MethodGet, "/api/sessions/"+sid, nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)["statistics"].(map[string]any)
	assert.Equal(t, float64(3), stats["total_questions_answered"])

	rec = s.do(http.MethodGet, "/api/sessions/"+sid+"/timeline", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	tl := decode(t, rec)
	assert.Len(t, tl["interactions"], 3)
	assert.Len(t, tl["adaptations"], 3)

	rec = s.do(http.MethodGet, "/api/sessions/"+sid+"/engagement", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	eng := decode(t, rec)
	assert.Len(t, eng["history"], 3)
	assert.NotNil(t, eng["engagement_metrics"])

	rec = s.do(http.MethodGet, "/api/sessions/"+sid+"/questions/"+qid, nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, qid, decode(t, rec)["question"].(map[string]any)["question_id"])
}

func TestSubmitInvalidOption(t *testing.T) {
	s := newTestServer(t)
	token := s.login("ada@example.com", "Ada")
	sid := s.start(token, 3)
	qid := questionID(t, s.next(token, sid))

	rec := s.do(http.MethodPost, "/api/sessions/"+sid+"/responses",
		map[string]any{"question_id": qid, "student_answer": "Z", "response_time_seconds": 5}, bearer(token))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "InvalidOption", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/sessions/"+sid+"/responses",
		map[string]any{"question_id": "not-issued", "student_answer": "B", "response_time_seconds": 5}, bearer(token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionOwnership(t *testing.T) {
	s := newTestServer(t)
	ada := s.login("ada@example.com", "Ada")
	grace := s.login("grace@example.com", "Grace")
	sid := s.start(ada, 3)

	rec := s.do(http.MethodGet, "/api/sessions/"+sid+"/next", nil, bearer(grace))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden", errorCode(t, rec))

	rec = s.do(http.MethodGet, "/api/sessions/missing/next", nil, bearer(ada))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHints(t *testing.T) {
	s := newTestServer(t)
	token := s.login("ada@example.com", "Ada")
	sid := s.start(token, 3)
	qid := questionID(t, s.next(token, sid))
	path := "/api/sessions/" + sid + "/questions/" + qid + "/hint"

	rec := s.do(http.MethodGet, path, nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hint := decode(t, rec)
	assert.Equal(t, "first hint", hint["hint_text"])
	assert.Equal(t, float64(1), hint["hint_number"])
	assert.Equal(t, float64(2), hint["total_hints"])
	assert.Equal(t, "1 hint left.", hint["message"])

	rec = s.do(http.MethodGet, path, nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "second hint", decode(t, rec)["hint_text"])

	rec = s.do(http.MethodGet, path, nil, bearer(token))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "HintsExhausted", errorCode(t, rec))
}

func TestEndSession(t *testing.T) {
	s := newTestServer(t)
	token := s.login("ada@example.com", "Ada")
	sid := s.start(token, 3)
	qid := questionID(t, s.next(token, sid))

	rec := s.do(http.MethodPost, "/api/sessions/"+sid+"/end", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/sessions/"+sid+"/next", nil, bearer(token))
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "SessionClosed", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/api/sessions/"+sid+"/responses",
		map[string]any{"question_id": qid, "student_answer": "B", "response_time_seconds": 5}, bearer(token))
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestLocalizedErrors(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/sessions", map[string]any{}, acceptLanguage("ru"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Пожалуйста, войдите в систему.", body["error"].(map[string]any)["message"])
}

func TestAdmin(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/admin/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	admin := func(r *http.Request) { r.SetBasicAuth("admin", "admin-pw") }
	wrong := func(r *http.Request) { r.SetBasicAuth("admin", "nope") }

	rec = s.do(http.MethodGet, "/api/admin/sessions", nil, wrong)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := s.login("ada@example.com", "Ada")
	s.start(token, 3)

	rec = s.do(http.MethodGet, "/api/admin/sessions", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["sessions"], 1)

	upload := []map[string]any{{
		"id":             "geo-1",
		"subject":        "geometry",
		"text":           "How many sides does a triangle have?",
		"options":        []map[string]string{{"key": "A", "text": "3"}, {"key": "B", "text": "4"}},
		"correct_option": "A",
		"difficulty":     0.1,
	}}
	rec = s.do(http.MethodPost, "/api/admin/questions?name=geometry.json", upload, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode(t, rec)
	assert.Equal(t, float64(1), res["inserted"])
	assert.Equal(t, "1 question imported.", res["message"])

	rec = s.do(http.MethodPost, "/api/admin/questions?name=geometry.json", upload, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["unchanged"])

	rec = s.do(http.MethodPost, "/api/admin/questions?name=bad.json", []map[string]any{{"subject": "x"}}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	n, err := s.store.CountBySubject(context.Background(), "geometry")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStudentSummary(t *testing.T) {
	s := newTestServer(t)
	token := s.login("ada@example.com", "Ada")

	rec := s.do(http.MethodGet, "/api/students/me/summary", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	empty := decode(t, rec)["summary"].(map[string]any)
	assert.Equal(t, float64(0), empty["total_sessions"])
	assert.Equal(t, float64(0), empty["overall_accuracy"])

	sid := s.start(token, 2)
	for i, answer := range []string{"B", "A"} {
		qid := questionID(t, s.next(token, sid))
		rec := s.do(http.MethodPost, "/api/sessions/"+sid+"/responses",
			map[string]any{"question_id": qid, "student_answer": answer, "response_time_seconds": 10 + 2*i}, bearer(token))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	s.start(token, 3)

	rec = s.do(http.MethodGet, "/api/sessions/"+sid+"/engagement", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode(t, rec)["history"].([]any)
	require.Len(t, history, 2)
	cognitive := history[1].(map[string]any)["cognitive"].(map[string]any)
	assert.Equal(t, []any{"arithmetic"}, cognitive["knowledge_gaps"])

	rec = s.do(http.MethodGet, "/api/students/me/summary", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode(t, rec)["summary"].(map[string]any)
	assert.Equal(t, float64(2), summary["total_sessions"])
	assert.Equal(t, float64(1), summary["completed_sessions"])
	assert.Equal(t, float64(2), summary["total_questions_answered"])
	assert.Equal(t, float64(1), summary["correct_answers"])
	assert.InDelta(t, 50, summary["overall_accuracy"].(float64), 1e-9)
	assert.InDelta(t, 50, summary["average_session_score"].(float64), 1e-9)
	assert.InDelta(t, 22, summary["total_study_time_seconds"].(float64), 1e-9)
	assert.NotNil(t, summary["calibration"])

	rec = s.do(http.MethodGet, "/api/students/me/summary", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
