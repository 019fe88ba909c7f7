package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/pavelanni/assessor/internal/bank"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
)

const maxUploadBytes = 10 << 20

type uploadResponse struct {
	bank.Result
	Message string `json:"message"`
}

// handleUploadQuestions imports a question-bank file. It accepts a multipart
// form with a questions_file part, or a raw JSON body named by ?name=.
func (h *Handler) handleUploadQuestions(w http.ResponseWriter, r *http.Request) {
	name, data, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := bank.Import(r.Context(), h.store, name, data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("uploaded questions via admin", "name", name, "count", res.Questions, "inserted", res.Inserted)
	writeJSON(w, http.StatusOK, uploadResponse{
		Result:  res,
		Message: appI18n.Tp(r.Context(), "QuestionsImported", res.Inserted),
	})
}

func readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return "", nil, model.Errorf(model.CodeInvalidRequest, "file too large")
		}
		file, header, err := r.FormFile("questions_file")
		if err != nil {
			return "", nil, model.Errorf(model.CodeInvalidRequest, "no file uploaded")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return "", nil, err
		}
		return header.Filename, data, nil
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		return "", nil, model.Errorf(model.CodeInvalidRequest, "name query parameter is required")
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, model.Errorf(model.CodeInvalidRequest, "file too large")
		}
		return "", nil, err
	}
	return name, data, nil
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	reports, err := h.sessions.Reports(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []model.SessionReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": reports})
}
