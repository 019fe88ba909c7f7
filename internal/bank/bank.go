// Package bank loads question-bank JSON files into the store. Every file's
// SHA-256 is recorded so an unchanged file is never parsed twice.
package bank

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

// idNamespace seeds deterministic ids for questions imported without one.
var idNamespace = uuid.MustParse("7c1f3a52-4d7e-4f0c-9a55-2b8e61d0c3a9")

// Result describes the outcome of one import.
type Result struct {
	Name      string `json:"name"`
	Hash      string `json:"hash"`
	Unchanged bool   `json:"unchanged"`
	Questions int    `json:"questions"`
	Inserted  int    `json:"inserted"`
}

// Parse decodes and validates a question-bank file.
func Parse(data []byte) ([]model.Question, error) {
	var imports []model.QuestionImport
	if err := json.Unmarshal(data, &imports); err != nil {
		return nil, model.Errorf(model.CodeInvalidRequest, "invalid JSON: "+err.Error())
	}
	if len(imports) == 0 {
		return nil, model.Errorf(model.CodeInvalidRequest, "question file is empty")
	}

	questions := make([]model.Question, 0, len(imports))
	seen := make(map[string]int, len(imports))
	for i, qi := range imports {
		q, err := convert(qi)
		if err != nil {
			return nil, model.Errorf(model.CodeInvalidRequest, fmt.Sprintf("question %d: %s", i+1, err))
		}
		if j, dup := seen[q.ID]; dup {
			return nil, model.Errorf(model.CodeInvalidRequest,
				fmt.Sprintf("question %d: duplicate of question %d (id %s)", i+1, j+1, q.ID))
		}
		seen[q.ID] = i
		questions = append(questions, q)
	}
	return questions, nil
}

func convert(qi model.QuestionImport) (model.Question, error) {
	q := model.Question{
		ID:            strings.TrimSpace(qi.ID),
		Subject:       strings.TrimSpace(qi.Subject),
		Topic:         strings.TrimSpace(qi.Topic),
		Text:          strings.TrimSpace(qi.Text),
		CorrectOption: strings.TrimSpace(qi.CorrectOption),
		Difficulty:    qi.Difficulty,
		Hints:         qi.Hints,
		Explanation:   qi.Explanation,
	}
	if q.Subject == "" {
		return q, fmt.Errorf("subject is required")
	}
	if q.Text == "" {
		return q, fmt.Errorf("text is required")
	}
	if q.Difficulty < 0 || q.Difficulty > 1 {
		return q, fmt.Errorf("difficulty %v outside [0, 1]", q.Difficulty)
	}
	if len(qi.Options) < 2 {
		return q, fmt.Errorf("at least two options are required")
	}

	keys := make(map[string]bool, len(qi.Options))
	correct := false
	for _, o := range qi.Options {
		key := strings.TrimSpace(o.Key)
		if key == "" {
			return q, fmt.Errorf("option key is required")
		}
		folded := strings.ToLower(key)
		if keys[folded] {
			return q, fmt.Errorf("duplicate option key %q", key)
		}
		keys[folded] = true
		if strings.EqualFold(key, q.CorrectOption) {
			q.CorrectOption = key
			correct = true
		}
		q.Options = append(q.Options, model.Option{Key: key, Text: strings.TrimSpace(o.Text)})
	}
	if !correct {
		return q, fmt.Errorf("correct option %q is not among the option keys", q.CorrectOption)
	}

	if q.ID == "" {
		q.ID = uuid.NewSHA1(idNamespace, []byte(q.Subject+"\x00"+q.Text)).String()
	}
	return q, nil
}

// Import loads data recorded under name. A file whose hash matches the last
// import is skipped. Questions already in the bank keep their stored form.
func Import(ctx context.Context, st *store.Store, name string, data []byte) (Result, error) {
	res := Result{Name: name, Hash: sha256sum(data)}

	stored, err := st.GetImportedFileHash(ctx, name)
	if err != nil {
		return res, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == res.Hash {
		slog.Info("questions file unchanged, skipping", "name", name)
		res.Unchanged = true
		return res, nil
	}
	if stored != "" {
		slog.Warn("questions file changed since last import, adding new questions only", "name", name)
	}

	questions, err := Parse(data)
	if err != nil {
		return res, err
	}
	res.Questions = len(questions)

	for _, q := range questions {
		_, inserted, err := st.InsertQuestion(ctx, q)
		if err != nil {
			return res, fmt.Errorf("insert question %s from %s: %w", q.ID, name, err)
		}
		if inserted {
			res.Inserted++
		}
	}

	if err := st.SetImportedFileHash(ctx, name, res.Hash); err != nil {
		return res, fmt.Errorf("record import for %s: %w", name, err)
	}
	slog.Info("imported questions", "name", name, "count", res.Questions, "inserted", res.Inserted)
	return res, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
