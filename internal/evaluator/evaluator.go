// Package evaluator grades submitted answers against the question's answer key.
package evaluator

import (
	"strings"

	"github.com/pavelanni/assessor/internal/model"
)

// Result is the outcome of grading one answer.
type Result struct {
	IsCorrect     bool   `json:"is_correct"`
	CorrectAnswer string `json:"correct_answer"`
	Explanation   string `json:"explanation"`
	// Answer is the canonical option key the submission resolved to.
	Answer string `json:"-"`
}

// Evaluate grades answer against q. The answer is trimmed and matched against
// option keys without regard to case. An answer that is not one of the keys
// fails with model.ErrInvalidOption.
func Evaluate(q model.Question, answer string) (Result, error) {
	key, ok := resolve(q, answer)
	if !ok {
		return Result{}, &model.Error{
			Code:    model.CodeInvalidOption,
			Message: "answer " + quote(answer) + " is not an option of question " + q.ID,
		}
	}
	return Result{
		IsCorrect:     strings.EqualFold(key, q.CorrectOption),
		CorrectAnswer: q.CorrectOption,
		Explanation:   q.Explanation,
		Answer:        key,
	}, nil
}

// ValidOption reports whether answer names one of q's options.
func ValidOption(q model.Question, answer string) bool {
	_, ok := resolve(q, answer)
	return ok
}

func resolve(q model.Question, answer string) (string, bool) {
	a := strings.TrimSpace(answer)
	if a == "" {
		return "", false
	}
	for _, o := range q.Options {
		if strings.EqualFold(o.Key, a) {
			return o.Key, true
		}
	}
	return "", false
}

func quote(s string) string {
	return `"` + s + `"`
}
