package llm

import (
	"bytes"
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/assessor/internal/model"
)

//go:embed templates/hint.txt
var hintTemplateText string

var (
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)

	hintOnce     sync.Once
	hintTemplate *template.Template
)

const maxFieldRunes = 2000

// HintData holds template data for the hint prompt.
type HintData struct {
	Topic    string
	Question string
	Options  []model.Option
	Previous []string
}

// BuildHintPrompt renders the hint prompt for q. Hints the student has
// already seen are listed so the model avoids repeating them.
func BuildHintPrompt(q model.Question, previous []string) (string, error) {
	hintOnce.Do(func() {
		hintTemplate = template.Must(template.New("hint").Funcs(template.FuncMap{
			"add": func(a, b int) int { return a + b },
		}).Parse(hintTemplateText))
	})

	data := HintData{
		Topic:    sanitize(q.Topic),
		Question: sanitize(q.Text),
	}
	for _, o := range q.Options {
		data.Options = append(data.Options, model.Option{Key: o.Key, Text: sanitize(o.Text)})
	}
	for _, h := range previous {
		data.Previous = append(data.Previous, sanitize(h))
	}

	var buf bytes.Buffer
	if err := hintTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render hint prompt: %w", err)
	}
	return buf.String(), nil
}

// sanitize strips instruction delimiters from bank content and bounds its
// length.
func sanitize(s string) string {
	s = systemInstructionsRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxFieldRunes {
		s = string([]rune(s)[:maxFieldRunes]) + "..."
	}
	return s
}
