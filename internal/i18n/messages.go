package i18n

import (
	"context"
	"strings"
)

// Rationale localizes an adaptation branch and its modifiers.
func Rationale(ctx context.Context, branch string, modifiers []string) string {
	parts := []string{T(ctx, "Rationale"+camel(branch))}
	for _, m := range modifiers {
		parts = append(parts, T(ctx, "Modifier"+camel(m)))
	}
	return strings.Join(parts, " ")
}

// ErrorMessage localizes an error code. Unknown codes fall back to the code.
func ErrorMessage(ctx context.Context, code string) string {
	return T(ctx, "Err"+code)
}

// camel turns snake_case keys into CamelCase message-ID suffixes.
func camel(key string) string {
	var b strings.Builder
	for _, part := range strings.Split(key, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
