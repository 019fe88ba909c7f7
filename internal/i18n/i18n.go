// Package i18n localizes API-facing text: error codes, adaptation rationales,
// hint and import notices. Locale files are embedded; the language is chosen
// per request from Accept-Language.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var locales embed.FS

type localizerKey struct{}

var (
	bundle     *i18n.Bundle
	defaultTag language.Tag
)

// Init loads every embedded locale with lang as the default language. Every
// locale must define the same message IDs as the default one, so a request in
// any supported language never falls back to a raw message ID.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)

	files, err := fs.Glob(locales, "locales/*.json")
	if err != nil {
		return fmt.Errorf("list locales: %w", err)
	}
	ids := make(map[string][]string, len(files))
	for _, name := range files {
		data, err := locales.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read locale %s: %w", name, err)
		}
		mf, err := b.ParseMessageFileBytes(data, path.Base(name))
		if err != nil {
			return fmt.Errorf("parse locale %s: %w", name, err)
		}
		for _, m := range mf.Messages {
			ids[mf.Tag.String()] = append(ids[mf.Tag.String()], m.ID)
		}
		slog.Debug("loaded locale", "lang", mf.Tag, "messages", len(mf.Messages))
	}

	want, ok := ids[tag.String()]
	if !ok {
		return fmt.Errorf("no locale file for default language %s", tag)
	}
	for t, have := range ids {
		for _, id := range want {
			if !slices.Contains(have, id) {
				return fmt.Errorf("locale %s is missing message %s", t, id)
			}
		}
	}

	bundle, defaultTag = b, tag
	return nil
}

// NewLocalizer creates a localizer preferring langs in order. Each entry may
// be a tag or an Accept-Language header value.
func NewLocalizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(bundle, langs...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, localizerKey{}, loc)
}

func localizer(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(localizerKey{}).(*i18n.Localizer); ok {
		return loc
	}
	return i18n.NewLocalizer(bundle, defaultTag.String())
}

// localize renders cfg, falling back to the message ID when it is unknown.
func localize(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	s, err := localizer(ctx).Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID})
}

// Td translates a templated message, e.g. SessionCompleted with a Score.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp translates a plural message. The count is available to the template as
// .Count.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(ctx, &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}
