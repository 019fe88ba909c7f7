// Package selector picks the next question for a session.
package selector

import (
	"math"
	"sort"
	"time"

	"github.com/pavelanni/assessor/internal/model"
)

// Config holds the band parameters.
type Config struct {
	InitialBand float64 `mapstructure:"initial-band"`
}

// DefaultConfig returns a ±0.15 starting band.
func DefaultConfig() Config {
	return Config{InitialBand: 0.15}
}

// Selector chooses questions near a target difficulty.
type Selector struct {
	cfg Config
}

// New returns a Selector for cfg.
func New(cfg Config) *Selector {
	if cfg.InitialBand <= 0 {
		cfg.InitialBand = DefaultConfig().InitialBand
	}
	return &Selector{cfg: cfg}
}

// Select returns the bank question closest to target that is not in issued.
// The search starts with a band of ±InitialBand around target and doubles it
// until a candidate appears or the band spans [0,1]. Ties on distance go to the
// question the student saw least recently (never seen first), then to the
// smaller id. ok is false when every question has been issued.
func (s *Selector) Select(bank []model.Question, issued map[string]bool, lastUsed map[string]time.Time, target float64) (model.Question, float64, bool) {
	var candidates []model.Question
	for _, q := range bank {
		if !issued[q.ID] {
			candidates = append(candidates, q)
		}
	}
	if len(candidates) == 0 {
		return model.Question{}, 0, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j], lastUsed, target)
	})

	band := s.cfg.InitialBand
	for {
		best := candidates[0]
		if distance(best, target) <= band+1e-9 {
			return best, band, true
		}
		if band >= 1 {
			// Every candidate is within 1 of any target in [0,1].
			return best, band, true
		}
		band = math.Min(band*2, 1)
	}
}

func less(a, b model.Question, lastUsed map[string]time.Time, target float64) bool {
	da, db := distance(a, target), distance(b, target)
	if math.Abs(da-db) > 1e-9 {
		return da < db
	}
	ta, usedA := lastUsed[a.ID]
	tb, usedB := lastUsed[b.ID]
	if usedA != usedB {
		return !usedA
	}
	if usedA && !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ID < b.ID
}

func distance(q model.Question, target float64) float64 {
	return math.Abs(q.Difficulty - target)
}
