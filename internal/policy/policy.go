// Package policy computes difficulty adjustments from a graded response.
package policy

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Pace classifies a response time against the configured thresholds.
type Pace string

const (
	PaceFast   Pace = "fast"
	PaceNormal Pace = "normal"
	PaceSlow   Pace = "slow"
)

// Modifiers applied on top of the base branch.
const (
	ModifierLowEngagement  = "low_engagement"
	ModifierHighEngagement = "high_engagement_fast"
)

// Config holds the tunable policy constants.
type Config struct {
	Step          float64       `mapstructure:"step"`
	FastThreshold time.Duration `mapstructure:"fast-threshold"`
	SlowThreshold time.Duration `mapstructure:"slow-threshold"`

	CorrectFast     float64 `mapstructure:"correct-fast"`
	CorrectNormal   float64 `mapstructure:"correct-normal"`
	CorrectSlow     float64 `mapstructure:"correct-slow"`
	IncorrectFast   float64 `mapstructure:"incorrect-fast"`
	IncorrectNormal float64 `mapstructure:"incorrect-normal"`
	IncorrectSlow   float64 `mapstructure:"incorrect-slow"`

	LowEngagement     float64 `mapstructure:"low-engagement"`
	LowEngagementBias float64 `mapstructure:"low-engagement-bias"`
	HighEngagement    float64 `mapstructure:"high-engagement"`

	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		Step:              0.10,
		FastThreshold:     2 * time.Second,
		SlowThreshold:     30 * time.Second,
		CorrectFast:       0.25,
		CorrectNormal:     1.0,
		CorrectSlow:       0.5,
		IncorrectFast:     0.2,
		IncorrectNormal:   0.5,
		IncorrectSlow:     0.4,
		LowEngagement:     0.3,
		LowEngagementBias: 0.05,
		HighEngagement:    0.85,
		Min:               0,
		Max:               1,
	}
}

// Validate checks that the bounds sit inside [0,1], the thresholds are
// ordered and each pace penalizes a miss less than it rewards a hit.
func (c Config) Validate() error {
	if c.Min < 0 || c.Max > 1 || c.Min >= c.Max {
		return fmt.Errorf("difficulty bounds [%v, %v] must satisfy 0 <= min < max <= 1", c.Min, c.Max)
	}
	if c.Step <= 0 || c.Step > 1 {
		return fmt.Errorf("step %v out of range (0, 1]", c.Step)
	}
	if c.FastThreshold < 0 || c.SlowThreshold <= c.FastThreshold {
		return fmt.Errorf("fast threshold %s must be below slow threshold %s", c.FastThreshold, c.SlowThreshold)
	}
	for _, pace := range []struct {
		name               string
		correct, incorrect float64
	}{
		{"fast", c.CorrectFast, c.IncorrectFast},
		{"normal", c.CorrectNormal, c.IncorrectNormal},
		{"slow", c.CorrectSlow, c.IncorrectSlow},
	} {
		if pace.correct <= 0 || pace.correct > 1 {
			return fmt.Errorf("correct-%s factor %v must be in (0, 1]", pace.name, pace.correct)
		}
		if pace.incorrect < 0 || pace.incorrect >= pace.correct {
			return fmt.Errorf("incorrect-%s factor %v must be in [0, correct-%s %v)",
				pace.name, pace.incorrect, pace.name, pace.correct)
		}
	}
	if c.LowEngagement < 0 || c.HighEngagement > 1 || c.LowEngagement >= c.HighEngagement {
		return fmt.Errorf("engagement thresholds %v/%v must satisfy 0 <= low < high <= 1", c.LowEngagement, c.HighEngagement)
	}
	return nil
}

// Decision is the outcome of one adaptation step.
type Decision struct {
	NewDifficulty float64  `json:"new_difficulty"`
	Delta         float64  `json:"delta"`
	Branch        string   `json:"branch"`
	Pace          Pace     `json:"pace"`
	Modifiers     []string `json:"modifiers"`
	Rationale     string   `json:"rationale"`
}

// Policy applies a Config.
type Policy struct {
	cfg Config
}

// New returns a Policy for cfg.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Config returns the policy's configuration.
func (p *Policy) Config() Config { return p.cfg }

// PaceOf classifies a response time.
func (p *Policy) PaceOf(responseTimeSeconds float64) Pace {
	rt := time.Duration(responseTimeSeconds * float64(time.Second))
	switch {
	case rt < p.cfg.FastThreshold:
		return PaceFast
	case rt > p.cfg.SlowThreshold:
		return PaceSlow
	default:
		return PaceNormal
	}
}

// Adapt computes the next difficulty. The result depends only on its inputs.
func (p *Policy) Adapt(current float64, isCorrect bool, responseTimeSeconds, engagement float64) Decision {
	pace := p.PaceOf(responseTimeSeconds)

	var delta float64
	var branch string
	if isCorrect {
		branch = "correct_" + string(pace)
		delta = p.cfg.Step * p.correctFactor(pace)
	} else {
		branch = "incorrect_" + string(pace)
		delta = -p.cfg.Step * p.incorrectFactor(pace)
	}

	modifiers := []string{}
	if isCorrect && pace == PaceFast && engagement > p.cfg.HighEngagement && delta > 0 {
		delta /= 2
		modifiers = append(modifiers, ModifierHighEngagement)
	}
	if engagement < p.cfg.LowEngagement {
		delta -= p.cfg.LowEngagementBias
		modifiers = append(modifiers, ModifierLowEngagement)
	}

	newDifficulty := round(clamp(current+delta, p.cfg.Min, p.cfg.Max))
	return Decision{
		NewDifficulty: newDifficulty,
		Delta:         round(newDifficulty - current),
		Branch:        branch,
		Pace:          pace,
		Modifiers:     modifiers,
		Rationale:     Rationale(branch, modifiers),
	}
}

func (p *Policy) correctFactor(pace Pace) float64 {
	switch pace {
	case PaceFast:
		return p.cfg.CorrectFast
	case PaceSlow:
		return p.cfg.CorrectSlow
	default:
		return p.cfg.CorrectNormal
	}
}

func (p *Policy) incorrectFactor(pace Pace) float64 {
	switch pace {
	case PaceFast:
		return p.cfg.IncorrectFast
	case PaceSlow:
		return p.cfg.IncorrectSlow
	default:
		return p.cfg.IncorrectNormal
	}
}

var branchRationale = map[string]string{
	"correct_fast":     "Correct but very fast answer, possibly a guess: small increase.",
	"correct_normal":   "Correct answer at a steady pace: difficulty increased.",
	"correct_slow":     "Correct after a long time: moderate increase.",
	"incorrect_fast":   "Quick incorrect answer, likely a slip: small decrease.",
	"incorrect_normal": "Incorrect answer: difficulty decreased.",
	"incorrect_slow":   "Incorrect after a long effort: difficulty decreased.",
}

var modifierRationale = map[string]string{
	ModifierLowEngagement:  "Low engagement detected: eased further.",
	ModifierHighEngagement: "Highly engaged fast answer: increase halved.",
}

// Rationale renders the English explanation for a branch and its modifiers.
// The HTTP layer localizes the same branch and modifier keys.
func Rationale(branch string, modifiers []string) string {
	parts := []string{branchRationale[branch]}
	for _, m := range modifiers {
		parts = append(parts, modifierRationale[m])
	}
	return strings.Join(parts, " ")
}

// Clamp restricts v to [lo, hi].
func Clamp(v, lo, hi float64) float64 { return clamp(v, lo, hi) }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
