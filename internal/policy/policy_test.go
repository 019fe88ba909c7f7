package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptScenarios(t *testing.T) {
	p := New(DefaultConfig())

	tests := []struct {
		name       string
		current    float64
		correct    bool
		rt         float64
		engagement float64
		want       float64
		branch     string
		modifiers  []string
	}{
		{"correct steady", 0.5, true, 15, 0.6, 0.6, "correct_normal", []string{}},
		{"incorrect quick disengaged", 0.5, false, 3, 0.2, 0.4, "incorrect_normal", []string{ModifierLowEngagement}},
		{"correct fast", 0.5, true, 1, 0.6, 0.525, "correct_fast", []string{}},
		{"correct fast engaged", 0.5, true, 1, 0.9, 0.5125, "correct_fast", []string{ModifierHighEngagement}},
		{"correct slow", 0.5, true, 45, 0.6, 0.55, "correct_slow", []string{}},
		{"incorrect fast", 0.5, false, 1, 0.6, 0.48, "incorrect_fast", []string{}},
		{"incorrect slow", 0.5, false, 40, 0.6, 0.46, "incorrect_slow", []string{}},
		{"correct but disengaged", 0.5, true, 10, 0.1, 0.55, "correct_normal", []string{ModifierLowEngagement}},
		{"clamped high", 0.95, true, 10, 0.6, 1.0, "correct_normal", []string{}},
		{"clamped low", 0.02, false, 10, 0.1, 0.0, "incorrect_normal", []string{ModifierLowEngagement}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Adapt(tt.current, tt.correct, tt.rt, tt.engagement)
			assert.InDelta(t, tt.want, d.NewDifficulty, 1e-9)
			assert.InDelta(t, tt.want-tt.current, d.Delta, 1e-6)
			assert.Equal(t, tt.branch, d.Branch)
			assert.Equal(t, tt.modifiers, d.Modifiers)
			assert.NotEmpty(t, d.Rationale)
		})
	}
}

func TestAdaptPenaltySmallerThanReward(t *testing.T) {
	p := New(DefaultConfig())
	tests := []struct {
		name string
		rt   float64
		pace Pace
	}{
		{"fast", 1, PaceFast},
		{"normal", 15, PaceNormal},
		{"slow", 45, PaceSlow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := p.Adapt(0.5, true, tt.rt, 0.6)
			down := p.Adapt(0.5, false, tt.rt, 0.6)
			require.Equal(t, tt.pace, up.Pace)
			require.Equal(t, tt.pace, down.Pace)
			assert.Greater(t, up.Delta, 0.0)
			assert.Less(t, down.Delta, 0.0)
			assert.Less(t, -down.Delta, up.Delta)
			assert.Less(t, -down.Delta, p.Config().Step)
		})
	}
}

func TestAdaptBounded(t *testing.T) {
	p := New(DefaultConfig())
	d := 0.5
	for i := range 200 {
		correct := i%3 != 0
		next := p.Adapt(d, correct, float64(i%50), float64(i%10)/10)
		require.GreaterOrEqual(t, next.NewDifficulty, 0.0)
		require.LessOrEqual(t, next.NewDifficulty, 1.0)
		d = next.NewDifficulty
	}
}

func TestAdaptReproducible(t *testing.T) {
	p := New(DefaultConfig())
	a := p.Adapt(0.37, false, 2.5, 0.29)
	b := p.Adapt(0.37, false, 2.5, 0.29)
	assert.Equal(t, a, b)
}

func TestPaceBoundaries(t *testing.T) {
	p := New(DefaultConfig())
	assert.Equal(t, PaceFast, p.PaceOf(1.99))
	assert.Equal(t, PaceNormal, p.PaceOf(2))
	assert.Equal(t, PaceNormal, p.PaceOf(30))
	assert.Equal(t, PaceSlow, p.PaceOf(30.01))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.Min = 0.8; c.Max = 0.2 },
		func(c *Config) { c.Max = 1.5 },
		func(c *Config) { c.Step = 0 },
		func(c *Config) { c.SlowThreshold = time.Second },
		func(c *Config) { c.IncorrectNormal = 1.2 },
		func(c *Config) { c.IncorrectFast = c.CorrectFast },
		func(c *Config) { c.IncorrectSlow = 0.6 },
		func(c *Config) { c.CorrectNormal = 0 },
		func(c *Config) { c.LowEngagement = 0.9 },
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), "case %d", i)
	}
}

func TestNarrowBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Min, cfg.Max = 0.2, 0.8
	p := New(cfg)
	assert.InDelta(t, 0.8, p.Adapt(0.78, true, 10, 0.5).NewDifficulty, 1e-9)
	assert.InDelta(t, 0.2, p.Adapt(0.21, false, 10, 0.1).NewDifficulty, 1e-9)
}
