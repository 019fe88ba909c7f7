package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/assessor/internal/model"
)

func bank(diffs map[string]float64) []model.Question {
	var out []model.Question
	for id, d := range diffs {
		out = append(out, model.Question{ID: id, Difficulty: d})
	}
	return out
}

func TestSelectClosest(t *testing.T) {
	s := New(DefaultConfig())
	b := bank(map[string]float64{"a": 0.1, "b": 0.45, "c": 0.55, "d": 0.9})

	q, band, ok := s.Select(b, nil, nil, 0.52)
	require.True(t, ok)
	assert.Equal(t, "c", q.ID)
	assert.InDelta(t, 0.15, band, 1e-9)
}

func TestSelectSkipsIssued(t *testing.T) {
	s := New(DefaultConfig())
	b := bank(map[string]float64{"a": 0.1, "b": 0.45, "c": 0.55, "d": 0.9})

	q, _, ok := s.Select(b, map[string]bool{"c": true}, nil, 0.52)
	require.True(t, ok)
	assert.Equal(t, "b", q.ID)
}

func TestSelectWidensBand(t *testing.T) {
	s := New(DefaultConfig())
	b := bank(map[string]float64{"a": 0.05, "d": 0.95})

	q, band, ok := s.Select(b, nil, nil, 0.6)
	require.True(t, ok)
	assert.Equal(t, "d", q.ID)
	assert.InDelta(t, 0.6, band, 1e-9)
}

func TestSelectTieBreaks(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()
	b := bank(map[string]float64{"x": 0.4, "y": 0.6, "z": 0.6})

	t.Run("never used wins", func(t *testing.T) {
		used := map[string]time.Time{"x": now.Add(-time.Hour), "y": now.Add(-2 * time.Hour)}
		q, _, ok := s.Select(b, nil, used, 0.5)
		require.True(t, ok)
		assert.Equal(t, "z", q.ID)
	})

	t.Run("oldest use wins", func(t *testing.T) {
		used := map[string]time.Time{
			"x": now.Add(-time.Hour),
			"y": now.Add(-3 * time.Hour),
			"z": now.Add(-2 * time.Hour),
		}
		q, _, ok := s.Select(b, nil, used, 0.5)
		require.True(t, ok)
		assert.Equal(t, "y", q.ID)
	})

	t.Run("id breaks remaining ties", func(t *testing.T) {
		q, _, ok := s.Select(b, nil, nil, 0.5)
		require.True(t, ok)
		assert.Equal(t, "x", q.ID)
	})
}

func TestSelectExhausted(t *testing.T) {
	s := New(DefaultConfig())
	b := bank(map[string]float64{"a": 0.2, "b": 0.8})

	_, _, ok := s.Select(b, map[string]bool{"a": true, "b": true}, nil, 0.5)
	assert.False(t, ok)

	_, _, ok = s.Select(nil, nil, nil, 0.5)
	assert.False(t, ok)
}

func TestSelectNeverRepeats(t *testing.T) {
	s := New(DefaultConfig())
	b := bank(map[string]float64{"a": 0.1, "b": 0.2, "c": 0.3, "d": 0.5, "e": 0.7, "f": 0.9})
	issued := map[string]bool{}
	target := 0.5
	for range b {
		q, _, ok := s.Select(b, issued, nil, target)
		require.True(t, ok)
		require.False(t, issued[q.ID], "question %s issued twice", q.ID)
		issued[q.ID] = true
		target = 1 - q.Difficulty
	}
	_, _, ok := s.Select(b, issued, nil, target)
	assert.False(t, ok)
}
