// Package engagement fuses behavioral, cognitive and affective signals into a
// bounded engagement score.
package engagement

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pavelanni/assessor/internal/model"
)

// Config holds the tunable scoring constants.
type Config struct {
	Window             int           `mapstructure:"window"`
	RushThreshold      time.Duration `mapstructure:"rush-threshold"`
	SlowFallback       time.Duration `mapstructure:"slow-fallback"`
	MinPaceSamples     int           `mapstructure:"min-pace-samples"`
	InactivityCeiling  time.Duration `mapstructure:"inactivity-ceiling"`
	BehavioralWeight   float64       `mapstructure:"behavioral-weight"`
	CognitiveWeight    float64       `mapstructure:"cognitive-weight"`
	AffectiveWeight    float64       `mapstructure:"affective-weight"`
	LowThreshold       float64       `mapstructure:"low-threshold"`
	HighThreshold      float64       `mapstructure:"high-threshold"`
	NavigationFreeHops int           `mapstructure:"navigation-free-hops"`
}

// DefaultConfig returns the stock scoring constants.
func DefaultConfig() Config {
	return Config{
		Window:             5,
		RushThreshold:      2 * time.Second,
		SlowFallback:       60 * time.Second,
		MinPaceSamples:     5,
		InactivityCeiling:  60 * time.Second,
		BehavioralWeight:   0.4,
		CognitiveWeight:    0.4,
		AffectiveWeight:    0.2,
		LowThreshold:       0.33,
		HighThreshold:      0.67,
		NavigationFreeHops: 3,
	}
}

// Validate checks that weights are usable and the level thresholds ordered.
func (c Config) Validate() error {
	if c.BehavioralWeight < 0 || c.CognitiveWeight < 0 || c.AffectiveWeight < 0 {
		return fmt.Errorf("component weights must not be negative")
	}
	if c.BehavioralWeight+c.CognitiveWeight <= 0 {
		return fmt.Errorf("behavioral and cognitive weights must not both be zero")
	}
	if c.LowThreshold <= 0 || c.HighThreshold >= 1 || c.LowThreshold >= c.HighThreshold {
		return fmt.Errorf("level thresholds %v/%v must satisfy 0 < low < high < 1", c.LowThreshold, c.HighThreshold)
	}
	if c.Window < 1 || c.MinPaceSamples < 1 {
		return fmt.Errorf("window and min-pace-samples must be positive")
	}
	if c.RushThreshold <= 0 || c.SlowFallback <= c.RushThreshold || c.InactivityCeiling <= 0 {
		return fmt.Errorf("rush threshold %s, slow fallback %s and inactivity ceiling %s are inconsistent",
			c.RushThreshold, c.SlowFallback, c.InactivityCeiling)
	}
	return nil
}

// Input is everything needed to score one response.
type Input struct {
	// Current is the interaction just graded, with IsCorrect set.
	Current model.Interaction
	// History holds the session's earlier graded interactions in sequence order.
	History []model.Interaction
	// ResponseTimes are the student's own earlier response times in seconds.
	ResponseTimes []float64
	// Topics maps question IDs to their topic.
	Topics map[string]string
}

// Scorer computes engagement snapshots.
type Scorer struct {
	cfg Config
}

// New returns a Scorer for cfg.
func New(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score builds the snapshot for in.Current.
func (s *Scorer) Score(in Input) model.EngagementSnapshot {
	cur := in.Current
	answers := append(append([]model.Interaction{}, in.History...), cur)

	behavioral := s.behavioral(cur, in.ResponseTimes)
	cognitiveInd, cognitive := s.cognitive(answers)
	cognitiveInd.KnowledgeGaps = knowledgeGaps(answers, in.Topics)
	affectiveInd, affective, available := s.affective(cur.FacialSamples)

	wb, wc, wa := s.cfg.BehavioralWeight, s.cfg.CognitiveWeight, s.cfg.AffectiveWeight
	if !available {
		wa = 0
	}
	total := wb + wc + wa
	var score float64
	if total > 0 {
		score = (wb*behavioral + wc*cognitive + wa*affective) / total
	}
	score = round(clamp01(score))

	snap := model.EngagementSnapshot{
		SessionID:  cur.SessionID,
		QuestionID: cur.QuestionID,
		Sequence:   cur.Sequence,
		Score:      score,
		Level:      s.Level(score),
		Behavioral: model.BehavioralIndicators{
			ResponseTimeSeconds: cur.ResponseTimeSeconds,
			HintsUsed:           cur.HintsRequested,
			NavigationFrequency: cur.NavigationCount,
			Attempts:            cur.OptionChangeCount + 1,
		},
		Cognitive: cognitiveInd,
		Affective: affectiveInd,
		Components: model.ComponentScores{
			Behavioral: round(behavioral),
			Cognitive:  round(cognitive),
			Affective:  round(affective),
		},
		AffectiveAvailable: available,
		Confidence:         windowConfidence(len(answers)),
	}
	snap.PrimaryDriver, snap.SecondaryDriver = s.drivers(snap, cur)
	return snap
}

// Level buckets a score.
func (s *Scorer) Level(score float64) model.EngagementLevel {
	switch {
	case score < s.cfg.LowThreshold:
		return model.EngagementLow
	case score < s.cfg.HighThreshold:
		return model.EngagementModerate
	default:
		return model.EngagementHigh
	}
}

func (s *Scorer) behavioral(cur model.Interaction, history []float64) float64 {
	components := []float64{
		s.pace(cur.ResponseTimeSeconds, history),
		math.Max(0.2, 1-0.25*float64(cur.HintsRequested)),
		firstAttempt(cur),
		s.navigation(cur.NavigationCount),
		s.inactivity(cur.InactivityMS),
	}
	var sum float64
	for _, c := range components {
		sum += c
	}
	return sum / float64(len(components))
}

func (s *Scorer) pace(rt float64, history []float64) float64 {
	if rt < s.cfg.RushThreshold.Seconds() {
		return 0.2
	}
	slow := s.cfg.SlowFallback.Seconds()
	if len(history) >= s.cfg.MinPaceSamples {
		slow = Percentile(history, 95)
	}
	if rt > slow {
		return 0.4
	}
	return 1.0
}

func firstAttempt(cur model.Interaction) float64 {
	if cur.IsCorrect && cur.OptionChangeCount == 0 && cur.HintsRequested == 0 {
		return 1.0
	}
	return 0.6
}

func (s *Scorer) navigation(n int) float64 {
	if n <= s.cfg.NavigationFreeHops {
		return 1.0
	}
	return math.Max(0.2, 1-0.2*float64(n-s.cfg.NavigationFreeHops))
}

func (s *Scorer) inactivity(ms int64) float64 {
	ceiling := float64(s.cfg.InactivityCeiling.Milliseconds())
	if ceiling <= 0 {
		return 1
	}
	return clamp01(1 - float64(ms)/ceiling)
}

func (s *Scorer) cognitive(answers []model.Interaction) (model.CognitiveIndicators, float64) {
	w := max(s.cfg.Window, 1)
	n := len(answers)
	last := answers[max(0, n-w):]
	acc := accuracy(last)

	var progress float64
	if n > w {
		prev := answers[max(0, n-2*w) : n-w]
		progress = acc - accuracy(prev)
	}
	score := 0.7*acc + 0.3*(progress+1)/2
	return model.CognitiveIndicators{
		Accuracy:          round(acc),
		Progress:          round(progress),
		QuestionsAnswered: n,
	}, clamp01(score)
}

// knowledgeGaps ranks topics by missed answers over the whole history. Ties
// sort by name; questions without a topic are skipped.
func knowledgeGaps(answers []model.Interaction, topics map[string]string) []string {
	misses := make(map[string]int)
	for _, a := range answers {
		if topic := topics[a.QuestionID]; !a.IsCorrect && topic != "" {
			misses[topic]++
		}
	}
	gaps := make([]string, 0, len(misses))
	for topic := range misses {
		gaps = append(gaps, topic)
	}
	sort.Slice(gaps, func(i, j int) bool {
		if misses[gaps[i]] != misses[gaps[j]] {
			return misses[gaps[i]] > misses[gaps[j]]
		}
		return gaps[i] < gaps[j]
	})
	return gaps
}

func accuracy(answers []model.Interaction) float64 {
	if len(answers) == 0 {
		return 0
	}
	var correct int
	for _, a := range answers {
		if a.IsCorrect {
			correct++
		}
	}
	return float64(correct) / float64(len(answers))
}

type emotionProfile struct {
	confidence, frustration, interest float64
}

var emotions = map[string]emotionProfile{
	"happy":      {0.9, 0.1, 0.9},
	"excited":    {0.95, 0.0, 1.0},
	"confident":  {0.85, 0.1, 0.8},
	"neutral":    {0.5, 0.3, 0.5},
	"surprised":  {0.5, 0.2, 0.8},
	"confused":   {0.3, 0.6, 0.4},
	"frustrated": {0.2, 0.9, 0.3},
	"bored":      {0.4, 0.2, 0.1},
	"anxious":    {0.2, 0.7, 0.5},
	"sad":        {0.1, 0.8, 0.2},
	"angry":      {0.1, 1.0, 0.1},
	"fearful":    {0.1, 0.7, 0.2},
	"disgusted":  {0.1, 0.8, 0.1},
}

var unknownEmotion = emotionProfile{0.5, 0.5, 0.5}

func (s *Scorer) affective(samples []model.FacialSample) (model.AffectiveIndicators, float64, bool) {
	var conf, frus, inter, weight float64
	var attention float64
	var attentionCount int
	for _, smp := range samples {
		w := clamp01(smp.Confidence)
		if w == 0 {
			continue
		}
		p, ok := emotions[strings.ToLower(strings.TrimSpace(smp.Emotion))]
		if !ok {
			p = unknownEmotion
		}
		conf += w * p.confidence
		frus += w * p.frustration
		inter += w * p.interest
		weight += w
		if smp.Attention != nil {
			attention += clamp01(*smp.Attention)
			attentionCount++
		}
	}
	if weight == 0 {
		return model.AffectiveIndicators{
			FrustrationLevel: "neutral",
			InterestLevel:    "moderate",
			ConfidenceLevel:  "moderate",
		}, 0.5, false
	}
	conf /= weight
	frus /= weight
	inter /= weight
	if attentionCount > 0 {
		inter = (inter + attention/float64(attentionCount)) / 2
	}
	score := (conf + inter + (1 - frus)) / 3
	return model.AffectiveIndicators{
		FrustrationLevel: Bucket(frus),
		InterestLevel:    Bucket(inter),
		ConfidenceLevel:  Bucket(conf),
	}, clamp01(score), true
}

// Bucket maps a [0,1] value to a qualitative label.
func Bucket(v float64) string {
	switch {
	case v < 0.2:
		return "low"
	case v < 0.4:
		return "neutral"
	case v < 0.6:
		return "moderate"
	case v < 0.8:
		return "high"
	default:
		return "very_high"
	}
}

func windowConfidence(n int) float64 {
	switch {
	case n < 3:
		return 0.3
	case n < 5:
		return 0.6
	case n < 10:
		return 0.85
	default:
		return 1.0
	}
}

// Driver keys, localized at the HTTP edge.
const (
	DriverManyHints         = "many_hints"
	DriverRapidGuessing     = "rapid_guessing"
	DriverLongInactivity    = "long_inactivity"
	DriverDecliningAccuracy = "declining_accuracy"
	DriverLowAccuracy       = "low_accuracy"
	DriverFrustration       = "frustration"
	DriverBoredom           = "boredom"
	DriverSteadyBehavior    = "steady_behavior"
	DriverStrongPerformance = "strong_performance"
	DriverPositiveAffect    = "positive_affect"
	DriverNone              = "none"
)

func (s *Scorer) drivers(snap model.EngagementSnapshot, cur model.Interaction) (string, string) {
	var drivers []string

	switch {
	case cur.HintsRequested > 2:
		drivers = append(drivers, DriverManyHints)
	case cur.ResponseTimeSeconds < s.cfg.RushThreshold.Seconds():
		drivers = append(drivers, DriverRapidGuessing)
	case cur.InactivityMS > s.cfg.InactivityCeiling.Milliseconds()/2:
		drivers = append(drivers, DriverLongInactivity)
	}

	switch {
	case snap.Cognitive.Progress < -0.3:
		drivers = append(drivers, DriverDecliningAccuracy)
	case snap.Cognitive.QuestionsAnswered >= 3 && snap.Cognitive.Accuracy < 0.3:
		drivers = append(drivers, DriverLowAccuracy)
	}

	if snap.AffectiveAvailable {
		switch {
		case snap.Affective.FrustrationLevel == "high" || snap.Affective.FrustrationLevel == "very_high":
			drivers = append(drivers, DriverFrustration)
		case snap.Affective.InterestLevel == "low":
			drivers = append(drivers, DriverBoredom)
		}
	}

	if len(drivers) == 0 {
		if snap.Components.Behavioral > 0.8 {
			drivers = append(drivers, DriverSteadyBehavior)
		}
		if snap.Components.Cognitive > 0.8 {
			drivers = append(drivers, DriverStrongPerformance)
		}
		if snap.AffectiveAvailable && snap.Components.Affective > 0.8 {
			drivers = append(drivers, DriverPositiveAffect)
		}
	}

	switch len(drivers) {
	case 0:
		return DriverNone, ""
	case 1:
		return drivers[0], ""
	default:
		return drivers[0], drivers[1]
	}
}

// Percentile returns the p-th percentile of values using the nearest-rank method.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
