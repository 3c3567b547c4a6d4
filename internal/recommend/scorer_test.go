package recommend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symmetry-ai/backend/pkg/config"
)

func scorerConfig() config.RecommendConfig {
	return config.RecommendConfig{
		RelevanceWeight:  0.60,
		RecencyWeight:    0.25,
		QualityWeight:    0.15,
		AutoSelectScore:  0.85,
		AutoSelectMargin: 0.20,
		Limit:            10,
	}
}

func richCandidate(id string, similarity float64, lastActivity time.Time) Candidate {
	return Candidate{
		ID:           id,
		Kind:         KindSession,
		Similarity:   similarity,
		LastActivity: lastActivity,
		HasSummary:   true,
		HasTopics:    true,
		HasEntities:  true,
		HasDecisions: true,
		MessageCount: 12,
	}
}

func TestRankAutoSelectsWithClearMargin(t *testing.T) {
	s := NewScorer(scorerConfig())
	now := time.Now()

	// Full recency and quality: final = 0.60*sim + 0.40.
	candidates := []Candidate{
		richCandidate("a", 0.85, now),     // 0.91
		richCandidate("b", 0.466667, now), // 0.68
	}

	recs, selected := s.Rank(Query{}, candidates, now)
	require.Len(t, recs, 2)

	assert.InDelta(t, 0.91, recs[0].Score, 1e-4)
	assert.InDelta(t, 0.68, recs[1].Score, 1e-4)

	require.NotNil(t, selected)
	assert.Equal(t, "a", selected.Candidate.ID)
}

func TestRankNoAutoSelectOnThinMargin(t *testing.T) {
	s := NewScorer(scorerConfig())
	now := time.Now()

	candidates := []Candidate{
		richCandidate("a", 0.80, now),     // 0.88
		richCandidate("b", 0.583333, now), // 0.75
	}

	recs, selected := s.Rank(Query{}, candidates, now)
	require.Len(t, recs, 2)

	assert.InDelta(t, 0.88, recs[0].Score, 1e-4)
	assert.InDelta(t, 0.75, recs[1].Score, 1e-4)
	assert.Nil(t, selected)
}

func TestRankEmptyCandidates(t *testing.T) {
	s := NewScorer(scorerConfig())
	recs, selected := s.Rank(Query{}, nil, time.Now())
	assert.Empty(t, recs)
	assert.Nil(t, selected)
}

func TestRankSingleStrongCandidateAutoSelects(t *testing.T) {
	s := NewScorer(scorerConfig())
	now := time.Now()

	recs, selected := s.Rank(Query{}, []Candidate{richCandidate("only", 0.9, now)}, now)
	require.Len(t, recs, 1)
	require.NotNil(t, selected)
	assert.Equal(t, "only", selected.Candidate.ID)
}

func TestRelevanceBonusesAndCap(t *testing.T) {
	query := Query{
		Topics:   []string{"go", "sqlite", "testing"},
		Entities: []string{"fiber", "zap"},
	}

	c := Candidate{
		Similarity: 0.5,
		Topics:     []string{"Go", "sqlite"},
		Entities:   []string{"zap"},
	}
	// 0.5 + 2*0.10 + 1*0.05, topic matching is case-insensitive.
	assert.InDelta(t, 0.75, relevance(query, c), 1e-9)

	capped := Candidate{
		Similarity: 0.95,
		Topics:     []string{"go", "sqlite", "testing"},
		Entities:   []string{"fiber", "zap"},
	}
	assert.Equal(t, 1.0, relevance(query, capped))
}

func TestRecencyCurve(t *testing.T) {
	now := time.Now()

	assert.InDelta(t, 1.0, recency(now.Add(-1*time.Hour), now), 1e-9)
	assert.InDelta(t, 1.0, recency(now.Add(-23*time.Hour), now), 1e-9)
	assert.InDelta(t, 0.5, recency(now.Add(-7*24*time.Hour), now), 1e-6)
	assert.InDelta(t, 0.1, recency(now.Add(-30*24*time.Hour), now), 1e-6)
	assert.Equal(t, 0.0, recency(now.Add(-45*24*time.Hour), now))

	// Midpoint of the 24h..7d segment.
	assert.InDelta(t, 0.75, recency(now.Add(-4*24*time.Hour), now), 1e-6)
}

func TestQualityBonusesAndCap(t *testing.T) {
	assert.Equal(t, 0.0, quality(Candidate{}))

	assert.InDelta(t, 0.3, quality(Candidate{HasSummary: true}), 1e-9)
	assert.InDelta(t, 0.5, quality(Candidate{HasSummary: true, HasTopics: true}), 1e-9)
	assert.InDelta(t, 0.6, quality(Candidate{HasSummary: true, MessageCount: 10}), 1e-9)

	// 0.3 + 0.2 + 0.2 + 0.3 + 0.2 = 1.2, capped.
	assert.Equal(t, 1.0, quality(Candidate{
		HasSummary:   true,
		HasTopics:    true,
		HasEntities:  true,
		HasDecisions: true,
		MessageCount: 10,
	}))
}

func TestRankTieBrokenByRecency(t *testing.T) {
	s := NewScorer(scorerConfig())
	now := time.Now()

	older := richCandidate("older", 0.7, now.Add(-20*time.Hour))
	newer := richCandidate("newer", 0.7, now.Add(-1*time.Hour))

	recs, _ := s.Rank(Query{}, []Candidate{older, newer}, now)
	require.Len(t, recs, 2)
	assert.Equal(t, "newer", recs[0].Candidate.ID)
	assert.Equal(t, "older", recs[1].Candidate.ID)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	assert.Equal(t, 0.0, Cosine(nil, nil))
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 2}))
}
