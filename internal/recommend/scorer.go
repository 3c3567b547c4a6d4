// Package recommend ranks prior sessions and standalone conversations
// for injection into a new conversation.
package recommend

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/symmetry-ai/backend/pkg/config"
)

type CandidateKind string

const (
	KindSession      CandidateKind = "session"
	KindConversation CandidateKind = "conversation"
)

// Candidate is a scoring input: a session or standalone conversation
// with its embedding similarity already computed, plus the richness
// metadata feeding the quality component.
type Candidate struct {
	ID                string
	Kind              CandidateKind
	Name              string
	Summary           string
	Similarity        float64
	Topics            []string
	Entities          []string
	LastActivity      time.Time
	HasSummary        bool
	HasTopics         bool
	HasEntities       bool
	HasDecisions      bool
	MessageCount      int
	ConversationCount int
}

type Query struct {
	Embedding []float32
	Topics    []string
	Entities  []string
}

type Recommendation struct {
	Candidate Candidate
	Relevance float64
	Recency   float64
	Quality   float64
	Score     float64
}

type Scorer struct {
	cfg config.RecommendConfig
}

func NewScorer(cfg config.RecommendConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Rank scores every candidate, orders them, and decides auto-selection.
// The second return is non-nil only when the top result clears the
// auto-select score with enough margin over the runner-up.
func (s *Scorer) Rank(query Query, candidates []Candidate, now time.Time) ([]Recommendation, *Recommendation) {
	recs := make([]Recommendation, 0, len(candidates))
	for _, c := range candidates {
		rel := relevance(query, c)
		rec := recency(c.LastActivity, now)
		qual := quality(c)

		recs = append(recs, Recommendation{
			Candidate: c,
			Relevance: rel,
			Recency:   rec,
			Quality:   qual,
			Score:     s.cfg.RelevanceWeight*rel + s.cfg.RecencyWeight*rec + s.cfg.QualityWeight*qual,
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return recs[i].Candidate.LastActivity.After(recs[j].Candidate.LastActivity)
	})

	if len(recs) == 0 {
		return recs, nil
	}

	top := recs[0]
	second := 0.0
	if len(recs) > 1 {
		second = recs[1].Score
	}
	if top.Score > s.cfg.AutoSelectScore && top.Score-second > s.cfg.AutoSelectMargin {
		selected := top
		return recs, &selected
	}

	return recs, nil
}

func relevance(query Query, c Candidate) float64 {
	rel := c.Similarity
	rel += 0.10 * float64(sharedCount(query.Topics, c.Topics))
	rel += 0.05 * float64(sharedCount(query.Entities, c.Entities))
	if rel > 1.0 {
		rel = 1.0
	}
	if rel < 0 {
		rel = 0
	}
	return rel
}

// recency decays piecewise: full credit inside 24h, down to 0.5 at one
// week, 0.1 at 30 days, nothing after.
func recency(lastActivity, now time.Time) float64 {
	hours := now.Sub(lastActivity).Hours()
	switch {
	case hours <= 24:
		return 1.0
	case hours <= 24*7:
		return 1.0 - 0.5*(hours-24)/(24*6)
	case hours <= 24*30:
		return 0.5 - 0.4*(hours-24*7)/(24*23)
	default:
		return 0.0
	}
}

func quality(c Candidate) float64 {
	q := 0.0
	if c.HasSummary {
		q += 0.3
	}
	if c.HasTopics {
		q += 0.2
	}
	if c.HasEntities {
		q += 0.2
	}
	if c.MessageCount >= 10 {
		q += 0.3
	}
	if c.HasDecisions {
		q += 0.2
	}
	if q > 1.0 {
		q = 1.0
	}
	return q
}

func sharedCount(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[normalizeTerm(s)] = true
	}
	n := 0
	for _, s := range b {
		if set[normalizeTerm(s)] {
			n++
		}
	}
	return n
}

func normalizeTerm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Cosine computes cosine similarity between two vectors, 0 when either
// is empty or zero-length.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
