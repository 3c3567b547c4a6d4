// Package session decides whether an ingested conversation joins an
// existing session, gets suggested one, or stands alone.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/internal/metrics"
	"github.com/symmetry-ai/backend/internal/storage/models"
	"github.com/symmetry-ai/backend/internal/storage/sqlite"
	"github.com/symmetry-ai/backend/internal/vector/milvus"
	"github.com/symmetry-ai/backend/pkg/config"
	"github.com/symmetry-ai/backend/pkg/logger"
)

type Outcome string

const (
	OutcomeAutoLink   Outcome = "auto_link"
	OutcomeSuggest    Outcome = "suggest"
	OutcomeStandalone Outcome = "standalone"
)

type Candidate struct {
	SessionID    string
	Name         string
	Similarity   float64
	Score        float64
	LastActivity time.Time
}

type MatchResult struct {
	Outcome    Outcome
	SessionID  string
	Confidence float64
	Candidates []Candidate
}

type Index interface {
	Search(ctx context.Context, userID, kind string, queryEmbedding []float32, topK int) ([]milvus.Match, error)
	Upsert(ctx context.Context, record milvus.Record) error
}

type Store interface {
	GetSession(id, userID string) (*models.Session, error)
	LinkConversationToSession(conversationID, userID, sessionID string) error
	SessionMemberEmbeddings(sessionID, userID string) ([][]float32, error)
	UpdateSessionAggregate(id, userID string, embedding []float32, conversationCount int, topics, entities []string, lastActivity time.Time, expectVersion int64) error
}

type Matcher struct {
	index Index
	store Store
	cfg   config.MatchingConfig
}

func NewMatcher(index Index, store Store, cfg config.MatchingConfig) *Matcher {
	return &Matcher{index: index, store: store, cfg: cfg}
}

// Match scores the user's closest sessions against the conversation
// embedding. An empty candidate set is a normal Standalone outcome.
// AutoLink additionally requires the caller to have opted in.
func (m *Matcher) Match(ctx context.Context, userID string, embedding []float32, now time.Time, autoLinkOptIn bool) (*MatchResult, error) {
	matches, err := m.index.Search(ctx, userID, milvus.KindSession, embedding, m.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("session candidate search failed: %w", err)
	}

	candidates := make([]Candidate, 0, len(matches))
	for _, match := range matches {
		sess, err := m.store.GetSession(match.RefID, userID)
		if err != nil {
			if errors.Is(err, sqlite.ErrSessionNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to load candidate session: %w", err)
		}

		sim := float64(match.Score)
		candidates = append(candidates, Candidate{
			SessionID:    sess.ID,
			Name:         sess.Name,
			Similarity:   sim,
			Score:        sim + m.recencyBoost(sess.LastActivity, now),
			LastActivity: sess.LastActivity,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	result := m.decide(candidates, autoLinkOptIn)

	logger.Info("Session match decided",
		zap.String("user_id", userID),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("candidates", len(candidates)),
	)

	return result, nil
}

func (m *Matcher) recencyBoost(lastActivity, now time.Time) float64 {
	hours := now.Sub(lastActivity).Hours()
	if hours < 0 {
		hours = 0
	}
	frac := 1 - hours/m.cfg.RecencyWindowHrs
	if frac < 0 {
		frac = 0
	}
	return m.cfg.RecencyBoost * frac
}

func (m *Matcher) decide(candidates []Candidate, autoLinkOptIn bool) *MatchResult {
	if len(candidates) == 0 {
		return &MatchResult{Outcome: OutcomeStandalone}
	}

	top := candidates[0]
	second := 0.0
	if len(candidates) > 1 {
		second = candidates[1].Score
	}

	if autoLinkOptIn && top.Score > m.cfg.AutoLinkThreshold && top.Score-second > m.cfg.AmbiguityMargin {
		return &MatchResult{
			Outcome:    OutcomeAutoLink,
			SessionID:  top.SessionID,
			Confidence: capScore(top.Score),
			Candidates: candidates,
		}
	}

	if top.Score > m.cfg.SuggestThreshold {
		return &MatchResult{
			Outcome:    OutcomeSuggest,
			SessionID:  top.SessionID,
			Confidence: capScore(top.Score),
			Candidates: candidates,
		}
	}

	return &MatchResult{Outcome: OutcomeStandalone, Candidates: candidates}
}

func capScore(s float64) float64 {
	if s > 1.0 {
		return 1.0
	}
	return s
}

// Link attaches the conversation to the session and refreshes the
// session aggregate: embedding recomputed as the mean over all member
// conversations, counts and activity updated, topics and entities
// merged. The aggregate write is guarded by the session's version
// token; a conflict means another link landed first, so we re-read and
// recompute rather than overwrite.
func (m *Matcher) Link(ctx context.Context, conv *models.Conversation, sessionID string, now time.Time) error {
	if err := m.store.LinkConversationToSession(conv.ID, conv.UserID, sessionID); err != nil {
		return err
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sess, err := m.store.GetSession(sessionID, conv.UserID)
		if err != nil {
			return err
		}

		members, err := m.store.SessionMemberEmbeddings(sessionID, conv.UserID)
		if err != nil {
			return err
		}

		mean := meanEmbedding(members)
		topics := mergeSets(sess.Topics, conv.Topics)
		entities := mergeSets(sess.Entities, conv.Entities)

		err = m.store.UpdateSessionAggregate(sessionID, conv.UserID, mean, len(members), topics, entities, now, sess.Version)
		if err == nil {
			if upErr := m.index.Upsert(ctx, milvus.Record{
				ID:        "session:" + sessionID,
				UserID:    conv.UserID,
				Kind:      milvus.KindSession,
				RefID:     sessionID,
				Text:      sess.Name,
				Embedding: mean,
				Timestamp: now,
			}); upErr != nil {
				return fmt.Errorf("failed to update session vector: %w", upErr)
			}
			return nil
		}
		if !errors.Is(err, sqlite.ErrVersionConflict) {
			return err
		}

		lastErr = err
		metrics.VersionConflicts.Inc()
		logger.Warn("Session aggregate conflict, retrying",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt+1),
		)
	}

	return fmt.Errorf("session aggregate update kept conflicting: %w", lastErr)
}

// meanEmbedding averages the member vectors from scratch. Recomputing
// over all members instead of nudging a running mean keeps the session
// centroid from drifting.
func meanEmbedding(embeddings [][]float32) []float32 {
	if len(embeddings) == 0 {
		return nil
	}

	dim := len(embeddings[0])
	sums := make([]float64, dim)
	count := 0
	for _, emb := range embeddings {
		if len(emb) != dim {
			continue
		}
		for i, v := range emb {
			sums[i] += float64(v)
		}
		count++
	}
	if count == 0 {
		return nil
	}

	mean := make([]float32, dim)
	for i, s := range sums {
		mean[i] = float32(s / float64(count))
	}
	return mean
}

func mergeSets(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
