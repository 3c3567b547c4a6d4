package recommend

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/internal/cache/redis"
	"github.com/symmetry-ai/backend/internal/kg/classifier"
	"github.com/symmetry-ai/backend/internal/kg/neo4j"
	"github.com/symmetry-ai/backend/internal/llm"
	"github.com/symmetry-ai/backend/internal/metrics"
	"github.com/symmetry-ai/backend/internal/storage/sqlite"
	"github.com/symmetry-ai/backend/internal/vector/milvus"
	"github.com/symmetry-ai/backend/pkg/config"
	"github.com/symmetry-ai/backend/pkg/logger"
	"github.com/symmetry-ai/backend/pkg/utils"
)

const recommendationCacheTTL = 2 * time.Minute

type Engine struct {
	scorer   *Scorer
	db       *sqlite.Client
	vectorDB *milvus.Client
	graph    *neo4j.Client
	llm      *llm.Client
	cache    *redis.Client
	cfg      config.RecommendConfig
}

type ScoredItem struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Name         string    `json:"name"`
	Summary      string    `json:"summary"`
	Score        float64   `json:"score"`
	Relevance    float64   `json:"relevance"`
	Recency      float64   `json:"recency"`
	Quality      float64   `json:"quality"`
	LastActivity time.Time `json:"last_activity"`
}

type Response struct {
	Recommendations []ScoredItem `json:"recommendations"`
	AutoSelected    *ScoredItem  `json:"auto_selected,omitempty"`
	ExpandedTopics  []string     `json:"expanded_topics,omitempty"`
}

type ChunkResult struct {
	ChunkID        string  `json:"chunk_id"`
	ConversationID string  `json:"conversation_id"`
	SessionID      string  `json:"session_id,omitempty"`
	Text           string  `json:"text"`
	Score          float64 `json:"score"`
}

func NewEngine(scorer *Scorer, db *sqlite.Client, vectorDB *milvus.Client, graph *neo4j.Client, llmClient *llm.Client, cache *redis.Client, cfg config.RecommendConfig) *Engine {
	return &Engine{
		scorer:   scorer,
		db:       db,
		vectorDB: vectorDB,
		graph:    graph,
		llm:      llmClient,
		cache:    cache,
		cfg:      cfg,
	}
}

// Recommend ranks the user's sessions and standalone conversations
// against a query. Query topics are expanded through the knowledge
// graph's co-occurrence neighborhood before scoring.
func (e *Engine) Recommend(ctx context.Context, userID, queryText string) (*Response, error) {
	started := time.Now()

	queryHash := utils.HashString(queryText)
	var cached Response
	if hit, err := e.cache.GetRecommendation(ctx, userID, queryHash, &cached); err == nil && hit {
		metrics.CacheHits.WithLabelValues("recommendation").Inc()
		return &cached, nil
	}
	metrics.CacheMisses.WithLabelValues("recommendation").Inc()

	resp, err := e.recommend(ctx, userID, queryText)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecommendDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())

	if err == nil {
		if cacheErr := e.cache.SetRecommendation(ctx, userID, queryHash, resp, recommendationCacheTTL); cacheErr != nil {
			logger.Warn("Failed to cache recommendation", zap.Error(cacheErr))
		}
	}

	return resp, err
}

func (e *Engine) recommend(ctx context.Context, userID, queryText string) (*Response, error) {
	embedding, err := e.llm.GenerateEmbedding(ctx, queryText)
	if err != nil {
		return nil, err
	}

	topics := e.expandTopics(ctx, userID, queryText)

	query := Query{
		Embedding: embedding,
		Topics:    topics,
		Entities:  topics,
	}

	candidates, err := e.gatherCandidates(ctx, userID, embedding)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	recs, autoSelected := e.scorer.Rank(query, candidates, now)

	if autoSelected != nil {
		metrics.AutoSelections.WithLabelValues("true").Inc()
	} else {
		metrics.AutoSelections.WithLabelValues("false").Inc()
	}

	resp := &Response{
		Recommendations: make([]ScoredItem, 0, len(recs)),
		ExpandedTopics:  topics,
	}
	for _, r := range recs {
		resp.Recommendations = append(resp.Recommendations, toItem(r))
	}
	if autoSelected != nil {
		item := toItem(*autoSelected)
		resp.AutoSelected = &item
	}

	logger.Info("Recommendation computed",
		zap.String("user_id", userID),
		zap.Int("candidates", len(candidates)),
		zap.Bool("auto_selected", autoSelected != nil),
	)

	return resp, nil
}

// expandTopics filters the query to keyword terms and grows the set
// with knowledge-graph neighbors up to two hops out. Graph failures
// degrade to the unexpanded keyword set.
func (e *Engine) expandTopics(ctx context.Context, userID, queryText string) []string {
	keywords := extractKeywords(queryText)
	if len(keywords) == 0 {
		return nil
	}

	related, err := e.graph.FindRelatedEntities(ctx, userID, keywords, 10)
	if err != nil {
		logger.Warn("Topic expansion failed", zap.Error(err))
		return keywords
	}

	seen := make(map[string]bool, len(keywords)+len(related))
	out := make([]string, 0, len(keywords)+len(related))
	for _, t := range append(keywords, related...) {
		key := strings.ToLower(t)
		if !seen[key] {
			seen[key] = true
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) gatherCandidates(ctx context.Context, userID string, embedding []float32) ([]Candidate, error) {
	decidedConvs, err := e.decidedConversations(ctx, userID)
	if err != nil {
		logger.Warn("Failed to load decided assertions", zap.Error(err))
		decidedConvs = map[string]bool{}
	}

	var candidates []Candidate

	sessionMatches, err := e.vectorDB.Search(ctx, userID, milvus.KindSession, embedding, e.cfg.Limit)
	if err != nil {
		return nil, err
	}
	for _, match := range sessionMatches {
		sess, err := e.db.GetSession(match.RefID, userID)
		if err != nil {
			if errors.Is(err, sqlite.ErrSessionNotFound) {
				continue
			}
			return nil, err
		}

		messageCount, hasSummary, err := e.db.SessionMemberStats(sess.ID, userID)
		if err != nil {
			return nil, err
		}

		hasDecisions := false
		if len(decidedConvs) > 0 {
			memberIDs, err := e.db.SessionConversationIDs(sess.ID, userID)
			if err != nil {
				return nil, err
			}
			for _, id := range memberIDs {
				if decidedConvs[id] {
					hasDecisions = true
					break
				}
			}
		}

		candidates = append(candidates, Candidate{
			ID:                sess.ID,
			Kind:              KindSession,
			Name:              sess.Name,
			Summary:           sess.Description,
			Similarity:        float64(match.Score),
			Topics:            sess.Topics,
			Entities:          sess.Entities,
			LastActivity:      sess.LastActivity,
			HasSummary:        hasSummary,
			HasTopics:         len(sess.Topics) > 0,
			HasEntities:       len(sess.Entities) > 0,
			HasDecisions:      hasDecisions,
			MessageCount:      messageCount,
			ConversationCount: sess.ConversationCount,
		})
	}

	convMatches, err := e.vectorDB.Search(ctx, userID, milvus.KindConversation, embedding, e.cfg.Limit)
	if err != nil {
		return nil, err
	}
	for _, match := range convMatches {
		conv, err := e.db.GetConversation(match.RefID, userID)
		if err != nil {
			if errors.Is(err, sqlite.ErrConversationNotFound) {
				continue
			}
			return nil, err
		}
		// Linked conversations surface through their session.
		if conv.SessionID != "" {
			continue
		}

		candidates = append(candidates, Candidate{
			ID:           conv.ID,
			Kind:         KindConversation,
			Name:         firstSentence(conv.Summary),
			Summary:      conv.Summary,
			Similarity:   float64(match.Score),
			Topics:       conv.Topics,
			Entities:     conv.Entities,
			LastActivity: conv.CreatedAt,
			HasSummary:   conv.Summary != "",
			HasTopics:    len(conv.Topics) > 0,
			HasEntities:  len(conv.Entities) > 0,
			HasDecisions: decidedConvs[conv.ID],
			MessageCount: conv.MessageCount,
		})
	}

	return candidates, nil
}

func (e *Engine) decidedConversations(ctx context.Context, userID string) (map[string]bool, error) {
	assertions, err := e.graph.GetAssertions(ctx, userID, classifier.StatusDecided, 200)
	if err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(assertions))
	for _, a := range assertions {
		if a.Provenance.ConversationID != "" {
			out[a.Provenance.ConversationID] = true
		}
	}
	return out, nil
}

// RetrieveChunks returns the user's most similar chunks for a query,
// annotated with the conversation and session they belong to.
func (e *Engine) RetrieveChunks(ctx context.Context, userID, queryText string, topK int) ([]ChunkResult, error) {
	embedding, err := e.llm.GenerateEmbedding(ctx, queryText)
	if err != nil {
		return nil, err
	}

	matches, err := e.vectorDB.Search(ctx, userID, milvus.KindChunk, embedding, topK)
	if err != nil {
		return nil, err
	}

	results := make([]ChunkResult, 0, len(matches))
	for _, match := range matches {
		result := ChunkResult{
			ChunkID:        match.ID,
			ConversationID: match.RefID,
			Text:           match.Text,
			Score:          float64(match.Score),
		}

		if conv, err := e.db.GetConversation(match.RefID, userID); err == nil {
			result.SessionID = conv.SessionID
		}

		results = append(results, result)
	}

	return results, nil
}

func toItem(r Recommendation) ScoredItem {
	return ScoredItem{
		ID:           r.Candidate.ID,
		Kind:         string(r.Candidate.Kind),
		Name:         r.Candidate.Name,
		Summary:      r.Candidate.Summary,
		Score:        r.Score,
		Relevance:    r.Relevance,
		Recency:      r.Recency,
		Quality:      r.Quality,
		LastActivity: r.Candidate.LastActivity,
	}
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "i": true, "me": true, "my": true,
	"we": true, "our": true, "you": true, "it": true, "is": true, "are": true,
	"was": true, "be": true, "to": true, "of": true, "in": true, "on": true,
	"for": true, "with": true, "and": true, "or": true, "but": true,
	"how": true, "what": true, "when": true, "where": true, "why": true,
	"do": true, "does": true, "did": true, "can": true, "could": true,
	"should": true, "would": true, "about": true, "need": true, "want": true,
	"help": true, "using": true, "use": true, "this": true, "that": true,
}

func extractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '.' && r != '-' && r != '+' && r != '#'
	})

	seen := make(map[string]bool)
	var keywords []string
	for _, f := range fields {
		f = strings.Trim(f, ".-")
		if len(f) < 2 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		keywords = append(keywords, f)
	}
	return keywords
}

func firstSentence(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' || s[i] == '!' || s[i] == '?' {
			return s[:i+1]
		}
	}
	if len(s) > 80 {
		return s[:80]
	}
	return s
}
