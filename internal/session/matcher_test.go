package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symmetry-ai/backend/internal/metrics"
	"github.com/symmetry-ai/backend/internal/storage/models"
	"github.com/symmetry-ai/backend/internal/storage/sqlite"
	"github.com/symmetry-ai/backend/internal/vector/milvus"
	"github.com/symmetry-ai/backend/pkg/config"
)

type fakeIndex struct {
	matches []milvus.Match
	upserts []milvus.Record
}

func (f *fakeIndex) Search(ctx context.Context, userID, kind string, queryEmbedding []float32, topK int) ([]milvus.Match, error) {
	return f.matches, nil
}

func (f *fakeIndex) Upsert(ctx context.Context, record milvus.Record) error {
	f.upserts = append(f.upserts, record)
	return nil
}

type fakeStore struct {
	sessions        map[string]*models.Session
	members         map[string][][]float32
	linked          []string
	conflictsLeft   int
	aggregateCalls  int
	lastAggregate   []float32
	lastMemberCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*models.Session),
		members:  make(map[string][][]float32),
	}
}

func (f *fakeStore) GetSession(id, userID string) (*models.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, sqlite.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStore) LinkConversationToSession(conversationID, userID, sessionID string) error {
	f.linked = append(f.linked, conversationID)
	return nil
}

func (f *fakeStore) SessionMemberEmbeddings(sessionID, userID string) ([][]float32, error) {
	return f.members[sessionID], nil
}

func (f *fakeStore) UpdateSessionAggregate(id, userID string, embedding []float32, conversationCount int, topics, entities []string, lastActivity time.Time, expectVersion int64) error {
	f.aggregateCalls++
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		f.sessions[id].Version++
		return sqlite.ErrVersionConflict
	}
	f.lastAggregate = embedding
	f.lastMemberCount = conversationCount
	f.sessions[id].Version++
	return nil
}

func testConfig() config.MatchingConfig {
	return config.MatchingConfig{
		AutoLinkThreshold: 0.85,
		SuggestThreshold:  0.70,
		AmbiguityMargin:   0.15,
		RecencyBoost:      0.1,
		RecencyWindowHrs:  24,
		CandidateLimit:    5,
	}
}

func staleSession(id string) *models.Session {
	return &models.Session{
		ID:           id,
		UserID:       "u1",
		Name:         "session " + id,
		LastActivity: time.Now().Add(-48 * time.Hour),
		Version:      1,
	}
}

func matchesFor(scores map[string]float32) []milvus.Match {
	out := make([]milvus.Match, 0, len(scores))
	for id, score := range scores {
		out = append(out, milvus.Match{ID: "session:" + id, RefID: id, Score: score})
	}
	return out
}

func TestMatchAutoLinksClearWinner(t *testing.T) {
	index := &fakeIndex{matches: matchesFor(map[string]float32{"s1": 0.96, "s2": 0.68, "s3": 0.32})}
	store := newFakeStore()
	for _, id := range []string{"s1", "s2", "s3"} {
		store.sessions[id] = staleSession(id)
	}

	m := NewMatcher(index, store, testConfig())
	result, err := m.Match(context.Background(), "u1", []float32{1, 0}, time.Now(), true)
	require.NoError(t, err)

	assert.Equal(t, OutcomeAutoLink, result.Outcome)
	assert.Equal(t, "s1", result.SessionID)
	assert.InDelta(t, 0.96, result.Confidence, 1e-6)
	assert.Len(t, result.Candidates, 3)
}

func TestMatchSuggestsWithoutOptIn(t *testing.T) {
	index := &fakeIndex{matches: matchesFor(map[string]float32{"s1": 0.96, "s2": 0.68})}
	store := newFakeStore()
	store.sessions["s1"] = staleSession("s1")
	store.sessions["s2"] = staleSession("s2")

	m := NewMatcher(index, store, testConfig())
	result, err := m.Match(context.Background(), "u1", []float32{1, 0}, time.Now(), false)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuggest, result.Outcome)
	assert.Equal(t, "s1", result.SessionID)
}

func TestMatchSuggestsAmbiguousTop(t *testing.T) {
	index := &fakeIndex{matches: matchesFor(map[string]float32{"s1": 0.78, "s2": 0.60})}
	store := newFakeStore()
	store.sessions["s1"] = staleSession("s1")
	store.sessions["s2"] = staleSession("s2")

	m := NewMatcher(index, store, testConfig())
	result, err := m.Match(context.Background(), "u1", []float32{1, 0}, time.Now(), true)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuggest, result.Outcome)
	assert.Equal(t, "s1", result.SessionID)
	assert.InDelta(t, 0.78, result.Confidence, 1e-6)
}

func TestMatchStandaloneBelowThreshold(t *testing.T) {
	index := &fakeIndex{matches: matchesFor(map[string]float32{"s1": 0.40})}
	store := newFakeStore()
	store.sessions["s1"] = staleSession("s1")

	m := NewMatcher(index, store, testConfig())
	result, err := m.Match(context.Background(), "u1", []float32{1, 0}, time.Now(), true)
	require.NoError(t, err)

	assert.Equal(t, OutcomeStandalone, result.Outcome)
	assert.Empty(t, result.SessionID)
}

func TestMatchEmptyCandidatesIsStandalone(t *testing.T) {
	m := NewMatcher(&fakeIndex{}, newFakeStore(), testConfig())
	result, err := m.Match(context.Background(), "u1", []float32{1, 0}, time.Now(), true)
	require.NoError(t, err)

	assert.Equal(t, OutcomeStandalone, result.Outcome)
}

func TestMatchRecencyBoostBreaksCloseRace(t *testing.T) {
	index := &fakeIndex{matches: matchesFor(map[string]float32{"fresh": 0.80, "stale": 0.84})}
	store := newFakeStore()
	store.sessions["stale"] = staleSession("stale")
	fresh := staleSession("fresh")
	fresh.LastActivity = time.Now()
	store.sessions["fresh"] = fresh

	m := NewMatcher(index, store, testConfig())
	result, err := m.Match(context.Background(), "u1", []float32{1, 0}, time.Now(), true)
	require.NoError(t, err)

	// 0.80 + full boost 0.1 = 0.90 beats 0.84 + 0.
	require.NotEmpty(t, result.Candidates)
	assert.Equal(t, "fresh", result.Candidates[0].SessionID)
}

func TestLinkRecomputesMeanAndRetriesOnConflict(t *testing.T) {
	index := &fakeIndex{}
	store := newFakeStore()
	store.sessions["s1"] = staleSession("s1")
	store.members["s1"] = [][]float32{{1, 0}, {0, 1}}
	store.conflictsLeft = 1

	m := NewMatcher(index, store, testConfig())
	conv := &models.Conversation{ID: "c1", UserID: "u1", Topics: []string{"go"}, Embedding: []float32{0, 1}}

	err := m.Link(context.Background(), conv, "s1", time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"c1"}, store.linked)
	assert.Equal(t, 2, store.aggregateCalls)
	assert.Equal(t, 2, store.lastMemberCount)
	require.Len(t, store.lastAggregate, 2)
	assert.InDelta(t, 0.5, float64(store.lastAggregate[0]), 1e-6)
	assert.InDelta(t, 0.5, float64(store.lastAggregate[1]), 1e-6)

	require.Len(t, index.upserts, 1)
	assert.Equal(t, milvus.KindSession, index.upserts[0].Kind)
	assert.Equal(t, "s1", index.upserts[0].RefID)
}

func TestLinkCountsVersionConflicts(t *testing.T) {
	store := newFakeStore()
	store.sessions["s1"] = staleSession("s1")
	store.members["s1"] = [][]float32{{1, 0}}
	store.conflictsLeft = 2

	before := testutil.ToFloat64(metrics.VersionConflicts)

	m := NewMatcher(&fakeIndex{}, store, testConfig())
	conv := &models.Conversation{ID: "c1", UserID: "u1", Embedding: []float32{1, 0}}
	require.NoError(t, m.Link(context.Background(), conv, "s1", time.Now()))

	assert.InDelta(t, 2, testutil.ToFloat64(metrics.VersionConflicts)-before, 1e-9)
}

func TestLinkGivesUpAfterRepeatedConflicts(t *testing.T) {
	store := newFakeStore()
	store.sessions["s1"] = staleSession("s1")
	store.members["s1"] = [][]float32{{1, 0}}
	store.conflictsLeft = 10

	m := NewMatcher(&fakeIndex{}, store, testConfig())
	conv := &models.Conversation{ID: "c1", UserID: "u1", Embedding: []float32{1, 0}}

	err := m.Link(context.Background(), conv, "s1", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, sqlite.ErrVersionConflict)
	assert.Equal(t, 3, store.aggregateCalls)
}

func TestMeanEmbeddingSkipsDimensionMismatch(t *testing.T) {
	mean := meanEmbedding([][]float32{{2, 4}, {4, 8}, {1, 2, 3}})
	require.Len(t, mean, 2)
	assert.InDelta(t, 3.0, float64(mean[0]), 1e-6)
	assert.InDelta(t, 6.0, float64(mean[1]), 1e-6)

	assert.Nil(t, meanEmbedding(nil))
}
