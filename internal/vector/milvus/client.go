package milvus

import (
	"context"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/pkg/logger"
)

// Record kinds stored in the shared collection. Every search is scoped
// to one kind and one user.
const (
	KindSession      = "session"
	KindConversation = "conversation"
	KindChunk        = "chunk"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

type Record struct {
	ID        string
	UserID    string
	Kind      string
	RefID     string
	Text      string
	Embedding []float32
	Timestamp time.Time
}

type Match struct {
	ID    string
	RefID string
	Text  string
	Score float32
}

func NewClient(endpoint, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(
		context.Background(),
		endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) CreateCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Conversation, chunk and session embeddings",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "96",
				},
			},
			{
				Name:     "user_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "kind",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "16",
				},
			},
			{
				Name:     "ref_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "8192",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "timestamp",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := vectorIndex()
	if err != nil {
		return fmt.Errorf("failed to build index: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

func (m *Client) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, len(records))
	userIDs := make([]string, len(records))
	kinds := make([]string, len(records))
	refIDs := make([]string, len(records))
	texts := make([]string, len(records))
	embeddings := make([][]float32, len(records))
	timestamps := make([]int64, len(records))

	for i, r := range records {
		ids[i] = r.ID
		userIDs[i] = r.UserID
		kinds[i] = r.Kind
		refIDs[i] = r.RefID
		texts[i] = r.Text
		embeddings[i] = r.Embedding
		timestamps[i] = r.Timestamp.Unix()
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("user_id", userIDs),
		entity.NewColumnVarChar("kind", kinds),
		entity.NewColumnVarChar("ref_id", refIDs),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnInt64("timestamp", timestamps),
	)

	if err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}

	err = m.client.Flush(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Debug("Records inserted into vector DB", zap.Int("count", len(records)))

	return nil
}

// Upsert replaces the vector for a given id. Used when a session's mean
// embedding is recomputed after a new conversation joins it.
func (m *Client) Upsert(ctx context.Context, record Record) error {
	expr := fmt.Sprintf(`id == "%s"`, record.ID)
	err := m.client.Delete(ctx, m.collectionName, "", expr)
	if err != nil {
		return fmt.Errorf("failed to delete existing record: %w", err)
	}

	return m.Insert(ctx, []Record{record})
}

// Search returns up to topK nearest records of the given kind for the
// user. Fewer than topK matches is a normal outcome, not an error.
func (m *Client) Search(ctx context.Context, userID, kind string, queryEmbedding []float32, topK int) ([]Match, error) {
	expr := fmt.Sprintf(`user_id == "%s" && kind == "%s"`, userID, kind)

	sp, err := vectorSearchParam()
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"id", "ref_id", "text"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]Match, 0)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn("id")
		refIDCol := sr.Fields.GetColumn("ref_id")
		textCol := sr.Fields.GetColumn("text")

		for i := 0; i < sr.ResultCount; i++ {
			id, _ := idCol.Get(i)
			refID, _ := refIDCol.Get(i)
			text, _ := textCol.Get(i)

			results = append(results, Match{
				ID:    id.(string),
				RefID: refID.(string),
				Text:  text.(string),
				Score: sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("kind", kind),
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// vectorIndex and vectorSearchParam pin the index family in one place.
// COSINE metric so scores come back as cosine similarity directly.
func vectorIndex() (entity.Index, error) {
	return entity.NewIndexIvfFlat(entity.COSINE, 1024)
}

func vectorSearchParam() (entity.SearchParam, error) {
	return entity.NewIndexIvfFlatSearchParam(16)
}

// DeleteByRef removes every vector pointing at a conversation or
// session, e.g. when a conversation is re-chunked.
func (m *Client) DeleteByRef(ctx context.Context, userID, kind, refID string) error {
	expr := fmt.Sprintf(`user_id == "%s" && kind == "%s" && ref_id == "%s"`, userID, kind, refID)
	err := m.client.Delete(ctx, m.collectionName, "", expr)
	if err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}
