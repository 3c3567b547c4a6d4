package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Chunking.ChunkSize)
	assert.Equal(t, 50, cfg.Chunking.ChunkOverlap)

	assert.InDelta(t, 0.85, cfg.Matching.AutoLinkThreshold, 1e-9)
	assert.InDelta(t, 0.70, cfg.Matching.SuggestThreshold, 1e-9)
	assert.InDelta(t, 0.15, cfg.Matching.AmbiguityMargin, 1e-9)
	assert.InDelta(t, 0.1, cfg.Matching.RecencyBoost, 1e-9)
	assert.InDelta(t, 24.0, cfg.Matching.RecencyWindowHrs, 1e-9)
	assert.Equal(t, 5, cfg.Matching.CandidateLimit)

	assert.InDelta(t, 0.60, cfg.Recommend.RelevanceWeight, 1e-9)
	assert.InDelta(t, 0.25, cfg.Recommend.RecencyWeight, 1e-9)
	assert.InDelta(t, 0.15, cfg.Recommend.QualityWeight, 1e-9)
	assert.InDelta(t, 0.85, cfg.Recommend.AutoSelectScore, 1e-9)
	assert.InDelta(t, 0.20, cfg.Recommend.AutoSelectMargin, 1e-9)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 1536, cfg.Milvus.VectorDim)
}

func TestLoadRejectsOverlapNotSmallerThanChunkSize(t *testing.T) {
	t.Setenv("SYMMETRY_CHUNKING_CHUNKOVERLAP", "500")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunkOverlap")
}
