package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "symmetry_ingest_duration_seconds",
			Help:    "Conversation ingest duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	ChunksPerConversation = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symmetry_chunks_per_conversation",
			Help:    "Number of chunks produced per ingested conversation",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	MatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symmetry_session_match_outcomes_total",
			Help: "Session matcher outcomes",
		},
		[]string{"outcome"},
	)

	VersionConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "symmetry_session_version_conflicts_total",
			Help: "Optimistic concurrency conflicts on session aggregate updates",
		},
	)

	RecommendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "symmetry_recommend_duration_seconds",
			Help:    "Recommendation query duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"status"},
	)

	AutoSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symmetry_recommend_auto_selections_total",
			Help: "Recommendation queries ending in auto-selection or not",
		},
		[]string{"selected"},
	)

	AssertionsClassified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symmetry_assertions_classified_total",
			Help: "Assertions classified, by resulting status",
		},
		[]string{"status"},
	)

	ContradictionsFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "symmetry_contradictions_found_total",
			Help: "Contradictions surfaced by read-side detection",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symmetry_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symmetry_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	EmbeddingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symmetry_embedding_duration_seconds",
			Help:    "Embedding provider call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15},
		},
	)
)

func Init() {
	prometheus.MustRegister(IngestDuration)
	prometheus.MustRegister(ChunksPerConversation)
	prometheus.MustRegister(MatchOutcomes)
	prometheus.MustRegister(VersionConflicts)
	prometheus.MustRegister(RecommendDuration)
	prometheus.MustRegister(AutoSelections)
	prometheus.MustRegister(AssertionsClassified)
	prometheus.MustRegister(ContradictionsFound)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(EmbeddingDuration)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
