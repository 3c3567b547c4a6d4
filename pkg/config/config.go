package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Neo4j     Neo4jConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Chunking  ChunkingConfig
	Matching  MatchingConfig
	Recommend RecommendConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

type ChunkingConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

type MatchingConfig struct {
	AutoLinkThreshold float64
	SuggestThreshold  float64
	AmbiguityMargin   float64
	RecencyBoost      float64
	RecencyWindowHrs  float64
	CandidateLimit    int
}

type RecommendConfig struct {
	RelevanceWeight  float64
	RecencyWeight    float64
	QualityWeight    float64
	AutoSelectScore  float64
	AutoSelectMargin float64
	Limit            int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/symmetry")

	viper.SetEnvPrefix("SYMMETRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Chunking.ChunkOverlap >= config.Chunking.ChunkSize {
		return nil, fmt.Errorf("chunking.chunkOverlap (%d) must be smaller than chunking.chunkSize (%d)",
			config.Chunking.ChunkOverlap, config.Chunking.ChunkSize)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "symmetry_context")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("sqlite.path", "./data/symmetry.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 60)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-large")
	viper.SetDefault("llm.embeddingDim", 1536)

	viper.SetDefault("chunking.chunkSize", 500)
	viper.SetDefault("chunking.chunkOverlap", 50)

	viper.SetDefault("matching.autoLinkThreshold", 0.85)
	viper.SetDefault("matching.suggestThreshold", 0.70)
	viper.SetDefault("matching.ambiguityMargin", 0.15)
	viper.SetDefault("matching.recencyBoost", 0.1)
	viper.SetDefault("matching.recencyWindowHrs", 24)
	viper.SetDefault("matching.candidateLimit", 5)

	viper.SetDefault("recommend.relevanceWeight", 0.60)
	viper.SetDefault("recommend.recencyWeight", 0.25)
	viper.SetDefault("recommend.qualityWeight", 0.15)
	viper.SetDefault("recommend.autoSelectScore", 0.85)
	viper.SetDefault("recommend.autoSelectMargin", 0.20)
	viper.SetDefault("recommend.limit", 10)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
