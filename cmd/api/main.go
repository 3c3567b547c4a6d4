package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/symmetry-ai/backend/internal/api/handlers"
	"github.com/symmetry-ai/backend/internal/cache/redis"
	"github.com/symmetry-ai/backend/internal/chunking"
	"github.com/symmetry-ai/backend/internal/ingestion"
	"github.com/symmetry-ai/backend/internal/kg/neo4j"
	"github.com/symmetry-ai/backend/internal/llm"
	"github.com/symmetry-ai/backend/internal/metrics"
	"github.com/symmetry-ai/backend/internal/middleware/ratelimit"
	"github.com/symmetry-ai/backend/internal/middleware/security"
	"github.com/symmetry-ai/backend/internal/middleware/validation"
	"github.com/symmetry-ai/backend/internal/recommend"
	"github.com/symmetry-ai/backend/internal/session"
	"github.com/symmetry-ai/backend/internal/storage/sqlite"
	"github.com/symmetry-ai/backend/internal/vector/milvus"
	"github.com/symmetry-ai/backend/pkg/config"
	appLogger "github.com/symmetry-ai/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Symmetry context engine API")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	neo4jClient, err := neo4j.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	err = milvusClient.CreateCollection(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to create collection", zap.Error(err))
	}

	redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.BaseURL,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	chunker, err := chunking.New(cfg.Chunking.ChunkSize, cfg.Chunking.ChunkOverlap)
	if err != nil {
		appLogger.Fatal("Invalid chunking configuration", zap.Error(err))
	}

	matcher := session.NewMatcher(milvusClient, sqliteClient, cfg.Matching)
	processor := ingestion.NewProcessor(sqliteClient, milvusClient, neo4jClient, llmClient, redisClient, matcher, chunker)

	scorer := recommend.NewScorer(cfg.Recommend)
	engine := recommend.NewEngine(scorer, sqliteClient, milvusClient, neo4jClient, llmClient, redisClient, cfg.Recommend)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: 120,
		Logger:            appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-User-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		Logger: appLogger.GetLogger(),
	}))

	ingestHandler := handlers.NewIngestHandler(processor)
	recommendHandler := handlers.NewRecommendHandler(engine)
	sessionHandler := handlers.NewSessionHandler(sqliteClient, milvusClient, llmClient, matcher)
	knowledgeHandler := handlers.NewKnowledgeHandler(neo4jClient)

	api := app.Group("/api/v1")

	api.Post("/ingest", ingestHandler.HandleIngest)

	api.Post("/recommend", recommendHandler.HandleRecommend)
	api.Post("/retrieve", recommendHandler.HandleRetrieve)

	api.Post("/sessions", sessionHandler.HandleCreate)
	api.Get("/sessions", sessionHandler.HandleList)
	api.Get("/sessions/:id", sessionHandler.HandleGet)
	api.Delete("/sessions/:id", sessionHandler.HandleDelete)

	api.Get("/conversations", sessionHandler.HandleListConversations)
	api.Get("/conversations/:id", sessionHandler.HandleGetConversation)
	api.Delete("/conversations/:id", sessionHandler.HandleDeleteConversation)
	api.Post("/conversations/:id/confirm", sessionHandler.HandleConfirm)
	api.Post("/conversations/:id/reject", sessionHandler.HandleReject)
	api.Post("/conversations/:id/link", sessionHandler.HandleLink)

	api.Get("/knowledge/decisions", knowledgeHandler.HandleDecisions)
	api.Get("/knowledge/contradictions", knowledgeHandler.HandleContradictions)
	api.Get("/knowledge/history/:entity", knowledgeHandler.HandleHistory)
	api.Post("/knowledge/assertions/:fingerprint/verify", knowledgeHandler.HandleVerify)

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
