package main

import (
	"context"
	"log"
	"os"
	"time"

	"researchgo/internal/agent"
	"researchgo/internal/api"
	"researchgo/internal/config"
	"researchgo/internal/redis"
	"researchgo/internal/runner"
	"researchgo/internal/secrets"
	"researchgo/internal/session"
	"researchgo/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("RESEARCHGO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("RESEARCHGO_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: sessions, session_tokens, secrets
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		// Token lookups fall back to the database when the cache is absent.
		log.Printf("redis unavailable, continuing without cache: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	resolver := secrets.NewResolver(db)
	sessions := session.NewService(db, rdb, 24*time.Hour)
	search := agent.NewWebSearch(context.Background(), cfg.Agent.Search, resolver)
	stepDelay := time.Duration(cfg.Agent.StepDelayMS) * time.Millisecond

	newLoop := func(ctx context.Context) *agent.Loop {
		// Credentials are re-resolved per run so a key stored after startup
		// takes effect without a restart.
		var gen agent.Generator
		fg, err := agent.NewGenerator(ctx, cfg, resolver, agent.SearchToolInfo())
		if err != nil {
			log.Printf("no generation model available: %v", err)
		} else {
			gen = fg
		}
		return agent.NewLoop(gen, search, cfg.Agent.MaxSteps, stepDelay)
	}

	r := runner.New(sessions, newLoop)
	handlers := api.NewHandler(sessions, r)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
