package main

import (
	"net/http"
	"path/filepath"

	"chat-relay/internal/api"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/llm"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	database, err := db.New(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.DatabasePath))
	}
	defer database.Close()

	llmService, err := llm.New(cfg.AnthropicAPIKey, cfg.AnthropicURL, cfg.ModelName, cfg.MaxTokens, logger)
	if err != nil {
		logger.Fatal("failed to initialize LLM service", zap.Error(err))
	}

	handler, err := api.NewHandler(database, llmService, cfg.WebDir, logger)
	if err != nil {
		logger.Fatal("failed to initialize handlers", zap.Error(err))
	}

	r := mux.NewRouter()
	r.Use(api.Logging(logger), api.CORS)
	handler.Routes(r, filepath.Join(cfg.WebDir, "static"))

	logger.Info("starting server", zap.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}
