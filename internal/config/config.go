package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr      string
	DatabasePath    string
	AnthropicAPIKey string
	AnthropicURL    string
	ModelName       string
	MaxTokens       int
	WebDir          string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ListenAddr:      getEnv("LISTEN_ADDR", ":5001"),
		DatabasePath:    getEnv("DATABASE_PATH", "conversations.db"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicURL:    os.Getenv("ANTHROPIC_BASE_URL"),
		ModelName:       getEnv("MODEL_NAME", "claude-3-sonnet-20240229"),
		MaxTokens:       getEnvInt("MAX_TOKENS", 4096),
		WebDir:          getEnv("WEB_DIR", "web"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
