package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Config holds the runtime settings for the marketplace server.
type Config struct {
	Port         string
	DatabasePath string
	JWTSecret    string
	Environment  string
	Debug        bool
}

// Load reads an optional .env file and then the environment, falling back
// to development defaults for anything unset.
func Load() *Config {
	// Missing .env is fine, the environment may already be populated
	_ = godotenv.Load()

	return &Config{
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "marketplace.db"),
		JWTSecret:    getEnv("JWT_SECRET", "marketplace-secret-key"),
		Environment:  getEnv("ENV", "development"),
		Debug:        os.Getenv("DEBUG") == "true",
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
