package config

import "github.com/joho/godotenv"

// loadDotEnv loads a local .env file when present. Production deployments
// inject environment variables directly, so a missing file is not an error.
func loadDotEnv() error {
	return godotenv.Load()
}
