package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alimgiray/ghpulse/internal/models"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	GitHub    GitHubConfig
	Storage   StorageConfig
	Queue     QueueConfig
	RateLimit RateLimitConfig
	Workers   WorkersConfig
	LogLevel  string
}

type ServerConfig struct {
	Port     string
	Mode     string
	APIToken string
}

type DatabaseConfig struct {
	Path string
}

type GitHubConfig struct {
	Token  string
	APIURL string
}

type StorageConfig struct {
	DataDir          string
	StatsDir         string
	RepositoriesFile string
}

type QueueConfig struct {
	MaxConcurrent int
}

type RateLimitConfig struct {
	SafetyBuffer int
	BurstLimit   int
}

type WorkersConfig struct {
	SyncWorkers         int
	StatsWorkers        int
	SyncIntervalMinutes int
}

var AppConfig *Config

// Load loads configuration from .env file and environment variables
func Load() (*Config, error) {
	// A missing .env file is normal outside local development
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")

	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnv("PORT", "8080"),
			Mode:     getEnv("GIN_MODE", "release"),
			APIToken: getEnv("API_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "./ghpulse.db"),
		},
		GitHub: GitHubConfig{
			Token:  getEnv("GITHUB_TOKEN", ""),
			APIURL: getEnv("GITHUB_API_URL", ""),
		},
		Storage: StorageConfig{
			DataDir:          dataDir,
			StatsDir:         getEnv("STATS_DIR", filepath.Join(dataDir, "stats")),
			RepositoriesFile: getEnv("REPOSITORIES_FILE", "./repositories.yaml"),
		},
		Queue: QueueConfig{
			MaxConcurrent: getEnvAsInt("MAX_CONCURRENT", 5),
		},
		RateLimit: RateLimitConfig{
			SafetyBuffer: getEnvAsInt("RATE_LIMIT_BUFFER", 100),
			BurstLimit:   getEnvAsInt("BURST_LIMIT", 300),
		},
		Workers: WorkersConfig{
			SyncWorkers:         getEnvAsInt("SYNC_WORKERS", 1),
			StatsWorkers:        getEnvAsInt("STATS_WORKERS", 1),
			SyncIntervalMinutes: getEnvAsInt("SYNC_INTERVAL_MINUTES", 0),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return cfg, nil
}

// Validate checks value ranges that would otherwise fail deep inside the pipeline
func (c *Config) Validate() error {
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT must be positive, got: %d", c.Queue.MaxConcurrent)
	}
	if c.RateLimit.SafetyBuffer < 0 {
		return fmt.Errorf("RATE_LIMIT_BUFFER cannot be negative, got: %d", c.RateLimit.SafetyBuffer)
	}
	if c.RateLimit.BurstLimit <= 0 {
		return fmt.Errorf("BURST_LIMIT must be positive, got: %d", c.RateLimit.BurstLimit)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	return nil
}

type repositoriesFile struct {
	Repositories []models.Repository `yaml:"repositories"`
}

// LoadRepositories reads the static list of tracked repositories from a YAML file
func LoadRepositories(path string) ([]models.Repository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read repositories file %s: %w", path, err)
	}

	var file repositoriesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse repositories file %s: %w", path, err)
	}

	validate := validator.New()
	seen := make(map[string]bool)
	for i := range file.Repositories {
		repo := &file.Repositories[i]
		repo.Owner = strings.TrimSpace(repo.Owner)
		repo.Repo = strings.TrimSpace(repo.Repo)
		if err := validate.Struct(repo); err != nil {
			return nil, fmt.Errorf("invalid repository entry %d in %s: %w", i, path, err)
		}
		if repo.Name == "" {
			repo.Name = repo.Repo
		}
		if repo.URL == "" {
			repo.URL = "https://github.com/" + repo.Key()
		}
		if seen[repo.Key()] {
			return nil, fmt.Errorf("duplicate repository %s in %s", repo.Key(), path)
		}
		seen[repo.Key()] = true
	}

	return file.Repositories, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
