package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir string
	DBPath  string

	BufferCapacity  int
	EmbeddingDims   int
	MinScore        float64
	ExecutorTimeout time.Duration
	StoreRetries    int
	RejectionPolicy string
}

// fileConfig is the YAML shape. Durations are strings ("2m", "30s") and
// zero values mean "not set".
type fileConfig struct {
	DataDir         string   `yaml:"data_dir"`
	DBPath          string   `yaml:"db_path"`
	BufferCapacity  int      `yaml:"buffer_capacity"`
	EmbeddingDims   int      `yaml:"embedding_dims"`
	MinScore        *float64 `yaml:"min_score"`
	ExecutorTimeout string   `yaml:"executor_timeout"`
	StoreRetries    int      `yaml:"store_retries"`
	RejectionPolicy string   `yaml:"rejection_policy"`
}

// Load resolves configuration in increasing precedence: defaults, an
// optional YAML file (LOOM_CONFIG or ./loom.yaml), then environment
// variables. A .env file in the working directory is read first.
func Load() Config {
	loadDotEnv(".env")

	dataDir := getEnv("LOOM_DATA_DIR", "data")
	cfg := Config{
		DataDir:         dataDir,
		DBPath:          filepath.Join(dataDir, "loom.db"),
		BufferCapacity:  200,
		EmbeddingDims:   384,
		MinScore:        0.0,
		ExecutorTimeout: 2 * time.Minute,
		StoreRetries:    5,
		RejectionPolicy: "skip",
	}

	loadYAML(&cfg, getEnv("LOOM_CONFIG", "loom.yaml"))

	cfg.DBPath = getEnv("LOOM_DB_PATH", cfg.DBPath)
	cfg.BufferCapacity = getEnvInt("LOOM_BUFFER_CAPACITY", cfg.BufferCapacity)
	cfg.EmbeddingDims = getEnvInt("LOOM_EMBEDDING_DIMS", cfg.EmbeddingDims)
	cfg.MinScore = getEnvFloat("LOOM_MIN_SCORE", cfg.MinScore)
	cfg.ExecutorTimeout = getEnvDuration("LOOM_EXECUTOR_TIMEOUT", cfg.ExecutorTimeout)
	cfg.StoreRetries = getEnvInt("LOOM_STORE_RETRIES", cfg.StoreRetries)
	cfg.RejectionPolicy = getEnv("LOOM_REJECTION_POLICY", cfg.RejectionPolicy)
	return cfg
}

func loadYAML(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		fmt.Fprintf(os.Stderr, "ignoring config file %s: %v\n", path, err)
		return
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
		cfg.DBPath = filepath.Join(fc.DataDir, "loom.db")
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.BufferCapacity > 0 {
		cfg.BufferCapacity = fc.BufferCapacity
	}
	if fc.EmbeddingDims > 0 {
		cfg.EmbeddingDims = fc.EmbeddingDims
	}
	if fc.MinScore != nil {
		cfg.MinScore = *fc.MinScore
	}
	if fc.ExecutorTimeout != "" {
		if d, err := time.ParseDuration(fc.ExecutorTimeout); err == nil {
			cfg.ExecutorTimeout = d
		}
	}
	if fc.StoreRetries > 0 {
		cfg.StoreRetries = fc.StoreRetries
	}
	if fc.RejectionPolicy != "" {
		cfg.RejectionPolicy = fc.RejectionPolicy
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

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
