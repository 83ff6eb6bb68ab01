package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Embedding struct {
		BaseURL    string  `yaml:"base_url"`
		Model      string  `yaml:"model"`
		Dim        int     `yaml:"dim"`
		BatchSize  int     `yaml:"batch_size"`
		MaxRetries int     `yaml:"max_retries"`
		RateLimit  float64 `yaml:"rate_limit"`
	} `yaml:"embedding"`

	LLM struct {
		BaseURL     string  `yaml:"base_url"`
		Model       string  `yaml:"model"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"llm"`

	Index struct {
		Backend            string `yaml:"backend"` // "file" or "pgvector"
		Dir                string `yaml:"dir"`
		ConnString         string `yaml:"conn_string"`
		TableName          string `yaml:"table_name"`
		ExactScanThreshold int    `yaml:"exact_scan_threshold"`
	} `yaml:"index"`

	Chunker struct {
		ChunkSize    int `yaml:"chunk_size"`
		ChunkOverlap int `yaml:"chunk_overlap"`
	} `yaml:"chunker"`

	Retrieval struct {
		TopK            int     `yaml:"top_k"`
		ScoreThreshold  float64 `yaml:"score_threshold"`
		QueryTimeoutSec int     `yaml:"query_timeout_seconds"`
		CacheTTLSec     int     `yaml:"cache_ttl_seconds"`
	} `yaml:"retrieval"`

	Context struct {
		TokenBudget int    `yaml:"token_budget"`
		Encoding    string `yaml:"encoding"`
	} `yaml:"context"`

	Ingest struct {
		Workers      int    `yaml:"workers"`
		DocumentsDir string `yaml:"documents_dir"`
	} `yaml:"ingest"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	UI struct {
		Streaming bool `yaml:"streaming"`
	} `yaml:"ui"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/thrive/config.yaml"),
			"/etc/thrive/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.Embedding.BaseURL == "" {
		config.Embedding.BaseURL = "http://localhost:11434"
	}
	if config.Embedding.Model == "" {
		config.Embedding.Model = "nomic-embed-text:latest"
	}
	if config.Embedding.Dim == 0 {
		config.Embedding.Dim = 768
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 100
	}
	if config.Embedding.MaxRetries == 0 {
		config.Embedding.MaxRetries = 3
	}
	if config.Embedding.RateLimit == 0 {
		config.Embedding.RateLimit = 5.0
	}

	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}

	if config.Index.Backend == "" {
		config.Index.Backend = "file"
	}
	if config.Index.Dir == "" {
		config.Index.Dir = "data/index"
	}
	if config.Index.TableName == "" {
		config.Index.TableName = "chunks"
	}
	if config.Index.ExactScanThreshold == 0 {
		config.Index.ExactScanThreshold = 10000
	}

	if config.Chunker.ChunkSize == 0 {
		config.Chunker.ChunkSize = 500
	}
	if config.Chunker.ChunkOverlap == 0 {
		config.Chunker.ChunkOverlap = 50
	}

	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 5
	}
	if config.Retrieval.ScoreThreshold == 0 {
		config.Retrieval.ScoreThreshold = 0.3
	}
	if config.Retrieval.QueryTimeoutSec == 0 {
		config.Retrieval.QueryTimeoutSec = 15
	}
	if config.Retrieval.CacheTTLSec == 0 {
		config.Retrieval.CacheTTLSec = 60
	}

	if config.Context.TokenBudget == 0 {
		config.Context.TokenBudget = 3000
	}
	if config.Context.Encoding == "" {
		config.Context.Encoding = "cl100k_base"
	}

	if config.Ingest.Workers == 0 {
		config.Ingest.Workers = 4
	}
	if config.Ingest.DocumentsDir == "" {
		config.Ingest.DocumentsDir = "data/documents"
	}

	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.Embedding.BaseURL = baseURL
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Index.ConnString = dbURL
	}
	if dir := os.Getenv("THRIVE_INDEX_DIR"); dir != "" {
		config.Index.Dir = dir
	}
	if dir := os.Getenv("THRIVE_DOCUMENTS_DIR"); dir != "" {
		config.Ingest.DocumentsDir = dir
	}
}
