package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const defaultDataDir = "/home/igworker"
const defaultListenAddress = ":8080"

// JobConfiguration carries everything read from the environment. Jobs
// unmarshal from it into the specific configuration they need.
type JobConfiguration map[string]any

func ReadConfig() JobConfiguration {
	jc := JobConfiguration{}

	logLevel := os.Getenv("LOG_LEVEL")
	level := ParseLogLevel(logLevel)
	jc["log_level"] = level.String()
	SetLogLevel(level)

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir
		if err := os.Setenv("DATA_DIR", dataDir); err != nil {
			logrus.Fatalf("Failed to set DATA_DIR: %v", err)
		}
	}
	jc["data_dir"] = dataDir

	if err := godotenv.Load(filepath.Join(dataDir, ".env")); err != nil {
		logrus.Infof("No env file under %s, reading from environment variables", dataDir)
	}

	listenAddress := os.Getenv("LISTEN_ADDRESS")
	if listenAddress == "" {
		listenAddress = defaultListenAddress
	}
	jc["listen_address"] = listenAddress

	jc["database_url"] = os.Getenv("DATABASE_URL")
	jc["migrations_path"] = envDefault("MIGRATIONS_PATH", "file://internal/store/migrations")

	// API key for authenticating requests to this worker
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		jc["api_key"] = apiKey
	}

	// Apify API token (batch-provider path)
	apifyToken := os.Getenv("APIFY_API_TOKEN")
	if apifyToken != "" {
		logrus.Info("Apify API token found")
	}
	jc["apify_api_token"] = apifyToken

	// AI vision API key (classification + extraction)
	visionKey := os.Getenv("VISION_API_KEY")
	if visionKey != "" {
		logrus.Info("Vision API key found")
	}
	jc["vision_api_key"] = visionKey
	jc["vision_base_url"] = envDefault("VISION_BASE_URL", "https://api.openai.com/v1")
	jc["vision_model"] = envDefault("VISION_MODEL", "gpt-4o-mini")

	jc["default_scraper_type"] = envDefault("DEFAULT_SCRAPER_TYPE", "apify")
	jc["allow_scraper_override"] = os.Getenv("ALLOW_SCRAPER_OVERRIDE") != "false"
	jc["auto_classify_with_ai"] = os.Getenv("AUTO_CLASSIFY_WITH_AI") != "false"
	jc["auto_extract_new_posts"] = os.Getenv("AUTO_EXTRACT_NEW_POSTS") != "false"

	jc["fetch_chunk_size"] = envInt("FETCH_CHUNK_SIZE", 8)
	jc["fetch_timeout_seconds"] = envInt("FETCH_TIMEOUT_SECONDS", 180)
	jc["runner_binary"] = envDefault("APIFY_RUNNER_BINARY", "apify-actor-runner")

	jc["stats_buf_size"] = uint(envInt("STATS_BUF_SIZE", 128))
	jc["max_jobs"] = envInt("MAX_JOBS", 10)
	jc["job_max_attempts"] = envInt("JOB_MAX_ATTEMPTS", 3)
	jc["job_timeout_seconds"] = time.Duration(envInt("JOB_TIMEOUT_SECONDS", 300)) * time.Second

	jc["result_cache_max_size"] = envInt("RESULT_CACHE_MAX_SIZE", 1000)
	jc["result_cache_max_age_seconds"] = time.Duration(envInt("RESULT_CACHE_MAX_AGE_SECONDS", 600)) * time.Second

	jc["profiling_enabled"] = os.Getenv("ENABLE_PPROF") == "true"

	return jc
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		logrus.Errorf("Error parsing %s: %s. Setting to default.", key, err)
		return def
	}
	return v
}

// Unmarshal unmarshals the job configuration into the supplied interface.
func (jc JobConfiguration) Unmarshal(v any) error {
	data, err := json.Marshal(jc)
	if err != nil {
		return fmt.Errorf("error marshalling job configuration: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error unmarshalling job configuration: %w", err)
	}

	return nil
}

func (jc JobConfiguration) DataDir() string {
	return jc.GetString("data_dir", defaultDataDir)
}

func (jc JobConfiguration) ListenAddress() string {
	return jc.GetString("listen_address", defaultListenAddress)
}

// GetInt safely extracts an int from JobConfiguration, with a default fallback
func (jc JobConfiguration) GetInt(key string, def int) int {
	if v, ok := jc[key]; ok {
		switch val := v.(type) {
		case int:
			return val
		case int64:
			return int(val)
		case float64:
			return int(val)
		case uint:
			return int(val)
		}
	}
	return def
}

func (jc JobConfiguration) GetDuration(key string, defSecs int) time.Duration {
	if v, ok := jc[key]; ok {
		if val, ok := v.(time.Duration); ok {
			return val
		}
	}
	return time.Duration(defSecs) * time.Second
}

func (jc JobConfiguration) GetString(key string, def string) string {
	if v, ok := jc[key]; ok {
		if val, ok := v.(string); ok && val != "" {
			return val
		}
	}
	return def
}

// GetBool safely extracts a bool from JobConfiguration, with a default fallback
func (jc JobConfiguration) GetBool(key string, def bool) bool {
	if v, ok := jc[key]; ok {
		if val, ok := v.(bool); ok {
			return val
		}
	}
	return def
}

// ScraperSettings is the read-only settings collaborator resolved per job run.
// It decides which scraper path an account uses and whether the AI steps fire.
type ScraperSettings struct {
	ApifyAPIToken        string
	VisionAPIKey         string
	DefaultScraperType   string
	AllowAccountOverride bool
	AutoClassifyWithAI   bool
	AutoExtractNewPosts  bool
}

// GetScraperSettings constructs the settings collaborator from the
// JobConfiguration without any JSON round trip.
func (jc JobConfiguration) GetScraperSettings() ScraperSettings {
	return ScraperSettings{
		ApifyAPIToken:        jc.GetString("apify_api_token", ""),
		VisionAPIKey:         jc.GetString("vision_api_key", ""),
		DefaultScraperType:   jc.GetString("default_scraper_type", "apify"),
		AllowAccountOverride: jc.GetBool("allow_scraper_override", true),
		AutoClassifyWithAI:   jc.GetBool("auto_classify_with_ai", true),
		AutoExtractNewPosts:  jc.GetBool("auto_extract_new_posts", true),
	}
}

// InstagramConfig is the configuration for the Apify-based Instagram fetch
// client and the batch fetcher.
type InstagramConfig struct {
	ApifyAPIToken  string
	RunnerBinary   string
	DataDir        string
	ChunkSize      int
	TimeoutSeconds int
}

func (jc JobConfiguration) GetInstagramConfig() InstagramConfig {
	return InstagramConfig{
		ApifyAPIToken:  jc.GetString("apify_api_token", ""),
		RunnerBinary:   jc.GetString("runner_binary", "apify-actor-runner"),
		DataDir:        jc.DataDir(),
		ChunkSize:      jc.GetInt("fetch_chunk_size", 8),
		TimeoutSeconds: jc.GetInt("fetch_timeout_seconds", 180),
	}
}

// VisionConfig is the configuration for the AI vision collaborator.
type VisionConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

func (jc JobConfiguration) GetVisionConfig() VisionConfig {
	return VisionConfig{
		APIKey:  jc.GetString("vision_api_key", ""),
		BaseURL: jc.GetString("vision_base_url", "https://api.openai.com/v1"),
		Model:   jc.GetString("vision_model", "gpt-4o-mini"),
	}
}

// ParseLogLevel parses a string and returns the corresponding logrus.Level.
func ParseLogLevel(logLevel string) logrus.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLogLevel sets the log level for the application.
func SetLogLevel(level logrus.Level) {
	logrus.SetLevel(level)
}
