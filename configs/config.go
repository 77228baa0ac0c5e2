package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	GoogleTableID       string
	PublicTableID       string
	ServiceAccountJSON  []byte
	ThreadsAPIBaseURL   string
	PostsURLOverride    string
	RequestTimeout      time.Duration
	ConcurrencyLimit    int
	StateFile           string
	MetricsTTLMinutes   int
	RunTimeoutMinutes   int
	SourceWorksheetName string
	MaxSyncRows         int
}

func LoadConfig() (*Config, error) {
	googleTableID, err := requireEnv("ID_GOOGLE_TABLE")
	if err != nil {
		return nil, err
	}

	serviceAccountJSON, err := requireEnv("GOOGLE_SERVICE_ACCOUNT_JSON")
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(serviceAccountJSON)) {
		return nil, fmt.Errorf("GOOGLE_SERVICE_ACCOUNT_JSON is not valid JSON")
	}

	timeoutSeconds, err := parsePositiveFloat(getEnv("THREADS_REQUEST_TIMEOUT", "30"), "THREADS_REQUEST_TIMEOUT")
	if err != nil {
		return nil, err
	}

	concurrency, err := parsePositiveInt(getEnv("THREADS_CONCURRENCY", "5"), "THREADS_CONCURRENCY")
	if err != nil {
		return nil, err
	}

	metricsTTL, err := parsePositiveInt(getEnv("THREADS_METRICS_TTL_MIN", "60"), "THREADS_METRICS_TTL_MIN")
	if err != nil {
		return nil, err
	}

	runTimeout, err := parsePositiveInt(getEnv("THREADS_RUN_TIMEOUT_MIN", "30"), "THREADS_RUN_TIMEOUT_MIN")
	if err != nil {
		return nil, err
	}

	maxSyncRows := 0
	if raw := getEnv("GOOGLE_MAX_STRING_PARSING", ""); raw != "" {
		maxSyncRows, err = parsePositiveInt(raw, "GOOGLE_MAX_STRING_PARSING")
		if err != nil {
			return nil, err
		}
	}

	return &Config{
		GoogleTableID:       googleTableID,
		PublicTableID:       getEnv("ID_GOOGLE_TABLE_PUBLIC_DANNYE", ""),
		ServiceAccountJSON:  []byte(serviceAccountJSON),
		ThreadsAPIBaseURL:   getEnv("THREADS_API_BASE_URL", "https://graph.threads.net"),
		PostsURLOverride:    getEnv("THREADS_POSTS_URL_OVERRIDE", ""),
		RequestTimeout:      time.Duration(timeoutSeconds * float64(time.Second)),
		ConcurrencyLimit:    concurrency,
		StateFile:           getEnv("THREADS_STATE_FILE", "state.json"),
		MetricsTTLMinutes:   metricsTTL,
		RunTimeoutMinutes:   runTimeout,
		SourceWorksheetName: getEnv("SOURCE_WORKSHEET_NAME", "Data_Po_kagdomy_posty"),
		MaxSyncRows:         maxSyncRows,
	}, nil
}

func (c *Config) MetricsTTL() time.Duration {
	return time.Duration(c.MetricsTTLMinutes) * time.Minute
}

func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMinutes) * time.Minute
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("environment variable %s must be set", key)
	}
	return value, nil
}

func parsePositiveInt(value, key string) (int, error) {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be a positive number", key)
	}
	return parsed, nil
}

func parsePositiveFloat(value, key string) (float64, error) {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be a positive number", key)
	}
	return parsed, nil
}
