// Package config loads the sync configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything a sync run needs.
type Config struct {
	// LWA credentials
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string // optional override of the OAuth token endpoint

	Region   string // na, eu or fe
	Endpoint string // optional override of the regional SP-API endpoint

	DatabaseURL string
	RedisURL    string // optional; enables shared token and rate limit state

	// StartTime and EndTime bound the report and the orders listing (RFC3339).
	StartTime *time.Time
	EndTime   *time.Time

	LogLevel    string
	LogPretty   bool
	MetricsAddr string
}

// aliases maps each variable to the older name it falls back to.
var aliases = map[string]string{
	"SP_CLIENT_ID":     "AMAZON_CLIENT_ID",
	"SP_CLIENT_SECRET": "AMAZON_CLIENT_SECRET",
	"SP_REFRESH_TOKEN": "AMAZON_REFRESH_TOKEN",
	"SP_REGION":        "AMAZON_REGION",
	"SYNC_START_TIME":  "DATE_START_TIME",
	"SYNC_END_TIME":    "DATE_END_TIME",
}

// LoadFromEnv reads the configuration from environment variables, after
// loading envFile when given. A missing default .env file is not an error.
// Variables already set in the environment take precedence over the file.
func LoadFromEnv(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ClientID:     getEnv("SP_CLIENT_ID", ""),
		ClientSecret: getEnv("SP_CLIENT_SECRET", ""),
		RefreshToken: getEnv("SP_REFRESH_TOKEN", ""),
		TokenURL:     getEnv("SP_TOKEN_URL", ""),
		Region:       strings.ToLower(getEnv("SP_REGION", "")),
		Endpoint:     getEnv("SP_ENDPOINT", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		MetricsAddr:  getEnv("METRICS_ADDR", ""),
	}

	if v := getEnv("LOG_PRETTY", ""); v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("LOG_PRETTY: %w", err)
		}
		cfg.LogPretty = pretty
	}

	var err error
	if cfg.StartTime, err = parseTime("SYNC_START_TIME"); err != nil {
		return nil, err
	}
	if cfg.EndTime, err = parseTime("SYNC_END_TIME"); err != nil {
		return nil, err
	}

	cfg.DatabaseURL = databaseURL()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required settings are present and consistent.
func (c *Config) Validate() error {
	var missing []string
	for name, value := range map[string]string{
		"SP_CLIENT_ID":     c.ClientID,
		"SP_CLIENT_SECRET": c.ClientSecret,
		"SP_REFRESH_TOKEN": c.RefreshToken,
		"SP_REGION":        c.Region,
		"DATABASE_URL":     c.DatabaseURL,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch c.Region {
	case "na", "eu", "fe":
	default:
		return fmt.Errorf("SP_REGION must be one of na, eu, fe (got %q)", c.Region)
	}

	if c.StartTime != nil && c.EndTime != nil && !c.EndTime.After(*c.StartTime) {
		return fmt.Errorf("SYNC_END_TIME must be after SYNC_START_TIME")
	}
	return nil
}

// databaseURL returns DATABASE_URL or assembles one from the DB_* variables.
// It returns "" when neither form is complete.
func databaseURL() string {
	if v := getEnv("DATABASE_URL", ""); v != "" {
		return v
	}

	host := getEnv("DB_HOST", "")
	user := getEnv("DB_USERNAME", "")
	name := getEnv("DB_NAME", "")
	if host == "" || user == "" || name == "" {
		return ""
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, getEnv("DB_PASSWORD", "")),
		Host:     host + ":" + getEnv("DB_PORT", "5432"),
		Path:     "/" + name,
		RawQuery: "sslmode=" + getEnv("DB_SSLMODE", "disable"),
	}
	return u.String()
}

func parseTime(key string) (*time.Time, error) {
	v := getEnv(key, "")
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %w", key, err)
	}
	return &t, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if alias, ok := aliases[key]; ok {
		if value := os.Getenv(alias); value != "" {
			return value
		}
	}
	return defaultValue
}
