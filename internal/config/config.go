package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	Port           int      `env:"PORT" envDefault:"8000"`
	DataDir        string   `env:"DATA_DIR" envDefault:"./data"`
	StorageDir     string   `env:"STORAGE_DIR" envDefault:"./storage/chat-media"`
	DatabasePath   string   `env:"DATABASE_PATH"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	// AdminTokens holds merchant:token pairs. Agent and admin connections
	// and privileged REST calls are refused for merchants not listed,
	// unless InsecureAdmin is set.
	AdminTokens        []string `env:"ADMIN_TOKENS" envSeparator:","`
	InsecureAdmin      bool     `env:"INSECURE_ADMIN" envDefault:"false"`
	RateLimitPerSecond float64  `env:"RATE_LIMIT_PER_SECOND" envDefault:"5"`
	RateLimitBurst     int      `env:"RATE_LIMIT_BURST" envDefault:"10"`
	LogLevel           string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat          string   `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads an optional .env file and then the process environment.
// A missing default .env is not an error; a missing explicit envFile is.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "error loading env file %s", envFile)
		}
	} else if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "error loading .env")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config")
	}
	if _, err := cfg.MerchantTokens(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DatabaseFile is DATABASE_PATH, or chat.db inside DataDir.
func (c *Config) DatabaseFile() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.DataDir, "chat.db")
}

func (c *Config) MerchantTokens() (map[string]string, error) {
	tokens := make(map[string]string, len(c.AdminTokens))
	for _, pair := range c.AdminTokens {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		merchant, token, ok := strings.Cut(pair, ":")
		merchant, token = strings.TrimSpace(merchant), strings.TrimSpace(token)
		if !ok || merchant == "" || token == "" {
			return nil, errors.Errorf("invalid ADMIN_TOKENS entry %q, expected merchant:token", pair)
		}
		tokens[merchant] = token
	}
	return tokens, nil
}

func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
