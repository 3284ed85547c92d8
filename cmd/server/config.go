package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rattlehq/reliability-copilot/internal/handlers"
	"github.com/rattlehq/reliability-copilot/internal/services"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port            string
	AnswerEndpoint  string
	RequestTimeout  time.Duration
	RevealInterval  time.Duration
	MaxSessions     int
	AnswerRateLimit float64
	AnswerBurst     int
	LogLevel        slog.Level
}

func defaultConfig() config {
	return config{
		Port:            "8080",
		AnswerEndpoint:  services.DefaultAnswerEndpoint,
		RequestTimeout:  30 * time.Second,
		RevealInterval:  time.Second,
		MaxSessions:     1024,
		AnswerRateLimit: 5,
		AnswerBurst:     10,
		LogLevel:        slog.LevelInfo,
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port            string  `yaml:"port"`
		AnswerEndpoint  string  `yaml:"answerEndpoint"`
		RequestTimeout  string  `yaml:"requestTimeout"`
		RevealInterval  string  `yaml:"revealInterval"`
		MaxSessions     int     `yaml:"maxSessions"`
		AnswerRateLimit float64 `yaml:"answerRateLimit"`
		AnswerBurst     int     `yaml:"answerBurst"`
		LogLevel        string  `yaml:"logLevel"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.AnswerEndpoint != "" {
		c.AnswerEndpoint = rawConfig.AnswerEndpoint
	}
	if rawConfig.RequestTimeout != "" {
		d, err := time.ParseDuration(rawConfig.RequestTimeout)
		if err != nil {
			return fmt.Errorf("invalid requestTimeout: %w", err)
		}
		c.RequestTimeout = d
	}
	if rawConfig.RevealInterval != "" {
		d, err := time.ParseDuration(rawConfig.RevealInterval)
		if err != nil {
			return fmt.Errorf("invalid revealInterval: %w", err)
		}
		c.RevealInterval = d
	}
	if rawConfig.MaxSessions != 0 {
		c.MaxSessions = rawConfig.MaxSessions
	}
	if rawConfig.AnswerRateLimit != 0 {
		c.AnswerRateLimit = rawConfig.AnswerRateLimit
	}
	if rawConfig.AnswerBurst != 0 {
		c.AnswerBurst = rawConfig.AnswerBurst
	}
	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(rawConfig.LogLevel)); err != nil {
			return fmt.Errorf("invalid logLevel: %w", err)
		}
	}

	return nil
}

// loadConfig reads the YAML file at path on top of the defaults. A missing file is not an error.
// Values from the environment, including a .env file in the working directory, take precedence.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	cfgFile, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return config{}, err
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyEnv() error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.Port = strings.TrimPrefix(port, ":")
	}
	if endpoint := strings.TrimSpace(os.Getenv("ANSWER_ENDPOINT")); endpoint != "" {
		c.AnswerEndpoint = endpoint
	}
	if level := strings.TrimSpace(os.Getenv("LOG_LEVEL")); level != "" {
		if err := c.LogLevel.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}
	return nil
}

func (c config) validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.AnswerEndpoint == "" {
		return errors.New("answerEndpoint is required")
	}
	if c.RevealInterval <= 0 {
		return errors.New("revealInterval must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("requestTimeout must be positive")
	}
	if c.MaxSessions <= 0 {
		return errors.New("maxSessions must be positive")
	}
	return nil
}

func (c config) handlersConfig() handlers.Config {
	return handlers.Config{
		RevealInterval: c.RevealInterval,
		RequestTimeout: c.RequestTimeout,
		MaxSessions:    c.MaxSessions,
	}
}

func (c config) answerService(logger *slog.Logger) services.AnswerService {
	return services.NewAnswerService(
		c.AnswerEndpoint,
		logger,
		services.WithHTTPClient(&http.Client{Timeout: c.RequestTimeout}),
		services.WithRateLimit(c.AnswerRateLimit, c.AnswerBurst),
	)
}
