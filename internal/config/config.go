// Package config loads the merged bot configuration: defaults, a JSON
// config file, then environment overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maratb946/telegram-transcribe-bot/internal/correct"
	"github.com/maratb946/telegram-transcribe-bot/internal/render"
	"github.com/maratb946/telegram-transcribe-bot/internal/scratch"
	"github.com/maratb946/telegram-transcribe-bot/internal/stt"
	"github.com/maratb946/telegram-transcribe-bot/internal/telegram"
	"github.com/maratb946/telegram-transcribe-bot/internal/workflow"
)

// Config is the merged bot configuration.
type Config struct {
	Telegram   telegram.Config `json:"telegram"`
	STT        stt.Config      `json:"stt"`
	Correction correct.Config  `json:"correction"`
	Render     render.Config   `json:"render"`
	Scratch    scratch.Config  `json:"scratch"`
	Workflow   workflow.Config `json:"workflow"`
	LogLevel   string          `json:"logLevel"` // "debug", "info", "warn", "error"
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "transcribebot.json"
	}
	return filepath.Join(home, ".transcribebot", "config.json")
}

// Load reads configuration from path (or the default location when empty).
// A missing file is not an error; defaults plus env overrides still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{
		STT: stt.Config{
			Provider: "whispercpp",
			WhisperCpp: stt.WhisperCppConfig{
				ModelsDir: "~/.transcribebot/models",
				Model:     "ggml-base.bin",
				Language:  "auto",
			},
		},
		Correction: correct.Config{
			Endpoint: correct.DefaultEndpoint,
		},
		LogLevel: "info",
	}

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fine, run on defaults and env
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.STT.OpenAI.APIKey = v
	}
	if v := os.Getenv("LANGUAGETOOL_ENDPOINT"); v != "" {
		c.Correction.Endpoint = v
	}
}
