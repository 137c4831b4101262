package stt

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/maratb946/telegram-transcribe-bot/internal/logging"
)

// OpenAIProvider implements STT using OpenAI's Whisper API. The API
// accepts OGG/Opus directly, so no local audio conversion is needed.
type OpenAIProvider struct {
	client *openai.Client
	config OpenAIConfig
}

// OpenAIConfig holds OpenAI Whisper configuration.
type OpenAIConfig struct {
	APIKey string `json:"apiKey"`
	Model  string `json:"model"` // "whisper-1"
}

// NewOpenAIProvider creates a new OpenAI Whisper STT provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key not configured")
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}

	L_info("stt: openai provider initialized", "model", cfg.Model)

	return &OpenAIProvider{
		client: openai.NewClient(cfg.APIKey),
		config: cfg,
	}, nil
}

// Transcribe sends the audio file to the Whisper API. Verbose JSON is
// requested so the response carries the detected language.
func (o *OpenAIProvider) Transcribe(ctx context.Context, filePath string) (Result, error) {
	L_debug("stt: openai transcribing", "file", filePath)

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.config.Model,
		FilePath: filePath,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Result{}, fmt.Errorf("openai transcription: %w", err)
	}

	result := Result{
		Text:     strings.TrimSpace(resp.Text),
		Language: normalizeLanguage(resp.Language),
	}
	L_debug("stt: openai transcription complete", "length", len(result.Text), "language", result.Language)

	return result, nil
}

// normalizeLanguage maps the Whisper API's language names ("english",
// "russian") to short codes where known; unknown names pass through.
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if code, ok := languageCodes[lang]; ok {
		return code
	}
	return lang
}

var languageCodes = map[string]string{
	"english":    "en",
	"russian":    "ru",
	"german":     "de",
	"french":     "fr",
	"spanish":    "es",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"polish":     "pl",
	"ukrainian":  "uk",
	"turkish":    "tr",
	"arabic":     "ar",
	"chinese":    "zh",
	"japanese":   "ja",
	"korean":     "ko",
	"hindi":      "hi",
}

// Name returns the provider name.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// Close releases any resources (none for the HTTP client).
func (o *OpenAIProvider) Close() error {
	return nil
}
