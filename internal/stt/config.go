package stt

import "fmt"

// Config holds STT configuration.
type Config struct {
	Provider   string           `json:"provider"`   // "whispercpp" or "openai"
	WhisperCpp WhisperCppConfig `json:"whispercpp"` // Local whisper.cpp
	OpenAI     OpenAIConfig     `json:"openai"`     // OpenAI Whisper API
}

// NewProvider constructs the configured STT provider.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "whispercpp":
		return NewWhisperCppProvider(cfg.WhisperCpp)
	case "openai":
		return NewOpenAIProvider(cfg.OpenAI)
	case "":
		return nil, fmt.Errorf("stt: no provider configured")
	default:
		return nil, fmt.Errorf("stt: unknown provider: %s", cfg.Provider)
	}
}
