// Package stt provides speech-to-text transcription for submitted audio.
package stt

import "context"

// Result is the outcome of a transcription. Text is empty (with a nil
// error) when no speech was detected; Language is the engine's detected
// language code and is authoritative for downstream correction.
type Result struct {
	Text     string
	Language string
}

// Provider is the interface for STT implementations.
type Provider interface {
	// Transcribe converts an audio file to text. filePath should point at
	// an audio file (OGG, MP3, WAV, etc.). The call honors ctx deadlines.
	Transcribe(ctx context.Context, filePath string) (Result, error)

	// Name returns the provider name (e.g., "whispercpp", "openai")
	Name() string

	// Close releases any resources held by the provider.
	Close() error
}
