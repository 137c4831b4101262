package stt

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	. "github.com/maratb946/telegram-transcribe-bot/internal/logging"
)

// WhisperCppProvider implements STT using a local whisper.cpp model.
type WhisperCppProvider struct {
	model  whisper.Model
	config WhisperCppConfig

	// A model context is not safe for concurrent use; one transcription
	// at a time per loaded model.
	mu sync.Mutex
}

// WhisperCppConfig holds configuration for whisper.cpp.
type WhisperCppConfig struct {
	ModelsDir string `json:"modelsDir"` // Directory containing whisper models
	Model     string `json:"model"`     // Model file name (e.g., "ggml-base.bin")
	Language  string `json:"language"`  // Language code, "auto" to detect (default)
	Threads   uint   `json:"threads"`   // Number of threads (0 = auto)
}

// NewWhisperCppProvider loads the configured whisper.cpp model.
func NewWhisperCppProvider(cfg WhisperCppConfig) (*WhisperCppProvider, error) {
	if cfg.ModelsDir == "" {
		return nil, fmt.Errorf("whisper.cpp modelsDir not configured")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("whisper.cpp model not configured")
	}
	if cfg.Language == "" {
		cfg.Language = "auto"
	}

	modelPath := filepath.Join(cfg.ModelsDir, cfg.Model)
	L_info("stt: loading whisper.cpp model", "path", modelPath)

	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}

	L_info("stt: whisper.cpp model loaded", "multilingual", model.IsMultilingual())

	return &WhisperCppProvider{
		model:  model,
		config: cfg,
	}, nil
}

// Transcribe converts an audio file to text. The returned Result carries
// the language whisper detected during decoding.
func (w *WhisperCppProvider) Transcribe(ctx context.Context, filePath string) (Result, error) {
	L_debug("stt: whisper.cpp transcribing", "file", filePath)

	samples, err := ConvertToFloat32(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("convert audio: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	wctx, err := w.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create whisper context: %w", err)
	}

	if err := wctx.SetLanguage(w.config.Language); err != nil {
		L_warn("stt: failed to set language", "language", w.config.Language, "error", err)
	}
	if w.config.Threads > 0 {
		wctx.SetThreads(w.config.Threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("whisper process: %w", err)
	}

	var text strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("get segment: %w", err)
		}
		text.WriteString(segment.Text)
	}

	lang := wctx.DetectedLanguage()
	if lang == "" || lang == "auto" {
		lang = wctx.Language()
	}

	result := Result{
		Text:     strings.TrimSpace(text.String()),
		Language: lang,
	}
	L_debug("stt: whisper.cpp transcription complete", "length", len(result.Text), "language", result.Language)

	return result, nil
}

// Name returns the provider name.
func (w *WhisperCppProvider) Name() string {
	return "whispercpp"
}

// Close releases the whisper model.
func (w *WhisperCppProvider) Close() error {
	L_debug("stt: closing whisper.cpp model")
	return w.model.Close()
}
