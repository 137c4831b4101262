// Package correct provides grammar and style correction for transcripts.
// The implementation talks to a LanguageTool server; each call carries its
// own language parameter, so concurrent sessions in different languages
// cannot corrupt each other's targeting.
package correct

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/maratb946/telegram-transcribe-bot/internal/logging"
)

// Corrector applies language-appropriate grammar correction to text.
// Implementations must be safe for concurrent use across languages.
type Corrector interface {
	Correct(ctx context.Context, text, language string) (string, error)
}

// DefaultEndpoint is the public LanguageTool API.
const DefaultEndpoint = "https://api.languagetool.org"

// Config holds correction configuration.
type Config struct {
	Endpoint string `json:"endpoint"` // LanguageTool server base URL
	Timeout  int    `json:"timeout"`  // Request timeout in seconds (default 30)
}

// LanguageTool is a Corrector backed by a LanguageTool HTTP server.
type LanguageTool struct {
	endpoint string
	client   *http.Client
}

// NewLanguageTool creates a LanguageTool corrector.
func NewLanguageTool(cfg Config) *LanguageTool {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	logging.L_info("correct: languagetool corrector initialized", "endpoint", endpoint)

	return &LanguageTool{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// match is one issue reported by the /v2/check endpoint.
type match struct {
	Offset       int `json:"offset"`
	Length       int `json:"length"`
	Replacements []struct {
		Value string `json:"value"`
	} `json:"replacements"`
}

// Correct sends text to the server and applies the suggested replacements.
// Errors are returned to the caller; the workflow degrades to the raw text.
func (lt *LanguageTool) Correct(ctx context.Context, text, language string) (string, error) {
	form := url.Values{}
	form.Set("text", text)
	form.Set("language", sanitizeLanguage(language))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lt.endpoint+"/v2/check",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := lt.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logging.L_debug("correct: languagetool request failed", "status", resp.StatusCode, "body", truncate(string(body), 200))
		return "", fmt.Errorf("languagetool error: status %d", resp.StatusCode)
	}

	var result struct {
		Matches []match `json:"matches"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}

	corrected := applyMatches(text, result.Matches)
	logging.L_debug("correct: applied corrections", "matches", len(result.Matches), "language", language)

	return corrected, nil
}

// applyMatches applies each match's first replacement, back to front so
// earlier offsets stay valid. Offsets are code-point indices.
func applyMatches(text string, matches []match) string {
	if len(matches) == 0 {
		return text
	}

	runes := []rune(text)
	sorted := make([]match, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset > sorted[j].Offset })

	for _, m := range sorted {
		if len(m.Replacements) == 0 {
			continue
		}
		if m.Offset < 0 || m.Length < 0 || m.Offset+m.Length > len(runes) {
			continue
		}
		replacement := []rune(m.Replacements[0].Value)
		out := make([]rune, 0, len(runes)-m.Length+len(replacement))
		out = append(out, runes[:m.Offset]...)
		out = append(out, replacement...)
		out = append(out, runes[m.Offset+m.Length:]...)
		runes = out
	}

	return string(runes)
}

// shortCode matches plain ("ru") and regional ("en-US") language codes.
var shortCode = regexp.MustCompile(`^[a-zA-Z]{2,3}(-[a-zA-Z]{2,4})?$`)

// sanitizeLanguage passes through recognizable language codes and degrades
// anything else (including empty) to server-side auto detection.
func sanitizeLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" || !shortCode.MatchString(lang) {
		return "auto"
	}
	return lang
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
