// Package workflow implements the per-chat transcription state machine:
// audio in, transcript out, with user-driven correction and format
// branches in between. Every terminal path funnels through the same
// cleanup step so scratch audio can never leak.
package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/maratb946/telegram-transcribe-bot/internal/correct"
	. "github.com/maratb946/telegram-transcribe-bot/internal/logging"
	"github.com/maratb946/telegram-transcribe-bot/internal/render"
	"github.com/maratb946/telegram-transcribe-bot/internal/scratch"
	"github.com/maratb946/telegram-transcribe-bot/internal/stt"
)

// Choice signals accepted at the two suspension points. Any other signal
// arriving while a session waits is ignored, not an error.
const (
	SignalCorrectYes = "corr_yes"
	SignalCorrectNo  = "corr_no"
	SignalFormatMsg  = "fmt_msg"
	SignalFormatTXT  = "fmt_txt"
	SignalFormatDOCX = "fmt_docx"
	SignalFormatPDF  = "fmt_pdf"
)

// Choice is one option presented to the user.
type Choice struct {
	Label  string
	Signal string
}

// AudioRef identifies a submitted audio object on the messaging side.
type AudioRef struct {
	FileID   string
	FileName string // original file name, used for the extension hint
}

// Messenger is the outbound port to the messaging transport. DeleteMessage
// is best-effort; everything else reports failures to the caller.
type Messenger interface {
	SendText(chatID int64, text string) (messageID int, err error)
	EditText(chatID int64, messageID int, text string, choices ...Choice) error
	DeleteMessage(chatID int64, messageID int) error
	SendDocument(chatID int64, filePath, displayName string) error
	DownloadAudio(ctx context.Context, ref AudioRef) ([]byte, error)
}

// Config holds workflow tuning knobs.
type Config struct {
	StepTimeout int `json:"stepTimeout"` // Per-step deadline in seconds (default 120)
	SessionTTL  int `json:"sessionTTL"`  // Idle session expiry in seconds (default 1800)
}

// Engine orchestrates sessions against the adapter ports.
type Engine struct {
	messenger Messenger
	provider  stt.Provider
	corrector correct.Corrector
	renderer  *render.Renderer
	scratch   *scratch.Store
	sessions  *Store
	config    Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a workflow engine. The corrector may be nil, in which case
// accepting correction degrades to the raw transcript.
func New(m Messenger, provider stt.Provider, corrector correct.Corrector, renderer *render.Renderer, store *scratch.Store, cfg Config) *Engine {
	return &Engine{
		messenger: m,
		provider:  provider,
		corrector: corrector,
		renderer:  renderer,
		scratch:   store,
		sessions:  NewStore(),
		config:    cfg,
		stopCh:    make(chan struct{}),
	}
}

// Sessions exposes the session store (used by tests and status reporting).
func (e *Engine) Sessions() *Store {
	return e.sessions
}

func (e *Engine) stepTimeout() time.Duration {
	if e.config.StepTimeout > 0 {
		return time.Duration(e.config.StepTimeout) * time.Second
	}
	return 2 * time.Minute
}

func (e *Engine) sessionTTL() time.Duration {
	if e.config.SessionTTL > 0 {
		return time.Duration(e.config.SessionTTL) * time.Second
	}
	return 30 * time.Minute
}

// HandleNonAudio reacts to a submission that is not audio: user-visible
// guidance, no session side effects.
func (e *Engine) HandleNonAudio(chatID int64) error {
	_, err := e.messenger.SendText(chatID, "Please send a voice message or an audio file.")
	return err
}

// HandleAudio runs the processing phase for a new audio submission:
// download into a tracked scratch file, transcribe, then suspend awaiting
// the correction choice. A chat with an active session is rejected with a
// notice and the active session is left untouched.
func (e *Engine) HandleAudio(ctx context.Context, chatID int64, ref AudioRef) error {
	sess, err := e.sessions.Create(chatID)
	if err != nil {
		L_debug("workflow: submission rejected, session active", "chatID", chatID)
		_, _ = e.messenger.SendText(chatID, "I'm still working on your previous audio. Finish it first or wait for it to expire.")
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	// Terminal unless the session reaches a suspension point.
	suspended := false
	defer func() {
		if !suspended {
			e.endSession(sess)
		}
	}()

	start := time.Now()

	if id, err := e.messenger.SendText(chatID, "📥 Downloading audio..."); err == nil {
		sess.ProgressMsgID = id
	} else {
		L_warn("workflow: failed to send progress message", "chatID", chatID, "error", err)
	}

	dlCtx, cancel := context.WithTimeout(ctx, e.stepTimeout())
	data, err := e.messenger.DownloadAudio(dlCtx, ref)
	cancel()
	if err != nil {
		e.reportError(sess, fmt.Sprintf("⚠️ Error: %s", err))
		return nil
	}

	handle, err := e.scratch.Save(data, audioExt(ref.FileName))
	if err != nil {
		e.reportError(sess, fmt.Sprintf("⚠️ Error: %s", err))
		return nil
	}
	sess.Audio = handle

	e.editProgress(sess, "🔄 Transcribing speech...")

	path, err := handle.Path()
	if err != nil {
		e.reportError(sess, fmt.Sprintf("⚠️ Error: %s", err))
		return nil
	}

	sttCtx, cancel := context.WithTimeout(ctx, e.stepTimeout())
	result, err := e.provider.Transcribe(sttCtx, path)
	cancel()
	if err != nil {
		e.reportError(sess, fmt.Sprintf("⚠️ Error: %s", err))
		return nil
	}

	if strings.TrimSpace(result.Text) == "" {
		e.reportError(sess, "❌ Could not recognize any speech.")
		return nil
	}

	sess.RawText = result.Text
	sess.Language = result.Language
	sess.State = StateAwaitingCorrection
	sess.touch()
	suspended = true

	L_elapsed(start, "workflow: transcript ready",
		"chatID", chatID,
		"language", result.Language,
		"length", len(result.Text),
	)

	prompt := fmt.Sprintf("Transcript ready! Language: %s\n\nWant me to fix grammar mistakes?",
		strings.ToUpper(result.Language))
	e.editProgress(sess, prompt,
		Choice{Label: "✅ Yes", Signal: SignalCorrectYes},
		Choice{Label: "❌ No", Signal: SignalCorrectNo},
	)

	return nil
}

// HandleSignal delivers a user choice to the chat's session. Signals that
// do not match the session's current suspension point are ignored.
func (e *Engine) HandleSignal(ctx context.Context, chatID int64, signal string) error {
	sess := e.sessions.Get(chatID)
	if sess == nil {
		L_debug("workflow: signal without session ignored", "chatID", chatID, "signal", signal)
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.ended {
		L_debug("workflow: signal for ended session ignored", "chatID", chatID, "signal", signal)
		return nil
	}

	switch sess.State {
	case StateAwaitingCorrection:
		return e.resolveCorrection(ctx, sess, signal)
	case StateAwaitingFormat:
		return e.resolveFormat(ctx, sess, signal)
	default:
		L_debug("workflow: signal in non-waiting state ignored",
			"chatID", chatID, "signal", signal, "state", sess.State.String())
		return nil
	}
}

// resolveCorrection applies the yes/no correction decision. Correction
// failures are non-fatal: log, degrade to the raw transcript, continue.
func (e *Engine) resolveCorrection(ctx context.Context, sess *Session, signal string) error {
	switch signal {
	case SignalCorrectYes:
		sess.FinalText = e.correctOrFallback(ctx, sess)
	case SignalCorrectNo:
		sess.FinalText = sess.RawText
	default:
		L_debug("workflow: invalid correction signal ignored", "chatID", sess.ChatID, "signal", signal)
		return nil
	}

	sess.State = StateAwaitingFormat
	sess.touch()

	e.editProgress(sess, "Which format do you want the transcript in?",
		Choice{Label: "📩 Message", Signal: SignalFormatMsg},
		Choice{Label: "📄 TXT", Signal: SignalFormatTXT},
		Choice{Label: "📝 DOCX", Signal: SignalFormatDOCX},
		Choice{Label: "📄 PDF", Signal: SignalFormatPDF},
	)

	return nil
}

// correctOrFallback invokes the corrector and falls back to the raw
// transcript on any fault.
func (e *Engine) correctOrFallback(ctx context.Context, sess *Session) string {
	if e.corrector == nil {
		L_debug("workflow: no corrector configured, using raw transcript", "chatID", sess.ChatID)
		return sess.RawText
	}

	corrCtx, cancel := context.WithTimeout(ctx, e.stepTimeout())
	defer cancel()

	corrected, err := e.corrector.Correct(corrCtx, sess.RawText, sess.Language)
	if err != nil {
		L_warn("workflow: correction failed, using raw transcript",
			"chatID", sess.ChatID, "language", sess.Language, "error", err)
		return sess.RawText
	}
	return corrected
}

// resolveFormat dispatches delivery for the chosen format. This is the
// terminal step: whatever happens, the session's scratch audio is released
// and the session removed.
func (e *Engine) resolveFormat(ctx context.Context, sess *Session, signal string) error {
	var format render.Format
	switch signal {
	case SignalFormatMsg:
		format = render.FormatInline
	case SignalFormatTXT:
		format = render.FormatTXT
	case SignalFormatDOCX:
		format = render.FormatDOCX
	case SignalFormatPDF:
		format = render.FormatPDF
	default:
		L_debug("workflow: invalid format signal ignored", "chatID", sess.ChatID, "signal", signal)
		return nil
	}

	// Unconditional cleanup: render or delivery failures must never leave
	// the scratch audio behind.
	defer e.endSession(sess)

	// Removing the progress indicator is cosmetic; failures are swallowed.
	if sess.ProgressMsgID != 0 {
		if err := e.messenger.DeleteMessage(sess.ChatID, sess.ProgressMsgID); err != nil {
			L_debug("workflow: failed to delete progress message", "chatID", sess.ChatID, "error", err)
		}
	}

	if format == render.FormatInline {
		if err := e.deliverInline(sess); err != nil {
			L_error("workflow: inline delivery failed", "chatID", sess.ChatID, "error", err)
			_, _ = e.messenger.SendText(sess.ChatID, fmt.Sprintf("❌ Failed to deliver the transcript: %s", err))
		}
		return nil
	}

	artifact, err := e.renderer.Render(sess.FinalText, format, time.Now())
	if err != nil {
		L_error("workflow: render failed", "chatID", sess.ChatID, "format", string(format), "error", err)
		_, _ = e.messenger.SendText(sess.ChatID, fmt.Sprintf("❌ Failed to create the file: %s", err))
		return nil
	}
	defer artifact.Release()

	path, err := artifact.Path()
	if err != nil {
		_, _ = e.messenger.SendText(sess.ChatID, fmt.Sprintf("❌ Failed to create the file: %s", err))
		return nil
	}

	if err := e.messenger.SendDocument(sess.ChatID, path, render.FileName(format)); err != nil {
		L_error("workflow: document delivery failed", "chatID", sess.ChatID, "error", err)
		_, _ = e.messenger.SendText(sess.ChatID, fmt.Sprintf("❌ Failed to deliver the file: %s", err))
	}

	return nil
}

// inlineHeader prefixes a transcript that fits in a single message.
const inlineHeader = "✅ Transcript:\n\n"

// deliverInline sends the transcript as chat messages, split into chunks
// of at most InlineLimit code points when it does not fit in one.
func (e *Engine) deliverInline(sess *Session) error {
	text := sess.FinalText

	if utf8.RuneCountInString(text) <= render.InlineLimit {
		msg := inlineHeader + text
		if utf8.RuneCountInString(msg) > render.InlineLimit {
			msg = text
		}
		_, err := e.messenger.SendText(sess.ChatID, msg)
		return err
	}

	if _, err := e.messenger.SendText(sess.ChatID, "✅ Transcript (sent in parts):"); err != nil {
		return err
	}

	for i, chunk := range render.SplitInline(text, render.InlineLimit) {
		if _, err := e.messenger.SendText(sess.ChatID, chunk); err != nil {
			return fmt.Errorf("send part %d: %w", i+1, err)
		}
	}
	return nil
}

// reportError surfaces a terminal failure on the progress message (or a
// fresh one) before the deferred cleanup runs.
func (e *Engine) reportError(sess *Session, text string) {
	e.editProgress(sess, text)
}

// editProgress updates the session's status message in place, creating it
// if there is none yet.
func (e *Engine) editProgress(sess *Session, text string, choices ...Choice) {
	if sess.ProgressMsgID == 0 {
		id, err := e.messenger.SendText(sess.ChatID, text)
		if err != nil {
			L_warn("workflow: failed to send status message", "chatID", sess.ChatID, "error", err)
			return
		}
		sess.ProgressMsgID = id
		if len(choices) == 0 {
			return
		}
	}
	if err := e.messenger.EditText(sess.ChatID, sess.ProgressMsgID, text, choices...); err != nil {
		L_debug("workflow: failed to edit status message", "chatID", sess.ChatID, "error", err)
	}
}

// endSession releases the session's scratch audio exactly once and removes
// the session. This is the single cleanup funnel for every terminal path.
func (e *Engine) endSession(sess *Session) {
	sess.ended = true
	if sess.Audio != nil {
		sess.Audio.Release()
	}
	e.sessions.Delete(sess.ChatID)
	L_debug("workflow: session ended", "chatID", sess.ChatID)
}

// Start launches the idle session reaper.
func (e *Engine) Start() {
	interval := e.sessionTTL() / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.reapIdle()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop halts the reaper and releases every remaining session.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()

	for _, sess := range e.sessions.all() {
		sess.mu.Lock()
		e.endSession(sess)
		sess.mu.Unlock()
	}
}

// reapIdle expires sessions stuck at a suspension point past the TTL.
// The expiry notice is best-effort.
func (e *Engine) reapIdle() {
	cutoff := time.Now().Add(-e.sessionTTL())
	for _, sess := range e.sessions.idleBefore(cutoff) {
		sess.mu.Lock()
		if sess.ended {
			sess.mu.Unlock()
			continue
		}
		L_info("workflow: expiring idle session", "chatID", sess.ChatID, "state", sess.State.String())
		e.endSession(sess)
		sess.mu.Unlock()

		_, _ = e.messenger.SendText(sess.ChatID, "⏳ Session expired. Send the audio again if you still need the transcript.")
	}
}

// audioExt picks a scratch file extension from the submitted file name;
// Telegram voice notes have no name and default to OGG.
func audioExt(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return ".ogg"
	}
	return ext
}
