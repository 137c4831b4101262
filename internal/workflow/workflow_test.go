package workflow

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/maratb946/telegram-transcribe-bot/internal/render"
	"github.com/maratb946/telegram-transcribe-bot/internal/scratch"
	"github.com/maratb946/telegram-transcribe-bot/internal/stt"
)

// --- fakes ---

type sentMsg struct {
	chatID int64
	text   string
}

type editMsg struct {
	chatID    int64
	messageID int
	text      string
	choices   []Choice
}

type sentDoc struct {
	chatID  int64
	name    string
	content []byte
}

type fakeMessenger struct {
	mu      sync.Mutex
	nextID  int
	sent    []sentMsg
	edits   []editMsg
	deleted []int
	docs    []sentDoc

	downloadErr error
	deleteErr   error
}

func (m *fakeMessenger) SendText(chatID int64, text string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.sent = append(m.sent, sentMsg{chatID: chatID, text: text})
	return m.nextID, nil
}

func (m *fakeMessenger) EditText(chatID int64, messageID int, text string, choices ...Choice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, editMsg{chatID: chatID, messageID: messageID, text: text, choices: choices})
	return nil
}

func (m *fakeMessenger) DeleteMessage(chatID int64, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, messageID)
	return nil
}

func (m *fakeMessenger) SendDocument(chatID int64, filePath, displayName string) error {
	// Capture content at delivery time; the artifact is released afterwards
	content, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, sentDoc{chatID: chatID, name: displayName, content: content})
	return nil
}

func (m *fakeMessenger) DownloadAudio(ctx context.Context, ref AudioRef) ([]byte, error) {
	if m.downloadErr != nil {
		return nil, m.downloadErr
	}
	return []byte("audio:" + ref.FileID), nil
}

func (m *fakeMessenger) lastEdit(t *testing.T) editMsg {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		t.Fatal("no edits recorded")
	}
	return m.edits[len(m.edits)-1]
}

func (m *fakeMessenger) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.text
	}
	return out
}

type fakeProvider struct {
	result    stt.Result
	err       error
	byContent map[string]stt.Result
}

func (p *fakeProvider) Transcribe(ctx context.Context, filePath string) (stt.Result, error) {
	if p.err != nil {
		return stt.Result{}, p.err
	}
	if p.byContent != nil {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return stt.Result{}, err
		}
		return p.byContent[string(data)], nil
	}
	return p.result, nil
}

func (p *fakeProvider) Name() string { return "fake" }
func (p *fakeProvider) Close() error { return nil }

type fakeCorrector struct {
	fn func(text, language string) (string, error)
}

func (c *fakeCorrector) Correct(ctx context.Context, text, language string) (string, error) {
	return c.fn(text, language)
}

// --- helpers ---

func newTestEngine(t *testing.T, m Messenger, provider stt.Provider, corrector *fakeCorrector) (*Engine, *scratch.Store) {
	t.Helper()
	store, err := scratch.NewStore(scratch.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create scratch store: %v", err)
	}
	renderer := render.New(store, render.Config{})

	// A typed nil corrector must not become a non-nil interface.
	if corrector == nil {
		return New(m, provider, nil, renderer, store, Config{}), store
	}
	return New(m, provider, corrector, renderer, store, Config{}), store
}

func scratchEmpty(t *testing.T, store *scratch.Store) bool {
	t.Helper()
	entries, err := os.ReadDir(store.BaseDir())
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	return len(entries) == 0
}

func submitAudio(t *testing.T, e *Engine, chatID int64, fileID string) {
	t.Helper()
	if err := e.HandleAudio(context.Background(), chatID, AudioRef{FileID: fileID}); err != nil {
		t.Fatalf("handle audio failed: %v", err)
	}
}

// --- tests ---

func TestHappyPathDeclineCorrectionTXT(t *testing.T) {
	m := &fakeMessenger{}
	provider := &fakeProvider{result: stt.Result{Text: "hello world", Language: "en"}}
	e, store := newTestEngine(t, m, provider, nil)

	submitAudio(t, e, 1, "f1")

	sess := e.Sessions().Get(1)
	if sess == nil {
		t.Fatal("no session after audio submission")
	}
	if sess.State != StateAwaitingCorrection {
		t.Fatalf("state = %s, want awaiting-correction", sess.State)
	}
	if sess.RawText != "hello world" || sess.Language != "en" {
		t.Errorf("transcript = %q/%q", sess.RawText, sess.Language)
	}

	if err := e.HandleSignal(context.Background(), 1, SignalCorrectNo); err != nil {
		t.Fatalf("correction signal failed: %v", err)
	}

	sess = e.Sessions().Get(1)
	if sess.FinalText != sess.RawText {
		t.Errorf("declined correction: finalText = %q, want rawText %q", sess.FinalText, sess.RawText)
	}
	if sess.State != StateAwaitingFormat {
		t.Fatalf("state = %s, want awaiting-format", sess.State)
	}

	lastEdit := m.lastEdit(t)
	if len(lastEdit.choices) != 4 {
		t.Errorf("format prompt has %d choices, want 4", len(lastEdit.choices))
	}

	if err := e.HandleSignal(context.Background(), 1, SignalFormatTXT); err != nil {
		t.Fatalf("format signal failed: %v", err)
	}

	if len(m.docs) != 1 {
		t.Fatalf("documents sent = %d, want 1", len(m.docs))
	}
	if string(m.docs[0].content) != "hello world" {
		t.Errorf("txt content = %q, want exactly the transcript", m.docs[0].content)
	}
	if m.docs[0].name != "transcript.txt" {
		t.Errorf("attachment name = %q", m.docs[0].name)
	}

	// Terminal path: session gone, progress message removed, scratch clean
	if e.Sessions().Get(1) != nil {
		t.Errorf("session still present after delivery")
	}
	if len(m.deleted) != 1 {
		t.Errorf("progress message not deleted")
	}
	if !scratchEmpty(t, store) {
		t.Errorf("scratch artifacts leaked")
	}
}

func TestEmptyTranscriptIsTerminal(t *testing.T) {
	m := &fakeMessenger{}
	provider := &fakeProvider{result: stt.Result{Text: "   ", Language: "en"}}
	e, store := newTestEngine(t, m, provider, nil)

	submitAudio(t, e, 1, "silent")

	if !strings.Contains(m.lastEdit(t).text, "Could not recognize") {
		t.Errorf("missing recognition failure notice, got %q", m.lastEdit(t).text)
	}
	if e.Sessions().Get(1) != nil {
		t.Errorf("session survived empty transcript")
	}
	if !scratchEmpty(t, store) {
		t.Errorf("scratch audio leaked on empty transcript")
	}
}

func TestTranscriptionFailureIsTerminal(t *testing.T) {
	m := &fakeMessenger{}
	provider := &fakeProvider{err: fmt.Errorf("model exploded")}
	e, store := newTestEngine(t, m, provider, nil)

	submitAudio(t, e, 1, "bad")

	// The raw error text is surfaced to the user
	if !strings.Contains(m.lastEdit(t).text, "model exploded") {
		t.Errorf("error not surfaced verbatim, got %q", m.lastEdit(t).text)
	}
	if e.Sessions().Get(1) != nil {
		t.Errorf("session survived transcription failure")
	}
	if !scratchEmpty(t, store) {
		t.Errorf("scratch audio leaked on transcription failure")
	}
}

func TestDownloadFailureIsTerminal(t *testing.T) {
	m := &fakeMessenger{downloadErr: fmt.Errorf("network down")}
	provider := &fakeProvider{result: stt.Result{Text: "unused"}}
	e, store := newTestEngine(t, m, provider, nil)

	submitAudio(t, e, 1, "f1")

	if !strings.Contains(m.lastEdit(t).text, "network down") {
		t.Errorf("download error not surfaced, got %q", m.lastEdit(t).text)
	}
	if e.Sessions().Get(1) != nil {
		t.Errorf("session survived download failure")
	}
	if !scratchEmpty(t, store) {
		t.Errorf("scratch leaked on download failure")
	}
}

func TestCorrectionFailureFallsBack(t *testing.T) {
	m := &fakeMessenger{}
	provider := &fakeProvider{result: stt.Result{Text: "raw words", Language: "en"}}
	corrector := &fakeCorrector{fn: func(text, language string) (string, error) {
		return "", fmt.Errorf("engine fault")
	}}
	e, _ := newTestEngine(t, m, provider, corrector)

	submitAudio(t, e, 1, "f1")

	if err := e.HandleSignal(context.Background(), 1, SignalCorrectYes); err != nil {
		t.Fatalf("correction signal failed: %v", err)
	}

	sess := e.Sessions().Get(1)
	if sess == nil {
		t.Fatal("session aborted on correction failure")
	}
	if sess.FinalText != "raw words" {
		t.Errorf("finalText = %q, want raw transcript fallback", sess.FinalText)
	}
	// Correction failure must not abort: the workflow reaches format choice
	if sess.State != StateAwaitingFormat {
		t.Errorf("state = %s, want awaiting-format", sess.State)
	}
}

func TestCorrectionApplied(t *testing.T) {
	m := &fakeMessenger{}
	provider := &fakeProvider{result: stt.Result{Text: "helo world", Language: "en"}}
	corrector := &fakeCorrector{fn: func(text, language string) (string, error) {
		return strings.Replace(text, "helo", "hello", 1), nil
	}}
	e, _ := newTestEngine(t, m, provider, corrector)

	submitAudio(t, e, 1, "f1")
	if err := e.HandleSignal(context.Background(), 1, SignalCorrectYes); err != nil {
		t.Fatalf("correction signal failed: %v", err)
	}

	if got := e.Sessions().Get(1).FinalText; got != "hello world" {
		t.Errorf("finalText = %q, want corrected text", got)
	}
}

func TestInvalidSignalIgnoredWhileAwaiting(t *testing.T) {
	m := &fakeMessenger{}
	provider := &fakeProvider{result: stt.Result{Text: "text", Language: "en"}}
	e, _ := newTestEngine(t, m, provider, nil)

	submitAudio(t, e, 1, "f1")

	// A format signal during the correction wait changes nothing
	if err := e.HandleSignal(context.Background(), 1, SignalFormatPDF); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess := e.Sessions().Get(1)
	if sess.State != StateAwaitingCorrection {
		t.Errorf("state advanced on invalid signal: %s", sess.State)
	}
	if sess.FinalText != "" {
		t.Errorf("finalText set by invalid signal")
	}

	// The valid signal still works afterwards
	if err := e.HandleSignal(context.Background(), 1, SignalCorrectNo); err != nil {
		t.Fatalf("correction signal failed: %v", err)
	}
	if e.Sessions().Get(1).State != StateAwaitingFormat {
		t.Errorf("valid signal after invalid one did not advance")
	}
}

func TestSignalWithoutSessionIgnored(t *testing.T) {
	m := &fakeMessenger{}
	e, _ := newTestEngine(t, m, &fakeProvider{}, nil)

	if err := e.HandleSignal(context.Background(), 42, SignalCorrectYes); err != nil {
		t.Errorf("stray signal errored: %v", err)
	}
}

func TestInlineDeliveryShortText(t *testing.T) {
	m := &fakeMessenger{}
	provider := &fakeProvider{result: stt.Result{Text: "short transcript", Language: "en"}}
	e, store := newTestEngine(t, m, provider, nil)

	submitAudio(t, e, 1, "f1")
	_ = e.HandleSignal(context.Background(), 1, SignalCorrectNo)

	before := len(m.sentTexts())
	if err := e.HandleSignal(context.Background(), 1, SignalFormatMsg); err != nil {
		t.Fatalf("format signal failed: %v", err)
	}

	texts := m.sentTexts()[before:]
	if len(texts) != 1 {
		t.Fatalf("messages sent = %d, want 1", len(texts))
	}
	if !strings.Contains(texts[0], "short transcript") {
		t.Errorf("delivered message missing transcript: %q", texts[0])
	}
	if !scratchEmpty(t, store) {
		t.Errorf("scratch leaked on inline delivery")
	}
}

func TestInlineDeliverySplitsLongText(t *testing.T) {
	long := strings.Repeat("x", 9000)
	m := &fakeMessenger{}
	provider := &fakeProvider{result: stt.Result{Text: long, Language: "en"}}
	e, _ := newTestEngine(t, m, provider, nil)

	submitAudio(t, e, 1, "f1")
	_ = e.HandleSignal(context.Background(), 1, SignalCorrectNo)

	before := len(m.sentTexts())
	if err := e.HandleSignal(context.Background(), 1, SignalFormatMsg); err != nil {
		t.Fatalf("format signal failed: %v", err)
	}

	texts := m.sentTexts()[before:]
	// A preface message, then exactly ceil(9000/4096) = 3 chunks
	if len(texts) != 4 {
		t.Fatalf("messages sent = %d, want preface + 3 chunks", len(texts))
	}

	chunks := texts[1:]
	wantLens := []int{4096, 4096, 808}
	for i, chunk := range chunks {
		if n := utf8.RuneCountInString(chunk); n != wantLens[i] {
			t.Errorf("chunk %d length = %d, want %d", i, n, wantLens[i])
		}
	}
	if strings.Join(chunks, "") != long {
		t.Errorf("concatenated chunks do not reproduce the transcript")
	}
}

func TestRenderFailureStillCleansUp(t *testing.T) {
	m := &fakeMessenger{}
	provider := &fakeProvider{result: stt.Result{Text: "text", Language: "en"}}

	// Engine scratch is writable, renderer scratch is broken: replacing
	// its base directory with a regular file makes every artifact write
	// fail while the audio download still succeeds.
	audioStore, err := scratch.NewStore(scratch.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("create audio store: %v", err)
	}
	brokenDir := t.TempDir() + "/artifacts"
	renderStore, err := scratch.NewStore(scratch.Config{Dir: brokenDir})
	if err != nil {
		t.Fatalf("create render store: %v", err)
	}
	if err := os.Remove(brokenDir); err != nil {
		t.Fatalf("remove render dir: %v", err)
	}
	if err := os.WriteFile(brokenDir, nil, 0600); err != nil {
		t.Fatalf("block render dir: %v", err)
	}

	e := New(m, provider, nil, render.New(renderStore, render.Config{}), audioStore, Config{})

	submitAudio(t, e, 1, "f1")
	_ = e.HandleSignal(context.Background(), 1, SignalCorrectNo)

	if err := e.HandleSignal(context.Background(), 1, SignalFormatTXT); err != nil {
		t.Fatalf("format signal failed: %v", err)
	}

	texts := m.sentTexts()
	if !strings.Contains(texts[len(texts)-1], "Failed to create the file") {
		t.Errorf("render failure not reported, got %q", texts[len(texts)-1])
	}

	// Cleanup must run despite the render failure
	if e.Sessions().Get(1) != nil {
		t.Errorf("session survived render failure")
	}
	if !scratchEmpty(t, audioStore) {
		t.Errorf("scratch audio leaked on render failure")
	}
}

func TestSecondSubmissionRejected(t *testing.T) {
	m := &fakeMessenger{}
	provider := &fakeProvider{result: stt.Result{Text: "first", Language: "en"}}
	e, _ := newTestEngine(t, m, provider, nil)

	submitAudio(t, e, 1, "f1")
	submitAudio(t, e, 1, "f2")

	sess := e.Sessions().Get(1)
	if sess == nil || sess.RawText != "first" {
		t.Fatalf("active session disturbed by second submission")
	}

	var rejected bool
	for _, text := range m.sentTexts() {
		if strings.Contains(text, "still working") {
			rejected = true
		}
	}
	if !rejected {
		t.Errorf("second submission not rejected with a notice")
	}
}

func TestNonAudioGuidance(t *testing.T) {
	m := &fakeMessenger{}
	e, _ := newTestEngine(t, m, &fakeProvider{}, nil)

	if err := e.HandleNonAudio(7); err != nil {
		t.Fatalf("non-audio guidance failed: %v", err)
	}
	texts := m.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "voice message or an audio file") {
		t.Errorf("guidance message missing, got %v", texts)
	}
	if e.Sessions().Len() != 0 {
		t.Errorf("non-audio submission created a session")
	}
}

func TestDeleteFailureIsSwallowed(t *testing.T) {
	m := &fakeMessenger{deleteErr: fmt.Errorf("already deleted")}
	provider := &fakeProvider{result: stt.Result{Text: "text", Language: "en"}}
	e, store := newTestEngine(t, m, provider, nil)

	submitAudio(t, e, 1, "f1")
	_ = e.HandleSignal(context.Background(), 1, SignalCorrectNo)

	if err := e.HandleSignal(context.Background(), 1, SignalFormatTXT); err != nil {
		t.Fatalf("format signal failed: %v", err)
	}

	// Cosmetic delete failure must not block delivery or cleanup
	if len(m.docs) != 1 {
		t.Errorf("document not delivered after delete failure")
	}
	if !scratchEmpty(t, store) {
		t.Errorf("scratch leaked after delete failure")
	}
}

func TestConcurrentSessionsKeepLanguagesApart(t *testing.T) {
	m := &fakeMessenger{}
	provider := &fakeProvider{byContent: map[string]stt.Result{
		"audio:ru": {Text: "privet", Language: "ru"},
		"audio:en": {Text: "hello", Language: "en"},
	}}
	corrector := &fakeCorrector{fn: func(text, language string) (string, error) {
		return text + " [" + language + "]", nil
	}}
	e, _ := newTestEngine(t, m, provider, corrector)

	var wg sync.WaitGroup
	for _, c := range []struct {
		chatID int64
		fileID string
	}{{1, "ru"}, {2, "en"}} {
		wg.Add(1)
		go func(chatID int64, fileID string) {
			defer wg.Done()
			_ = e.HandleAudio(context.Background(), chatID, AudioRef{FileID: fileID})
			_ = e.HandleSignal(context.Background(), chatID, SignalCorrectYes)
		}(c.chatID, c.fileID)
	}
	wg.Wait()

	ru := e.Sessions().Get(1)
	en := e.Sessions().Get(2)
	if ru == nil || en == nil {
		t.Fatal("sessions missing after concurrent runs")
	}
	if ru.FinalText != "privet [ru]" {
		t.Errorf("chat 1 finalText = %q, want correction in ru", ru.FinalText)
	}
	if en.FinalText != "hello [en]" {
		t.Errorf("chat 2 finalText = %q, want correction in en", en.FinalText)
	}
}

func TestIdleReaperExpiresSessions(t *testing.T) {
	m := &fakeMessenger{}
	provider := &fakeProvider{result: stt.Result{Text: "stale", Language: "en"}}
	e, store := newTestEngine(t, m, provider, nil)

	submitAudio(t, e, 1, "f1")

	sess := e.Sessions().Get(1)
	if sess == nil {
		t.Fatal("no session")
	}
	sess.LastActivity = time.Now().Add(-time.Hour)

	e.reapIdle()

	if e.Sessions().Get(1) != nil {
		t.Errorf("idle session not reaped")
	}
	if !scratchEmpty(t, store) {
		t.Errorf("scratch audio leaked on idle expiry")
	}

	var notified bool
	for _, text := range m.sentTexts() {
		if strings.Contains(text, "expired") {
			notified = true
		}
	}
	if !notified {
		t.Errorf("expiry notice not sent")
	}
}

func TestSessionStore(t *testing.T) {
	st := NewStore()

	sess, err := st.Create(1)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if st.Get(1) != sess {
		t.Errorf("get returned different session")
	}

	if _, err := st.Create(1); err != ErrSessionActive {
		t.Errorf("collision error = %v, want ErrSessionActive", err)
	}

	st.Delete(1)
	if st.Get(1) != nil {
		t.Errorf("session survived delete")
	}
	if _, err := st.Create(1); err != nil {
		t.Errorf("create after delete failed: %v", err)
	}
}
