package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/maratb946/telegram-transcribe-bot/internal/scratch"
)

// State is a session's position in the workflow. Transitions are
// monotonic: Processing -> AwaitingCorrection -> AwaitingFormat ->
// terminal. There are no backward transitions.
type State int

const (
	// StateProcessing covers download and transcription; no user signal
	// is accepted while in it.
	StateProcessing State = iota

	// StateAwaitingCorrection waits for the yes/no correction choice.
	StateAwaitingCorrection

	// StateAwaitingFormat waits for the delivery format choice.
	StateAwaitingFormat
)

func (s State) String() string {
	switch s {
	case StateProcessing:
		return "processing"
	case StateAwaitingCorrection:
		return "awaiting-correction"
	case StateAwaitingFormat:
		return "awaiting-format"
	default:
		return "unknown"
	}
}

// Session tracks one audio-to-document workflow for a chat. Fields are
// guarded by mu; a session is only ever advanced by one signal at a time.
type Session struct {
	ChatID int64
	State  State

	// RawText is the transcript as produced by STT, immutable once set.
	RawText  string
	Language string

	// FinalText is RawText after the correction decision, set exactly once.
	FinalText string

	// Audio owns the downloaded scratch artifact until released.
	Audio *scratch.Handle

	// ProgressMsgID references the status message edited in place.
	ProgressMsgID int

	LastActivity time.Time

	// ended marks a terminated session so late signals cannot revive it.
	ended bool

	mu sync.Mutex
}

// touch records activity for the idle reaper.
func (s *Session) touch() {
	s.LastActivity = time.Now()
}

// ErrSessionActive is returned when a chat already has a running session.
var ErrSessionActive = fmt.Errorf("a session is already active for this chat")

// Store maps chat identity to its active session. At most one session
// exists per chat; concurrent submissions are rejected at Create.
type Store struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[int64]*Session)}
}

// Create registers a new session for the chat. Returns ErrSessionActive
// if one already exists.
func (st *Store) Create(chatID int64) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.sessions[chatID]; exists {
		return nil, ErrSessionActive
	}

	sess := &Session{
		ChatID:       chatID,
		State:        StateProcessing,
		LastActivity: time.Now(),
	}
	st.sessions[chatID] = sess
	return sess, nil
}

// Get returns the chat's active session, or nil.
func (st *Store) Get(chatID int64) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[chatID]
}

// Delete removes the chat's session. It does not release resources;
// that is the engine's job.
func (st *Store) Delete(chatID int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, chatID)
}

// Len returns the number of active sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// idleBefore returns sessions whose last activity predates the cutoff.
func (st *Store) idleBefore(cutoff time.Time) []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	var idle []*Session
	for _, sess := range st.sessions {
		if sess.LastActivity.Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	return idle
}

// all returns every active session.
func (st *Store) all() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		out = append(out, sess)
	}
	return out
}
