// Package scratch manages temporary files created during a transcription
// workflow. Every artifact is wrapped in a Handle whose Release is safe to
// call from any terminal path and runs at most once. A background reaper
// removes orphans that outlive their TTL, but the workflow is expected to
// release every handle explicitly.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maratb946/telegram-transcribe-bot/internal/logging"
)

const (
	// DefaultDir is the fallback scratch directory.
	DefaultDir = "~/.transcribebot/scratch"

	// DefaultTTL is how long an orphaned scratch file may live before the
	// reaper removes it.
	DefaultTTL = 30 * time.Minute

	// MaxScratchBytes caps a single scratch artifact (20MB, matches the
	// Telegram bot API download limit).
	MaxScratchBytes = 20 * 1024 * 1024
)

// Config configures the scratch store.
type Config struct {
	Dir     string `json:"dir"`     // Base directory (default ~/.transcribebot/scratch)
	TTL     int    `json:"ttl"`     // Orphan TTL in seconds (default 1800)
	MaxSize int    `json:"maxSize"` // Max artifact size in bytes (default 20MB)
}

// Store owns a scratch directory and hands out tracked file handles.
type Store struct {
	baseDir string
	ttl     time.Duration
	maxSize int64
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Handle is the ownership token for one scratch file. It is exclusively
// owned by whoever holds it until Release is called.
type Handle struct {
	path        string
	releaseOnce sync.Once
	released    bool
	mu          sync.Mutex
}

// NewStore creates a scratch store, expanding ~ and creating the base
// directory with restricted permissions.
func NewStore(cfg Config) (*Store, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = DefaultDir
	}

	ttl := time.Duration(cfg.TTL) * time.Second
	if ttl == 0 {
		ttl = DefaultTTL
	}

	maxSize := int64(cfg.MaxSize)
	if maxSize == 0 {
		maxSize = MaxScratchBytes
	}

	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		dir = filepath.Join(home, dir[1:])
	}
	dir = filepath.Clean(dir)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	store := &Store{
		baseDir: dir,
		ttl:     ttl,
		maxSize: maxSize,
		stopCh:  make(chan struct{}),
	}

	logging.L_info("scratch: store initialized", "dir", dir, "ttl", ttl.String())

	return store, nil
}

// Save writes data to a new scratch file with the given extension and
// returns its handle.
func (s *Store) Save(data []byte, ext string) (*Handle, error) {
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("artifact size %d exceeds limit %d", len(data), s.maxSize)
	}

	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	path := filepath.Join(s.baseDir, uuid.New().String()[:8]+ext)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write scratch file: %w", err)
	}

	logging.L_debug("scratch: saved artifact", "path", path, "size", len(data))

	return &Handle{path: path}, nil
}

// Create returns a handle for a new empty scratch file. Used by renderers
// that stream output to disk themselves.
func (s *Store) Create(ext string) (*Handle, error) {
	return s.Save(nil, ext)
}

// BaseDir returns the base directory of the store.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Start begins the background orphan reaper.
func (s *Store) Start() {
	interval := s.ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	logging.L_debug("scratch: starting reaper", "interval", interval.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.reapOrphans()
			case <-s.stopCh:
				logging.L_debug("scratch: reaper stopped")
				return
			}
		}
	}()
}

// Close stops the reaper and waits for it to finish.
func (s *Store) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// reapOrphans removes scratch files older than the TTL. This is a safety
// net for handles leaked by a crashed workflow, not the primary cleanup.
func (s *Store) reapOrphans() {
	cutoff := time.Now().Add(-s.ttl)
	removed := 0

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		logging.L_warn("scratch: reaper read dir failed", "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.baseDir, entry.Name())
			if err := os.Remove(path); err != nil {
				logging.L_trace("scratch: failed to remove orphan", "path", path, "error", err)
			} else {
				removed++
			}
		}
	}

	if removed > 0 {
		logging.L_debug("scratch: reaped orphans", "removed", removed)
	}
}

// Path returns the filesystem path of the artifact. It errors once the
// handle has been released; callers must not retain the path afterwards.
func (h *Handle) Path() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return "", fmt.Errorf("scratch handle already released")
	}
	return h.path, nil
}

// Release removes the artifact. Safe to call multiple times and from any
// exit path; only the first call deletes the file.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()

		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			logging.L_warn("scratch: release failed", "path", h.path, "error", err)
			return
		}
		logging.L_debug("scratch: released artifact", "path", h.path)
	})
}

// Released reports whether the handle has been released.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}
