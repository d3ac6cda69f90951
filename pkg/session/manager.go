package session

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vibetunnel/core/pkg/protocol"
)

// Options configures a Manager.
type Options struct {
	// ControlDir is the root directory holding one subdirectory per session.
	ControlDir string

	DefaultCols int
	DefaultRows int

	// NoSpawn rejects session creation; the manager only tracks sessions
	// registered or spawned elsewhere.
	NoSpawn bool

	// DoNotAllowColumnSet rejects resize requests from remote clients.
	DoNotAllowColumnSet bool
}

// Manager tracks sessions under a control directory. Sessions spawned by this
// process keep their live PTY host; sessions found on disk are manipulated
// through their record, pid and control FIFO.
type Manager struct {
	opts Options

	mu    sync.RWMutex
	local map[string]*Session
}

func NewManager(opts Options) (*Manager, error) {
	if opts.ControlDir == "" {
		return nil, fmt.Errorf("control directory not set")
	}
	if opts.DefaultCols <= 0 {
		opts.DefaultCols = 120
	}
	if opts.DefaultRows <= 0 {
		opts.DefaultRows = 30
	}
	if err := os.MkdirAll(opts.ControlDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create control directory: %w", err)
	}
	return &Manager{opts: opts, local: make(map[string]*Session)}, nil
}

func (m *Manager) ControlDir() string { return m.opts.ControlDir }

// CreateSession spawns a new PTY session and starts recording it.
func (m *Manager) CreateSession(cfg Config) (*Session, error) {
	if m.opts.NoSpawn {
		return nil, NewError(ErrSpawnDisabled, "", "session spawning is disabled")
	}

	if cfg.Cols <= 0 {
		cfg.Cols = m.opts.DefaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = m.opts.DefaultRows
	}

	s, err := newSession(m.opts.ControlDir, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		os.RemoveAll(s.Path())
		return nil, err
	}

	m.mu.Lock()
	m.local[s.ID] = s
	m.mu.Unlock()

	log.Printf("[INFO] Created session %s: %v", shortID(s.ID), cfg.Command)
	return s, nil
}

// GetSession returns a session by id, healing stale records on the way: a
// session recorded as live whose process is gone is rewritten as exited.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.local[id]
	m.mu.RUnlock()
	if !ok {
		var err error
		s, err = loadSession(m.opts.ControlDir, id)
		if err != nil {
			return nil, err
		}
	}
	m.heal(s)
	return s, nil
}

// heal rewrites the record of a session whose process died without the host
// recording an exit (host crash, machine reboot).
func (m *Manager) heal(s *Session) {
	info := s.Info()
	if info.Status == StatusExited {
		return
	}
	if info.Pid != 0 && processAlive(info.Pid) {
		return
	}
	// Freshly created sessions have no pid yet; leave those alone.
	if info.Status == StatusStarting && info.Pid == 0 {
		return
	}
	debugLog("[DEBUG] Session %s: process %d is gone, marking exited", shortID(s.ID), info.Pid)
	if err := s.markExited(1); err != nil {
		log.Printf("[WARN] Session %s: failed to heal record: %v", shortID(s.ID), err)
	}
}

// ListSessions enumerates every session directory. Records are loaded in
// parallel; unreadable directories are skipped. The result is sorted newest
// first, with id as tiebreak.
func (m *Manager) ListSessions() ([]*Info, error) {
	entries, err := os.ReadDir(m.opts.ControlDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, WrapError(ErrIO, "", "failed to read control directory", err)
	}

	var wg sync.WaitGroup
	results := make([]*Info, len(entries))
	for i, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			s, err := m.GetSession(id)
			if err != nil {
				debugLog("[DEBUG] Skipping session directory %s: %v", id, err)
				return
			}
			info := s.Info()
			results[i] = &info
		}(i, entry.Name())
	}
	wg.Wait()

	infos := make([]*Info, 0, len(entries))
	for _, info := range results {
		if info != nil {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(a, b int) bool {
		if !infos[a].StartedAt.Equal(infos[b].StartedAt) {
			return infos[a].StartedAt.After(infos[b].StartedAt)
		}
		return infos[a].ID < infos[b].ID
	})
	return infos, nil
}

// SendInput writes raw bytes to a session's stdin FIFO.
func (m *Manager) SendInput(id string, data []byte) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	return s.SendInput(data)
}

// SendText sends literal text followed by nothing; the text passes through
// unmodified.
func (m *Manager) SendText(id, text string) error {
	return m.SendInput(id, []byte(text))
}

// SendKey translates a named special key into its escape sequence and sends
// it as input.
func (m *Manager) SendKey(id, key string) error {
	seq, err := protocol.KeySequence(key)
	if err != nil {
		return NewError(ErrUnknownKey, id, fmt.Sprintf("unknown key %q", key))
	}
	return m.SendInput(id, seq)
}

// ResizeSession resizes a session's PTY, honoring the resize policy.
func (m *Manager) ResizeSession(id string, cols, rows int) error {
	if m.opts.DoNotAllowColumnSet {
		return NewError(ErrResizeDisabled, id, "resizing is disabled by policy")
	}
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	return s.Resize(cols, rows)
}

// SignalSession delivers an arbitrary signal to a session's process.
func (m *Manager) SignalSession(id string, sig os.Signal) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if s.Status() == StatusExited {
		return NewError(ErrAlreadyExited, id, "session already exited")
	}
	return s.Signal(sig)
}

// StopSession requests a graceful exit (SIGTERM, then SIGKILL after the
// grace period).
func (m *Manager) StopSession(id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	info := s.Info()
	if info.Status == StatusExited {
		return NewError(ErrAlreadyExited, id, "session already exited")
	}
	return terminateProcess(info.Pid)
}

// KillSession force-kills a session's process.
func (m *Manager) KillSession(id string) error {
	return m.SignalSession(id, syscall.SIGKILL)
}

// CleanupSession removes a session's directory. A live session is stopped
// first.
func (m *Manager) CleanupSession(id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	info := s.Info()
	if info.Status != StatusExited && info.Pid != 0 {
		// The directory goes away immediately, so there is no grace window;
		// kill outright rather than leaving a live process behind.
		if err := syscall.Kill(info.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			log.Printf("[WARN] Session %s: failed to kill before cleanup: %v", shortID(id), err)
		}
	}

	m.mu.Lock()
	delete(m.local, id)
	m.mu.Unlock()

	if err := os.RemoveAll(s.Path()); err != nil {
		return WrapError(ErrIO, id, "failed to remove session directory", err)
	}
	log.Printf("[INFO] Cleaned up session %s", shortID(id))
	return nil
}

// CleanupExited removes every exited session and returns how many were
// removed. Healing runs as part of listing, so orphaned records count too.
func (m *Manager) CleanupExited() (int, error) {
	infos, err := m.ListSessions()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		if info.Status != StatusExited {
			continue
		}
		if err := m.CleanupSession(info.ID); err != nil {
			log.Printf("[WARN] Failed to clean up session %s: %v", shortID(info.ID), err)
			continue
		}
		removed++
	}
	return removed, nil
}

// RegisterExternal writes a record for a session hosted by another process
// (the fwd helper). The caller owns the PTY; the manager only tracks it.
// The record is sanity-checked, but the pid is trusted as given.
func (m *Manager) RegisterExternal(info *Info) error {
	if err := validateExternalInfo(info); err != nil {
		return err
	}
	sessionPath := filepath.Join(m.opts.ControlDir, info.ID)
	if err := os.MkdirAll(sessionPath, 0o755); err != nil {
		return WrapError(ErrIO, info.ID, "failed to create session directory", err)
	}
	info.ControlPath = sessionPath
	if err := info.Save(sessionPath); err != nil {
		return WrapError(ErrIO, info.ID, "failed to save session record", err)
	}
	return nil
}

// validateExternalInfo rejects records that would corrupt the control
// directory or that describe an impossible session.
func validateExternalInfo(info *Info) error {
	if info.ID == "" {
		return NewError(ErrInvalidInput, "", "session id is required")
	}
	if info.ID == "." || info.ID == ".." || info.ID != filepath.Base(info.ID) {
		return NewError(ErrInvalidInput, info.ID, fmt.Sprintf("invalid session id %q", info.ID))
	}
	if len(info.Command) == 0 {
		return NewError(ErrInvalidInput, info.ID, "command is required")
	}
	switch info.Status {
	case StatusStarting, StatusRunning, StatusExited:
	case "":
		if info.Pid != 0 && processAlive(info.Pid) {
			info.Status = StatusRunning
		} else {
			info.Status = StatusExited
		}
	default:
		return NewError(ErrInvalidInput, info.ID, fmt.Sprintf("invalid status %q", info.Status))
	}
	if info.Status == StatusRunning && info.Pid <= 0 {
		return NewError(ErrInvalidInput, info.ID, "running session requires a pid")
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	return nil
}
