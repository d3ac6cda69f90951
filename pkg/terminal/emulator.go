package terminal

import (
	"sync"
	"time"
)

// Emulator binds a parser to a screen behind a lock. Stream followers feed
// it output bytes; snapshot readers take the read side.
type Emulator struct {
	mu         sync.RWMutex
	screen     *Screen
	parser     *Parser
	lastUpdate time.Time
	dead       bool
	exitCode   int
}

// NewEmulator creates an emulator with the given initial viewport.
func NewEmulator(cols, rows, scrollbackRows int) *Emulator {
	e := &Emulator{
		screen:     NewScreen(cols, rows, scrollbackRows),
		parser:     NewParser(),
		lastUpdate: time.Now(),
	}
	e.parser.OnPrint = e.screen.Print
	e.parser.OnExecute = e.screen.Execute
	e.parser.OnCSI = e.screen.HandleCSI
	e.parser.OnEscape = e.screen.HandleEscape
	// OSC payloads (titles etc.) are consumed by the parser; nothing to do.
	return e
}

// Write feeds raw terminal output through the parser into the grid.
func (e *Emulator) Write(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parser.Parse(data)
	e.lastUpdate = time.Now()
}

// Resize adjusts the grid to the given dimensions.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.screen.Resize(cols, rows)
	e.lastUpdate = time.Now()
}

// MarkExited records that the session behind this emulator is dead. The
// final buffer stays serveable.
func (e *Emulator) MarkExited(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dead = true
	e.exitCode = code
}

// Exited reports whether the backing session has exited.
func (e *Emulator) Exited() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dead
}

// Snapshot serializes the current viewport.
func (e *Emulator) Snapshot() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EncodeSnapshot(e.screen)
}

// Size returns the current viewport dimensions.
func (e *Emulator) Size() (cols, rows int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.screen.Size()
}

// LastUpdate returns when output or a resize last mutated the grid.
func (e *Emulator) LastUpdate() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastUpdate
}

// Text returns the viewport as plain lines, for tests and debugging.
func (e *Emulator) Text() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, rows := e.screen.Size()
	out := make([]string, rows)
	for y := 0; y < rows; y++ {
		row := e.screen.Row(y)
		runes := make([]rune, len(row))
		for x, c := range row {
			runes[x] = c.Char
		}
		out[y] = string(runes)
	}
	return out
}
