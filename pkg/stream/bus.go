package stream

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vibetunnel/core/pkg/protocol"
	"github.com/vibetunnel/core/pkg/session"
	"github.com/vibetunnel/core/pkg/terminal"
)

const (
	defaultDebounce    = 50 * time.Millisecond
	defaultIdleTimeout = 5 * time.Minute
	liveChannelDepth   = 64
)

// BusOptions configures a Bus. Zero values take defaults.
type BusOptions struct {
	ControlDir     string
	ScrollbackRows int
	// Debounce batches rapid output into one snapshot notification. An
	// armed timer is not reset by further output, so notifications are
	// delivered at most this far apart during sustained output.
	Debounce    time.Duration
	IdleTimeout time.Duration
}

// Bus fans session output out to subscribers. The first subscriber for a
// session starts a follower and a terminal emulator; the last one leaving
// tears both down.
type Bus struct {
	opts BusOptions

	mu      sync.Mutex
	entries map[string]*busEntry
	closed  bool

	sweepStop chan struct{}
	sweepOnce sync.Once
}

type busEntry struct {
	id       string
	emulator *terminal.Emulator
	follower *Follower

	mu         sync.Mutex
	nextSub    int
	snapSubs   map[int]func(snapshot []byte)
	liveSubs   map[int]chan []byte
	timerArmed bool
	timer      *time.Timer
	// swept marks an entry removed from the bus. Subscribers that raced the
	// sweeper see it and retry against a fresh entry.
	swept bool
}

func NewBus(opts BusOptions) *Bus {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.ScrollbackRows <= 0 {
		opts.ScrollbackRows = 1000
	}
	return &Bus{
		opts:      opts,
		entries:   make(map[string]*busEntry),
		sweepStop: make(chan struct{}),
	}
}

// Subscribe registers a snapshot callback for a session. The callback runs
// on an internal goroutine after output settles (debounced), and once more
// immediately when the session exits. The returned function unsubscribes;
// the last unsubscribe stops the follower and drops the emulator.
func (b *Bus) Subscribe(sessionID string, fn func(snapshot []byte)) (func(), error) {
	for {
		e, err := b.entry(sessionID)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		if e.swept {
			// The sweeper removed this entry between entry() and here.
			e.mu.Unlock()
			continue
		}
		id := e.nextSub
		e.nextSub++
		e.snapSubs[id] = fn
		e.mu.Unlock()

		// New subscribers get the current state right away.
		go fn(e.emulator.Snapshot())

		return func() {
			e.mu.Lock()
			delete(e.snapSubs, id)
			empty := len(e.snapSubs) == 0 && len(e.liveSubs) == 0
			e.mu.Unlock()
			if empty {
				b.release(sessionID, e)
			}
		}, nil
	}
}

// SubscribeLive returns a channel of raw output chunks for a session. Slow
// consumers are dropped: when the channel backs up, it is closed and removed.
func (b *Bus) SubscribeLive(sessionID string) (<-chan []byte, func(), error) {
	for {
		e, err := b.entry(sessionID)
		if err != nil {
			return nil, nil, err
		}

		e.mu.Lock()
		if e.swept {
			e.mu.Unlock()
			continue
		}
		ch := make(chan []byte, liveChannelDepth)
		id := e.nextSub
		e.nextSub++
		e.liveSubs[id] = ch
		e.mu.Unlock()

		return ch, func() {
			e.mu.Lock()
			if _, ok := e.liveSubs[id]; ok {
				delete(e.liveSubs, id)
				close(ch)
			}
			empty := len(e.snapSubs) == 0 && len(e.liveSubs) == 0
			e.mu.Unlock()
			if empty {
				b.release(sessionID, e)
			}
		}, nil
	}
}

// Snapshot reconstructs a session's terminal buffer. Sessions with an active
// entry are served from the live emulator; otherwise the stream file is
// replayed once.
func (b *Bus) Snapshot(sessionID string) ([]byte, error) {
	b.mu.Lock()
	e, ok := b.entries[sessionID]
	b.mu.Unlock()
	if ok {
		return e.emulator.Snapshot(), nil
	}
	return b.replaySnapshot(sessionID)
}

// replaySnapshot builds a one-shot snapshot by reading the stream file from
// the start.
func (b *Bus) replaySnapshot(sessionID string) ([]byte, error) {
	info, err := session.LoadInfo(filepath.Join(b.opts.ControlDir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, session.NewError(session.ErrNotFound, sessionID, "session not found")
		}
		return nil, session.WrapError(session.ErrIO, sessionID, "failed to load session record", err)
	}

	file, err := os.Open(filepath.Join(b.opts.ControlDir, sessionID, "stream-out"))
	if err != nil {
		if os.IsNotExist(err) {
			// No output yet: an empty grid at the recorded size.
			em := terminal.NewEmulator(info.Cols, info.Rows, b.opts.ScrollbackRows)
			return em.Snapshot(), nil
		}
		return nil, session.WrapError(session.ErrIO, sessionID, "failed to open stream file", err)
	}
	defer file.Close()

	reader := protocol.NewStreamReader(file)
	h, err := reader.Header()
	if err != nil {
		if err == io.EOF {
			em := terminal.NewEmulator(info.Cols, info.Rows, b.opts.ScrollbackRows)
			return em.Snapshot(), nil
		}
		return nil, session.WrapError(session.ErrStreamCorrupt, sessionID, "bad stream header", err)
	}

	em := terminal.NewEmulator(int(h.Width), int(h.Height), b.opts.ScrollbackRows)
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		applyEvent(em, ev)
	}
	return em.Snapshot(), nil
}

// entry returns the live entry for a session, creating follower and emulator
// on first use.
func (b *Bus) entry(sessionID string) (*busEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, session.NewError(session.ErrIO, sessionID, "bus is closed")
	}
	if e, ok := b.entries[sessionID]; ok {
		return e, nil
	}

	info, err := session.LoadInfo(filepath.Join(b.opts.ControlDir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, session.NewError(session.ErrNotFound, sessionID, "session not found")
		}
		return nil, session.WrapError(session.ErrIO, sessionID, "failed to load session record", err)
	}

	e := &busEntry{
		id:       sessionID,
		emulator: terminal.NewEmulator(info.Cols, info.Rows, b.opts.ScrollbackRows),
		snapSubs: make(map[int]func([]byte)),
		liveSubs: make(map[int]chan []byte),
	}

	streamPath := filepath.Join(b.opts.ControlDir, sessionID, "stream-out")
	e.follower = NewFollower(sessionID, streamPath, Handler{
		OnHeader: func(h *protocol.Header) {
			if int(h.Width) > 0 && int(h.Height) > 0 {
				e.emulator.Resize(int(h.Width), int(h.Height))
			}
		},
		OnEvent: func(ev *protocol.Event) {
			b.handleEvent(e, ev)
		},
		OnError: func(err error) {
			// Subscribers keep the last good state; the follower is done.
			log.Printf("[WARN] Stream follower for session %s failed: %v", sessionID, err)
			b.broadcast(e)
		},
	})

	b.entries[sessionID] = e
	return e, nil
}

func (b *Bus) handleEvent(e *busEntry, ev *protocol.Event) {
	applyEvent(e.emulator, ev)

	if ev.Type == protocol.EventOutput {
		e.mu.Lock()
		for id, ch := range e.liveSubs {
			data := []byte(ev.Data)
			select {
			case ch <- data:
			default:
				// Lagged: drop the consumer rather than stall the stream.
				delete(e.liveSubs, id)
				close(ch)
			}
		}
		e.mu.Unlock()
	}

	if ev.Type == protocol.EventExit {
		// Final state goes out immediately, ahead of any pending debounce.
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.timerArmed = false
		e.mu.Unlock()
		b.broadcast(e)
		return
	}

	b.scheduleBroadcast(e)
}

// scheduleBroadcast arms the debounce timer. An already-armed timer is left
// alone, so sustained output still yields a notification every debounce
// interval rather than being deferred indefinitely.
func (b *Bus) scheduleBroadcast(e *busEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timerArmed {
		return
	}
	e.timerArmed = true
	e.timer = time.AfterFunc(b.opts.Debounce, func() {
		e.mu.Lock()
		e.timerArmed = false
		e.mu.Unlock()
		b.broadcast(e)
	})
}

func (b *Bus) broadcast(e *busEntry) {
	snapshot := e.emulator.Snapshot()
	e.mu.Lock()
	subs := make([]func([]byte), 0, len(e.snapSubs))
	for _, fn := range e.snapSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(snapshot)
	}
}

// release tears an entry down once its last subscriber is gone.
func (b *Bus) release(sessionID string, e *busEntry) {
	b.mu.Lock()
	cur, ok := b.entries[sessionID]
	if !ok || cur != e {
		b.mu.Unlock()
		return
	}
	e.mu.Lock()
	if len(e.snapSubs) != 0 || len(e.liveSubs) != 0 {
		// Someone subscribed again before we got here.
		e.mu.Unlock()
		b.mu.Unlock()
		return
	}
	e.swept = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
	delete(b.entries, sessionID)
	b.mu.Unlock()

	go e.follower.Stop()
}

// StartSweeper periodically drops entries whose emulator has seen no output
// for the idle timeout. Dropped entries lose their subscribers; clients
// resubscribe on demand.
func (b *Bus) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.sweepStop:
				return
			case <-ticker.C:
				b.SweepIdle(b.opts.IdleTimeout)
			}
		}
	}()
}

// SweepIdle tears down entries idle longer than maxIdle and returns how many
// were removed.
func (b *Bus) SweepIdle(maxIdle time.Duration) int {
	b.mu.Lock()
	var stale []*busEntry
	for id, e := range b.entries {
		if time.Since(e.emulator.LastUpdate()) > maxIdle {
			stale = append(stale, e)
			delete(b.entries, id)
		}
	}
	b.mu.Unlock()

	for _, e := range stale {
		e.mu.Lock()
		e.swept = true
		if e.timer != nil {
			e.timer.Stop()
		}
		for id, ch := range e.liveSubs {
			delete(e.liveSubs, id)
			close(ch)
		}
		e.snapSubs = make(map[int]func([]byte))
		e.mu.Unlock()
		go e.follower.Stop()
		debugLogf("[DEBUG] Swept idle stream entry for session %s", e.id)
	}
	return len(stale)
}

// Close tears down every entry and stops the sweeper.
func (b *Bus) Close() {
	b.sweepOnce.Do(func() { close(b.sweepStop) })
	b.mu.Lock()
	b.closed = true
	entries := make([]*busEntry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	b.entries = make(map[string]*busEntry)
	b.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.swept = true
		if e.timer != nil {
			e.timer.Stop()
		}
		for id, ch := range e.liveSubs {
			delete(e.liveSubs, id)
			close(ch)
		}
		e.mu.Unlock()
		e.follower.Stop()
	}
}

// applyEvent feeds one decoded stream event into an emulator.
func applyEvent(em *terminal.Emulator, ev *protocol.Event) {
	switch ev.Type {
	case protocol.EventOutput:
		em.Write([]byte(ev.Data))
	case protocol.EventResize:
		if cols, rows, err := protocol.ParseResize(ev.Data); err == nil {
			em.Resize(cols, rows)
		}
	case protocol.EventExit:
		em.MarkExited(ev.ExitCode)
	}
}
