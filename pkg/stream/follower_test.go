package stream

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/vibetunnel/core/pkg/protocol"
	"github.com/vibetunnel/core/pkg/session"
)

type collected struct {
	mu     sync.Mutex
	header *protocol.Header
	events []*protocol.Event
	err    error
}

func collector() (*collected, Handler) {
	c := &collected{}
	return c, Handler{
		OnHeader: func(h *protocol.Header) {
			c.mu.Lock()
			c.header = h
			c.mu.Unlock()
		},
		OnEvent: func(ev *protocol.Event) {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
		},
	}
}

func waitDone(t *testing.T, f *Follower, timeout time.Duration) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(timeout):
		t.Fatal("follower did not finish")
	}
}

func TestFollowerReplaysCompleteStream(t *testing.T) {
	dir := t.TempDir()
	path := writeSessionDir(t, dir, "s", 80, 24)
	w := openStreamWriter(t, path, 80, 24)
	w.WriteOutput([]byte("first"))
	w.WriteResize(100, 40)
	w.WriteOutput([]byte("second"))
	w.WriteExit(5)
	w.Close()

	c, handler := collector()
	f := NewFollower("s", path, handler)
	waitDone(t, f, 5*time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		t.Fatalf("follower error: %v", c.err)
	}
	if c.header == nil || c.header.Width != 80 {
		t.Errorf("header %+v", c.header)
	}
	if len(c.events) != 4 {
		t.Fatalf("got %d events", len(c.events))
	}
	wantTypes := []protocol.EventType{
		protocol.EventOutput, protocol.EventResize,
		protocol.EventOutput, protocol.EventExit,
	}
	for i, want := range wantTypes {
		if c.events[i].Type != want {
			t.Errorf("event %d type %s, want %s", i, c.events[i].Type, want)
		}
	}
	if c.events[3].ExitCode != 5 {
		t.Errorf("exit code %d", c.events[3].ExitCode)
	}
}

func TestFollowerTailsGrowingStream(t *testing.T) {
	dir := t.TempDir()
	path := writeSessionDir(t, dir, "s", 80, 24)
	w := openStreamWriter(t, path, 80, 24)

	c, handler := collector()
	f := NewFollower("s", path, handler)

	// Events written after the follower started must still arrive.
	time.Sleep(100 * time.Millisecond)
	w.WriteOutput([]byte("late output"))
	w.WriteExit(0)
	w.Close()

	waitDone(t, f, 5*time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	var sawOutput bool
	for _, ev := range c.events {
		if ev.Type == protocol.EventOutput && ev.Data == "late output" {
			sawOutput = true
		}
	}
	if !sawOutput {
		t.Error("late output never delivered")
	}
}

func TestFollowerDetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	path := writeSessionDir(t, dir, "s", 80, 24)
	w := openStreamWriter(t, path, 80, 24)
	w.WriteOutput([]byte("some data that will vanish"))
	// No exit event: the follower keeps tailing.

	c, handler := collector()
	f := NewFollower("s", path, handler)
	defer f.Stop()

	// Let the replay complete, then violate the append-only contract.
	time.Sleep(300 * time.Millisecond)
	w.Close()
	if err := os.Truncate(path, 10); err != nil {
		t.Fatal(err)
	}

	waitDone(t, f, 5*time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !session.IsCode(c.err, session.ErrStreamCorrupt) {
		t.Errorf("expected STREAM_CORRUPT, got %v", c.err)
	}
}

func TestFollowerStopsWhenStreamFileRemoved(t *testing.T) {
	dir := t.TempDir()
	path := writeSessionDir(t, dir, "s", 80, 24)
	w := openStreamWriter(t, path, 80, 24)
	w.WriteOutput([]byte("data"))
	// No exit event: the follower keeps tailing.

	c, handler := collector()
	f := NewFollower("s", path, handler)

	// Let the replay complete, then clean the session up.
	time.Sleep(300 * time.Millisecond)
	w.Close()
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	waitDone(t, f, 5*time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		t.Errorf("deletion is ordinary teardown, got error %v", c.err)
	}
}

func TestFollowerMissingFileTimesOut(t *testing.T) {
	c, handler := collector()
	f := NewFollower("s", t.TempDir()+"/never-created", handler)
	waitDone(t, f, 10*time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		t.Error("expected an error for a file that never appears")
	}
}

func TestFollowerStop(t *testing.T) {
	dir := t.TempDir()
	path := writeSessionDir(t, dir, "s", 80, 24)
	w := openStreamWriter(t, path, 80, 24)
	defer w.Close()
	w.WriteOutput([]byte("data"))

	_, handler := collector()
	f := NewFollower("s", path, handler)
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
