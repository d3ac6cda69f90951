package stream

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vibetunnel/core/pkg/protocol"
	"github.com/vibetunnel/core/pkg/session"
)

// writeSessionDir fabricates a session directory with a record and returns
// the stream file path.
func writeSessionDir(t *testing.T, controlDir, id string, cols, rows int) string {
	t.Helper()
	sessionPath := filepath.Join(controlDir, id)
	if err := os.MkdirAll(sessionPath, 0o755); err != nil {
		t.Fatal(err)
	}
	code := 0
	info := &session.Info{
		ID:          id,
		Status:      session.StatusExited,
		ExitCode:    &code,
		StartedAt:   time.Now(),
		Cols:        cols,
		Rows:        rows,
		ControlPath: sessionPath,
	}
	if err := info.Save(sessionPath); err != nil {
		t.Fatal(err)
	}
	return filepath.Join(sessionPath, "stream-out")
}

func openStreamWriter(t *testing.T, path string, cols, rows int) *protocol.StreamWriter {
	t.Helper()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	w, err := protocol.NewStreamWriter(file, &protocol.Header{
		Version: 2, Width: uint32(cols), Height: uint32(rows),
	})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func snapshotDims(t *testing.T, snapshot []byte) (cols, rows uint32) {
	t.Helper()
	if len(snapshot) < 32 || snapshot[0] != 0x56 || snapshot[1] != 0x54 {
		t.Fatalf("bad snapshot: %v", snapshot[:4])
	}
	return binary.LittleEndian.Uint32(snapshot[4:]), binary.LittleEndian.Uint32(snapshot[8:])
}

func TestSnapshotReplaysCompletedStream(t *testing.T) {
	dir := t.TempDir()
	streamPath := writeSessionDir(t, dir, "replay", 40, 10)

	w := openStreamWriter(t, streamPath, 40, 10)
	w.WriteOutput([]byte("hello world"))
	w.WriteResize(60, 20)
	w.WriteExit(0)
	w.Close()

	bus := NewBus(BusOptions{ControlDir: dir})
	defer bus.Close()

	snapshot, err := bus.Snapshot("replay")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	cols, rows := snapshotDims(t, snapshot)
	if cols != 60 || rows != 20 {
		t.Errorf("dims %dx%d, resize not applied", cols, rows)
	}
}

func TestSnapshotMissingSession(t *testing.T) {
	bus := NewBus(BusOptions{ControlDir: t.TempDir()})
	defer bus.Close()
	_, err := bus.Snapshot("ghost")
	if !session.IsCode(err, session.ErrNotFound) {
		t.Errorf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func TestSnapshotSessionWithoutStream(t *testing.T) {
	dir := t.TempDir()
	writeSessionDir(t, dir, "empty", 33, 7)
	// No stream file: an empty grid at the recorded size.
	bus := NewBus(BusOptions{ControlDir: dir})
	defer bus.Close()

	snapshot, err := bus.Snapshot("empty")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	cols, rows := snapshotDims(t, snapshot)
	if cols != 33 || rows != 7 {
		t.Errorf("dims %dx%d", cols, rows)
	}
}

func TestSubscribeDeliversDebouncedSnapshots(t *testing.T) {
	dir := t.TempDir()
	streamPath := writeSessionDir(t, dir, "live", 40, 10)
	w := openStreamWriter(t, streamPath, 40, 10)
	defer w.Close()

	bus := NewBus(BusOptions{ControlDir: dir, Debounce: 20 * time.Millisecond})
	defer bus.Close()

	snapshots := make(chan []byte, 16)
	unsubscribe, err := bus.Subscribe("live", func(s []byte) {
		snapshots <- s
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	// Initial snapshot arrives without any output.
	select {
	case <-snapshots:
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	w.WriteOutput([]byte("some output"))
	select {
	case <-snapshots:
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after output")
	}
}

func TestSubscribeExitFlushesImmediately(t *testing.T) {
	dir := t.TempDir()
	streamPath := writeSessionDir(t, dir, "exiting", 40, 10)
	w := openStreamWriter(t, streamPath, 40, 10)

	// A long debounce would delay output snapshots well past the test
	// timeout; the exit event must bypass it.
	bus := NewBus(BusOptions{ControlDir: dir, Debounce: 10 * time.Second})
	defer bus.Close()

	snapshots := make(chan []byte, 16)
	unsubscribe, err := bus.Subscribe("exiting", func(s []byte) {
		snapshots <- s
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	<-snapshots // initial

	w.WriteOutput([]byte("final words"))
	w.WriteExit(0)
	w.Close()

	select {
	case <-snapshots:
	case <-time.After(3 * time.Second):
		t.Fatal("exit did not flush a snapshot")
	}
}

func TestUnsubscribeTearsDownEntry(t *testing.T) {
	dir := t.TempDir()
	streamPath := writeSessionDir(t, dir, "teardown", 40, 10)
	w := openStreamWriter(t, streamPath, 40, 10)
	w.WriteOutput([]byte("x"))
	w.WriteExit(0)
	w.Close()

	bus := NewBus(BusOptions{ControlDir: dir})
	defer bus.Close()

	unsubscribe, err := bus.Subscribe("teardown", func([]byte) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsubscribe()

	// The entry is gone, so a sweep with a zero threshold finds nothing.
	if n := bus.SweepIdle(0); n != 0 {
		t.Errorf("swept %d entries after last unsubscribe", n)
	}
}

func TestSubscribeAfterSweepGetsFreshEntry(t *testing.T) {
	dir := t.TempDir()
	streamPath := writeSessionDir(t, dir, "swept", 40, 10)
	w := openStreamWriter(t, streamPath, 40, 10)
	w.WriteOutput([]byte("before sweep"))
	w.WriteExit(0)
	w.Close()

	bus := NewBus(BusOptions{ControlDir: dir})
	defer bus.Close()

	first := make(chan []byte, 16)
	unsubFirst, err := bus.Subscribe("swept", func(s []byte) {
		first <- s
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	// The sweeper drops the entry out from under the first subscriber.
	if n := bus.SweepIdle(0); n != 1 {
		t.Fatalf("swept %d entries, want 1", n)
	}

	// A new subscription must land on a working entry, not the orphan.
	second := make(chan []byte, 16)
	unsubSecond, err := bus.Subscribe("swept", func(s []byte) {
		second <- s
	})
	if err != nil {
		t.Fatalf("Subscribe after sweep: %v", err)
	}
	select {
	case snapshot := <-second:
		if cols, rows := snapshotDims(t, snapshot); cols != 40 || rows != 10 {
			t.Errorf("dims %dx%d", cols, rows)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after resubscribing")
	}

	unsubSecond()
	unsubFirst() // stale unsubscribe must not disturb the new entry
}

func TestSubscribeLiveReceivesRawOutput(t *testing.T) {
	dir := t.TempDir()
	streamPath := writeSessionDir(t, dir, "raw", 40, 10)
	w := openStreamWriter(t, streamPath, 40, 10)

	bus := NewBus(BusOptions{ControlDir: dir})
	defer bus.Close()

	ch, unsubscribe, err := bus.SubscribeLive("raw")
	if err != nil {
		t.Fatalf("SubscribeLive: %v", err)
	}
	defer unsubscribe()

	w.WriteOutput([]byte("chunk one"))
	w.WriteExit(0)
	w.Close()

	select {
	case data := <-ch:
		if string(data) != "chunk one" {
			t.Errorf("got %q", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no raw output received")
	}
}

func TestSubscribeLiveLaggedConsumerDropped(t *testing.T) {
	dir := t.TempDir()
	streamPath := writeSessionDir(t, dir, "lagged", 40, 10)
	w := openStreamWriter(t, streamPath, 40, 10)

	bus := NewBus(BusOptions{ControlDir: dir})
	defer bus.Close()

	ch, unsubscribe, err := bus.SubscribeLive("lagged")
	if err != nil {
		t.Fatalf("SubscribeLive: %v", err)
	}
	defer unsubscribe()

	// Flood well past the channel depth without reading.
	for i := 0; i < 3*liveChannelDepth; i++ {
		w.WriteOutput([]byte("spam"))
	}
	w.WriteExit(0)
	w.Close()

	// The channel must end up closed rather than wedging the follower.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("lagged channel never closed")
		}
	}
}

func TestSubscribeMissingSession(t *testing.T) {
	bus := NewBus(BusOptions{ControlDir: t.TempDir()})
	defer bus.Close()
	_, err := bus.Subscribe("ghost", func([]byte) {})
	if !session.IsCode(err, session.ErrNotFound) {
		t.Errorf("expected SESSION_NOT_FOUND, got %v", err)
	}
}
