package terminal

import (
	"strings"
	"sync"
	"testing"
)

func TestEmulatorWriteAndText(t *testing.T) {
	e := NewEmulator(20, 4, 100)
	e.Write([]byte("hello\r\nworld"))
	lines := e.Text()
	if strings.TrimRight(lines[0], " ") != "hello" {
		t.Errorf("line 0: %q", lines[0])
	}
	if strings.TrimRight(lines[1], " ") != "world" {
		t.Errorf("line 1: %q", lines[1])
	}
}

func TestEmulatorResize(t *testing.T) {
	e := NewEmulator(20, 4, 100)
	e.Resize(10, 2)
	cols, rows := e.Size()
	if cols != 10 || rows != 2 {
		t.Errorf("size %dx%d", cols, rows)
	}
}

func TestEmulatorExitState(t *testing.T) {
	e := NewEmulator(20, 4, 100)
	e.Write([]byte("done"))
	e.MarkExited(3)
	if !e.Exited() {
		t.Error("not marked exited")
	}
	// The buffer stays serveable after exit.
	if len(e.Snapshot()) < 32 {
		t.Error("snapshot unavailable after exit")
	}
}

func TestEmulatorConcurrentAccess(t *testing.T) {
	e := NewEmulator(80, 24, 100)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Write([]byte("concurrent output line\r\n"))
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Snapshot()
				e.LastUpdate()
			}
		}()
	}
	wg.Wait()
}
