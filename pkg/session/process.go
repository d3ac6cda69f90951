package session

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

const (
	termGracePeriod = 5 * time.Second
	termPollEvery   = 100 * time.Millisecond
)

// processAlive probes a pid with signal 0. A zombie that still has an entry
// in the process table counts as dead.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	return !isZombie(pid)
}

// isZombie checks /proc/<pid>/stat for state Z. On systems without /proc the
// check degrades to "not a zombie".
func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// Field 3 follows the parenthesized comm, which may itself contain
	// spaces and parens.
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 || close+2 >= len(s) {
		return false
	}
	fields := strings.Fields(s[close+1:])
	return len(fields) > 0 && fields[0] == "Z"
}

// terminateProcess asks the child to exit with SIGTERM and returns as soon
// as the signal is delivered. Escalation to SIGKILL after the grace period
// runs in the background; the host's reaper observes the eventual exit.
func terminateProcess(pid int) error {
	if !processAlive(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}

	go func() {
		deadline := time.Now().Add(termGracePeriod)
		for time.Now().Before(deadline) {
			if !processAlive(pid) {
				return
			}
			time.Sleep(termPollEvery)
		}
		debugLog("[DEBUG] Process %d survived SIGTERM, sending SIGKILL", pid)
		syscall.Kill(pid, syscall.SIGKILL)
	}()
	return nil
}
