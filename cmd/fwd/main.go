// Command fwd wraps a command in a recorded session and forwards the local
// terminal to it. Used to make an existing interactive command visible to
// remote viewers while keeping local control.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/vibetunnel/core/pkg/config"
	"github.com/vibetunnel/core/pkg/session"
)

func main() {
	monitorOnly := pflag.Bool("monitor-only", false, "record without forwarding the local terminal")
	controlDir := pflag.String("control-dir", "", "session control directory")
	name := pflag.String("name", "", "session name")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fwd [flags] -- command [args...]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	code, err := run(*monitorOnly, *controlDir, *name, args)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	os.Exit(code)
}

func run(monitorOnly bool, controlDir, name string, args []string) (int, error) {
	if controlDir == "" {
		cfg, err := config.Load(config.DefaultPath())
		if err != nil {
			return 1, err
		}
		controlDir = cfg.ControlDir
	}

	mgr, err := session.NewManager(session.Options{ControlDir: controlDir})
	if err != nil {
		return 1, err
	}

	cols, rows := 120, 30
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if c, r, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			cols, rows = c, r
		}
	}

	if name == "" {
		name = fmt.Sprintf("fwd_%s_%d", filepath.Base(args[0]), time.Now().Unix())
	}

	sess, err := mgr.CreateSession(session.Config{
		Name:    name,
		Command: args,
		Cols:    cols,
		Rows:    rows,
	})
	if err != nil {
		return 1, err
	}
	host := sess.Host()

	fmt.Fprintf(os.Stderr, "session: %s\nstream:  %s\nstdin:   %s\ncontrol: %s\n",
		sess.ID, sess.StreamOutPath(), sess.StdinPath(), sess.ControlFIFOPath())

	detach := host.Tap(os.Stdout)
	defer detach()

	if monitorOnly {
		return host.Wait(), nil
	}

	// Interactive: put the local terminal in raw mode and forward
	// keystrokes straight to the PTY.
	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return 1, fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	go func() {
		io.Copy(host, os.Stdin)
	}()

	// Mirror local terminal resizes into the session.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if c, r, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				sess.Resize(c, r)
			}
		}
	}()

	return host.Wait(), nil
}
