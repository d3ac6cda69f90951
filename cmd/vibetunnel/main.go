package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibetunnel/core/pkg/api"
	"github.com/vibetunnel/core/pkg/config"
	"github.com/vibetunnel/core/pkg/ngrok"
	"github.com/vibetunnel/core/pkg/session"
	"github.com/vibetunnel/core/pkg/stream"
)

var version = "dev"

var (
	cfgPath string
	cfg     *config.Config
)

func main() {
	root := &cobra.Command{
		Use:     "vibetunnel",
		Short:   "Terminal session manager with recording and remote access",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath
			if path == "" {
				path = config.DefaultPath()
			}
			var err error
			cfg, err = config.Load(path)
			if err != nil {
				return err
			}
			cfg.MergeFlags(cmd.Flags())
			return nil
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "config file path")
	pf.String("control-dir", "", "session control directory")

	root.AddCommand(
		createCmd(),
		listCmd(),
		sendTextCmd(),
		sendKeyCmd(),
		resizeCmd(),
		signalCmd(),
		stopCmd(),
		killCmd(),
		cleanupCmd(),
		cleanupExitedCmd(),
		bufferCmd(),
		serveCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newManager() (*session.Manager, error) {
	return session.NewManager(session.Options{
		ControlDir:          cfg.ControlDir,
		DefaultCols:         cfg.DefaultCols,
		DefaultRows:         cfg.DefaultRows,
		NoSpawn:             cfg.NoSpawn,
		DoNotAllowColumnSet: cfg.DoNotAllowColumnSet,
	})
}

func createCmd() *cobra.Command {
	var name, cwd string
	var cols, rows int
	cmd := &cobra.Command{
		Use:   "create [flags] -- command [args...]",
		Short: "Spawn a new recorded session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			sess, err := mgr.CreateSession(session.Config{
				Name:    name,
				Command: args,
				Cwd:     cwd,
				Cols:    cols,
				Rows:    rows,
			})
			if err != nil {
				return err
			}
			fmt.Println(sess.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().IntVar(&cols, "cols", 0, "terminal columns")
	cmd.Flags().IntVar(&rows, "rows", 0, "terminal rows")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			infos, err := mgr.ListSessions()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPID\tSTARTED")
			for _, info := range infos {
				pid := ""
				if info.Pid != 0 {
					pid = strconv.Itoa(info.Pid)
				}
				status := string(info.Status)
				if info.Status == session.StatusExited && info.ExitCode != nil {
					status = fmt.Sprintf("exited(%d)", *info.ExitCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					info.ID, info.Name, status, pid,
					info.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func sendTextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-text <session-id> <text>",
		Short: "Send literal text to a session's stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			return mgr.SendText(args[0], args[1])
		},
	}
}

func sendKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-key <session-id> <key>",
		Short: "Send a named special key (arrow_up, enter, escape, ...)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			return mgr.SendKey(args[0], args[1])
		},
	}
}

func resizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resize <session-id> <cols> <rows>",
		Short: "Resize a session's terminal",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cols, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid cols: %s", args[1])
			}
			rows, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid rows: %s", args[2])
			}
			mgr, err := newManager()
			if err != nil {
				return err
			}
			return mgr.ResizeSession(args[0], cols, rows)
		},
	}
}

func signalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal <session-id> <signum>",
		Short: "Send a signal to a session's process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := strconv.Atoi(args[1])
			if err != nil || sig <= 0 {
				return fmt.Errorf("invalid signal: %s", args[1])
			}
			mgr, err := newManager()
			if err != nil {
				return err
			}
			return mgr.SignalSession(args[0], syscall.Signal(sig))
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Gracefully stop a session (SIGTERM, then SIGKILL)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			return mgr.StopSession(args[0])
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Force-kill a session's process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			return mgr.KillSession(args[0])
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <session-id>",
		Short: "Remove a session's directory, stopping it first if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			return mgr.CleanupSession(args[0])
		},
	}
}

func cleanupExitedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-exited",
		Short: "Remove all exited sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			n, err := mgr.CleanupExited()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d session(s)\n", n)
			return nil
		},
	}
}

func bufferCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "buffer <session-id>",
		Short: "Reconstruct a session's terminal buffer as a binary snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus := stream.NewBus(stream.BusOptions{
				ControlDir:     cfg.ControlDir,
				ScrollbackRows: cfg.ScrollbackRows,
			})
			defer bus.Close()
			snapshot, err := bus.Snapshot(args[0])
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = os.Stdout.Write(snapshot)
				return err
			}
			return os.WriteFile(out, snapshot, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write snapshot to file instead of stdout")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			bus := stream.NewBus(stream.BusOptions{
				ControlDir:     cfg.ControlDir,
				ScrollbackRows: cfg.ScrollbackRows,
				Debounce:       cfg.NotificationDebounce,
				IdleTimeout:    cfg.SessionIdleTimeout,
			})
			bus.StartSweeper(time.Minute)
			defer bus.Close()

			srv := api.NewServer(mgr, bus, cfg.Server.Password)
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

			if cfg.Ngrok.Enabled {
				ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()
				svc := ngrok.NewService(cfg.Ngrok.AuthToken, cfg.Ngrok.Domain)
				if err := svc.Start(ctx, srv.Handler()); err != nil {
					return err
				}
				defer svc.Stop()
				log.Printf("[INFO] Public URL: %s", svc.URL())
			}

			if cfg.TLS.Enabled {
				return srv.ListenAndServeTLS(addr, api.TLSOptions{
					Domain:   cfg.TLS.Domain,
					Email:    cfg.TLS.Email,
					SelfSign: cfg.TLS.SelfSign,
				})
			}
			return srv.ListenAndServe(addr)
		},
	}

	f := cmd.Flags()
	f.String("host", "", "listen host")
	f.Int("port", 0, "listen port")
	f.String("password", "", "basic auth password")
	f.Int("cols", 0, "default terminal columns")
	f.Int("rows", 0, "default terminal rows")
	f.Bool("no-spawn", false, "disable session spawning")
	f.Bool("no-resize", false, "disallow remote resize")
	f.Bool("tls", false, "enable TLS")
	f.String("tls-domain", "", "domain for managed certificates")
	f.String("tls-email", "", "email for ACME registration")
	f.Bool("tls-self-sign", false, "use an ephemeral self-signed certificate")
	f.Bool("ngrok", false, "expose the server through an ngrok tunnel")
	f.String("ngrok-token", "", "ngrok auth token")
	f.String("ngrok-domain", "", "ngrok reserved domain")
	return cmd
}
