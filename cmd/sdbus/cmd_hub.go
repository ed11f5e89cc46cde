package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/sdbus/internal/hub"
)

var hubListen string

func init() {
	rootCmd.AddCommand(hubCmd)
	hubCmd.AddCommand(hubStopCmd)
	hubCmd.Flags().StringVar(&hubListen, "listen", "", "listen address (default from config)")
}

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the broadcast hub",
	Args:  cobra.NoArgs,
	RunE:  runHub,
}

func writePIDFile(pidPath string) error {
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

func runHub(cmd *cobra.Command, args []string) error {
	listen := cfg.Hub.Listen
	if hubListen != "" {
		listen = hubListen
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	events := newEventLog()
	h := hub.New(events, log)
	connCfg := hub.DefaultConnConfig()
	connCfg.MaxPending = cfg.Hub.MaxPending
	connCfg.PingInterval = cfg.Hub.PingInterval.Std()
	srv := hub.NewServer(h, events, log,
		hub.WithRegistry(newRegistry()),
		hub.WithConnConfig(connCfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("hub starting",
		zap.String("listen", listen),
		zap.String("sessions_dir", cfg.SessionsDir),
		zap.String("pid_file", pidPath),
	)
	return srv.Run(ctx, listen)
}

// readPID reads the hub PID file and checks the process exists by sending
// signal 0.
func readPID(pidPath string) (int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running hub (PID file not found)")
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("no running hub (process %d not found)", pid)
	}
	return pid, nil
}

var hubStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running hub",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := readPID(cfg.PIDPath())
		if err != nil {
			return err
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to hub (PID %d).\n", pid)
		return nil
	},
}
