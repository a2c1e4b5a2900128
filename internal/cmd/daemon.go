package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/saltbo/anima/internal/applog"
	"github.com/saltbo/anima/internal/clock"
	"github.com/saltbo/anima/internal/config"
	"github.com/saltbo/anima/internal/eventbus"
	"github.com/saltbo/anima/internal/store"
	"github.com/saltbo/anima/internal/supervisor"
)

// The daemon command group, grounded on steveyegge/gastown's
// internal/cmd/daemon.go and internal/daemon.Daemon: the same
// self-spawn-then-verify-PID-winner start sequence, the same
// flock-guarded single-instance Run, generalized from gastown's
// town-wide heartbeat daemon to Anima's per-project Wake Schedulers.
var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupServices,
	Short:   "Manage the anima background daemon",
	RunE:    requireSubcommand,
	Long: `Manage the Anima background daemon.

The daemon owns one Wake Scheduler goroutine per registered project and
answers the control commands (wake, pause, status, ...) over a local
Unix socket. It must be running for any other anima command besides
"daemon start"/"daemon stop"/"daemon status"/"daemon logs" to do anything.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runDaemonStatus,
}

var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the daemon in the foreground (internal)",
	Hidden: true,
	RunE:   runDaemonRun,
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View the daemon log",
	RunE:  runDaemonLogs,
}

var (
	daemonLogLines  int
	daemonLogFollow bool
)

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd, daemonRunCmd, daemonLogsCmd)
	daemonLogsCmd.Flags().IntVarP(&daemonLogLines, "lines", "n", 50, "number of lines to show")
	daemonLogsCmd.Flags().BoolVarP(&daemonLogFollow, "follow", "f", false, "follow log output")
	rootCmd.AddCommand(daemonCmd)
}

func pidFilePath() (string, error) {
	dir, err := config.AppConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "anima.pid"), nil
}

func daemonLogPath() (string, error) {
	dir, err := config.AppConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "anima.log"), nil
}

// isDaemonRunning checks the PID file and verifies the process is alive,
// matching gastown's daemon.IsRunning: the lock acquired in runDaemonRun
// is the authoritative guard against duplicate daemons, this is just for
// status checks and stale-file cleanup.
func isDaemonRunning() (bool, int, error) {
	pidFile, err := pidFilePath()
	if err != nil {
		return false, 0, err
	}
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("reading PID file: %w", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return false, 0, fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0, nil
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidFile)
		return false, 0, nil
	}
	return true, pid, nil
}

func stopDaemon() error {
	running, pid, err := isDaemonRunning()
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if process.Signal(syscall.Signal(0)) != nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if process.Signal(syscall.Signal(0)) == nil {
		process.Signal(syscall.SIGKILL)
	}

	if pidFile, err := pidFilePath(); err == nil {
		os.Remove(pidFile)
	}
	return nil
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	running, pid, err := isDaemonRunning()
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	proc := exec.Command(exePath, "daemon", "run")
	proc.Stdin = nil
	proc.Stdout = nil
	proc.Stderr = nil
	if err := proc.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	time.Sleep(200 * time.Millisecond)

	running, pid, err = isDaemonRunning()
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("daemon failed to start (check logs with 'anima daemon logs')")
	}
	if pid != proc.Process.Pid {
		fmt.Printf("daemon already running (PID %d)\n", pid)
		return nil
	}

	fmt.Printf("daemon started (PID %d)\n", pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	_, pid, err := isDaemonRunning()
	if err != nil {
		return err
	}
	if err := stopDaemon(); err != nil {
		return err
	}
	fmt.Printf("daemon stopped (was PID %d)\n", pid)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	running, pid, err := isDaemonRunning()
	if err != nil {
		return err
	}
	if !running {
		fmt.Println("daemon not running")
		fmt.Println("start with: anima daemon start")
		return nil
	}
	fmt.Printf("daemon running (PID %d)\n", pid)
	if c, err := defaultClient(); err == nil {
		if projects, err := c.list(cmd.Context()); err == nil {
			fmt.Printf("projects: %d\n", len(projects))
		}
	}
	return nil
}

func runDaemonLogs(cmd *cobra.Command, args []string) error {
	logPath, err := daemonLogPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		return fmt.Errorf("no log file found at %s", logPath)
	}

	if daemonLogFollow {
		tail := exec.Command("tail", "-f", logPath)
		tail.Stdout = os.Stdout
		tail.Stderr = os.Stderr
		return tail.Run()
	}
	tail := exec.Command("tail", "-n", fmt.Sprintf("%d", daemonLogLines), logPath)
	tail.Stdout = os.Stdout
	tail.Stderr = os.Stderr
	return tail.Run()
}

// runDaemonRun is the actual long-running daemon process, spawned by
// "anima daemon start" and run directly by "anima daemon run" for
// foreground debugging.
func runDaemonRun(cmd *cobra.Command, args []string) error {
	appDir, err := config.AppConfigDir()
	if err != nil {
		return err
	}

	lockPath := filepath.Join(appDir, "anima.lock")
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running (lock held by another process)")
	}
	defer fileLock.Unlock()

	pidFile, err := pidFilePath()
	if err != nil {
		return err
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidFile)

	logPath, err := daemonLogPath()
	if err != nil {
		return err
	}
	logger, err := applog.New(logPath)
	if err != nil {
		return fmt.Errorf("opening daemon log: %w", err)
	}
	logger.Printf("anima daemon starting (PID %d)", os.Getpid())

	sink := supervisor.NewProjectSink()
	bus := eventbus.New(sink)
	mgr := supervisor.New(supervisor.Deps{
		AppConfigDir: appDir,
		Store:        store.New(),
		Clock:        clock.New(),
		Bus:          bus,
		Launcher:     supervisor.DefaultLauncherFactory(),
		Sink:         sink,
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		logger.Printf("crash recovery failed: %v", err)
		return fmt.Errorf("starting supervisor: %w", err)
	}
	logger.Printf("supervisor started")

	server := supervisor.NewServer(mgr)
	socketPath := filepath.Join(appDir, supervisor.RPCSocketName)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx, socketPath) }()

	select {
	case <-ctx.Done():
		logger.Printf("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Printf("control socket error: %v", err)
		}
	}

	mgr.Shutdown()
	logger.Printf("anima daemon stopped")
	return nil
}
