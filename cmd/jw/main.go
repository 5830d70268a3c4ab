package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/jupyterwire/internal/client"
	"github.com/codewiresh/jupyterwire/internal/config"
	"github.com/codewiresh/jupyterwire/internal/mcp"
	"github.com/codewiresh/jupyterwire/internal/node"
	"github.com/codewiresh/jupyterwire/internal/terminal"
)

var (
	serverFlag string
	tokenFlag  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "jw",
		Short:        "Run and drive Jupyter kernels from the command line",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Connect to a remote node (name from servers.toml or ws://host:port)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Auth token for remote node")

	rootCmd.AddCommand(
		nodeCmd(),
		stopCmd(),
		launchCmd(),
		listCmd(),
		execCmd(),
		consoleCmd(),
		interruptCmd(),
		restartCmd(),
		changeCmd(),
		killCmd(),
		watchCmd(),
		statusCmd(),
		specsCmd(),
		historyCmd(),
		completeCmd(),
		serverCmd(),
		mcpServerCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// nodeCmd (aliases: start)
// ---------------------------------------------------------------------------

func nodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "node",
		Aliases: []string{"start"},
		Short:   "Start the jupyterwire node",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}

			n, err := node.NewNode(dir)
			if err != nil {
				return fmt.Errorf("initializing node: %w", err)
			}
			defer n.Cleanup()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, "[jw] shutting down...")
				cancel()
			}()

			if err := n.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// stopCmd
// ---------------------------------------------------------------------------

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running node and its kernels",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := filepath.Join(dataDir(), node.PIDName)
			data, err := os.ReadFile(pidPath)
			if err != nil {
				return fmt.Errorf("reading pid file: %w (is the node running?)", err)
			}

			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				return fmt.Errorf("invalid pid file: %w", err)
			}

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				if err == syscall.ESRCH {
					_ = os.Remove(pidPath)
					fmt.Fprintln(os.Stderr, "[jw] node already stopped (stale pid file removed)")
					return nil
				}
				return fmt.Errorf("sending SIGTERM to pid %d: %w", pid, err)
			}

			fmt.Fprintf(os.Stderr, "[jw] sent SIGTERM to node (pid %d)\n", pid)
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func launchCmd() *cobra.Command {
	var workDir, interpreter string

	cmd := &cobra.Command{
		Use:     "launch <kernel>",
		Aliases: []string{"run"},
		Short:   "Start a kernel session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := nodeTarget()
			if err != nil {
				return err
			}
			if workDir == "" && target.IsLocal() {
				workDir, _ = os.Getwd()
			}
			id, err := client.Launch(target, args[0], workDir, interpreter)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Session %d launched: %s\n", id, args[0])
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workDir, "dir", "d", "", "Working directory for the kernel")
	cmd.Flags().StringVar(&interpreter, "interpreter", "", "Interpreter to run the kernel with (e.g. a virtualenv python)")

	return cmd
}

func listCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List kernel sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := nodeTarget()
			if err != nil {
				return err
			}
			return client.List(target, format)
		},
	}

	addFormatFlag(cmd, &format)
	return cmd
}

func execCmd() *cobra.Command {
	var (
		file    string
		noStdin bool
	)

	cmd := &cobra.Command{
		Use:   "exec <session> [code...]",
		Short: "Run code in a session and stream its output",
		Long: `Run code in a session and stream its output.

The code comes from the arguments, from --file, or from stdin when neither
is given. Ctrl-C interrupts the kernel.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			var code string
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading code file: %w", err)
				}
				code = string(data)
			case len(args) > 1:
				code = strings.Join(args[1:], " ")
			default:
				if terminal.IsInteractive() {
					return fmt.Errorf("no code given (pass it as arguments, --file, or on stdin)")
				}
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				code = string(data)
				// stdin is consumed by the code itself.
				noStdin = true
			}

			target, err := nodeTarget()
			if err != nil {
				return err
			}
			return client.Exec(target, id, code, !noStdin)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read code from a file")
	cmd.Flags().BoolVar(&noStdin, "no-stdin", false, "Tell the kernel that input() is unavailable")

	return cmd
}

func consoleCmd() *cobra.Command {
	var kernelName string

	cmd := &cobra.Command{
		Use:   "console [session]",
		Short: "Interactive prompt attached to a session",
		Long: `Interactive prompt attached to a session. Without a session id a new
session is launched with --kernel.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := nodeTarget()
			if err != nil {
				return err
			}

			var id uint32
			if len(args) == 1 {
				if id, err = parseID(args[0]); err != nil {
					return err
				}
			} else {
				dir := ""
				if target.IsLocal() {
					dir, _ = os.Getwd()
				}
				if id, err = client.Launch(target, kernelName, dir, ""); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Session %d launched: %s\n", id, kernelName)
			}
			return client.Console(target, id)
		},
	}

	cmd.Flags().StringVarP(&kernelName, "kernel", "k", "python3", "Kernel to launch when no session is given")

	return cmd
}

func interruptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt <session>",
		Short: "Interrupt the code running in a session",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(target *client.Target, id uint32) error {
			return client.Interrupt(target, id)
		}),
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <session>",
		Short: "Restart a session's kernel",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(target *client.Target, id uint32) error {
			return client.Restart(target, id)
		}),
	}
}

func changeCmd() *cobra.Command {
	var interpreter string

	cmd := &cobra.Command{
		Use:   "change <session> <kernel>",
		Short: "Switch a session to another kernel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := nodeTarget()
			if err != nil {
				return err
			}
			return client.ChangeKernel(target, id, args[1], interpreter)
		},
	}

	cmd.Flags().StringVar(&interpreter, "interpreter", "", "Interpreter to run the new kernel with")

	return cmd
}

func killCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "kill [session]",
		Short: "Shut down a session, or all sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := nodeTarget()
			if err != nil {
				return err
			}
			if all {
				return client.KillAll(target)
			}
			if len(args) == 0 {
				return fmt.Errorf("session id required (or use --all)")
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return client.Kill(target, id)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Kill all sessions")

	return cmd
}

func watchCmd() *cobra.Command {
	var (
		tail      uint
		noHistory bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <session>",
		Short: "Stream a session's events and output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := nodeTarget()
			if err != nil {
				return err
			}

			var tailPtr *uint
			if cmd.Flags().Changed("tail") {
				tailPtr = &tail
			}
			return client.Watch(target, id, tailPtr, noHistory, timeout)
		},
	}

	cmd.Flags().UintVarP(&tail, "tail", "t", 0, "Number of past events to replay")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not replay past events")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop watching after this long (e.g. 30s)")

	return cmd
}

func statusCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status <session>",
		Short: "Show details of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := nodeTarget()
			if err != nil {
				return err
			}
			return client.GetStatus(target, id, format)
		},
	}

	addFormatFlag(cmd, &format)
	return cmd
}

func specsCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "specs",
		Short: "List installed kernel specs",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := nodeTarget()
			if err != nil {
				return err
			}
			return client.Specs(target, format)
		},
	}

	addFormatFlag(cmd, &format)
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		tail   uint
		format string
	)

	cmd := &cobra.Command{
		Use:   "history <session>",
		Short: "Show the executions recorded for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := nodeTarget()
			if err != nil {
				return err
			}
			return client.History(target, id, tail, format)
		},
	}

	cmd.Flags().UintVarP(&tail, "tail", "t", 20, "Number of most recent executions (0 for all)")
	addFormatFlag(cmd, &format)
	return cmd
}

func completeCmd() *cobra.Command {
	var cursor int

	cmd := &cobra.Command{
		Use:   "complete <session> <code>",
		Short: "Ask the kernel for completions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := nodeTarget()
			if err != nil {
				return err
			}
			return client.Complete(target, id, args[1], cursor)
		},
	}

	cmd.Flags().IntVar(&cursor, "cursor", -1, "Cursor position in code (default end of code)")

	return cmd
}

// ---------------------------------------------------------------------------
// mcpServerCmd
// ---------------------------------------------------------------------------

func mcpServerCmd() *cobra.Command {
	var execTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve kernel sessions as MCP tools on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := nodeTarget()
			if err != nil {
				return err
			}
			s := mcp.NewServer(target)
			s.ExecTimeout = execTimeout
			return s.Run(os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().DurationVar(&execTimeout, "exec-timeout", 60*time.Second, "Interrupt executions that run longer than this")

	return cmd
}

// ---------------------------------------------------------------------------
// serverCmd
// ---------------------------------------------------------------------------

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage saved remote nodes",
	}

	cmd.AddCommand(
		serverAddCmd(),
		serverRemoveCmd(),
		serverListCmd(),
	)

	return cmd
}

func serverAddCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "add <name> <url>",
		Short: "Save a remote node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			servers, err := config.LoadServersConfig(dir)
			if err != nil {
				return err
			}

			servers.Servers[args[0]] = config.ServerEntry{URL: args[1], Token: token}
			if err := servers.Save(dir); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Server %q added\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Auth token of the remote node")

	return cmd
}

func serverRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Forget a saved node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			servers, err := config.LoadServersConfig(dir)
			if err != nil {
				return err
			}
			if _, ok := servers.Servers[args[0]]; !ok {
				return fmt.Errorf("server %q not found", args[0])
			}

			delete(servers.Servers, args[0])
			if err := servers.Save(dir); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Server %q removed\n", args[0])
			return nil
		},
	}
}

func serverListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := config.LoadServersConfig(dataDir())
			if err != nil {
				return err
			}
			if len(servers.Servers) == 0 {
				fmt.Println("No saved servers")
				return nil
			}

			fmt.Printf("%-20s %s\n", "NAME", "URL")
			names := make([]string, 0, len(servers.Servers))
			for name := range servers.Servers {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				fmt.Printf("%-20s %s\n", name, servers.Servers[name].URL)
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func addFormatFlag(cmd *cobra.Command, format *string) {
	cmd.Flags().StringVarP(format, "output", "o", client.FormatTable, "Output format: table, json or yaml")
}

func parseID(arg string) (uint32, error) {
	n, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q", arg)
	}
	return uint32(n), nil
}

// withSession adapts a handler that takes the target and a session id
// parsed from the first argument.
func withSession(fn func(target *client.Target, id uint32) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		target, err := nodeTarget()
		if err != nil {
			return err
		}
		return fn(target, id)
	}
}

func dataDir() string {
	if dir := os.Getenv("JW_DATA_DIR"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		fmt.Fprintln(os.Stderr, "[jw] ERROR: $HOME environment variable is not set")
		fmt.Fprintln(os.Stderr, "[jw] WARNING: Using insecure fallback directory /tmp/.jupyterwire")
		return "/tmp/.jupyterwire"
	}
	return filepath.Join(home, ".jupyterwire")
}

// nodeTarget resolves the target and, when it is local, makes sure a node
// is running.
func nodeTarget() (*client.Target, error) {
	target, err := resolveTarget()
	if err != nil {
		return nil, err
	}
	if target.IsLocal() {
		if err := ensureNode(); err != nil {
			return nil, err
		}
	}
	return target, nil
}

func resolveTarget() (*client.Target, error) {
	dir := dataDir()

	if serverFlag == "" {
		return &client.Target{Local: dir}, nil
	}

	servers, err := config.LoadServersConfig(dir)
	if err == nil {
		if entry, ok := servers.Servers[serverFlag]; ok {
			token := tokenFlag
			if token == "" {
				token = entry.Token
			}
			return &client.Target{URL: entry.URL, Token: token}, nil
		}
	}

	if tokenFlag == "" {
		return nil, fmt.Errorf("--token required for ad-hoc remote node")
	}
	return &client.Target{URL: serverFlag, Token: tokenFlag}, nil
}

func ensureNode() error {
	dir := dataDir()
	sock := filepath.Join(dir, node.SocketName)

	if conn, err := net.Dial("unix", sock); err == nil {
		conn.Close()
		return nil
	}

	// Clean stale socket.
	_ = os.Remove(sock)
	_ = os.MkdirAll(dir, 0o755)

	exe, _ := os.Executable()
	cmd := exec.Command(exe, "node")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	logFile, err := os.OpenFile(filepath.Join(dir, "node.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err == nil {
		cmd.Stderr = logFile
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning node: %w", err)
	}
	fmt.Fprintf(os.Stderr, "[jw] node started (pid %d)\n", cmd.Process.Pid)

	for range 50 {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.Dial("unix", sock); err == nil {
			conn.Close()
			return nil
		}
	}

	return fmt.Errorf("node failed to start (socket not available after 5s, see %s)", filepath.Join(dir, "node.log"))
}
