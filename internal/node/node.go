package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/jupyterwire/internal/auth"
	"github.com/codewiresh/jupyterwire/internal/config"
	"github.com/codewiresh/jupyterwire/internal/connection"
	"github.com/codewiresh/jupyterwire/internal/launcher"
	"github.com/codewiresh/jupyterwire/internal/session"
	"github.com/codewiresh/jupyterwire/internal/store"
)

// SocketName and PIDName are the node's files inside the data directory.
const (
	SocketName = "jupyterwire.sock"
	PIDName    = "jupyterwire.pid"
)

// Node is the daemon that hosts kernel sessions, accepting connections over
// a Unix domain socket and optionally a WebSocket listener.
type Node struct {
	Manager    *session.Manager
	store      *store.SQLiteStore
	socketPath string
	pidPath    string
	config     *config.Config
	dataDir    string
}

// NewNode creates a Node rooted at dataDir. It loads the configuration,
// opens the history store, builds the session manager, and ensures an auth
// token exists on disk.
func NewNode(dataDir string) (*Node, error) {
	cfg, err := config.LoadConfig(dataDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	level, _ := cfg.LogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	st, err := store.NewSQLiteStore(dataDir, store.WithRetention(cfg.Store.Retention.Duration))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	closeStale(st)

	mgr, err := newManager(dataDir, cfg, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	token, err := auth.LoadOrGenerateToken(dataDir)
	if err != nil {
		mgr.Close()
		st.Close()
		return nil, fmt.Errorf("loading auth token: %w", err)
	}
	slog.Info("auth token ready", "token", token)

	return &Node{
		Manager:    mgr,
		store:      st,
		socketPath: filepath.Join(dataDir, SocketName),
		pidPath:    filepath.Join(dataDir, PIDName),
		config:     cfg,
		dataDir:    dataDir,
	}, nil
}

func newManager(dataDir string, cfg *config.Config, st store.Store) (*session.Manager, error) {
	runtimeDir := cfg.Kernel.RuntimeDir
	if runtimeDir == "" {
		runtimeDir = filepath.Join(dataDir, "runtime")
	}
	if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating runtime dir: %w", err)
	}

	l := launcher.NewProcessLauncher(launcher.Config{
		RuntimeDir:      runtimeDir,
		IP:              cfg.Kernel.IP,
		Transport:       cfg.Kernel.Transport,
		SignatureScheme: cfg.Kernel.SignatureScheme,
		ShutdownGrace:   cfg.Kernel.ShutdownGrace.Duration,
	})

	return session.NewManager(session.ManagerConfig{
		DataDir:  dataDir,
		SpecDirs: slices.Concat(cfg.Kernel.SpecDirs, launcher.DefaultSpecDirs()),
		Store:    st,
		NewTransport: func(workingDir string) session.Transport {
			return session.NewRawTransport(session.RawConfig{
				Launcher:         l,
				WorkingDir:       workingDir,
				HandshakeTimeout: cfg.Kernel.HandshakeTimeout.Duration,
				ShutdownGrace:    cfg.Kernel.ShutdownGrace.Duration,
			})
		},
		Session: session.Options{
			Standby:        cfg.Kernel.Standby,
			RestartTimeout: cfg.Kernel.RestartTimeout.Duration,
		},
		ConnectTimeout:   cfg.Kernel.ConnectTimeout.Duration,
		InterruptTimeout: cfg.Kernel.InterruptTimeout.Duration,
	})
}

// closeStale marks sessions left open by a previous daemon as dead. Their
// kernels died with it.
func closeStale(st store.Store) {
	ctx := context.Background()
	recs, err := st.SessionList(ctx)
	if err != nil {
		slog.Warn("listing stored sessions", "err", err)
		return
	}
	for _, rec := range recs {
		if rec.ClosedAt != nil {
			continue
		}
		if err := st.SessionClose(ctx, rec.ID, "dead"); err != nil {
			slog.Warn("closing stale session", "id", rec.ID, "err", err)
		}
	}
}

// Run starts the node daemon. It writes a PID file, listens on a Unix socket,
// and optionally starts a WebSocket server. It blocks until ctx is cancelled,
// then shuts every kernel down.
func (n *Node) Run(ctx context.Context) error {
	pid := os.Getpid()
	if err := os.WriteFile(n.pidPath, []byte(fmt.Sprintf("%d", pid)), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}

	// Remove stale socket if it exists.
	_ = os.Remove(n.socketPath)

	ln, err := net.Listen("unix", n.socketPath)
	if err != nil {
		return fmt.Errorf("listening on unix socket: %w", err)
	}
	slog.Info("listening on unix socket", "path", n.socketPath)

	defer n.Cleanup()

	if n.config.Node.Listen != nil {
		addr := *n.config.Node.Listen
		go func() {
			if wsErr := n.runWSServer(ctx, addr); wsErr != nil {
				slog.Error("websocket server error", "err", wsErr)
			}
		}()
	}

	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		persistenceManager(n.Manager)
	}()
	defer n.shutdown(persistDone)

	// Close the listener when ctx is cancelled so Accept unblocks.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			slog.Error("accept error", "err", acceptErr)
			continue
		}
		go handleClient(ctx,
			connection.NewUnixReader(conn),
			connection.NewUnixWriter(conn),
			n.Manager,
		)
	}
}

// shutdown stops every kernel, flushes pending status writes, and closes
// the store.
func (n *Node) shutdown(persistDone <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	count, err := n.Manager.ShutdownAll(ctx)
	if err != nil {
		slog.Warn("shutting down kernels", "err", err)
	}
	slog.Info("kernels shut down", "count", count)

	n.Manager.Close()
	<-persistDone
	if err := n.store.Close(); err != nil {
		slog.Warn("closing store", "err", err)
	}
}

// Cleanup removes the Unix socket and PID files.
func (n *Node) Cleanup() {
	_ = os.Remove(n.socketPath)
	_ = os.Remove(n.pidPath)
}

// requestToken extracts the auth token from a bearer header or the token
// query parameter.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

// runWSServer starts an HTTP server that upgrades /ws connections to WebSocket
// and dispatches them through the standard client handler after validating the
// auth token.
func (n *Node) runWSServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if !auth.ValidateToken(n.dataDir, requestToken(r)) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Error("websocket accept error", "err", err)
			return
		}
		wsConn.SetReadLimit(-1)

		wsCtx := r.Context()
		handleClient(wsCtx,
			connection.NewWSReader(wsCtx, wsConn),
			connection.NewWSWriter(wsCtx, wsConn),
			n.Manager,
		)
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("websocket server listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// persistenceManager debounces persist signals from the session manager.
// After a signal it waits 500ms for more before writing statuses to the
// store. It returns once PersistCh is closed.
func persistenceManager(manager *session.Manager) {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	pending := false

	for {
		select {
		case _, ok := <-manager.PersistCh:
			if !ok {
				if pending {
					manager.PersistStatuses()
				}
				return
			}
			if !timer.Stop() && pending {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(500 * time.Millisecond)
			pending = true

		case <-timer.C:
			if pending {
				manager.PersistStatuses()
				pending = false
			}
		}
	}
}
