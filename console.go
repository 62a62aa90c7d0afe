package main

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

//go:embed static
var staticFiles embed.FS

// Console is the local admin surface of the host: backend status, the
// manual-start fallback for degraded mode, live output tails, and the
// Prometheus endpoint.
type Console struct {
	sup      *Supervisor
	start    func() error // manual-start fallback, wired to the single start path
	log      *zap.Logger
	host     string
	port     int
	upgrader websocket.Upgrader
	metrics  http.Handler
	username string // BasicAuth username (empty = no username required)
	password string // BasicAuth password (empty = no auth)
}

// NewConsole creates the console server. start must go through the
// supervisor so the installed-handle guard applies to manual starts too.
func NewConsole(cfg ConsoleConfig, sup *Supervisor, start func() error, metrics http.Handler, logger *zap.Logger) *Console {
	// Parse authorization config once
	var username, password string
	if cfg.Authorization != "" {
		if idx := strings.Index(cfg.Authorization, ":"); idx > 0 {
			username = cfg.Authorization[:idx]
			password = cfg.Authorization[idx+1:]
		} else {
			password = cfg.Authorization
		}
	}

	return &Console{
		sup:      sup,
		start:    start,
		log:      logger.Named("console"),
		host:     cfg.Host,
		port:     cfg.Port,
		upgrader: websocket.Upgrader{},
		metrics:  metrics,
		username: username,
		password: password,
	}
}

// basicAuthMiddleware wraps the entire handler with BasicAuth authentication
func (c *Console) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If no password configured, allow all requests
		if c.password == "" {
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || username != c.username || password != c.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="DD-OS Host"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler builds the console's routing table.
func (c *Console) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/backend", c.getBackend)
	mux.HandleFunc("POST /api/backend/start", c.startBackend)
	mux.HandleFunc("GET /api/backend/logs/{stream}", c.streamLogs)
	mux.Handle("GET /metrics", c.metrics)

	// Static files (catch-all)
	mux.HandleFunc("GET /{path...}", c.handleStatic)

	return c.basicAuthMiddleware(mux)
}

// Start runs the console server. It blocks until the listener fails.
func (c *Console) Start() error {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	c.log.Info("console listening", zap.String("url", "http://"+addr))
	return http.ListenAndServe(addr, c.Handler())
}

// getBackend returns the backend slot status
func (c *Console) getBackend(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.sup.Status())
}

// startBackend is the manual-start fallback for a host that came up
// degraded. It refuses whenever a handle is installed, including the stale
// handle of a backend that exited on its own: this is a second attempt at
// the first launch, not a restart facility.
func (c *Console) startBackend(w http.ResponseWriter, r *http.Request) {
	if err := c.start(); err != nil {
		if errors.Is(err, ErrBackendRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		c.log.Error("manual backend start failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
}

// streamLogs streams one backend output stream via WebSocket: retained
// history first, then live lines until the client goes away.
func (c *Console) streamLogs(w http.ResponseWriter, r *http.Request) {
	stream := r.PathValue("stream")

	t := c.sup.Tail(stream)
	if t == nil {
		http.Error(w, "Stream must be stdout or stderr", http.StatusBadRequest)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if history := t.History(); len(history) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, history); err != nil {
			return
		}
	}

	ch := t.Subscribe()
	defer t.Unsubscribe(ch)

	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}
}

// handleStatic serves static files from the embedded filesystem
func (c *Console) handleStatic(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if path == "" {
		path = "index.html"
	}

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	file, err := staticFS.Open(path)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	http.ServeContent(w, r, path, stat.ModTime(), file.(io.ReadSeeker))
}
