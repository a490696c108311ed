// Package server wires the HTTP surface: proxy routes behind the rotation
// middleware, status endpoints and the OAuth enrollment API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ccproxy-go/ccproxy/internal/config"
	"github.com/ccproxy-go/ccproxy/internal/oauth"
	"github.com/ccproxy-go/ccproxy/internal/pool"
	"github.com/ccproxy-go/ccproxy/internal/proxy"
	"github.com/ccproxy-go/ccproxy/internal/refresh"
	"github.com/ccproxy-go/ccproxy/internal/rotation"
	"github.com/ccproxy-go/ccproxy/internal/transport"
	"github.com/ccproxy-go/ccproxy/internal/watcher"
)

// Server is the main HTTP server.
type Server struct {
	cfg        *config.Config
	pool       *pool.Pool
	oauthMgr   *oauth.Manager
	scheduler  *refresh.Scheduler
	watcher    *watcher.Watcher
	httpServer *http.Server
	startTime  time.Time
}

// New assembles the server: pool, upstream client, middleware and routes.
func New(cfg *config.Config) (*Server, error) {
	p := pool.New(cfg.AccountsPath)
	if err := p.Load(); err != nil {
		if os.IsNotExist(err) {
			slog.Warn("accounts file not found, starting with empty pool", "path", cfg.AccountsPath)
		} else {
			return nil, fmt.Errorf("load accounts: %w", err)
		}
	}

	upstreamClient, err := transport.NewClient(cfg.UpstreamProxy, cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("build upstream client: %w", err)
	}

	forwarder, err := proxy.New(cfg.UpstreamURL, upstreamClient, cfg.ClaudeAPIVersion)
	if err != nil {
		return nil, err
	}

	oauthClient := oauth.NewClient()
	oauthClient.SetRedirectURI(cfg.OAuthRedirectURI)
	mw := rotation.NewMiddleware(p, cfg.RotationEnabled, cfg.RotationPaths, cfg.MaxRetries)

	srv := &Server{
		cfg:       cfg,
		pool:      p,
		oauthMgr:  oauth.NewManager(oauthClient, p),
		scheduler: refresh.New(p, oauthClient, cfg.RefreshInterval, cfg.RefreshBuffer),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux, mw.Wrap(forwarder))

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux, proxyHandler http.Handler) {
	// Status
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /status/accounts", s.handleListAccounts)
	mux.HandleFunc("GET /status/accounts/{name}", s.handleGetAccount)
	mux.HandleFunc("POST /status/accounts/{name}/refresh", s.handleRefreshAccount)
	mux.HandleFunc("POST /status/accounts/{name}/enable", s.handleEnableAccount)

	// OAuth enrollment
	mux.HandleFunc("POST /oauth/start", s.handleOAuthStart)
	mux.HandleFunc("GET /oauth/url", s.handleOAuthURL)
	mux.HandleFunc("GET /oauth/callback", s.handleOAuthCallback)
	mux.HandleFunc("POST /oauth/exchange", s.handleOAuthExchange)

	// Everything else relays upstream through the rotation middleware.
	mux.Handle("/", proxyHandler)
}

// Run starts the server and background loops, blocking until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.scheduler.Start(ctx)
	defer s.scheduler.Stop()

	if s.cfg.HotReload {
		w, err := watcher.New(s.pool)
		if err != nil {
			slog.Warn("hot reload disabled", "error", err)
		} else {
			s.watcher = w
			defer w.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr,
			"accounts", s.pool.Len(), "rotation", s.cfg.RotationEnabled)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
