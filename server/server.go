// Package server is the HTTP surface of the signaling hub: the /ws
// upgrade endpoint, the /health snapshot and the CORS/security
// response headers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"

	"github.com/Ruddxxy/warp-p2p/hub"
	"github.com/Ruddxxy/warp-p2p/ratelimit"
)

const (
	defaultShutdownDeadline = 30 * time.Second

	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 15 * time.Second
	defaultIdleTimeout  = 60 * time.Second

	defaultWebSocketHandshakeTimeout = 3 * time.Second
	defaultWebSocketBufferSize       = 1024

	contentSecurityPolicy = "default-src 'self'; " +
		"script-src 'self' 'unsafe-inline'; " +
		"style-src 'self' 'unsafe-inline' https://fonts.googleapis.com; " +
		"font-src 'self' https://fonts.gstatic.com; " +
		"connect-src 'self' wss: ws://localhost:*; " +
		"img-src 'self' data: blob:; " +
		"frame-ancestors 'none'; " +
		"base-uri 'self';"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Config struct {
		Logger     *zerolog.Logger
		Hub        *hub.Hub
		Limiter    *ratelimit.Limiter
		Origins    []string
		ListenAddr string
	}

	Server struct {
		logger  zerolog.Logger
		hub     *hub.Hub
		limiter *ratelimit.Limiter
		origins *originPolicy
		ws      *websocket.Upgrader
		started time.Time
		*http.Server
	}
)

func New(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "server").Logger(),
		hub:     cfg.Hub,
		limiter: cfg.Limiter,
		origins: newOriginPolicy(cfg.Origins),
		started: time.Now(),
	}
	srv.ws = &websocket.Upgrader{
		HandshakeTimeout: defaultWebSocketHandshakeTimeout,
		ReadBufferSize:   defaultWebSocketBufferSize,
		WriteBufferSize:  defaultWebSocketBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return srv.origins.allow(r.Header.Get("Origin"))
		},
	}

	r := mux.NewRouter()
	r.Use(srv.responseHeaders)
	r.HandleFunc("/ws", srv.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/health", srv.health).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(srv.fallback)

	srv.Server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	return srv
}

// Run serves until ctx is canceled, then shuts down gracefully. Fatal
// listen errors are reported on errc.
func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// responseHeaders stamps the security and CORS headers on every
// response.
func (srv *Server) responseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.setHeaders(w.Header(), r.Header.Get("Origin"))
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) setHeaders(h http.Header, origin string) {
	h.Set("Content-Security-Policy", contentSecurityPolicy)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

	if v := srv.origins.echoValue(origin); v != "" {
		h.Set("Access-Control-Allow-Origin", v)
	}
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

// serveWS admits, upgrades and registers one peer connection.
func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	key := sourceKey(r)
	if !srv.limiter.Allow(key) {
		srv.logger.Warn().Str("source", key).Msg("connection rate limited")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	// The upgrade response is written past the middleware, so the
	// headers ride along explicitly.
	upgradeHeaders := http.Header{}
	srv.setHeaders(upgradeHeaders, r.Header.Get("Origin"))

	conn, err := srv.ws.Upgrade(w, r, upgradeHeaders)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	gometrics.GetOrRegisterCounter(CounterConnections, nil).Inc(1)

	client := hub.NewClient(conn, srv.hub)
	srv.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	srv.logger.Debug().
		Str("clientID", client.ID).
		Str("source", key).
		Msg("connection established")
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	b, err := json.Marshal(srv.snapshot())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b, &srv.logger)
}

// fallback answers CORS preflights and 404s everything else.
func (srv *Server) fallback(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

// sourceKey extracts the rate-limiting key for a request, preferring
// proxy-provided headers over the transport peer address.
func sourceKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeBytes(w http.ResponseWriter, code int, b []byte, logger *zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}
