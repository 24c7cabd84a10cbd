// Package api serves the REST surface of the chat core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/notify"
	"github.com/mahaj/chatcore/pkg/presence"
	"golang.org/x/time/rate"
)

// writeTimeout bounds store work started by a request. It runs detached
// from the request so a client hanging up cannot abort a write.
const writeTimeout = 10 * time.Second

// Notifications is the part of notify.Queue the API reads from.
type Notifications interface {
	Drain(ctx context.Context, userID string) ([]notify.Notification, error)
}

type Config struct {
	AllowedOrigins []string
	// RequestsPerMinute is the per-IP budget of /api routes; 0 disables it.
	RequestsPerMinute int
}

type Deps struct {
	Chat     *chat.Service
	Resolver auth.Resolver
	// Issuer enables POST /login when set.
	Issuer        *auth.TokenIssuer
	Presence      presence.View
	Notifications Notifications
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Config        Config
}

type Server struct {
	chat          *chat.Service
	resolver      auth.Resolver
	issuer        *auth.TokenIssuer
	presence      presence.View
	notifications Notifications
	metrics       *metrics.Metrics
	log           *slog.Logger
	cfg           Config
	limits        *limiterPool
	router        *mux.Router
}

func NewServer(d Deps) (*Server, error) {
	if d.Chat == nil || d.Resolver == nil || d.Presence == nil {
		return nil, errors.New("api: missing dependency")
	}
	if d.Logger == nil {
		d.Logger = logger.Discard()
	}
	s := &Server{
		chat:          d.Chat,
		resolver:      d.Resolver,
		issuer:        d.Issuer,
		presence:      d.Presence,
		notifications: d.Notifications,
		metrics:       d.Metrics,
		log:           d.Logger.With("component", "api"),
		cfg:           d.Config,
	}
	if d.Config.RequestsPerMinute > 0 {
		s.limits = newLimiterPool(d.Config.RequestsPerMinute)
	}
	s.routes()
	return s, nil
}

// Router returns the routes so callers can mount more handlers, such as the
// websocket endpoint.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	if s.issuer != nil {
		r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost, http.MethodOptions)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimitMiddleware, s.authMiddleware)
	api.HandleFunc("/chats", s.handleListChats).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/chats", s.handleCreateChat).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/chats/{id}/messages", s.handleHistory).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/chats/{id}/messages", s.handleSend).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/chats/{id}/read", s.handleMarkAllRead).Methods(http.MethodPut, http.MethodOptions)
	api.HandleFunc("/chats/{id}", s.handleDeleteChat).Methods(http.MethodDelete, http.MethodOptions)
	api.HandleFunc("/users/online", s.handleOnlineUsers).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/users/{id}/presence", s.handleUserPresence).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/notifications", s.handleNotifications).Methods(http.MethodGet, http.MethodOptions)

	s.router = r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return "*"
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return o
		}
	}
	return s.cfg.AllowedOrigins[0]
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		tokenString := auth.StripBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authorization header required"})
			return
		}
		id, err := s.resolver.Resolve(r.Context(), tokenString)
		if err != nil {
			s.metrics.Rejected("auth")
			writeError(w, err)
			return
		}
		ctx := auth.WithSession(r.Context(), auth.IdentifiedSession(id.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limits != nil && !s.limits.allow(clientIP(r)) {
			s.metrics.Rejected("rate_limited")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type limiterEntry struct {
	l    *rate.Limiter
	seen time.Time
}

// limiterPool keeps one token bucket per client IP and forgets idle ones.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

const limiterIdle = 10 * time.Minute

func newLimiterPool(perMinute int) *limiterPool {
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		limit: rate.Limit(float64(perMinute) / 60),
		burst: perMinute,
	}
}

func (p *limiterPool) allow(key string) bool {
	now := time.Now()
	p.mu.Lock()
	if now.Sub(p.lastSweep) > limiterIdle {
		for k, e := range p.m {
			if now.Sub(e.seen) > limiterIdle {
				delete(p.m, k)
			}
		}
		p.lastSweep = now
	}
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.limit, p.burst)}
		p.m[key] = e
	}
	e.seen = now
	p.mu.Unlock()
	return e.l.Allow()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an error kind to its status. Only model.Reason text
// reaches the client.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, model.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: model.Reason(err)})
}
