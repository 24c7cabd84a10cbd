// Package gateway terminates websocket connections and drives each one
// through the authentication, room and presence lifecycle.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/fanout"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/room"
	"golang.org/x/time/rate"
)

// opTimeout bounds the store work triggered by one client event.
const opTimeout = 10 * time.Second

const presenceStripes = 256

// userLocks serializes presence transitions per user, so the mirror write
// and the broadcast of one transition finish before the next one starts.
type userLocks struct {
	stripes [presenceStripes]sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	mu := &l.stripes[xxhash.Sum64String(userID)%presenceStripes]
	mu.Lock()
	return mu.Unlock
}

type Config struct {
	MaxMessageSize int64
	SendBuffer     int
	EventsPerSec   float64
	EventBurst     int
	// AllowedOrigins empty accepts any origin.
	AllowedOrigins []string
}

type Deps struct {
	Chat     *chat.Service
	Resolver auth.Resolver
	Rooms    *room.Membership
	Registry *presence.Registry
	// Mirror is optional.
	Mirror  *presence.Mirror
	Emitter fanout.Emitter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Config  Config
}

// Hub owns every connection of this process.
type Hub struct {
	chat     *chat.Service
	resolver auth.Resolver
	rooms    *room.Membership
	registry *presence.Registry
	mirror   *presence.Mirror
	emitter  fanout.Emitter
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
	upgrader websocket.Upgrader

	// base is never cancelled by a connection going away, so a store write
	// started for a client always runs to completion.
	base context.Context

	presence userLocks

	mu      sync.Mutex
	clients map[string]*Client
}

func NewHub(d Deps) (*Hub, error) {
	if d.Chat == nil || d.Resolver == nil || d.Rooms == nil || d.Registry == nil || d.Emitter == nil {
		return nil, errors.New("gateway: missing dependency")
	}
	if d.Logger == nil {
		d.Logger = logger.Discard()
	}
	if d.Config.MaxMessageSize <= 0 {
		d.Config.MaxMessageSize = 8192
	}
	if d.Config.SendBuffer <= 0 {
		d.Config.SendBuffer = 256
	}
	h := &Hub{
		chat:     d.Chat,
		resolver: d.Resolver,
		rooms:    d.Rooms,
		registry: d.Registry,
		mirror:   d.Mirror,
		emitter:  d.Emitter,
		metrics:  d.Metrics,
		log:      d.Logger.With("component", "gateway"),
		cfg:      d.Config,
		base:     context.Background(),
		clients:  make(map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// View answers presence queries from this process's registry.
func (h *Hub) View() presence.View {
	return presence.LocalView{Registry: h.registry, Mirror: h.mirror}
}

// ServeWs upgrades the request. A token presented at upgrade (Authorization
// header or ?token=) must be valid; without one the connection starts
// anonymous and may authenticate later.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	tokenString = auth.StripBearer(tokenString)

	var identity *auth.Identity
	if tokenString != "" {
		id, err := h.resolver.Resolve(r.Context(), tokenString)
		if err != nil {
			h.log.Info("unauthorized websocket upgrade", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(h, conn, uuid.NewString())
	h.register(c)
	if identity != nil {
		h.authenticate(c, identity)
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) newLimiter() *rate.Limiter {
	if h.cfg.EventsPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.cfg.EventBurst
	if burst <= 0 {
		burst = int(h.cfg.EventsPerSec)
	}
	return rate.NewLimiter(rate.Limit(h.cfg.EventsPerSec), burst)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
	h.log.Debug("client connected", "conn", c.id)
}

// authenticate moves c to the Authenticated state.
func (h *Hub) authenticate(c *Client, id *auth.Identity) {
	c.session = auth.IdentifiedSession(id.UserID)
	c.state = stateAuthenticated

	ctx, cancel := context.WithTimeout(h.base, opTimeout)
	defer cancel()
	if err := h.chat.UpsertProfile(ctx, *id.Profile()); err != nil {
		h.log.Warn("profile upsert failed", "user", id.UserID, "error", err)
	}

	h.rooms.Join(room.PresenceKey, c)
	c.rooms[room.PresenceKey] = true
	first := h.markOnline(ctx, id.UserID, c.id)

	c.sendEvent(model.EventAuthenticated, model.AuthenticatedPayload{UserID: id.UserID})
	h.log.Info("client authenticated", "conn", c.id, "user", id.UserID, "first", first)
}

func (h *Hub) markOnline(ctx context.Context, userID, connID string) bool {
	unlock := h.presence.lock(userID)
	defer unlock()

	first := h.registry.MarkOnline(userID, connID)
	h.metrics.SetOnlineUsers(h.registry.OnlineCount())
	if !first {
		return false
	}
	rec, _ := h.registry.Get(userID)
	if h.mirror != nil {
		if err := h.mirror.Online(ctx, userID, rec.LastSeen); err != nil {
			h.log.Warn("presence mirror online failed", "user", userID, "error", err)
		}
	}
	h.emitPresence(ctx, model.EventUserOnline, userID, rec.LastSeen, connID)
	return true
}

// disconnect runs once per connection after its read loop ends. The
// connection stays counted until its offline transition is published.
func (h *Hub) disconnect(c *Client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		h.metrics.ConnectionClosed()
	}()

	prev := c.state
	c.state = stateClosed
	for key := range c.rooms {
		h.rooms.Leave(key, c.id)
	}
	c.rooms = nil

	if !c.session.Identified() {
		h.log.Debug("client disconnected", "conn", c.id, "state", prev.String())
		return
	}
	userID := c.session.UserID()
	unlock := h.presence.lock(userID)
	defer unlock()

	_, last := h.registry.MarkOffline(c.id)
	h.metrics.SetOnlineUsers(h.registry.OnlineCount())
	h.log.Info("client disconnected", "conn", c.id, "user", userID, "state", prev.String(), "last", last)
	if !last {
		return
	}

	ctx, cancel := context.WithTimeout(h.base, opTimeout)
	defer cancel()
	rec, _ := h.registry.Get(userID)
	if h.mirror != nil {
		if err := h.mirror.Offline(ctx, userID, rec.LastSeen); err != nil {
			h.log.Warn("presence mirror offline failed", "user", userID, "error", err)
		}
	}
	h.emitPresence(ctx, model.EventUserOffline, userID, rec.LastSeen, "")
}

func (h *Hub) emitPresence(ctx context.Context, event, userID string, at time.Time, excludeID string) {
	frame, err := model.Frame(event, model.PresencePayload{UserID: userID, LastSeen: at})
	if err != nil {
		h.log.Error("encode presence event", "event", event, "error", err)
		return
	}
	h.emitter.Emit(ctx, room.PresenceKey, frame, excludeID)
}

// Shutdown closes every connection. Their read loops then run the usual
// disconnect path.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.kick()
	}
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
