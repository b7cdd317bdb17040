// Package streamapi serves the WebSocket endpoints that stream hub channels
// to observers.
package streamapi

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/corerecon/internal/hub"
)

const (
	DefaultMaxConnections = 5000
	DefaultSendQueue      = 64
	DefaultPingInterval   = 30 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultWriteWait      = 10 * time.Second

	maxInboundMessage = 4096
)

// Config controls WebSocket serving. Zero values take the defaults.
type Config struct {
	MaxConnections int
	SendQueue      int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
}

func (c *Config) defaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.PongWait <= c.PingInterval {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
}

// API serves WebSocket subscriptions onto a hub.
type API struct {
	hub      *hub.Hub
	cfg      Config
	upgrader websocket.Upgrader
	logger   log.Logger
	active   atomic.Int64
}

// New creates the WebSocket API for h.
func New(h *hub.Hub, cfg Config, logger log.Logger) *API {
	if h == nil {
		panic(xerrors.New("hub is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	cfg.defaults()

	a := &API{
		hub:    h,
		cfg:    cfg,
		logger: logger.With("component", "streamapi"),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

// Routes returns a chi router with the WebSocket endpoints mounted.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	a.Register(r)
	return r
}

// Register mounts the WebSocket endpoints on r.
func (a *API) Register(r chi.Router) {
	r.Get("/ws/alerts", a.serve(func(*http.Request) string { return hub.ChannelAlerts }))
	r.Get("/ws/incidents", a.serve(func(*http.Request) string { return hub.ChannelIncidents }))
	r.Get("/ws/incidents/{id}", a.serve(func(r *http.Request) string {
		return hub.IncidentChannel(chi.URLParam(r, "id"))
	}))
	r.Get("/ws/dashboard", a.serve(func(*http.Request) string { return hub.ChannelDashboard }))
}

// Active returns the number of open WebSocket connections.
func (a *API) Active() int64 { return a.active.Load() }

type welcome struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Channel  string `json:"channel"`
	ClientID string `json:"client_id"`
}

var pong = []byte(`{"type":"pong"}`)

func (a *API) serve(channelFor func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := channelFor(r)
		if !hub.ValidChannel(channel) {
			http.Error(w, "invalid channel", http.StatusBadRequest)
			return
		}

		if n := a.active.Add(1); n > int64(a.cfg.MaxConnections) {
			a.active.Add(-1)
			a.logger.Warn(r.Context(), "rejecting websocket, connection limit reached",
				"limit", a.cfg.MaxConnections,
				"channel", channel,
			)
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer a.active.Add(-1)

		ws, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			a.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
			return
		}

		conn := newWSConn(ws, a.cfg.SendQueue)
		client := hub.NewClient(conn)
		go conn.writeLoop(a.cfg.PingInterval, a.cfg.WriteWait)

		ctx := r.Context()
		L := a.logger.With("client_id", client.ID(), "channel", channel)

		hello, _ := json.Marshal(welcome{
			Type:     "connected",
			Message:  "Connected to " + channel + " stream",
			Channel:  channel,
			ClientID: client.ID(),
		})
		_ = conn.Send(ctx, hello)

		if err := a.hub.Registry().Subscribe(client, channel); err != nil {
			L.Error(ctx, err, "failed to subscribe websocket client")
			_ = conn.Close()
			return
		}
		L.Info(ctx, "websocket connected")

		a.readLoop(ctx, ws, conn)

		a.hub.Registry().Remove(client)
		L.Info(ctx, "websocket disconnected")
	}
}

// readLoop answers application pings until the peer goes away or misses the
// pong deadline.
func (a *API) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn) {
	ws.SetReadLimit(maxInboundMessage)
	_ = ws.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
	})

	for {
		typ, _, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
		if typ == websocket.TextMessage {
			if err := conn.Send(ctx, pong); err != nil {
				return
			}
		}
	}
}

func (a *API) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(a.cfg.AllowedOrigins, origin)
}
