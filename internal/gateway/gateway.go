// Package gateway terminates the persistent client connections: it
// authenticates the bearer credential at connect time, registers the session,
// and routes inbound events to the broadcaster and the call coordinator.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pulselink/backend/internal/auth"
	"github.com/pulselink/backend/internal/broadcast"
	"github.com/pulselink/backend/internal/call"
	"github.com/pulselink/backend/internal/logging"
	"github.com/pulselink/backend/internal/middleware"
	"github.com/pulselink/backend/internal/models"
	"github.com/pulselink/backend/internal/registry"
	"github.com/pulselink/backend/internal/repositories"
)

// Config controls connection admission.
type Config struct {
	// EventsPerSecond bounds inbound events per connection; flooding closes
	// the connection.
	EventsPerSecond float64
	EventBurst      int
}

// Gateway upgrades authenticated HTTP requests to websocket sessions.
type Gateway struct {
	tokens         *auth.Manager
	registry       *registry.Registry
	broadcaster    *broadcast.Broadcaster
	calls          *call.Coordinator
	directory      repositories.DirectoryStore
	connectLimiter middleware.RateLimiter
	logger         *slog.Logger
	cfg            Config

	upgrader websocket.Upgrader
}

// New constructs the gateway.
func New(tokens *auth.Manager, reg *registry.Registry, broadcaster *broadcast.Broadcaster, calls *call.Coordinator, directory repositories.DirectoryStore, connectLimiter middleware.RateLimiter, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = 20
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 40
	}
	return &Gateway{
		tokens:         tokens,
		registry:       reg,
		broadcaster:    broadcaster,
		calls:          calls,
		directory:      directory,
		connectLimiter: connectLimiter,
		logger:         logger,
		cfg:            cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements GET /ws. Authentication failures refuse the
// connection before it is ever registered.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if g.connectLimiter != nil && !g.connectLimiter.Allow(remoteHost(r)) {
		logger.Warn("connection rate limited", "remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	token := bearerToken(r)
	userID, err := g.tokens.Validate(ctx, token)
	if err != nil {
		if !errors.Is(err, auth.ErrTokenNotFound) && !errors.Is(err, auth.ErrTokenExpired) {
			logger.Error("token validation failed", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		logger.Warn("connection refused", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	displayName := userID
	if profile, err := g.directory.FindProfile(ctx, userID); err == nil {
		displayName = profile.DisplayName
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	limiter := rate.NewLimiter(rate.Limit(g.cfg.EventsPerSecond), g.cfg.EventBurst)
	client := newClient(userID, conn, limiter, g.logger)
	session := &registry.Session{
		UserID:      userID,
		DisplayName: displayName,
		Transport:   client,
		ConnectedAt: time.Now().UTC(),
	}

	g.registry.Register(ctx, session)
	g.logger.Info("session registered", "user_id", userID, "remote_addr", r.RemoteAddr)
	g.broadcaster.BroadcastPresence(ctx, userID, broadcast.PresenceOnline)

	go client.writePump()
	client.readPump(g.dispatch)

	// Superseded connections must not evict their successor or emit a
	// spurious offline transition.
	if g.registry.Unregister(ctx, userID, session) {
		g.broadcaster.BroadcastPresence(ctx, userID, broadcast.PresenceOffline)
		g.logger.Info("session unregistered", "user_id", userID)
	}
}

func (g *Gateway) dispatch(c *Client, env Envelope) {
	if !c.limiter.Allow() {
		g.logger.Warn("event rate exceeded, closing connection", "user_id", c.userID)
		c.Close("event rate exceeded")
		return
	}

	ctx, cancel := dispatchContext()
	defer cancel()

	ctx = logging.WithUserID(ctx, c.userID)
	ctx, span := logging.StartSpan(ctx, env.Event)
	defer span.End()

	switch env.Event {
	case EventStatusUpdate:
		var req statusUpdateRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		update := models.StatusUpdate{
			UserID:  c.userID,
			Status:  req.Status,
			Message: req.Message,
		}
		if len(req.Location) > 0 {
			var loc models.Location
			if err := json.Unmarshal(req.Location, &loc); err == nil {
				update.Location = &loc
			}
		}
		g.broadcaster.Broadcast(ctx, update)

	case EventStatusAck:
		var req statusAckRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		g.broadcaster.Acknowledge(req.DeliveryID)

	case EventContactsRefresh:
		if err := g.registry.RefreshContacts(ctx, c.userID); err != nil {
			g.logger.Warn("contact refresh failed", "user_id", c.userID, "error", err)
		}

	case EventCallInitiate:
		var req initiateRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.To == "" {
			return
		}
		callType := req.CallType
		if callType != models.CallTypeVideo {
			callType = models.CallTypeVoice
		}
		// Busy/offline outcomes are delivered to the initiator by the
		// coordinator itself.
		_, _ = g.calls.Initiate(ctx, c.userID, req.To, callType, req.Offer)

	case EventCallAnswer:
		var req answerRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		g.calls.Answer(req.CallID, c.userID, req.Answer)

	case EventCallReject:
		var req callRefRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		g.calls.Reject(req.CallID, c.userID)

	case EventCallEnd:
		var req callRefRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		g.calls.End(req.CallID, c.userID)

	case call.RelayICECandidate, call.RelayQualityUpdate, call.RelayICERestart, call.RelayICERestartAnswer:
		var req callRefRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		g.calls.Relay(req.CallID, c.userID, env.Event, env.Data)

	case EventTypingStart, EventTypingStop, EventMessageDelivered, EventMessageRead:
		var req relayRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.To == "" {
			return
		}
		g.passThrough(c.userID, req.To, env.Event, relayPayload{From: c.userID, MessageID: req.MessageID})

	default:
		g.logger.Debug("unknown event dropped", "user_id", c.userID, "event", env.Event)
	}
}

// passThrough forwards an unmodeled acknowledgment/indicator to the target's
// live session. Best-effort: offline targets simply miss it.
func (g *Gateway) passThrough(fromID, toID, event string, payload any) {
	session, ok := g.registry.Lookup(toID)
	if !ok {
		return
	}
	if err := session.Transport.Deliver(event, payload); err != nil {
		g.logger.Debug("pass-through delivery failed", "from", fromID, "to", toID, "event", event, "error", err)
	}
}

// dispatchContext bounds the store queries one inbound event may perform.
// Events outlive the request context of the connection they arrived on.
func dispatchContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
