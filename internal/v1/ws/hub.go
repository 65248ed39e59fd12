package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/miuchi/chat-server/internal/v1/auth"
	"github.com/miuchi/chat-server/internal/v1/logging"
	"github.com/miuchi/chat-server/internal/v1/metrics"
	"github.com/miuchi/chat-server/internal/v1/ratelimit"
	"github.com/miuchi/chat-server/internal/v1/registry"
	"github.com/miuchi/chat-server/internal/v1/wire"
)

// MaxConnectionsPerUser caps how many registry rows a single identity may
// hold across all its connections.
const MaxConnectionsPerUser = 5

// TokenVerifier authenticates the credential presented at upgrade time.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Identity, error)
}

// Hub owns the upgrade endpoint: it rate-limits, authenticates, enforces
// the connection cap, and spawns one connection actor per accepted socket.
type Hub struct {
	registry   *registry.Registry
	verifier   TokenVerifier
	dispatcher *Dispatcher
	limiter    *ratelimit.ConnectionLimiter
	upgrader   websocket.Upgrader
}

// NewHub builds the hub. limiter may be nil to disable the per-IP connect
// limit. allowAllOrigins is for development only; otherwise only the given
// origins may upgrade.
func NewHub(reg *registry.Registry, verifier TokenVerifier, dispatcher *Dispatcher, limiter *ratelimit.ConnectionLimiter, allowedOrigins []string, allowAllOrigins bool) *Hub {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}

	return &Hub{
		registry:   reg,
		verifier:   verifier,
		dispatcher: dispatcher,
		limiter:    limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAllOrigins {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Non-browser clients carry no origin.
					return true
				}
				_, ok := originSet[origin]
				return ok
			},
		},
	}
}

// ServeWs handles GET /ws?token=<credential>.
//
// The handshake always completes before any refusal: a missing or invalid
// credential gets a clean close on the fresh socket rather than an HTTP
// error, so clients uniformly observe a WebSocket-level close.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckUpgrade(c) {
		return
	}

	token := c.Query("token")
	sock, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	if token == "" {
		metrics.UpgradeRejections.WithLabelValues("missing_token").Inc()
		h.refuseUnauthenticated(sock)
		return
	}

	identity, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		metrics.UpgradeRejections.WithLabelValues("invalid_token").Inc()
		logging.Warn(c.Request.Context(), "websocket auth failed", zap.Error(err))
		h.refuseUnauthenticated(sock)
		return
	}

	if h.registry.ConnectionCount(identity.ID) >= MaxConnectionsPerUser {
		metrics.UpgradeRejections.WithLabelValues("connection_cap").Inc()
		logging.Warn(c.Request.Context(), "connection cap reached",
			zap.String("user_id", identity.ID.String()))
		h.refuse(sock, websocket.ClosePolicyViolation, "Connection limit exceeded")
		return
	}

	client := registry.NewClient(identity.ID, identity.Username)
	actor := newConn(context.Background(), sock, client, identity, h.dispatcher, h.registry)
	metrics.IncConnection()
	logging.Info(actor.ctx, "connection established",
		zap.String("username", identity.Username))
	actor.run()
}

// refuse sends a close frame on a just-upgraded socket and drops it.
func (h *Hub) refuse(sock *websocket.Conn, closeCode int, reason string) {
	deadline := time.Now().Add(WriteWait)
	_ = sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, reason), deadline)
	_ = sock.Close()
}

// refuseUnauthenticated tells the peer to come back with a credential, then
// closes cleanly.
func (h *Hub) refuseUnauthenticated(sock *websocket.Conn) {
	if data, err := wire.Encode(&wire.AuthRequired{Type: wire.TypeAuthRequired}); err == nil {
		_ = sock.SetWriteDeadline(time.Now().Add(WriteWait))
		_ = sock.WriteMessage(websocket.TextMessage, data)
	}
	h.refuse(sock, websocket.CloseNormalClosure, "")
}

// Shutdown disconnects every live client. Each actor's writer drains, sends
// its close frame and tears down.
func (h *Hub) Shutdown() {
	h.registry.ForEachClient(func(c *registry.Client) {
		c.Disconnect()
	})
}
