package websocket

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/observer/watchparty/internal/auth"
)

// Handler authenticates and upgrades signaling connections. The token is
// checked before the upgrade so an unauthenticated caller gets a plain 401
// instead of a socket that closes immediately.
type Handler struct {
	hub      *Hub
	verifier auth.Verifier
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a WebSocket handler. allowedOrigins of ["*"] admits any
// origin.
func NewHandler(hub *Hub, verifier auth.Verifier, allowedOrigins []string, logger *slog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	allowedSet := make(map[string]bool, len(allowed))
	any := false
	for _, o := range allowed {
		if o == "*" {
			any = true
		}
		allowedSet[o] = true
	}
	return func(r *http.Request) bool {
		if any {
			return true
		}
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin header.
		return origin == "" || allowedSet[origin]
	}
}

// ServeHTTP verifies the token, upgrades HTTP to WebSocket and runs the
// connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r)
	if !ok {
		// Browsers cannot set headers on the WebSocket handshake.
		token = r.URL.Query().Get("token")
	}

	identity, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn, identity, h.logger)
	h.hub.Register(client)

	// Use a dedicated context for the WebSocket connection lifecycle
	// The request context gets cancelled when ServeHTTP returns after upgrade
	ctx, cancel := context.WithCancel(context.Background())
	client.SetCancelFunc(cancel)

	go client.WritePump(ctx)
	client.ReadPump(ctx) // Block here until client disconnects
}
