package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/escrowlink/backend/internal/auth"
	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/events"
	"github.com/escrowlink/backend/internal/models"
	"github.com/escrowlink/backend/internal/rbac"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SellerLookup resolves the seller profile behind a dashboard login.
type SellerLookup interface {
	GetSeller(ctx context.Context, ownerID uuid.UUID) (*models.Seller, error)
}

// WSHub pushes escrow events to the dashboard of the seller that owns the
// escrow. Admin connections receive every event.
type WSHub struct {
	cfg        *config.Config
	subscriber events.Subscriber
	sellers    SellerLookup
	log        *zap.Logger

	mu          sync.RWMutex
	connections map[uuid.UUID][]*websocket.Conn // keyed by seller id
	admins      map[*websocket.Conn]struct{}
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, sellers SellerLookup, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		sellers:     sellers,
		log:         log,
		connections: make(map[uuid.UUID][]*websocket.Conn),
		admins:      make(map[*websocket.Conn]struct{}),
	}
}

func (h *WSHub) Start(ctx context.Context) error {
	return h.subscriber.Subscribe(ctx, events.StreamEscrow, h.dispatch)
}

func (h *WSHub) dispatch(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if sellerID, ok := eventSellerID(event); ok {
		for _, conn := range h.connections[sellerID] {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
	}
	for conn := range h.admins {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

func eventSellerID(event events.Event) (uuid.UUID, bool) {
	raw, ok := event.Payload["seller_id"].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	role := claims.Role
	if h.cfg.IsAdmin(claims.UserID) {
		role = rbac.RoleAdmin
	}

	if rbac.HasPermission(role, rbac.PermViewAnyLink) {
		h.mu.Lock()
		h.admins[conn] = struct{}{}
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			delete(h.admins, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		readUntilClosed(conn)
		return
	}

	seller, err := h.sellers.GetSeller(context.Background(), claims.UserID)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"seller profile not found"}`))
		conn.Close()
		return
	}
	sellerID := seller.ID

	h.mu.Lock()
	h.connections[sellerID] = append(h.connections[sellerID], conn)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		conns := h.connections[sellerID]
		for i, c := range conns {
			if c == conn {
				h.connections[sellerID] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(h.connections[sellerID]) == 0 {
			delete(h.connections, sellerID)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	readUntilClosed(conn)
}

// Read loop (keep alive / pings)
func readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
