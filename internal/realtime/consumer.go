package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gawulo/marketplace-api/internal/auth"
	"github.com/gawulo/marketplace-api/internal/identity"
)

// Close codes signalled to the client when the handshake fails. Each
// failure category gets its own code; none are retried server-side.
const (
	CloseUnexpectedError         = 4000
	CloseNoToken                 = 4001
	CloseAuthFailed              = 4003
	CloseRoleUndetermined        = 4004
	CloseVendorProfileMissing    = 4005
	CloseCustomerProfileMissing  = 4006
	CloseChannelLayerUnavailable = 4008
)

const closeGracePeriod = time.Second

// Consumer authenticates incoming WebSocket connections, binds each one to
// the single group matching the caller's role and serves it until
// disconnect.
type Consumer struct {
	auth     *auth.Service
	identity *identity.Service
	layer    Layer
	upgrader websocket.Upgrader
}

// NewConsumer creates a consumer backed by the given services and layer
func NewConsumer(authSvc *auth.Service, identitySvc *identity.Service, layer Layer) *Consumer {
	return &Consumer{
		auth:     authSvc,
		identity: identitySvc,
		layer:    layer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from the app origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler upgrades the HTTP request and runs the connection lifecycle.
// The bearer token travels in the query string (token=<jwt>); gin URL-decodes
// it before verification.
func (cs *Consumer) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := cs.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error
			return
		}
		cs.serve(conn, c.Query("token"))
	}
}

func (cs *Consumer) serve(conn *websocket.Conn, token string) {
	logger := log.With().Str("component", "order_consumer").Logger()

	if token == "" {
		logger.Debug().Msg("connection rejected: no token provided")
		reject(conn, CloseNoToken, "no token provided")
		return
	}

	claims, err := cs.auth.ValidateToken(token)
	if err != nil {
		logger.Debug().Err(err).Msg("connection rejected: authentication failed")
		reject(conn, CloseAuthFailed, "authentication failed")
		return
	}

	role, err := cs.identity.Resolve(claims.UserID)
	if err != nil {
		logger.Error().Err(err).Msg("connection rejected: role lookup failed")
		reject(conn, CloseUnexpectedError, "role lookup failed")
		return
	}

	var group string
	switch role.Kind {
	case identity.RoleVendor:
		if role.VendorID == "" {
			reject(conn, CloseVendorProfileMissing, "vendor profile missing")
			return
		}
		group = VendorGroup(role.VendorID)
	case identity.RoleCustomer:
		if role.CustomerID == "" {
			reject(conn, CloseCustomerProfileMissing, "customer profile missing")
			return
		}
		group = CustomerGroup(role.CustomerID)
	default:
		logger.Debug().Str("user_id", claims.UserID).Msg("connection rejected: role undetermined")
		reject(conn, CloseRoleUndetermined, "user is neither vendor nor customer")
		return
	}

	if cs.layer == nil {
		reject(conn, CloseChannelLayerUnavailable, "channel layer unavailable")
		return
	}

	client := newClient(conn)
	cs.layer.GroupAdd(group, client)
	go client.writePump()

	// Acceptance only after successful group registration
	accepted, _ := json.Marshal(map[string]string{"type": "connection_established"})
	client.trySend(accepted)

	logger.Info().Str("group", group).Str("user_id", claims.UserID).Msg("connection established")
	client.readPump(cs.layer, group)
	logger.Debug().Str("group", group).Msg("connection closed")
}

// reject closes the socket with the category close code
func reject(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeGracePeriod)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// readPump consumes inbound frames until the connection drops. A ping
// message gets a pong back; everything else, malformed JSON included, is
// ignored. On exit the client leaves its group so no further events are
// delivered.
func (c *Client) readPump(layer Layer, group string) {
	defer func() {
		layer.GroupDiscard(group, c)
		close(c.done)
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.Type == "ping" {
			pong, _ := json.Marshal(map[string]string{"type": "pong"})
			c.trySend(pong)
		}
	}
}

// writePump is the single writer on the socket, draining the send queue
// until the connection is torn down.
func (c *Client) writePump() {
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
