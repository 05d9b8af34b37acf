package realtime_test

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gawulo/marketplace-api/internal/auth"
	"github.com/gawulo/marketplace-api/internal/identity"
	"github.com/gawulo/marketplace-api/internal/realtime"
	"github.com/gawulo/marketplace-api/internal/types"
)

const readTimeout = 2 * time.Second

type consumerFixture struct {
	server   *httptest.Server
	auth     *auth.Service
	identity *identity.Service
	layer    *realtime.MemoryLayer
}

func setupConsumer(t *testing.T) *consumerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "realtime.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Vendor{}, &types.Customer{}, &types.Product{}))

	authService := auth.NewService("test-secret")
	authService.RegisterAPICredentials("vendor-key", "vendor-secret")
	authService.RegisterAPICredentials("customer-key", "customer-secret")
	authService.RegisterAPICredentials("nobody-key", "nobody-secret")

	identityService := identity.NewService(db)
	layer := realtime.NewMemoryLayer()
	consumer := realtime.NewConsumer(authService, identityService, layer)

	router := gin.New()
	router.GET("/ws/orders", consumer.Handler())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &consumerFixture{
		server:   server,
		auth:     authService,
		identity: identityService,
		layer:    layer,
	}
}

func (f *consumerFixture) token(t *testing.T, apiKey, apiSecret string) string {
	t.Helper()
	resp, err := f.auth.GenerateToken(auth.Credentials{APIKey: apiKey, APISecret: apiSecret})
	require.NoError(t, err)
	return resp.Token
}

func (f *consumerFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/orders"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expectClose reads until the server closes the connection and returns the
// close code
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	return closeErr.Code
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var event map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func eventType(t *testing.T, event map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	require.NoError(t, json.Unmarshal(event["type"], &typ))
	return typ
}

func TestConsumer_Handshake(t *testing.T) {
	t.Run("should close with 4001 when no token is provided", func(t *testing.T) {
		f := setupConsumer(t)

		conn := f.dial(t, "")

		assert.Equal(t, realtime.CloseNoToken, expectClose(t, conn))
	})

	t.Run("should close with 4003 for an invalid token", func(t *testing.T) {
		f := setupConsumer(t)

		conn := f.dial(t, "not-a-jwt")

		assert.Equal(t, realtime.CloseAuthFailed, expectClose(t, conn))
	})

	t.Run("should close with 4003 for a token signed with another secret", func(t *testing.T) {
		f := setupConsumer(t)
		other := auth.NewService("other-secret")
		other.RegisterAPICredentials("vendor-key", "vendor-secret")
		resp, err := other.GenerateToken(auth.Credentials{APIKey: "vendor-key", APISecret: "vendor-secret"})
		require.NoError(t, err)

		conn := f.dial(t, resp.Token)

		assert.Equal(t, realtime.CloseAuthFailed, expectClose(t, conn))
	})

	t.Run("should close with 4004 when the user has no profile", func(t *testing.T) {
		f := setupConsumer(t)
		token := f.token(t, "nobody-key", "nobody-secret")

		conn := f.dial(t, token)

		assert.Equal(t, realtime.CloseRoleUndetermined, expectClose(t, conn))
	})

	t.Run("should accept a vendor and confirm the connection", func(t *testing.T) {
		f := setupConsumer(t)
		vendor, err := f.identity.RegisterVendor("vendor-key", "Test Kitchen", 10)
		require.NoError(t, err)
		token := f.token(t, "vendor-key", "vendor-secret")

		conn := f.dial(t, token)

		event := readEvent(t, conn)
		assert.Equal(t, "connection_established", eventType(t, event))
		assert.Eventually(t, func() bool {
			return f.layer.GroupSize(realtime.VendorGroup(vendor.VendorID)) == 1
		}, readTimeout, 10*time.Millisecond)
	})

	t.Run("should accept a customer and join the customer group", func(t *testing.T) {
		f := setupConsumer(t)
		customer, err := f.identity.RegisterCustomer("customer-key", "Test Customer")
		require.NoError(t, err)
		token := f.token(t, "customer-key", "customer-secret")

		conn := f.dial(t, token)

		event := readEvent(t, conn)
		assert.Equal(t, "connection_established", eventType(t, event))
		assert.Eventually(t, func() bool {
			return f.layer.GroupSize(realtime.CustomerGroup(customer.CustomerID)) == 1
		}, readTimeout, 10*time.Millisecond)
	})

	t.Run("should never join a group on a rejected connection", func(t *testing.T) {
		f := setupConsumer(t)
		vendor, err := f.identity.RegisterVendor("vendor-key", "Test Kitchen", 10)
		require.NoError(t, err)

		conn := f.dial(t, "not-a-jwt")
		expectClose(t, conn)

		assert.Zero(t, f.layer.GroupSize(realtime.VendorGroup(vendor.VendorID)))
	})
}

func TestConsumer_Messaging(t *testing.T) {
	t.Run("should deliver group messages to the subscriber", func(t *testing.T) {
		f := setupConsumer(t)
		vendor, err := f.identity.RegisterVendor("vendor-key", "Test Kitchen", 10)
		require.NoError(t, err)
		token := f.token(t, "vendor-key", "vendor-secret")

		conn := f.dial(t, token)
		readEvent(t, conn) // connection_established

		payload := []byte(`{"type":"order_update","order":{"order_uid":"o-1"}}`)
		f.layer.GroupSend(realtime.VendorGroup(vendor.VendorID), payload)

		event := readEvent(t, conn)
		assert.Equal(t, "order_update", eventType(t, event))
	})

	t.Run("should answer ping with pong", func(t *testing.T) {
		f := setupConsumer(t)
		_, err := f.identity.RegisterCustomer("customer-key", "Test Customer")
		require.NoError(t, err)
		token := f.token(t, "customer-key", "customer-secret")

		conn := f.dial(t, token)
		readEvent(t, conn) // connection_established

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

		event := readEvent(t, conn)
		assert.Equal(t, "pong", eventType(t, event))
	})

	t.Run("should ignore malformed inbound messages", func(t *testing.T) {
		f := setupConsumer(t)
		_, err := f.identity.RegisterCustomer("customer-key", "Test Customer")
		require.NoError(t, err)
		token := f.token(t, "customer-key", "customer-secret")

		conn := f.dial(t, token)
		readEvent(t, conn) // connection_established

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

		event := readEvent(t, conn)
		assert.Equal(t, "pong", eventType(t, event), "connection must survive malformed input")
	})

	t.Run("should leave the group on disconnect", func(t *testing.T) {
		f := setupConsumer(t)
		customer, err := f.identity.RegisterCustomer("customer-key", "Test Customer")
		require.NoError(t, err)
		token := f.token(t, "customer-key", "customer-secret")

		conn := f.dial(t, token)
		readEvent(t, conn) // connection_established
		group := realtime.CustomerGroup(customer.CustomerID)
		require.Eventually(t, func() bool {
			return f.layer.GroupSize(group) == 1
		}, readTimeout, 10*time.Millisecond)

		conn.Close()

		assert.Eventually(t, func() bool {
			return f.layer.GroupSize(group) == 0
		}, readTimeout, 10*time.Millisecond)
	})
}
