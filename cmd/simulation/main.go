package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gawulo/marketplace-api/internal/auth"
	"github.com/gawulo/marketplace-api/internal/broadcast"
	"github.com/gawulo/marketplace-api/internal/database"
	"github.com/gawulo/marketplace-api/internal/identity"
	"github.com/gawulo/marketplace-api/internal/orders"
	"github.com/gawulo/marketplace-api/internal/realtime"
	"github.com/gawulo/marketplace-api/internal/types"
	"github.com/gawulo/marketplace-api/pkg/middleware"
)

const (
	minOrders     = 10
	maxOrders     = 40
	serverAddress = "http://localhost:8080"
	wsAddress     = "ws://localhost:8080"
	jwtSecret     = "marketplace-secret-key"
)

var productNames = []string{
	"Margherita Pizza", "Beef Burger", "Chicken Wrap", "Garden Salad", "Lemonade",
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the marketplace API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"profile":  {name: "Register Profile"},
			"product":  {name: "Create Product"},
			"checkout": {name: "Checkout"},
			"status":   {name: "Update Status"},
			"get":      {name: "Get Order"},
		},
	}
}

// request performs an authenticated JSON request and decodes the response
// envelope's data field into out
func (sc *simulationClient) request(method, path, token string, payload interface{}, idempotent bool, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotent {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}

	var result struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(result.Data, out)
}

func (sc *simulationClient) timed(stat string, fn func() error) error {
	start := time.Now()
	err := fn()
	sc.stats[stat].addDuration(time.Since(start))
	if err != nil {
		sc.stats[stat].failures++
	}
	return err
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	err := sc.timed("auth", func() error {
		return sc.request("POST", "/api/v1/auth/token", "", map[string]string{
			"api_key":    apiKey,
			"api_secret": apiSecret,
		}, false, &result)
	})
	return result.Token, err
}

func (sc *simulationClient) registerVendor(token, businessName string, deliveryFee float64) (*types.Vendor, error) {
	var vendor types.Vendor
	err := sc.timed("profile", func() error {
		return sc.request("POST", "/api/v1/identity/vendor", token, map[string]interface{}{
			"business_name": businessName,
			"delivery_fee":  deliveryFee,
		}, false, &vendor)
	})
	return &vendor, err
}

func (sc *simulationClient) registerCustomer(token, displayName string) (*types.Customer, error) {
	var customer types.Customer
	err := sc.timed("profile", func() error {
		return sc.request("POST", "/api/v1/identity/customer", token, map[string]string{
			"display_name": displayName,
		}, false, &customer)
	})
	return &customer, err
}

func (sc *simulationClient) createProduct(token, name string, price float64) (*types.Product, error) {
	var product types.Product
	err := sc.timed("product", func() error {
		return sc.request("POST", "/api/v1/vendor/products", token, map[string]interface{}{
			"name":  name,
			"price": price,
		}, false, &product)
	})
	return &product, err
}

func (sc *simulationClient) checkout(token, vendorID string, deliveryType types.DeliveryType, products []*types.Product) (*types.Order, error) {
	items := make([]map[string]interface{}, 0)
	for i := 0; i < 1+rand.Intn(3); i++ {
		product := products[rand.Intn(len(products))]
		items = append(items, map[string]interface{}{
			"product_id": product.ProductID,
			"quantity":   1 + rand.Intn(4),
		})
	}

	var order types.Order
	err := sc.timed("checkout", func() error {
		return sc.request("POST", "/api/v1/orders", token, map[string]interface{}{
			"vendor_id":     vendorID,
			"delivery_type": deliveryType,
			"line_items":    items,
		}, true, &order)
	})
	return &order, err
}

func (sc *simulationClient) updateStatus(token, orderUID string, status types.Status) (*types.Order, error) {
	var order types.Order
	err := sc.timed("status", func() error {
		return sc.request("PUT", fmt.Sprintf("/api/v1/orders/%s/status", orderUID), token, map[string]interface{}{
			"status": status,
		}, false, &order)
	})
	return &order, err
}

func (sc *simulationClient) getOrder(token, orderUID string) (*types.Order, error) {
	var order types.Order
	err := sc.timed("get", func() error {
		return sc.request("GET", fmt.Sprintf("/api/v1/orders/%s", orderUID), token, nil, false, &order)
	})
	return &order, err
}

// listenOrders connects a WebSocket client and counts received events by type
func listenOrders(token string, counts map[string]int, mu *sync.Mutex, done <-chan struct{}) error {
	conn, _, err := websocket.DefaultDialer.Dial(wsAddress+"/ws/orders?token="+token, nil)
	if err != nil {
		return err
	}

	go func() {
		<-done
		conn.Close()
	}()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var event struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}
			mu.Lock()
			counts[event.Type]++
			mu.Unlock()
		}
	}()

	return nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// happyPath returns the successful transition sequence for a delivery type
func happyPath(deliveryType types.DeliveryType) []types.Status {
	if deliveryType == types.DeliveryTypePickup {
		return []types.Status{types.StatusProcessing, types.StatusReady, types.StatusPickedUp}
	}
	return []types.Status{types.StatusProcessing, types.StatusShipped, types.StatusDelivered}
}

// main runs the marketplace simulation
// It starts a local API server, sets up a vendor and a customer, listens on
// a WebSocket and drives orders through their lifecycle
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	sc := newSimulationClient()

	vendorToken, err := sc.authenticate(auth.TestVendorAPIKey, auth.TestVendorAPISecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Vendor authentication failed")
	}
	customerToken, err := sc.authenticate(auth.TestCustomerAPIKey, auth.TestCustomerAPISecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Customer authentication failed")
	}

	vendor, err := sc.registerVendor(vendorToken, "Gawulo Kitchen", 25)
	if err != nil {
		log.Fatal().Err(err).Msg("Vendor registration failed")
	}
	if _, err := sc.registerCustomer(customerToken, "Sim Customer"); err != nil {
		log.Fatal().Err(err).Msg("Customer registration failed")
	}

	products := make([]*types.Product, 0, len(productNames))
	for _, name := range productNames {
		product, err := sc.createProduct(vendorToken, name, 20+rand.Float64()*80)
		if err != nil {
			log.Fatal().Err(err).Str("product", name).Msg("Product creation failed")
		}
		products = append(products, product)
	}

	// Both sides listen for realtime updates
	eventCounts := make(map[string]int)
	var mu sync.Mutex
	done := make(chan struct{})
	if err := listenOrders(customerToken, eventCounts, &mu, done); err != nil {
		log.Fatal().Err(err).Msg("Customer WebSocket connection failed")
	}
	if err := listenOrders(vendorToken, eventCounts, &mu, done); err != nil {
		log.Fatal().Err(err).Msg("Vendor WebSocket connection failed")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	var created, completed, cancelled, rejected int
	for i := 0; i < targetOrders; i++ {
		deliveryType := types.DeliveryTypeDelivery
		if rand.Intn(2) == 0 {
			deliveryType = types.DeliveryTypePickup
		}

		order, err := sc.checkout(customerToken, vendor.VendorID, deliveryType, products)
		if err != nil {
			log.Error().Err(err).Msg("Checkout failed")
			continue
		}
		created++

		// Occasionally try a transition the workflow forbids
		if rand.Intn(5) == 0 {
			wrong := types.StatusDelivered
			if deliveryType == types.DeliveryTypeDelivery {
				wrong = types.StatusPickedUp
			}
			if _, err := sc.updateStatus(vendorToken, order.OrderUID, wrong); err != nil {
				rejected++
				log.Debug().Str("order_uid", order.OrderUID).Msg("Invalid transition rejected as expected")
			}
		}

		// A few orders get cancelled early instead of fulfilled
		if rand.Intn(10) == 0 {
			if _, err := sc.updateStatus(vendorToken, order.OrderUID, types.StatusCancelled); err == nil {
				cancelled++
			}
			continue
		}

		for _, status := range happyPath(deliveryType) {
			if _, err := sc.updateStatus(vendorToken, order.OrderUID, status); err != nil {
				log.Error().Err(err).Str("order_uid", order.OrderUID).Msg("Status update failed")
				break
			}
		}

		final, err := sc.getOrder(customerToken, order.OrderUID)
		if err == nil && final.IsCompleted {
			completed++
		}
	}

	// Let the last broadcasts drain before counting
	time.Sleep(500 * time.Millisecond)
	close(done)

	mu.Lock()
	events := fmt.Sprintf("%v", eventCounts)
	mu.Unlock()

	log.Info().
		Int("created", created).
		Int("completed", completed).
		Int("cancelled", cancelled).
		Int("rejected_transitions", rejected).
		Str("ws_events", events).
		Msg("Simulation finished")

	sc.printPerformanceStats()
}

// startServer runs an in-process API server backed by a throwaway database
func startServer() error {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(jwtSecret)
	authService.RegisterAPICredentials(auth.TestVendorAPIKey, auth.TestVendorAPISecret)
	authService.RegisterAPICredentials(auth.TestCustomerAPIKey, auth.TestCustomerAPISecret)

	identityService := identity.NewService(db)
	layer := realtime.NewMemoryLayer()
	broadcaster := broadcast.New(layer)
	consumer := realtime.NewConsumer(authService, identityService, layer)
	orderService := orders.NewService(db, identityService, broadcaster)

	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	identityHandlers := identity.NewGinHandlers(identityService)
	orderHandlers := orders.NewGinHandlers(orderService, identityService)

	setupRoutes(router, authHandlers, identityHandlers, orderHandlers, consumer)

	return router.Run(":8080")
}

// setupRoutes configures the endpoints exercised by the simulation
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	identityHandlers *identity.GinHandlers,
	orderHandlers *orders.GinHandlers,
	consumer *realtime.Consumer,
) {
	jwtAuth := middleware.JWTAuth(jwtSecret)

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		identityGroup := v1.Group("/identity")
		identityGroup.Use(jwtAuth)
		{
			identityGroup.POST("/vendor", identityHandlers.RegisterVendorHandler())
			identityGroup.POST("/customer", identityHandlers.RegisterCustomerHandler())
		}

		orderGroup := v1.Group("/orders")
		orderGroup.Use(jwtAuth)
		{
			orderGroup.POST("", orderHandlers.CheckoutHandler())
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.PUT("/:order_id/status", orderHandlers.UpdateStatusHandler())
		}

		vendorGroup := v1.Group("/vendor")
		vendorGroup.Use(jwtAuth)
		{
			vendorGroup.POST("/products", identityHandlers.CreateProductHandler())
		}
	}

	router.GET("/ws/orders", consumer.Handler())
}
