package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/gawulo/marketplace-api/internal/auth"
	"github.com/gawulo/marketplace-api/internal/broadcast"
	"github.com/gawulo/marketplace-api/internal/config"
	"github.com/gawulo/marketplace-api/internal/database"
	"github.com/gawulo/marketplace-api/internal/identity"
	"github.com/gawulo/marketplace-api/internal/orders"
	"github.com/gawulo/marketplace-api/internal/realtime"
	"github.com/gawulo/marketplace-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the marketplace API server with graceful
// shutdown support
func main() {
	cfg := config.Load()

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestVendorAPIKey, auth.TestVendorAPISecret)
	authService.RegisterAPICredentials(auth.TestCustomerAPIKey, auth.TestCustomerAPISecret)

	identityService := identity.NewService(db)
	identityHandlers := identity.NewGinHandlers(identityService)

	// Realtime fan-out: the channel layer carries notifications only,
	// the relational store stays the source of truth
	layer := realtime.NewMemoryLayer()
	broadcaster := broadcast.New(layer)
	consumer := realtime.NewConsumer(authService, identityService, layer)

	orderService := orders.NewService(db, identityService, broadcaster)
	orderHandlers := orders.NewGinHandlers(orderService, identityService)

	// Start the idempotency record cleanup schedule
	cleanupJob := orders.NewCleanupJob(orderService.GetDB())
	if err := cleanupJob.Start(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to start cleanup job")
	}
	defer cleanupJob.Stop()

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, identityHandlers, orderHandlers, consumer)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Identity routes: Profile registration and role lookup
// - Order routes: Customer-facing order management
// - Vendor routes: Vendor-facing order and catalogue management
// - WebSocket route: Real-time order updates, token-authenticated
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	identityHandlers *identity.GinHandlers,
	orderHandlers *orders.GinHandlers,
	consumer *realtime.Consumer,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Identity routes
		identityGroup := v1.Group("/identity")
		identityGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			identityGroup.POST("/vendor", identityHandlers.RegisterVendorHandler())
			identityGroup.POST("/customer", identityHandlers.RegisterCustomerHandler())
			identityGroup.GET("/me", identityHandlers.MeHandler())
		}

		// Public catalogue routes
		v1.GET("/vendors/:vendor_id/products", identityHandlers.ListProductsHandler())

		// Order routes
		orderGroup := v1.Group("/orders")
		orderGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			orderGroup.POST("", orderHandlers.CheckoutHandler())
			orderGroup.GET("", orderHandlers.ListOrdersHandler())
			orderGroup.GET("/stats", orderHandlers.StatsHandler())
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.PUT("/:order_id/status", orderHandlers.UpdateStatusHandler())
			orderGroup.POST("/:order_id/cancel", orderHandlers.CancelOrderHandler())
			orderGroup.POST("/:order_id/review", orderHandlers.CreateReviewHandler())
			orderGroup.POST("/:order_id/refund-request", orderHandlers.CreateRefundRequestHandler())
		}

		// Vendor routes
		vendorGroup := v1.Group("/vendor")
		vendorGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			vendorGroup.GET("/orders", orderHandlers.ListOrdersHandler())
			vendorGroup.POST("/products", identityHandlers.CreateProductHandler())
			vendorGroup.GET("/refund-requests", orderHandlers.ListRefundRequestsHandler())
			vendorGroup.POST("/refund-requests/:request_id/approve", orderHandlers.ApproveRefundHandler())
			vendorGroup.POST("/refund-requests/:request_id/deny", orderHandlers.DenyRefundHandler())
		}
	}

	// WebSocket route: token travels in the query string
	router.GET("/ws/orders", consumer.Handler())
}
