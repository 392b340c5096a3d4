package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ksred/carquote-api/internal/acceptance"
	"github.com/ksred/carquote-api/internal/auth"
	"github.com/ksred/carquote-api/internal/bidding"
	"github.com/ksred/carquote-api/internal/chat"
	"github.com/ksred/carquote-api/internal/config"
	"github.com/ksred/carquote-api/internal/database"
	"github.com/ksred/carquote-api/internal/dealers"
	"github.com/ksred/carquote-api/internal/feed"
	"github.com/ksred/carquote-api/internal/notifications"
	"github.com/ksred/carquote-api/internal/quotes"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/middleware"
	"github.com/ksred/carquote-api/pkg/response"

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

// application holds the wired services and the background workers
type application struct {
	db         *gorm.DB
	broker     feed.Broker
	dispatcher *feed.Dispatcher
	processor  *quotes.Processor

	authService *auth.Service

	authHandlers         *auth.GinHandlers
	quoteHandlers        *quotes.GinHandlers
	biddingHandlers      *bidding.GinHandlers
	acceptanceHandlers   *acceptance.GinHandlers
	chatHandlers         *chat.GinHandlers
	streamHandlers       *feed.GinHandlers
	notificationHandlers *notifications.GinHandlers
	dealerHandlers       *dealers.GinHandlers
}

// newApplication wires every service over db. The dispatcher is the notifier
// all services kick after committing outbox events.
func newApplication(cfg *config.Config, db *gorm.DB, broker feed.Broker) (*application, error) {
	authService := auth.NewService(cfg.JWTSecret)
	if !cfg.IsProduction() {
		authService.RegisterDevCredentials()
	}

	dealerService, err := dealers.NewService(db, cfg.DealerCacheSize)
	if err != nil {
		return nil, err
	}

	ledger := notifications.NewLedger(db)
	dispatcher := feed.NewDispatcher(db, broker, ledger, feed.Options{
		PollInterval: cfg.OutboxPollInterval,
		MaxRetries:   cfg.NotifyMaxRetries,
	})

	window := quotes.NewWindow(cfg.OpportunityWindow)
	quoteService := quotes.NewService(db, dealerService, window, dispatcher)

	return &application{
		db:          db,
		broker:      broker,
		dispatcher:  dispatcher,
		processor:   quotes.NewProcessor(db, window, dispatcher, cfg.ExpirySweepInterval),
		authService: authService,

		authHandlers:         auth.NewGinHandlers(authService),
		quoteHandlers:        quotes.NewGinHandlers(quoteService),
		biddingHandlers:      bidding.NewGinHandlers(bidding.NewService(db, dealerService, window, dispatcher)),
		acceptanceHandlers:   acceptance.NewGinHandlers(acceptance.NewService(db, dispatcher)),
		chatHandlers:         chat.NewGinHandlers(chat.NewService(db, dispatcher)),
		streamHandlers:       feed.NewGinHandlers(dispatcher, quoteService.Authorize),
		notificationHandlers: notifications.NewGinHandlers(ledger),
		dealerHandlers:       dealers.NewGinHandlers(dealerService),
	}, nil
}

// newBroker selects the realtime broker from configuration
func newBroker(ctx context.Context, cfg *config.Config) (feed.Broker, error) {
	if cfg.Broker == config.BrokerRedis {
		client, err := feed.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return feed.NewRedisBroker(client), nil
	}
	return feed.NewMemoryBroker(0), nil
}

// main initializes and runs the marketplace API server with graceful shutdown support
// The HTTP server, the outbox dispatcher and the expiry processor run in one errgroup
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := newBroker(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Str("broker", cfg.Broker).Msg("Failed to initialize broker")
	}
	defer broker.Close()

	app, err := newApplication(cfg, db, broker)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize services")
	}

	// Initialize router
	router := gin.Default()
	setupRoutes(router, app)

	g, gctx := errgroup.WithContext(ctx)

	// Create server; request contexts end with the group so streams close on shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		zlog.Info().Str("port", cfg.Port).Str("broker", cfg.Broker).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return app.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		app.processor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msg("Shutting down server...")

		// Give outstanding operations 5 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// Auth routes are public and rate limited per client IP; everything else
// requires a bearer token and is rate limited per principal
func setupRoutes(router *gin.Engine, app *application) {
	buyerOnly := middleware.RequireRole(types.RoleBuyer)
	dealerOnly := middleware.RequireRole(types.RoleDealer)
	participants := middleware.RequireRole(types.RoleBuyer, types.RoleDealer)
	adminOnly := middleware.RequireRole(types.RoleAdmin)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", healthHandler(app.db))

		// Auth routes
		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit())
		{
			authRoutes.POST("/token", app.authHandlers.GenerateTokenHandler())
		}

		api := v1.Group("")
		api.Use(middleware.JWTAuth(app.authService), middleware.RateLimit())

		// Quote routes
		quoteRoutes := api.Group("/quotes")
		{
			quoteRoutes.POST("", buyerOnly, app.quoteHandlers.CreateQuoteHandler())
			quoteRoutes.GET("", buyerOnly, app.quoteHandlers.ListQuotesHandler())
			quoteRoutes.GET("/:quote_id", app.quoteHandlers.GetQuoteHandler())
			quoteRoutes.POST("/:quote_id/cancel", buyerOnly, app.quoteHandlers.CancelQuoteHandler())
			quoteRoutes.POST("/:quote_id/complete", buyerOnly, app.quoteHandlers.CompleteQuoteHandler())

			quoteRoutes.POST("/:quote_id/bids", dealerOnly, app.biddingHandlers.SubmitBidHandler())
			quoteRoutes.POST("/:quote_id/bids/:dealer_id/accept", buyerOnly, app.acceptanceHandlers.AcceptBidHandler())

			quoteRoutes.GET("/:quote_id/messages", participants, app.chatHandlers.ListMessagesHandler())
			quoteRoutes.POST("/:quote_id/messages", participants, app.chatHandlers.PostMessageHandler())

			quoteRoutes.GET("/:quote_id/stream", app.streamHandlers.QuoteStreamHandler())
			quoteRoutes.GET("/:quote_id/ws", app.streamHandlers.QuoteWebSocketHandler())
		}

		api.GET("/opportunities", dealerOnly, app.quoteHandlers.ListOpportunitiesHandler())
		api.GET("/me/stream", app.streamHandlers.InboxStreamHandler())

		// Dealer routes
		notificationRoutes := api.Group("/notifications")
		notificationRoutes.Use(dealerOnly)
		{
			notificationRoutes.GET("", app.notificationHandlers.GetNotificationsHandler())
			notificationRoutes.POST("/:kind/read", app.notificationHandlers.MarkReadHandler())
		}

		dealerRoutes := api.Group("/dealers")
		{
			dealerRoutes.GET("/me", dealerOnly, app.dealerHandlers.GetMyProfileHandler())
			dealerRoutes.GET("/me/stats", dealerOnly, app.biddingHandlers.DealerStatsHandler())
			// Billing and onboarding callback
			dealerRoutes.PUT("/:dealer_id", adminOnly, app.dealerHandlers.UpsertProfileHandler())
		}
	}
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			response.Fail(c, http.StatusServiceUnavailable, response.ErrCodeInternalError, "database unavailable")
			return
		}
		response.Success(c, gin.H{"status": "ok"})
	}
}
