package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/api"
	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/auth"
	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/channel"
	"github.com/accord-chat/accord-server/internal/config"
	"github.com/accord-chat/accord-server/internal/gateway"
	"github.com/accord-chat/accord-server/internal/guild"
	"github.com/accord-chat/accord-server/internal/httputil"
	"github.com/accord-chat/accord-server/internal/invite"
	"github.com/accord-chat/accord-server/internal/member"
	"github.com/accord-chat/accord-server/internal/message"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/postgres"
	"github.com/accord-chat/accord-server/internal/role"
	"github.com/accord-chat/accord-server/internal/snowflake"
	"github.com/accord-chat/accord-server/internal/user"
	"github.com/accord-chat/accord-server/internal/valkey"
)

// messagePartitionMonthsAhead is how many future monthly partitions of the
// messages table are created at startup.
const messagePartitionMonthsAhead = 3

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("Server stopped")
	}
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logger = logger.Level(level)
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(level)
	}

	logger.Info().Str("env", cfg.Environment).Msg("Starting Accord Server")

	if cfg.CORSAllowOrigins == "*" {
		logger.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if err := postgres.EnsureMessagePartitions(ctx, db, messagePartitionMonthsAhead); err != nil {
		return fmt.Errorf("ensure message partitions: %w", err)
	}
	logger.Info().Msg("Database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer rdb.Close()
	logger.Info().Msg("Valkey connected")

	nb, err := bus.Connect(ctx, cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nb.Close()
	if err := nb.EnsureStreams(cfg.EventRetention); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	logger.Info().Msg("NATS connected")

	ids, err := snowflake.NewGenerator(uint64(cfg.WorkerID))
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	// Repositories.
	userRepo := user.NewPGRepository(db, logger)
	guildRepo := guild.NewPGRepository(db, logger)
	channelRepo := channel.NewPGRepository(db, logger)
	roleRepo := role.NewPGRepository(db, logger)
	memberRepo := member.NewPGRepository(db, logger)
	inviteRepo := invite.NewPGRepository(db, logger)
	messageRepo := message.NewPGRepository(db, logger)

	// Permission engine with Valkey-backed cache, invalidated off the bus.
	permStore := permission.NewPGStore(db)
	permCache := permission.NewValkeyCache(rdb, cfg.PermCacheTTL)
	engine := permission.NewEngine(permStore, permCache, logger)

	invalidator := permission.NewInvalidator(permCache, logger)
	for _, subject := range invalidator.Subjects() {
		if err := nb.Subscribe(subject, "perm-invalidator", invalidator.Handle); err != nil {
			return fmt.Errorf("start permission invalidator: %w", err)
		}
	}

	// Services.
	sessions := auth.NewPGSessionStore(db, logger)
	authService := auth.NewService(userRepo, sessions, nb, ids, cfg, logger)
	messageService := message.NewService(
		messageRepo, channelRepo, memberRepo, roleRepo, engine, nb, ids, cfg.MessageMaxLength, logger)

	// Gateway.
	subs := gateway.NewSubscriptionIndex(rdb)
	replayer := gateway.NewReplayer(nb, cfg.GatewayReplayWindow, cfg.GatewayReplayLimit)
	hub := gateway.NewHub(cfg, sessions, engine, userRepo, guildRepo, subs, replayer, logger)
	dispatcher := gateway.NewDispatcher(hub, subs, logger)
	if err := dispatcher.Start(nb); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName: "Accord",
		// ErrorHandler catches errors that handlers did not map themselves,
		// such as Fiber's built-in 404/405.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			msg := "An internal error occurred"
			code := apierrors.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				msg = e.Message
				code = statusToCode(e.Code)
			} else {
				logger.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: code, Message: msg},
			})
		},
	})

	// The health route registered before the request logger stays out of the
	// request log when LOG_HEALTH_REQUESTS is off.
	health := &api.HealthHandler{DB: db, Redis: rdb, Bus: nb}
	if !cfg.LogHealthRequests {
		app.Get("/api/health", health.Health)
	}

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitRequests,
		Expiration: time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
	}))

	if cfg.LogHealthRequests {
		app.Get("/api/health", health.Health)
	}

	registerRoutes(app, &deps{
		cfg:         cfg,
		engine:      engine,
		authService: authService,
		messages:    messageService,
		hub:         hub,
		users:       userRepo,
		guilds:      guildRepo,
		channels:    channelRepo,
		roles:       roleRepo,
		members:     memberRepo,
		invites:     inviteRepo,
		overwrites:  permStore,
		ids:         ids,
		publisher:   nb,
		log:         logger,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info().Msg("Shutting down server")
		hub.Shutdown()
		_ = app.Shutdown()
	}()

	logger.Info().Str("addr", cfg.Address).Msg("Server listening")
	if err := app.Listen(cfg.Address, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// statusToCode maps an HTTP status from a built-in *fiber.Error to the
// closest wire error code.
func statusToCode(status int) apierrors.Code {
	switch {
	case status == fiber.StatusNotFound:
		return apierrors.NotFound
	case status == fiber.StatusTooManyRequests:
		return apierrors.RateLimited
	case status == fiber.StatusServiceUnavailable:
		return apierrors.Unavailable
	case status >= 400 && status < 500:
		return apierrors.ValidationError
	default:
		return apierrors.InternalError
	}
}
