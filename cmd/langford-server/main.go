package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/triage-ai/langford/internal/api"
	"github.com/triage-ai/langford/internal/audit"
	"github.com/triage-ai/langford/internal/auth"
	"github.com/triage-ai/langford/internal/channel/amqpchan"
	"github.com/triage-ai/langford/internal/config"
	"github.com/triage-ai/langford/internal/conversation"
	"github.com/triage-ai/langford/internal/guardrail"
	"github.com/triage-ai/langford/internal/guardrail/evaluators"
	"github.com/triage-ai/langford/internal/guardrail/ratelimit"
	"github.com/triage-ai/langford/internal/model/openai"
	"github.com/triage-ai/langford/internal/orchestrator"
	"github.com/triage-ai/langford/internal/policy"
	"github.com/triage-ai/langford/internal/server"
	"github.com/triage-ai/langford/internal/tool"
	"github.com/triage-ai/langford/internal/tool/builtin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting langford server",
		zap.String("http_port", cfg.HTTP.Port),
		zap.String("grpc_port", cfg.GRPC.Port),
		zap.String("store", cfg.Store.Dialect),
		zap.String("model", cfg.Model.Model),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres pool (auth keys and, optionally, policies)
	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	}

	// Auth: Postgres if DSN provided, otherwise static keys
	var authenticator auth.Authenticator
	if db != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.Auth.CacheTTL,
			Logger:   logger,
		})
		logger.Info("postgres authenticator enabled")
	} else {
		keys := auth.ParseKeyList(cfg.Auth.Keys)
		authenticator = auth.NewStaticAuthenticator(keys)
		if len(keys) == 0 {
			logger.Warn("no API keys configured, accepting any lfk_ key")
		}
	}

	table, err := loadPolicies(ctx, cfg, db, logger)
	if err != nil {
		logger.Fatal("failed to load guardrail policies", zap.Error(err))
	}

	// Rate limiter: Redis when shared across replicas
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if cfg.RateLimit.RedisAddress != "" {
		rl, err := ratelimit.NewRedisLimiter(ratelimit.RedisConfig{
			Address:  cfg.RateLimit.RedisAddress,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = rl.Close() }()
		limiter = rl
		logger.Info("redis rate limiter connected")
	}

	// Audit: log writer plus optional ClickHouse and rotating file
	writers := audit.Multi{audit.NewLogWriter(logger)}
	var auditReader api.AuditLister
	if cfg.Audit.ClickHouseDSN != "" {
		chWriter, err := audit.NewClickHouseWriter(cfg.Audit.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, audit stays local", zap.Error(err))
		} else {
			writers = append(writers, chWriter)
			logger.Info("clickhouse writer connected")
		}
		reader, err := audit.NewReader(cfg.Audit.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = reader.Close() }()
			auditReader = reader
		}
	}
	if cfg.Audit.File != "" {
		writers = append(writers, audit.NewFileWriter(audit.FileConfig{
			Path:       cfg.Audit.File,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   true,
		}))
	}
	if auditReader == nil {
		mem := audit.NewMemoryLog()
		writers = append(writers, mem)
		auditReader = mem
	}
	defer writers.Close()

	// Tools
	registry := tool.NewRegistry(tool.RegistryConfig{
		CallTimeout:      cfg.Tools.CallTimeout,
		TimeoutThreshold: cfg.Tools.TimeoutThreshold,
		UnavailableFor:   cfg.Tools.UnavailableFor,
		Logger:           logger,
	})
	if err := builtin.Register(registry, builtin.Deps{
		Timezone:   cfg.Orchestrator.Timezone,
		FetchLimit: cfg.Tools.FetchLimit,
	}); err != nil {
		logger.Fatal("failed to register builtin tools", zap.Error(err))
	}

	engine := guardrail.NewEngine(guardrail.Config{
		Evaluators: evaluators.Default(limiter, logger),
		Contracts:  registry,
		Policies:   table,
		Audit:      writers,
		Logger:     logger,
	})

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatal("failed to open conversation store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	adapter := openai.New(openai.Config{
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Model,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     cfg.Model.Timeout,
		MaxRetries:  cfg.Model.MaxRetries,
		Logger:      logger,
	})

	for _, a := range cfg.Orchestrator.Agents {
		err := orchestrator.RegisterAgent(registry, orchestrator.AgentDefinition{
			Name:         a.Name,
			Description:  a.Description,
			Instructions: a.Instructions,
			Tools:        a.Tools,
			MaxSteps:     a.MaxSteps,
			Timeout:      a.Timeout,
		}, orchestrator.Config{
			Adapter:   adapter,
			Guardrail: engine,
			Timezone:  cfg.Orchestrator.Timezone,
			Logger:    logger,
		})
		if err != nil {
			logger.Fatal("failed to register managed agent", zap.String("agent", a.Name), zap.Error(err))
		}
		logger.Info("managed agent registered", zap.String("agent", a.Name), zap.Strings("tools", a.Tools))
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Adapter:             adapter,
		Registry:            registry,
		Guardrail:           engine,
		Store:               store,
		SystemPrompt:        cfg.Orchestrator.SystemPrompt,
		BriefPrompt:         cfg.Orchestrator.BriefPrompt,
		Timezone:            cfg.Orchestrator.Timezone,
		MaxIterations:       cfg.Orchestrator.MaxIterations,
		BriefIterations:     cfg.Orchestrator.BriefIterations,
		TurnTimeout:         cfg.Orchestrator.TurnTimeout,
		ConfirmationTimeout: cfg.Orchestrator.ConfirmationTimeout,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}

	var wg sync.WaitGroup

	// AMQP channel (optional)
	var queue *amqpchan.Channel
	if cfg.AMQP.URL != "" {
		queue, err = amqpchan.Dial(amqpchan.RabbitMQConfig{
			URL:           cfg.AMQP.URL,
			InboundQueue:  cfg.AMQP.InboundQueue,
			OutboundQueue: cfg.AMQP.OutboundQueue,
			Prefetch:      cfg.AMQP.Prefetch,
			Workers:       cfg.AMQP.Workers,
			Durable:       true,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal("failed to connect to rabbitmq", zap.Error(err))
		}
		defer func() { _ = queue.Close() }()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := queue.Consume(ctx, amqpchan.NewHandler(orch)); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("amqp consumer stopped", zap.Error(err))
			}
		}()
		logger.Info("amqp consumer started")
	}

	// Expired confirmations resume their turns outside any request.
	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.RunExpirySweeper(ctx, cfg.Orchestrator.SweepInterval, func(ctx context.Context, r orchestrator.Reply) {
			if queue != nil {
				if err := queue.Publish(ctx, amqpchan.Outbound{Reply: r}); err != nil {
					logger.Error("failed to publish expiry reply", zap.String("session_id", r.SessionID), zap.Error(err))
				}
				return
			}
			logger.Info("confirmation expired, turn resumed",
				zap.String("session_id", r.SessionID),
				zap.String("text", r.Text),
			)
		})
	}()

	// HTTP API
	httpServer := &http.Server{
		Addr: ":" + cfg.HTTP.Port,
		Handler: api.NewRouter(&api.Dependencies{
			Chat:   orch,
			Audit:  auditReader,
			Auth:   authenticator,
			Logger: logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Orchestrator.TurnTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	server.RegisterChatServiceServer(grpcServer, server.NewChatServer(orch, authenticator, logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.GRPC.Port), zap.Error(err))
	}
	go func() {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("grpc server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("received signal, shutting down")

	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	wg.Wait()

	logger.Info("langford server stopped")
}

func loadPolicies(ctx context.Context, cfg config.Config, db *sql.DB, logger *zap.Logger) (*policy.Table, error) {
	switch cfg.Policy.Source {
	case "file":
		t, err := policy.LoadFile(cfg.Policy.File)
		if err != nil {
			return nil, err
		}
		if cfg.Policy.Cascade {
			t.CascadeDenials = true
		}
		logger.Info("policies loaded from file", zap.String("path", cfg.Policy.File), zap.Int("tools", len(t.Tools)))
		return t, nil
	case "postgres":
		if db == nil {
			return nil, errors.New("policy source postgres needs POSTGRES_DSN")
		}
		return policy.NewPostgresLoader(db, logger).Load(ctx, cfg.Policy.Cascade)
	default:
		t := policy.NewTable()
		t.CascadeDenials = cfg.Policy.Cascade
		return t, nil
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (conversation.Store, error) {
	if cfg.Dialect == "memory" {
		return conversation.NewMemoryStore(), nil
	}
	return conversation.OpenSQLStore(ctx, conversation.SQLConfig{
		Dialect: conversation.Dialect(cfg.Dialect),
		DSN:     cfg.DSN,
	})
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
