package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/points/internal/cache/rediscache"
	"github.com/MarkoPoloResearchLab/points/internal/httpapi"
	"github.com/MarkoPoloResearchLab/points/internal/intake/amqpintake"
	"github.com/MarkoPoloResearchLab/points/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/points/pkg/points"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagAuthSecret     = "auth-secret"
	flagAuthIssuer     = "auth-issuer"
	flagAMQPURL        = "amqp-url"
	flagAMQPQueue      = "amqp-queue"
	flagRedisAddr      = "redis-addr"
	flagSweepInterval  = "sweep-interval"
	flagIngestInterval = "ingest-interval"
	flagOrigins        = "allowed-origins"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAuthSecret     = "auth_secret"
	configKeyAuthIssuer     = "auth_issuer"
	configKeyAMQPURL        = "amqp_url"
	configKeyAMQPQueue      = "amqp_queue"
	configKeyRedisAddr      = "redis_addr"
	configKeySweepInterval  = "sweep_interval"
	configKeyIngestInterval = "ingest_interval"
	configKeyOrigins        = "allowed_origins"

	defaultDatabaseURL    = "sqlite:///tmp/points.db"
	defaultListenAddr     = ":8080"
	defaultAuthIssuer     = "points"
	defaultAMQPQueue      = "points.events"
	defaultSweepInterval  = 30 * time.Second
	defaultIngestInterval = 5 * time.Second
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AuthSecret     string
	AuthIssuer     string
	AMQPURL        string
	AMQPQueue      string
	RedisAddr      string
	SweepInterval  time.Duration
	IngestInterval time.Duration
	AllowedOrigins []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pointsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "pointsd",
		Short:         "Points ledger and escrow server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAuthSecret, "", "HMAC secret for settlement authorization tokens")
	cmd.Flags().String(flagAuthIssuer, defaultAuthIssuer, "issuer claim for settlement tokens")
	cmd.Flags().String(flagAMQPURL, "", "AMQP broker url for event intake (optional)")
	cmd.Flags().String(flagAMQPQueue, defaultAMQPQueue, "AMQP queue name")
	cmd.Flags().String(flagRedisAddr, "", "redis address for the result cache (optional)")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "background sweep interval")
	cmd.Flags().Duration(flagIngestInterval, defaultIngestInterval, "ingest processing interval")
	cmd.Flags().StringSlice(flagOrigins, nil, "allowed CORS origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyAuthSecret:     "AUTH_SECRET",
		configKeyAuthIssuer:     "AUTH_ISSUER",
		configKeyAMQPURL:        "AMQP_URL",
		configKeyAMQPQueue:      "AMQP_QUEUE",
		configKeyRedisAddr:      "REDIS_ADDR",
		configKeySweepInterval:  "SWEEP_INTERVAL",
		configKeyIngestInterval: "INGEST_INTERVAL",
		configKeyOrigins:        "ALLOWED_ORIGINS",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}
	flagsByKey := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyAuthSecret:     flagAuthSecret,
		configKeyAuthIssuer:     flagAuthIssuer,
		configKeyAMQPURL:        flagAMQPURL,
		configKeyAMQPQueue:      flagAMQPQueue,
		configKeyRedisAddr:      flagRedisAddr,
		configKeySweepInterval:  flagSweepInterval,
		configKeyIngestInterval: flagIngestInterval,
		configKeyOrigins:        flagOrigins,
	}
	for configKey, flagName := range flagsByKey {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AuthSecret = viper.GetString(configKeyAuthSecret)
	cfg.AuthIssuer = viper.GetString(configKeyAuthIssuer)
	cfg.AMQPURL = viper.GetString(configKeyAMQPURL)
	cfg.AMQPQueue = viper.GetString(configKeyAMQPQueue)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.IngestInterval = viper.GetDuration(configKeyIngestInterval)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyOrigins)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.AuthSecret == "" {
		return fmt.Errorf("auth secret is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.IngestInterval <= 0 {
		cfg.IngestInterval = defaultIngestInterval
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	clock := func() int64 { return time.Now().UTC().Unix() }

	authorizer, err := points.NewSettlementAuthorizer([]byte(cfg.AuthSecret), cfg.AuthIssuer)
	if err != nil {
		return fmt.Errorf("authorizer init: %w", err)
	}

	serviceOptions := []points.ServiceOption{
		points.WithOperationLogger(points.NewZapOperationLogger(logger)),
	}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		serviceOptions = append(serviceOptions, points.WithResultCache(
			rediscache.New(redisClient, 12*time.Hour, logger),
		))
	}
	service, err := points.NewService(store, clock, authorizer, serviceOptions...)
	if err != nil {
		return fmt.Errorf("service init: %w", err)
	}

	ingestor, err := points.NewIngestor(store, clock, points.WithIngestLogger(logger))
	if err != nil {
		return fmt.Errorf("ingestor init: %w", err)
	}
	if err := registerEventHandlers(ingestor, service); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	sweeper, err := points.NewSweeper(service, cfg.SweepInterval, points.WithSweepLogger(logger))
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := sweeper.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := ingestor.Run(runCtx, cfg.IngestInterval); err != nil && runCtx.Err() == nil {
			logger.Error("ingest loop stopped", zap.Error(err))
		}
	}()

	if cfg.AMQPURL != "" {
		consumer, err := amqpintake.New(amqpintake.Config{
			URL:   cfg.AMQPURL,
			Queue: cfg.AMQPQueue,
		}, ingestor, logger)
		if err != nil {
			return fmt.Errorf("amqp intake init: %w", err)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Start(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error("amqp intake stopped", zap.Error(err))
			}
		}()
	}

	server := httpapi.New(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, service, ingestor, logger)

	return server.Run(runCtx)
}

// decodeStrictPayload rejects payload fields the event contract does not
// declare, so a producer-side typo fails at intake instead of being silently
// dropped.
func decodeStrictPayload(payload json.RawMessage, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

type grantEventPayload struct {
	OwnerID        string `json:"owner_id"`
	AmountPoints   int64  `json:"amount_points"`
	ReasonCode     string `json:"reason_code"`
	IdempotencyKey string `json:"idempotency_key"`
}

type holdEventPayload struct {
	OwnerID        string `json:"owner_id"`
	AmountPoints   int64  `json:"amount_points"`
	ExternalRef    string `json:"external_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

// registerEventHandlers binds the asynchronous event types the intake
// pipeline accepts. Handlers ride the same idempotency layer as the HTTP
// surface, so redeliveries are harmless.
func registerEventHandlers(ingestor *points.Ingestor, service *points.Service) error {
	if err := ingestor.Register("wallet.grant",
		func(payload json.RawMessage) error {
			var grant grantEventPayload
			if err := decodeStrictPayload(payload, &grant); err != nil {
				return err
			}
			if grant.OwnerID == "" || grant.IdempotencyKey == "" {
				return fmt.Errorf("owner_id and idempotency_key are required")
			}
			if grant.AmountPoints <= 0 {
				return fmt.Errorf("amount_points must be greater than zero")
			}
			return nil
		},
		func(ctx context.Context, payload json.RawMessage) error {
			var grant grantEventPayload
			if err := json.Unmarshal(payload, &grant); err != nil {
				return err
			}
			ownerID, err := points.NewOwnerID(grant.OwnerID)
			if err != nil {
				return err
			}
			key, err := points.NewIdempotencyKey(grant.IdempotencyKey)
			if err != nil {
				return err
			}
			reason := points.ReasonCode(grant.ReasonCode)
			if reason == "" {
				reason = points.ReasonGrant
			}
			_, err = service.Adjust(ctx, points.AdjustParams{
				OwnerID:        ownerID,
				OwnerType:      points.OwnerTypeUser,
				Amount:         points.Points(grant.AmountPoints),
				State:          points.StateAvailable,
				Reason:         reason,
				IdempotencyKey: key,
			})
			return err
		},
	); err != nil {
		return err
	}

	return ingestor.Register("escrow.hold",
		func(payload json.RawMessage) error {
			var hold holdEventPayload
			if err := decodeStrictPayload(payload, &hold); err != nil {
				return err
			}
			if hold.OwnerID == "" || hold.IdempotencyKey == "" || hold.ExternalRef == "" {
				return fmt.Errorf("owner_id, external_ref, and idempotency_key are required")
			}
			if hold.AmountPoints <= 0 {
				return fmt.Errorf("amount_points must be greater than zero")
			}
			return nil
		},
		func(ctx context.Context, payload json.RawMessage) error {
			var hold holdEventPayload
			if err := json.Unmarshal(payload, &hold); err != nil {
				return err
			}
			ownerID, err := points.NewOwnerID(hold.OwnerID)
			if err != nil {
				return err
			}
			key, err := points.NewIdempotencyKey(hold.IdempotencyKey)
			if err != nil {
				return err
			}
			amount, err := points.NewPositivePoints(hold.AmountPoints)
			if err != nil {
				return err
			}
			_, err = service.HoldInEscrow(ctx, points.HoldParams{
				OwnerID:        ownerID,
				Amount:         amount,
				Reason:         points.ReasonEscrowHold,
				ExternalRef:    hold.ExternalRef,
				IdempotencyKey: key,
			})
			return err
		},
	)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "points.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
