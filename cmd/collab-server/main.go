package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/promptforge/collab/backend/internal/auth"
	"github.com/promptforge/collab/backend/internal/comments"
	"github.com/promptforge/collab/backend/internal/config"
	"github.com/promptforge/collab/backend/internal/database"
	"github.com/promptforge/collab/backend/internal/history"
	"github.com/promptforge/collab/backend/internal/logging"
	"github.com/promptforge/collab/backend/internal/room"
	"github.com/promptforge/collab/backend/internal/server"
	"github.com/promptforge/collab/backend/internal/session"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-server",
		Short: "Collaborative editing session engine",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for share token storage (optional)")
	cmd.PersistentFlags().StringSlice("kafka-brokers", defaults.GetStringSlice("kafka.brokers"), "Kafka brokers for history publishing (optional)")
	cmd.PersistentFlags().String("kafka-history-topic", defaults.GetString("kafka.history_topic"), "Kafka topic for history entries")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Connection token TTL in minutes")
	cmd.PersistentFlags().Int("flush-seconds", defaults.GetInt("room.flush_seconds"), "Replica flush interval in seconds")
	cmd.PersistentFlags().Int("flush-every-updates", defaults.GetInt("room.flush_every_updates"), "Replica flush update threshold")
	cmd.PersistentFlags().Int("evict-grace-seconds", defaults.GetInt("room.evict_grace_seconds"), "Room eviction grace period in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "kafka.history_topic", "kafka-history-topic")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "room.flush_seconds", "flush-seconds")
	bindFlag(cmd, "room.flush_every_updates", "flush-every-updates")
	bindFlag(cmd, "room.evict_grace_seconds", "evict-grace-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})

	sessionStore, err := session.NewStore(session.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	commentService, err := comments.NewService(comments.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: comments.UUIDProvider{},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var publisher history.Publisher
	var kafkaPublisher *history.KafkaPublisher
	if len(appConfig.KafkaBrokers) > 0 {
		producer, err := history.NewSyncProducer(appConfig.KafkaBrokers)
		if err != nil {
			return err
		}
		kafkaPublisher = history.NewKafkaPublisher(producer, appConfig.KafkaHistoryTopic, logger, history.KafkaPublisherOptions{})
		publisher = kafkaPublisher
		defer kafkaPublisher.Close() //nolint:errcheck
	}

	recorder, err := history.NewRecorder(history.RecorderConfig{
		Database:        db,
		Clock:           time.Now,
		Logger:          logger,
		PayloadCapBytes: appConfig.HistoryPayloadCap,
		Publisher:       publisher,
	})
	if err != nil {
		return err
	}
	defer recorder.Close()

	snapshots, err := room.NewSnapshotStore(room.SnapshotStoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var tokenStore session.ShareTokenStore
	if appConfig.RedisURL != "" {
		redisStore, err := session.NewRedisShareTokenStore(appConfig.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close() //nolint:errcheck
		tokenStore = redisStore
	}

	registry, err := room.NewRegistry(room.RegistryConfig{
		Store:         sessionStore,
		Tokens:        tokenStore,
		Snapshots:     snapshots,
		Comments:      commentService,
		History:       recorder,
		Clock:         time.Now,
		Logger:        logger,
		EvictionGrace: appConfig.EvictionGrace,
		RoomOptions: room.Options{
			FlushInterval:     appConfig.FlushInterval,
			FlushEveryUpdates: appConfig.FlushEveryUpdates,
			TypingSilence:     appConfig.TypingSilence,
		},
	})
	if err != nil {
		return err
	}
	defer registry.Shutdown()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:       tokenManager,
		Registry:           registry,
		SessionStore:       sessionStore,
		Comments:           commentService,
		History:            recorder,
		Logger:             logger,
		SendBufferMessages: appConfig.SendBufferMessages,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
