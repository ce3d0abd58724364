package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "COLLAB"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "collab.db"
	defaultLogLevel           = "info"
	defaultTokenTTLMinutes    = 60
	defaultFlushSeconds       = 15
	defaultFlushEveryUpdates  = 64
	defaultEvictGraceSeconds  = 30
	defaultTypingSilenceMs    = 6000
	defaultHistoryTopic       = "collab.history"
	defaultHistoryPayloadCap  = 64 * 1024
	defaultSendBufferMessages = 32
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	TokenTTL           time.Duration
	RedisURL           string
	KafkaBrokers       []string
	KafkaHistoryTopic  string
	FlushInterval      time.Duration
	FlushEveryUpdates  int
	EvictionGrace      time.Duration
	TypingSilence      time.Duration
	HistoryPayloadCap  int
	SendBufferMessages int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("kafka.brokers", []string{})
	configViper.SetDefault("kafka.history_topic", defaultHistoryTopic)
	configViper.SetDefault("room.flush_seconds", defaultFlushSeconds)
	configViper.SetDefault("room.flush_every_updates", defaultFlushEveryUpdates)
	configViper.SetDefault("room.evict_grace_seconds", defaultEvictGraceSeconds)
	configViper.SetDefault("room.typing_silence_ms", defaultTypingSilenceMs)
	configViper.SetDefault("history.payload_cap_bytes", defaultHistoryPayloadCap)
	configViper.SetDefault("gateway.send_buffer_messages", defaultSendBufferMessages)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		RedisURL:           configViper.GetString("redis.url"),
		KafkaBrokers:       configViper.GetStringSlice("kafka.brokers"),
		KafkaHistoryTopic:  configViper.GetString("kafka.history_topic"),
		FlushInterval:      time.Duration(configViper.GetInt("room.flush_seconds")) * time.Second,
		FlushEveryUpdates:  configViper.GetInt("room.flush_every_updates"),
		EvictionGrace:      time.Duration(configViper.GetInt("room.evict_grace_seconds")) * time.Second,
		TypingSilence:      time.Duration(configViper.GetInt("room.typing_silence_ms")) * time.Millisecond,
		HistoryPayloadCap:  configViper.GetInt("history.payload_cap_bytes"),
		SendBufferMessages: configViper.GetInt("gateway.send_buffer_messages"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("room.flush_seconds must be positive")
	}
	if c.FlushEveryUpdates <= 0 {
		return fmt.Errorf("room.flush_every_updates must be positive")
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaHistoryTopic) == "" {
		return fmt.Errorf("kafka.history_topic is required when kafka.brokers is set")
	}
	return nil
}
