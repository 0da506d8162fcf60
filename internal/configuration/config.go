package configuration

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	AppPort        int      `mapstructure:"app_port"`
	SocketPort     int      `mapstructure:"socket_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MongoConfig struct {
	Uri                     string `mapstructure:"uri"`
	Database                string `mapstructure:"database"`
	MessagesCollection      string `mapstructure:"messages_collection"`
	ConversationsCollection string `mapstructure:"conversations_collection"`
}

type RedisConfig struct {
	Addr               string `mapstructure:"addr"`
	Password           string `mapstructure:"password"`
	DB                 int    `mapstructure:"db"`
	Prefix             string `mapstructure:"prefix"`
	PresenceTTLSeconds int    `mapstructure:"presence_ttl_seconds"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DispatchConfig struct {
	PersistTimeoutMillis int `mapstructure:"persist_timeout_millis"`
}

type PresenceConfig struct {
	TypingTTLSeconds     int `mapstructure:"typing_ttl_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Presence PresenceConfig `mapstructure:"presence"`
}

func (c DispatchConfig) PersistTimeout() time.Duration {
	return time.Duration(c.PersistTimeoutMillis) * time.Millisecond
}

func (c PresenceConfig) TypingTTL() time.Duration {
	return time.Duration(c.TypingTTLSeconds) * time.Second
}

func (c PresenceConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c RedisConfig) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

// LoadConfig reads the yaml config at path. Environment variables prefixed
// with DW_ override file values (DW_AUTH_JWT_SECRET and so on).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DW")
	v.AutomaticEnv()

	v.SetDefault("server.app_port", 8080)
	v.SetDefault("server.socket_port", 8081)
	v.SetDefault("mongo.messages_collection", "messages")
	v.SetDefault("mongo.conversations_collection", "conversations")
	v.SetDefault("redis.prefix", "dw")
	v.SetDefault("redis.presence_ttl_seconds", 60)
	v.SetDefault("kafka.group_id", "deskwire-ingest")
	v.SetDefault("dispatch.persist_timeout_millis", 5000)
	v.SetDefault("presence.typing_ttl_seconds", 5)
	v.SetDefault("presence.sweep_interval_seconds", 1)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if config.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}
	if config.Mongo.Uri == "" {
		return nil, fmt.Errorf("mongo.uri is required")
	}

	return &config, nil
}
