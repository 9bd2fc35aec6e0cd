package config_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-relay/pushrelay/config"
)

func TestNewConfigFromYaml(t *testing.T) {
	t.Run("Success - maps all fields correctly from YAML struct", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			RunMode:       "yaml-mode",
			APIPort:       "8080",
			WebSocketPort: "8081",
			AdvertiseAddr: "edge-1.example.com:8081",
			Storage: config.YamlStorageConfig{
				Type:  "redis",
				Redis: config.YamlRedisConfig{Addr: "yaml-redis:6379"},
			},
			Broker: config.YamlBrokerConfig{
				PublishEndpoint:    "tcp://0.0.0.0:5560",
				SubscribeEndpoints: []string{"tcp://relay-a:5560", "tcp://relay-b:5560"},
			},
		}

		cfg, err := config.NewConfigFromYaml(yamlCfg)

		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, "yaml-mode", cfg.RunMode)
		assert.Equal(t, "8080", cfg.APIPort)
		assert.Equal(t, "8081", cfg.WebSocketPort)
		assert.Equal(t, "edge-1.example.com:8081", cfg.AdvertiseAddr)
		assert.Equal(t, "redis", cfg.Storage.Type)
		assert.Equal(t, "yaml-redis:6379", cfg.Storage.Redis.Addr)
		assert.Equal(t, "tcp://0.0.0.0:5560", cfg.Broker.PublishEndpoint)
		assert.Equal(t, []string{"tcp://relay-a:5560", "tcp://relay-b:5560"}, cfg.Broker.SubscribeEndpoints)
	})
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("Success - env vars override yaml values", func(t *testing.T) {
		t.Setenv("API_PORT", "9090")
		t.Setenv("REDIS_ADDR", "env-redis:6379")
		t.Setenv("BROKER_SUBSCRIBE_ENDPOINTS", "tcp://a:5560, tcp://b:5560 ,")

		cfg := &config.AppConfig{
			APIPort: "8080",
			Storage: config.YamlStorageConfig{Type: config.StorageRedis},
		}

		cfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, "9090", cfg.APIPort)
		assert.Equal(t, "env-redis:6379", cfg.Storage.Redis.Addr)
		assert.Equal(t, []string{"tcp://a:5560", "tcp://b:5560"}, cfg.Broker.SubscribeEndpoints)
	})

	t.Run("Failure - redis storage without an address", func(t *testing.T) {
		cfg := &config.AppConfig{Storage: config.YamlStorageConfig{Type: config.StorageRedis}}
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis.addr")
	})

	t.Run("Failure - unknown storage type", func(t *testing.T) {
		cfg := &config.AppConfig{Storage: config.YamlStorageConfig{Type: "etcd"}}
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown storage type")
	})

	t.Run("Success - memory storage needs nothing else", func(t *testing.T) {
		cfg := &config.AppConfig{Storage: config.YamlStorageConfig{Type: config.StorageMemory}}
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)
	})
}
