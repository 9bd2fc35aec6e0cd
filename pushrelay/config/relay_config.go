package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Storage backend selectors accepted by AppConfig.Storage.Type.
const (
	StorageMemory    = "memory"
	StorageRedis     = "redis"
	StorageFirestore = "firestore"
)

// AppConfig is the canonical, validated configuration object used
// throughout the application. It is created by NewConfigFromYaml
// (Stage 1) and finalized by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	RunMode       string
	APIPort       string
	WebSocketPort string
	AdvertiseAddr string
	Storage       YamlStorageConfig
	Broker        YamlBrokerConfig
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation. This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	if port := os.Getenv("API_PORT"); port != "" {
		logger.Debug().Str("key", "API_PORT").Msg("Overriding config value from env")
		cfg.APIPort = port
	}
	if port := os.Getenv("WEBSOCKET_PORT"); port != "" {
		logger.Debug().Str("key", "WEBSOCKET_PORT").Msg("Overriding config value from env")
		cfg.WebSocketPort = port
	}
	if addr := os.Getenv("ADVERTISE_ADDR"); addr != "" {
		logger.Debug().Str("key", "ADVERTISE_ADDR").Msg("Overriding config value from env")
		cfg.AdvertiseAddr = addr
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Debug().Str("key", "REDIS_ADDR").Msg("Overriding config value from env")
		cfg.Storage.Redis.Addr = redisAddr
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		logger.Debug().Str("key", "GCP_PROJECT_ID").Msg("Overriding config value from env")
		cfg.Storage.Firestore.ProjectID = projectID
	}
	if endpoint := os.Getenv("BROKER_PUBLISH_ENDPOINT"); endpoint != "" {
		logger.Debug().Str("key", "BROKER_PUBLISH_ENDPOINT").Msg("Overriding config value from env")
		cfg.Broker.PublishEndpoint = endpoint
	}
	if endpoints := os.Getenv("BROKER_SUBSCRIBE_ENDPOINTS"); endpoints != "" {
		logger.Debug().Str("key", "BROKER_SUBSCRIBE_ENDPOINTS").Msg("Overriding config value from env")
		var clean []string
		for _, e := range strings.Split(endpoints, ",") {
			if trimmed := strings.TrimSpace(e); trimmed != "" {
				clean = append(clean, trimmed)
			}
		}
		cfg.Broker.SubscribeEndpoints = clean
	}

	switch cfg.Storage.Type {
	case StorageMemory:
	case StorageRedis:
		if cfg.Storage.Redis.Addr == "" {
			return nil, fmt.Errorf("storage type %q requires redis.addr or REDIS_ADDR", StorageRedis)
		}
	case StorageFirestore:
		if cfg.Storage.Firestore.ProjectID == "" {
			return nil, fmt.Errorf("storage type %q requires firestore.project_id or GCP_PROJECT_ID", StorageFirestore)
		}
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}
