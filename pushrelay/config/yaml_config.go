package config

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlFirestoreConfig struct {
	ProjectID string `yaml:"project_id"`
}

// YamlStorageConfig selects the durable backend and carries the
// backend-specific settings.
type YamlStorageConfig struct {
	Type      string              `yaml:"type"` // "memory", "redis" or "firestore"
	Redis     YamlRedisConfig     `yaml:"redis"`
	Firestore YamlFirestoreConfig `yaml:"firestore"`
}

// YamlBrokerConfig carries the fan-out endpoints. PublishEndpoint is the
// address this process binds its publisher on; SubscribeEndpoints are the
// publisher addresses of every relay an edge node listens to.
type YamlBrokerConfig struct {
	PublishEndpoint    string   `yaml:"publish_endpoint"`
	SubscribeEndpoints []string `yaml:"subscribe_endpoints"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	RunMode       string            `yaml:"run_mode"`
	APIPort       string            `yaml:"api_port"`
	WebSocketPort string            `yaml:"websocket_port"`
	AdvertiseAddr string            `yaml:"advertise_addr"`
	Storage       YamlStorageConfig `yaml:"storage"`
	Broker        YamlBrokerConfig  `yaml:"broker"`
}

// NewConfigFromYaml converts the raw unmarshaled data into a base
// AppConfig. Stage 1 of configuration loading: the struct exists, but
// environment overrides and validation have not been applied yet.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	return &AppConfig{
		RunMode:       yamlCfg.RunMode,
		APIPort:       yamlCfg.APIPort,
		WebSocketPort: yamlCfg.WebSocketPort,
		AdvertiseAddr: yamlCfg.AdvertiseAddr,
		Storage:       yamlCfg.Storage,
		Broker:        yamlCfg.Broker,
	}, nil
}
