// Package cmd holds the wiring shared by the relay and edge binaries:
// config loading and the storage backend factory.
package cmd

import (
	"fmt"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-relay/pushrelay/config"
)

// Load parses an embedded configuration file and finalizes it with
// environment overrides.
func Load(configFile []byte, logger zerolog.Logger) (*config.AppConfig, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}

	appCfg, err := config.NewConfigFromYaml(&yamlCfg)
	if err != nil {
		return nil, err
	}

	return config.UpdateConfigWithEnvOverrides(appCfg, logger)
}
