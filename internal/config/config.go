package config

// Package config loads the engine configuration with viper and supports
// ${VAR} substitution for secrets referenced from server env and API keys.

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/conduitmcp/conduit/pkg/types"
)

const (
	DefaultPort = 8080
	DefaultHost = "0.0.0.0"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from the given file, or from the default
// search paths when path is empty.
func Load(path string) (*types.Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conduit")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/conduit")
	}

	v.SetEnvPrefix("CONDUIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	log.Info().Str("config", v.ConfigFileUsed()).Msg("Configuration loaded")

	var config types.Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ExpandSecrets(&config)
	ApplyDefaults(&config)

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ConfigFileUsed resolves which file Load would read, for watching.
func ConfigFileUsed(path string) (string, error) {
	if path != "" {
		return path, nil
	}

	v := viper.New()
	v.SetConfigName("conduit")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conduit")

	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("failed to locate config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// ExpandSecrets replaces ${VAR} references in server env values and
// provider API keys with values from the process environment. Unset
// variables expand to the empty string.
func ExpandSecrets(config *types.Config) {
	for name, server := range config.Servers {
		for key, value := range server.Env {
			server.Env[key] = expand(value)
		}
		config.Servers[name] = server
	}

	config.LLM.Primary.APIKey = expand(config.LLM.Primary.APIKey)
	config.LLM.Fallback.APIKey = expand(config.LLM.Fallback.APIKey)
	config.Storage.Search.Typesense.APIKey = expand(config.Storage.Search.Typesense.APIKey)
	config.Storage.Search.Meilisearch.APIKey = expand(config.Storage.Search.Meilisearch.APIKey)
}

func expand(value string) string {
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// ApplyDefaults fills missing values with sane defaults.
func ApplyDefaults(config *types.Config) {
	if config.Gateway.Port == 0 {
		config.Gateway.Port = DefaultPort
	}
	if config.Gateway.Host == "" {
		config.Gateway.Host = DefaultHost
	}
	if config.Router.ConfidenceThreshold == 0 {
		config.Router.ConfidenceThreshold = 0.3
	}
	if config.Discovery.Interval == "" {
		config.Discovery.Interval = "5m"
	}
	if config.Storage.Badger.Path == "" {
		config.Storage.Badger.Path = "./data/badger"
	}
	if config.Observability.Logging.Level == "" {
		config.Observability.Logging.Level = "info"
	}
}

// Validate rejects configurations that cannot produce a working engine.
func Validate(config *types.Config) error {
	for name, server := range config.Servers {
		if server.Name == "" {
			server.Name = name
			config.Servers[name] = server
		}

		switch server.Transport {
		case types.TransportPipe, "":
			if server.Command == "" {
				return fmt.Errorf("server %s: pipe transport requires a command", name)
			}
		case types.TransportSocket, types.TransportSSE:
			if server.URL == "" {
				return fmt.Errorf("server %s: %s transport requires a url", name, server.Transport)
			}
		default:
			return fmt.Errorf("server %s: unknown transport %q", name, server.Transport)
		}
	}

	if config.Router.ConfidenceThreshold < 0 || config.Router.ConfidenceThreshold > 1 {
		return fmt.Errorf("router confidence threshold must be within [0, 1]")
	}

	return nil
}
