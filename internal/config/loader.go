package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

const configName = "gcp-mcp-server"

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for gcp-mcp-server.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself, which
// shares the base name, is never picked up.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No search paths: ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as env-only mode.
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
	}

	// Environment variable support: GCP_MCP_TRANSPORT_PORT
	viper.SetEnvPrefix("GCP_MCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, "."+configName),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, configName))
		}
	} else {
		paths = append(paths, filepath.Join("/etc", configName))
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first gcp-mcp-server.yaml or .yml found
// in paths, or "".
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar keys so nested values can be overridden
// from the environment. List values (allowed_origins and friends) are
// parsed from comma-separated strings when unmarshalled.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("transport.stdio")
	_ = viper.BindEnv("transport.http")
	_ = viper.BindEnv("transport.sse")
	_ = viper.BindEnv("transport.host")
	_ = viper.BindEnv("transport.port")
	_ = viper.BindEnv("transport.max_connections")
	_ = viper.BindEnv("transport.mcp_path")
	_ = viper.BindEnv("transport.sse_path")
	_ = viper.BindEnv("transport.heartbeat_interval")
	_ = viper.BindEnv("transport.tls_cert_file")
	_ = viper.BindEnv("transport.tls_key_file")
	_ = viper.BindEnv("transport.trust_proxy_headers")

	_ = viper.BindEnv("security.allowed_origins")
	_ = viper.BindEnv("security.required_headers")
	_ = viper.BindEnv("security.allowed_methods")

	_ = viper.BindEnv("session.store")
	_ = viper.BindEnv("session.timeout")
	_ = viper.BindEnv("session.max_lifetime")
	_ = viper.BindEnv("session.cleanup_interval")

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.rate")
	_ = viper.BindEnv("rate_limit.burst")
	_ = viper.BindEnv("rate_limit.period")
	_ = viper.BindEnv("rate_limit.store")
	_ = viper.BindEnv("rate_limit.cleanup_interval")
	_ = viper.BindEnv("rate_limit.max_ttl")

	_ = viper.BindEnv("redis.addr")
	_ = viper.BindEnv("redis.password")
	_ = viper.BindEnv("redis.db")
	_ = viper.BindEnv("redis.key_prefix")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults and validates.
func LoadConfig() (*ServerConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override fields before validation.
func LoadConfigRaw() (*ServerConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
