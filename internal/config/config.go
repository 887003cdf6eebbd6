// Package config provides configuration types for the gcp-mcp-server gateway.
//
// Configuration is file based (gcp-mcp-server.yaml) with environment
// overrides under the GCP_MCP_ prefix. Durations are written as Go duration
// strings ("30m", "1h") and parsed when the config is converted into the
// domain types the gateway components consume.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/ratelimit"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/security"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/session"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/transport"
)

// Store backends for sessions and rate limiting.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// ServerConfig is the top-level configuration for the gateway.
type ServerConfig struct {
	// Server configures process-wide behaviour.
	Server ProcessConfig `yaml:"server" mapstructure:"server"`

	// Transport selects which transports run and how HTTP is bound.
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`

	// Security configures request admission.
	Security SecurityConfig `yaml:"security" mapstructure:"security"`

	// Session configures session expiry and storage.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// RateLimit configures per-client rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Redis is the shared connection used when a store is "redis".
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// DevMode enables debug logging and permissive origins.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ProcessConfig configures logging.
type ProcessConfig struct {
	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// TransportConfig configures the stdio, HTTP and SSE transports.
type TransportConfig struct {
	Stdio bool `yaml:"stdio" mapstructure:"stdio"`
	HTTP  bool `yaml:"http" mapstructure:"http"`
	SSE   bool `yaml:"sse" mapstructure:"sse"`

	// Host is the HTTP bind address. Defaults to 127.0.0.1.
	Host string `yaml:"host" mapstructure:"host" validate:"omitempty,hostname|ip"`

	// Port is the HTTP port. Defaults to 8080.
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// MaxConnections is the ceiling on concurrently open HTTP exchanges
	// and SSE streams. Defaults to 100.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections" validate:"omitempty,min=1"`

	MCPPath string `yaml:"mcp_path" mapstructure:"mcp_path" validate:"omitempty,startswith=/"`
	SSEPath string `yaml:"sse_path" mapstructure:"sse_path" validate:"omitempty,startswith=/"`

	// HeartbeatInterval is the SSE keep-alive period. Defaults to "30s".
	HeartbeatInterval string `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval" validate:"omitempty,duration"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`

	// TrustProxyHeaders derives the client address from X-Forwarded-For
	// and X-Real-IP. Enable only behind a trusted reverse proxy.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
}

// SecurityConfig configures origin, header and method checks.
type SecurityConfig struct {
	// AllowedOrigins lists accepted Origin values. "*" accepts any.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,required"`

	// RequiredHeaders must be present on every request.
	// Defaults to ["User-Agent"].
	RequiredHeaders []string `yaml:"required_headers" mapstructure:"required_headers" validate:"omitempty,dive,required"`

	// AllowedMethods extends the built-in MCP method allow-list.
	AllowedMethods []string `yaml:"allowed_methods" mapstructure:"allowed_methods" validate:"omitempty,dive,required"`
}

// SessionConfig configures session lifetime and storage.
type SessionConfig struct {
	// Store is "memory" or "redis". Defaults to "memory".
	Store string `yaml:"store" mapstructure:"store" validate:"omitempty,oneof=memory redis"`

	// Timeout is the idle expiry. Defaults to "30m".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// MaxLifetime caps total session age. Empty or "0" disables it.
	MaxLifetime string `yaml:"max_lifetime" mapstructure:"max_lifetime" validate:"omitempty,duration"`

	// CleanupInterval is the expiry sweep period. Defaults to "1m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Rate is the number of requests allowed per Period per client.
	// Defaults to 100.
	Rate int `yaml:"rate" mapstructure:"rate" validate:"omitempty,min=1"`

	// Burst is the maximum burst size. Defaults to Rate.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`

	// Period is the rate window. Defaults to "1m".
	Period string `yaml:"period" mapstructure:"period" validate:"omitempty,duration"`

	// Store is "memory" or "redis". Defaults to "memory".
	Store string `yaml:"store" mapstructure:"store" validate:"omitempty,oneof=memory redis"`

	// CleanupInterval is how often to clean up idle in-memory entries.
	// Defaults to "5m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	// MaxTTL is the maximum age of an idle in-memory entry. Defaults to "1h".
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty,duration"`
}

// RedisConfig configures the Redis connection shared by the Redis stores.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"min=0"`

	// KeyPrefix namespaces every key. Defaults to "gcpmcp".
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// UsesRedis reports whether any store is Redis-backed.
func (c *ServerConfig) UsesRedis() bool {
	return c.Session.Store == StoreRedis || (c.RateLimit.Enabled && c.RateLimit.Store == StoreRedis)
}

// SetDevDefaults applies permissive defaults for development mode.
func (c *ServerConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if len(c.Security.AllowedOrigins) == 0 {
		c.Security.AllowedOrigins = []string{"*"}
	}
}

// SetDefaults applies default values to unset fields.
func (c *ServerConfig) SetDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	// With nothing selected, HTTP and SSE run. stdio is opt-in because it
	// takes over the process's standard streams.
	if !viper.IsSet("transport.http") && !viper.IsSet("transport.sse") && !c.Transport.Stdio {
		c.Transport.HTTP = true
		c.Transport.SSE = true
	}
	if c.Transport.Host == "" {
		c.Transport.Host = transport.DefaultHTTPHost
	}
	if c.Transport.Port == 0 {
		c.Transport.Port = transport.DefaultHTTPPort
	}
	if c.Transport.MaxConnections == 0 {
		c.Transport.MaxConnections = transport.DefaultMaxConnections
	}
	if c.Transport.MCPPath == "" {
		c.Transport.MCPPath = transport.DefaultMCPPath
	}
	if c.Transport.SSEPath == "" {
		c.Transport.SSEPath = transport.DefaultSSEPath
	}
	if c.Transport.HeartbeatInterval == "" {
		c.Transport.HeartbeatInterval = "30s"
	}

	if len(c.Security.RequiredHeaders) == 0 {
		c.Security.RequiredHeaders = append([]string(nil), security.DefaultRequiredHeaders...)
	}

	if c.Session.Store == "" {
		c.Session.Store = StoreMemory
	}
	if c.Session.Timeout == "" {
		c.Session.Timeout = "30m"
	}
	if c.Session.CleanupInterval == "" {
		c.Session.CleanupInterval = "1m"
	}

	// Rate limiting is on unless explicitly disabled in YAML/env.
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 100
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.Rate
	}
	if c.RateLimit.Period == "" {
		c.RateLimit.Period = "1m"
	}
	if c.RateLimit.Store == "" {
		c.RateLimit.Store = StoreMemory
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "gcpmcp"
	}
}

// ToTransportConfig converts the transport section. The config must have
// passed Validate.
func (c *ServerConfig) ToTransportConfig() transport.Config {
	return transport.Config{
		SupportStdio:      c.Transport.Stdio,
		SupportHTTP:       c.Transport.HTTP,
		SupportSSE:        c.Transport.SSE,
		HTTPHost:          c.Transport.Host,
		HTTPPort:          c.Transport.Port,
		MaxConnections:    c.Transport.MaxConnections,
		MCPPath:           c.Transport.MCPPath,
		SSEPath:           c.Transport.SSEPath,
		HeartbeatInterval: parseDuration(c.Transport.HeartbeatInterval),
		TLSCertFile:       c.Transport.TLSCertFile,
		TLSKeyFile:        c.Transport.TLSKeyFile,
	}.WithDefaults()
}

// ToSecurityConfig converts the security and rate_limit sections.
func (c *ServerConfig) ToSecurityConfig() security.Config {
	return security.Config{
		AllowedOrigins:   c.Security.AllowedOrigins,
		RequiredHeaders:  c.Security.RequiredHeaders,
		AllowedMethods:   c.Security.AllowedMethods,
		RateLimitEnabled: c.RateLimit.Enabled,
		RateLimit: ratelimit.RateLimitConfig{
			Rate:   c.RateLimit.Rate,
			Burst:  c.RateLimit.Burst,
			Period: parseDuration(c.RateLimit.Period),
		}.Normalize(),
	}
}

// ToSessionConfig converts the session section.
func (c *ServerConfig) ToSessionConfig() session.Config {
	return session.Config{
		Timeout:         parseDuration(c.Session.Timeout),
		MaxLifetime:     parseDuration(c.Session.MaxLifetime),
		CleanupInterval: parseDuration(c.Session.CleanupInterval),
	}
}

// RateLimitCleanup returns the in-memory limiter's sweep interval and
// entry TTL.
func (c *ServerConfig) RateLimitCleanup() (interval, maxTTL time.Duration) {
	return parseDuration(c.RateLimit.CleanupInterval), parseDuration(c.RateLimit.MaxTTL)
}

// parseDuration returns zero for empty or invalid input. Validate rejects
// invalid durations before conversion.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
