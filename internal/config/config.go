// Package config defines MCP Guard's typed configuration tree and loads
// it via viper, following the teacher's config.go conventions (a
// Duration wrapper for JSON/YAML-friendly durations, mapstructure tags,
// and a Validate method run after load).
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/botzrDev/mcp-guard-sub000/internal/auth"
	"github.com/botzrDev/mcp-guard-sub000/internal/ratelimit"
	"github.com/botzrDev/mcp-guard-sub000/internal/router"
	"github.com/botzrDev/mcp-guard-sub000/internal/telemetry"
)

// Duration marshals to/from a human string ("30s", "5m") in JSON/YAML.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config is the root configuration tree consumed by internal/appstate.
type Config struct {
	Listen string `mapstructure:"listen"`

	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Routes     []RouteConfig    `mapstructure:"routes"`
	DefaultRoute *RouteConfig   `mapstructure:"default_route"`
	Audit      AuditConfig      `mapstructure:"audit"`
	TrustedProxyCIDRs []string  `mapstructure:"trusted_proxy_cidrs"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig configures internal/telemetry's OTLP span exporter.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// AuthConfig configures the composed MultiProvider. Each sub-section is
// optional; an empty Config means that provider is not wired in.
type AuthConfig struct {
	APIKeys []APIKeyConfig `mapstructure:"api_keys"`
	JWT     *JWTConfig     `mapstructure:"jwt"`
	OAuth2  *OAuth2Config  `mapstructure:"oauth2"`
	MTLS    *MTLSConfig    `mapstructure:"mtls"`
}

type APIKeyConfig struct {
	ID           string   `mapstructure:"id"`
	KeyHash      string   `mapstructure:"key_hash"`
	AllowedTools []string `mapstructure:"allowed_tools"`
	RateLimit    *int     `mapstructure:"rate_limit"`
}

type JWTConfig struct {
	Secret       string              `mapstructure:"secret"`
	JWKSURL      string              `mapstructure:"jwks_url"`
	Issuer       string              `mapstructure:"issuer"`
	Audience     string              `mapstructure:"audience"`
	LeewaySecs   int                 `mapstructure:"leeway_secs"`
	UserIDClaim  string              `mapstructure:"user_id_claim"`
	ScopesClaim  string              `mapstructure:"scopes_claim"`
	ScopeToTools map[string][]string `mapstructure:"scope_to_tools"`
}

type OAuth2Config struct {
	ClientID         string   `mapstructure:"client_id"`
	ClientSecret     string   `mapstructure:"client_secret"`
	AuthURL          string   `mapstructure:"auth_url"`
	TokenURL         string   `mapstructure:"token_url"`
	RedirectURL      string   `mapstructure:"redirect_url"`
	Scopes           []string `mapstructure:"scopes"`
	IntrospectionURL string   `mapstructure:"introspection_url"`
	UserinfoURL      string   `mapstructure:"userinfo_url"`
	TokenCacheTTL    Duration `mapstructure:"token_cache_ttl"`
}

type MTLSConfig struct {
	IdentitySource string `mapstructure:"identity_source"` // cn | san_dns | san_email
}

// RateLimitConfig mirrors internal/ratelimit.Config with mapstructure tags.
type RateLimitConfig struct {
	Enabled         bool            `mapstructure:"enabled"`
	DefaultRPS      int             `mapstructure:"default_rps"`
	DefaultBurst    int             `mapstructure:"default_burst"`
	TTL             Duration        `mapstructure:"ttl"`
	CleanupInterval Duration        `mapstructure:"cleanup_interval"`
	ToolRules       []ToolRuleConfig `mapstructure:"tool_rules"`
}

type ToolRuleConfig struct {
	ToolPattern    string `mapstructure:"tool_pattern"`
	RequestsPerSec int    `mapstructure:"requests_per_second"`
	BurstSize      int    `mapstructure:"burst_size"`
}

// RouteConfig mirrors internal/router.RouteConfig with mapstructure tags.
type RouteConfig struct {
	Name        string   `mapstructure:"name"`
	PathPrefix  string   `mapstructure:"path_prefix"`
	Transport   string   `mapstructure:"transport"` // stdio | http | sse
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
	URL         string   `mapstructure:"url"`
	StripPrefix bool     `mapstructure:"strip_prefix"`
}

func (r RouteConfig) toRouterConfig() router.RouteConfig {
	return router.RouteConfig{
		Name:        r.Name,
		PathPrefix:  r.PathPrefix,
		Kind:        router.TransportKind(r.Transport),
		Command:     r.Command,
		Args:        r.Args,
		URL:         r.URL,
		StripPrefix: r.StripPrefix,
	}
}

// AuditConfig configures internal/audit.Logger and its sinks.
type AuditConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	QueueSize int             `mapstructure:"queue_size"`
	Stdout    bool            `mapstructure:"stdout"`
	File      *AuditFileConfig `mapstructure:"file"`
	HTTP      *AuditHTTPConfig `mapstructure:"http"`
}

type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type AuditHTTPConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval Duration          `mapstructure:"flush_interval"`
}

// DefaultConfig mirrors the teacher's DefaultConfig helper: a config
// usable as-is for local experimentation, binding to localhost only.
func DefaultConfig() *Config {
	return &Config{
		Listen: "127.0.0.1:8080",
		RateLimit: RateLimitConfig{
			Enabled:         true,
			DefaultRPS:      10,
			DefaultBurst:    20,
			TTL:             Duration(time.Hour),
			CleanupInterval: Duration(5 * time.Minute),
		},
		Audit: AuditConfig{
			Enabled: true,
			Stdout:  true,
		},
	}
}

// Load reads configuration from path (YAML) via viper, falling back to
// DefaultConfig's values for anything unset, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}
	v.SetEnvPrefix("MCPGUARD")
	v.AutomaticEnv()

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the construction-time invariants spec.md assigns to
// routes and rate-limit configuration before anything is wired up.
func (c *Config) Validate() error {
	seen := map[string]struct{}{}
	for _, r := range c.Routes {
		if err := r.toRouterConfig().Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("config: duplicate route name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	if c.DefaultRoute != nil {
		if err := c.DefaultRoute.toRouterConfig().Validate(); err != nil {
			return err
		}
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0 {
		return fmt.Errorf("config: rate_limit.default_rps must be positive when enabled")
	}
	return nil
}

// RouterConfigs converts the configured routes to internal/router's
// validated RouteConfig type, in declared order.
func (c *Config) RouterConfigs() ([]router.RouteConfig, *router.RouteConfig) {
	out := make([]router.RouteConfig, len(c.Routes))
	for i, r := range c.Routes {
		out[i] = r.toRouterConfig()
	}
	var def *router.RouteConfig
	if c.DefaultRoute != nil {
		rc := c.DefaultRoute.toRouterConfig()
		def = &rc
	}
	return out, def
}

// RateLimitEngineConfig converts to internal/ratelimit's Config.
func (c *Config) RateLimitEngineConfig() ratelimit.Config {
	rules := make([]ratelimit.ToolRule, len(c.RateLimit.ToolRules))
	for i, r := range c.RateLimit.ToolRules {
		rules[i] = ratelimit.ToolRule{
			ToolPattern:    r.ToolPattern,
			RequestsPerSec: r.RequestsPerSec,
			BurstSize:      r.BurstSize,
		}
	}
	return ratelimit.Config{
		Enabled:         c.RateLimit.Enabled,
		DefaultRPS:      c.RateLimit.DefaultRPS,
		DefaultBurst:    c.RateLimit.DefaultBurst,
		TTL:             c.RateLimit.TTL.Duration(),
		CleanupInterval: c.RateLimit.CleanupInterval.Duration(),
		ToolRules:       rules,
	}
}

// AuthJWTConfig converts to internal/auth's JWTConfig, nil if unconfigured.
func (c *Config) AuthJWTConfig() *auth.JWTConfig {
	j := c.Auth.JWT
	if j == nil {
		return nil
	}
	return &auth.JWTConfig{
		Secret:       []byte(j.Secret),
		JWKSURL:      j.JWKSURL,
		Issuer:       j.Issuer,
		Audience:     j.Audience,
		LeewaySecs:   j.LeewaySecs,
		UserIDClaim:  j.UserIDClaim,
		ScopesClaim:  j.ScopesClaim,
		ScopeToTools: j.ScopeToTools,
	}
}

// AuthOAuth2Config converts to internal/auth's OAuth2Config, nil if
// unconfigured.
func (c *Config) AuthOAuth2Config() *auth.OAuth2Config {
	o := c.Auth.OAuth2
	if o == nil {
		return nil
	}
	return &auth.OAuth2Config{
		ClientID:         o.ClientID,
		ClientSecret:     o.ClientSecret,
		AuthURL:          o.AuthURL,
		TokenURL:         o.TokenURL,
		RedirectURL:      o.RedirectURL,
		Scopes:           o.Scopes,
		IntrospectionURL: o.IntrospectionURL,
		UserinfoURL:      o.UserinfoURL,
		TokenCacheTTL:    o.TokenCacheTTL.Duration(),
	}
}

// AuthMTLSConfig converts to internal/auth's MTLSConfig.
func (c *Config) AuthMTLSConfig() auth.MTLSConfig {
	source := auth.IdentitySourceCN
	if c.Auth.MTLS != nil && c.Auth.MTLS.IdentitySource != "" {
		source = auth.IdentitySource(c.Auth.MTLS.IdentitySource)
	}
	return auth.MTLSConfig{
		TrustedProxyCIDRs: c.TrustedProxyCIDRs,
		IdentitySource:    source,
	}
}

// TelemetryConfig converts to internal/telemetry's Config. version is
// stamped in as the exported service.version resource attribute.
func (c *Config) TelemetryConfig(serviceVersion string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Tracing.Enabled,
		ServiceName:    "mcpguard",
		ServiceVersion: serviceVersion,
		OTLPEndpoint:   c.Tracing.OTLPEndpoint,
		SampleRatio:    c.Tracing.SampleRatio,
	}
}

// AuthAPIKeyEntries converts the configured API keys to internal/auth's
// APIKeyEntry slice.
func (c *Config) AuthAPIKeyEntries() []auth.APIKeyEntry {
	out := make([]auth.APIKeyEntry, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		out[i] = auth.APIKeyEntry{
			ID:           k.ID,
			KeyHash:      k.KeyHash,
			AllowedTools: k.AllowedTools,
			RateLimit:    k.RateLimit,
		}
	}
	return out
}
