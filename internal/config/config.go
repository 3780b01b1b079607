// Package config handles application configuration: file + environment
// loading via viper, matching the teacher's config layer (spec's AMBIENT
// STACK: TOKENAUTHORITY_-prefixed env vars, standard file search path,
// explicit secret bindings so credentials never need to live in a
// committed file).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	OTEL      OTELConfig      `mapstructure:"otel"`
	OPA       OPAConfig       `mapstructure:"opa"`
	Authority AuthorityConfig `mapstructure:"authority"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string   `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	MetricsPort    int     `mapstructure:"metrics_port"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// OPAConfig carries spec §6's ENABLE_OPA_POLICIES/OPA_HOST/OPA_PORT/
// OPA_POLICY_PATH — the Policy Decision Gateway's (C4) remote-service
// configuration.
type OPAConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	PolicyPath string `mapstructure:"policy_path"`
	BundlePath string `mapstructure:"bundle_path"`
	TimeoutMS  int    `mapstructure:"timeout_ms"`
}

// AuthorityConfig carries spec §6's remaining documented options: token
// lifetimes, the issuer, the scope-expansion policy document path, and the
// system-client allowlist.
type AuthorityConfig struct {
	Issuer                   string   `mapstructure:"issuer"`
	AccessTokenExpiry        string   `mapstructure:"access_token_expiry"`
	RefreshTokenExpiry       string   `mapstructure:"refresh_token_expiry"`
	AuthorizationCodeExpiry  string   `mapstructure:"authorization_code_expiry"`
	ScopeExpansionPolicyPath string   `mapstructure:"scope_expansion_policy_path"`
	ScopeImplicationsPath    string   `mapstructure:"scope_implications_path"`
	ScopesBootstrapPath      string   `mapstructure:"scopes_bootstrap_path"`
	PoliciesBootstrapPath    string   `mapstructure:"policies_bootstrap_path"`
	SystemClientIDs          []string `mapstructure:"system_client_ids"`
	BearerToken              string   `mapstructure:"bearer_token"`
}

// AccessTokenExpiryDuration parses AccessTokenExpiry, defaulting to spec
// §6's 3-minute default on a missing/invalid value.
func (a AuthorityConfig) AccessTokenExpiryDuration() time.Duration {
	return durationOrDefault(a.AccessTokenExpiry, 3*time.Minute)
}

// RefreshTokenExpiryDuration parses RefreshTokenExpiry, defaulting to spec
// §6's 7-day default.
func (a AuthorityConfig) RefreshTokenExpiryDuration() time.Duration {
	return durationOrDefault(a.RefreshTokenExpiry, 7*24*time.Hour)
}

// AuthorizationCodeExpiryDuration parses AuthorizationCodeExpiry,
// defaulting to spec §6's 10-minute default (also the §3 ceiling).
func (a AuthorityConfig) AuthorizationCodeExpiryDuration() time.Duration {
	return durationOrDefault(a.AuthorizationCodeExpiry, 10*time.Minute)
}

func durationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// SystemClientIDSet returns SystemClientIDs as a lookup set for spec §6's
// "only these may present launch_reason=system_job" check.
func (a AuthorityConfig) SystemClientIDSet() map[string]bool {
	out := make(map[string]bool, len(a.SystemClientIDs))
	for _, id := range a.SystemClientIDs {
		out[id] = true
	}
	return out
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tokenauthority")
		v.AddConfigPath("$HOME/.tokenauthority")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("TOKENAUTHORITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "tokenauthority")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.service_name", "tokenauthority")
	v.SetDefault("otel.metrics_port", 9464)
	v.SetDefault("otel.sampling_rate", 1.0)

	v.SetDefault("opa.enabled", false)
	v.SetDefault("opa.policy_path", "tokenauthority")
	v.SetDefault("opa.timeout_ms", 1000)

	v.SetDefault("authority.issuer", "https://tokenauthority.local")
	v.SetDefault("authority.access_token_expiry", "3m")
	v.SetDefault("authority.refresh_token_expiry", "168h")
	v.SetDefault("authority.authorization_code_expiry", "10m")
	v.SetDefault("authority.scopes_bootstrap_path", "data/scopes.yml")
	v.SetDefault("authority.policies_bootstrap_path", "data/policies.yml")
	v.SetDefault("authority.scope_expansion_policy_path", "data/scope_expansion_policy.yml")
	v.SetDefault("authority.scope_implications_path", "data/scope_implications.yml")
}

// bindEnvVars wires the secret-bearing environment variables called out in
// the AMBIENT STACK so they never need to live in a committed config file:
// POSTGRES_USER, POSTGRES_PASSWORD, and the decision-service/bearer-token
// equivalents of an OIDC client secret. DATABASE_URL is stored under
// database.url, which no Config field reads; the database connection is
// built from the other database.* fields.
func bindEnvVars(v *viper.Viper) {
	if val := os.Getenv("DATABASE_URL"); val != "" {
		v.Set("database.url", val)
	}
	if val := os.Getenv("POSTGRES_USER"); val != "" {
		v.Set("database.user", val)
	}
	if val := os.Getenv("POSTGRES_PASSWORD"); val != "" {
		v.Set("database.password", val)
	}
	if val := os.Getenv("ISSUER"); val != "" {
		v.Set("authority.issuer", val)
	}
	if val := os.Getenv("OPA_HOST"); val != "" {
		v.Set("opa.host", val)
	}
	if val := os.Getenv("OPA_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			v.Set("opa.port", port)
		}
	}
	if val := os.Getenv("OPA_POLICY_PATH"); val != "" {
		v.Set("opa.policy_path", val)
	}
	if val := os.Getenv("ENABLE_OPA_POLICIES"); val != "" {
		v.Set("opa.enabled", strings.EqualFold(val, "true"))
	}
	if val := os.Getenv("SYSTEM_CLIENT_IDS"); val != "" {
		v.Set("authority.system_client_ids", strings.Split(val, ","))
	}
	if val := os.Getenv("AUTH_BEARER_TOKEN"); val != "" {
		v.Set("authority.bearer_token", val)
	}
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
