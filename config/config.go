// Package config defines the Space runtime's configuration: transport
// selection, AMQP connection options, and peer-authentication settings.
// It follows the teacher's DefaultConfig()+Load(path) pattern, backed by
// gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a Space process.
type Config struct {
	Space     SpaceConfig `yaml:"space"`
	Transport string      `yaml:"transport"` // "local" or "amqp"
	AMQP      AMQPConfig  `yaml:"amqp"`
	Auth      AuthConfig  `yaml:"auth"`
	LogLevel  string      `yaml:"log_level"`
}

// SpaceConfig names the space. ID is used only for logging, not wire
// compatibility; the AMQP exchange name is AMQPConfig.Exchange.
type SpaceConfig struct {
	ID string `yaml:"id"`
}

// AMQPConfig configures the AMQP transport. DefaultConfig fills it with
// agency.amqp_space.AMQPOptions' default_amqp_options() values
// (localhost:5672, guest/guest, vhost "/"), which ApplyEnv then overrides
// from the environment; ApplyEnv alone leaves unset fields as they are.
type AMQPConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	VHost     string        `yaml:"vhost"`
	Exchange  string        `yaml:"exchange"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	UseTLS    bool          `yaml:"use_tls"`
}

// AuthConfig holds peer-admission settings for space.PeerAuth: the secret
// tokens are signed/verified with and their lifetime. No code in this
// module reads RequireAuth; Space.Add performs no token check.
type AuthConfig struct {
	RequireAuth bool          `yaml:"require_auth"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// DefaultConfig returns a config with sensible defaults: a local transport,
// info-level logging, and no peer authentication required.
func DefaultConfig() *Config {
	return &Config{
		Space:     SpaceConfig{ID: "default"},
		Transport: "local",
		AMQP: AMQPConfig{
			Host:      "localhost",
			Port:      5672,
			Username:  "guest",
			Password:  "guest",
			VHost:     "/",
			Exchange:  "space",
			Heartbeat: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file, applies it over DefaultConfig, then
// applies the AMQP_* environment variable overrides spec.md §6 requires.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// ApplyEnv overrides cfg.AMQP from AMQP_HOST/AMQP_PORT/AMQP_USERNAME/
// AMQP_PASSWORD/AMQP_VHOST, matching
// agency.amqp_space.AMQPOptions.default_amqp_options()'s environment
// lookups. Unset variables leave the existing value (YAML or default)
// untouched.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("AMQP_HOST"); ok {
		cfg.AMQP.Host = v
	}
	if v, ok := os.LookupEnv("AMQP_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.AMQP.Port = port
		}
	}
	if v, ok := os.LookupEnv("AMQP_USERNAME"); ok {
		cfg.AMQP.Username = v
	}
	if v, ok := os.LookupEnv("AMQP_PASSWORD"); ok {
		cfg.AMQP.Password = v
	}
	if v, ok := os.LookupEnv("AMQP_VHOST"); ok {
		cfg.AMQP.VHost = v
	}
}
