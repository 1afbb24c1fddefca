// Package config loads the server configuration: a YAML file overlaid
// with TABULA_* environment variables, then validated before the engine
// is wired.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tabula-io/tabula/tenancy"
)

// Config is the root document.
type Config struct {
	Server      Server                `yaml:"server"`
	Log         Log                   `yaml:"log"`
	Metadata    Metadata              `yaml:"metadata"`
	Datasources map[string]Datasource `yaml:"datasources" validate:"required,min=1,dive"`
	// DefaultDatasource names the datasource objects fall back to when
	// their definition declares none.
	DefaultDatasource string     `yaml:"default_datasource" validate:"required"`
	Tenancy           Tenancy    `yaml:"tenancy"`
	Validation        Validation `yaml:"validation"`
	Cache             Cache      `yaml:"cache"`
}

// Duration decodes the YAML notations "10s" and bare seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string or seconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Server tunes the HTTP listener.
type Server struct {
	Addr            string   `yaml:"addr" validate:"required,hostname_port"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Log tunes the zap logger.
type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Metadata points at the object and role definition directory.
type Metadata struct {
	Dir string `yaml:"dir" validate:"required"`
}

// Datasource declares one storage back-end.
type Datasource struct {
	Driver string `yaml:"driver" validate:"required,oneof=mem sqlite postgres mysql mongo"`
	// DSN is the connection string; the mem driver needs none.
	DSN string `yaml:"dsn" validate:"required_unless=Driver mem"`
	// Database selects the logical database for drivers whose DSN does
	// not carry it (mongo).
	Database string `yaml:"database" validate:"required_if=Driver mongo"`
}

// Tenancy carries the isolation knobs into the tenancy plugin.
type Tenancy struct {
	Enabled              bool     `yaml:"enabled"`
	TenantField          string   `yaml:"tenant_field"`
	Strict               bool     `yaml:"strict"`
	ExemptObjects        []string `yaml:"exempt_objects"`
	EnableAudit          bool     `yaml:"enable_audit"`
	ThrowOnMissingTenant bool     `yaml:"throw_on_missing_tenant"`
}

// PluginConfig converts the section into the plugin's own form.
func (t Tenancy) PluginConfig() tenancy.Config {
	return tenancy.Config{
		TenantField:          t.TenantField,
		Strict:               t.Strict,
		ExemptObjects:        t.ExemptObjects,
		EnableAudit:          t.EnableAudit,
		ThrowOnMissingTenant: t.ThrowOnMissingTenant,
	}
}

// Validation selects the message language and its fallback chain.
type Validation struct {
	Language  string   `yaml:"language"`
	Fallbacks []string `yaml:"fallbacks"`
}

// Cache enables the query result cache.
type Cache struct {
	Backend string   `yaml:"backend" validate:"omitempty,oneof=memory redis"`
	Addr    string   `yaml:"addr" validate:"required_if=Backend redis"`
	TTL     Duration `yaml:"ttl"`
}

// Default returns the baseline configuration: a mem datasource, console
// logging and no tenancy. Suitable for local development.
func Default() *Config {
	return &Config{
		Server:            Server{Addr: ":8080", ShutdownTimeout: Duration(10 * time.Second)},
		Log:               Log{Level: "info", Format: "json"},
		Metadata:          Metadata{Dir: "metadata"},
		Datasources:       map[string]Datasource{"default": {Driver: "mem"}},
		DefaultDatasource: "default",
		Tenancy:           Tenancy{TenantField: "tenant_id"},
		Cache:             Cache{TTL: Duration(time.Minute)},
	}
}

// Load reads the file when path is non-empty, overlays the environment
// and validates the result. An empty path starts from Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("config: %s fails %q validation", e.Namespace(), e.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if _, ok := c.Datasources[c.DefaultDatasource]; !ok {
		return fmt.Errorf("config: default datasource %q is not declared", c.DefaultDatasource)
	}
	return nil
}

// applyEnv overlays TABULA_* variables onto the loaded document. Only
// scalar knobs are exposed this way; structured sections stay in YAML.
func (c *Config) applyEnv() {
	c.Server.Addr = envOr("TABULA_ADDR", c.Server.Addr)
	c.Log.Level = envOr("TABULA_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("TABULA_LOG_FORMAT", c.Log.Format)
	c.Metadata.Dir = envOr("TABULA_METADATA_DIR", c.Metadata.Dir)
	c.DefaultDatasource = envOr("TABULA_DEFAULT_DATASOURCE", c.DefaultDatasource)
	c.Tenancy.TenantField = envOr("TABULA_TENANT_FIELD", c.Tenancy.TenantField)
	c.Tenancy.Enabled = envBool("TABULA_TENANCY_ENABLED", c.Tenancy.Enabled)
	c.Tenancy.Strict = envBool("TABULA_TENANCY_STRICT", c.Tenancy.Strict)
	c.Validation.Language = envOr("TABULA_LANGUAGE", c.Validation.Language)
	c.Cache.Backend = envOr("TABULA_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.Addr = envOr("TABULA_CACHE_ADDR", c.Cache.Addr)
	if v := os.Getenv("TABULA_EXEMPT_OBJECTS"); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		c.Tenancy.ExemptObjects = out
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
