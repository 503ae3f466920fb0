// Package config handles loading, validating, and managing configuration
// for the webpcdn picture rewriter.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultQuality is used when no usable quality value is configured.
const DefaultQuality = 80

// Metadata sources understood by MetadataConfig.Source.
const (
	MetadataNone   = "none"
	MetadataFile   = "file"
	MetadataSQLite = "sqlite"
)

// DefaultSizeClasses lists the size-name class tokens (without the "size-"
// prefix) that mark an <img> as produced by the platform's image pipeline.
var DefaultSizeClasses = []string{
	"thumbnail",
	"medium",
	"large",
	"full",
	"miniature-article",
	"contenu-alterné",
	"carré",
	"témoignage",
}

// DefaultSkipPaths lists the request path prefixes of the platform's
// back office, whose pages are relayed without rewriting.
var DefaultSkipPaths = []string{
	"/wp-admin/",
	"/wp-login.php",
}

// Config is the top-level configuration.
type Config struct {
	WebP     WebPConfig     `yaml:"webp"     mapstructure:"webp"`
	Metadata MetadataConfig `yaml:"metadata" mapstructure:"metadata"`
	Server   ServerConfig   `yaml:"server"   mapstructure:"server"`
	Proxy    ProxyConfig    `yaml:"proxy"    mapstructure:"proxy"`
	Batch    BatchConfig    `yaml:"batch"    mapstructure:"batch"`
}

// WebPConfig controls the <img> to <picture> rewrite.
type WebPConfig struct {
	Enabled     bool     `yaml:"enabled"     mapstructure:"enabled"`
	Enhanced    bool     `yaml:"enhanced"    mapstructure:"enhanced"`
	Debug       bool     `yaml:"debug"       mapstructure:"debug"`
	Quality     int      `yaml:"quality"     mapstructure:"quality"`
	SizeClasses []string `yaml:"sizeClasses" mapstructure:"sizeClasses"`
}

// MetadataConfig selects where attachment size variants are read from.
type MetadataConfig struct {
	Source string `yaml:"source" mapstructure:"source"`
	Path   string `yaml:"path"   mapstructure:"path"`
}

// ServerConfig controls the local preview server.
type ServerConfig struct {
	Port       int    `yaml:"port"       mapstructure:"port"`
	Host       string `yaml:"host"       mapstructure:"host"`
	LiveReload bool   `yaml:"livereload" mapstructure:"livereload"`
}

// ProxyConfig controls the rewriting reverse proxy.
type ProxyConfig struct {
	Upstream  string   `yaml:"upstream"  mapstructure:"upstream"`
	Listen    string   `yaml:"listen"    mapstructure:"listen"`
	SkipPaths []string `yaml:"skipPaths" mapstructure:"skipPaths"`
}

// BatchConfig controls offline rewriting of HTML trees.
type BatchConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// Default returns a Config populated with sensible default values.
func Default() *Config {
	return &Config{
		WebP: WebPConfig{
			Enabled:     true,
			Enhanced:    true,
			Debug:       false,
			Quality:     DefaultQuality,
			SizeClasses: append([]string(nil), DefaultSizeClasses...),
		},
		Metadata: MetadataConfig{
			Source: MetadataNone,
		},
		Server: ServerConfig{
			Port:       1414,
			Host:       "localhost",
			LiveReload: true,
		},
		Proxy: ProxyConfig{
			Listen:    ":8080",
			SkipPaths: append([]string(nil), DefaultSkipPaths...),
		},
	}
}

// Load reads a configuration file from configPath (YAML or TOML) and returns
// a Config with defaults applied first and file values overlaid on top.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	v := viper.New()

	ext := strings.TrimPrefix(filepath.Ext(configPath), ".")
	switch ext {
	case "yaml", "yml":
		v.SetConfigType("yaml")
	case "toml":
		v.SetConfigType("toml")
	default:
		v.SetConfigType("yaml")
	}

	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.WebP.Quality = SanitizeQuality(cfg.WebP.Quality)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load, except that a missing file yields the
// default configuration when optional is true.
func LoadOrDefault(configPath string, optional bool) (*Config, error) {
	if optional {
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
	}
	return Load(configPath)
}

// SanitizeQuality coerces a configured quality into the 1..100 range.
// Non-positive values fall back to DefaultQuality.
func SanitizeQuality(q int) int {
	if q <= 0 {
		return DefaultQuality
	}
	return max(1, min(100, q))
}

// Validate checks the Config for common errors.
// It returns a descriptive error if:
//   - the metadata source is unknown
//   - a file or sqlite metadata source has no path
//   - the proxy upstream is not an absolute http(s) URL
//   - a proxy skip path does not start with "/"
//   - the batch worker count is negative
func (c *Config) Validate() error {
	switch c.Metadata.Source {
	case "", MetadataNone:
	case MetadataFile, MetadataSQLite:
		if strings.TrimSpace(c.Metadata.Path) == "" {
			return fmt.Errorf("config: metadata.path is required for source %q", c.Metadata.Source)
		}
	default:
		return fmt.Errorf("config: unknown metadata source %q", c.Metadata.Source)
	}

	if c.Proxy.Upstream != "" {
		u, err := url.Parse(c.Proxy.Upstream)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: proxy.upstream must be an absolute http(s) URL (got %q)", c.Proxy.Upstream)
		}
	}

	for _, p := range c.Proxy.SkipPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: proxy.skipPaths entries must start with \"/\" (got %q)", p)
		}
	}

	if c.Batch.Workers < 0 {
		return fmt.Errorf("config: batch.workers must not be negative (got %d)", c.Batch.Workers)
	}

	return nil
}

// WithOverrides applies CLI flag overrides to the config. Known keys are
// mapped to their corresponding struct fields. The modified config is returned
// for convenient chaining.
func (c *Config) WithOverrides(overrides map[string]any) *Config {
	for key, val := range overrides {
		switch key {
		case "enabled":
			if b, ok := val.(bool); ok {
				c.WebP.Enabled = b
			}
		case "enhanced":
			if b, ok := val.(bool); ok {
				c.WebP.Enhanced = b
			}
		case "debug":
			if b, ok := val.(bool); ok {
				c.WebP.Debug = b
			}
		case "quality":
			if n, ok := val.(int); ok {
				c.WebP.Quality = SanitizeQuality(n)
			}
		case "metadataSource":
			if s, ok := val.(string); ok {
				c.Metadata.Source = s
			}
		case "metadataPath":
			if s, ok := val.(string); ok {
				c.Metadata.Path = s
			}
		case "port":
			if n, ok := val.(int); ok {
				c.Server.Port = n
			}
		case "host":
			if s, ok := val.(string); ok {
				c.Server.Host = s
			}
		case "livereload":
			if b, ok := val.(bool); ok {
				c.Server.LiveReload = b
			}
		case "upstream":
			if s, ok := val.(string); ok {
				c.Proxy.Upstream = s
			}
		case "listen":
			if s, ok := val.(string); ok {
				c.Proxy.Listen = s
			}
		case "skipPaths":
			if paths, ok := val.([]string); ok {
				c.Proxy.SkipPaths = paths
			}
		case "workers":
			if n, ok := val.(int); ok {
				c.Batch.Workers = n
			}
		}
	}
	return c
}
