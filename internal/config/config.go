// Package config loads filesystem configuration from the environment and
// an optional YAML file: environment variables win, the file fills
// whatever they leave unset, and built-in defaults fill the rest.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/imdario/mergo"
	"gopkg.in/yaml.v3"
)

// Config holds everything needed to construct the metadata store, the ROC,
// and the mount driver.
type Config struct {
	AppID       string `yaml:"appID"`
	AppHash     string `yaml:"appHash"`
	SessionName string `yaml:"sessionName"`
	ChannelLink string `yaml:"channelLink"`

	// EncryptionKey, if non-empty, is used to derive a symmetric
	// authenticated-encryption key for file content. Empty means content
	// is stored in clear.
	EncryptionKey string `yaml:"encryptionKey"`

	// ChannelEndpoint is the base URL for the HTTP channel implementation.
	// Empty means the in-memory channel is used instead.
	ChannelEndpoint string `yaml:"channelEndpoint"`

	DBPath        string `yaml:"dbPath"`
	CacheMaxBytes int64  `yaml:"cacheMaxBytes"`
	FileMaxSize   int64  `yaml:"fileMaxSize"`
	LogLevel      string `yaml:"logLevel"`
}

// defaults returns the built-in configuration used when neither the
// environment nor a config file set a value.
func defaults() Config {
	return Config{
		DBPath:        "telegram.db",
		CacheMaxBytes: 5_000_000_000,
		FileMaxSize:   2_000_000_000,
		LogLevel:      "info",
	}
}

// fromEnv reads configuration from the process environment, leaving unset
// variables as the zero value so a subsequent file merge can fill them in.
func fromEnv() Config {
	c := Config{
		AppID:           os.Getenv("APP_ID"),
		AppHash:         os.Getenv("APP_HASH"),
		SessionName:     os.Getenv("SESSION_NAME"),
		ChannelLink:     os.Getenv("CHANNEL_LINK"),
		EncryptionKey:   os.Getenv("ENCRYPTION_KEY"),
		ChannelEndpoint: os.Getenv("CHANNEL_ENDPOINT"),
		DBPath:          os.Getenv("DB_PATH"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
	}
	if v := os.Getenv("CACHE_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.CacheMaxBytes = n
		}
	}
	if v := os.Getenv("FILE_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.FileMaxSize = n
		}
	}
	return c
}

// Load builds the effective configuration: environment variables take
// priority; any field left unset is filled in from the YAML file at path
// (if path is non-empty), and anything still unset falls back to defaults.
func Load(path string) (*Config, error) {
	cfg := fromEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		// mergo.Merge only fills zero-valued fields of cfg from fileCfg,
		// so already-set environment values win.
		if err := mergo.Merge(&cfg, fileCfg); err != nil {
			return nil, fmt.Errorf("config: merging %s: %w", path, err)
		}
	}

	def := defaults()
	if err := mergo.Merge(&cfg, def); err != nil {
		return nil, fmt.Errorf("config: applying defaults: %w", err)
	}
	return &cfg, nil
}
