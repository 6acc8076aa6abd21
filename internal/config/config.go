// Package config loads the YAML settings shared by the convlog CLI and the
// relay. Environment variables override the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		Home        string      `yaml:"home"`
		Log         Log         `yaml:"log"`
		Relay       Relay       `yaml:"relay"`
		Mongo       Mongo       `yaml:"mongo"`
		Redis       Redis       `yaml:"redis"`
		Index       Index       `yaml:"index"`
		Credentials Credentials `yaml:"credentials"`
		Sync        Sync        `yaml:"sync"`
		Recovery    Recovery    `yaml:"recovery"`
	}

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	}

	Relay struct {
		// Listen is where cmd/relay serves; URL is where clients reach it.
		Listen  string        `yaml:"listen"`
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	}

	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	Index struct {
		Path string `yaml:"path"`
	}

	Credentials struct {
		Backend string `yaml:"backend"`
		// Dir holds the file backend's sealed keys. Defaults to Home/credentials.
		Dir          string `yaml:"dir"`
		Passphrase   string `yaml:"passphrase"`
		AccessPolicy string `yaml:"accessPolicy"`
	}

	Sync struct {
		Concurrency int `yaml:"concurrency"`
	}

	Recovery struct {
		Timeout time.Duration `yaml:"timeout"`
	}
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendFile   = "file"
)

func Default() Config {
	return Config{
		Log:         Log{Level: "info"},
		Relay:       Relay{Listen: "localhost:9090", URL: "http://localhost:9090", Timeout: 10 * time.Second},
		Mongo:       Mongo{URI: "mongodb://localhost:27017", Database: "convlog"},
		Redis:       Redis{Addr: "localhost:6379"},
		Credentials: Credentials{Backend: BackendRedis, AccessPolicy: "when-unlocked-this-device"},
		Sync:        Sync{Concurrency: 3},
		Recovery:    Recovery{Timeout: 10 * time.Second},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"CONVLOG_HOME":                  &c.Home,
		"CONVLOG_LOG_LEVEL":             &c.Log.Level,
		"CONVLOG_RELAY_LISTEN":          &c.Relay.Listen,
		"CONVLOG_RELAY_URL":             &c.Relay.URL,
		"CONVLOG_MONGO_URI":             &c.Mongo.URI,
		"CONVLOG_MONGO_DATABASE":        &c.Mongo.Database,
		"CONVLOG_REDIS_ADDR":            &c.Redis.Addr,
		"CONVLOG_REDIS_PASSWORD":        &c.Redis.Password,
		"CONVLOG_INDEX_PATH":            &c.Index.Path,
		"CONVLOG_CREDENTIAL_BACKEND":    &c.Credentials.Backend,
		"CONVLOG_CREDENTIAL_DIR":        &c.Credentials.Dir,
		"CONVLOG_CREDENTIAL_PASSPHRASE": &c.Credentials.Passphrase,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	if v, ok := lookup("CONVLOG_SYNC_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONVLOG_SYNC_CONCURRENCY: %w", err)
		}
		c.Sync.Concurrency = n
	}
	if v, ok := lookup("CONVLOG_RECOVERY_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONVLOG_RECOVERY_TIMEOUT: %w", err)
		}
		c.Recovery.Timeout = d
	}
	return nil
}

// finish fills paths derived from Home and rejects unusable values.
func (c *Config) finish() error {
	if c.Home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("home: %w", err)
		}
		c.Home = filepath.Join(dir, ".convlog")
	}
	if c.Index.Path == "" {
		c.Index.Path = filepath.Join(c.Home, "index.db")
	}

	if c.Credentials.Dir == "" {
		c.Credentials.Dir = filepath.Join(c.Home, "credentials")
	}

	switch c.Credentials.Backend {
	case BackendMemory, BackendRedis, BackendFile:
	default:
		return fmt.Errorf("credentials.backend: unknown backend %q", c.Credentials.Backend)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Recovery.Timeout <= 0 {
		return fmt.Errorf("recovery.timeout must be positive, got %s", c.Recovery.Timeout)
	}
	return nil
}
