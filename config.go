package modelvault

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/modelvault/modelvault/cache"
)

type Config struct {
	Listen    string         `yaml:"listen" validate:"required"`
	CacheName string         `yaml:"cacheName" validate:"required"`
	Provider  ProviderConfig `yaml:"provider"`
	Upstream  UpstreamConfig `yaml:"upstream"`
	Static    StaticConfig   `yaml:"static"`
	Precache  PrecacheConfig `yaml:"precache"`
	Routes    []Rewrite      `yaml:"routes" validate:"dive"`
	TokenPath string         `yaml:"tokenPath"`
}

type ProviderConfig struct {
	Type  string      `yaml:"type" validate:"required,oneof=memory sqlite leveldb redis"`
	File  string      `yaml:"file"`
	Dir   string      `yaml:"dir"`
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type UpstreamConfig struct {
	DesignData string `yaml:"designData" validate:"required,url"`
	Derivative string `yaml:"derivative" validate:"required,url"`
	Token      string `yaml:"token" validate:"required,url"`
	Models     string `yaml:"models" validate:"omitempty,url"`
}

type StaticConfig struct {
	Dir string `yaml:"dir"`
}

type PrecacheConfig struct {
	// Static URLs: the application shell and pinned viewer-engine
	// assets. Precached at install and, like the API URLs, refreshed
	// opportunistically whenever they serve from cache.
	Static []string `yaml:"static"`
	// API URLs: first-party endpoints the viewer needs offline.
	API []string `yaml:"api"`
}

func DefaultConfig() Config {
	return Config{
		Listen:    ":8080",
		CacheName: "modelvault-v1",
		Provider: ProviderConfig{
			Type: "sqlite",
			File: "modelvault.db",
		},
		Precache: PrecacheConfig{
			Static: []string{"/"},
			API:    []string{"/api/token", "/api/models"},
		},
		TokenPath: "/api/token",
	}
}

// LoadConfig reads filename as yaml over the defaults, so a config file
// only needs the keys it changes.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	return config, config.Validate()
}

// Open builds the configured cache provider.
func (p ProviderConfig) Open() (cache.Provider, error) {
	switch p.Type {
	case "memory":
		return cache.NewMemory(), nil
	case "sqlite":
		return cache.NewSQLite(p.File)
	case "leveldb":
		return cache.NewLevelDB(p.Dir)
	case "redis":
		return cache.NewRedis(p.Redis.Addr, p.Redis.Password, p.Redis.DB)
	}
	return nil, fmt.Errorf("unknown provider type %q", p.Type)
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	switch c.Provider.Type {
	case "redis":
		if c.Provider.Redis.Addr == "" {
			return fmt.Errorf("provider.redis.addr is required for the redis provider")
		}
	case "leveldb":
		if c.Provider.Dir == "" {
			return fmt.Errorf("provider.dir is required for the leveldb provider")
		}
	}
	return nil
}
