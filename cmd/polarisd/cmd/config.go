package cmd

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Issuer                      string        `yaml:"issuer" validate:"required,url"`
	ListenAddr                  string        `yaml:"listen_addr"`
	SignPrivateKeyPath          string        `yaml:"sign_private_key_path"`
	ScopesSupported             []string      `yaml:"scopes_supported"`
	FirstPartyClients           []string      `yaml:"first_party_clients"`
	LoopbackScope               string        `yaml:"loopback_scope"`
	AuthenticationMaxAgeSeconds int64         `yaml:"authentication_max_age_seconds"`
	TokenMaxAgeSeconds          int64         `yaml:"token_max_age_seconds"`
	AllowPlainCodeChallenge     bool          `yaml:"allow_plain_code_challenge"`
	SecureCookies               *bool         `yaml:"secure_cookies"`
	Valkey                      *ValkeyConfig `yaml:"valkey"`
}

func (c *Config) AuthenticationMaxAge() time.Duration {
	return time.Duration(c.AuthenticationMaxAgeSeconds) * time.Second
}

func (c *Config) TokenMaxAge() time.Duration {
	return time.Duration(c.TokenMaxAgeSeconds) * time.Second
}

type ValkeyConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

func loadConfig(filename string) (*Config, error) {
	cfg := new(Config)
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file '%s': %w", filename, err)
	}
	if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config file '%s': %w", filename, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("yaml")
	})
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config file '%s': %w", filename, err)
	}
	return cfg, nil
}
