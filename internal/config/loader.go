// Package config loads the bridge configuration: a YAML file for the stable
// settings, environment variables overriding the secrets so credentials can
// stay out of the file.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full bridge configuration.
type Config struct {
	Account AccountConfig `yaml:"account"`
	Cloud   CloudConfig   `yaml:"cloud"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	API     APIConfig     `yaml:"api"`
	Store   StoreConfig   `yaml:"store"`
	Bridge  BridgeConfig  `yaml:"bridge"`
}

// AccountConfig holds the boiler cloud credentials.
type AccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CloudConfig points at the vendor cloud service.
type CloudConfig struct {
	BaseURL string `yaml:"base_url"`
}

// MQTTConfig configures the Home Assistant broker connection.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`
}

// APIConfig configures the local HTTP API.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// StoreConfig configures the SQLite history database.
type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// BridgeConfig holds bridge-level presentation settings.
type BridgeConfig struct {
	NamePrefix string `yaml:"name_prefix"`
	DataDir    string `yaml:"data_dir"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates. Path may be empty when everything comes from the
// environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv pulls secrets and connection settings from the environment.
// Environment values win over the file, so a deployment can keep credentials
// out of the YAML entirely.
func (c *Config) applyEnv() {
	overrideFromEnv(&c.Account.Username, "WEBBOILER_USERNAME")
	overrideFromEnv(&c.Account.Password, "WEBBOILER_PASSWORD")
	overrideFromEnv(&c.Cloud.BaseURL, "WEBBOILER_URL")
	overrideFromEnv(&c.MQTT.Broker, "MQTT_BROKER")
	overrideFromEnv(&c.MQTT.Username, "MQTT_USERNAME")
	overrideFromEnv(&c.MQTT.Password, "MQTT_PASSWORD")
}

func overrideFromEnv(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

func (c *Config) applyDefaults() {
	if c.Cloud.BaseURL == "" {
		c.Cloud.BaseURL = "https://www.centrometal.hr"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "boilerbridge"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "boilerbridge"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8099"
	}
	if c.Bridge.DataDir == "" {
		c.Bridge.DataDir = "data"
	}
	if c.Store.Path == "" {
		c.Store.Path = c.Bridge.DataDir + "/boilerbridge.db"
	}
	if c.Store.RetentionDays <= 0 {
		c.Store.RetentionDays = 30
	}
}

// validate fails fast on settings the bridge cannot run without.
func (c *Config) validate() error {
	var errs []error
	if c.Account.Username == "" {
		errs = append(errs, errors.New("account username is required (account.username or WEBBOILER_USERNAME)"))
	}
	if c.Account.Password == "" {
		errs = append(errs, errors.New("account password is required (account.password or WEBBOILER_PASSWORD)"))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("MQTT broker is required (mqtt.broker or MQTT_BROKER)"))
	}
	return errors.Join(errs...)
}
