package util

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "federator"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type DeliveryConf struct {
	BatchSize         int             `yaml:"batchSize"`
	WorkerInterval    time.Duration   `yaml:"workerInterval"`
	Concurrency       int             `yaml:"concurrency"`
	Timeout           time.Duration   `yaml:"timeout"`
	MaxAttempts       int             `yaml:"maxAttempts"`
	Backoff           []time.Duration `yaml:"backoff"`
	PermanentStatuses []int           `yaml:"permanentStatuses"`
}

type MaintenanceConf struct {
	Interval        time.Duration `yaml:"interval"`
	OutdatedAge     time.Duration `yaml:"outdatedAge"`
	FaultyThreshold int           `yaml:"faultyThreshold"`
	EvictAfter      int           `yaml:"evictAfter"`
	LockTimeout     time.Duration `yaml:"lockTimeout"`
	Batch           int           `yaml:"batch"`
}

type SignatureConf struct {
	MaxClockSkew time.Duration `yaml:"maxClockSkew"`
}

type AppConfig struct {
	Conf struct {
		Host      string
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`
		Database  string
		UserAgent string `yaml:"userAgent"`
		LogLevel  string `yaml:"logLevel"`
		WithInbox bool   `yaml:"withInbox"`
	}
	Delivery    DeliveryConf    `yaml:"delivery"`
	Relays      []string        `yaml:"relays"`
	Maintenance MaintenanceConf `yaml:"maintenance"`
	Signature   SignatureConf   `yaml:"signature"`
}

// ReadConf reads config.yaml from the working directory or the user config dir
func ReadConf() (*AppConfig, error) {
	return ReadConfFrom(ResolveFilePath(ConfigFileName))
}

// ReadConfFrom reads the given file, falling back to the embedded defaults
// when it does not exist.
func ReadConfFrom(configPath string) (*AppConfig, error) {
	c := &AppConfig{}

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if _, statErr := os.Stat(userConfigPath); os.IsNotExist(statErr) {
				if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
					log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
				} else {
					log.Info("Created default config file", "path", userConfigPath)
				}
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnv(c)
	c.applyDefaults()

	return c, nil
}

// DefaultConf returns the embedded configuration without environment overrides
func DefaultConf() *AppConfig {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		log.Warn("Embedded config is invalid", "err", err)
	}
	c.applyDefaults()
	return c
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("FEDERATOR_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("FEDERATOR_HTTPPORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Conf.HttpPort = port
		} else {
			log.Warn("Ignoring FEDERATOR_HTTPPORT", "err", err)
		}
	}
	if v := os.Getenv("FEDERATOR_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("FEDERATOR_DATABASE"); v != "" {
		c.Conf.Database = v
	}
	if v := os.Getenv("FEDERATOR_LOGLEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("FEDERATOR_WITH_INBOX"); v != "" {
		c.Conf.WithInbox = v == "true"
	}
	if v := os.Getenv("FEDERATOR_BATCHSIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.Delivery.BatchSize = size
		} else {
			log.Warn("Ignoring FEDERATOR_BATCHSIZE", "err", err)
		}
	}
	if v := os.Getenv("FEDERATOR_MAXATTEMPTS"); v != "" {
		if attempts, err := strconv.Atoi(v); err == nil {
			c.Delivery.MaxAttempts = attempts
		} else {
			log.Warn("Ignoring FEDERATOR_MAXATTEMPTS", "err", err)
		}
	}
	if v := os.Getenv("FEDERATOR_RELAYS"); v != "" {
		c.Relays = nil
		for _, relay := range strings.Split(v, ",") {
			if relay = strings.TrimSpace(relay); relay != "" {
				c.Relays = append(c.Relays, relay)
			}
		}
	}
}

func (c *AppConfig) applyDefaults() {
	if c.Conf.Database == "" {
		c.Conf.Database = "database.db"
	}
	if c.Conf.UserAgent == "" {
		c.Conf.UserAgent = GetNameAndVersion() + " ActivityPub"
	}
	if c.Delivery.BatchSize <= 0 {
		c.Delivery.BatchSize = 50
	}
	if c.Delivery.WorkerInterval <= 0 {
		c.Delivery.WorkerInterval = 10 * time.Second
	}
	if c.Delivery.Concurrency <= 0 {
		c.Delivery.Concurrency = 4
	}
	if c.Delivery.Timeout <= 0 {
		c.Delivery.Timeout = 30 * time.Second
	}
	if c.Delivery.MaxAttempts <= 0 {
		c.Delivery.MaxAttempts = 10
	}
	if len(c.Delivery.Backoff) == 0 {
		c.Delivery.Backoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 4 * time.Hour, 24 * time.Hour}
	}
	if c.Delivery.PermanentStatuses == nil {
		c.Delivery.PermanentStatuses = []int{400, 403, 404, 405, 410, 422}
	}
	if c.Maintenance.Interval <= 0 {
		c.Maintenance.Interval = time.Hour
	}
	if c.Maintenance.OutdatedAge <= 0 {
		c.Maintenance.OutdatedAge = 7 * 24 * time.Hour
	}
	if c.Maintenance.FaultyThreshold <= 0 {
		c.Maintenance.FaultyThreshold = 5
	}
	if c.Maintenance.EvictAfter <= 0 {
		c.Maintenance.EvictAfter = 2 * c.Maintenance.FaultyThreshold
	}
	if c.Maintenance.LockTimeout <= 0 {
		c.Maintenance.LockTimeout = 10 * time.Minute
	}
	if c.Maintenance.Batch <= 0 {
		c.Maintenance.Batch = 50
	}
}

// ParseLogLevel maps the configured level onto the logger, defaulting to info
func (c *AppConfig) ParseLogLevel() log.Level {
	level, err := log.ParseLevel(c.Conf.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}
