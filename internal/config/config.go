package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration
type Config struct {
	API      APIConfig      `yaml:"api"`
	AMI      AMIConfig      `yaml:"ami"`
	Database DatabaseConfig `yaml:"database"`
	Dialer   DialerConfig   `yaml:"dialer"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
	JWTSecret  string `yaml:"jwt_secret"`
}

type AMIConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Username          string `yaml:"username"`
	Secret            string `yaml:"secret"`
	Context           string `yaml:"context"`
	ReconnectInterval int    `yaml:"reconnect_interval"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type DialerConfig struct {
	PollIntervalMS    int `yaml:"poll_interval_ms"`
	OriginateTimeoutS int `yaml:"originate_timeout_s"`
	StatusBroadcastS  int `yaml:"status_broadcast_s"`
	MaxCallDurationS  int `yaml:"max_call_duration_s"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML configuration file and applies env overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	return &cfg, nil
}

// overrideWithEnv lets secrets come from the environment instead of the
// config file
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("TRUNKDIAL_AMI_USERNAME"); v != "" {
		cfg.AMI.Username = v
	}
	if v := os.Getenv("TRUNKDIAL_AMI_SECRET"); v != "" {
		cfg.AMI.Secret = v
	}
	if v := os.Getenv("TRUNKDIAL_DB_USERNAME"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("TRUNKDIAL_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("TRUNKDIAL_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("TRUNKDIAL_DB_DATABASE"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("TRUNKDIAL_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.AMI.Context == "" {
		c.AMI.Context = "trunkdial-out"
	}
	if c.AMI.ReconnectInterval <= 0 {
		c.AMI.ReconnectInterval = 5
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Dialer.PollIntervalMS <= 0 {
		c.Dialer.PollIntervalMS = 500
	}
	if c.Dialer.OriginateTimeoutS <= 0 {
		c.Dialer.OriginateTimeoutS = 45
	}
	if c.Dialer.StatusBroadcastS <= 0 {
		c.Dialer.StatusBroadcastS = 3
	}
	if c.Dialer.MaxCallDurationS <= 0 {
		c.Dialer.MaxCallDurationS = 600
	}
}

// Address returns the bind address of the API server
func (a APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Address returns the AMI endpoint address
func (a AMIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// DSN returns the MySQL Data Source Name
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}

// PollInterval returns the scheduler poll interval as a duration
func (d DialerConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

// OriginateTimeout returns the per-call origination timeout
func (d DialerConfig) OriginateTimeout() time.Duration {
	return time.Duration(d.OriginateTimeoutS) * time.Second
}

// StatusBroadcast returns the monitor broadcast interval
func (d DialerConfig) StatusBroadcast() time.Duration {
	return time.Duration(d.StatusBroadcastS) * time.Second
}

// MaxCallDuration returns how long a call may stay in flight before the
// scheduler writes it off as lost
func (d DialerConfig) MaxCallDuration() time.Duration {
	return time.Duration(d.MaxCallDurationS) * time.Second
}
