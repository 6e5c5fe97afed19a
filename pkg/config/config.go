package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
		TLS     struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Security struct {
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"security"`
	Retention struct {
		Enabled bool   `yaml:"enabled"`
		Cron    string `yaml:"cron"`
		Period  string `yaml:"period"`
	} `yaml:"retention"`
	Validation struct {
		Required   []string `yaml:"required"`
		MaxTextLen int      `yaml:"max_text_len"`
	} `yaml:"validation"`
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	host := c.Server.Address
	port := c.Server.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 8080
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Load reads and parses the YAML config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &c, nil
}

// LoadEffective builds the effective config: file values (when the file
// exists) overridden by CHATSYNC_* environment variables. The returned
// bool reports whether any environment override was applied.
func LoadEffective(path string) (*Config, bool, error) {
	cfg := &Config{}
	if path != "" {
		if c, err := Load(path); err == nil {
			cfg = c
		} else if !os.IsNotExist(err) {
			return nil, false, err
		}
	}
	envUsed := false
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_ADDR")); v != "" {
		host, port, err := net.SplitHostPort(v)
		if err == nil {
			cfg.Server.Address = host
			if p, perr := strconv.Atoi(port); perr == nil {
				cfg.Server.Port = p
			}
			envUsed = true
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_DB_PATH")); v != "" {
		cfg.Storage.DBPath = v
		envUsed = true
	}
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
		envUsed = true
	}
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_RETENTION_CRON")); v != "" {
		cfg.Retention.Cron = v
		cfg.Retention.Enabled = true
		envUsed = true
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "./data"
	}
	return cfg, envUsed, nil
}

// ParseCommandFlags parses the standard chatsyncd flags and reports which
// were set explicitly so callers can apply flag-wins-over-config rules.
func ParseCommandFlags() (addr, db, cfgPath string, set map[string]bool) {
	a := flag.String("addr", "127.0.0.1:8080", "listen address")
	d := flag.String("db", "./data", "pebble database path")
	c := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	set = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return *a, *d, *c, set
}

// ResolveConfigPath picks the config path: explicit flag wins, then
// CHATSYNC_CONFIG, then the conventional ./chatsync.yaml.
func ResolveConfigPath(flagVal string, flagSet bool) string {
	if flagSet && flagVal != "" {
		return flagVal
	}
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_CONFIG")); v != "" {
		return v
	}
	return "chatsync.yaml"
}
