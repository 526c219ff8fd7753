// Package config holds the explicit configuration value of a lobby node.
// Nothing in the connection layer reads global settings: the Config is built
// once and passed to the roster and the network IO.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the node configuration.
type Config struct {
	Network struct {
		// ListenHost is the host part of both listen addresses; empty means all interfaces.
		ListenHost     string        `yaml:"listen_host"`
		TCPPort        uint16        `yaml:"tcp_port"`
		UDPPort        uint16        `yaml:"udp_port"`
		DialTimeout    time.Duration `yaml:"dial_timeout"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		DialsPerSecond float64       `yaml:"dials_per_second"`
		DialBurst      int           `yaml:"dial_burst"`
		// STUNServers are queried for the externally visible UDP endpoint.
		STUNServers    []string      `yaml:"stun_servers"`
	} `yaml:"network"`

	Connect struct {
		MaxAddresses    int           `yaml:"max_addresses"`
		ConnectAttempts int           `yaml:"connect_attempts"`
		ConnectInterval time.Duration `yaml:"connect_interval"`
		RecheckInterval time.Duration `yaml:"recheck_interval"`
		SimOpenMaxDelay time.Duration `yaml:"sim_open_max_delay"`
		TickInterval    time.Duration `yaml:"tick_interval"`
	} `yaml:"connect"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled   bool   `yaml:"enabled"`
		Namespace string `yaml:"namespace"`
		Address   string `yaml:"address"`
	} `yaml:"metrics"`
}

// Default returns the configuration with the stock values.
func Default() *Config {
	cfg := &Config{}

	cfg.Network.TCPPort = 11112
	cfg.Network.UDPPort = 11113
	cfg.Network.DialTimeout = 5 * time.Second
	cfg.Network.PingInterval = time.Second
	cfg.Network.DialsPerSecond = 20
	cfg.Network.DialBurst = 10

	cfg.Connect.MaxAddresses = 20
	cfg.Connect.ConnectAttempts = 3
	cfg.Connect.ConnectInterval = 6 * time.Second
	cfg.Connect.RecheckInterval = 10 * time.Second
	cfg.Connect.SimOpenMaxDelay = 10 * time.Millisecond
	cfg.Connect.TickInterval = 100 * time.Millisecond

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Metrics.Enabled = false
	cfg.Metrics.Namespace = "lobbynet"
	cfg.Metrics.Address = ":9090"

	return cfg
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     path,
		}).Info("Config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if level := os.Getenv("LOBBYNET_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	for env, dst := range map[string]*uint16{
		"LOBBYNET_TCP_PORT": &c.Network.TCPPort,
		"LOBBYNET_UDP_PORT": &c.Network.UDPPort,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalidConfig, env, v)
		}
		*dst = uint16(port)
	}
	return nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Network.TCPPort == 0 && c.Network.UDPPort == 0 {
		return fmt.Errorf("%w: at least one of network.tcp_port and network.udp_port must be set", ErrInvalidConfig)
	}
	if c.Network.DialTimeout <= 0 {
		return fmt.Errorf("%w: network.dial_timeout must be > 0", ErrInvalidConfig)
	}
	if c.Network.PingInterval <= 0 {
		return fmt.Errorf("%w: network.ping_interval must be > 0", ErrInvalidConfig)
	}
	if c.Network.DialsPerSecond <= 0 || c.Network.DialBurst <= 0 {
		return fmt.Errorf("%w: network.dials_per_second and network.dial_burst must be > 0", ErrInvalidConfig)
	}

	if c.Connect.MaxAddresses <= 0 {
		return fmt.Errorf("%w: connect.max_addresses must be > 0", ErrInvalidConfig)
	}
	if c.Connect.ConnectAttempts <= 0 {
		return fmt.Errorf("%w: connect.connect_attempts must be > 0", ErrInvalidConfig)
	}
	if c.Connect.ConnectInterval <= 0 || c.Connect.RecheckInterval <= 0 {
		return fmt.Errorf("%w: connect.connect_interval and connect.recheck_interval must be > 0", ErrInvalidConfig)
	}
	if c.Connect.SimOpenMaxDelay < 0 {
		return fmt.Errorf("%w: connect.sim_open_max_delay must be >= 0", ErrInvalidConfig)
	}
	if c.Connect.TickInterval <= 0 {
		return fmt.Errorf("%w: connect.tick_interval must be > 0", ErrInvalidConfig)
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("%w: logging.format must be text or json", ErrInvalidConfig)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("%w: metrics.address must be set when metrics are enabled", ErrInvalidConfig)
	}
	return nil
}

// TCPAddr returns the stream listen address, or "" when TCP is disabled.
func (c *Config) TCPAddr() string {
	return listenAddr(c.Network.ListenHost, c.Network.TCPPort)
}

// UDPAddr returns the datagram listen address, or "" when UDP is disabled.
func (c *Config) UDPAddr() string {
	return listenAddr(c.Network.ListenHost, c.Network.UDPPort)
}

func listenAddr(host string, port uint16) string {
	if port == 0 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// ApplyLogging configures the standard logrus logger from c.Logging.
func (c *Config) ApplyLogging() error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	logrus.SetLevel(level)

	switch c.Logging.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
