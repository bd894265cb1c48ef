package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "DRIPSYNC"
	defaultHTTPAddress   = "127.0.0.1:8080"
	defaultDatabasePath  = "dripsync.db"
	defaultLogLevel      = "info"
	defaultNodeRole      = "primary"
	defaultTransportMode = "memory"
	defaultSyncInterval  = 15 * time.Minute
	defaultTimeZone      = "Local"
)

// Transport modes selectable at startup.
const (
	TransportMemory   = "memory"
	TransportWSListen = "ws-listen"
	TransportWSDial   = "ws-dial"
)

// AppConfig captures runtime configuration for a dripsync node.
type AppConfig struct {
	NodeRole      string
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	TimeZone      string
	TransportMode string
	PeerURL       string
	PeerAddress   string
	PairingSecret string
	SyncInterval  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("node.role", defaultNodeRole)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("time.zone", defaultTimeZone)
	configViper.SetDefault("transport.mode", defaultTransportMode)
	configViper.SetDefault("transport.peer_url", "")
	configViper.SetDefault("transport.peer_address", "127.0.0.1:9090")
	configViper.SetDefault("sync.interval", defaultSyncInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		NodeRole:      configViper.GetString("node.role"),
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		TimeZone:      configViper.GetString("time.zone"),
		TransportMode: configViper.GetString("transport.mode"),
		PeerURL:       configViper.GetString("transport.peer_url"),
		PeerAddress:   configViper.GetString("transport.peer_address"),
		PairingSecret: configViper.GetString("pairing.secret"),
		SyncInterval:  configViper.GetDuration("sync.interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.NodeRole)) {
	case "primary", "companion":
	default:
		return fmt.Errorf("node.role must be primary or companion, got %q", c.NodeRole)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.TransportMode {
	case TransportMemory:
	case TransportWSListen:
		if strings.TrimSpace(c.PairingSecret) == "" {
			return fmt.Errorf("pairing.secret is required for transport mode %q", c.TransportMode)
		}
	case TransportWSDial:
		if strings.TrimSpace(c.PeerURL) == "" {
			return fmt.Errorf("transport.peer_url is required for transport mode %q", c.TransportMode)
		}
		if strings.TrimSpace(c.PairingSecret) == "" {
			return fmt.Errorf("pairing.secret is required for transport mode %q", c.TransportMode)
		}
	default:
		return fmt.Errorf("unknown transport.mode %q", c.TransportMode)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	return nil
}
