// Package config loads daemon configuration from a JSON file via
// viper, with defaults for every key so an empty file is a working
// setup.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// TransportConfig holds peer connectivity settings.
type TransportConfig struct {
	ListenAddr        string        `json:"listenAddr" mapstructure:"listenAddr"`
	RelayURL          string        `json:"relayUrl" mapstructure:"relayUrl"`
	MDNSEnabled       bool          `json:"mdnsEnabled" mapstructure:"mdnsEnabled"`
	ReconcileInterval time.Duration `json:"reconcileInterval" mapstructure:"reconcileInterval"`
	SendBuffer        int           `json:"sendBuffer" mapstructure:"sendBuffer"`
}

// PresenceConfig holds the liveness state machine thresholds.
type PresenceConfig struct {
	TickInterval time.Duration `json:"tickInterval" mapstructure:"tickInterval"`
	StaleAfter   time.Duration `json:"staleAfter" mapstructure:"staleAfter"`
	OfflineAfter time.Duration `json:"offlineAfter" mapstructure:"offlineAfter"`
}

// PredictConfig holds dead-reckoning settings.
type PredictConfig struct {
	ExtrapolationCap time.Duration `json:"extrapolationCap" mapstructure:"extrapolationCap"`
}

// OplogConfig holds durable operation log settings. Backend is
// "sqlite" for on-device storage or "postgres" for a relay.
type OplogConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Backend  string `json:"backend" mapstructure:"backend"`
	Path     string `json:"path" mapstructure:"path"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// InfluxConfig holds sync metrics reporting settings.
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// GraylogConfig holds remote log shipping settings.
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("callsign", "")
	viper.SetDefault("identityFile", "./tacsync.identity.json")

	viper.SetDefault("transport.listenAddr", ":7354")
	viper.SetDefault("transport.relayUrl", "")
	viper.SetDefault("transport.mdnsEnabled", true)
	viper.SetDefault("transport.reconcileInterval", "10s")
	viper.SetDefault("transport.sendBuffer", 256)

	viper.SetDefault("presence.tickInterval", "5s")
	viper.SetDefault("presence.staleAfter", "30s")
	viper.SetDefault("presence.offlineAfter", "300s")

	viper.SetDefault("predict.extrapolationCap", "10s")

	viper.SetDefault("oplog.enabled", true)
	viper.SetDefault("oplog.backend", "sqlite")
	viper.SetDefault("oplog.path", "./tacsync.db")
	viper.SetDefault("oplog.host", "localhost")
	viper.SetDefault("oplog.port", "5432")
	viper.SetDefault("oplog.username", "postgres")
	viper.SetDefault("oplog.password", "postgres")
	viper.SetDefault("oplog.database", "tacsync")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "tacsync-metrics")
	viper.SetDefault("influx.bucket", "sync")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetConfigName("tacsync.cfg.json")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetTransportConfig returns the typed transport section.
func GetTransportConfig() TransportConfig {
	return TransportConfig{
		ListenAddr:        viper.GetString("transport.listenAddr"),
		RelayURL:          viper.GetString("transport.relayUrl"),
		MDNSEnabled:       viper.GetBool("transport.mdnsEnabled"),
		ReconcileInterval: viper.GetDuration("transport.reconcileInterval"),
		SendBuffer:        viper.GetInt("transport.sendBuffer"),
	}
}

// GetPresenceConfig returns the typed presence section.
func GetPresenceConfig() PresenceConfig {
	return PresenceConfig{
		TickInterval: viper.GetDuration("presence.tickInterval"),
		StaleAfter:   viper.GetDuration("presence.staleAfter"),
		OfflineAfter: viper.GetDuration("presence.offlineAfter"),
	}
}

// GetPredictConfig returns the typed prediction section.
func GetPredictConfig() PredictConfig {
	return PredictConfig{
		ExtrapolationCap: viper.GetDuration("predict.extrapolationCap"),
	}
}

// GetOplogConfig returns the typed oplog section.
func GetOplogConfig() OplogConfig {
	return OplogConfig{
		Enabled:  viper.GetBool("oplog.enabled"),
		Backend:  viper.GetString("oplog.backend"),
		Path:     viper.GetString("oplog.path"),
		Host:     viper.GetString("oplog.host"),
		Port:     viper.GetString("oplog.port"),
		Username: viper.GetString("oplog.username"),
		Password: viper.GetString("oplog.password"),
		Database: viper.GetString("oplog.database"),
	}
}

// GetInfluxConfig returns the typed influx section.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Protocol: viper.GetString("influx.protocol"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// GetGraylogConfig returns the typed graylog section.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}
