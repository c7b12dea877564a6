package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the top-level configuration
type Config struct {
	Decoy       DecoyConfig       `mapstructure:"decoy"`
	Anomaly     AnomalyConfig     `mapstructure:"anomaly"`
	Containment ContainmentConfig `mapstructure:"containment"`
	Integrity   IntegrityConfig   `mapstructure:"integrity"`
	Forensics   ForensicsConfig   `mapstructure:"forensics"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	API         APIConfig         `mapstructure:"api"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// DecoyService describes one simulated service exposed by the listener.
type DecoyService struct {
	Name           string   `mapstructure:"name"`
	Port           int      `mapstructure:"port"`
	Banner         string   `mapstructure:"banner"`
	DecoyArtifacts []string `mapstructure:"decoy_artifacts"`
}

// DecoyConfig holds decoy listener configuration
type DecoyConfig struct {
	Host           string         `mapstructure:"host"`
	Services       []DecoyService `mapstructure:"services"`
	ReadTimeout    time.Duration  `mapstructure:"read_timeout"`
	MaxHandlers    int            `mapstructure:"max_handlers"`
	SourceRate     float64        `mapstructure:"source_rate"`  // accepts per second per source
	SourceBurst    int            `mapstructure:"source_burst"` // token bucket burst per source
	DecoyArtifacts []string       `mapstructure:"decoy_artifacts"`
}

// AnomalyConfig holds aggregator thresholds and offender-map bounds
type AnomalyConfig struct {
	Threshold         int            `mapstructure:"threshold"`
	ServiceThresholds map[string]int `mapstructure:"service_thresholds"`
	OffenderCapacity  int            `mapstructure:"offender_capacity"`
	OffenderTTL       time.Duration  `mapstructure:"offender_ttl"`
	SweepInterval     time.Duration  `mapstructure:"sweep_interval"`
}

// ContainmentConfig holds engine and ledger configuration
type ContainmentConfig struct {
	LedgerPath string `mapstructure:"ledger_path"`
	BackupDir  string `mapstructure:"backup_dir"`
}

// IntegrityConfig holds file watcher configuration
type IntegrityConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	WatchedPaths []string      `mapstructure:"watched_paths"`
	Interval     time.Duration `mapstructure:"interval"`
	DBPath       string        `mapstructure:"db_path"`
}

// ForensicsConfig holds export scheduling configuration
type ForensicsConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	ExportDir string        `mapstructure:"export_dir"`
	Interval  time.Duration `mapstructure:"interval"`
	Keep      int           `mapstructure:"keep"`
}

// TelemetryConfig holds publish fan-out and sink configuration
type TelemetryConfig struct {
	BufferSize  int    `mapstructure:"buffer_size"`
	RecentLimit int    `mapstructure:"recent_limit"`
	NATSEnabled bool   `mapstructure:"nats_enabled"`
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
}

// APIConfig holds dashboard API configuration
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging-specific configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
	File   string `mapstructure:"file"`
}

// LoadConfig loads the configuration from the specified file and environment
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaultConfig(v)

	v.SetEnvPrefix("TRAPWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Info().Str("config_file", configPath).Msg("Loaded configuration file")
	} else {
		log.Info().Msg("No configuration file provided, using environment variables and defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Decoy.Services) == 0 {
		cfg.Decoy.Services = DefaultDecoyServices()
	}

	return &cfg, nil
}

// DefaultDecoyServices returns the stock decoy fleet used when none is configured.
func DefaultDecoyServices() []DecoyService {
	return []DecoyService{
		{Name: "SSH", Port: 22, Banner: "SSH-2.0-OpenSSH_8.9p1 Debian-3"},
		{Name: "HTTP", Port: 80, Banner: "HTTP/1.1 200 OK\r\nServer: Apache/2.4.52"},
		{Name: "FTP", Port: 21, Banner: "220 (vsFTPd 3.0.3)"},
		{Name: "MySQL", Port: 3306, Banner: "5.7.37-0ubuntu0.18.04.1"},
	}
}

// setDefaultConfig sets the default configuration values
func setDefaultConfig(v *viper.Viper) {
	// Decoy defaults
	v.SetDefault("decoy.host", "0.0.0.0")
	v.SetDefault("decoy.read_timeout", "5s")
	v.SetDefault("decoy.max_handlers", 256)
	v.SetDefault("decoy.source_rate", 10.0)
	v.SetDefault("decoy.source_burst", 20)
	v.SetDefault("decoy.decoy_artifacts", []string{"/tmp/fake_pass.txt", "/tmp/fake_config.cfg"})

	// Anomaly defaults
	v.SetDefault("anomaly.threshold", 5)
	v.SetDefault("anomaly.offender_capacity", 4096)
	v.SetDefault("anomaly.offender_ttl", "1h")
	v.SetDefault("anomaly.sweep_interval", "5m")

	// Containment defaults
	v.SetDefault("containment.ledger_path", "logs/containment.db")
	v.SetDefault("containment.backup_dir", "backups")

	// Integrity defaults
	v.SetDefault("integrity.enabled", true)
	v.SetDefault("integrity.watched_paths", []string{"/etc/passwd", "/etc/hosts"})
	v.SetDefault("integrity.interval", "10s")
	v.SetDefault("integrity.db_path", "logs/integrity.db")

	// Forensics defaults
	v.SetDefault("forensics.enabled", true)
	v.SetDefault("forensics.export_dir", "forensics")
	v.SetDefault("forensics.interval", "5m")
	v.SetDefault("forensics.keep", 10)

	// Telemetry defaults
	v.SetDefault("telemetry.buffer_size", 1024)
	v.SetDefault("telemetry.recent_limit", 50)
	v.SetDefault("telemetry.nats_enabled", false)
	v.SetDefault("telemetry.nats_url", "nats://localhost:4222")
	v.SetDefault("telemetry.nats_subject", "trapwire.events")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8000")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
}
