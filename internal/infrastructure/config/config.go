package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Log      LogConfig
	HTTP     HTTPConfig
	Metering MeteringConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	TrustedProxies []string
}

// MeteringConfig holds the consumption engine's timing knobs. The three
// windows are ordered: ReserveTimeout < GraceWindow < StaleThreshold, so the
// background sweep never races a reservation that is still legitimately in
// flight.
type MeteringConfig struct {
	ReserveTimeout   time.Duration // bound on one reserve transaction
	StaleThreshold   time.Duration // age at which a RESERVED event is presumed abandoned at startup
	GraceWindow      time.Duration // age at which the continuous sweep picks a RESERVED event up
	LeaseDuration    time.Duration // how long a resolver's claim lasts
	MaxEscalations   int           // ambiguous-resolution ceiling before manual review
	BatchSize        int           // stuck events per sweep
	SweepInterval    time.Duration // how often the continuous sweep runs
	AuditInterval    time.Duration // how often the conservation audit runs
	ProcessorEnabled bool          // whether the background processor runs at all
	ShutdownGrace    time.Duration // wait for in-flight resolution on shutdown
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with FIELDSERVE_ prefix (e.g., FIELDSERVE_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./backend")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("FIELDSERVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
		},
		Metering: MeteringConfig{
			ReserveTimeout:   v.GetDuration("metering.reserve_timeout"),
			StaleThreshold:   v.GetDuration("metering.stale_threshold"),
			GraceWindow:      v.GetDuration("metering.grace_window"),
			LeaseDuration:    v.GetDuration("metering.lease_duration"),
			MaxEscalations:   v.GetInt("metering.max_escalations"),
			BatchSize:        v.GetInt("metering.batch_size"),
			SweepInterval:    v.GetDuration("metering.sweep_interval"),
			AuditInterval:    v.GetDuration("metering.audit_interval"),
			ProcessorEnabled: v.GetBool("metering.processor_enabled"),
			ShutdownGrace:    v.GetDuration("metering.shutdown_grace"),
		},
	}

	applyDefaults(cfg, v)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.App.Name == "" {
		cfg.App.Name = "fieldserve-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "fieldserve"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.Metering.ReserveTimeout == 0 {
		cfg.Metering.ReserveTimeout = 5 * time.Second
	}
	if cfg.Metering.StaleThreshold == 0 {
		cfg.Metering.StaleThreshold = 10 * time.Minute
	}
	if cfg.Metering.GraceWindow == 0 {
		cfg.Metering.GraceWindow = 5 * time.Minute
	}
	if cfg.Metering.LeaseDuration == 0 {
		cfg.Metering.LeaseDuration = 2 * time.Minute
	}
	if cfg.Metering.MaxEscalations == 0 {
		cfg.Metering.MaxEscalations = 5
	}
	if cfg.Metering.BatchSize == 0 {
		cfg.Metering.BatchSize = 100
	}
	if cfg.Metering.SweepInterval == 0 {
		cfg.Metering.SweepInterval = time.Minute
	}
	if cfg.Metering.AuditInterval == 0 {
		cfg.Metering.AuditInterval = time.Hour
	}
	if cfg.Metering.ShutdownGrace == 0 {
		cfg.Metering.ShutdownGrace = 5 * time.Second
	}
	// The processor defaults to on; an explicit false in config or env wins.
	if !v.IsSet("metering.processor_enabled") {
		cfg.Metering.ProcessorEnabled = true
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Metering.GraceWindow <= c.Metering.ReserveTimeout {
		return fmt.Errorf("metering.grace_window (%s) must exceed metering.reserve_timeout (%s)",
			c.Metering.GraceWindow, c.Metering.ReserveTimeout)
	}
	if c.Metering.StaleThreshold < c.Metering.GraceWindow {
		return fmt.Errorf("metering.stale_threshold (%s) cannot be shorter than metering.grace_window (%s)",
			c.Metering.StaleThreshold, c.Metering.GraceWindow)
	}
	if c.Metering.MaxEscalations < 1 {
		return fmt.Errorf("metering.max_escalations must be at least 1")
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
