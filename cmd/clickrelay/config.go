package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/clickrelay/internal/model"
	"github.com/tinytelemetry/clickrelay/internal/sink/dbsink"
)

const (
	defaultBindHost        = model.DefaultBindHost
	defaultHTTPPort        = model.DefaultHTTPPort
	defaultShareRetryDelay = 5 * time.Second
	defaultShareMaxDelay   = time.Minute
	defaultShareAttempts   = 10
	defaultShareCooldown   = 30 * time.Second
	defaultShareWait       = 10 * time.Second
	defaultDBPort          = 5432
	defaultDBMinConns      = 1
	defaultDBMaxConns      = 5
	defaultShutdownTimeout = 10 * time.Second

	sinkFile     = "file"
	sinkDatabase = "database"

	shareModeCIFS  = "cifs"
	shareModeLocal = "local"

	redacted = "***"
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type serverConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type shareConfig struct {
	Mode         string        `mapstructure:"mode" yaml:"mode"`
	Remote       string        `mapstructure:"remote" yaml:"remote"`
	MountPoint   string        `mapstructure:"mount-point" yaml:"mount-point"`
	Username     string        `mapstructure:"username" yaml:"username"`
	Password     string        `mapstructure:"password" yaml:"password"`
	PasswordFile string        `mapstructure:"password-file" yaml:"password-file"`
	Options      string        `mapstructure:"options" yaml:"options"`
	RetryDelay   time.Duration `mapstructure:"retry-delay" yaml:"retry-delay"`
	MaxDelay     time.Duration `mapstructure:"max-delay" yaml:"max-delay"`
	Attempts     uint          `mapstructure:"attempts" yaml:"attempts"`
	Cooldown     time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	InitialWait  time.Duration `mapstructure:"initial-wait" yaml:"initial-wait"`
}

type fileConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type dbConfig struct {
	Driver         string        `mapstructure:"driver" yaml:"driver"`
	User           string        `mapstructure:"user" yaml:"user"`
	Password       string        `mapstructure:"password" yaml:"password"`
	PasswordFile   string        `mapstructure:"password-file" yaml:"password-file"`
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Database       string        `mapstructure:"database" yaml:"database"`
	Path           string        `mapstructure:"path" yaml:"path"`
	MinConns       int32         `mapstructure:"min-conns" yaml:"min-conns"`
	MaxConns       int32         `mapstructure:"max-conns" yaml:"max-conns"`
	AcquireTimeout time.Duration `mapstructure:"acquire-timeout" yaml:"acquire-timeout"`
}

type logConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type toggle struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type deadLetterConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Server     serverConfig     `mapstructure:"server" yaml:"server"`
	ClientID   string           `mapstructure:"client_id" yaml:"client_id"`
	Sink       string           `mapstructure:"sink" yaml:"sink"`
	Share      shareConfig      `mapstructure:"share" yaml:"share"`
	File       fileConfig       `mapstructure:"file" yaml:"file"`
	DB         dbConfig         `mapstructure:"db" yaml:"db"`
	Enrichment toggle           `mapstructure:"enrichment" yaml:"enrichment"`
	Log        logConfig        `mapstructure:"log" yaml:"log"`
	DeadLetter deadLetterConfig `mapstructure:"deadletter" yaml:"deadletter"`
	Metrics    toggle           `mapstructure:"metrics" yaml:"metrics"`
	ConfigPath string           `mapstructure:"-" yaml:"-"` // not from config file
}

// Addr is the HTTP listen address.
func (c appConfig) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// StatementDir is where the file sink writes.
func (c appConfig) StatementDir() string {
	if c.File.Dir != "" {
		return c.File.Dir
	}
	return c.Share.MountPoint
}

func (c appConfig) dbsinkConfig() dbsink.Config {
	return dbsink.Config{
		Driver: c.DB.Driver,
		Postgres: dbsink.PostgresConfig{
			Host:           c.DB.Host,
			Port:           c.DB.Port,
			User:           c.DB.User,
			Password:       c.DB.Password,
			Database:       c.DB.Database,
			MinConns:       c.DB.MinConns,
			MaxConns:       c.DB.MaxConns,
			AcquireTimeout: c.DB.AcquireTimeout,
		},
		DuckDB: dbsink.DuckDBConfig{
			Path:     c.DB.Path,
			MaxConns: int(c.DB.MaxConns),
		},
	}
}

// Redacted returns a copy safe to print.
func (c appConfig) Redacted() appConfig {
	if c.Share.Password != "" {
		c.Share.Password = redacted
	}
	if c.DB.Password != "" {
		c.DB.Password = redacted
	}
	return c
}

// YAML renders the redacted config.
func (c appConfig) YAML() (string, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CLICKRELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetDefault("server.host", defaultBindHost)
	v.SetDefault("server.port", defaultHTTPPort)
	v.SetDefault("client_id", "")
	v.SetDefault("sink", sinkFile)
	v.SetDefault("share.mode", shareModeCIFS)
	v.SetDefault("share.remote", "")
	v.SetDefault("share.mount-point", "/mnt/clicks")
	v.SetDefault("share.username", "")
	v.SetDefault("share.password", "")
	v.SetDefault("share.password-file", "")
	v.SetDefault("share.options", "")
	v.SetDefault("share.retry-delay", defaultShareRetryDelay)
	v.SetDefault("share.max-delay", defaultShareMaxDelay)
	v.SetDefault("share.attempts", defaultShareAttempts)
	v.SetDefault("share.cooldown", defaultShareCooldown)
	v.SetDefault("share.initial-wait", defaultShareWait)
	v.SetDefault("file.dir", "")
	v.SetDefault("db.driver", dbsink.DriverPostgres)
	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.password-file", "")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", defaultDBPort)
	v.SetDefault("db.database", "")
	v.SetDefault("db.path", filepath.Join(home, ".local", "share", "clickrelay", "clicks.duckdb"))
	v.SetDefault("db.min-conns", defaultDBMinConns)
	v.SetDefault("db.max-conns", defaultDBMaxConns)
	v.SetDefault("db.acquire-timeout", time.Duration(0))
	v.SetDefault("enrichment.enabled", true)
	v.SetDefault("log.path", filepath.Join(home, ".local", "state", "clickrelay", "clickrelay.log"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("deadletter.path", "")
	v.SetDefault("metrics.enabled", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "clickrelay", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}

	// Expand ~ in paths
	for _, p := range []*string{&cfg.DB.Path, &cfg.Log.Path, &cfg.DeadLetter.Path, &cfg.File.Dir} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}

	return cfg, cfg.validate()
}

func (c *appConfig) resolveSecrets() error {
	if c.Share.PasswordFile != "" {
		pw, err := readSecretFile(c.Share.PasswordFile)
		if err != nil {
			return fmt.Errorf("share.password-file: %w", err)
		}
		c.Share.Password = pw
	}
	if c.DB.PasswordFile != "" {
		pw, err := readSecretFile(c.DB.PasswordFile)
		if err != nil {
			return fmt.Errorf("db.password-file: %w", err)
		}
		c.DB.Password = pw
	}
	return nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func (c appConfig) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if !clientIDPattern.MatchString(c.ClientID) {
		return fmt.Errorf("invalid client_id %q: use letters, digits, '.', '_' or '-'", c.ClientID)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q: want text or json", c.Log.Format)
	}

	switch c.Sink {
	case sinkFile:
		return c.validateShare()
	case sinkDatabase:
		return c.validateDB()
	default:
		return fmt.Errorf("invalid sink %q: want %s or %s", c.Sink, sinkFile, sinkDatabase)
	}
}

func (c appConfig) validateShare() error {
	switch c.Share.Mode {
	case shareModeCIFS:
		if c.Share.Remote == "" {
			return errors.New("share.remote is required in cifs mode")
		}
		if c.Share.MountPoint == "" {
			return errors.New("share.mount-point is required in cifs mode")
		}
	case shareModeLocal:
		if c.StatementDir() == "" {
			return errors.New("file.dir or share.mount-point is required in local mode")
		}
	default:
		return fmt.Errorf("invalid share.mode %q: want %s or %s", c.Share.Mode, shareModeCIFS, shareModeLocal)
	}
	if c.Share.Attempts == 0 {
		return errors.New("share.attempts must be positive")
	}
	return nil
}

func (c appConfig) validateDB() error {
	switch c.DB.Driver {
	case dbsink.DriverPostgres:
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			return fmt.Errorf("invalid db.port: %d", c.DB.Port)
		}
		if c.DB.Database == "" {
			return errors.New("db.database is required for postgres")
		}
	case dbsink.DriverDuckDB:
		if c.DB.Path == "" {
			return errors.New("db.path is required for duckdb")
		}
	default:
		return fmt.Errorf("invalid db.driver %q: want %s or %s", c.DB.Driver, dbsink.DriverPostgres, dbsink.DriverDuckDB)
	}
	if c.DB.MinConns < 0 || c.DB.MaxConns <= 0 {
		return fmt.Errorf("invalid pool bounds: min-conns %d, max-conns %d", c.DB.MinConns, c.DB.MaxConns)
	}
	if c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min-conns %d exceeds db.max-conns %d", c.DB.MinConns, c.DB.MaxConns)
	}
	return nil
}
