package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "NOTIFYHUB"

type StorageConfig struct {
	// Driver is postgres or memory.
	Driver string `mapstructure:"driver"`
}

type RealtimeConfig struct {
	// RedisURL empty means no transport: dispatch is store-only and the token
	// endpoint answers 503.
	RedisURL      string        `mapstructure:"redis_url"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	ChannelPrefix string        `mapstructure:"channel_prefix"`
}

type DispatchConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

type SweepConfig struct {
	// Mode is ticker, temporal or off.
	Mode              string        `mapstructure:"mode"`
	Interval          time.Duration `mapstructure:"interval"`
	PresenceStaleAge  time.Duration `mapstructure:"presence_stale_after"`
	TemporalHost      string        `mapstructure:"temporal_host"`
	TemporalNamespace string        `mapstructure:"temporal_namespace"`
}

type ListenerConfig struct {
	APIURL       string        `mapstructure:"api_url"`
	UserID       string        `mapstructure:"user_id"`
	UserToken    string        `mapstructure:"user_token"`
	RedisURL     string        `mapstructure:"redis_url"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	ProbeAddress string        `mapstructure:"probe_address"`
	ProbeEvery   time.Duration `mapstructure:"probe_interval"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type Config struct {
	DatabaseURL string         `mapstructure:"database_url"`
	ServerPort  string         `mapstructure:"server_port"`
	JWTSecret   string         `mapstructure:"jwt_secret"`
	LogLevel    string         `mapstructure:"log_level"`
	LogFormat   string         `mapstructure:"log_format"`
	CORSOrigins []string       `mapstructure:"cors_origins"`
	Storage     StorageConfig  `mapstructure:"storage"`
	Realtime    RealtimeConfig `mapstructure:"realtime"`
	Dispatch    DispatchConfig `mapstructure:"dispatch"`
	Sweep       SweepConfig    `mapstructure:"sweep"`
	Listener    ListenerConfig `mapstructure:"listener"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("realtime.token_ttl", 5*time.Minute)
	v.SetDefault("realtime.channel_prefix", "notifications")
	v.SetDefault("dispatch.batch_size", 50)
	v.SetDefault("sweep.mode", "ticker")
	v.SetDefault("sweep.interval", 15*time.Second)
	v.SetDefault("sweep.presence_stale_after", 3*time.Minute)
	v.SetDefault("sweep.temporal_host", "localhost:7233")
	v.SetDefault("sweep.temporal_namespace", "default")
	v.SetDefault("listener.api_url", "http://localhost:8080")
	v.SetDefault("listener.heartbeat", 60*time.Second)
	v.SetDefault("listener.probe_interval", 10*time.Second)
	v.SetDefault("listener.base_delay", 5*time.Second)
	v.SetDefault("listener.max_delay", 120*time.Second)
}

// Load reads config.yaml from the current directory or ./config. Every key can
// be overridden from the environment, e.g. NOTIFYHUB_REALTIME_REDIS_URL. A
// missing file is fine, the defaults and environment are used.
func Load() (*Config, error) {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &config, nil
}

// bindEnv registers keys that have no default so AutomaticEnv can see them
// during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"database_url", "jwt_secret", "realtime.redis_url",
		"listener.user_id", "listener.user_token", "listener.redis_url", "listener.probe_address",
	} {
		_ = v.BindEnv(key)
	}
}

// ValidateServer checks the settings cmd/server needs.
func (c *Config) ValidateServer() error {
	if c.JWTSecret == "" {
		return errors.New("jwt_secret must be set")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("database_url must be set for the postgres storage driver")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Sweep.Mode {
	case "ticker", "temporal", "off":
	default:
		return errors.Errorf("unknown sweep mode %q", c.Sweep.Mode)
	}
	return nil
}

// ValidateListener checks the settings cmd/listener needs.
func (c *Config) ValidateListener() error {
	if c.Listener.UserID == "" || c.Listener.UserToken == "" {
		return errors.New("listener.user_id and listener.user_token must be set")
	}
	if c.Listener.APIURL == "" {
		return errors.New("listener.api_url must be set")
	}
	return nil
}
