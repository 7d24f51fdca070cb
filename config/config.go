package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Sink kinds accepted by consumer.sink
const (
	SinkLog     = "log"
	SinkFile    = "file"
	SinkDiscard = "discard"
)

// EndpointConfig configures the datagram endpoint
type EndpointConfig struct {
	// Path is the filesystem path of the socket (EVENTD_SOCKET_PATH)
	Path         string `mapstructure:"path" yaml:"path" validate:"required,max=107"`
	MaxFrameSize int    `mapstructure:"max_frame_size" yaml:"max_frame_size" validate:"min=1,max=262144"`
	// SocketMode is an octal permission string applied to the socket file after bind
	SocketMode string `mapstructure:"socket_mode" yaml:"socket_mode" validate:"required"`
	RateLimit  int    `mapstructure:"rate_limit" yaml:"rate_limit" validate:"min=0"` // datagrams/second, 0 = unlimited
	RateBurst  int    `mapstructure:"rate_burst" yaml:"rate_burst" validate:"min=0"`
}

// SocketFileMode parses SocketMode
func (e EndpointConfig) SocketFileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(e.SocketMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid socket mode %q: %w", e.SocketMode, err)
	}
	if mode > 0o777 {
		return 0, fmt.Errorf("invalid socket mode %q: only permission bits allowed", e.SocketMode)
	}
	return os.FileMode(mode), nil
}

// Config holds all configuration for eventd
type Config struct {
	Endpoint EndpointConfig `mapstructure:"endpoint" yaml:"endpoint"`

	Queue struct {
		Capacity int `mapstructure:"capacity" yaml:"capacity" validate:"min=1,max=1048576"`
	} `mapstructure:"queue" yaml:"queue"`

	Consumer struct {
		Workers  int    `mapstructure:"workers" yaml:"workers" validate:"min=1,max=256"`
		Sink     string `mapstructure:"sink" yaml:"sink" validate:"oneof=log file discard"`
		FilePath string `mapstructure:"file_path" yaml:"file_path" validate:"required_if=Sink file"`
	} `mapstructure:"consumer" yaml:"consumer"`

	DLQ struct {
		Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
		Path          string `mapstructure:"path" yaml:"path" validate:"required_if=Enabled true"`
		BufferSize    int    `mapstructure:"buffer_size" yaml:"buffer_size" validate:"min=1"`
		RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days" validate:"min=0"` // 0 keeps dead letters forever
	} `mapstructure:"dlq" yaml:"dlq"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
		Addr    string `mapstructure:"addr" yaml:"addr"`
	} `mapstructure:"metrics" yaml:"metrics"`

	Logging struct {
		Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" yaml:"format" validate:"oneof=console json"`
	} `mapstructure:"logging" yaml:"logging"`
}

func setDefaults() {
	viper.SetDefault("endpoint.path", "/var/ossec/queue/sockets/queue")
	viper.SetDefault("endpoint.max_frame_size", 65536)
	viper.SetDefault("endpoint.socket_mode", "0660")
	viper.SetDefault("endpoint.rate_limit", 0)
	viper.SetDefault("endpoint.rate_burst", 0)

	viper.SetDefault("queue.capacity", 8192)

	viper.SetDefault("consumer.workers", 1)
	viper.SetDefault("consumer.sink", SinkLog)
	viper.SetDefault("consumer.file_path", "./data/events.log")

	viper.SetDefault("dlq.enabled", false)
	viper.SetDefault("dlq.path", "./data/eventd.db")
	viper.SetDefault("dlq.buffer_size", 1024)
	viper.SetDefault("dlq.retention_days", 30)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.addr", "127.0.0.1:9464")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("EVENTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Shorter names for the paths operators override most
	_ = viper.BindEnv("endpoint.path", "EVENTD_SOCKET_PATH")
	_ = viper.BindEnv("dlq.path", "EVENTD_DLQ_PATH")
	_ = viper.BindEnv("consumer.file_path", "EVENTD_SINK_FILE")
}

// LoadConfig loads configuration from configFile, or from config.yaml in
// "." or "./config" when configFile is empty, then applies EVENTD_* variables.
func LoadConfig(configFile string) (*Config, error) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// defaults and env vars are enough without a discovered file
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

var validate = validator.New()

func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if _, err := config.Endpoint.SocketFileMode(); err != nil {
		return err
	}

	if config.Endpoint.RateBurst > 0 && config.Endpoint.RateLimit == 0 {
		return fmt.Errorf("endpoint.rate_burst requires endpoint.rate_limit")
	}

	if config.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(config.Metrics.Addr); err != nil {
			return fmt.Errorf("invalid metrics.addr %q: %w", config.Metrics.Addr, err)
		}
	}
	return nil
}
