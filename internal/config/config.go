// Package config provides configuration management for retrovue-playoutd using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmylchreest/retrovue-playoutd/internal/codec"
)

// Default configuration values.
const (
	defaultControlPlanePort   = 50051
	defaultMetricsPort        = 9308
	defaultShutdownTimeout    = 10 * time.Second
	defaultQueueCapacity      = 60
	defaultTargetFPS          = 29.97
	defaultTargetWidth        = 1280
	defaultTargetHeight       = 720
	defaultReadyThreshold     = 30
	defaultReadyWaitTimeout   = 2 * time.Second
	defaultShadowDecodeWait   = 5 * time.Second
	defaultProducerBackoff    = 5 * time.Millisecond
	defaultProducerTeardown   = 3 * time.Second
	defaultRendererStopBudget = 200 * time.Millisecond
	defaultEarlyThreshold     = -5 * time.Millisecond
	defaultLateThreshold      = 50 * time.Millisecond
	defaultTickInterval       = 250 * time.Millisecond
	defaultMaxTickSkewMs      = 1.5
	defaultSinkPort           = 9000
	defaultSinkBindHost       = "127.0.0.1"
	defaultMaxOutputPackets   = 100
	defaultOutputHighWater    = 80
	defaultSinkSendBuffer     = 256 * 1024 // 256 KiB, matches the accept thread's SO_SNDBUF raise.
	defaultSinkStopBudget     = time.Second
	defaultMaxOpenConns       = 6
	defaultMaxIdleConns       = 3
	defaultConnMaxIdleTime    = 30 * time.Minute
	defaultJanitorInterval    = "*/1 * * * *" // every minute; robfig/cron 5-field
	defaultJanitorMaxAge      = 10 * time.Minute
)

// Config holds all configuration for the application.
type Config struct {
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Producer     ProducerConfig     `mapstructure:"producer"`
	Renderer     RendererConfig     `mapstructure:"renderer"`
	Sink         SinkConfig         `mapstructure:"sink"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Janitor      JanitorConfig      `mapstructure:"janitor"`
}

// ControlPlaneConfig holds control-plane HTTP transport configuration (§4.9).
type ControlPlaneConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig holds the Prometheus exposition endpoint configuration (§6.2).
type MetricsConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
}

// DatabaseConfig holds Plan Registry connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// QueueConfig holds staging-queue configuration (§4.2).
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// ProducerConfig holds decode-producer configuration (§4.3).
type ProducerConfig struct {
	TargetWidth      int           `mapstructure:"target_width"`
	TargetHeight     int           `mapstructure:"target_height"`
	TargetFPS        float64       `mapstructure:"target_fps"`
	StubMode         bool          `mapstructure:"stub_mode"`
	HWAccelEnabled   bool          `mapstructure:"hw_accel_enabled"`
	MaxDecodeThreads int           `mapstructure:"max_decode_threads"`
	PushBackoff      time.Duration `mapstructure:"push_backoff"`
	TeardownDeadline time.Duration `mapstructure:"teardown_deadline"`
	ShadowDecodeWait time.Duration `mapstructure:"shadow_decode_wait"`
}

// RendererConfig holds renderer pacing configuration (§4.4).
type RendererConfig struct {
	EarlyThreshold time.Duration `mapstructure:"early_threshold"` // negative: how early is "early"
	LateThreshold  time.Duration `mapstructure:"late_threshold"`
	StopBudget     time.Duration `mapstructure:"stop_budget"`
	EmptyPollSleep time.Duration `mapstructure:"empty_poll_sleep"`
	EMAAlpha       float64       `mapstructure:"ema_alpha"`
}

// SinkConfig holds MPEG-TS sink configuration (§4.5).
type SinkConfig struct {
	BindHost               string        `mapstructure:"bind_host"`
	Port                   int           `mapstructure:"port"`
	UDSSocketPath          string        `mapstructure:"uds_socket_path"`
	Bitrate                int           `mapstructure:"bitrate"`
	VideoCodec             string        `mapstructure:"video_codec"` // parsed via codec.ParseVideo; only h264 is muxable today
	HWAccel                string        `mapstructure:"hwaccel"`     // parsed via codec.ParseHWAccel
	GOPSize                int           `mapstructure:"gop_size"`
	EnableAudio            bool          `mapstructure:"enable_audio"`
	UnderflowPolicy        string        `mapstructure:"underflow_policy"` // freeze_last_frame, black_frame, skip
	MaxOutputQueuePackets  int           `mapstructure:"max_output_queue_packets"`
	OutputQueueHighWater   int           `mapstructure:"output_queue_high_water_mark"`
	SendBufferBytes        ByteSize      `mapstructure:"send_buffer_bytes"`
	AcceptPollInterval     time.Duration `mapstructure:"accept_poll_interval"`
	StopFlagPollInterval   time.Duration `mapstructure:"stop_flag_poll_interval"`
	StopDrainBudget        time.Duration `mapstructure:"stop_drain_budget"`
}

// OrchestratorConfig holds orchestration-loop tick configuration (§4.6).
type OrchestratorConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	MaxTickSkewMs float64       `mapstructure:"max_tick_skew_ms"`
}

// JanitorConfig holds the low-frequency cron janitor configuration (stale
// UDS sockets / temp dirs), an ambient concern not named by any [MODULE] but
// carried the way the teacher carries scheduled maintenance jobs.
type JanitorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"` // 5-field cron expression
	MaxAge   time.Duration `mapstructure:"max_age"`
	BaseDir  string        `mapstructure:"base_dir"`
}

// ReadyThreshold and ControlPlaneReadyWait are not Config fields: the
// Buffering -> Ready depth and StartChannel's synchronous wait (§4.8) are
// fixed in code as engine.readyThresholdFrames and
// controlplane.defaultReadyWait.

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RETROVUE_ and use underscores for
// nesting, preserving the two variable names spec.md names verbatim
// (AIR_FAKE_VIDEO, AIR_TS_SOCKET_PATH) as top-level overrides applied after
// Viper unmarshalling (see ApplyLegacyEnv).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/retrovue-playoutd")
		v.AddConfigPath("$HOME/.retrovue-playoutd")
	}

	v.SetEnvPrefix("RETROVUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyLegacyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ApplyLegacyEnv applies the two spec-mandated environment variables
// (§6.5) verbatim, independent of the RETROVUE_-prefix Viper scheme above: these
// names are part of the external contract and must not be renamed.
func (c *Config) ApplyLegacyEnv() {
	if v, ok := lookupEnv("AIR_FAKE_VIDEO"); ok && v == "1" {
		c.Producer.StubMode = true
	}
	if v, ok := lookupEnv("AIR_TS_SOCKET_PATH"); ok && v != "" {
		c.Sink.UDSSocketPath = v
	}
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("control_plane.host", "0.0.0.0")
	v.SetDefault("control_plane.port", defaultControlPlanePort)
	v.SetDefault("control_plane.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("metrics.host", "0.0.0.0")
	v.SetDefault("metrics.port", defaultMetricsPort)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "retrovue-playoutd.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("queue.capacity", defaultQueueCapacity)

	v.SetDefault("producer.target_width", defaultTargetWidth)
	v.SetDefault("producer.target_height", defaultTargetHeight)
	v.SetDefault("producer.target_fps", defaultTargetFPS)
	v.SetDefault("producer.stub_mode", false)
	v.SetDefault("producer.hw_accel_enabled", false)
	v.SetDefault("producer.max_decode_threads", 1)
	v.SetDefault("producer.push_backoff", defaultProducerBackoff)
	v.SetDefault("producer.teardown_deadline", defaultProducerTeardown)
	v.SetDefault("producer.shadow_decode_wait", defaultShadowDecodeWait)

	v.SetDefault("renderer.early_threshold", defaultEarlyThreshold)
	v.SetDefault("renderer.late_threshold", defaultLateThreshold)
	v.SetDefault("renderer.stop_budget", defaultRendererStopBudget)
	v.SetDefault("renderer.empty_poll_sleep", 5*time.Millisecond)
	v.SetDefault("renderer.ema_alpha", 0.1)

	v.SetDefault("sink.bind_host", defaultSinkBindHost)
	v.SetDefault("sink.port", defaultSinkPort)
	v.SetDefault("sink.uds_socket_path", "")
	v.SetDefault("sink.bitrate", 4_000_000)
	v.SetDefault("sink.video_codec", "h264")
	v.SetDefault("sink.hwaccel", "none")
	v.SetDefault("sink.gop_size", 30)
	v.SetDefault("sink.enable_audio", true)
	v.SetDefault("sink.underflow_policy", "freeze_last_frame")
	v.SetDefault("sink.max_output_queue_packets", defaultMaxOutputPackets)
	v.SetDefault("sink.output_queue_high_water_mark", defaultOutputHighWater)
	v.SetDefault("sink.send_buffer_bytes", int64(defaultSinkSendBuffer))
	v.SetDefault("sink.accept_poll_interval", 100*time.Millisecond)
	v.SetDefault("sink.stop_flag_poll_interval", 10*time.Millisecond)
	v.SetDefault("sink.stop_drain_budget", defaultSinkStopBudget)

	v.SetDefault("orchestrator.tick_interval", defaultTickInterval)
	v.SetDefault("orchestrator.max_tick_skew_ms", defaultMaxTickSkewMs)

	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.schedule", defaultJanitorInterval)
	v.SetDefault("janitor.max_age", defaultJanitorMaxAge)
	v.SetDefault("janitor.base_dir", "/tmp/retrovue-playoutd")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.ControlPlane.Port < 1 || c.ControlPlane.Port > maxPort {
		return fmt.Errorf("control_plane.port must be between 1 and %d", maxPort)
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > maxPort {
		return fmt.Errorf("metrics.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be at least 1")
	}
	if c.Producer.TargetFPS <= 0 {
		return fmt.Errorf("producer.target_fps must be positive")
	}

	validPolicies := map[string]bool{"freeze_last_frame": true, "black_frame": true, "skip": true}
	if !validPolicies[c.Sink.UnderflowPolicy] {
		return fmt.Errorf("sink.underflow_policy must be one of: freeze_last_frame, black_frame, skip")
	}
	if _, ok := codec.ParseVideo(c.Sink.VideoCodec); !ok {
		return fmt.Errorf("sink.video_codec %q is not a recognized video codec", c.Sink.VideoCodec)
	}
	if _, ok := codec.ParseHWAccel(c.Sink.HWAccel); !ok {
		return fmt.Errorf("sink.hwaccel %q is not a recognized hardware acceleration type", c.Sink.HWAccel)
	}
	if c.Sink.MaxOutputQueuePackets < 1 {
		return fmt.Errorf("sink.max_output_queue_packets must be at least 1")
	}
	if c.Sink.OutputQueueHighWater > c.Sink.MaxOutputQueuePackets {
		return fmt.Errorf("sink.output_queue_high_water_mark must not exceed max_output_queue_packets")
	}

	return nil
}

// Address returns the control-plane address in host:port format.
func (c *ControlPlaneConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the metrics server address in host:port format.
func (c *MetricsConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// lookupEnv is overridable in tests.
var lookupEnv = osLookupEnv
