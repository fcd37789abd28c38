package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Media      MediaConfig      `yaml:"media" mapstructure:"media"`
	Visual     VisualConfig     `yaml:"visual" mapstructure:"visual"`
	Audio      AudioConfig      `yaml:"audio" mapstructure:"audio"`
	Disclosure DisclosureConfig `yaml:"disclosure" mapstructure:"disclosure"`
	Progress   ProgressConfig   `yaml:"progress" mapstructure:"progress"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Stream     StreamConfig     `yaml:"stream" mapstructure:"stream"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	SubmitPerMin   float64  `yaml:"submit_per_min" mapstructure:"submit_per_min"`
	SubmitBurst    int      `yaml:"submit_burst" mapstructure:"submit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// QueueConfig configures the worker pool.
type QueueConfig struct {
	Workers          int `yaml:"workers" mapstructure:"workers"`
	Depth            int `yaml:"depth" mapstructure:"depth"`
	StaleProcessMins int `yaml:"stale_process_mins" mapstructure:"stale_process_mins"`
}

// MediaConfig configures media acquisition.
type MediaConfig struct {
	TempDir             string `yaml:"temp_dir" mapstructure:"temp_dir"`
	FFprobePath         string `yaml:"ffprobe_path" mapstructure:"ffprobe_path"`
	MaxSizeMB           int64  `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxDurationSecs     int    `yaml:"max_duration_secs" mapstructure:"max_duration_secs"`
	DownloadTimeoutSecs int    `yaml:"download_timeout_secs" mapstructure:"download_timeout_secs"`
}

// VisualConfig holds visual detector API settings.
type VisualConfig struct {
	Key                string  `yaml:"key" mapstructure:"key"`
	BaseURL            string  `yaml:"base_url" mapstructure:"base_url"`
	SampleIntervalSecs float64 `yaml:"sample_interval_secs" mapstructure:"sample_interval_secs"`
	MaxFrames          int     `yaml:"max_frames" mapstructure:"max_frames"`
}

// AudioConfig holds speech-to-text detector API settings.
type AudioConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// DisclosureConfig holds disclosure marker detection settings.
type DisclosureConfig struct {
	AnthropicKey string `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	Model        string `yaml:"model" mapstructure:"model"`
	MaxTokens    int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ProgressConfig configures the progress channel backing store.
type ProgressConfig struct {
	Backend       string `yaml:"backend" mapstructure:"backend"`
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	TTLSecs       int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// PipelineConfig holds the tuned scoring and progress constants. Bands and
// weights are designer defaults, not derived from a model.
type PipelineConfig struct {
	VisualWeight     float64 `yaml:"visual_weight" mapstructure:"visual_weight"`
	AudioWeight      float64 `yaml:"audio_weight" mapstructure:"audio_weight"`
	KeywordWeight    float64 `yaml:"keyword_weight" mapstructure:"keyword_weight"`
	DisclosureWeight float64 `yaml:"disclosure_weight" mapstructure:"disclosure_weight"`

	DecisionThreshold float64 `yaml:"decision_threshold" mapstructure:"decision_threshold"`

	// Progress ceiling reached when each stage completes. Scoring always
	// closes the band at 100.
	AcquisitionPct int `yaml:"acquisition_pct" mapstructure:"acquisition_pct"`
	VisualPct      int `yaml:"visual_pct" mapstructure:"visual_pct"`
	AudioPct       int `yaml:"audio_pct" mapstructure:"audio_pct"`
	DisclosurePct  int `yaml:"disclosure_pct" mapstructure:"disclosure_pct"`

	// Brand exposure estimation.
	MaxAppearanceSecs     float64 `yaml:"max_appearance_secs" mapstructure:"max_appearance_secs"`
	DefaultAppearanceSecs float64 `yaml:"default_appearance_secs" mapstructure:"default_appearance_secs"`

	// Keyword hits saturate the keyword score at this weighted count.
	KeywordSaturation float64 `yaml:"keyword_saturation" mapstructure:"keyword_saturation"`

	// Run the three extractors concurrently within a job.
	ParallelExtractors bool `yaml:"parallel_extractors" mapstructure:"parallel_extractors"`
}

// StreamConfig configures the streaming gateway and its client consumer.
type StreamConfig struct {
	HeartbeatSecs      int `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	ConnectTimeoutSecs int `yaml:"connect_timeout_secs" mapstructure:"connect_timeout_secs"`
	IdleTimeoutSecs    int `yaml:"idle_timeout_secs" mapstructure:"idle_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ADLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "adlens.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.submit_per_min", 60)
	v.SetDefault("server.submit_burst", 10)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.stale_process_mins", 60)
	v.SetDefault("media.temp_dir", "/tmp/adlens")
	v.SetDefault("media.ffprobe_path", "ffprobe")
	v.SetDefault("media.max_size_mb", 2048)
	v.SetDefault("media.max_duration_secs", 3600)
	v.SetDefault("media.download_timeout_secs", 1800)
	v.SetDefault("visual.sample_interval_secs", 1.0)
	v.SetDefault("visual.max_frames", 300)
	v.SetDefault("disclosure.model", "claude-haiku-4-5-20251001")
	v.SetDefault("disclosure.max_tokens", 1024)
	v.SetDefault("progress.backend", "memory")
	v.SetDefault("progress.redis_addr", "localhost:6379")
	v.SetDefault("progress.ttl_secs", 3600)
	v.SetDefault("pipeline.visual_weight", 0.30)
	v.SetDefault("pipeline.audio_weight", 0.30)
	v.SetDefault("pipeline.keyword_weight", 0.20)
	v.SetDefault("pipeline.disclosure_weight", 0.20)
	v.SetDefault("pipeline.decision_threshold", 0.5)
	v.SetDefault("pipeline.acquisition_pct", 20)
	v.SetDefault("pipeline.visual_pct", 55)
	v.SetDefault("pipeline.audio_pct", 70)
	v.SetDefault("pipeline.disclosure_pct", 85)
	v.SetDefault("pipeline.max_appearance_secs", 5.0)
	v.SetDefault("pipeline.default_appearance_secs", 2.0)
	v.SetDefault("pipeline.keyword_saturation", 10.0)
	v.SetDefault("pipeline.parallel_extractors", false)
	v.SetDefault("stream.heartbeat_secs", 15)
	v.SetDefault("stream.connect_timeout_secs", 30)
	v.SetDefault("stream.idle_timeout_secs", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
