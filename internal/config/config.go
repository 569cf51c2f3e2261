package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Engine    EngineConfig
	Storage   StorageConfig
	Workflows WorkflowConfig
	Generate  GenerateConfig
	Monitor   MonitorConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EngineConfig locates the generative engine and its shared directories.
// InputDir is where staged source files go; OutputDir is the engine's own
// output directory, scanned when its API bookkeeping fails.
type EngineConfig struct {
	Host      string
	Port      int
	InputDir  string
	OutputDir string
}

func (e EngineConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// StorageConfig holds the project-local artifact directories, created
// eagerly at startup.
type StorageConfig struct {
	OutputDir      string
	TempDir        string
	StoryboardsDir string
	VideoClipsDir  string
	AudioDir       string
	FinalVideosDir string
}

func (s StorageConfig) AllDirs() []string {
	return []string{
		s.OutputDir, s.TempDir, s.StoryboardsDir,
		s.VideoClipsDir, s.AudioDir, s.FinalVideosDir,
	}
}

// WorkflowConfig names the graph template files submitted to the engine
type WorkflowConfig struct {
	Dir    string
	Image  string
	Video  string
	Speech string
}

func (w WorkflowConfig) ImagePath() string  { return filepath.Join(w.Dir, w.Image) }
func (w WorkflowConfig) VideoPath() string  { return filepath.Join(w.Dir, w.Video) }
func (w WorkflowConfig) SpeechPath() string { return filepath.Join(w.Dir, w.Speech) }

// GenerateConfig carries the orchestration knobs: poll timeouts, retry
// budgets, backoff slopes and the video batch size. Video jobs are far more
// expensive to restart, hence the steeper backoff and smaller retry budget.
type GenerateConfig struct {
	ImageTimeout   time.Duration
	SpeechTimeout  time.Duration
	VideoTimeout   time.Duration
	ImageRetries   int
	SpeechRetries  int
	VideoRetries   int
	ImageBackoff   time.Duration
	VideoBackoff   time.Duration
	BatchSize      int
	CheckpointName string
}

type MonitorConfig struct {
	Interval       time.Duration
	MemoryWarning  float64
	MemoryCritical float64
	TempFileMaxAge time.Duration
}

type RateLimitConfig struct {
	ImagePerHour  int
	VideoPerHour  int
	SpeechPerHour int
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "3000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("engine.host", "127.0.0.1")
	viper.SetDefault("engine.port", 8188)
	viper.SetDefault("engine.input_dir", "engine/input")
	viper.SetDefault("engine.output_dir", "engine/output")
	viper.SetDefault("storage.output_dir", "outputs")
	viper.SetDefault("storage.temp_dir", "temp")
	viper.SetDefault("storage.storyboards_dir", "outputs/storyboards")
	viper.SetDefault("storage.video_clips_dir", "outputs/video_clips")
	viper.SetDefault("storage.audio_dir", "outputs/audio")
	viper.SetDefault("storage.final_videos_dir", "outputs/final_videos")
	viper.SetDefault("workflows.dir", "workflows")
	viper.SetDefault("workflows.image", "text_to_image_api.json")
	viper.SetDefault("workflows.video", "image_to_video.json")
	viper.SetDefault("workflows.speech", "tts_dialogue.json")
	viper.SetDefault("generate.image_timeout", "900s")
	viper.SetDefault("generate.speech_timeout", "900s")
	viper.SetDefault("generate.video_timeout", "600s")
	viper.SetDefault("generate.image_retries", 3)
	viper.SetDefault("generate.speech_retries", 3)
	viper.SetDefault("generate.video_retries", 2)
	viper.SetDefault("generate.image_backoff", "2s")
	viper.SetDefault("generate.video_backoff", "15s")
	viper.SetDefault("generate.batch_size", 1)
	viper.SetDefault("generate.checkpoint_name", "wan2.2-i2v-rapid-aio-v10-48cebdb5debb.safetensors")
	viper.SetDefault("monitor.interval", "5s")
	viper.SetDefault("monitor.memory_warning", 85.0)
	viper.SetDefault("monitor.memory_critical", 95.0)
	viper.SetDefault("monitor.temp_file_max_age", "1h")
	viper.SetDefault("ratelimit.image_per_hour", 60)
	viper.SetDefault("ratelimit.video_per_hour", 20)
	viper.SetDefault("ratelimit.speech_per_hour", 60)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
			Env:  viper.GetString("server.env"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Engine: EngineConfig{
			Host:      viper.GetString("engine.host"),
			Port:      viper.GetInt("engine.port"),
			InputDir:  viper.GetString("engine.input_dir"),
			OutputDir: viper.GetString("engine.output_dir"),
		},
		Storage: StorageConfig{
			OutputDir:      viper.GetString("storage.output_dir"),
			TempDir:        viper.GetString("storage.temp_dir"),
			StoryboardsDir: viper.GetString("storage.storyboards_dir"),
			VideoClipsDir:  viper.GetString("storage.video_clips_dir"),
			AudioDir:       viper.GetString("storage.audio_dir"),
			FinalVideosDir: viper.GetString("storage.final_videos_dir"),
		},
		Workflows: WorkflowConfig{
			Dir:    viper.GetString("workflows.dir"),
			Image:  viper.GetString("workflows.image"),
			Video:  viper.GetString("workflows.video"),
			Speech: viper.GetString("workflows.speech"),
		},
		Generate: GenerateConfig{
			ImageTimeout:   viper.GetDuration("generate.image_timeout"),
			SpeechTimeout:  viper.GetDuration("generate.speech_timeout"),
			VideoTimeout:   viper.GetDuration("generate.video_timeout"),
			ImageRetries:   viper.GetInt("generate.image_retries"),
			SpeechRetries:  viper.GetInt("generate.speech_retries"),
			VideoRetries:   viper.GetInt("generate.video_retries"),
			ImageBackoff:   viper.GetDuration("generate.image_backoff"),
			VideoBackoff:   viper.GetDuration("generate.video_backoff"),
			BatchSize:      viper.GetInt("generate.batch_size"),
			CheckpointName: viper.GetString("generate.checkpoint_name"),
		},
		Monitor: MonitorConfig{
			Interval:       viper.GetDuration("monitor.interval"),
			MemoryWarning:  viper.GetFloat64("monitor.memory_warning"),
			MemoryCritical: viper.GetFloat64("monitor.memory_critical"),
			TempFileMaxAge: viper.GetDuration("monitor.temp_file_max_age"),
		},
		RateLimit: RateLimitConfig{
			ImagePerHour:  viper.GetInt("ratelimit.image_per_hour"),
			VideoPerHour:  viper.GetInt("ratelimit.video_per_hour"),
			SpeechPerHour: viper.GetInt("ratelimit.speech_per_hour"),
		},
	}

	return cfg, nil
}

// EnsureDirs creates every project storage directory up front so jobs never
// race on first write.
func (c *Config) EnsureDirs() error {
	for _, dir := range c.Storage.AllDirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
