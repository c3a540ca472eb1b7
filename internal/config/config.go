package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stupiduntilnot/pollbot/internal/offset"
)

// ErrMissingBotKey is returned when the telegram commander has no bot key.
var ErrMissingBotKey = errors.New("bot key is required")

// File is the optional YAML configuration. Environment variables override it.
type File struct {
	Bot struct {
		Key         string  `yaml:"key"`
		Endpoint    string  `yaml:"endpoint"`
		PollTimeout *int64  `yaml:"poll_timeout"`
		SendRate    float64 `yaml:"send_rate"`
		SendBurst   int     `yaml:"send_burst"`
		Commander   string  `yaml:"commander"`
	} `yaml:"bot"`
	Offset struct {
		Backend string `yaml:"backend"`
		File    string `yaml:"file"`
		Key     string `yaml:"key"`
	} `yaml:"offset"`
	DB struct {
		Path string `yaml:"path"`
	} `yaml:"db"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
	Admin struct {
		Addr string `yaml:"addr"`
	} `yaml:"admin"`
	Weather struct {
		APIKey   string   `yaml:"api_key"`
		Endpoint string   `yaml:"endpoint"`
		Lat      *float64 `yaml:"lat"`
		Lon      *float64 `yaml:"lon"`
	} `yaml:"weather"`
	Supervisor struct {
		WorkerBin           string `yaml:"worker_bin"`
		RestartDelaySeconds int    `yaml:"restart_delay_seconds"`
		CrashWindowSeconds  int    `yaml:"crash_window_seconds"`
		CrashThreshold      int    `yaml:"crash_threshold"`
		CrashBackoffSeconds int    `yaml:"crash_backoff_seconds"`
		StableRunSeconds    int    `yaml:"stable_run_seconds"`
	} `yaml:"supervisor"`
}

// LoadFile reads a YAML config file. An empty path yields an empty File.
func LoadFile(path string) (File, error) {
	var f File
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// WorkerConfig holds configuration for the worker process.
type WorkerConfig struct {
	BotKey   string
	Endpoint string
	// PollTimeout is the getUpdates long-poll timeout in seconds; negative
	// leaves the parameter out so the server default applies.
	PollTimeout int64
	SendRate    float64
	SendBurst   int
	Commander   string

	OffsetBackend string
	OffsetFile    string
	OffsetKey     string

	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  string
	LogFormat string
	LogFile   string
	AdminAddr string

	WeatherAPIKey   string
	WeatherEndpoint string
	WeatherLat      *float64
	WeatherLon      *float64

	DummyPollScript string
	DummySendScript string

	WorkerInstanceID string
	ParentEventID    int64
}

// Overrides are command-line values; nil fields leave the loaded value.
type Overrides struct {
	BotKey      *string
	Endpoint    *string
	OffsetFile  *string
	PollTimeout *int64
}

// LoadWorkerConfig layers defaults, the YAML file at path (optional),
// environment variables and ov, then validates the result.
func LoadWorkerConfig(path string, ov Overrides) (WorkerConfig, error) {
	f, err := LoadFile(path)
	if err != nil {
		return WorkerConfig{}, err
	}
	cfg := WorkerConfigFromFile(f)
	cfg.applyEnv()
	if ov.BotKey != nil {
		cfg.BotKey = *ov.BotKey
	}
	if ov.Endpoint != nil {
		cfg.Endpoint = *ov.Endpoint
	}
	if ov.OffsetFile != nil {
		cfg.OffsetFile = *ov.OffsetFile
	}
	if ov.PollTimeout != nil {
		cfg.PollTimeout = *ov.PollTimeout
	}
	if err := cfg.Validate(); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

// WorkerConfigFromFile fills defaults and copies values set in f.
func WorkerConfigFromFile(f File) WorkerConfig {
	cfg := WorkerConfig{
		BotKey:          f.Bot.Key,
		Endpoint:        orDefault(f.Bot.Endpoint, "https://api.telegram.org"),
		PollTimeout:     20,
		SendRate:        f.Bot.SendRate,
		SendBurst:       f.Bot.SendBurst,
		Commander:       orDefault(f.Bot.Commander, "telegram"),
		OffsetBackend:   orDefault(f.Offset.Backend, offset.BackendFile),
		OffsetFile:      orDefault(f.Offset.File, "./state/offset.bin"),
		OffsetKey:       orDefault(f.Offset.Key, "default"),
		DBPath:          f.DB.Path,
		RedisAddr:       f.Redis.Addr,
		RedisPassword:   f.Redis.Password,
		RedisDB:         f.Redis.DB,
		LogLevel:        orDefault(f.Log.Level, "info"),
		LogFormat:       orDefault(f.Log.Format, "json"),
		LogFile:         f.Log.File,
		AdminAddr:       f.Admin.Addr,
		WeatherAPIKey:   f.Weather.APIKey,
		WeatherEndpoint: orDefault(f.Weather.Endpoint, "http://api.weather.yandex.ru/v1/forecast"),
		WeatherLat:      f.Weather.Lat,
		WeatherLon:      f.Weather.Lon,
		DummyPollScript: "ok",
		DummySendScript: "ok",
	}
	if f.Bot.PollTimeout != nil {
		cfg.PollTimeout = *f.Bot.PollTimeout
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	return cfg
}

func (c *WorkerConfig) applyEnv() {
	c.BotKey = envOrDefault("POLLBOT_BOT_KEY", envOrDefault("TELEGRAM_BOT_TOKEN", c.BotKey))
	c.Endpoint = envOrDefault("POLLBOT_ENDPOINT", c.Endpoint)
	c.PollTimeout = int64(envIntOrDefault("POLLBOT_TIMEOUT", int(c.PollTimeout)))
	c.SendRate = envFloatOrDefault("POLLBOT_SEND_RATE", c.SendRate)
	c.SendBurst = envIntOrDefault("POLLBOT_SEND_BURST", c.SendBurst)
	c.Commander = envOrDefault("POLLBOT_COMMANDER", c.Commander)
	c.OffsetBackend = envOrDefault("POLLBOT_OFFSET_BACKEND", c.OffsetBackend)
	c.OffsetFile = envOrDefault("POLLBOT_OFFSET_FILE", c.OffsetFile)
	c.OffsetKey = envOrDefault("POLLBOT_OFFSET_KEY", c.OffsetKey)
	c.DBPath = envOrDefault("POLLBOT_DB_PATH", c.DBPath)
	c.RedisAddr = envOrDefault("POLLBOT_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envOrDefault("POLLBOT_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = envIntOrDefault("POLLBOT_REDIS_DB", c.RedisDB)
	c.LogLevel = envOrDefault("POLLBOT_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("POLLBOT_LOG_FORMAT", c.LogFormat)
	c.LogFile = envOrDefault("POLLBOT_LOG_FILE", c.LogFile)
	c.AdminAddr = envOrDefault("POLLBOT_ADMIN_ADDR", c.AdminAddr)
	c.WeatherAPIKey = envOrDefault("POLLBOT_WEATHER_API_KEY", c.WeatherAPIKey)
	c.WeatherEndpoint = envOrDefault("POLLBOT_WEATHER_ENDPOINT", c.WeatherEndpoint)
	c.WeatherLat = envFloatPtr("POLLBOT_WEATHER_LAT", c.WeatherLat)
	c.WeatherLon = envFloatPtr("POLLBOT_WEATHER_LON", c.WeatherLon)
	c.DummyPollScript = envOrDefault("POLLBOT_DUMMY_POLL_SCRIPT", c.DummyPollScript)
	c.DummySendScript = envOrDefault("POLLBOT_DUMMY_SEND_SCRIPT", c.DummySendScript)
	c.WorkerInstanceID = envOrDefault("WORKER_INSTANCE_ID", "W000000")
	c.ParentEventID = int64(envIntOrDefault("PARENT_EVENT_ID", 0))
}

// Validate checks cross-field constraints and names the variable to fix.
func (c *WorkerConfig) Validate() error {
	switch c.Commander {
	case "telegram":
		if strings.TrimSpace(c.BotKey) == "" {
			return fmt.Errorf("%w: set POLLBOT_BOT_KEY (or TELEGRAM_BOT_TOKEN) when POLLBOT_COMMANDER=telegram", ErrMissingBotKey)
		}
		u, err := url.Parse(c.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("POLLBOT_ENDPOINT must be an http(s) URL, got %q", c.Endpoint)
		}
	case "dummy":
	default:
		return fmt.Errorf("POLLBOT_COMMANDER must be telegram or dummy, got %q", c.Commander)
	}

	switch c.OffsetBackend {
	case offset.BackendFile:
		if c.OffsetFile == "" {
			return errors.New("POLLBOT_OFFSET_FILE is required when POLLBOT_OFFSET_BACKEND=file")
		}
	case offset.BackendSQLite:
		if c.DBPath == "" {
			return errors.New("POLLBOT_DB_PATH is required when POLLBOT_OFFSET_BACKEND=sqlite")
		}
	case offset.BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("POLLBOT_REDIS_ADDR is required when POLLBOT_OFFSET_BACKEND=redis")
		}
	default:
		return fmt.Errorf("POLLBOT_OFFSET_BACKEND must be file, sqlite or redis, got %q", c.OffsetBackend)
	}

	if c.SendRate < 0 {
		return fmt.Errorf("POLLBOT_SEND_RATE must be >= 0, got %v", c.SendRate)
	}
	if (c.WeatherLat == nil) != (c.WeatherLon == nil) {
		return errors.New("POLLBOT_WEATHER_LAT and POLLBOT_WEATHER_LON must be set together")
	}
	return nil
}

// OffsetStoreKey is the key handed to the offset store: the file path for
// the file backend, the logical key otherwise.
func (c *WorkerConfig) OffsetStoreKey() string {
	if c.OffsetBackend == offset.BackendFile {
		return c.OffsetFile
	}
	return c.OffsetKey
}

// PollTimeoutParam returns the timeout to send, or nil to omit it.
func (c *WorkerConfig) PollTimeoutParam() *int64 {
	if c.PollTimeout < 0 {
		return nil
	}
	v := c.PollTimeout
	return &v
}

// SupervisorConfig holds configuration for the supervisor process.
type SupervisorConfig struct {
	WorkerBin           string
	WorkerArgs          []string
	DBPath              string
	RestartDelaySeconds int
	CrashWindowSeconds  int
	CrashThreshold      int
	CrashBackoffSeconds int
	StableRunSeconds    int
	LogLevel            string
	LogFormat           string
}

// LoadSupervisorConfig reads the YAML file at path (optional) and the
// environment.
func LoadSupervisorConfig(path string) (SupervisorConfig, error) {
	f, err := LoadFile(path)
	if err != nil {
		return SupervisorConfig{}, err
	}
	s := f.Supervisor
	cfg := SupervisorConfig{
		WorkerBin:           envOrDefault("WORKER_BIN", orDefault(s.WorkerBin, "./bin/worker")),
		DBPath:              envOrDefault("POLLBOT_DB_PATH", orDefault(f.DB.Path, "./state/pollbot.db")),
		RestartDelaySeconds: envIntOrDefault("SUPERVISOR_RESTART_DELAY_SECONDS", intOrDefault(s.RestartDelaySeconds, 1)),
		CrashWindowSeconds:  envIntOrDefault("SUPERVISOR_CRASH_WINDOW_SECONDS", intOrDefault(s.CrashWindowSeconds, 300)),
		CrashThreshold:      envIntOrDefault("SUPERVISOR_CRASH_THRESHOLD", intOrDefault(s.CrashThreshold, 3)),
		CrashBackoffSeconds: envIntOrDefault("SUPERVISOR_CRASH_BACKOFF_SECONDS", intOrDefault(s.CrashBackoffSeconds, 60)),
		StableRunSeconds:    envIntOrDefault("SUPERVISOR_STABLE_RUN_SECONDS", intOrDefault(s.StableRunSeconds, 30)),
		LogLevel:            envOrDefault("POLLBOT_LOG_LEVEL", orDefault(f.Log.Level, "info")),
		LogFormat:           envOrDefault("POLLBOT_LOG_FORMAT", orDefault(f.Log.Format, "json")),
	}
	if args := strings.TrimSpace(os.Getenv("WORKER_ARGS")); args != "" {
		cfg.WorkerArgs = strings.Fields(args)
	}
	if cfg.CrashThreshold <= 0 {
		return SupervisorConfig{}, fmt.Errorf("SUPERVISOR_CRASH_THRESHOLD must be > 0, got %d", cfg.CrashThreshold)
	}
	if cfg.RestartDelaySeconds < 0 {
		return SupervisorConfig{}, fmt.Errorf("SUPERVISOR_RESTART_DELAY_SECONDS must be >= 0, got %d", cfg.RestartDelaySeconds)
	}
	return cfg, nil
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func intOrDefault(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatOrDefault(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envFloatPtr(key string, fallback *float64) *float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return &f
}
