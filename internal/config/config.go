// Package config loads rollout worker and replay buffer settings.
//
// Precedence: defaults, then the YAML file, then environment variables
// such as WORKER_ID, POLICY_REFRESH_SEC, BACKOFF_MS, ROLLOUT_*, BUFFER_* and
// PORT. applyEnv has the full list.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Rollout modes.
const (
	ModeSingle     = "single"
	ModeMultitask  = "multitask"
	ModeMultiagent = "multiagent"
)

type Config struct {
	Worker  WorkerConfig  `yaml:"worker"`
	Rollout RolloutConfig `yaml:"rollout"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type WorkerConfig struct {
	ID            string        `yaml:"id"`
	BufferURL     string        `yaml:"buffer_url"`
	TrainerURL    string        `yaml:"trainer_url"`
	BatchEpisodes int           `yaml:"batch_episodes"`
	PolicyRefresh time.Duration `yaml:"policy_refresh"`
	Seed          int64         `yaml:"seed"`
	Backoff       time.Duration `yaml:"backoff"`
	// BatchesPerSecond caps how often batches are posted; 0 means no cap.
	BatchesPerSecond float64 `yaml:"batches_per_second"`
}

type RolloutConfig struct {
	Mode string `yaml:"mode"`
	// MaxPathLength of -1 means unbounded.
	MaxPathLength         int            `yaml:"max_path_length"`
	Render                bool           `yaml:"render"`
	RenderKwargs          map[string]any `yaml:"render_kwargs"`
	ObservationKey        string         `yaml:"observation_key"`
	DesiredGoalKey        string         `yaml:"desired_goal_key"`
	AchievedGoalKey       string         `yaml:"achieved_goal_key"`
	RepresentationGoalKey string         `yaml:"representation_goal_key"`
	GetActionKwargs       map[string]any `yaml:"get_action_kwargs"`
	ResetKwargs           map[string]any `yaml:"reset_kwargs"`
	ReturnDictObs         bool           `yaml:"return_dict_obs"`
	SeekerSpeed           float64        `yaml:"seeker_speed"`
	SeekerNoise           float64        `yaml:"seeker_noise"`
}

type BufferConfig struct {
	Capacity int    `yaml:"capacity"`
	Policy   string `yaml:"policy"`
	Port     string `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Addr is the worker's metrics listen address; empty disables it.
	Addr string `yaml:"addr"`
}

func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			ID:            "worker-" + strconv.FormatInt(time.Now().UnixNano(), 10),
			BufferURL:     "http://localhost:9001",
			BatchEpisodes: 8,
			PolicyRefresh: 5 * time.Second,
			Seed:          time.Now().UnixNano(),
			Backoff:       500 * time.Millisecond,
		},
		Rollout: RolloutConfig{
			Mode:            ModeMultiagent,
			MaxPathLength:   100,
			ObservationKey:  "observation",
			DesiredGoalKey:  "desired_goal",
			AchievedGoalKey: "achieved_goal",
			SeekerSpeed:     0.1,
		},
		Buffer: BufferConfig{
			Capacity: 2048,
			Policy:   "fifo",
			Port:     "9001",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBuffer is Load for the replay buffer binary: only the buffer section
// is validated, so worker settings in a shared file or .env cannot keep the
// buffer from starting.
func LoadBuffer(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateBuffer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Worker.ID = getenv("WORKER_ID", c.Worker.ID)
	c.Worker.BufferURL = getenv("BUFFER_URL", c.Worker.BufferURL)
	c.Worker.TrainerURL = getenv("TRAINER_URL", c.Worker.TrainerURL)
	c.Worker.BatchEpisodes = getenvInt("BATCH_EPISODES", c.Worker.BatchEpisodes)
	c.Worker.PolicyRefresh = getenvDuration("POLICY_REFRESH_SEC", time.Second, c.Worker.PolicyRefresh)
	c.Worker.Seed = getenvInt64("SEED", c.Worker.Seed)
	c.Worker.Backoff = getenvDuration("BACKOFF_MS", time.Millisecond, c.Worker.Backoff)

	c.Rollout.Mode = getenv("ROLLOUT_MODE", c.Rollout.Mode)
	c.Rollout.MaxPathLength = getenvInt("ROLLOUT_MAX_PATH_LENGTH", c.Rollout.MaxPathLength)
	c.Rollout.Render = getenvBool("ROLLOUT_RENDER", c.Rollout.Render)
	c.Rollout.ReturnDictObs = getenvBool("ROLLOUT_RETURN_DICT_OBS", c.Rollout.ReturnDictObs)

	c.Buffer.Capacity = getenvInt("BUFFER_CAPACITY", c.Buffer.Capacity)
	c.Buffer.Policy = getenv("BUFFER_POLICY", c.Buffer.Policy)
	c.Buffer.Port = getenv("PORT", c.Buffer.Port)

	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("LOG_FORMAT", c.Log.Format)
	c.Metrics.Addr = getenv("METRICS_ADDR", c.Metrics.Addr)
}

func (c *Config) Validate() error {
	switch c.Rollout.Mode {
	case ModeSingle, ModeMultitask, ModeMultiagent:
	default:
		return fmt.Errorf("rollout mode must be %q, %q or %q, got %q", ModeSingle, ModeMultitask, ModeMultiagent, c.Rollout.Mode)
	}
	if c.Rollout.MaxPathLength < -1 {
		return errors.New("max_path_length must be -1 (unbounded) or >= 0")
	}
	if c.Rollout.Mode == ModeMultiagent && c.Rollout.MaxPathLength < 0 {
		return errors.New("multiagent rollouts need a bounded max_path_length")
	}
	if c.Rollout.SeekerSpeed <= 0 {
		return errors.New("seeker_speed must be > 0")
	}
	if c.Worker.BatchEpisodes <= 0 {
		return errors.New("batch episodes must be > 0")
	}
	if c.Worker.BatchesPerSecond < 0 {
		return errors.New("batches_per_second must be >= 0")
	}
	return c.ValidateBuffer()
}

func (c *Config) ValidateBuffer() error {
	if c.Buffer.Capacity <= 0 {
		return errors.New("buffer capacity must be > 0")
	}
	if c.Buffer.Policy != "fifo" && c.Buffer.Policy != "freshness" {
		return errors.New("buffer policy must be 'fifo' or 'freshness'")
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go durations ("750ms") or a bare number of units.
func getenvDuration(key string, unit, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * unit
}
