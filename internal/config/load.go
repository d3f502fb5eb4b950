package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// Load layers configuration in three tiers: hardcoded defaults, then an
// optional JSON file, then environment variable overrides.
func Load() (Config, error) {
	cfg := Defaults()

	path := strings.TrimSpace(os.Getenv("FORGE_CONFIG_PATH"))
	if path == "" {
		if _, err := os.Stat("./config/config.json"); err == nil {
			path = "./config/config.json"
		}
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, cfg)
}

func applyEnvOverrides(cfg *Config) {
	strVar(&cfg.Host, "HOST")
	intVar(&cfg.Port, "PORT")
	strVar(&cfg.ComfyUIURL, "COMFYUI_URL")
	strVar(&cfg.OutputDir, "OUTPUT_DIR")
	strVar(&cfg.InputDir, "INPUT_DIR")
	strVar(&cfg.QueuePath, "QUEUE_PATH")
	intVar(&cfg.MaxQueueSize, "MAX_QUEUE_SIZE")
	intVar(&cfg.MaxWSConnections, "MAX_WS_CONNECTIONS")
	intVar(&cfg.MaxConcurrentJobs, "MAX_CONCURRENT_TASKS")
	floatSecondsVar(&cfg.TaskTimeout, "TASK_TIMEOUT")
	intVar(&cfg.MinWorkers, "MIN_WORKERS")
	intVar(&cfg.MaxWorkers, "MAX_WORKERS")
	intVar(&cfg.ScaleThreshold, "SCALE_THRESHOLD")
	strVar(&cfg.LogMode, "LOG_MODE")
	strVar(&cfg.APIKey, "FORGE_API_KEY")
	strVar(&cfg.PostgresDSN, "DATABASE_URL")
	strVar(&cfg.RedisAddr, "REDIS_ADDR")
	strVar(&cfg.RedisChannel, "REDIS_CHANNEL")
	strVar(&cfg.ContainerdSocket, "CONTAINERD_SOCKET")
	boolVar(&cfg.GPUEnabled, "GPU_ENABLED")
}

func boolVar(dst *bool, env string) {
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func strVar(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func intVar(dst *int, env string) {
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// floatSecondsVar parses TASK_TIMEOUT as a float number of seconds,
// so "300.0" and "1.5" both work.
func floatSecondsVar(dst *Duration, env string) {
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = Duration(int64(f * float64(1_000_000_000)))
	}
}
