package config

// Config is the fully-resolved process configuration: server address,
// directories, the bolt queue path, worker pool bounds, and the optional
// Postgres/Redis/containerd wiring.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	ComfyUIURL string `json:"comfyui_url"`

	OutputDir string `json:"output_dir"`
	InputDir  string `json:"input_dir"`
	QueuePath string `json:"queue_path"`

	MaxQueueSize      int `json:"max_queue_size"`
	MaxWSConnections  int `json:"max_ws_connections"`
	MaxConcurrentJobs int `json:"max_concurrent_tasks"`

	TaskTimeout Duration `json:"task_timeout"`

	MinWorkers     int `json:"min_workers"`
	MaxWorkers     int `json:"max_workers"`
	ScaleThreshold int `json:"scale_threshold"`

	LogMode string `json:"log_mode"`

	APIKey string `json:"api_key"`

	// PostgresDSN, when set, wires internal/store's gorm/postgres reader
	// and writer for build lookups and execution records.
	PostgresDSN string `json:"postgres_dsn"`

	// RedisAddr, when set, wires the Progress Bus's optional same-host
	// pub/sub backplane.
	RedisAddr    string `json:"redis_addr"`
	RedisChannel string `json:"redis_channel"`

	// CleanupOutputsAfter is the age threshold for the Resource Sensor's
	// periodic OUTPUT_DIR sweep.
	CleanupOutputsAfter Duration `json:"cleanup_outputs_after"`

	// ContainerdSocket is the containerd API socket the Container
	// Supervisor dials to manage per-workflow inference containers.
	ContainerdSocket string `json:"containerd_socket"`
	// GPUEnabled sets NVIDIA_VISIBLE_DEVICES=all in the environment of
	// supervised containers.
	GPUEnabled bool `json:"gpu_enabled"`

	CPUMax  float64 `json:"cpu_max"`
	MemMax  float64 `json:"mem_max"`
	DiskMax float64 `json:"disk_max"`
}

// Defaults returns the hardcoded tier-one defaults.
func Defaults() Config {
	return Config{
		Host:                "127.0.0.1",
		Port:                8000,
		ComfyUIURL:          "",
		OutputDir:           "./output",
		InputDir:            "./input",
		QueuePath:           "./data/queue.db",
		MaxQueueSize:        1000,
		MaxWSConnections:    100,
		MaxConcurrentJobs:   2,
		TaskTimeout:         Duration(300_000_000_000), // 300s
		MinWorkers:          1,
		MaxWorkers:          4,
		ScaleThreshold:      5,
		LogMode:             "development",
		RedisChannel:        "forge.progress",
		CleanupOutputsAfter: Duration(3600_000_000_000), // 1h
		ContainerdSocket:    "/run/containerd/containerd.sock",
		CPUMax:              90,
		MemMax:              85,
		DiskMax:             95,
	}
}
