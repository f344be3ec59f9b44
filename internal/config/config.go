package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SlyRix/FotoBox-sub000/internal/logger"
)

// Config is the root configuration for the photobooth backend
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level"`

	Camera  CameraConfig  `json:"camera" yaml:"camera"`
	Upload  UploadConfig  `json:"upload" yaml:"upload"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// CameraConfig configures the capture device commands and the supervisor's
// retry policy. Command slices are argv vectors; capture commands may contain
// the {output} placeholder, replaced with the destination file path.
type CameraConfig struct {
	StreamCommand   []string `json:"stream_command" yaml:"stream_command"`
	CaptureCommand  []string `json:"capture_command" yaml:"capture_command"`
	FallbackCommand []string `json:"fallback_command" yaml:"fallback_command"`

	FatalStderrPatterns []string `json:"fatal_stderr_patterns" yaml:"fatal_stderr_patterns"`

	MaxRetries         int           `json:"max_retries" yaml:"max_retries"`
	RetryCooldown      time.Duration `json:"retry_cooldown" yaml:"retry_cooldown"`
	ResetCooldown      time.Duration `json:"reset_cooldown" yaml:"reset_cooldown"`
	StopTimeout        time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
	StabilizationDelay time.Duration `json:"stabilization_delay" yaml:"stabilization_delay"`
	CaptureTimeout     time.Duration `json:"capture_timeout" yaml:"capture_timeout"`

	MaxFrameBuffer int `json:"max_frame_buffer" yaml:"max_frame_buffer"`
	ThumbnailWidth int `json:"thumbnail_width" yaml:"thumbnail_width"`
}

// UploadConfig configures the remote upload endpoint and queue behavior
type UploadConfig struct {
	Endpoint       string `json:"endpoint" yaml:"endpoint"`
	StatusEndpoint string `json:"status_endpoint" yaml:"status_endpoint"`
	APIKey         string `json:"-" yaml:"api_key"`
	BaseURL        string `json:"base_url" yaml:"base_url"`

	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay"`
	ProbeInterval  time.Duration `json:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout   time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// StorageConfig configures local directories for photos and queue records
type StorageConfig struct {
	PhotoDir string `json:"photo_dir" yaml:"photo_dir"`
	QRDir    string `json:"qr_dir" yaml:"qr_dir"`
	QueueDir string `json:"queue_dir" yaml:"queue_dir"`
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager(configFile string) (*Manager, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", "fotobox")
	defaultConfigPath := filepath.Join(configDir, "config.yaml")

	actualConfigPath := defaultConfigPath
	if configFile != "" {
		actualConfigPath = configFile
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = m.getDefaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config loaded")

	return m, nil
}

// getDefaults returns default configuration
func (m *Manager) getDefaults() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "fotobox")

	return &Config{
		ServerPort: 4000,
		LogLevel:   "info",
		Camera: CameraConfig{
			StreamCommand: []string{
				"gphoto2", "--capture-movie", "--stdout",
			},
			CaptureCommand: []string{
				"gphoto2", "--capture-image-and-download", "--filename", "{output}", "--force-overwrite",
			},
			FallbackCommand: []string{
				"rpicam-still", "--nopreview", "--output", "{output}",
			},
			FatalStderrPatterns: []string{
				"device busy",
				"Could not claim the USB device",
				"no camera found",
			},
			MaxRetries:         3,
			RetryCooldown:      5 * time.Second,
			ResetCooldown:      30 * time.Second,
			StopTimeout:        3 * time.Second,
			StabilizationDelay: 1500 * time.Millisecond,
			CaptureTimeout:     15 * time.Second,
			MaxFrameBuffer:     4 * 1024 * 1024,
			ThumbnailWidth:     480,
		},
		Upload: UploadConfig{
			Endpoint:       "https://fotobox.example.com/api/upload",
			StatusEndpoint: "https://fotobox.example.com/api/status",
			BaseURL:        "https://fotobox.example.com",
			MaxRetries:     5,
			RetryDelay:     30 * time.Second,
			ProbeInterval:  60 * time.Second,
			ProbeTimeout:   5 * time.Second,
			RequestTimeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			PhotoDir: filepath.Join(dataDir, "photos"),
			QRDir:    filepath.Join(dataDir, "qrcodes"),
			QueueDir: filepath.Join(dataDir, "queue"),
		},
	}
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := m.getDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := *m.config
	return &cfg
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = m.getDefaults()
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// SetPort overrides the server port
func (m *Manager) SetPort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.ServerPort = port
}

// SetLogLevel overrides the log level
func (m *Manager) SetLogLevel(level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.LogLevel = level
}

// GetConfigPath returns the path of the loaded config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
