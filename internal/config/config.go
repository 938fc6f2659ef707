package config

import "time"

// Config holds all static application configuration. Values here are fixed
// for the lifetime of the process; knobs that may change while the pipeline
// is running live in Runtime instead.
type Config struct {
	DetectionConfig  DetectionConfig  `yaml:"detection"`
	AttendanceConfig AttendanceConfig `yaml:"attendance"`
	JournalConfig    JournalConfig    `yaml:"journal"`
	SnapshotConfig   SnapshotConfig   `yaml:"snapshots"`
	CameraConfig     CameraConfig     `yaml:"camera"`
	LogLevel         string           `yaml:"log_level"`
	Development      bool             `yaml:"development"`
}

// DetectionConfig describes the remote detection/recognition service.
type DetectionConfig struct {
	StreamAddr        string        `yaml:"stream_addr"` // host:port of the websocket stream endpoint
	StreamPath        string        `yaml:"stream_path"`
	RecognizeURL      string        `yaml:"recognize_url"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	RTTWindow         int           `yaml:"rtt_window"` // round-trip samples kept for frame skipping
}

// AttendanceConfig describes the attendance persistence API.
type AttendanceConfig struct {
	BaseURL      string `yaml:"base_url"`
	GroupID      string `yaml:"group_id"`
	Location     string `yaml:"location"`
	TokenURL     string `yaml:"token_url"` // optional; enables OAuth2 client-credentials auth
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// JournalConfig configures the optional local attendance journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"` // Postgres connection string
}

// SnapshotConfig configures the optional face-crop archive.
type SnapshotConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
}

// CameraConfig holds capture parameters.
type CameraConfig struct {
	PreferredDeviceID string        `yaml:"preferred_device_id"`
	Width             int           `yaml:"width"`
	Height            int           `yaml:"height"`
	JPEGQuality       int           `yaml:"jpeg_quality"`
	StartDebounce     time.Duration `yaml:"start_debounce"`
	StopDebounce      time.Duration `yaml:"stop_debounce"`
	StalenessLimit    time.Duration `yaml:"staleness_limit"`
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DetectionConfig: DetectionConfig{
			StreamAddr:        "localhost:8765",
			StreamPath:        "/stream",
			RecognizeURL:      "http://localhost:8765/recognize",
			KeepaliveInterval: 30 * time.Second,
			MaxReconnects:     10,
			RTTWindow:         10,
		},
		AttendanceConfig: AttendanceConfig{
			BaseURL: "http://localhost:3001/api",
		},
		CameraConfig: CameraConfig{
			Width:          1280,
			Height:         720,
			JPEGQuality:    80,
			StartDebounce:  200 * time.Millisecond,
			StopDebounce:   100 * time.Millisecond,
			StalenessLimit: 250 * time.Millisecond,
		},
		LogLevel: "info",
	}
}
