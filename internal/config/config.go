// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the daemon reads at startup.
type Config struct {
	// HTTP / UI surface.
	HTTPAddr string

	// Remote model session.
	GeminiAPIKey string
	Model        string
	SystemPrompt string
	VoiceName    string

	// Capture.
	VideoMode     string // "none", "camera", or "screen"
	InputDevice   string // substring match against device names, empty = default
	FrameInterval time.Duration
	CaptureCmd    string

	// Audio format. The remote session consumes 16 kHz mono int16 and
	// produces 24 kHz mono int16.
	SendSampleRate    int
	ReceiveSampleRate int
	ChunkFrames       int

	// Voice activity detection.
	VADThreshold  float64
	SilenceWindow time.Duration

	// Queues.
	OutboundQueueSize int
	PlaybackQueueSize int

	// Tool gating.
	ConfirmTimeout time.Duration

	// Workspace.
	WorkspaceRoot string
	SettingsPath  string

	// Agents.
	BrowserAgentURL string
	PythonPath      string
	SlicerPath      string

	// FaceAuthCmd, when set, runs on session start and must exit zero
	// for the session to proceed.
	FaceAuthCmd string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr: getEnv("ADA_HTTP_ADDR", ":8765"),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		Model:        getEnv("ADA_MODEL", "models/gemini-2.0-flash-live-001"),
		SystemPrompt: getEnv("ADA_SYSTEM_PROMPT", ""),
		VoiceName:    getEnv("ADA_VOICE", "Puck"),

		VideoMode:     getEnv("ADA_VIDEO_MODE", "camera"),
		InputDevice:   getEnv("ADA_INPUT_DEVICE", ""),
		FrameInterval: getEnvDuration("ADA_FRAME_INTERVAL", time.Second),
		CaptureCmd:    getEnv("ADA_CAPTURE_CMD", ""),

		SendSampleRate:    getEnvInt("ADA_SEND_SAMPLE_RATE", 16000),
		ReceiveSampleRate: getEnvInt("ADA_RECEIVE_SAMPLE_RATE", 24000),
		ChunkFrames:       getEnvInt("ADA_CHUNK_FRAMES", 1024),

		VADThreshold:  getEnvFloat("ADA_VAD_THRESHOLD", 800),
		SilenceWindow: getEnvDuration("ADA_SILENCE_WINDOW", 500*time.Millisecond),

		OutboundQueueSize: getEnvInt("ADA_OUTBOUND_QUEUE", 10),
		PlaybackQueueSize: getEnvInt("ADA_PLAYBACK_QUEUE", 64),

		ConfirmTimeout: getEnvDuration("ADA_CONFIRM_TIMEOUT", 60*time.Second),

		WorkspaceRoot: getEnv("ADA_WORKSPACE", defaultWorkspace()),
		SettingsPath:  getEnv("ADA_SETTINGS_PATH", ""),

		BrowserAgentURL: getEnv("ADA_BROWSER_AGENT_URL", "http://127.0.0.1:8731"),
		PythonPath:      getEnv("ADA_PYTHON", "python3"),
		SlicerPath:      getEnv("ADA_SLICER", ""),

		FaceAuthCmd: getEnv("ADA_FACE_AUTH_CMD", ""),
	}

	if cfg.SettingsPath == "" {
		cfg.SettingsPath = cfg.WorkspaceRoot + "/settings.json"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	switch c.VideoMode {
	case "none", "camera", "screen":
	default:
		return fmt.Errorf("invalid ADA_VIDEO_MODE %q (want none, camera, or screen)", c.VideoMode)
	}
	if c.SendSampleRate <= 0 || c.ReceiveSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if c.ChunkFrames <= 0 {
		return fmt.Errorf("ADA_CHUNK_FRAMES must be positive")
	}
	if c.VADThreshold < 0 {
		return fmt.Errorf("ADA_VAD_THRESHOLD must be non-negative")
	}
	if c.OutboundQueueSize <= 0 || c.PlaybackQueueSize <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}
	return nil
}

func defaultWorkspace() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./ada-workspace"
	}
	return home + "/ada-workspace"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}
