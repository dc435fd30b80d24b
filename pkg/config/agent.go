package config

import (
	"os"
	"path/filepath"
	"time"
)

// AgentConfig holds runtime configuration for the polling agent.
type AgentConfig struct {
	ServerURL        string
	DeviceAuthToken  string
	CachePath        string
	FilterStatePath  string
	LogLevel         string
	PollInterval     time.Duration
	RequestTimeout   time.Duration
	BatchSize        int
	MaxSendAttempts  int
	MaxPollErrors    int
	DistanceMeters   float64
	PoorAccuracy     float64
	MinInterval      time.Duration
	AccuracyGain     float64
	HeartbeatEvery   time.Duration
}

// LoadAgentConfig constructs an AgentConfig from environment variables.
func LoadAgentConfig() AgentConfig {
	home, _ := os.UserHomeDir()
	defaultCache := filepath.Join(home, "Library", "Caches", "com.apple.findmy.fmipcore", "Items.data")
	return AgentConfig{
		ServerURL:       GetString("FINDMYCAT_SERVER_URL", "http://localhost:4000"),
		DeviceAuthToken: GetString("DEVICE_AUTH_TOKEN", ""),
		CachePath:       GetString("FINDMY_CACHE_PATH", defaultCache),
		FilterStatePath: GetString("FILTER_STATE_PATH", ""),
		LogLevel:        GetString("LOG_LEVEL", "info"),
		PollInterval:    GetDuration("POLL_INTERVAL", 10*time.Second),
		RequestTimeout:  GetDuration("REQUEST_TIMEOUT", 30*time.Second),
		BatchSize:       GetInt("BATCH_SIZE", 10),
		MaxSendAttempts: GetInt("MAX_SEND_ATTEMPTS", 3),
		MaxPollErrors:   GetInt("MAX_POLL_ERRORS", 5),
		DistanceMeters:  GetFloat("FILTER_DISTANCE_METERS", 20),
		PoorAccuracy:    GetFloat("FILTER_POOR_ACCURACY_METERS", 150),
		MinInterval:     GetDuration("FILTER_MIN_INTERVAL", 5*time.Second),
		AccuracyGain:    GetFloat("FILTER_ACCURACY_GAIN", 0.4),
		HeartbeatEvery:  GetDuration("FILTER_HEARTBEAT_INTERVAL", 10*time.Minute),
	}
}
