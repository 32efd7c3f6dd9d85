package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/emberlink/hostd/internal/logging"
)

var log = logging.L("config")

// Config is the host daemon's full runtime configuration: listen ports,
// device identity, NAT-traversal endpoints, and the Omniscient engine's
// tunable cooldowns and ceilings. Loaded via viper so any field can be
// overridden by an env var (HOSTD_ prefix) or the yaml file.
type Config struct {
	HostID     string `mapstructure:"host_id"`
	DeviceName string `mapstructure:"device_name"`

	ControlPort int `mapstructure:"control_port"`
	InputPort   int `mapstructure:"input_port"`

	STUNServers []string `mapstructure:"stun_servers"`

	TURNServer   string `mapstructure:"turn_server"`
	TURNUsername string `mapstructure:"turn_username"`
	TURNPassword string `mapstructure:"turn_password"`
	TURNRealm    string `mapstructure:"turn_realm"`

	// Engine cooldowns and ceilings, all in seconds unless noted.
	CodecCooldownSeconds        int     `mapstructure:"codec_cooldown_seconds"`
	MinKeyframeIntervalSeconds  int     `mapstructure:"min_keyframe_interval_seconds"`
	ModeChangeCooldownSeconds   int     `mapstructure:"mode_change_cooldown_seconds"`
	RetinaSwitchCooldownSeconds int     `mapstructure:"retina_switch_cooldown_seconds"`
	LoadPenaltySeconds          int     `mapstructure:"load_penalty_seconds"`
	StaticDurationThreshold     float64 `mapstructure:"static_duration_threshold_seconds"`
	MaxBitrateMbps              float64 `mapstructure:"max_bitrate_mbps"`
	MaxFPS                      int     `mapstructure:"max_fps"`

	// Capture defaults; the frame source may renegotiate these at runtime.
	CaptureFPS          int     `mapstructure:"capture_fps"`
	CaptureScale         float64 `mapstructure:"capture_scale"`
	CaptureColorDepth    int     `mapstructure:"capture_color_depth"`

	// Session/auth
	FailedPromptLockoutSeconds int `mapstructure:"failed_prompt_lockout_seconds"`
	HeartbeatTimeoutSeconds    int `mapstructure:"heartbeat_timeout_seconds"`

	// Signalling service (external collaborator, §6): register/update/
	// discover this host by device identity and keep its public endpoint
	// fresh so remote clients can find it before a direct/relay session
	// is negotiated.
	SignalingURL              string `mapstructure:"signaling_url"`
	SignalingAuthToken        string `mapstructure:"signaling_auth_token"`
	SignalingHeartbeatSeconds int    `mapstructure:"signaling_heartbeat_seconds"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	MaxConcurrentCommands int `mapstructure:"max_concurrent_commands"`
	CommandQueueSize      int `mapstructure:"command_queue_size"`
}

func Default() *Config {
	return &Config{
		ControlPort: 5100,
		InputPort:   5002,

		STUNServers: []string{"stun:stun.l.google.com:19302"},

		CodecCooldownSeconds:        15,
		MinKeyframeIntervalSeconds:  2,
		ModeChangeCooldownSeconds:   5,
		RetinaSwitchCooldownSeconds: 30,
		LoadPenaltySeconds:          10,
		StaticDurationThreshold:     10,
		MaxBitrateMbps:              100,
		MaxFPS:                      60,

		CaptureFPS:        60,
		CaptureScale:      1.0,
		CaptureColorDepth: 8,

		FailedPromptLockoutSeconds: 30,
		HeartbeatTimeoutSeconds:    15,

		SignalingHeartbeatSeconds: 30,

		LogLevel:  "info",
		LogFormat: "text",

		MaxConcurrentCommands: 10,
		CommandQueueSize:      100,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("hostd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("HOSTD")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("host_id", cfg.HostID)
	viper.Set("device_name", cfg.DeviceName)
	viper.Set("control_port", cfg.ControlPort)
	viper.Set("input_port", cfg.InputPort)
	viper.Set("stun_servers", cfg.STUNServers)
	viper.Set("turn_server", cfg.TURNServer)
	viper.Set("turn_username", cfg.TURNUsername)
	viper.Set("turn_password", cfg.TURNPassword)
	viper.Set("turn_realm", cfg.TURNRealm)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "hostd.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains TURN credentials)
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for the host daemon.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "hostd", "data")
	case "darwin":
		return "/Library/Application Support/hostd/data"
	default:
		return "/var/lib/hostd"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "hostd")
	case "darwin":
		return "/Library/Application Support/hostd"
	default:
		return "/etc/hostd"
	}
}
