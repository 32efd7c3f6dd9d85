package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates configuration problems that must block startup
// (Fatals) from ones that are auto-corrected and merely logged (Warnings).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal validation error was recorded.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals and warnings concatenated, fatals first.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config for invalid values, splitting problems
// into fatal (identity/endpoint malformed beyond repair) and warning
// (out-of-range numeric values, which are clamped to a safe default in
// place). Dangerous zero-values that would cause panics downstream (a
// cooldown of 0 feeding a ticker, a port of 0) are always clamped.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.HostID != "" && !uuidRegex.MatchString(c.HostID) {
		r.Fatals = append(r.Fatals, fmt.Errorf("host_id %q is not a valid UUID", c.HostID))
	}

	if c.TURNServer != "" {
		u, err := url.Parse(c.TURNServer)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("turn_server %q is not a valid URL: %w", c.TURNServer, err))
		} else if u.Scheme != "turn" && u.Scheme != "turns" {
			r.Fatals = append(r.Fatals, fmt.Errorf("turn_server scheme must be turn or turns, got %q", u.Scheme))
		}
	}

	for _, s := range c.STUNServers {
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "stun" && u.Scheme != "stuns") {
			r.Fatals = append(r.Fatals, fmt.Errorf("stun server %q must be a stun: or stuns: URL", s))
		}
	}

	if c.TURNPassword != "" {
		for _, ch := range c.TURNPassword {
			if unicode.IsControl(ch) {
				r.Fatals = append(r.Fatals, fmt.Errorf("turn_password contains control characters"))
				break
			}
		}
	}

	clampInt(&r, "control_port", &c.ControlPort, 1, 65535)
	clampInt(&r, "input_port", &c.InputPort, 1, 65535)
	if c.ControlPort == c.InputPort {
		r.Warnings = append(r.Warnings, fmt.Errorf("control_port and input_port must not be equal (both %d)", c.ControlPort))
	}

	clampInt(&r, "codec_cooldown_seconds", &c.CodecCooldownSeconds, 1, 120)
	clampInt(&r, "min_keyframe_interval_seconds", &c.MinKeyframeIntervalSeconds, 1, 30)
	clampInt(&r, "mode_change_cooldown_seconds", &c.ModeChangeCooldownSeconds, 1, 60)
	clampInt(&r, "retina_switch_cooldown_seconds", &c.RetinaSwitchCooldownSeconds, 1, 300)
	clampInt(&r, "load_penalty_seconds", &c.LoadPenaltySeconds, 1, 120)
	clampInt(&r, "max_fps", &c.MaxFPS, 1, 240)
	clampInt(&r, "capture_fps", &c.CaptureFPS, 1, 240)
	clampInt(&r, "failed_prompt_lockout_seconds", &c.FailedPromptLockoutSeconds, 1, 600)
	clampInt(&r, "heartbeat_timeout_seconds", &c.HeartbeatTimeoutSeconds, 1, 300)

	if c.MaxBitrateMbps < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_bitrate_mbps %.1f is below minimum 1, clamping", c.MaxBitrateMbps))
		c.MaxBitrateMbps = 1
	} else if c.MaxBitrateMbps > 500 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_bitrate_mbps %.1f exceeds maximum 500, clamping", c.MaxBitrateMbps))
		c.MaxBitrateMbps = 500
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	clampInt(&r, "max_concurrent_commands", &c.MaxConcurrentCommands, 1, 100)
	clampInt(&r, "command_queue_size", &c.CommandQueueSize, 1, 10000)

	return r
}

// clampInt records a warning and clamps *v into [min, max] when it falls
// outside that range; it leaves *v untouched otherwise.
func clampInt(r *ValidationResult, field string, v *int, min, max int) {
	if *v < min {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", field, *v, min))
		*v = min
	} else if *v > max {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", field, *v, max))
		*v = max
	}
}
