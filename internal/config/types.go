package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Channel ChannelConfig `json:"channel"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Plugins keys are instance names. One plugin type may be configured
	// more than once under different instance names (e.g. two video devices).
	Plugins map[string]PluginRaw `json:"plugins"`
}

// ChannelConfig describes the single broadcast channel this process runs.
//
// All scheduling arithmetic is done in frames at FrameRate. Trigger times are
// absolute unix seconds; durations are frame counts.
type ChannelConfig struct {
	Name string `json:"name"`

	// FrameRate in frames per second. Defaults to 25 when omitted.
	FrameRate int `json:"frame_rate,omitempty"`

	// CrosspointDevice/CrosspointPort name the switcher input feeding this
	// channel, used by event processors that cut back to the studio.
	CrosspointDevice string `json:"crosspoint_device,omitempty"`
	CrosspointPort   string `json:"crosspoint_port,omitempty"`

	// Reload behavior for crashed plugins.
	// MaxReloads is the number of automatic reload attempts before a plugin
	// is shut down permanently. ReloadBackoffFrames is the base countdown;
	// the wait grows with each consecutive attempt.
	MaxReloads          int `json:"max_reloads,omitempty"`
	ReloadBackoffFrames int `json:"reload_backoff_frames,omitempty"`
}

func (c ChannelConfig) EffectiveFrameRate() int {
	if c.FrameRate <= 0 {
		return 25
	}
	return c.FrameRate
}

// FramePeriod is the wall-clock length of one tick.
func (c ChannelConfig) FramePeriod() time.Duration {
	return time.Second / time.Duration(c.EffectiveFrameRate())
}

// Frames converts whole seconds to a frame count.
func (c ChannelConfig) Frames(seconds int64) int64 {
	return seconds * int64(c.EffectiveFrameRate())
}

// Seconds converts a frame count to whole seconds, rounding down.
func (c ChannelConfig) Seconds(frames int64) int64 {
	return frames / int64(c.EffectiveFrameRate())
}

func (c ChannelConfig) EffectiveMaxReloads() int {
	if c.MaxReloads <= 0 {
		return 3
	}
	return c.MaxReloads
}

// ReloadTime returns the countdown (in frames) before the next reload attempt.
// The wait grows as reloads are used up, so a plugin that keeps crashing backs
// off harder each time.
func (c ChannelConfig) ReloadTime(reloadsRemaining int) int {
	base := c.ReloadBackoffFrames
	if base <= 0 {
		base = 5 * c.EffectiveFrameRate()
	}
	attempt := c.EffectiveMaxReloads() - reloadsRemaining + 1
	if attempt < 1 {
		attempt = 1
	}
	return base * attempt
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Path to the sqlite database holding the playlist and plugin table.
	// ":memory:" is accepted for ephemeral runs.
	Path string `json:"path"`

	// BusyTimeout is a Go duration string (e.g. "250ms").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PluginRaw is the untyped per-instance plugin block. Type selects the
// registered factory; Config is handed to the instance verbatim.
type PluginRaw struct {
	Enabled bool            `json:"enabled"`
	Type    string          `json:"type"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Validate applies cheap structural checks shared by startup and hot reload.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Channel.Name) == "" {
		return fmt.Errorf("channel.name is required")
	}
	if c.Channel.FrameRate < 0 || c.Channel.FrameRate > 120 {
		return fmt.Errorf("channel.frame_rate out of range: %d", c.Channel.FrameRate)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	for name, raw := range c.Plugins {
		if strings.TrimSpace(raw.Type) == "" {
			return fmt.Errorf("plugins.%s: type is required", name)
		}
	}
	return nil
}
