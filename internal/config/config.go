package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kkyr/fig"
	"github.com/pkg/errors"
)

// EnvPrefix is the prefix of environment variables overriding file values,
// e.g. SCREENCAP_AUDIO_DEVICE_ID.
const EnvPrefix = "SCREENCAP"

// Hotkey modes: Toggle starts and stops on key presses, Hold records while
// the key is held down.
const (
	ModeToggle = "Toggle"
	ModeHold   = "Hold"
)

type Config struct {
	Mode         string           `json:"mode" default:"Toggle"`
	Hotkey       string           `json:"hotkey" default:"Alt+Shift+R"`
	HotkeyDarwin string           `json:"hotkey_darwin" default:"Alt+Shift+R"` // Option+Shift+R
	LogLevel     string           `json:"log_level" default:"info"`
	Display      int              `json:"display"`
	Region       Region           `json:"region"`
	Audio        AudioConfig      `json:"audio"`
	Encode       EncodeConfig     `json:"encode"`
	Output       OutputConfig     `json:"output"`
	Monitoring   MonitoringConfig `json:"monitoring"`

	path string
}

// Region is the captured screen rectangle. A zero width or height means the
// whole display.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Region) IsZero() bool { return r.Width <= 0 || r.Height <= 0 }

type AudioConfig struct {
	DeviceID   string `json:"device_id"`
	SampleRate int    `json:"sample_rate" default:"44100"`
	Channels   int    `json:"channels" default:"2"`
}

type EncodeConfig struct {
	FrameRate    int    `json:"frame_rate" default:"25"`
	GOPSize      int    `json:"gop_size" default:"50"`
	VideoBitrate int    `json:"video_bitrate" default:"2000000"`
	VideoCodec   string `json:"video_codec" default:"libx264"`
	Preset       string `json:"preset" default:"ultrafast"`
	Tune         string `json:"tune" default:"zerolatency"`
	CRF          int    `json:"crf" default:"22"`
	AudioBitrate int    `json:"audio_bitrate" default:"192000"`
	AudioCodec   string `json:"audio_codec" default:"aac"`
	FFmpegPath   string `json:"ffmpeg_path" default:"ffmpeg"`
}

type OutputConfig struct {
	Dir       string `json:"dir"`
	Extension string `json:"extension" default:"mp4"`
	CopyPath  bool   `json:"copy_path"`
}

type MonitoringConfig struct {
	Enabled   bool `json:"enabled"`
	Profiling bool `json:"profiling"`
	Port      int  `json:"port" default:"9090"`
}

// Load reads the settings blob at path (DefaultPath when empty). A missing
// file yields the defaults. Environment variables override both.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := &Config{}
	dir, file := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	err := fig.Load(cfg, fig.File(file), fig.Dirs(dir), fig.Tag("json"), fig.UseEnv(EnvPrefix))
	if errors.Is(err, fig.ErrFileNotFound) {
		cfg = &Config{}
		err = fig.Load(cfg, fig.IgnoreFile(), fig.Tag("json"), fig.UseEnv(EnvPrefix))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}

	cfg.path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the recorder cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Mode != ModeToggle && c.Mode != ModeHold:
		return errors.Errorf("invalid mode %q", c.Mode)
	case c.Encode.FrameRate <= 0 || c.Encode.FrameRate > 1000:
		return errors.Errorf("invalid frame rate %d", c.Encode.FrameRate)
	case c.Encode.GOPSize <= 0:
		return errors.Errorf("invalid gop size %d", c.Encode.GOPSize)
	case c.Audio.SampleRate <= 0:
		return errors.Errorf("invalid sample rate %d", c.Audio.SampleRate)
	case c.Audio.Channels <= 0:
		return errors.Errorf("invalid channel count %d", c.Audio.Channels)
	case c.Region.X < 0 || c.Region.Y < 0 || c.Region.Width < 0 || c.Region.Height < 0:
		return errors.Errorf("invalid region %+v", c.Region)
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	if c.path == "" {
		return DefaultPath()
	}
	return c.path
}

// Save writes the config back to the file it was loaded from
func (c *Config) Save() error {
	return c.SaveTo(c.Path())
}

// SaveTo writes the config to path.
func (c *Config) SaveTo(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create config dir")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	c.path = path
	return nil
}

// PlatformHotkey returns the appropriate hotkey for the current platform
func (c *Config) PlatformHotkey() string {
	if runtime.GOOS == "darwin" && c.HotkeyDarwin != "" {
		return c.HotkeyDarwin
	}
	return c.Hotkey
}

// OutputDir returns the configured output directory or the platform's
// videos directory.
func (c *Config) OutputDir() string {
	if c.Output.Dir != "" {
		return c.Output.Dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Movies")
	}
	return filepath.Join(home, "Videos")
}

// DefaultPath returns the platform-specific config file path
func DefaultPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "screencap-tray", "config.json")
}
