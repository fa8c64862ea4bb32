// Package config loads the recorder settings from an optional YAML file and
// CAMREC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "camrecorder"
	envPrefix  = "CAMREC"
	// EnvConfigFile names an explicit config file.
	EnvConfigFile = "CAMREC_CONFIG"
)

// Config holds all recorder configuration
type Config struct {
	// HTTP
	Listen string `mapstructure:"listen"`

	// Logging
	LogLevel string `mapstructure:"log_level"`

	// Recording
	MimeType     string        `mapstructure:"mime_type"`
	Timeslice    time.Duration `mapstructure:"timeslice"`
	DownloadName string        `mapstructure:"download_name"`

	// Capture
	VideoWidth   int `mapstructure:"video_width"`
	VideoHeight  int `mapstructure:"video_height"`
	VideoBitRate int `mapstructure:"video_bitrate"`
	AudioBitRate int `mapstructure:"audio_bitrate"`

	// Preview peer connections
	ICEServers    []string `mapstructure:"ice_servers"`
	ICEUsername   string   `mapstructure:"ice_username"`
	ICECredential string   `mapstructure:"ice_credential"`
	PortMin       uint16   `mapstructure:"port_min"`
	PortMax       uint16   `mapstructure:"port_max"`
}

// Default returns configuration with sensible defaults
func Default() *Config {
	return &Config{
		Listen:       "127.0.0.1:9981",
		LogLevel:     "info",
		MimeType:     "video/x-matroska;codecs=avc1,opus",
		Timeslice:    time.Second,
		DownloadName: "file.mkv",
		VideoWidth:   640,
		VideoHeight:  480,
		VideoBitRate: 1_000_000,
		AudioBitRate: 64_000,
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	return load(viper.New(), os.Getenv(EnvConfigFile))
}

func load(v *viper.Viper, file string) (*Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, configName))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("mime_type", cfg.MimeType)
	v.SetDefault("timeslice", cfg.Timeslice)
	v.SetDefault("download_name", cfg.DownloadName)
	v.SetDefault("video_width", cfg.VideoWidth)
	v.SetDefault("video_height", cfg.VideoHeight)
	v.SetDefault("video_bitrate", cfg.VideoBitRate)
	v.SetDefault("audio_bitrate", cfg.AudioBitRate)
	v.SetDefault("ice_servers", []string{})
	v.SetDefault("ice_username", "")
	v.SetDefault("ice_credential", "")
	v.SetDefault("port_min", 0)
	v.SetDefault("port_max", 0)
}

// Validate checks the configuration for values the recorder cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if strings.TrimSpace(c.MimeType) == "" {
		errs = append(errs, errors.New("mime_type is required"))
	}
	if c.Timeslice <= 0 {
		errs = append(errs, fmt.Errorf("timeslice must be positive, got %s", c.Timeslice))
	}
	if c.VideoWidth <= 0 || c.VideoHeight <= 0 {
		errs = append(errs, fmt.Errorf("invalid video size %dx%d", c.VideoWidth, c.VideoHeight))
	}
	if (c.PortMin > 0 || c.PortMax > 0) && c.PortMax <= c.PortMin {
		errs = append(errs, fmt.Errorf("invalid UDP port range %d..%d", c.PortMin, c.PortMax))
	}
	if strings.ContainsAny(c.DownloadName, `/\`) {
		errs = append(errs, fmt.Errorf("download_name must be a bare file name, got %q", c.DownloadName))
	}
	return errors.Join(errs...)
}
