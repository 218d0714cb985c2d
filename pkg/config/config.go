package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds service-level settings, loaded from YAML.
type Config struct {
	LogLevel    string      `yaml:"log_level"`
	GstLogLevel int         `yaml:"gst_log_level"`
	MetricsAddr string      `yaml:"metrics_addr"`
	Redis       RedisConfig `yaml:"redis"`
	S3          S3Config    `yaml:"s3"`
	Defaults    *Options    `yaml:"defaults"`
	Test        bool        `yaml:"-"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// S3Config holds the credentials used when a request names an s3
// destination for the finished rendition.
type S3Config struct {
	AccessKey string `yaml:"access_key"`
	Secret    string `yaml:"secret"`
	Region    string `yaml:"region"`
}

// Options are the derived/overridable encoding parameters of a request.
// Zero values are filled in from Config.Defaults.
type Options struct {
	Preset          string `yaml:"preset" json:"preset,omitempty"`
	AudioBitrate    int32  `yaml:"audio_bitrate" json:"audio_bitrate,omitempty"`
	AudioRate       int32  `yaml:"audio_rate" json:"audio_rate,omitempty"`
	SegmentDuration int32  `yaml:"segment_duration" json:"segment_duration,omitempty"`
	PlaylistLength  int32  `yaml:"playlist_length" json:"playlist_length,omitempty"`
	Live            bool   `yaml:"live" json:"live,omitempty"`
}

// TranscodeRequest describes one HLS transcode job: a source file, an
// output variant, and its target geometry and rates.
type TranscodeRequest struct {
	Id        string `json:"id,omitempty"`
	InputPath string `json:"input_path"`
	OutputDir string `json:"output_dir"`
	Variant   string `json:"variant"`

	Width        int32 `json:"width"`
	Height       int32 `json:"height"`
	VideoBitrate int32 `json:"video_bitrate"` // bits per second

	Hardware  bool `json:"hardware,omitempty"`
	VideoOnly bool `json:"video_only,omitempty"`

	// S3Url, when set, publishes the finished rendition to
	// s3://bucket/prefix in addition to the local output dir.
	S3Url string `json:"s3_url,omitempty"`

	Preset  string   `json:"rendition,omitempty"`
	Options *Options `json:"options,omitempty"`
}

func NewConfig(confString string) (*Config, error) {
	// start with defaults
	conf := &Config{
		LogLevel:    "debug",
		GstLogLevel: 3,
		Defaults: &Options{
			AudioBitrate:    128,
			AudioRate:       48000,
			SegmentDuration: 6,
			PlaylistLength:  0,
		},
	}

	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if err := os.Setenv("GST_DEBUG", fmt.Sprint(conf.GstLogLevel)); err != nil {
		return nil, err
	}

	return conf, nil
}

func TestConfig() *Config {
	return &Config{
		LogLevel: "debug",
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Defaults: &Options{
			AudioBitrate:    128,
			AudioRate:       48000,
			SegmentDuration: 6,
		},
		Test: true,
	}
}

// ApplyDefaults expands a named rendition preset if set and fills unset
// request options from the config defaults.
func ApplyDefaults(conf *Config, req *TranscodeRequest) {
	if req.Preset != "" {
		fromPreset(req.Preset, req)
	}

	if req.Options == nil {
		req.Options = &Options{}
	}

	opts := req.Options
	defaults := conf.Defaults
	if defaults == nil {
		defaults = &Options{
			AudioBitrate:    128,
			AudioRate:       48000,
			SegmentDuration: 6,
		}
	}

	if opts.AudioBitrate == 0 {
		opts.AudioBitrate = defaults.AudioBitrate
	}
	if opts.AudioRate == 0 {
		opts.AudioRate = defaults.AudioRate
	}
	if opts.SegmentDuration == 0 {
		opts.SegmentDuration = defaults.SegmentDuration
	}
	if opts.PlaylistLength == 0 {
		opts.PlaylistLength = defaults.PlaylistLength
	}
	if opts.Preset == "" {
		opts.Preset = defaults.Preset
	}
}

func fromPreset(name string, req *TranscodeRequest) {
	switch name {
	case "hd30":
		req.Width = 1280
		req.Height = 720
		req.VideoBitrate = 3_000_000
	case "hd60":
		req.Width = 1280
		req.Height = 720
		req.VideoBitrate = 4_500_000
	case "fullhd30":
		req.Width = 1920
		req.Height = 1080
		req.VideoBitrate = 4_500_000
	case "fullhd60":
		req.Width = 1920
		req.Height = 1080
		req.VideoBitrate = 6_000_000
	}
}

// Validate checks the caller-supplied parameters and returns an error
// describing the first violation found.
func (r *TranscodeRequest) Validate() error {
	if r.InputPath == "" {
		return fmt.Errorf("input path is required")
	}
	if r.OutputDir == "" {
		return fmt.Errorf("output dir is required")
	}
	if r.Variant == "" {
		return fmt.Errorf("variant name is required")
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", r.Width, r.Height)
	}
	if r.VideoBitrate <= 0 {
		return fmt.Errorf("invalid video bitrate %d", r.VideoBitrate)
	}
	if r.Options != nil {
		if r.Options.SegmentDuration < 0 {
			return fmt.Errorf("invalid segment duration %d", r.Options.SegmentDuration)
		}
		if r.Options.AudioBitrate < 0 {
			return fmt.Errorf("invalid audio bitrate %d", r.Options.AudioBitrate)
		}
	}
	return nil
}
