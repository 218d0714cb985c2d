package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	conf, err := NewConfig("")
	require.NoError(t, err)
	require.Equal(t, int32(128), conf.Defaults.AudioBitrate)
	require.Equal(t, int32(48000), conf.Defaults.AudioRate)
	require.Equal(t, int32(6), conf.Defaults.SegmentDuration)

	conf, err = NewConfig(`
log_level: info
redis:
  address: redis:6379
defaults:
  segment_duration: 4
  audio_bitrate: 96
`)
	require.NoError(t, err)
	require.Equal(t, "info", conf.LogLevel)
	require.Equal(t, "redis:6379", conf.Redis.Address)
	require.Equal(t, int32(4), conf.Defaults.SegmentDuration)
	require.Equal(t, int32(96), conf.Defaults.AudioBitrate)

	_, err = NewConfig("{not yaml!")
	require.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	conf, err := NewConfig("")
	require.NoError(t, err)

	req := &TranscodeRequest{
		InputPath:    "input.mp4",
		OutputDir:    "./out",
		Variant:      "v1",
		Width:        1280,
		Height:       720,
		VideoBitrate: 2_000_000,
	}
	ApplyDefaults(conf, req)
	require.NotNil(t, req.Options)
	require.Equal(t, int32(128), req.Options.AudioBitrate)
	require.Equal(t, int32(48000), req.Options.AudioRate)
	require.Equal(t, int32(6), req.Options.SegmentDuration)

	// explicit options win over defaults
	req.Options = &Options{SegmentDuration: 2}
	ApplyDefaults(conf, req)
	require.Equal(t, int32(2), req.Options.SegmentDuration)
	require.Equal(t, int32(128), req.Options.AudioBitrate)
}

func TestRenditionPreset(t *testing.T) {
	conf, err := NewConfig("")
	require.NoError(t, err)

	req := &TranscodeRequest{
		InputPath: "input.mp4",
		OutputDir: "./out",
		Variant:   "v1",
		Preset:    "hd30",
	}
	ApplyDefaults(conf, req)
	require.Equal(t, int32(1280), req.Width)
	require.Equal(t, int32(720), req.Height)
	require.Equal(t, int32(3_000_000), req.VideoBitrate)
	require.NoError(t, req.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *TranscodeRequest {
		return &TranscodeRequest{
			InputPath:    "sample.mp4",
			OutputDir:    "./out",
			Variant:      "v1",
			Width:        1280,
			Height:       720,
			VideoBitrate: 2_000_000,
		}
	}
	require.NoError(t, valid().Validate())

	req := valid()
	req.InputPath = ""
	require.Error(t, req.Validate())

	req = valid()
	req.OutputDir = ""
	require.Error(t, req.Validate())

	req = valid()
	req.Variant = ""
	require.Error(t, req.Validate())

	req = valid()
	req.Width = 0
	require.Error(t, req.Validate())

	req = valid()
	req.Height = -720
	require.Error(t, req.Validate())

	req = valid()
	req.VideoBitrate = 0
	require.Error(t, req.Validate())
}
