package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/hlspipe/hlspipe/pkg/config"
	"github.com/hlspipe/hlspipe/pkg/logger"
	"github.com/hlspipe/hlspipe/version"
)

func main() {
	app := &cli.App{
		Name:        "hlspipe",
		Usage:       "HLS transcoding pipeline",
		Description: "transcodes media files into HLS variants",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config defaults",
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "config YAML, typically passed in as an env var in a container",
				EnvVars: []string{"HLSPIPE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "transcode",
				Usage:  "Transcodes one input file into an HLS variant",
				Action: runTranscode,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "request",
						Usage: "path to a json TranscodeRequest file",
					},
					&cli.StringFlag{
						Name:  "request-body",
						Usage: "TranscodeRequest json",
					},
					&cli.StringFlag{Name: "input", Usage: "input media file"},
					&cli.StringFlag{Name: "output", Usage: "output directory"},
					&cli.StringFlag{Name: "variant", Usage: "variant name used in output paths"},
					&cli.IntFlag{Name: "width", Usage: "target width"},
					&cli.IntFlag{Name: "height", Usage: "target height"},
					&cli.IntFlag{Name: "bitrate", Usage: "target video bitrate in bits/sec"},
					&cli.BoolFlag{Name: "hardware", Usage: "prefer the NVENC encoder when available"},
					&cli.BoolFlag{Name: "live", Usage: "rolling playlist instead of VoD"},
					&cli.StringFlag{Name: "s3", Usage: "s3://bucket/prefix to publish the rendition to"},
				},
			},
			{
				Name:   "start-service",
				Usage:  "Starts a transcoding worker consuming the redis queue",
				Action: runService,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" && configFile != "" {
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	return config.NewConfig(configBody)
}

func getRequest(c *cli.Context) (*config.TranscodeRequest, error) {
	reqFile := c.String("request")
	reqBody := c.String("request-body")

	if reqBody == "" && reqFile != "" {
		content, err := os.ReadFile(reqFile)
		if err != nil {
			return nil, err
		}
		reqBody = string(content)
	}
	if reqBody != "" {
		return parseRequest([]byte(reqBody))
	}

	if c.String("input") == "" {
		return nil, errors.New("missing request")
	}
	return &config.TranscodeRequest{
		InputPath:    c.String("input"),
		OutputDir:    c.String("output"),
		Variant:      c.String("variant"),
		Width:        int32(c.Int("width")),
		Height:       int32(c.Int("height")),
		VideoBitrate: int32(c.Int("bitrate")),
		Hardware:     c.Bool("hardware"),
		S3Url:        c.String("s3"),
		Options: &config.Options{
			Live: c.Bool("live"),
		},
	}, nil
}

func initLogger(level string) {
	logger.Init(level)
}
