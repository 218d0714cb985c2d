package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/hlspipe/hlspipe/pkg/config"
	"github.com/hlspipe/hlspipe/pkg/logger"
	"github.com/hlspipe/hlspipe/pkg/messaging"
	"github.com/hlspipe/hlspipe/pkg/metrics"
	"github.com/hlspipe/hlspipe/pkg/service"
	"github.com/hlspipe/hlspipe/pkg/stage/gstreamer"
	"github.com/hlspipe/hlspipe/pkg/transcoder"
)

func parseRequest(body []byte) (*config.TranscodeRequest, error) {
	req := &config.TranscodeRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		return nil, err
	}
	return req, nil
}

func runTranscode(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	req, err := getRequest(c)
	if err != nil {
		return err
	}

	initLogger(conf.LogLevel)
	defer gstreamer.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tc := transcoder.NewTranscoder(conf)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, stopping pipeline", "signal", sig)
		tc.Stop()
	}()

	return tc.Transcode(ctx, req)
}

func runService(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	initLogger(conf.LogLevel)
	defer gstreamer.Shutdown()

	if conf.MetricsAddr != "" {
		go metrics.Serve(conf.MetricsAddr)
	}

	bus, err := messaging.NewBus(conf)
	if err != nil {
		return err
	}

	svc := service.NewService(conf, bus)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, finishing current job", "signal", sig)
		svc.Stop(sig == syscall.SIGINT)
	}()

	return svc.Start()
}
