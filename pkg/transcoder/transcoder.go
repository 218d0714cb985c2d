// Package transcoder ties configuration, graph building, and lifecycle
// control together into one caller-facing unit: one Transcoder runs one
// HLS transcode job end to end.
package transcoder

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/hlspipe/hlspipe/pkg/config"
	"github.com/hlspipe/hlspipe/pkg/logger"
	"github.com/hlspipe/hlspipe/pkg/metrics"
	"github.com/hlspipe/hlspipe/pkg/pipeline"
	"github.com/hlspipe/hlspipe/pkg/publish"
	"github.com/hlspipe/hlspipe/pkg/stage"
	"github.com/hlspipe/hlspipe/pkg/stage/gstreamer"
)

type Transcoder struct {
	conf    *config.Config
	catalog *stage.Catalog

	// newFactory and newStore are swapped out by tests to avoid a real
	// engine and real object storage
	newFactory func(name string, catalog *stage.Catalog) (stage.Factory, error)
	newStore   func(conf config.S3Config, bucket string) (publish.Store, error)

	mu         sync.Mutex
	controller *pipeline.Controller
}

func NewTranscoder(conf *config.Config) *Transcoder {
	return &Transcoder{
		conf:    conf,
		catalog: stage.DefaultCatalog(),
		newFactory: func(name string, catalog *stage.Catalog) (stage.Factory, error) {
			return gstreamer.NewFactory(name, catalog)
		},
		newStore: publish.NewS3Store,
	}
}

// Transcode runs one request to completion. It returns nil once the
// pipeline stopped with a playable playlist, or the originating error
// when the pipeline errored. Stop may be called concurrently to end the
// run early with a Stopped result.
func (t *Transcoder) Transcode(ctx context.Context, req *config.TranscodeRequest) error {
	config.ApplyDefaults(t.conf, req)

	if _, err := os.Stat(req.InputPath); err != nil {
		return errors.Wrapf(pipeline.ErrUnsupportedConfiguration, "input file: %v", err)
	}
	variantDir := filepath.Join(req.OutputDir, req.Variant)
	if err := os.MkdirAll(variantDir, 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}

	factory, err := t.newFactory("pipeline_"+req.Variant, t.catalog)
	if err != nil {
		return err
	}

	builder := pipeline.NewBuilder(t.catalog, factory)
	p, err := builder.Build(req)
	if err != nil {
		return err
	}

	controller := pipeline.NewController(p)
	t.mu.Lock()
	t.controller = controller
	t.mu.Unlock()

	var publisher *publish.Publisher
	if req.S3Url != "" {
		bucket, prefix := publish.ParseURL(req.S3Url)
		store, err := t.newStore(t.conf.S3, bucket)
		if err != nil {
			return err
		}
		publisher = publish.NewPublisher(store, path.Join(prefix, req.Variant), variantDir)
	}

	logger.Infow("transcode starting",
		"input", req.InputPath,
		"variant", req.Variant,
		"width", req.Width,
		"height", req.Height,
		"bitrate", req.VideoBitrate,
		"hardware", req.Hardware)

	metrics.TranscodesStarted.Inc()
	metrics.ActivePipelines.Inc()
	defer metrics.ActivePipelines.Dec()

	// live renditions upload segments as the playlist grows
	if publisher != nil && req.Options != nil && req.Options.Live {
		followCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := publisher.Follow(followCtx, "playlist.m3u8"); err != nil {
				logger.Warnw("live publishing interrupted", err, "variant", req.Variant)
			}
		}()
	}

	if err = controller.Run(ctx); err != nil {
		metrics.TranscodesFailed.Inc()
		logger.Errorw("transcode failed", err, "variant", req.Variant)
		return err
	}

	if publisher != nil {
		if err = publisher.SyncDir(ctx); err != nil {
			logger.Errorw("publishing failed", err, "variant", req.Variant)
			return err
		}
	}

	metrics.TranscodesCompleted.Inc()
	logger.Infow("transcode complete", "variant", req.Variant, "output", variantDir)
	return nil
}

// Stop ends the in-flight transcode, if any. Idempotent.
func (t *Transcoder) Stop() {
	t.mu.Lock()
	controller := t.controller
	t.mu.Unlock()
	if controller != nil {
		controller.Stop()
	}
}

// State reports the current pipeline state, or Idle before any run.
func (t *Transcoder) State() pipeline.State {
	t.mu.Lock()
	controller := t.controller
	t.mu.Unlock()
	if controller == nil {
		return pipeline.Idle
	}
	return controller.State()
}
