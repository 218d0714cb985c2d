package pipeline

import (
	"fmt"
	"path"

	"github.com/pkg/errors"

	"github.com/hlspipe/hlspipe/pkg/config"
	"github.com/hlspipe/hlspipe/pkg/logger"
	"github.com/hlspipe/hlspipe/pkg/stage"
)

// Builder turns a validated transcode request into a fully linked
// pipeline. One concrete graph shape is produced per request; the shape
// never changes after Prepare.
type Builder struct {
	catalog *stage.Catalog
	factory stage.Factory
}

func NewBuilder(catalog *stage.Catalog, factory stage.Factory) *Builder {
	return &Builder{catalog: catalog, factory: factory}
}

// Build assembles the transcoding graph:
//
//	source -> demux -+-> video decode -> convert/scale -> encode -+-> mux -> hls sink
//	                 +-> audio decode -> convert/resample -> encode -+
//
// The demux stage's outputs are unknown until the container is parsed,
// so its links stay pending and resolve reactively. The video encoder
// variant follows the hardware flag, falling back to software with a
// Warning when the hardware encoder is unavailable. No partial pipeline
// escapes a failed build.
func (b *Builder) Build(req *config.TranscodeRequest) (*Pipeline, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(ErrUnsupportedConfiguration, err.Error())
	}
	opts := req.Options
	if opts == nil {
		opts = &config.Options{
			AudioBitrate:    128,
			AudioRate:       48000,
			SegmentDuration: 6,
		}
	}

	p := newPipeline(fmt.Sprintf("pipeline_%s", req.Variant), b.factory)
	resolver := newLinkResolver(p)

	discard := func(err error) (*Pipeline, error) {
		p.shutdown(Errored)
		return nil, err
	}

	source, err := b.newStage(p, stage.Source, map[string]interface{}{
		"location":  req.InputPath,
		"blocksize": 65536,
	})
	if err != nil {
		return discard(err)
	}

	demux, err := b.newStage(p, stage.Demux, nil)
	if err != nil {
		return discard(err)
	}
	if _, err = resolver.link(source, demux); err != nil {
		return discard(err)
	}

	// video branch
	videoDecode, err := b.newStage(p, stage.VideoDecode, nil)
	if err != nil {
		return discard(err)
	}
	videoConvert, err := b.newStage(p, stage.VideoConvert, map[string]interface{}{
		"width":  req.Width,
		"height": req.Height,
	})
	if err != nil {
		return discard(err)
	}

	encoder, err := b.newVideoEncoder(p, req, opts)
	if err != nil {
		return discard(err)
	}

	mux, err := b.newStage(p, stage.Mux, map[string]interface{}{
		"alignment":    1,
		"pat-interval": 2000,
		"pcr-interval": 40,
	})
	if err != nil {
		return discard(err)
	}

	if _, err = resolver.link(videoDecode, videoConvert); err != nil {
		return discard(err)
	}
	if _, err = resolver.link(videoConvert, encoder); err != nil {
		return discard(err)
	}
	if _, err = resolver.link(encoder, mux); err != nil {
		return discard(err)
	}

	// audio branch, unless the source is known video-only
	pendingSinks := []stage.Instance{videoDecode}
	if !req.VideoOnly {
		audioDecode, err := b.newStage(p, stage.AudioDecode, nil)
		if err != nil {
			return discard(err)
		}
		audioConvert, err := b.newStage(p, stage.AudioConvert, map[string]interface{}{
			"rate": opts.AudioRate,
		})
		if err != nil {
			return discard(err)
		}
		audioEncode, err := b.newStage(p, stage.AudioEncode, map[string]interface{}{
			"bitrate": opts.AudioBitrate * 1000,
		})
		if err != nil {
			return discard(err)
		}
		if _, err = resolver.link(audioDecode, audioConvert); err != nil {
			return discard(err)
		}
		if _, err = resolver.link(audioConvert, audioEncode); err != nil {
			return discard(err)
		}
		if _, err = resolver.link(audioEncode, mux); err != nil {
			return discard(err)
		}
		pendingSinks = append(pendingSinks, audioDecode)
	}

	resolver.registerPending(demux, pendingSinks...)

	sink, err := b.newStage(p, stage.HLSSink, hlsSinkOptions(req, opts))
	if err != nil {
		return discard(err)
	}
	if _, err = resolver.link(mux, sink); err != nil {
		return discard(err)
	}
	p.sink = sink

	logger.Infow("pipeline built",
		"pipeline", p.name,
		"stages", len(p.stages),
		"links", len(p.links),
		"hardware", req.Hardware)
	return p, nil
}

// newVideoEncoder selects the encoder variant. Hardware requests fall
// back to software when the hardware encoder cannot be instantiated,
// raising a Warning on prepare instead of failing the build.
func (b *Builder) newVideoEncoder(p *Pipeline, req *config.TranscodeRequest, opts *config.Options) (stage.Instance, error) {
	kind := stage.VideoEncodeSoftware
	preset := "medium"
	if req.Hardware {
		if b.factory.Available(stage.VideoEncodeHardware) {
			kind = stage.VideoEncodeHardware
			preset = "low-latency-hq"
		} else {
			p.mu.Lock()
			p.deferred = append(p.deferred, stage.Event{
				Kind:   stage.EventWarning,
				Stage:  stage.VideoEncodeHardware.String(),
				Detail: "hardware encoder unavailable, falling back to software",
			})
			p.mu.Unlock()
		}
	}
	if opts.Preset != "" {
		preset = opts.Preset
	}

	return b.newStage(p, kind, map[string]interface{}{
		"bitrate": req.VideoBitrate,
		"preset":  preset,
	})
}

func hlsSinkOptions(req *config.TranscodeRequest, opts *config.Options) map[string]interface{} {
	variantDir := path.Join(req.OutputDir, req.Variant)
	o := map[string]interface{}{
		"location":          path.Join(variantDir, "segment_%05d.ts"),
		"playlist-location": path.Join(variantDir, "playlist.m3u8"),
		"target-duration":   opts.SegmentDuration,
	}
	if opts.Live {
		// rolling playlist: keep a bounded window of segments
		length := opts.PlaylistLength
		if length == 0 {
			length = 5
		}
		o["playlist-length"] = length
		o["max-files"] = length + 2
	} else {
		// VoD: complete playlist, finalized with an end marker on EOS
		o["playlist-length"] = 0
		o["max-files"] = 0
	}
	return o
}

func (b *Builder) newStage(p *Pipeline, kind stage.Kind, opts map[string]interface{}) (stage.Instance, error) {
	if _, ok := b.catalog.Lookup(kind); !ok {
		return nil, errors.Wrapf(ErrStageUnavailable, "kind %s not in catalog", kind)
	}
	if !b.factory.Available(kind) {
		return nil, errors.Wrapf(ErrStageUnavailable, "kind %s", kind)
	}

	s, err := b.factory.New(kind, kind.String())
	if err != nil {
		return nil, errors.Wrapf(ErrStageUnavailable, "creating %s: %v", kind, err)
	}
	if len(opts) > 0 {
		if err = s.Configure(opts); err != nil {
			return nil, errors.Wrapf(err, "configuring %s", kind)
		}
	}
	p.addStage(s)
	return s, nil
}
