package gstreamer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tinyzimmer/go-glib/glib"
	"github.com/tinyzimmer/go-gst/gst"

	"github.com/hlspipe/hlspipe/pkg/logger"
	"github.com/hlspipe/hlspipe/pkg/stage"
)

// Factory creates GStreamer-backed stage instances inside a single gst
// pipeline. It implements stage.Factory and stage.Supervisor.
type Factory struct {
	catalog  *stage.Catalog
	pipeline *gst.Pipeline
	loop     *glib.MainLoop

	mu        sync.Mutex
	instances map[string]*Instance
	sink      *Instance
}

func NewFactory(name string, catalog *stage.Catalog) (*Factory, error) {
	Initialize()

	p, err := gst.NewPipeline(name)
	if err != nil {
		return nil, err
	}
	return &Factory{
		catalog:   catalog,
		pipeline:  p,
		instances: make(map[string]*Instance),
	}, nil
}

// Available probes whether the engine can instantiate the element
// backing the kind. The probe matters for optional plugins such as the
// NVENC encoder.
func (f *Factory) Available(k stage.Kind) bool {
	d, ok := f.catalog.Lookup(k)
	if !ok {
		return false
	}
	el, err := gst.NewElement(d.Element)
	if err != nil {
		return false
	}
	el.Unref()
	return true
}

func (f *Factory) New(k stage.Kind, name string) (stage.Instance, error) {
	d, ok := f.catalog.Lookup(k)
	if !ok {
		return nil, fmt.Errorf("no descriptor for kind %s", k)
	}

	inst, err := newInstance(f, d, name)
	if err != nil {
		return nil, err
	}

	if err = f.pipeline.Add(inst.outer); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.instances[name] = inst
	if k == stage.HLSSink {
		f.sink = inst
	}
	f.mu.Unlock()
	return inst, nil
}

// StartAll sets the gst pipeline to playing and begins translating bus
// messages into stage events on a glib main loop.
func (f *Factory) StartAll() error {
	f.loop = glib.NewMainLoop(glib.MainContextDefault(), false)

	f.pipeline.GetPipelineBus().AddWatch(func(msg *gst.Message) bool {
		f.handleMessage(msg)
		return true
	})

	if err := f.pipeline.SetState(gst.StatePlaying); err != nil {
		return err
	}

	go f.loop.Run()
	return nil
}

// StopAll settles the gst pipeline in the null state and closes every
// instance's event channel.
func (f *Factory) StopAll() error {
	err := f.pipeline.BlockSetState(gst.StateNull)
	if f.loop != nil {
		f.loop.Quit()
	}

	f.mu.Lock()
	for _, inst := range f.instances {
		inst.closeEvents()
	}
	f.mu.Unlock()
	return err
}

// lookupSourceLocked resolves a gst object name to the owning instance.
// Elements inside a composite bin are named "<stage>_<factory>_<n>", so
// a prefix match attributes them to their stage.
func (f *Factory) lookupSourceLocked(source string) *Instance {
	if inst, ok := f.instances[source]; ok {
		return inst
	}
	for name, inst := range f.instances {
		if strings.HasPrefix(source, name+"_") {
			return inst
		}
	}
	return nil
}

// handleMessage routes a gst bus message to the owning instance's event
// channel. EOS is pipeline-wide in GStreamer; it is attributed to the
// sink, matching the orchestration layer's terminal-event semantics.
func (f *Factory) handleMessage(msg *gst.Message) {
	f.mu.Lock()
	sink := f.sink
	source := f.lookupSourceLocked(msg.Source())
	f.mu.Unlock()

	switch msg.Type() {
	case gst.MessageEOS:
		if sink != nil {
			sink.emit(stage.Event{Kind: stage.EventEOS, Stage: sink.Name()})
		}

	case gst.MessageError:
		gErr := msg.ParseError()
		target := source
		if target == nil {
			target = sink
		}
		if target != nil {
			target.emit(stage.Event{
				Kind:   stage.EventError,
				Stage:  msg.Source(),
				Detail: gErr.DebugString(),
				Err:    gErr,
			})
		} else {
			logger.Errorw("bus error with no matching stage", gErr, "source", msg.Source())
		}

	case gst.MessageWarning:
		if source != nil {
			source.emit(stage.Event{
				Kind:   stage.EventWarning,
				Stage:  source.Name(),
				Detail: msg.String(),
			})
		}

	case gst.MessageStateChanged:
		if source != nil {
			source.emit(stage.Event{
				Kind:   stage.EventStateChanged,
				Stage:  source.Name(),
				Detail: msg.String(),
			})
		}
	}
}
