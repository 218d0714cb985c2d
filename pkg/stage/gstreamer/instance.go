package gstreamer

import (
	"fmt"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/hlspipe/hlspipe/pkg/stage"
)

// Instance wraps one or more gst elements as a single processing stage.
// Converter and encoder stages are composite bins with ghost pads so
// the rest of the graph sees a single element.
type Instance struct {
	desc    stage.Descriptor
	name    string
	factory *Factory

	element *gst.Element // principal element, receives configuration
	outer   *gst.Element // what the pipeline links: the bin or the element

	// composite stages only
	capsfilter *gst.Element

	mu        sync.Mutex
	portAdded func(stage.Port)
	closed    bool
	events    chan stage.Event
}

func newInstance(f *Factory, d stage.Descriptor, name string) (*Instance, error) {
	inst := &Instance{
		desc:    d,
		name:    name,
		factory: f,
		events:  make(chan stage.Event, 16),
	}

	var err error
	switch d.Kind {
	case stage.VideoConvert:
		err = inst.buildBin("videoconvert", "videoscale", "capsfilter")
	case stage.AudioConvert:
		err = inst.buildBin("audioconvert", "audioresample", "capsfilter")
	case stage.VideoEncodeSoftware, stage.VideoEncodeHardware:
		err = inst.buildBin(d.Element, "h264parse")
	case stage.AudioEncode:
		err = inst.buildBin(d.Element, "aacparse")
	default:
		inst.element, err = newNamedElement(d.Element, name)
		inst.outer = inst.element
	}
	if err != nil {
		return nil, err
	}

	if d.Kind == stage.Demux {
		inst.connectPadAdded()
	}
	return inst, nil
}

// buildBin creates a chain of elements inside a bin, links them, and
// exposes the chain ends through ghost pads. The configurable element
// is the first in the chain; a trailing capsfilter, when present, is
// kept for Configure to narrow the output format.
func (i *Instance) buildBin(factories ...string) error {
	bin := gst.NewBin(i.name)

	elements := make([]*gst.Element, 0, len(factories))
	for idx, factory := range factories {
		el, err := newNamedElement(factory, fmt.Sprintf("%s_%s_%d", i.name, factory, idx))
		if err != nil {
			return err
		}
		elements = append(elements, el)
		if factory == "capsfilter" {
			i.capsfilter = el
		}
	}

	if err := bin.AddMany(elements...); err != nil {
		return err
	}
	if err := gst.ElementLinkMany(elements...); err != nil {
		return err
	}

	first := elements[0]
	last := elements[len(elements)-1]

	sinkGhost := gst.NewGhostPad("sink", first.GetStaticPad("sink"))
	if !bin.AddPad(sinkGhost.Pad) {
		return fmt.Errorf("failed to add sink ghost pad to %s", i.name)
	}
	srcGhost := gst.NewGhostPad("src", last.GetStaticPad("src"))
	if !bin.AddPad(srcGhost.Pad) {
		return fmt.Errorf("failed to add src ghost pad to %s", i.name)
	}

	i.element = first
	i.outer = bin.Element
	return nil
}

func newNamedElement(factory, name string) (*gst.Element, error) {
	el, err := gst.NewElement(factory)
	if err != nil {
		return nil, err
	}
	if err = el.SetProperty("name", name); err != nil {
		return nil, err
	}
	return el, nil
}

func (i *Instance) connectPadAdded() {
	i.element.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		port := stage.Port{
			Name: pad.GetName(),
			Caps: capsFromPad(pad),
		}
		i.mu.Lock()
		fn := i.portAdded
		i.mu.Unlock()
		if fn != nil {
			fn(port)
		}
	})
}

// capsFromPad converts a pad's negotiated gst caps into the
// orchestration layer's capability class.
func capsFromPad(pad *gst.Pad) stage.Caps {
	caps := pad.GetCurrentCaps()
	if caps == nil {
		return stage.AnyCaps()
	}
	s := caps.GetStructureAt(0)
	if s == nil {
		return stage.AnyCaps()
	}

	out := stage.Caps{MediaType: s.Name()}
	if v, err := s.GetValue("width"); err == nil {
		if w, ok := v.(int); ok {
			out.Width = int32(w)
		}
	}
	if v, err := s.GetValue("height"); err == nil {
		if h, ok := v.(int); ok {
			out.Height = int32(h)
		}
	}
	if v, err := s.GetValue("rate"); err == nil {
		if r, ok := v.(int); ok {
			out.Rate = int32(r)
		}
	}
	if v, err := s.GetValue("format"); err == nil {
		if f, ok := v.(string); ok {
			out.Format = f
		}
	}
	return out
}

func (i *Instance) Descriptor() stage.Descriptor { return i.desc }
func (i *Instance) Name() string                 { return i.name }

// Configure applies option values to the underlying elements, mapping
// the generic option names onto element-specific properties.
func (i *Instance) Configure(opts map[string]interface{}) error {
	switch i.desc.Kind {
	case stage.VideoConvert:
		return i.configureVideoConvert(opts)
	case stage.AudioConvert:
		return i.configureAudioConvert(opts)
	case stage.VideoEncodeSoftware:
		return i.configureX264(opts)
	case stage.VideoEncodeHardware:
		return i.configureNvenc(opts)
	case stage.AudioEncode:
		return i.configureAAC(opts)
	default:
		return i.applyProperties(opts)
	}
}

func (i *Instance) applyProperties(opts map[string]interface{}) error {
	for key, value := range opts {
		property, ok := i.desc.Options[key]
		if !ok {
			return fmt.Errorf("stage %s does not recognize option %q", i.name, key)
		}
		if v, isInt32 := value.(int32); isInt32 {
			value = int(v)
		}
		if err := i.element.SetProperty(property, value); err != nil {
			return fmt.Errorf("setting %s on %s: %w", property, i.name, err)
		}
	}
	return nil
}

func (i *Instance) configureVideoConvert(opts map[string]interface{}) error {
	width, _ := opts["width"].(int32)
	height, _ := opts["height"].(int32)
	caps := stage.Caps{MediaType: "video/x-raw", Width: width, Height: height}
	return i.capsfilter.SetProperty("caps", gst.NewCapsFromString(caps.String()))
}

func (i *Instance) configureAudioConvert(opts map[string]interface{}) error {
	rate, _ := opts["rate"].(int32)
	caps := stage.Caps{MediaType: "audio/x-raw", Rate: rate}
	return i.capsfilter.SetProperty("caps", gst.NewCapsFromString(caps.String()))
}

func (i *Instance) configureX264(opts map[string]interface{}) error {
	if v, ok := opts["bitrate"].(int32); ok {
		// x264enc takes kbps
		i.element.SetArg("bitrate", fmt.Sprint(bitrateKbps(v)))
	}
	if preset, ok := opts["preset"].(string); ok && preset != "" {
		i.element.SetArg("speed-preset", preset)
	}
	i.element.SetArg("tune", "zerolatency")
	return i.element.SetProperty("key-int-max", uint(60))
}

func (i *Instance) configureNvenc(opts map[string]interface{}) error {
	if v, ok := opts["bitrate"].(int32); ok {
		if err := i.element.SetProperty("bitrate", uint(bitrateKbps(v))); err != nil {
			return err
		}
	}
	if preset, ok := opts["preset"].(string); ok && preset != "" {
		i.element.SetArg("preset", preset)
	}
	i.element.SetArg("rc-mode", "cbr")
	if err := i.element.SetProperty("gop-size", 60); err != nil {
		return err
	}
	return i.element.SetProperty("bframes", uint(0))
}

func (i *Instance) configureAAC(opts map[string]interface{}) error {
	if v, ok := opts["bitrate"].(int32); ok {
		return i.element.SetProperty("bitrate", int(v))
	}
	return nil
}

// bitrateKbps converts a bits-per-second rate to the kbps unit the
// encoder elements expect, capped to their accepted range.
func bitrateKbps(bps int32) int32 {
	const maxBps = 2_048_000_000
	if bps > maxBps {
		bps = maxBps
	}
	kbps := bps / 1000
	if kbps < 1 {
		kbps = 1
	}
	return kbps
}

// Start and Stop are no-ops for individual gst stages: the factory
// transitions the whole gst pipeline as a unit via StartAll/StopAll.
func (i *Instance) Start() error { return nil }

func (i *Instance) Stop() error {
	i.closeEvents()
	return nil
}

func (i *Instance) Inputs() []stage.Port {
	return portsFor(i.desc.Inputs, "sink")
}

func (i *Instance) Outputs() []stage.Port {
	if i.desc.Dynamic {
		// announced at run time
		return nil
	}
	return portsFor(i.desc.Outputs, "src")
}

func portsFor(caps []stage.Caps, prefix string) []stage.Port {
	ports := make([]stage.Port, 0, len(caps))
	for idx, c := range caps {
		name := prefix
		if len(caps) > 1 {
			name = fmt.Sprintf("%s_%d", prefix, idx)
		}
		ports = append(ports, stage.Port{Name: name, Caps: c})
	}
	return ports
}

func (i *Instance) OnPortAdded(fn func(stage.Port)) {
	i.mu.Lock()
	i.portAdded = fn
	i.mu.Unlock()
}

// Link wires this instance's output to the sink's input. Existing pads
// are linked directly; request pads (the muxer's inputs) fall back to
// element linking, which requests a compatible pad.
func (i *Instance) Link(out stage.Port, sink stage.Instance, in stage.Port) error {
	other, ok := sink.(*Instance)
	if !ok {
		return fmt.Errorf("cannot link gst stage %s to foreign stage %s", i.name, sink.Name())
	}

	srcPad := i.outer.GetStaticPad(out.Name)
	sinkPad := other.outer.GetStaticPad(in.Name)
	if srcPad != nil && sinkPad != nil {
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			return fmt.Errorf("pad link %s.%s -> %s.%s: %v", i.name, out.Name, other.name, in.Name, ret)
		}
		return nil
	}
	return i.outer.Link(other.outer)
}

func (i *Instance) Events() <-chan stage.Event {
	return i.events
}

func (i *Instance) emit(ev stage.Event) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	select {
	case i.events <- ev:
	default:
		// consumer fell behind, drop rather than stall the bus watch
	}
}

func (i *Instance) closeEvents() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		i.closed = true
		close(i.events)
	}
}
