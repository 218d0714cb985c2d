// Package stagetest provides an in-memory stage engine for testing the
// graph builder, link resolver, and lifecycle controller without real
// media processing.
package stagetest

import (
	"fmt"
	"sync"

	"github.com/hlspipe/hlspipe/pkg/stage"
)

// RecordedLink is one wiring performed through Instance.Link.
type RecordedLink struct {
	OutPort  stage.Port
	Sink     string
	SinkPort stage.Port
}

// Instance is a synthetic stage. Tests trigger events and dynamic ports
// through Emit and AnnouncePort.
type Instance struct {
	desc stage.Descriptor
	name string

	mu        sync.Mutex
	opts      map[string]interface{}
	started   bool
	stopped   bool
	links     []RecordedLink
	portAdded func(stage.Port)
	closed    bool

	// StartErr and StopErr, when set, are returned by Start and Stop
	// to exercise startup failure and best-effort teardown.
	StartErr error
	StopErr  error

	// BlockStart, when set, makes Start wait until the channel is
	// closed, pinning a caller inside the startup sequence.
	BlockStart chan struct{}

	events chan stage.Event
}

func (f *Instance) Descriptor() stage.Descriptor { return f.desc }
func (f *Instance) Name() string                 { return f.name }

func (f *Instance) Configure(opts map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opts == nil {
		f.opts = make(map[string]interface{})
	}
	for k, v := range opts {
		if f.desc.Options != nil {
			if _, ok := f.desc.Options[k]; !ok {
				return fmt.Errorf("stage %s does not recognize option %q", f.name, k)
			}
		}
		f.opts[k] = v
	}
	return nil
}

// Option returns a configured option value.
func (f *Instance) Option(key string) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[key]
}

func (f *Instance) Start() error {
	f.mu.Lock()
	block := f.BlockStart
	err := f.StartErr
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *Instance) Stop() error {
	f.mu.Lock()
	f.stopped = true
	err := f.StopErr
	closed := f.closed
	f.closed = true
	f.mu.Unlock()
	if !closed {
		close(f.events)
	}
	return err
}

func (f *Instance) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *Instance) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *Instance) Inputs() []stage.Port {
	return ports(f.desc.Inputs, "sink")
}

func (f *Instance) Outputs() []stage.Port {
	if f.desc.Dynamic {
		return nil
	}
	return ports(f.desc.Outputs, "src")
}

func ports(caps []stage.Caps, prefix string) []stage.Port {
	out := make([]stage.Port, 0, len(caps))
	for i, c := range caps {
		name := prefix
		if len(caps) > 1 {
			name = fmt.Sprintf("%s_%d", prefix, i)
		}
		out = append(out, stage.Port{Name: name, Caps: c})
	}
	return out
}

func (f *Instance) OnPortAdded(fn func(stage.Port)) {
	f.mu.Lock()
	f.portAdded = fn
	f.mu.Unlock()
}

// AnnouncePort simulates the engine discovering a dynamic output port.
func (f *Instance) AnnouncePort(p stage.Port) {
	f.mu.Lock()
	fn := f.portAdded
	f.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func (f *Instance) Link(out stage.Port, sink stage.Instance, in stage.Port) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, RecordedLink{OutPort: out, Sink: sink.Name(), SinkPort: in})
	return nil
}

func (f *Instance) Links() []RecordedLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RecordedLink, len(f.links))
	copy(out, f.links)
	return out
}

func (f *Instance) Events() <-chan stage.Event {
	return f.events
}

// Emit delivers an event as if raised by the running stage.
func (f *Instance) Emit(ev stage.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if ev.Stage == "" {
		ev.Stage = f.name
	}
	f.events <- ev
}

// Factory creates synthetic instances from a catalog. Kinds listed in
// Unavailable are reported as such, exercising fallback paths.
type Factory struct {
	Catalog     *stage.Catalog
	Unavailable map[stage.Kind]bool

	mu        sync.Mutex
	instances []*Instance
}

func NewFactory(catalog *stage.Catalog) *Factory {
	return &Factory{
		Catalog:     catalog,
		Unavailable: make(map[stage.Kind]bool),
	}
}

func (f *Factory) Available(k stage.Kind) bool {
	if f.Unavailable[k] {
		return false
	}
	_, ok := f.Catalog.Lookup(k)
	return ok
}

func (f *Factory) New(k stage.Kind, name string) (stage.Instance, error) {
	d, ok := f.Catalog.Lookup(k)
	if !ok || f.Unavailable[k] {
		return nil, fmt.Errorf("kind %s unavailable", k)
	}
	inst := &Instance{
		desc:   d,
		name:   name,
		events: make(chan stage.Event, 16),
	}
	f.mu.Lock()
	f.instances = append(f.instances, inst)
	f.mu.Unlock()
	return inst, nil
}

// Instances returns every created instance in creation order.
func (f *Factory) Instances() []*Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Instance, len(f.instances))
	copy(out, f.instances)
	return out
}

// ByKind returns the first instance of the given kind, or nil.
func (f *Factory) ByKind(k stage.Kind) *Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inst := range f.instances {
		if inst.desc.Kind == k {
			return inst
		}
	}
	return nil
}
