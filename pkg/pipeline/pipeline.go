// Package pipeline assembles processing stages into a runnable HLS
// transcoding graph and drives it through its lifecycle. The graph shape
// is fixed at build time; ports that only appear once the container has
// been parsed are wired reactively through pending links.
package pipeline

import (
	"sync"

	"github.com/eapache/channels"
	"github.com/pkg/errors"

	"github.com/hlspipe/hlspipe/pkg/logger"
	"github.com/hlspipe/hlspipe/pkg/stage"
)

type State int32

const (
	Idle State = iota
	Prepared
	Running
	Stopped
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Errored:
		return "errored"
	}
	return "unknown"
}

func (s State) terminal() bool {
	return s == Stopped || s == Errored
}

// Link is a resolved, format-negotiated connection between an output
// port of one stage and an input port of another.
type Link struct {
	From     stage.Instance
	To       stage.Instance
	FromPort stage.Port
	ToPort   stage.Port
	Format   stage.Caps
}

// Pipeline is an assembled graph of exclusively owned stage instances.
// It is created empty by the builder, populated through the link
// resolver, and discarded after a terminal state is observed.
type Pipeline struct {
	name    string
	factory stage.Factory

	mu       sync.Mutex
	state    State
	stages   []stage.Instance
	links    []*Link
	pending  []*PendingLinkHandle
	deferred []stage.Event // warnings queued during build, emitted on prepare

	sink stage.Instance

	queue *channels.InfiniteChannel
	out   chan stage.Event
	fanIn sync.WaitGroup

	closeOnce sync.Once
}

func newPipeline(name string, factory stage.Factory) *Pipeline {
	p := &Pipeline{
		name:    name,
		factory: factory,
		state:   Idle,
		queue:   channels.NewInfiniteChannel(),
		out:     make(chan stage.Event, 16),
	}
	go p.dispatch()
	return p
}

// dispatch serializes the unbounded event queue onto the subscriber
// channel. Events arriving after a terminal state are dropped, except
// the state change announcing the terminal state itself, which is
// forwarded without blocking so departed subscribers cannot stall the
// drain.
func (p *Pipeline) dispatch() {
	defer close(p.out)
	for v := range p.queue.Out() {
		ev := v.(stage.Event)
		if s := p.State(); s.terminal() {
			if ev.Kind == stage.EventStateChanged && ev.Stage == p.name && ev.Detail == s.String() {
				select {
				case p.out <- ev:
				default:
				}
			}
			continue
		}
		p.out <- ev
	}
}

func (p *Pipeline) emit(ev stage.Event) {
	p.queue.In() <- ev
}

// Events returns the pipeline's serialized event stream. Events from a
// single stage arrive in the order they were raised. The channel closes
// once the pipeline reaches a terminal state and drains.
func (p *Pipeline) Events() <-chan stage.Event {
	return p.out
}

func (p *Pipeline) Name() string {
	return p.name
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setState transitions to a non-terminal state. Terminal states are set
// only through shutdown; a concurrent teardown wins over an in-flight
// transition.
func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	if p.state.terminal() {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.mu.Unlock()
	p.emit(stage.Event{Kind: stage.EventStateChanged, Stage: p.name, Detail: s.String()})
}

// Stages returns the graph's stage instances in creation order.
func (p *Pipeline) Stages() []stage.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stage.Instance, len(p.stages))
	copy(out, p.stages)
	return out
}

// Links returns the resolved links, including any completed at run time.
func (p *Pipeline) Links() []*Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Link, len(p.links))
	copy(out, p.links)
	return out
}

// UnresolvedPending lists pending-link candidates that never received a
// stream, such as an audio branch built for a source that turned out to
// have no audio. These downgrade to warnings on a clean stop.
func (p *Pipeline) UnresolvedPending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, h := range p.pending {
		matched := make(map[string]bool)
		for _, l := range h.Resolved() {
			matched[l.To.Name()] = true
		}
		for _, c := range h.candidates {
			if !matched[c.Name()] {
				out = append(out, c.Name())
			}
		}
	}
	return out
}

func (p *Pipeline) addStage(s stage.Instance) {
	p.mu.Lock()
	p.stages = append(p.stages, s)
	p.mu.Unlock()
}

func (p *Pipeline) addLink(l *Link) {
	p.mu.Lock()
	p.links = append(p.links, l)
	p.mu.Unlock()
}

// Prepare validates the graph and moves the pipeline to Prepared.
// Build-time warnings (such as an encoder fallback) are flushed to the
// event stream here.
func (p *Pipeline) Prepare() error {
	p.mu.Lock()
	if p.state != Idle {
		p.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "prepare in state %s", p.state)
	}
	if err := p.validateLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	deferred := p.deferred
	p.deferred = nil
	p.mu.Unlock()

	for _, ev := range deferred {
		p.emit(ev)
	}
	p.setState(Prepared)
	return nil
}

// validateLocked checks the graph invariants: acyclic, every non-source
// stage reachable through a resolved or pending input, every non-sink
// stage feeding something downstream.
func (p *Pipeline) validateLocked() error {
	if len(p.stages) == 0 {
		return errors.Wrap(ErrIncompleteGraph, "pipeline has no stages")
	}

	inLinked := make(map[string]bool)
	outLinked := make(map[string]bool)
	for _, l := range p.links {
		inLinked[l.To.Name()] = true
		outLinked[l.From.Name()] = true
	}
	for _, h := range p.pending {
		outLinked[h.source.Name()] = true
		for _, c := range h.candidates {
			inLinked[c.Name()] = true
		}
	}

	for _, s := range p.stages {
		d := s.Descriptor()
		if len(d.Inputs) > 0 && !inLinked[s.Name()] {
			return errors.Wrapf(ErrIncompleteGraph, "stage %s has no input link", s.Name())
		}
		if len(d.Outputs) > 0 && !outLinked[s.Name()] {
			return errors.Wrapf(ErrIncompleteGraph, "stage %s has no output link", s.Name())
		}
	}

	return p.checkAcyclicLocked()
}

func (p *Pipeline) checkAcyclicLocked() error {
	adj := make(map[string][]string)
	indegree := make(map[string]int)
	for _, s := range p.stages {
		indegree[s.Name()] = 0
	}
	for _, l := range p.links {
		adj[l.From.Name()] = append(adj[l.From.Name()], l.To.Name())
		indegree[l.To.Name()]++
	}

	queue := make([]string, 0, len(indegree))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(indegree) {
		return errors.Wrap(ErrIncompleteGraph, "pipeline graph contains a cycle")
	}
	return nil
}

// Start transitions every stage to running and begins event delivery.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.state != Prepared {
		p.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "start in state %s", p.state)
	}
	stages := make([]stage.Instance, len(p.stages))
	copy(stages, p.stages)
	p.mu.Unlock()

	// forward each stage's events onto the serialized queue
	for _, s := range stages {
		p.fanIn.Add(1)
		go func(s stage.Instance) {
			defer p.fanIn.Done()
			for ev := range s.Events() {
				p.emit(ev)
			}
		}(s)
	}

	if sup, ok := p.factory.(stage.Supervisor); ok {
		if err := sup.StartAll(); err != nil {
			p.shutdown(Errored)
			return errors.Wrap(err, "starting pipeline")
		}
	} else {
		for _, s := range stages {
			if err := s.Start(); err != nil {
				p.shutdown(Errored)
				return errors.Wrapf(err, "starting stage %s", s.Name())
			}
		}
	}

	p.setState(Running)
	return nil
}

// shutdown tears down every stage best-effort and settles the pipeline
// in the given terminal state. It is safe to call more than once; only
// the first call acts.
func (p *Pipeline) shutdown(final State) {
	p.mu.Lock()
	if p.state.terminal() {
		p.mu.Unlock()
		return
	}
	p.state = final
	stages := make([]stage.Instance, len(p.stages))
	copy(stages, p.stages)
	p.mu.Unlock()

	p.emit(stage.Event{Kind: stage.EventStateChanged, Stage: p.name, Detail: final.String()})

	if sup, ok := p.factory.(stage.Supervisor); ok {
		if err := sup.StopAll(); err != nil {
			logger.Warnw("engine teardown failed", err, "pipeline", p.name)
		}
	}
	for _, s := range stages {
		if err := s.Stop(); err != nil {
			logger.Warnw("stage teardown failed", err, "pipeline", p.name, "stage", s.Name())
		}
	}

	p.closeOnce.Do(func() {
		go func() {
			p.fanIn.Wait()
			p.queue.Close()
		}()
	})
}
