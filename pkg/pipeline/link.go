package pipeline

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/hlspipe/hlspipe/pkg/logger"
	"github.com/hlspipe/hlspipe/pkg/stage"
)

// linkResolver negotiates formats between adjacent stages and performs
// the actual port wiring. Static links are resolved at build time;
// pending links complete reactively when a dynamic stage announces an
// output port.
type linkResolver struct {
	p *Pipeline

	mu        sync.Mutex
	linkedIn  map[string]map[string]bool // stage name -> input port name
	linkedOut map[string]map[string]bool // stage name -> output port name
}

func newLinkResolver(p *Pipeline) *linkResolver {
	return &linkResolver{
		p:         p,
		linkedIn:  make(map[string]map[string]bool),
		linkedOut: make(map[string]map[string]bool),
	}
}

func (r *linkResolver) markLocked(m map[string]map[string]bool, stageName, portName string) {
	if m[stageName] == nil {
		m[stageName] = make(map[string]bool)
	}
	m[stageName][portName] = true
}

// candidate is one negotiable output/input port pair.
type candidate struct {
	out    stage.Port
	in     stage.Port
	format stage.Caps
}

// bestCandidateLocked picks the most specific common format among all
// unclaimed port pairs of src and dst. Ties keep the first declared
// pair. r.mu must be held.
func (r *linkResolver) bestCandidateLocked(src, dst stage.Instance) (candidate, bool) {
	var best candidate
	found := false
	for _, out := range src.Outputs() {
		if r.linkedOut[src.Name()][out.Name] {
			continue
		}
		for _, in := range dst.Inputs() {
			if r.linkedIn[dst.Name()][in.Name] {
				continue
			}
			format, ok := out.Caps.Intersect(in.Caps)
			if !ok {
				continue
			}
			if !found || format.Specificity() > best.format.Specificity() {
				best = candidate{out: out, in: in, format: format}
				found = true
			}
		}
	}
	return best, found
}

// link resolves a static link between src and dst. The winning ports
// are claimed under the lock, so a concurrent resolution cannot assign
// the same input twice. It fails with ErrLinkIncompatible when no
// unclaimed port pair has a non-empty capability intersection.
func (r *linkResolver) link(src, dst stage.Instance) (*Link, error) {
	r.mu.Lock()
	c, ok := r.bestCandidateLocked(src, dst)
	if ok {
		r.markLocked(r.linkedOut, src.Name(), c.out.Name)
		r.markLocked(r.linkedIn, dst.Name(), c.in.Name)
	}
	r.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrLinkIncompatible, "%s -> %s", src.Name(), dst.Name())
	}
	return r.wire(src, dst, c)
}

// wire performs the engine-side linking for ports already claimed by
// the caller.
func (r *linkResolver) wire(src, dst stage.Instance, c candidate) (*Link, error) {
	if err := src.Link(c.out, dst, c.in); err != nil {
		return nil, errors.Wrapf(err, "linking %s.%s -> %s.%s", src.Name(), c.out.Name, dst.Name(), c.in.Name)
	}

	l := &Link{
		From:     src,
		To:       dst,
		FromPort: c.out,
		ToPort:   c.in,
		Format:   c.format,
	}
	r.p.addLink(l)
	logger.Debugw("link resolved",
		"pipeline", r.p.name,
		"from", src.Name(), "to", dst.Name(),
		"format", c.format.String())
	return l, nil
}

// PendingLinkHandle tracks a stage whose output ports are unknown until
// run time. Each announced port is matched against the candidate sinks;
// a port with no compatible sink is dropped with a Warning.
type PendingLinkHandle struct {
	source     stage.Instance
	candidates []stage.Instance

	mu       sync.Mutex
	resolved []*Link
}

// Resolved returns the links completed so far for this handle.
func (h *PendingLinkHandle) Resolved() []*Link {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Link, len(h.resolved))
	copy(out, h.resolved)
	return out
}

// registerPending arranges for src's future output ports to be linked
// to the first compatible candidate sink as they are announced.
func (r *linkResolver) registerPending(src stage.Instance, candidates ...stage.Instance) *PendingLinkHandle {
	h := &PendingLinkHandle{source: src, candidates: candidates}

	src.OnPortAdded(func(port stage.Port) {
		r.resolvePending(h, port)
	})

	r.p.mu.Lock()
	r.p.pending = append(r.p.pending, h)
	r.p.mu.Unlock()
	return h
}

func (r *linkResolver) resolvePending(h *PendingLinkHandle, port stage.Port) {
	var best candidate
	var target stage.Instance
	found := false

	// match and claim under one critical section: ports announced
	// concurrently must not both win the same sink input
	r.mu.Lock()
	for _, sink := range h.candidates {
		for _, in := range sink.Inputs() {
			if r.linkedIn[sink.Name()][in.Name] {
				continue
			}
			format, ok := port.Caps.Intersect(in.Caps)
			if !ok {
				continue
			}
			if !found || format.Specificity() > best.format.Specificity() {
				best = candidate{out: port, in: in, format: format}
				target = sink
				found = true
			}
		}
	}
	if found {
		r.markLocked(r.linkedIn, target.Name(), best.in.Name)
	}
	r.mu.Unlock()

	if !found {
		// not fatal: the stream is dropped
		r.p.emit(stage.Event{
			Kind:   stage.EventWarning,
			Stage:  h.source.Name(),
			Detail: "no compatible sink for announced port " + port.Caps.String() + ", stream dropped",
		})
		return
	}

	l, err := r.wire(h.source, target, best)
	if err != nil {
		r.p.emit(stage.Event{
			Kind:  stage.EventError,
			Stage: h.source.Name(),
			Err:   err,
		})
		return
	}

	h.mu.Lock()
	h.resolved = append(h.resolved, l)
	h.mu.Unlock()
}
