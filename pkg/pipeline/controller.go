package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hlspipe/hlspipe/pkg/logger"
	"github.com/hlspipe/hlspipe/pkg/stage"
)

// Controller drives a pipeline's state transitions and consumes its
// event stream, turning the engine's asynchronous notifications into a
// synchronous result for the caller.
type Controller struct {
	p *Pipeline

	stopOnce sync.Once
	stopCh   chan struct{}
	running  atomic.Bool

	mu       sync.Mutex
	warnings []stage.Event
	observer func(stage.Event)
}

func NewController(p *Pipeline) *Controller {
	return &Controller{
		p:      p,
		stopCh: make(chan struct{}),
	}
}

func (c *Controller) Pipeline() *Pipeline {
	return c.p
}

func (c *Controller) State() State {
	return c.p.State()
}

// OnEvent registers an observer invoked for every consumed event. Must
// be set before Run.
func (c *Controller) OnEvent(fn func(stage.Event)) {
	c.mu.Lock()
	c.observer = fn
	c.mu.Unlock()
}

// Warnings returns the warning events consumed so far.
func (c *Controller) Warnings() []stage.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]stage.Event, len(c.warnings))
	copy(out, c.warnings)
	return out
}

func (c *Controller) Prepare() error {
	return c.p.Prepare()
}

func (c *Controller) Start() error {
	return c.p.Start()
}

// Stop requests a shutdown. It is idempotent: stopping an already
// Stopped or Errored pipeline is a no-op. When a Run is in flight it
// returns promptly with a Stopped result; otherwise the pipeline is
// torn down here.
func (c *Controller) Stop() {
	if c.p.State().terminal() {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if !c.running.Load() {
		c.p.shutdown(Stopped)
	}
}

// stopRequested reports whether a concurrent Stop already settled the
// pipeline. A transition that failed because Stop tore the pipeline
// down mid-startup is a clean Stopped result, not an error.
func (c *Controller) stopRequested() bool {
	select {
	case <-c.stopCh:
		return c.p.State() == Stopped
	default:
		return false
	}
}

// Run blocks until the pipeline reaches a terminal state: nil once the
// sink signals end of stream (or a stop was requested), or the
// originating stage error. Prepare and Start are performed first when
// the pipeline is still Idle. Cancelling ctx behaves like Stop.
func (c *Controller) Run(ctx context.Context) error {
	if c.p.State() == Idle {
		if err := c.p.Prepare(); err != nil {
			if c.stopRequested() {
				return nil
			}
			return err
		}
	}
	if c.p.State() == Prepared {
		if err := c.p.Start(); err != nil {
			if c.stopRequested() {
				return nil
			}
			return err
		}
	}

	c.running.Store(true)
	defer c.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			logger.Infow("context cancelled, stopping pipeline", "pipeline", c.p.Name())
			c.stopClean()
			return nil

		case <-c.stopCh:
			logger.Infow("stop requested", "pipeline", c.p.Name())
			c.stopClean()
			return nil

		case ev, ok := <-c.p.Events():
			if !ok {
				// stream drained after a terminal transition
				if c.p.State() == Errored {
					return errors.Wrap(ErrRuntimeStage, "pipeline errored")
				}
				return nil
			}
			if done, err := c.consume(ev); done {
				return err
			}
		}
	}
}

// stopClean settles the pipeline in Stopped, first downgrading pending
// links that never matched a stream to warnings.
func (c *Controller) stopClean() {
	for _, name := range c.p.UnresolvedPending() {
		ev := stage.Event{
			Kind:   stage.EventWarning,
			Stage:  name,
			Detail: "no elementary stream was linked to this stage",
		}
		c.mu.Lock()
		c.warnings = append(c.warnings, ev)
		observer := c.observer
		c.mu.Unlock()
		if observer != nil {
			observer(ev)
		}
		logger.Warnw("pipeline warning", nil, "pipeline", c.p.Name(), "stage", name, "detail", ev.Detail)
	}
	c.p.shutdown(Stopped)
}

// consume handles one event. It returns done=true when the event was
// terminal for the whole pipeline.
func (c *Controller) consume(ev stage.Event) (bool, error) {
	c.mu.Lock()
	observer := c.observer
	if ev.Kind == stage.EventWarning {
		c.warnings = append(c.warnings, ev)
	}
	c.mu.Unlock()
	if observer != nil {
		observer(ev)
	}

	switch ev.Kind {
	case stage.EventError:
		logger.Errorw("stage error", ev.Err, "pipeline", c.p.Name(), "stage", ev.Stage, "detail", ev.Detail)
		c.p.shutdown(Errored)
		detail := ev.Detail
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		return true, errors.Wrap(ErrRuntimeStage, fmt.Sprintf("stage %s: %s", ev.Stage, detail))

	case stage.EventEOS:
		if c.p.sink != nil && ev.Stage == c.p.sink.Name() {
			logger.Infow("end of stream", "pipeline", c.p.Name())
			c.stopClean()
			return true, nil
		}
		// upstream stages drain before the sink finishes
		logger.Debugw("upstream end of stream", "pipeline", c.p.Name(), "stage", ev.Stage)

	case stage.EventWarning:
		logger.Warnw("pipeline warning", ev.Err, "pipeline", c.p.Name(), "stage", ev.Stage, "detail", ev.Detail)

	case stage.EventStateChanged:
		logger.Debugw("state changed", "pipeline", c.p.Name(), "stage", ev.Stage, "state", ev.Detail)
	}
	return false, nil
}
