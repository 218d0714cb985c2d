package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hlspipe/hlspipe/pkg/stage"
	"github.com/hlspipe/hlspipe/pkg/stage/stagetest"
)

func buildTestPipeline(t *testing.T) (*Pipeline, *stagetest.Factory) {
	t.Helper()
	factory := stagetest.NewFactory(stage.DefaultCatalog())
	p, err := NewBuilder(stage.DefaultCatalog(), factory).Build(validRequest())
	require.NoError(t, err)
	return p, factory
}

func requireRunning(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == Running
	}, time.Second, time.Millisecond)
}

func announceStreams(factory *stagetest.Factory) {
	demux := factory.ByKind(stage.Demux)
	demux.AnnouncePort(stage.Port{Name: "src_0", Caps: stage.Caps{MediaType: "video/x-raw", Width: 1920, Height: 1080}})
	demux.AnnouncePort(stage.Port{Name: "src_1", Caps: stage.Caps{MediaType: "audio/x-raw", Rate: 44100}})
}

func TestRunToEndOfStream(t *testing.T) {
	p, factory := buildTestPipeline(t)
	c := NewController(p)

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()
	requireRunning(t, c)

	announceStreams(factory)

	// upstream stages drain first, then the sink finishes
	factory.ByKind(stage.Demux).Emit(stage.Event{Kind: stage.EventEOS})
	factory.ByKind(stage.Mux).Emit(stage.Event{Kind: stage.EventEOS})
	factory.ByKind(stage.HLSSink).Emit(stage.Event{Kind: stage.EventEOS})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after sink EOS")
	}

	require.Equal(t, Stopped, c.State())
	require.Empty(t, c.Warnings())
	for _, inst := range factory.Instances() {
		require.True(t, inst.Stopped(), "%s not stopped", inst.Name())
	}
}

func TestRunStageError(t *testing.T) {
	p, factory := buildTestPipeline(t)

	// teardown must tolerate individual stage failures
	factory.ByKind(stage.Mux).StopErr = errors.New("flush failed")

	c := NewController(p)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()
	requireRunning(t, c)

	factory.ByKind(stage.VideoEncodeSoftware).Emit(stage.Event{
		Kind: stage.EventError,
		Err:  errors.New("encoder fault"),
	})

	var err error
	select {
	case err = <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return after stage error")
	}
	require.ErrorIs(t, err, ErrRuntimeStage)
	require.Contains(t, err.Error(), stage.VideoEncodeSoftware.String())
	require.Contains(t, err.Error(), "encoder fault")

	require.Equal(t, Errored, c.State())
	for _, inst := range factory.Instances() {
		require.True(t, inst.Stopped(), "%s not torn down", inst.Name())
	}
}

func TestStopReturnsPromptly(t *testing.T) {
	p, _ := buildTestPipeline(t)
	c := NewController(p)

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()
	requireRunning(t, c)

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	c.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after stop")
	}
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, Stopped, c.State())

	// idempotent on a terminal pipeline
	c.Stop()
	require.Equal(t, Stopped, c.State())
}

func TestStopWithoutRun(t *testing.T) {
	p, factory := buildTestPipeline(t)
	c := NewController(p)
	require.NoError(t, c.Prepare())

	c.Stop()
	require.Equal(t, Stopped, c.State())
	for _, inst := range factory.Instances() {
		require.True(t, inst.Stopped())
	}

	// the terminal transition is announced before the stream closes
	requireTerminalEvent(t, p, Stopped)
}

// requireTerminalEvent drains the event stream until it closes and
// asserts that the terminal state change was delivered to subscribers.
func requireTerminalEvent(t *testing.T, p *Pipeline, final State) {
	t.Helper()
	saw := false
	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				require.True(t, saw, "terminal state change not delivered")
				return
			}
			if ev.Kind == stage.EventStateChanged && ev.Stage == p.Name() && ev.Detail == final.String() {
				saw = true
			}
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func TestStartFailureTearsDown(t *testing.T) {
	p, factory := buildTestPipeline(t)
	factory.ByKind(stage.Mux).StartErr = errors.New("no such plugin")

	require.NoError(t, p.Prepare())
	err := p.Start()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no such plugin")
	require.Contains(t, err.Error(), stage.Mux.String())

	// stages started before the failure are torn down, the pipeline
	// settles in a terminal state, and the stream closes
	require.Equal(t, Errored, p.State())
	for _, inst := range factory.Instances() {
		require.True(t, inst.Stopped(), "%s left running after failed start", inst.Name())
	}
	requireTerminalEvent(t, p, Errored)
}

func TestStopDuringStartup(t *testing.T) {
	p, factory := buildTestPipeline(t)
	block := make(chan struct{})
	factory.ByKind(stage.Source).BlockStart = block

	c := NewController(p)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()

	// wait for Run to get pinned inside the startup sequence
	require.Eventually(t, func() bool {
		return c.State() == Prepared
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	c.Stop()
	close(block)

	select {
	case err := <-done:
		require.NoError(t, err, "a concurrent stop during startup is a clean result")
	case <-time.After(time.Second):
		t.Fatal("run did not return after stop during startup")
	}
	require.Equal(t, Stopped, c.State())
}

func TestContextCancelStops(t *testing.T) {
	p, _ := buildTestPipeline(t)
	c := NewController(p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()
	requireRunning(t, c)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.Equal(t, Stopped, c.State())
}

func TestUnmatchedPendingWarnsOnStop(t *testing.T) {
	p, factory := buildTestPipeline(t)
	c := NewController(p)

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()
	requireRunning(t, c)

	// only a video stream ever appears; the audio branch stays unlinked
	demux := factory.ByKind(stage.Demux)
	demux.AnnouncePort(stage.Port{Name: "src_0", Caps: stage.Caps{MediaType: "video/x-raw", Width: 1280, Height: 720}})

	factory.ByKind(stage.HLSSink).Emit(stage.Event{Kind: stage.EventEOS})

	select {
	case err := <-done:
		require.NoError(t, err, "an unmatched pending link is not an error")
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}

	require.Equal(t, Stopped, c.State())
	warnings := c.Warnings()
	require.Len(t, warnings, 1)
	require.Equal(t, stage.AudioDecode.String(), warnings[0].Stage)
}

func TestPrepareIncompleteGraph(t *testing.T) {
	factory := stagetest.NewFactory(stage.DefaultCatalog())
	p := newPipeline("incomplete", factory)

	// a stage with a declared input but no link feeding it
	mux, err := factory.New(stage.Mux, "mux")
	require.NoError(t, err)
	p.addStage(mux)

	err = p.Prepare()
	require.ErrorIs(t, err, ErrIncompleteGraph)
	require.Equal(t, Idle, p.State())
}

func TestLifecycleTransitions(t *testing.T) {
	p, _ := buildTestPipeline(t)

	// start before prepare is rejected
	require.ErrorIs(t, p.Start(), ErrInvalidTransition)

	require.NoError(t, p.Prepare())
	require.ErrorIs(t, p.Prepare(), ErrInvalidTransition)

	require.NoError(t, p.Start())
	require.Equal(t, Running, p.State())
}
