package pipeline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hlspipe/hlspipe/pkg/stage"
	"github.com/hlspipe/hlspipe/pkg/stage/stagetest"
)

// synthetic kinds for resolver tests
func testInstance(t *testing.T, factory *stagetest.Factory, d stage.Descriptor, name string) stage.Instance {
	t.Helper()
	factory.Catalog.Register(d)
	inst, err := factory.New(d.Kind, name)
	require.NoError(t, err)
	return inst
}

func TestLinkPicksMostSpecificFormat(t *testing.T) {
	factory := stagetest.NewFactory(stage.NewCatalog())
	p := newPipeline("test", factory)
	r := newLinkResolver(p)

	src := testInstance(t, factory, stage.Descriptor{
		Kind:    stage.VideoConvert,
		Outputs: []stage.Caps{{MediaType: "video/x-raw", Width: 1280, Height: 720}},
	}, "src")

	// the sink declares a generic input and an exact-geometry input
	sink := testInstance(t, factory, stage.Descriptor{
		Kind: stage.Mux,
		Inputs: []stage.Caps{
			{MediaType: "video/x-raw"},
			{MediaType: "video/x-raw", Width: 1280, Height: 720},
		},
	}, "sink")

	l, err := r.link(src, sink)
	require.NoError(t, err)
	require.Equal(t, "sink_1", l.ToPort.Name, "exact geometry match must beat the generic input")
	require.Equal(t, int32(1280), l.Format.Width)
}

func TestLinkIncompatibleCapabilities(t *testing.T) {
	factory := stagetest.NewFactory(stage.NewCatalog())
	p := newPipeline("test", factory)
	r := newLinkResolver(p)

	src := testInstance(t, factory, stage.Descriptor{
		Kind:    stage.VideoEncodeSoftware,
		Outputs: []stage.Caps{{MediaType: "video/x-h264"}},
	}, "src")
	sink := testInstance(t, factory, stage.Descriptor{
		Kind:   stage.AudioEncode,
		Inputs: []stage.Caps{{MediaType: "audio/x-raw"}},
	}, "sink")

	l, err := r.link(src, sink)
	require.Nil(t, l)
	require.ErrorIs(t, err, ErrLinkIncompatible)
	require.Empty(t, p.Links())
}

func TestLinkPortsUsedOnce(t *testing.T) {
	factory := stagetest.NewFactory(stage.NewCatalog())
	p := newPipeline("test", factory)
	r := newLinkResolver(p)

	src := testInstance(t, factory, stage.Descriptor{
		Kind:    stage.VideoEncodeSoftware,
		Outputs: []stage.Caps{{MediaType: "video/x-h264"}},
	}, "src")
	sink := testInstance(t, factory, stage.Descriptor{
		Kind:   stage.Mux,
		Inputs: []stage.Caps{{MediaType: "video/x-h264"}},
	}, "sink")

	_, err := r.link(src, sink)
	require.NoError(t, err)

	// both ports are consumed
	_, err = r.link(src, sink)
	require.ErrorIs(t, err, ErrLinkIncompatible)
}

func TestPendingLinkResolvesAnnouncedPort(t *testing.T) {
	factory := stagetest.NewFactory(stage.NewCatalog())
	p := newPipeline("test", factory)
	r := newLinkResolver(p)

	demux := testInstance(t, factory, stage.Descriptor{
		Kind:    stage.Demux,
		Outputs: []stage.Caps{{MediaType: "video/*"}, {MediaType: "audio/*"}},
		Dynamic: true,
	}, "demux").(*stagetest.Instance)

	videoSink := testInstance(t, factory, stage.Descriptor{
		Kind:   stage.VideoDecode,
		Inputs: []stage.Caps{{MediaType: "video/*"}},
	}, "video_decode")
	audioSink := testInstance(t, factory, stage.Descriptor{
		Kind:   stage.AudioDecode,
		Inputs: []stage.Caps{{MediaType: "audio/*"}},
	}, "audio_decode")

	h := r.registerPending(demux, videoSink, audioSink)

	demux.AnnouncePort(stage.Port{
		Name: "src_0",
		Caps: stage.Caps{MediaType: "video/x-raw", Width: 1920, Height: 1080},
	})
	require.Len(t, h.Resolved(), 1)
	require.Equal(t, "video_decode", h.Resolved()[0].To.Name())

	demux.AnnouncePort(stage.Port{
		Name: "src_1",
		Caps: stage.Caps{MediaType: "audio/x-raw", Rate: 44100},
	})
	require.Len(t, h.Resolved(), 2)
	require.Equal(t, "audio_decode", h.Resolved()[1].To.Name())

	require.Empty(t, p.UnresolvedPending())

	// the engine-side wiring happened too
	require.Len(t, demux.Links(), 2)
}

func TestPendingLinkDropsUnmatchedPort(t *testing.T) {
	factory := stagetest.NewFactory(stage.NewCatalog())
	p := newPipeline("test", factory)
	r := newLinkResolver(p)

	demux := testInstance(t, factory, stage.Descriptor{
		Kind:    stage.Demux,
		Outputs: []stage.Caps{{MediaType: "video/*"}},
		Dynamic: true,
	}, "demux").(*stagetest.Instance)

	videoSink := testInstance(t, factory, stage.Descriptor{
		Kind:   stage.VideoDecode,
		Inputs: []stage.Caps{{MediaType: "video/*"}},
	}, "video_decode")

	h := r.registerPending(demux, videoSink)

	// a subtitle stream nothing accepts: dropped with a warning, not fatal
	demux.AnnouncePort(stage.Port{
		Name: "src_0",
		Caps: stage.Caps{MediaType: "text/x-raw"},
	})
	require.Empty(t, h.Resolved())

	select {
	case ev := <-p.Events():
		require.Equal(t, stage.EventWarning, ev.Kind)
		require.Equal(t, "demux", ev.Stage)
	case <-time.After(time.Second):
		t.Fatal("expected a warning event for the dropped stream")
	}
}

func TestPendingLinkClaimsInputOnce(t *testing.T) {
	factory := stagetest.NewFactory(stage.NewCatalog())
	p := newPipeline("test", factory)
	r := newLinkResolver(p)

	demux := testInstance(t, factory, stage.Descriptor{
		Kind:    stage.Demux,
		Outputs: []stage.Caps{{MediaType: "video/*"}},
		Dynamic: true,
	}, "demux").(*stagetest.Instance)

	// a single sink input contested by two simultaneously announced ports
	videoSink := testInstance(t, factory, stage.Descriptor{
		Kind:   stage.VideoDecode,
		Inputs: []stage.Caps{{MediaType: "video/*"}},
	}, "video_decode")

	h := r.registerPending(demux, videoSink)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			demux.AnnouncePort(stage.Port{
				Name: fmt.Sprintf("src_%d", idx),
				Caps: stage.Caps{MediaType: "video/x-raw"},
			})
		}(i)
	}
	wg.Wait()

	// exactly one port wins the input, the loser is dropped
	require.Len(t, h.Resolved(), 1)
	require.Len(t, demux.Links(), 1)

	select {
	case ev := <-p.Events():
		require.Equal(t, stage.EventWarning, ev.Kind)
		require.Equal(t, "demux", ev.Stage)
	case <-time.After(time.Second):
		t.Fatal("expected a warning event for the losing stream")
	}
}
