// Package stage defines the processing-stage contract the pipeline is
// built from: descriptors declaring what each stage kind consumes and
// produces, and the Instance interface the underlying media engine
// implements. The orchestration layer never reaches past this contract,
// so engines are substitutable (see pkg/stage/gstreamer for the real one).
package stage

import "fmt"

type Kind int

const (
	Source Kind = iota
	Demux
	VideoDecode
	AudioDecode
	VideoConvert
	AudioConvert
	VideoEncodeSoftware
	VideoEncodeHardware
	AudioEncode
	Mux
	HLSSink
)

func (k Kind) String() string {
	switch k {
	case Source:
		return "source"
	case Demux:
		return "demux"
	case VideoDecode:
		return "video_decode"
	case AudioDecode:
		return "audio_decode"
	case VideoConvert:
		return "video_convert"
	case AudioConvert:
		return "audio_convert"
	case VideoEncodeSoftware:
		return "video_encode_sw"
	case VideoEncodeHardware:
		return "video_encode_hw"
	case AudioEncode:
		return "audio_encode"
	case Mux:
		return "mux"
	case HLSSink:
		return "hls_sink"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Port is one input or output of a stage instance.
type Port struct {
	Name string
	Caps Caps
}

// Descriptor declares a stage kind: the engine element implementing it,
// the option names it recognizes, and its input/output capability
// classes. Dynamic stages announce their output ports only at run time.
type Descriptor struct {
	Kind    Kind
	Element string
	Options map[string]string
	Inputs  []Caps
	Outputs []Caps
	Dynamic bool
}

type EventKind int

const (
	EventError EventKind = iota
	EventWarning
	EventEOS
	EventStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventWarning:
		return "warning"
	case EventEOS:
		return "eos"
	case EventStateChanged:
		return "state_changed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is an asynchronous notification raised by a running stage.
type Event struct {
	Kind   EventKind
	Stage  string
	Detail string
	Err    error
}

// Instance is a live, constructed stage. An instance belongs to exactly
// one pipeline and is stopped when that pipeline is torn down.
type Instance interface {
	Descriptor() Descriptor
	Name() string

	// Configure applies option values before the instance starts.
	Configure(opts map[string]interface{}) error

	Start() error
	Stop() error

	Inputs() []Port
	Outputs() []Port

	// OnPortAdded registers a callback fired when a dynamic output port
	// appears at run time. Only meaningful for Dynamic descriptors.
	OnPortAdded(fn func(Port))

	// Link connects one of this instance's output ports to an input
	// port of sink. The ports must already be format-negotiated.
	Link(out Port, sink Instance, in Port) error

	// Events delivers this instance's notifications in the order they
	// were raised. The channel is closed when the instance stops.
	Events() <-chan Event
}

// Factory creates stage instances for a single pipeline build.
type Factory interface {
	// Available reports whether the engine can instantiate the kind.
	Available(k Kind) bool
	New(k Kind, name string) (Instance, error)
}

// Supervisor is implemented by factories whose engine transitions all of
// a pipeline's stages as a unit rather than one at a time.
type Supervisor interface {
	StartAll() error
	StopAll() error
}
