package pipeline

import "errors"

var (
	// ErrUnsupportedConfiguration marks invalid caller input. No
	// resources are allocated when a build fails with it.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")

	// ErrStageUnavailable means a required stage kind cannot be
	// instantiated and no fallback exists.
	ErrStageUnavailable = errors.New("stage unavailable")

	// ErrLinkIncompatible means two statically linked stages declare
	// capability classes with an empty intersection.
	ErrLinkIncompatible = errors.New("incompatible stage capabilities")

	// ErrIncompleteGraph is returned by Prepare when a required link is
	// unresolved or a required option is missing.
	ErrIncompleteGraph = errors.New("incomplete pipeline graph")

	// ErrRuntimeStage wraps an unrecoverable fault reported by a
	// running stage.
	ErrRuntimeStage = errors.New("stage runtime error")

	ErrInvalidTransition = errors.New("invalid pipeline state transition")
)
