// Package gstreamer implements the stage contract on top of GStreamer
// via go-gst. One Factory is created per pipeline build; it owns the
// underlying gst pipeline, translates bus messages into stage events,
// and drives state transitions for all stages as a unit.
package gstreamer

import (
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
)

var initOnce sync.Once

// Initialize performs the process-wide engine startup. Safe to call
// more than once; only the first call initializes GStreamer. Must run
// before any Factory is created.
func Initialize() {
	initOnce.Do(func() {
		gst.Init(nil)
	})
}

// Shutdown releases process-wide engine resources. Call once on process
// exit, after every pipeline has stopped.
func Shutdown() {
	gst.Deinit()
}
