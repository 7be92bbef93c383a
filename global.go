package evloop

import "time"

// version of the library.
const version = "0.1.0"

// Version returns the library version string.
func Version() string { return version }

// currentBase backs the package-level convenience wrappers. The core never
// consults it; callers that manage several loops should ignore this layer
// and hold their own *Base.
var currentBase *Base

// Init creates a loop and installs it as the process-wide default.
func Init() (*Base, error) {
	base, err := New()
	if err == nil {
		currentBase = base
	}
	return base, err
}

// Current returns the default loop installed by Init, or nil.
func Current() *Base { return currentBase }

// Dispatch runs the default loop until no events are left.
func Dispatch() error {
	if currentBase == nil {
		return ErrNoBase
	}
	return currentBase.Dispatch()
}

// Loop runs the default loop with the given flags.
func Loop(flags LoopFlag) error {
	if currentBase == nil {
		return ErrNoBase
	}
	return currentBase.Loop(flags)
}

// LoopExit schedules the default loop to exit after d.
func LoopExit(d time.Duration) error {
	if currentBase == nil {
		return ErrNoBase
	}
	return currentBase.LoopExit(d)
}

// LoopBreak makes the default loop exit at the next callback boundary.
func LoopBreak() error {
	if currentBase == nil {
		return ErrNoBase
	}
	currentBase.LoopBreak()
	return nil
}

// Method reports the backend name of the default loop.
func Method() string {
	if currentBase == nil {
		return ""
	}
	return currentBase.Method()
}
