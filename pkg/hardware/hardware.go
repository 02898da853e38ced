// Package hardware declares the capability interfaces the runtime is
// wired against. Drivers for motors, audio devices, and cameras live
// outside this core; components receive these capabilities through
// constructors and must tolerate their absence. A missing capability is a
// typed "not available" result, never a crash.
package hardware

import (
	"context"
	"errors"
)

// ErrNotAvailable is returned by operations on capabilities the
// deployment did not provide. Nodes record it as a hardware error and
// continue.
var ErrNotAvailable = errors.New("hardware: capability not available")

// MotorController actuates gestures and movements. Injected explicitly
// into each component that moves the robot.
type MotorController interface {
	// Perform executes a named gesture at the given speed, blocking
	// until the motion completes or ctx is canceled.
	Perform(ctx context.Context, gesture, speed string) error

	// Stop halts any in-progress motion.
	Stop() error
}

// Player is the file-based playback collaborator. The contract is
// deliberately file-based so the streaming synthesis path can change
// without touching playback.
type Player interface {
	// Play starts playback of the WAV at path. It may block until done
	// or return once started; callers poll IsPlaying either way.
	Play(path string) error

	// IsPlaying reports whether playback is in progress.
	IsPlaying() bool

	// Stop aborts playback.
	Stop() error
}

// InputDevice is the microphone capture stream.
type InputDevice interface {
	// Read fills buf with PCM16 samples, blocking for roughly one
	// buffer period. It returns the number of samples read. Overflow
	// from the OS audio layer must be absorbed, not surfaced.
	Read(buf []int16) (int, error)

	// Close releases the device.
	Close() error
}

// NoMotor is a MotorController for deployments without actuation: every
// Perform reports ErrNotAvailable.
type NoMotor struct{}

func (NoMotor) Perform(context.Context, string, string) error { return ErrNotAvailable }
func (NoMotor) Stop() error                                   { return nil }
