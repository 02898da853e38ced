// Package pcm provides types for working with the raw PCM audio the
// voice pipeline speaks: format math (sample/byte/duration conversions)
// and an atomic float for cross-thread volume reporting.
package pcm

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

const (
	// L16Mono16K represents audio/L16; rate=16000; channels=1
	L16Mono16K Format = iota
	// L16Mono24K represents audio/L16; rate=24000; channels=1
	L16Mono24K
	// L16Mono48K represents audio/L16; rate=48000; channels=1
	L16Mono48K
)

// Format represents an audio format configuration. The voice pipeline
// runs end to end on L16Mono24K; the other rates exist for devices whose
// native capture rate differs.
type Format int

// SampleRate returns the sample rate in Hz for this format.
func (f Format) SampleRate() int {
	switch f {
	case L16Mono16K:
		return 16000
	case L16Mono24K:
		return 24000
	case L16Mono48K:
		return 48000
	}
	panic("pcm: invalid audio type")
}

// Channels returns the number of audio channels for this format.
func (f Format) Channels() int {
	switch f {
	case L16Mono16K, L16Mono24K, L16Mono48K:
		return 1
	}
	panic("pcm: invalid audio type")
}

// Depth returns the bit depth for this format.
func (f Format) Depth() int {
	switch f {
	case L16Mono16K, L16Mono24K, L16Mono48K:
		return 16
	}
	panic("pcm: invalid audio type")
}

// ByFields returns the Format matching the given layout, or an error for
// layouts the pipeline does not speak.
func ByFields(sampleRate, channels, depth int) (Format, error) {
	for _, f := range []Format{L16Mono16K, L16Mono24K, L16Mono48K} {
		if f.SampleRate() == sampleRate && f.Channels() == channels && f.Depth() == depth {
			return f, nil
		}
	}
	return 0, fmt.Errorf("pcm: unsupported format rate=%d channels=%d depth=%d", sampleRate, channels, depth)
}

// Samples returns the number of samples in the given number of bytes.
func (f Format) Samples(bytes int64) int64 {
	return bytes * 8 / int64(f.Channels()) / int64(f.Depth())
}

// SamplesInDuration returns the number of samples in the given duration.
func (f Format) SamplesInDuration(d time.Duration) int64 {
	return int64(time.Duration(f.SampleRate()) * d / time.Second)
}

// BytesInDuration returns the number of bytes in the given duration.
func (f Format) BytesInDuration(d time.Duration) int64 {
	return f.SamplesInDuration(d) * int64(f.Channels()) * int64(f.Depth()) / 8
}

// Duration returns the duration of the given number of bytes.
func (f Format) Duration(bytes int64) time.Duration {
	return time.Duration(f.Samples(bytes)) * time.Second / time.Duration(f.SampleRate())
}

// BytesRate returns the byte rate of the audio data.
func (f Format) BytesRate() int {
	return f.SampleRate() * f.Channels() * f.Depth() / 8
}

// Volume is a lock-free level cell: the capture worker writes the most
// recent frame's RMS into it and the monitor path reads it without ever
// touching the worker's locks. The float is carried as its IEEE 754 bit
// pattern inside an atomic.Uint32. The zero value reads as silence.
type Volume struct {
	bits atomic.Uint32
}

// Set publishes a new level.
func (v *Volume) Set(level float32) {
	v.bits.Store(math.Float32bits(level))
}

// Level returns the most recently published level.
func (v *Volume) Level() float32 {
	return math.Float32frombits(v.bits.Load())
}

// String returns a human-readable string representation of the format.
func (f Format) String() string {
	switch f {
	case L16Mono16K:
		return "audio/L16; rate=16000; channels=1"
	case L16Mono24K:
		return "audio/L16; rate=24000; channels=1"
	case L16Mono48K:
		return "audio/L16; rate=48000; channels=1"
	}
	panic("pcm: invalid audio type")
}
