package pcm

import (
	"testing"
	"time"
)

func TestFormatMath(t *testing.T) {
	f := L16Mono24K
	if f.SampleRate() != 24000 || f.Channels() != 1 || f.Depth() != 16 {
		t.Fatalf("L16Mono24K = %d Hz, %d ch, %d bit", f.SampleRate(), f.Channels(), f.Depth())
	}
	if got := f.SamplesInDuration(200 * time.Millisecond); got != 4800 {
		t.Fatalf("SamplesInDuration(200ms) = %d, want 4800", got)
	}
	if got := f.BytesInDuration(200 * time.Millisecond); got != 9600 {
		t.Fatalf("BytesInDuration(200ms) = %d, want 9600", got)
	}
	if got := f.Duration(9600); got != 200*time.Millisecond {
		t.Fatalf("Duration(9600) = %v, want 200ms", got)
	}
	if got := f.BytesRate(); got != 48000 {
		t.Fatalf("BytesRate() = %d, want 48000", got)
	}
}

func TestByFields(t *testing.T) {
	f, err := ByFields(24000, 1, 16)
	if err != nil || f != L16Mono24K {
		t.Fatalf("ByFields(24000,1,16) = %v, %v", f, err)
	}
	if _, err := ByFields(44100, 2, 16); err == nil {
		t.Fatal("ByFields accepted an unsupported layout")
	}
}

func TestVolumeCell(t *testing.T) {
	var v Volume
	if got := v.Level(); got != 0 {
		t.Fatalf("zero-value Level() = %v, want silence", got)
	}
	v.Set(0.125)
	if got := v.Level(); got != 0.125 {
		t.Fatalf("Level() = %v, want 0.125", got)
	}
}
