package mutex

import "testing"

func TestAvailableByDefault(t *testing.T) {
	r := NewRegistry()
	if !r.IsMicrophoneAvailable() {
		t.Fatal("expected microphone available with no activities")
	}
}

func TestAcquireMakesUnavailable(t *testing.T) {
	r := NewRegistry()
	r.AcquireNoisyActivity("speaking")
	if r.IsMicrophoneAvailable() {
		t.Fatal("expected microphone unavailable while speaking is held")
	}
	if got := r.GetActiveActivities(); len(got) != 1 || got[0] != "speaking" {
		t.Fatalf("unexpected active activities: %v", got)
	}
}

func TestReferenceCountingAllowsOverlap(t *testing.T) {
	r := NewRegistry()
	r.AcquireNoisyActivity("speaking")
	r.AcquireNoisyActivity("navigation")
	if r.IsMicrophoneAvailable() {
		t.Fatal("expected unavailable with two overlapping activities")
	}
	r.ReleaseNoisyActivity("speaking")
	if r.IsMicrophoneAvailable() {
		t.Fatal("expected still unavailable with one activity remaining")
	}
	r.ReleaseNoisyActivity("navigation")
	if !r.IsMicrophoneAvailable() {
		t.Fatal("expected available after all activities released")
	}
}

func TestReleaseBelowZeroIsNoop(t *testing.T) {
	r := NewRegistry()
	r.ReleaseNoisyActivity("speaking") // must not panic or go negative
	if !r.IsMicrophoneAvailable() {
		t.Fatal("expected available")
	}
}

func TestSameActivityAcquiredTwiceNeedsTwoReleases(t *testing.T) {
	r := NewRegistry()
	r.AcquireNoisyActivity("sound_effect")
	r.AcquireNoisyActivity("sound_effect")
	r.ReleaseNoisyActivity("sound_effect")
	if r.IsMicrophoneAvailable() {
		t.Fatal("expected still unavailable after one of two releases")
	}
	r.ReleaseNoisyActivity("sound_effect")
	if !r.IsMicrophoneAvailable() {
		t.Fatal("expected available after both releases")
	}
}
