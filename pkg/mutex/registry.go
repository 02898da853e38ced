// Package mutex implements the reference-counted noisy-activity coordination
// primitive that prevents the microphone from re-hearing the robot's own
// speech or motor noise.
//
// This is explicitly not mutual exclusion between individual noisy
// activities — speech synthesis and motor actuation may run in parallel.
// It is mutual exclusion between any noisy activity and speech recognition:
// the microphone is usable iff no noisy activity is currently held.
package mutex

import "sync"

// Registry tracks active noisy activities by name with reference counting.
// It is constructed once at process start and passed through constructors
// rather than reached for as a package-level global, so tests can
// substitute an independent instance.
type Registry struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewRegistry creates an empty Registry. The conceptual process-wide
// singleton is simply one Registry value shared by every component that
// needs it, built once by the launcher.
func NewRegistry() *Registry {
	return &Registry{counts: make(map[string]int)}
}

// AcquireNoisyActivity increments the reference count for name. Multiple
// distinct (or identical) noisy activities may overlap; each Acquire must
// be paired with exactly one Release of the same name.
func (r *Registry) AcquireNoisyActivity(name string) {
	if name == "" {
		name = "unknown"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
}

// ReleaseNoisyActivity decrements the reference count for name. Releasing a
// name whose count is already zero is a no-op rather than a panic; an
// unbalanced release must never take the pipeline down.
func (r *Registry) ReleaseNoisyActivity(name string) {
	if name == "" {
		name = "unknown"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[name] <= 0 {
		return
	}
	r.counts[name]--
	if r.counts[name] == 0 {
		delete(r.counts, name)
	}
}

// IsMicrophoneAvailable reports whether no noisy activity is currently held.
func (r *Registry) IsMicrophoneAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalLocked() == 0
}

// GetActiveActivities returns a snapshot of the currently active activity
// names.
func (r *Registry) GetActiveActivities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.counts))
	for name, n := range r.counts {
		if n > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Status is a snapshot suitable for the monitor CLI.
type Status struct {
	MicrophoneAvailable bool
	ActiveActivities    []string
}

// GetStatus returns a consistent snapshot of availability and active names.
func (r *Registry) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		MicrophoneAvailable: r.totalLocked() == 0,
		ActiveActivities:    r.activeNamesLocked(),
	}
}

func (r *Registry) totalLocked() int {
	total := 0
	for _, n := range r.counts {
		total += n
	}
	return total
}

func (r *Registry) activeNamesLocked() []string {
	names := make([]string, 0, len(r.counts))
	for name, n := range r.counts {
		if n > 0 {
			names = append(names, name)
		}
	}
	return names
}
