package gesture

import (
	"context"
	"fmt"
	"strings"

	"github.com/nevil-robotics/nevil-core/pkg/hardware"
)

// Action executes one gesture against the motor capability.
type Action func(ctx context.Context, motor hardware.MotorController) error

// Registry resolves gesture names to actions. The default registry covers
// the full catalog; deployments with custom choreography swap in their
// own.
type Registry struct {
	actions map[string]Action
}

// NewRegistry builds the reference registry: every catalog name resolves
// to a motor Perform call with the name and requested speed.
func NewRegistry() *Registry {
	r := &Registry{actions: make(map[string]Action)}
	for _, name := range AllNames() {
		name := name
		r.actions[name] = func(ctx context.Context, motor hardware.MotorController) error {
			return motor.Perform(ctx, name, SpeedMed)
		}
	}
	return r
}

// Register adds or replaces the action for name.
func (r *Registry) Register(name string, action Action) {
	r.actions[name] = action
}

// Resolve parses a "name" or "name:speed" gesture string and returns the
// action bound to that name and speed.
func (r *Registry) Resolve(gesture string) (Action, error) {
	name, speed, hasSpeed := strings.Cut(gesture, ":")
	action, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("gesture: unknown gesture %q", name)
	}
	if !hasSpeed {
		return action, nil
	}
	switch speed {
	case SpeedSlow, SpeedMed, SpeedFast:
	default:
		return nil, fmt.Errorf("gesture: unknown speed %q", speed)
	}
	return func(ctx context.Context, motor hardware.MotorController) error {
		return motor.Perform(ctx, name, speed)
	}, nil
}
