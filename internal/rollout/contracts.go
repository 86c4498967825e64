// Package rollout drives an agent through an environment and packages the
// interaction into trajectory Paths.
package rollout

import "distributed-goal-rl/internal/trajectory"

// Agent produces actions from flat observation vectors.
type Agent interface {
	// Reset clears episodic memory. Called once at the start of every rollout.
	Reset()
	GetAction(obs []float64, kwargs map[string]any) ([]float64, trajectory.Info, error)
}

// Env is an environment whose observations have type O: []float64 for
// single-task environments, trajectory.Dict for goal-conditioned ones.
type Env[O any] interface {
	Reset(kwargs map[string]any) (O, error)
	Step(action []float64) (next O, reward float64, done bool, info trajectory.Info, err error)
}

// Renderer is implemented by environments that can draw themselves.
type Renderer interface {
	Render(kwargs map[string]any)
}

// State is an opaque environment state handle.
type State any

// StateGoalEnv is a goal environment whose mover position and goal can be
// re-pointed between turns, with a pure projection from state to observation.
type StateGoalEnv interface {
	Env[trajectory.Dict]
	SetStateGoal(position, goal []float64) error
	GetState() State
	Observation(state State) (trajectory.Dict, error)
}
