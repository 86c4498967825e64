// Package pointmass is a 2-D point environment on the unit square with
// dict observations. Its mover position and goal can be re-pointed, which is
// what the alternating two-agent rollout needs.
package pointmass

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"go.uber.org/zap"

	"distributed-goal-rl/internal/rollout"
	"distributed-goal-rl/internal/trajectory"
)

const (
	Dim = 2

	// MaxStep is the longest displacement a single action can produce.
	MaxStep = 0.1
	// Tolerance is the distance under which the goal counts as reached.
	Tolerance = 0.05

	ObservationKey  = "observation"
	AchievedGoalKey = "achieved_goal"
	DesiredGoalKey  = "desired_goal"
)

var (
	ErrBadVector = errors.New("pointmass: vector must have 2 components")
	ErrBadState  = errors.New("pointmass: unknown state handle")
)

// State is the handle returned by GetState.
type State struct {
	Position []float64 `json:"position"`
	Goal     []float64 `json:"goal"`
}

type Env struct {
	State  State
	Steps  int
	Rand   *rand.Rand
	Logger *zap.Logger
}

var _ rollout.StateGoalEnv = (*Env)(nil)

func NewEnv(rng *rand.Rand, logger *zap.Logger) *Env {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Env{
		State:  State{Position: make([]float64, Dim), Goal: make([]float64, Dim)},
		Rand:   rng,
		Logger: logger.With(zap.String("component", "pointmass")),
	}
}

// Reset samples position and goal uniformly. "position" and "goal" kwargs
// ([]float64) pin either one.
func (e *Env) Reset(kwargs map[string]any) (trajectory.Dict, error) {
	position, err := e.resetVector(kwargs, "position")
	if err != nil {
		return nil, err
	}
	goal, err := e.resetVector(kwargs, "goal")
	if err != nil {
		return nil, err
	}
	e.State = State{Position: position, Goal: goal}
	e.Steps = 0
	return e.observe(e.State), nil
}

func (e *Env) resetVector(kwargs map[string]any, key string) ([]float64, error) {
	if v, ok := kwargs[key].([]float64); ok {
		if len(v) != Dim {
			return nil, fmt.Errorf("%w: reset %s", ErrBadVector, key)
		}
		return slices.Clone(v), nil
	}
	return []float64{e.Rand.Float64(), e.Rand.Float64()}, nil
}

// Step moves the point by action, clipped to MaxStep in length and to the
// unit square. Reward is the negative distance to the goal.
func (e *Env) Step(action []float64) (trajectory.Dict, float64, bool, trajectory.Info, error) {
	if len(action) != Dim {
		return nil, 0, false, nil, fmt.Errorf("%w: action", ErrBadVector)
	}
	dx, dy := action[0], action[1]
	if n := math.Hypot(dx, dy); n > MaxStep {
		dx, dy = dx/n*MaxStep, dy/n*MaxStep
	}
	e.State.Position = []float64{
		clamp(e.State.Position[0] + dx),
		clamp(e.State.Position[1] + dy),
	}
	e.Steps++

	d := distance(e.State.Position, e.State.Goal)
	done := d < Tolerance
	info := trajectory.Info{
		"distance":   d,
		"is_success": done,
	}
	return e.observe(e.State), -d, done, info, nil
}

// SetStateGoal re-points the mover and its goal.
func (e *Env) SetStateGoal(position, goal []float64) error {
	if len(position) != Dim || len(goal) != Dim {
		return ErrBadVector
	}
	e.State = State{Position: slices.Clone(position), Goal: slices.Clone(goal)}
	return nil
}

// GetState returns a copy of the current state.
func (e *Env) GetState() rollout.State {
	return State{Position: slices.Clone(e.State.Position), Goal: slices.Clone(e.State.Goal)}
}

// Observation projects a state handle obtained from GetState.
func (e *Env) Observation(state rollout.State) (trajectory.Dict, error) {
	s, ok := state.(State)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrBadState, state)
	}
	if len(s.Position) != Dim || len(s.Goal) != Dim {
		return nil, ErrBadVector
	}
	return e.observe(s), nil
}

func (e *Env) Render(kwargs map[string]any) {
	fields := []zap.Field{
		zap.Int("steps", e.Steps),
		zap.Float64s("position", e.State.Position),
		zap.Float64s("goal", e.State.Goal),
		zap.Float64("distance", distance(e.State.Position, e.State.Goal)),
	}
	if mode, ok := kwargs["mode"].(string); ok {
		fields = append(fields, zap.String("mode", mode))
	}
	e.Logger.Info("render", fields...)
}

func (e *Env) observe(s State) trajectory.Dict {
	return trajectory.Dict{
		ObservationKey:  slices.Clone(s.Position),
		AchievedGoalKey: slices.Clone(s.Position),
		DesiredGoalKey:  slices.Clone(s.Goal),
	}
}

func distance(a, b []float64) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
