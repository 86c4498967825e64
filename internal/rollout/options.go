package rollout

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"distributed-goal-rl/internal/trajectory"
)

// Unbounded disables the step budget; the rollout runs until the
// environment signals termination.
const Unbounded = -1

// Rollout kinds reported to observers.
const (
	KindSingle     = "single"
	KindMultitask  = "multitask"
	KindMultiagent = "multiagent"
)

const defaultCapacity = 64

var ErrMissingKey = errors.New("observation is missing key")

// Observer is notified as rollouts progress. Agent is always 0 for the
// single-agent drivers.
type Observer interface {
	OnStep(kind string, agent int, reward float64, terminal bool)
	OnPatch(kind string, agent int)
	OnPath(kind string, agent int, length int, terminated bool)
}

type nopObserver struct{}

func (nopObserver) OnStep(string, int, float64, bool) {}
func (nopObserver) OnPatch(string, int)               {}
func (nopObserver) OnPath(string, int, int, bool)     {}

type options struct {
	maxPathLength         int
	render                bool
	renderKwargs          map[string]any
	observationKey        string
	desiredGoalKey        string
	achievedGoalKey       string
	representationGoalKey string
	getActionKwargs       map[string]any
	resetKwargs           map[string]any
	logger                *zap.Logger
	observer              Observer
}

// Option configures a rollout.
type Option func(*options)

// WithMaxPathLength caps the number of steps. For the alternating driver the
// budget is shared by both agents.
func WithMaxPathLength(n int) Option {
	return func(o *options) { o.maxPathLength = n }
}

// WithRender renders the environment after reset and after every step.
func WithRender(kwargs map[string]any) Option {
	return func(o *options) {
		o.render = true
		o.renderKwargs = kwargs
	}
}

func WithObservationKey(key string) Option {
	return func(o *options) { o.observationKey = key }
}

func WithDesiredGoalKey(key string) Option {
	return func(o *options) { o.desiredGoalKey = key }
}

func WithAchievedGoalKey(key string) Option {
	return func(o *options) { o.achievedGoalKey = key }
}

// WithRepresentationGoalKey selects the goal appended to the policy input.
// Defaults to the desired goal key.
func WithRepresentationGoalKey(key string) Option {
	return func(o *options) { o.representationGoalKey = key }
}

func WithGetActionKwargs(kwargs map[string]any) Option {
	return func(o *options) { o.getActionKwargs = kwargs }
}

func WithResetKwargs(kwargs map[string]any) Option {
	return func(o *options) { o.resetKwargs = kwargs }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithObserver(observer Observer) Option {
	return func(o *options) { o.observer = observer }
}

func newOptions(opts []Option) *options {
	o := &options{
		maxPathLength:   Unbounded,
		observationKey:  "observation",
		desiredGoalKey:  "desired_goal",
		achievedGoalKey: "achieved_goal",
		renderKwargs:    map[string]any{},
		getActionKwargs: map[string]any{},
		resetKwargs:     map[string]any{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.representationGoalKey == "" {
		o.representationGoalKey = o.desiredGoalKey
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	return o
}

// within reports whether another step fits in the budget.
func (o *options) within(steps int) bool {
	return o.maxPathLength < 0 || steps < o.maxPathLength
}

func (o *options) capacity() int {
	if o.maxPathLength < 0 || o.maxPathLength > defaultCapacity {
		return defaultCapacity
	}
	return o.maxPathLength
}

func (o *options) renderEnv(env any) {
	if !o.render {
		return
	}
	if r, ok := env.(Renderer); ok {
		r.Render(o.renderKwargs)
	}
}

// policyInput concatenates the observation and representation goal entries
// of a dict observation. Both keys must be present.
func (o *options) policyInput(obs trajectory.Dict) ([]float64, error) {
	s, err := lookup(obs, o.observationKey)
	if err != nil {
		return nil, err
	}
	g, err := lookup(obs, o.representationGoalKey)
	if err != nil {
		return nil, err
	}
	input := make([]float64, 0, len(s)+len(g))
	input = append(input, s...)
	return append(input, g...), nil
}

func lookup(obs trajectory.Dict, key string) ([]float64, error) {
	v, ok := obs[key]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrMissingKey, key)
	}
	return v, nil
}
