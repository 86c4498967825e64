package rollout

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"distributed-goal-rl/internal/trajectory"
)

// GoalPath is a Path from a goal-conditioned rollout.
type GoalPath[O any] struct {
	trajectory.Path[O]
	// DesiredGoals repeats the episode's initial desired goal once per step.
	DesiredGoals         [][]float64       `json:"desired_goals"`
	FullObservations     []trajectory.Dict `json:"full_observations"`
	FullNextObservations []trajectory.Dict `json:"full_next_observations"`
}

// MultitaskRollout runs a goal-conditioned rollout. Observations and next
// observations are the flattened policy inputs (observation followed by the
// representation goal); the raw dicts are kept in FullObservations.
func MultitaskRollout(env Env[trajectory.Dict], agent Agent, opts ...Option) (*GoalPath[[]float64], error) {
	return multitaskRollout(env, agent, opts, func(_ trajectory.Dict, flat []float64) []float64 {
		return flat
	})
}

// MultitaskRolloutDict is MultitaskRollout with the raw dict observations as
// Observations and NextObservations.
func MultitaskRolloutDict(env Env[trajectory.Dict], agent Agent, opts ...Option) (*GoalPath[trajectory.Dict], error) {
	return multitaskRollout(env, agent, opts, func(obs trajectory.Dict, _ []float64) trajectory.Dict {
		return obs
	})
}

func multitaskRollout[O any](
	env Env[trajectory.Dict],
	agent Agent,
	opts []Option,
	project func(obs trajectory.Dict, flat []float64) O,
) (*GoalPath[O], error) {
	o := newOptions(opts)
	acc := trajectory.New[O](o.capacity())
	var full, fullNext []trajectory.Dict

	agent.Reset()
	obs, err := env.Reset(o.resetKwargs)
	if err != nil {
		return nil, err
	}
	o.renderEnv(env)
	desired, err := lookup(obs, o.desiredGoalKey)
	if err != nil {
		return nil, err
	}
	desired = slices.Clone(desired)

	for steps := 0; o.within(steps); steps++ {
		input, err := o.policyInput(obs)
		if err != nil {
			return nil, err
		}
		action, agentInfo, err := agent.GetAction(input, o.getActionKwargs)
		if err != nil {
			return nil, err
		}
		next, reward, done, envInfo, err := env.Step(action)
		if err != nil {
			return nil, err
		}
		o.renderEnv(env)
		nextInput, err := o.policyInput(next)
		if err != nil {
			return nil, err
		}

		if err := acc.AppendStep(trajectory.Step[O]{
			Observation:     project(obs, input),
			Action:          action,
			Reward:          reward,
			Terminal:        done,
			NextObservation: project(next, nextInput),
			AgentInfo:       agentInfo,
			EnvInfo:         envInfo,
		}); err != nil {
			return nil, fmt.Errorf("multitask rollout: step %d: %w", steps, err)
		}
		full = append(full, obs)
		fullNext = append(fullNext, next)
		o.observer.OnStep(KindMultitask, 0, reward, done)

		if done {
			break
		}
		obs = next
	}

	path, err := acc.Finalize()
	if err != nil {
		return nil, fmt.Errorf("multitask rollout: %w", err)
	}
	goals := make([][]float64, path.Len())
	for i := range goals {
		goals[i] = slices.Clone(desired)
	}
	o.observer.OnPath(KindMultitask, 0, path.Len(), path.Terminated())
	o.logger.Debug("rollout finished",
		zap.String("kind", KindMultitask),
		zap.Int("length", path.Len()),
		zap.Bool("terminated", path.Terminated()),
	)
	return &GoalPath[O]{
		Path:                 *path,
		DesiredGoals:         goals,
		FullObservations:     nonNil(full),
		FullNextObservations: nonNil(fullNext),
	}, nil
}

func nonNil(s []trajectory.Dict) []trajectory.Dict {
	if s == nil {
		return []trajectory.Dict{}
	}
	return s
}
