package rollout

import (
	"fmt"

	"go.uber.org/zap"

	"distributed-goal-rl/internal/trajectory"
)

// Rollout runs agent against env until termination or the step budget is
// spent.
//
// Next observations are not taken from each step's return value directly:
// each iteration's current observation closes the previous step, and the
// final transition's observation closes the last one.
func Rollout(env Env[[]float64], agent Agent, opts ...Option) (*trajectory.Path[[]float64], error) {
	o := newOptions(opts)
	acc := trajectory.New[[]float64](o.capacity())

	agent.Reset()
	obs, err := env.Reset(o.resetKwargs)
	if err != nil {
		return nil, err
	}
	o.renderEnv(env)

	for steps := 0; o.within(steps); steps++ {
		if steps > 0 {
			if err := acc.SetNext(obs); err != nil {
				return nil, fmt.Errorf("rollout: step %d: %w", steps, err)
			}
		}

		action, agentInfo, err := agent.GetAction(obs, o.getActionKwargs)
		if err != nil {
			return nil, err
		}
		next, reward, done, envInfo, err := env.Step(action)
		if err != nil {
			return nil, err
		}
		if err := acc.Append(trajectory.Step[[]float64]{
			Observation: obs,
			Action:      action,
			Reward:      reward,
			Terminal:    done,
			AgentInfo:   agentInfo,
			EnvInfo:     envInfo,
		}); err != nil {
			return nil, fmt.Errorf("rollout: step %d: %w", steps, err)
		}
		o.renderEnv(env)
		o.observer.OnStep(KindSingle, 0, reward, done)

		obs = next
		if done {
			break
		}
	}
	if acc.Pending() {
		if err := acc.SetNext(obs); err != nil {
			return nil, fmt.Errorf("rollout: final step: %w", err)
		}
	}

	path, err := acc.Finalize()
	if err != nil {
		return nil, fmt.Errorf("rollout: %w", err)
	}
	o.observer.OnPath(KindSingle, 0, path.Len(), path.Terminated())
	o.logger.Debug("rollout finished",
		zap.String("kind", KindSingle),
		zap.Int("length", path.Len()),
		zap.Bool("terminated", path.Terminated()),
		zap.Float64("return", path.Return()),
	)
	return path, nil
}
