package rollout

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"distributed-goal-rl/internal/trajectory"
)

type turnState int

const (
	agent0Turn turnState = iota
	agent1Turn
	terminating
)

func (s turnState) String() string {
	switch s {
	case agent0Turn:
		return "agent0_turn"
	case agent1Turn:
		return "agent1_turn"
	case terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// turnResult is what the environment returned for one mover's step.
type turnResult struct {
	mover  int
	reward float64
	done   bool
	info   trajectory.Info
}

// alternation is the shared context of a two-agent rollout: one environment,
// two trajectories and the last achieved position of each agent.
type alternation struct {
	env   StateGoalEnv
	agent Agent
	o     *options

	positions [2][]float64
	paths     [2]*trajectory.Accumulator[trajectory.Dict]
	steps     int
	state     turnState
	last      turnResult
}

// MultiagentMultitaskRollout plays agent against itself in alternating turns
// on one shared environment and returns one Path per role.
//
// Before each turn the environment is re-pointed so the mover sees its own
// position and the other agent's position as goal. Every observation,
// including the closing next observations, is recomputed from the
// environment state rather than taken from Step. When the episode ends on one
// agent's turn, the other agent's last step takes on the terminating reward,
// terminal flag and env info.
//
// The step budget is shared by both agents. If the episode ends on agent 0's
// first turn, agent 1's Path is empty.
func MultiagentMultitaskRollout(env StateGoalEnv, agent Agent, opts ...Option) ([2]*trajectory.Path[trajectory.Dict], error) {
	o := newOptions(opts)
	capacity := o.capacity()/2 + 1
	a := &alternation{
		env:   env,
		agent: agent,
		o:     o,
		paths: [2]*trajectory.Accumulator[trajectory.Dict]{
			trajectory.New[trajectory.Dict](capacity),
			trajectory.New[trajectory.Dict](capacity),
		},
	}

	var out [2]*trajectory.Path[trajectory.Dict]
	if err := a.start(); err != nil {
		return out, err
	}
	if err := a.run(); err != nil {
		return out, err
	}

	for i, acc := range a.paths {
		path, err := acc.Finalize()
		if err != nil {
			return [2]*trajectory.Path[trajectory.Dict]{}, fmt.Errorf("multiagent rollout: agent %d: %w", i, err)
		}
		out[i] = path
		o.observer.OnPath(KindMultiagent, i, path.Len(), path.Terminated())
	}
	o.logger.Debug("rollout finished",
		zap.String("kind", KindMultiagent),
		zap.Int("steps", a.steps),
		zap.Int("agent0_length", out[0].Len()),
		zap.Int("agent1_length", out[1].Len()),
		zap.Bool("terminated", a.last.done),
	)
	return out, nil
}

// start resets both collaborators and seeds positions: agent 0 at the
// achieved goal, agent 1 at the desired goal.
func (a *alternation) start() error {
	a.agent.Reset()
	obs, err := a.env.Reset(a.o.resetKwargs)
	if err != nil {
		return err
	}
	a.o.renderEnv(a.env)

	achieved, err := lookup(obs, a.o.achievedGoalKey)
	if err != nil {
		return err
	}
	desired, err := lookup(obs, a.o.desiredGoalKey)
	if err != nil {
		return err
	}
	a.positions = [2][]float64{slices.Clone(achieved), slices.Clone(desired)}
	a.state = agent0Turn
	return nil
}

func (a *alternation) run() error {
	for {
		switch a.state {
		case agent0Turn, agent1Turn:
			if !a.o.within(a.steps) {
				return nil
			}
			mover := int(a.state)
			res, err := a.turn(mover)
			if err != nil {
				return err
			}
			if res.done || !a.o.within(a.steps) {
				a.last = res
				a.state = terminating
				continue
			}
			a.state = turnState(1 - mover)
		case terminating:
			return a.terminate()
		default:
			return fmt.Errorf("multiagent rollout: invalid state %v", a.state)
		}
	}
}

// observe re-points the environment with mover at its position chasing the
// other agent, and projects the resulting state.
func (a *alternation) observe(mover int) (trajectory.Dict, error) {
	if err := a.env.SetStateGoal(a.positions[mover], a.positions[1-mover]); err != nil {
		return nil, err
	}
	return a.env.Observation(a.env.GetState())
}

func (a *alternation) turn(mover int) (turnResult, error) {
	acc := a.paths[mover]
	obs, err := a.observe(mover)
	if err != nil {
		return turnResult{}, err
	}
	if acc.Len() > 0 {
		if err := acc.SetNext(obs); err != nil {
			return turnResult{}, fmt.Errorf("multiagent rollout: agent %d: %w", mover, err)
		}
	}

	input, err := a.o.policyInput(obs)
	if err != nil {
		return turnResult{}, err
	}
	action, agentInfo, err := a.agent.GetAction(input, a.o.getActionKwargs)
	if err != nil {
		return turnResult{}, err
	}
	next, reward, done, envInfo, err := a.env.Step(action)
	if err != nil {
		return turnResult{}, err
	}
	if err := acc.Append(trajectory.Step[trajectory.Dict]{
		Observation: obs,
		Action:      action,
		Reward:      reward,
		Terminal:    done,
		AgentInfo:   agentInfo,
		EnvInfo:     envInfo,
	}); err != nil {
		return turnResult{}, fmt.Errorf("multiagent rollout: agent %d step %d: %w", mover, acc.Len(), err)
	}

	achieved, err := lookup(next, a.o.achievedGoalKey)
	if err != nil {
		return turnResult{}, err
	}
	a.positions[mover] = slices.Clone(achieved)
	a.o.renderEnv(a.env)
	a.steps++
	a.o.observer.OnStep(KindMultiagent, mover, reward, done)

	return turnResult{mover: mover, reward: reward, done: done, info: envInfo}, nil
}

// terminate closes both trajectories after the last turn. The mover's step is
// closed from its own perspective; the other agent's last step is closed from
// its perspective and patched with the terminating outcome.
func (a *alternation) terminate() error {
	mover, other := a.last.mover, 1-a.last.mover

	obs, err := a.observe(mover)
	if err != nil {
		return err
	}
	if err := a.paths[mover].SetNext(obs); err != nil {
		return fmt.Errorf("multiagent rollout: agent %d: %w", mover, err)
	}

	obs, err = a.observe(other)
	if err != nil {
		return err
	}
	acc := a.paths[other]
	if acc.Len() == 0 {
		return nil
	}
	if err := acc.SetNext(obs); err != nil {
		return fmt.Errorf("multiagent rollout: agent %d: %w", other, err)
	}
	if err := acc.PatchLast(a.last.reward, a.last.done, a.last.info); err != nil {
		return fmt.Errorf("multiagent rollout: agent %d: %w", other, err)
	}
	a.o.observer.OnPatch(KindMultiagent, other)
	return nil
}
