package worker

import (
	"errors"
	"math"
	"math/rand"

	"distributed-goal-rl/internal/trajectory"
)

var ErrOddInput = errors.New("goal seeker input must be an even-length [observation, goal] vector")

// GoalSeeker heads straight for the goal half of its input, moving at most
// Speed per step. Noise adds uniform jitter to each action component.
type GoalSeeker struct {
	Speed float64
	Noise float64
	Rand  *rand.Rand
}

func NewGoalSeeker(speed, noise float64, rng *rand.Rand) *GoalSeeker {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &GoalSeeker{Speed: speed, Noise: noise, Rand: rng}
}

func (g *GoalSeeker) Reset() {}

// GetAction expects [observation..., goal...] of equal halves.
func (g *GoalSeeker) GetAction(input []float64, _ map[string]any) ([]float64, trajectory.Info, error) {
	if len(input) == 0 || len(input)%2 != 0 {
		return nil, nil, ErrOddInput
	}
	half := len(input) / 2
	pos, goal := input[:half], input[half:]

	action := make([]float64, half)
	var norm float64
	for i := range action {
		action[i] = goal[i] - pos[i]
		norm += action[i] * action[i]
	}
	norm = math.Sqrt(norm)
	if norm > g.Speed && norm > 0 {
		for i := range action {
			action[i] *= g.Speed / norm
		}
	}
	if g.Noise > 0 {
		for i := range action {
			action[i] += (g.Rand.Float64()*2 - 1) * g.Noise
		}
	}
	return action, trajectory.Info{"distance": norm}, nil
}
