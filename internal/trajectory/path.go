// Package trajectory holds the per-rollout step buffer and the fixed-shape
// Path it produces.
package trajectory

// Info is an opaque side-info mapping produced by an agent or environment
// alongside an action or transition.
type Info map[string]any

// Dict is a dict-shaped observation, e.g. {"observation", "achieved_goal",
// "desired_goal"} for goal-conditioned environments.
type Dict map[string][]float64

// Step is a single timestep as seen by the accumulator.
type Step[O any] struct {
	Observation     O
	Action          []float64
	Reward          float64
	Terminal        bool
	NextObservation O
	AgentInfo       Info
	EnvInfo         Info
}

// Path is a finalized, time-indexed trajectory. Every per-step field has the
// same length T. Rewards and Terminals are the T x 1 columns; Actions is
// always T x action-dim.
type Path[O any] struct {
	Observations     []O              `json:"observations"`
	Actions          [][]float64      `json:"actions"`
	Rewards          []float64        `json:"rewards"`
	NextObservations []O              `json:"next_observations"`
	Terminals        []bool           `json:"terminals"`
	AgentInfos       []Info           `json:"agent_infos"`
	EnvInfos         map[string][]any `json:"env_infos"`
}

// Len returns the number of recorded steps.
func (p *Path[O]) Len() int {
	return len(p.Rewards)
}

// Return is the undiscounted sum of rewards.
func (p *Path[O]) Return() float64 {
	var total float64
	for _, r := range p.Rewards {
		total += r
	}
	return total
}

// Terminated reports whether the last recorded step was terminal.
func (p *Path[O]) Terminated() bool {
	return len(p.Terminals) > 0 && p.Terminals[len(p.Terminals)-1]
}
