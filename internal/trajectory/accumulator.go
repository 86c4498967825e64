package trajectory

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
)

var (
	ErrFinalized   = errors.New("accumulator already finalized")
	ErrPendingNext = errors.New("previous step is still waiting for its next observation")
	ErrNoPending   = errors.New("no step is waiting for a next observation")
	ErrEmpty       = errors.New("accumulator has no steps")
	ErrPatched     = errors.New("last step was already patched")
	ErrActionShape = errors.New("action shape mismatch")
	ErrInfoSchema  = errors.New("env info keys differ from the first step")
)

// Accumulator buffers one rollout's steps and converts them into a Path.
//
// A step is recorded in two halves: Append stores everything known before the
// environment moves on, SetNext closes it with the observation that followed.
// Only the most recent step may be patched, once, after which the
// accumulator is sealed.
type Accumulator[O any] struct {
	observations []O
	actions      [][]float64
	rewards      []float64
	next         []O
	terminals    []bool
	agentInfos   []Info
	envInfos     map[string][]any
	envKeys      []string

	pending   bool
	patched   bool
	finalized bool
}

// New returns an empty accumulator sized for capacity steps. A negative
// capacity is treated as zero.
func New[O any](capacity int) *Accumulator[O] {
	if capacity < 0 {
		capacity = 0
	}
	return &Accumulator[O]{
		observations: make([]O, 0, capacity),
		actions:      make([][]float64, 0, capacity),
		rewards:      make([]float64, 0, capacity),
		next:         make([]O, 0, capacity),
		terminals:    make([]bool, 0, capacity),
		agentInfos:   make([]Info, 0, capacity),
		envInfos:     map[string][]any{},
	}
}

// Len returns the number of steps appended so far.
func (a *Accumulator[O]) Len() int {
	return len(a.rewards)
}

// Pending reports whether the last step still needs its next observation.
func (a *Accumulator[O]) Pending() bool {
	return a.pending
}

// Append records a step without its next observation. Nothing is stored
// unless every check passes.
func (a *Accumulator[O]) Append(step Step[O]) error {
	switch {
	case a.finalized:
		return ErrFinalized
	case a.patched:
		return ErrPatched
	case a.pending:
		return ErrPendingNext
	}
	if len(step.Action) == 0 {
		return fmt.Errorf("%w: empty action at step %d", ErrActionShape, a.Len())
	}
	if len(a.actions) > 0 && len(step.Action) != len(a.actions[0]) {
		return fmt.Errorf("%w: step %d has dimension %d, want %d",
			ErrActionShape, a.Len(), len(step.Action), len(a.actions[0]))
	}
	if a.Len() == 0 {
		a.envKeys = sortedKeys(step.EnvInfo)
	} else if err := a.checkSchema(step.EnvInfo); err != nil {
		return err
	}
	a.observations = append(a.observations, cloneObservation(step.Observation))
	a.actions = append(a.actions, slices.Clone(step.Action))
	a.rewards = append(a.rewards, step.Reward)
	a.terminals = append(a.terminals, step.Terminal)
	a.agentInfos = append(a.agentInfos, maps.Clone(step.AgentInfo))
	for _, k := range a.envKeys {
		a.envInfos[k] = append(a.envInfos[k], step.EnvInfo[k])
	}
	a.pending = true
	return nil
}

// SetNext closes the most recent step with the observation that followed it.
func (a *Accumulator[O]) SetNext(obs O) error {
	if a.finalized {
		return ErrFinalized
	}
	if !a.pending {
		return ErrNoPending
	}
	a.next = append(a.next, cloneObservation(obs))
	a.pending = false
	return nil
}

// AppendStep records a complete step, next observation included.
func (a *Accumulator[O]) AppendStep(step Step[O]) error {
	if err := a.Append(step); err != nil {
		return err
	}
	return a.SetNext(step.NextObservation)
}

// PatchLast overwrites the reward, terminal flag and every env info entry of
// the most recent step. It is used when an episode ends on another
// trajectory's turn and may be applied only once.
func (a *Accumulator[O]) PatchLast(reward float64, terminal bool, envInfo Info) error {
	switch {
	case a.finalized:
		return ErrFinalized
	case a.patched:
		return ErrPatched
	case a.Len() == 0:
		return ErrEmpty
	}
	if err := a.checkSchema(envInfo); err != nil {
		return err
	}

	last := a.Len() - 1
	a.rewards[last] = reward
	a.terminals[last] = terminal
	for _, k := range a.envKeys {
		a.envInfos[k][last] = envInfo[k]
	}
	a.patched = true
	return nil
}

// Finalize returns the accumulated Path. Observations, actions and info
// maps are copied, so Paths from repeated calls share no mutable state;
// individual info values are not copied. Every mutator fails afterwards.
func (a *Accumulator[O]) Finalize() (*Path[O], error) {
	if a.pending {
		return nil, ErrPendingNext
	}
	n := a.Len()
	if len(a.observations) != n || len(a.actions) != n || len(a.next) != n ||
		len(a.terminals) != n || len(a.agentInfos) != n {
		return nil, fmt.Errorf("trajectory: inconsistent buffer lengths (obs=%d actions=%d rewards=%d next=%d terminals=%d)",
			len(a.observations), len(a.actions), n, len(a.next), len(a.terminals))
	}
	a.finalized = true

	path := &Path[O]{
		Observations:     make([]O, n),
		Actions:          make([][]float64, n),
		Rewards:          slices.Clone(a.rewards),
		NextObservations: make([]O, n),
		Terminals:        slices.Clone(a.terminals),
		AgentInfos:       make([]Info, n),
		EnvInfos:         make(map[string][]any, len(a.envInfos)),
	}
	for i := 0; i < n; i++ {
		path.Observations[i] = cloneObservation(a.observations[i])
		path.NextObservations[i] = cloneObservation(a.next[i])
		path.Actions[i] = slices.Clone(a.actions[i])
		path.AgentInfos[i] = maps.Clone(a.agentInfos[i])
	}
	for k, v := range a.envInfos {
		path.EnvInfos[k] = slices.Clone(v)
	}
	return path, nil
}

func (a *Accumulator[O]) checkSchema(info Info) error {
	if len(info) != len(a.envKeys) {
		return fmt.Errorf("%w: got %v, want %v", ErrInfoSchema, sortedKeys(info), a.envKeys)
	}
	for _, k := range a.envKeys {
		if _, ok := info[k]; !ok {
			return fmt.Errorf("%w: missing %q", ErrInfoSchema, k)
		}
	}
	return nil
}

// cloneObservation copies the observation types the drivers produce. Other
// types are returned as is.
func cloneObservation[O any](obs O) O {
	switch v := any(obs).(type) {
	case []float64:
		return any(slices.Clone(v)).(O)
	case Dict:
		if v == nil {
			return obs
		}
		out := make(Dict, len(v))
		for k, x := range v {
			out[k] = slices.Clone(x)
		}
		return any(out).(O)
	default:
		return obs
	}
}

func sortedKeys(info Info) []string {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
