package trajectory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func vecStep(t int, info Info) Step[[]float64] {
	return Step[[]float64]{
		Observation:     []float64{float64(t)},
		Action:          []float64{float64(t) * 0.5},
		Reward:          float64(t),
		NextObservation: []float64{float64(t + 1)},
		AgentInfo:       Info{"t": t},
		EnvInfo:         info,
	}
}

func TestAccumulator_FinalizeShapes(t *testing.T) {
	acc := New[[]float64](3)
	for i := 0; i < 3; i++ {
		require.NoError(t, acc.AppendStep(vecStep(i, Info{"x": i})))
	}

	path, err := acc.Finalize()
	require.NoError(t, err)

	assert.Equal(t, 3, path.Len())
	assert.Len(t, path.Observations, 3)
	assert.Len(t, path.NextObservations, 3)
	assert.Len(t, path.Actions, 3)
	assert.Len(t, path.Terminals, 3)
	assert.Len(t, path.AgentInfos, 3)
	assert.Equal(t, []any{0, 1, 2}, path.EnvInfos["x"])
	assert.Equal(t, []float64{1}, path.NextObservations[0])
	assert.Equal(t, 3.0, path.Return())
	assert.False(t, path.Terminated())
}

func TestAccumulator_EmptyFinalize(t *testing.T) {
	path, err := New[Dict](0).Finalize()
	require.NoError(t, err)
	assert.Equal(t, 0, path.Len())
	assert.Empty(t, path.Observations)
	assert.Empty(t, path.EnvInfos)
	assert.False(t, path.Terminated())
}

func TestAccumulator_AppendRejects(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*Accumulator[[]float64])
		step    Step[[]float64]
		wantErr error
	}{
		{
			name:    "empty action",
			step:    Step[[]float64]{Observation: []float64{0}},
			wantErr: ErrActionShape,
		},
		{
			name: "action dimension changes",
			prepare: func(a *Accumulator[[]float64]) {
				_ = a.AppendStep(vecStep(0, nil))
			},
			step:    Step[[]float64]{Action: []float64{1, 2}},
			wantErr: ErrActionShape,
		},
		{
			name: "env info gains a key",
			prepare: func(a *Accumulator[[]float64]) {
				_ = a.AppendStep(vecStep(0, Info{"a": 1}))
			},
			step:    vecStep(1, Info{"a": 1, "b": 2}),
			wantErr: ErrInfoSchema,
		},
		{
			name: "env info loses a key",
			prepare: func(a *Accumulator[[]float64]) {
				_ = a.AppendStep(vecStep(0, Info{"a": 1, "b": 2}))
			},
			step:    vecStep(1, Info{"a": 1}),
			wantErr: ErrInfoSchema,
		},
		{
			name: "previous step still open",
			prepare: func(a *Accumulator[[]float64]) {
				_ = a.Append(vecStep(0, nil))
			},
			step:    vecStep(1, nil),
			wantErr: ErrPendingNext,
		},
		{
			name: "after patch",
			prepare: func(a *Accumulator[[]float64]) {
				_ = a.AppendStep(vecStep(0, nil))
				_ = a.PatchLast(1, true, nil)
			},
			step:    vecStep(1, nil),
			wantErr: ErrPatched,
		},
		{
			name: "after finalize",
			prepare: func(a *Accumulator[[]float64]) {
				_, _ = a.Finalize()
			},
			step:    vecStep(0, nil),
			wantErr: ErrFinalized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := New[[]float64](4)
			if tt.prepare != nil {
				tt.prepare(acc)
			}
			before := acc.Len()

			err := acc.Append(tt.step)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, before, acc.Len(), "failed append must not record anything")
		})
	}
}

func TestAccumulator_SetNextRequiresPending(t *testing.T) {
	acc := New[[]float64](1)
	assert.ErrorIs(t, acc.SetNext([]float64{1}), ErrNoPending)

	require.NoError(t, acc.Append(vecStep(0, nil)))
	assert.True(t, acc.Pending())
	require.NoError(t, acc.SetNext([]float64{1}))
	assert.False(t, acc.Pending())
	assert.ErrorIs(t, acc.SetNext([]float64{2}), ErrNoPending)
}

func TestAccumulator_FinalizeWithPendingStep(t *testing.T) {
	acc := New[[]float64](1)
	require.NoError(t, acc.Append(vecStep(0, nil)))

	_, err := acc.Finalize()
	assert.ErrorIs(t, err, ErrPendingNext)
}

func TestAccumulator_PatchLast(t *testing.T) {
	acc := New[[]float64](2)
	require.NoError(t, acc.AppendStep(vecStep(0, Info{"distance": 0.5})))
	require.NoError(t, acc.AppendStep(vecStep(1, Info{"distance": 0.4})))

	require.NoError(t, acc.PatchLast(-0.01, true, Info{"distance": 0.01}))
	assert.ErrorIs(t, acc.PatchLast(0, false, Info{"distance": 0.0}), ErrPatched)

	path, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, -0.01}, path.Rewards)
	assert.Equal(t, []bool{false, true}, path.Terminals)
	assert.Equal(t, []any{0.5, 0.01}, path.EnvInfos["distance"])
}

func TestAccumulator_PatchLastRejects(t *testing.T) {
	empty := New[[]float64](0)
	assert.ErrorIs(t, empty.PatchLast(0, true, nil), ErrEmpty)

	acc := New[[]float64](1)
	require.NoError(t, acc.AppendStep(vecStep(0, Info{"a": 1})))
	assert.ErrorIs(t, acc.PatchLast(0, true, Info{"b": 1}), ErrInfoSchema)

	path, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, path.Terminals, "rejected patch must leave the step untouched")
	assert.ErrorIs(t, acc.PatchLast(0, true, Info{"a": 1}), ErrFinalized)
}

func TestAccumulator_FinalizeIsIdempotent(t *testing.T) {
	acc := New[Dict](2)
	for i := 0; i < 2; i++ {
		require.NoError(t, acc.AppendStep(Step[Dict]{
			Observation:     Dict{"observation": {float64(i)}},
			Action:          []float64{1},
			NextObservation: Dict{"observation": {float64(i + 1)}},
			EnvInfo:         Info{"is_success": false},
		}))
	}

	first, err := acc.Finalize()
	require.NoError(t, err)
	second, err := acc.Finalize()
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	assert.ErrorIs(t, acc.AppendStep(Step[Dict]{Action: []float64{1}, EnvInfo: Info{"is_success": true}}), ErrFinalized)
	assert.Equal(t, 2, first.Len(), "returned path must not change after a rejected append")
}

func TestAccumulator_ReturnedPathIsIndependent(t *testing.T) {
	action := []float64{1, 2}
	acc := New[[]float64](1)
	require.NoError(t, acc.AppendStep(Step[[]float64]{Action: action}))
	action[0] = 99

	path, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, path.Actions[0])

	path.Rewards[0] = 42
	again, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, 0.0, again.Rewards[0])
}

func TestAccumulator_DeepCopiesObservationsAndInfos(t *testing.T) {
	obs := Dict{"observation": {0, 0}}
	next := Dict{"observation": {1, 1}}
	agentInfo := Info{"value": 0.5}

	acc := New[Dict](1)
	require.NoError(t, acc.AppendStep(Step[Dict]{
		Observation:     obs,
		Action:          []float64{1},
		NextObservation: next,
		AgentInfo:       agentInfo,
	}))
	obs["observation"][0] = 99
	next["observation"] = []float64{-1}
	agentInfo["value"] = 9.0

	first, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, first.Observations[0]["observation"], "caller-owned memory is not shared")
	assert.Equal(t, []float64{1, 1}, first.NextObservations[0]["observation"])
	assert.Equal(t, 0.5, first.AgentInfos[0]["value"])

	first.Observations[0]["observation"][1] = 7
	first.NextObservations[0]["achieved_goal"] = []float64{3}
	first.AgentInfos[0]["value"] = 1.5

	second, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, Dict{"observation": {0, 0}}, second.Observations[0])
	assert.Equal(t, Dict{"observation": {1, 1}}, second.NextObservations[0])
	assert.Equal(t, Info{"value": 0.5}, second.AgentInfos[0])
}

func TestAccumulator_DeepCopiesVectorObservations(t *testing.T) {
	step := vecStep(0, nil)
	acc := New[[]float64](1)
	require.NoError(t, acc.AppendStep(step))
	step.Observation[0] = 99

	first, err := acc.Finalize()
	require.NoError(t, err)
	first.NextObservations[0][0] = -5

	second, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, second.Observations[0])
	assert.Equal(t, []float64{1}, second.NextObservations[0])
}

func TestAccumulator_LengthsAlwaysAgree(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(rt, "steps")
		dim := rapid.IntRange(1, 4).Draw(rt, "action_dim")
		patch := rapid.Bool().Draw(rt, "patch")

		acc := New[[]float64](n)
		for i := 0; i < n; i++ {
			action := make([]float64, dim)
			for j := range action {
				action[j] = rapid.Float64Range(-1, 1).Draw(rt, "action")
			}
			err := acc.AppendStep(Step[[]float64]{
				Observation:     []float64{float64(i)},
				Action:          action,
				Reward:          rapid.Float64Range(-10, 10).Draw(rt, "reward"),
				NextObservation: []float64{float64(i + 1)},
				EnvInfo:         Info{"i": i},
			})
			if err != nil {
				rt.Fatalf("append %d: %v", i, err)
			}
		}
		if patch && n > 0 {
			if err := acc.PatchLast(1, true, Info{"i": -1}); err != nil {
				rt.Fatalf("patch: %v", err)
			}
		}

		path, err := acc.Finalize()
		if err != nil {
			rt.Fatalf("finalize: %v", err)
		}
		for name, l := range map[string]int{
			"observations":      len(path.Observations),
			"actions":           len(path.Actions),
			"next_observations": len(path.NextObservations),
			"terminals":         len(path.Terminals),
			"agent_infos":       len(path.AgentInfos),
			"env_infos[i]":      len(path.EnvInfos["i"]),
		} {
			if n > 0 && l != n {
				rt.Fatalf("%s has length %d, want %d", name, l, n)
			}
		}
		for _, row := range path.Actions {
			if len(row) != dim {
				rt.Fatalf("action row has dimension %d, want %d", len(row), dim)
			}
		}
	})
}
