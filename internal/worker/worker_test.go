package worker

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"distributed-goal-rl/internal/buffer"
	"distributed-goal-rl/internal/config"
	"distributed-goal-rl/internal/metrics"
	"distributed-goal-rl/internal/rollout"
	"distributed-goal-rl/internal/trajectory"
)

func TestPolicy_GetAction(t *testing.T) {
	p := NewPolicy(PolicyWeights{
		W:  [][]float64{{1, 0, 0, 0}, {-1, 0, 0, 0}},
		B:  []float64{0, 0},
		VW: []float64{2, 0, 0, 0},
		VB: 0.5,
	}, rand.New(rand.NewSource(1)))

	action, info, err := p.GetAction([]float64{3, 0, 0, 0}, map[string]any{"deterministic": true})
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, action)
	assert.InDelta(t, 6.5, info["value"], 1e-9)
	assert.Less(t, info["log_prob"].(float64), 0.0)

	p.SetWeights(PolicyWeights{
		W:  [][]float64{{-1, 0, 0, 0}, {1, 0, 0, 0}},
		B:  []float64{0, 0},
		VW: []float64{0, 0, 0, 0},
	})
	action, _, err = p.GetAction([]float64{3, 0, 0, 0}, map[string]any{"deterministic": true})
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, action)
}

func TestPolicy_SamplesBothActions(t *testing.T) {
	p := NewPolicy(DefaultWeights(), rand.New(rand.NewSource(7)))
	seen := map[float64]bool{}
	for i := 0; i < 200; i++ {
		action, _, err := p.GetAction([]float64{0, 0, 0, 0}, nil)
		require.NoError(t, err)
		seen[action[0]] = true
	}
	assert.Equal(t, map[float64]bool{0: true, 1: true}, seen)
}

func TestGoalSeeker_GetAction(t *testing.T) {
	g := NewGoalSeeker(0.1, 0, nil)

	action, info, err := g.GetAction([]float64{0, 0, 1, 0}, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.1, 0}, action, 1e-12)
	assert.InDelta(t, 1.0, info["distance"], 1e-12)

	action, _, err = g.GetAction([]float64{0.5, 0.5, 0.52, 0.5}, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.02, 0}, action, 1e-12, "short hops land on the goal")

	_, _, err = g.GetAction([]float64{1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrOddInput)
}

func TestGoalSeeker_NoiseIsBounded(t *testing.T) {
	g := NewGoalSeeker(0.1, 0.01, rand.New(rand.NewSource(3)))
	for i := 0; i < 100; i++ {
		action, _, err := g.GetAction([]float64{0, 0, 1, 1}, nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, math.Hypot(action[0], action[1]), 0.1+0.02)
	}
}

func TestNumericKwargs(t *testing.T) {
	out := numericKwargs(map[string]any{
		"goal":  []any{0.5, 1},
		"mixed": []any{0.5, "x"},
		"seed":  3,
	})
	assert.Equal(t, []float64{0.5, 1}, out["goal"])
	assert.Equal(t, []any{0.5, "x"}, out["mixed"])
	assert.Equal(t, 3, out["seed"])
}

func testConfig(mode string) *config.Config {
	cfg := config.Default()
	cfg.Worker.ID = "w-test"
	cfg.Worker.Seed = 42
	cfg.Worker.BatchEpisodes = 2
	cfg.Worker.Backoff = 10 * time.Millisecond
	cfg.Rollout.Mode = mode
	cfg.Rollout.MaxPathLength = 40
	return cfg
}

func TestRunner_CollectEpisode(t *testing.T) {
	tests := []struct {
		name       string
		mode       string
		dictObs    bool
		wantPaths  int
		wantKind   string
		obsIsArray bool
	}{
		{name: "single", mode: config.ModeSingle, wantPaths: 1, wantKind: rollout.KindSingle, obsIsArray: true},
		{name: "multitask", mode: config.ModeMultitask, wantPaths: 1, wantKind: rollout.KindMultitask, obsIsArray: true},
		{name: "multitask dict", mode: config.ModeMultitask, dictObs: true, wantPaths: 1, wantKind: rollout.KindMultitask},
		{name: "multiagent", mode: config.ModeMultiagent, wantPaths: 2, wantKind: rollout.KindMultiagent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.mode)
			cfg.Rollout.ReturnDictObs = tt.dictObs
			collector := metrics.NewCollector("test", nil)
			r := NewRunner(cfg, zaptest.NewLogger(t), collector)

			episode, err := r.CollectEpisode()
			require.NoError(t, err)
			require.Len(t, episode, tt.wantPaths)

			for i, traj := range episode {
				assert.Equal(t, tt.wantKind, traj.Kind)
				assert.Equal(t, i, traj.AgentIndex)
				assert.Equal(t, episode[0].EpisodeID, traj.EpisodeID)
				assert.Equal(t, "w-test", traj.WorkerID)
				assert.LessOrEqual(t, traj.Length, 40)

				var raw map[string]json.RawMessage
				require.NoError(t, json.Unmarshal(traj.Path, &raw))
				assert.Contains(t, raw, "observations")
				assert.Contains(t, raw, "env_infos")
				if traj.Length == 0 {
					continue
				}
				if tt.obsIsArray {
					var obs [][]float64
					require.NoError(t, json.Unmarshal(raw["observations"], &obs))
					assert.Len(t, obs, traj.Length)
				} else {
					var obs []trajectory.Dict
					require.NoError(t, json.Unmarshal(raw["observations"], &obs))
					assert.Contains(t, obs[0], "achieved_goal")
				}
			}
		})
	}
}

func TestRunner_MultiagentBudgetIsShared(t *testing.T) {
	cfg := testConfig(config.ModeMultiagent)
	cfg.Rollout.MaxPathLength = 6
	cfg.Rollout.ResetKwargs = map[string]any{
		"position": []any{0.0, 0.0},
		"goal":     []any{1.0, 1.0},
	}
	r := NewRunner(cfg, nil, nil)

	episode, err := r.CollectEpisode()
	require.NoError(t, err)
	require.Len(t, episode, 2)
	assert.Equal(t, 3, episode[0].Length)
	assert.Equal(t, 3, episode[1].Length)
	assert.False(t, episode[0].Terminated)
}

func TestRunner_RunPostsBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		received []buffer.EnqueueRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/enqueue" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req buffer.EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, req)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		cancel()
	}))
	defer srv.Close()

	cfg := testConfig(config.ModeMultiagent)
	cfg.Worker.BufferURL = srv.URL
	r := NewRunner(cfg, zaptest.NewLogger(t), metrics.NewCollector("test", nil))

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Len(t, received[0].Trajectories, 4, "two episodes, two agents each")
}

func TestRunner_PullsPolicyWeights(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	weights := PolicyWeights{
		W:  [][]float64{{0, 0, 0, 0}, {0, 0, 0, 0}},
		B:  []float64{5, -5},
		VW: []float64{0, 0, 0, 0},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/policy":
			_ = json.NewEncoder(w).Encode(policyResponse{Weights: weights})
		case "/enqueue":
			w.WriteHeader(http.StatusTooManyRequests)
			cancel()
		}
	}))
	defer srv.Close()

	cfg := testConfig(config.ModeSingle)
	cfg.Worker.BufferURL = srv.URL
	cfg.Worker.TrainerURL = srv.URL
	collector := metrics.NewCollector("test", nil)
	r := NewRunner(cfg, zaptest.NewLogger(t), collector)

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, weights, r.policy.Weights())
}

func TestRunner_IgnoresMalformedWeights(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/policy":
			_, _ = w.Write([]byte(`{"weights":{"w":[[0.1,0.1,0.1,0.1]],"b":[0]}}`))
		case "/enqueue":
			w.WriteHeader(http.StatusTooManyRequests)
			cancel()
		}
	}))
	defer srv.Close()

	cfg := testConfig(config.ModeSingle)
	cfg.Worker.BufferURL = srv.URL
	cfg.Worker.TrainerURL = srv.URL
	r := NewRunner(cfg, zaptest.NewLogger(t), nil)

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, DefaultWeights(), r.policy.Weights(), "bad weights are never installed")
}

func TestPolicyWeights_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PolicyWeights)
	}{
		{name: "one action row", mutate: func(w *PolicyWeights) { w.W = w.W[:1] }},
		{name: "short row", mutate: func(w *PolicyWeights) { w.W[1] = []float64{1, 2} }},
		{name: "short bias", mutate: func(w *PolicyWeights) { w.B = []float64{0} }},
		{name: "missing value head", mutate: func(w *PolicyWeights) { w.VW = nil }},
	}

	require.NoError(t, DefaultWeights().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := DefaultWeights()
			tt.mutate(&w)
			assert.ErrorIs(t, w.Validate(), ErrBadWeights)
		})
	}
}

func TestRunner_RejectsBadBatchSize(t *testing.T) {
	cfg := testConfig(config.ModeSingle)
	r := NewRunner(cfg, nil, nil)
	r.BatchEpisodes = 0
	assert.Error(t, r.Run(context.Background()))
}
