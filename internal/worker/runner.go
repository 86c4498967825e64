package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"distributed-goal-rl/internal/buffer"
	"distributed-goal-rl/internal/cartpole"
	"distributed-goal-rl/internal/config"
	"distributed-goal-rl/internal/metrics"
	"distributed-goal-rl/internal/pointmass"
	"distributed-goal-rl/internal/rollout"
)

// Runner collects rollouts in batches and pushes them to the replay buffer
// until its context is cancelled.
type Runner struct {
	WorkerID      string
	BufferURL     string
	TrainerURL    string
	BatchEpisodes int
	PolicyRefresh time.Duration
	Backoff       time.Duration
	Rollout       config.RolloutConfig
	Client        *http.Client
	Limiter       *rate.Limiter
	Logger        *zap.Logger
	Metrics       *metrics.Collector

	policy    *Policy
	seeker    *GoalSeeker
	cartpole  *cartpole.Env
	pointmass *pointmass.Env
}

func NewRunner(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "worker"), zap.String("worker_id", cfg.Worker.ID))
	limit := rate.Inf
	if cfg.Worker.BatchesPerSecond > 0 {
		limit = rate.Limit(cfg.Worker.BatchesPerSecond)
	}
	rng := rand.New(rand.NewSource(cfg.Worker.Seed))

	return &Runner{
		WorkerID:      cfg.Worker.ID,
		BufferURL:     cfg.Worker.BufferURL,
		TrainerURL:    cfg.Worker.TrainerURL,
		BatchEpisodes: cfg.Worker.BatchEpisodes,
		PolicyRefresh: cfg.Worker.PolicyRefresh,
		Backoff:       cfg.Worker.Backoff,
		Rollout:       cfg.Rollout,
		Limiter:       rate.NewLimiter(limit, 1),
		Logger:        logger,
		Metrics:       collector,

		policy:    NewPolicy(DefaultWeights(), rng),
		seeker:    NewGoalSeeker(cfg.Rollout.SeekerSpeed, cfg.Rollout.SeekerNoise, rng),
		cartpole:  cartpole.NewEnv(rng),
		pointmass: pointmass.NewEnv(rng, logger),
	}
}

func (r *Runner) Run(ctx context.Context) error {
	if r.BatchEpisodes <= 0 {
		return errors.New("batch episodes must be > 0")
	}
	if r.Backoff <= 0 {
		r.Backoff = 500 * time.Millisecond
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	limiter := r.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	lastPolicyPull := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if r.Rollout.Mode == config.ModeSingle && r.TrainerURL != "" &&
			(r.PolicyRefresh == 0 || time.Since(lastPolicyPull) >= r.PolicyRefresh) {
			if weights, err := fetchPolicy(ctx, client, r.TrainerURL); err == nil {
				r.policy.SetWeights(weights)
				lastPolicyPull = time.Now()
			} else {
				r.Logger.Warn("policy fetch failed", zap.Error(err))
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		trajectories, err := r.CollectBatch()
		if err != nil {
			r.Logger.Error("rollout failed", zap.Error(err))
			return err
		}

		req := buffer.EnqueueRequest{
			BatchSentAtMs: time.Now().UnixMilli(),
			Trajectories:  trajectories,
		}
		status, err := postJSON(ctx, client, r.BufferURL+"/enqueue", req)
		switch {
		case err != nil:
			r.recordBatch("failed")
			r.Logger.Warn("enqueue failed", zap.Error(err))
		case status == http.StatusTooManyRequests:
			r.recordBatch("throttled")
			r.Logger.Info("buffer full, backing off", zap.Duration("backoff", r.Backoff))
		case status >= 300:
			r.recordBatch("failed")
			r.Logger.Warn("enqueue rejected", zap.Int("status", status))
		default:
			r.recordBatch("accepted")
			r.Logger.Debug("batch enqueued", zap.Int("trajectories", len(trajectories)))
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Backoff):
		}
	}
}

// CollectBatch runs BatchEpisodes rollouts. A multiagent rollout contributes
// two trajectories sharing one episode id.
func (r *Runner) CollectBatch() ([]buffer.Trajectory, error) {
	trajectories := make([]buffer.Trajectory, 0, r.BatchEpisodes)
	for i := 0; i < r.BatchEpisodes; i++ {
		episode, err := r.CollectEpisode()
		if err != nil {
			return nil, err
		}
		trajectories = append(trajectories, episode...)
	}
	return trajectories, nil
}

// CollectEpisode runs one rollout in the configured mode.
func (r *Runner) CollectEpisode() ([]buffer.Trajectory, error) {
	episodeID := uuid.NewString()
	opts := r.rolloutOptions()

	switch r.Rollout.Mode {
	case config.ModeSingle:
		path, err := rollout.Rollout(r.cartpole, r.policy, opts...)
		if err != nil {
			return nil, err
		}
		t, err := r.wrap(episodeID, rollout.KindSingle, 0, path, path.Len(), path.Return(), path.Terminated())
		return []buffer.Trajectory{t}, err

	case config.ModeMultitask:
		if r.Rollout.ReturnDictObs {
			path, err := rollout.MultitaskRolloutDict(r.pointmass, r.seeker, opts...)
			if err != nil {
				return nil, err
			}
			t, err := r.wrap(episodeID, rollout.KindMultitask, 0, path, path.Len(), path.Return(), path.Terminated())
			return []buffer.Trajectory{t}, err
		}
		path, err := rollout.MultitaskRollout(r.pointmass, r.seeker, opts...)
		if err != nil {
			return nil, err
		}
		t, err := r.wrap(episodeID, rollout.KindMultitask, 0, path, path.Len(), path.Return(), path.Terminated())
		return []buffer.Trajectory{t}, err

	case config.ModeMultiagent:
		paths, err := rollout.MultiagentMultitaskRollout(r.pointmass, r.seeker, opts...)
		if err != nil {
			return nil, err
		}
		out := make([]buffer.Trajectory, 0, len(paths))
		for i, path := range paths {
			t, err := r.wrap(episodeID, rollout.KindMultiagent, i, path, path.Len(), path.Return(), path.Terminated())
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown rollout mode %q", r.Rollout.Mode)
	}
}

func (r *Runner) rolloutOptions() []rollout.Option {
	ro := r.Rollout
	opts := []rollout.Option{
		rollout.WithMaxPathLength(ro.MaxPathLength),
		rollout.WithGetActionKwargs(ro.GetActionKwargs),
		rollout.WithResetKwargs(numericKwargs(ro.ResetKwargs)),
		rollout.WithLogger(r.Logger),
	}
	if ro.Render {
		opts = append(opts, rollout.WithRender(ro.RenderKwargs))
	}
	if ro.ObservationKey != "" {
		opts = append(opts, rollout.WithObservationKey(ro.ObservationKey))
	}
	if ro.DesiredGoalKey != "" {
		opts = append(opts, rollout.WithDesiredGoalKey(ro.DesiredGoalKey))
	}
	if ro.AchievedGoalKey != "" {
		opts = append(opts, rollout.WithAchievedGoalKey(ro.AchievedGoalKey))
	}
	if ro.RepresentationGoalKey != "" {
		opts = append(opts, rollout.WithRepresentationGoalKey(ro.RepresentationGoalKey))
	}
	if r.Metrics != nil {
		opts = append(opts, rollout.WithObserver(r.Metrics))
	}
	return opts
}

func (r *Runner) wrap(episodeID, kind string, agent int, path any, length int, ret float64, terminated bool) (buffer.Trajectory, error) {
	body, err := json.Marshal(path)
	if err != nil {
		return buffer.Trajectory{}, fmt.Errorf("encode %s path: %w", kind, err)
	}
	return buffer.Trajectory{
		WorkerID:    r.WorkerID,
		EpisodeID:   episodeID,
		Kind:        kind,
		AgentIndex:  agent,
		Length:      length,
		Return:      ret,
		Terminated:  terminated,
		Path:        body,
		CreatedAtMs: time.Now().UnixMilli(),
	}, nil
}

func (r *Runner) recordBatch(status string) {
	if r.Metrics != nil {
		r.Metrics.RecordBatch(status)
	}
}

// numericKwargs turns YAML number lists into []float64 so environments can
// read them as vectors.
func numericKwargs(kwargs map[string]any) map[string]any {
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		out[k] = v
		list, ok := v.([]any)
		if !ok {
			continue
		}
		vec := make([]float64, 0, len(list))
		for _, x := range list {
			switch n := x.(type) {
			case float64:
				vec = append(vec, n)
			case int:
				vec = append(vec, float64(n))
			}
		}
		if len(vec) == len(list) {
			out[k] = vec
		}
	}
	return out
}

var (
	_ rollout.Agent          = (*Policy)(nil)
	_ rollout.Agent          = (*GoalSeeker)(nil)
	_ rollout.Env[[]float64] = (*cartpole.Env)(nil)
)

type policyResponse struct {
	Weights PolicyWeights `json:"weights"`
}

func fetchPolicy(ctx context.Context, client *http.Client, trainerURL string) (PolicyWeights, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trainerURL+"/policy", nil)
	if err != nil {
		return PolicyWeights{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return PolicyWeights{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PolicyWeights{}, errors.New("trainer returned non-200")
	}
	var payload policyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return PolicyWeights{}, err
	}
	if err := payload.Weights.Validate(); err != nil {
		return PolicyWeights{}, err
	}
	return payload.Weights, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
