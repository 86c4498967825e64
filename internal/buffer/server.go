package buffer

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"distributed-goal-rl/internal/metrics"
)

// NewHandler serves the replay buffer over HTTP. collector may be nil.
func NewHandler(replay *ReplayBuffer, logger *zap.Logger, collector *metrics.Collector) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "replay_buffer"))
	s := &server{replay: replay, logger: logger, metrics: collector}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", s.stats)
	mux.HandleFunc("/config", s.config)
	mux.HandleFunc("/enqueue", s.enqueue)
	mux.HandleFunc("/dequeue", s.dequeue)
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}
	return mux
}

type server struct {
	replay  *ReplayBuffer
	logger  *zap.Logger
	metrics *metrics.Collector
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.replay.Stats())
}

func (s *server) config(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{
			"policy":   s.replay.Policy(),
			"capacity": s.replay.Capacity(),
		})
	case http.MethodPost:
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if value, ok := payload["policy"]; ok {
			policyValue, ok := value.(string)
			if !ok {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if err := s.replay.SetPolicy(Policy(policyValue)); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.logger.Info("policy changed", zap.String("policy", policyValue))
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *server) enqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for i, traj := range req.Trajectories {
		if err := traj.Validate(); err != nil {
			if s.metrics != nil {
				s.metrics.RecordInvalid(len(req.Trajectories))
			}
			s.logger.Debug("rejected batch", zap.Int("index", i), zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	now := time.Now()

	var accepted, dropped int
	for _, traj := range req.Trajectories {
		if err := s.replay.Enqueue(Item{Trajectory: traj, EnqueuedAt: now}); err != nil {
			dropped++
			continue
		}
		accepted++
	}
	if s.metrics != nil {
		s.metrics.RecordEnqueue(accepted, dropped)
		s.metrics.SetBufferSize(s.replay.Size())
	}

	if dropped > 0 {
		s.logger.Debug("dropped trajectories", zap.Int("dropped", dropped), zap.Int("accepted", accepted))
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) dequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	batchSize := 0
	if value := r.URL.Query().Get("batch_size"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			batchSize = parsed
		}
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	items := s.replay.DequeueBatch(batchSize)
	if s.metrics != nil {
		s.metrics.RecordDequeue(len(items))
		s.metrics.SetBufferSize(s.replay.Size())
	}
	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	response := DequeueResponse{Trajectories: make([]Trajectory, 0, len(items))}
	for _, item := range items {
		response.Trajectories = append(response.Trajectories, item.Trajectory)
	}
	writeJSON(w, response)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}
