package buffer

import "encoding/json"

// Trajectory is one finalized Path as shipped between the rollout worker and
// the replay buffer. Path holds the JSON-encoded trajectory.Path (or
// rollout.GoalPath) so the buffer stays agnostic of observation types.
type Trajectory struct {
	WorkerID    string          `json:"worker_id"`
	EpisodeID   string          `json:"episode_id"`
	Kind        string          `json:"kind"`
	AgentIndex  int             `json:"agent_index"`
	Length      int             `json:"length"`
	Return      float64         `json:"return"`
	Terminated  bool            `json:"terminated"`
	Path        json.RawMessage `json:"path"`
	CreatedAtMs int64           `json:"created_at_ms"`
}

type EnqueueRequest struct {
	BatchSentAtMs int64        `json:"batch_sent_at_ms"`
	Trajectories  []Trajectory `json:"trajectories"`
}

type DequeueResponse struct {
	Trajectories []Trajectory `json:"trajectories"`
}
