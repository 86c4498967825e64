package worker

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"distributed-goal-rl/internal/trajectory"
)

type PolicyWeights struct {
	W  [][]float64 `json:"w"`  // shape: [2][4]
	B  []float64   `json:"b"`  // shape: [2]
	VW []float64   `json:"vw"` // shape: [4]
	VB float64     `json:"vb"`
}

const (
	numActions  = 2
	numFeatures = 4
)

var ErrBadWeights = errors.New("policy weights have the wrong shape")

// Validate checks the weights against the [2][4] action head and [4] value
// head the policy indexes into.
func (w PolicyWeights) Validate() error {
	if len(w.W) != numActions || len(w.B) != numActions {
		return fmt.Errorf("%w: w has %d rows and b %d entries, want %d", ErrBadWeights, len(w.W), len(w.B), numActions)
	}
	for i, row := range w.W {
		if len(row) != numFeatures {
			return fmt.Errorf("%w: w[%d] has %d entries, want %d", ErrBadWeights, i, len(row), numFeatures)
		}
	}
	if len(w.VW) != numFeatures {
		return fmt.Errorf("%w: vw has %d entries, want %d", ErrBadWeights, len(w.VW), numFeatures)
	}
	return nil
}

// Policy is a linear softmax policy over the two cart-pole actions. The
// chosen action is returned as a one-element vector.
type Policy struct {
	mu      sync.RWMutex
	weights PolicyWeights
	rng     *rand.Rand
}

func DefaultWeights() PolicyWeights {
	return PolicyWeights{
		W: [][]float64{
			{0.01, 0.01, 0.01, 0.01},
			{-0.01, -0.01, -0.01, -0.01},
		},
		B:  []float64{0, 0},
		VW: []float64{0, 0, 0, 0},
		VB: 0,
	}
}

func NewPolicy(weights PolicyWeights, rng *rand.Rand) *Policy {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Policy{weights: weights, rng: rng}
}

// SetWeights swaps in weights pulled from the trainer.
func (p *Policy) SetWeights(weights PolicyWeights) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.weights = weights
}

func (p *Policy) Weights() PolicyWeights {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.weights
}

// Reset is a no-op; the policy is memoryless.
func (p *Policy) Reset() {}

// GetAction samples an action. Agent info carries "log_prob" and "value".
// A "deterministic" kwarg set to true picks the most likely action.
func (p *Policy) GetAction(state []float64, kwargs map[string]any) ([]float64, trajectory.Info, error) {
	w := p.Weights()
	logits := make([]float64, numActions)
	for i := 0; i < numActions; i++ {
		logits[i] = w.B[i]
		for j := 0; j < len(state) && j < len(w.W[i]); j++ {
			logits[i] += w.W[i][j] * state[j]
		}
	}
	probs := softmax(logits)

	var choice int
	if deterministic, _ := kwargs["deterministic"].(bool); deterministic {
		choice = argmax(probs)
	} else {
		choice = sampleCategorical(probs, p.rng)
	}
	logProb := math.Log(probs[choice] + 1e-8)
	value := w.VB
	for j := 0; j < len(state) && j < len(w.VW); j++ {
		value += w.VW[j] * state[j]
	}

	return []float64{float64(choice)}, trajectory.Info{"log_prob": logProb, "value": value}, nil
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	values := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		values[i] = math.Exp(v - maxLogit)
		sum += values[i]
	}
	for i := range values {
		values[i] /= sum
	}
	return values
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func sampleCategorical(probs []float64, rng *rand.Rand) int {
	threshold := rng.Float64()
	var cumulativeProb float64
	for i, prob := range probs {
		cumulativeProb += prob
		if threshold <= cumulativeProb {
			return i
		}
	}
	return len(probs) - 1
}
