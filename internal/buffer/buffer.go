package buffer

import (
	"errors"
	"sync"
	"time"
)

// Policy selects which end of the buffer Dequeue serves.
type Policy string

const (
	PolicyFIFO      Policy = "fifo"
	PolicyFreshness Policy = "freshness"
)

type Item struct {
	Trajectory Trajectory
	EnqueuedAt time.Time
}

// Stats is a point-in-time view of the buffer.
type Stats struct {
	QueueLength int    `json:"queue_length"`
	Capacity    int    `json:"capacity"`
	Policy      Policy `json:"policy"`
	Steps       int    `json:"steps"`
}

type ReplayBuffer struct {
	mu       sync.Mutex
	items    []Item
	capacity int
	policy   Policy
	steps    int
}

var (
	ErrBufferFull    = errors.New("buffer is full")
	ErrBufferEmpty   = errors.New("buffer is empty")
	ErrInvalidPolicy = errors.New("policy must be 'fifo' or 'freshness'")
	ErrEmptyPath     = errors.New("trajectory has no path")
)

func NewReplayBuffer(capacity int, policy Policy) (*ReplayBuffer, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be greater than zero")
	}
	if !policy.valid() {
		return nil, ErrInvalidPolicy
	}
	return &ReplayBuffer{
		items:    make([]Item, 0, capacity),
		capacity: capacity,
		policy:   policy,
	}, nil
}

func (p Policy) valid() bool {
	return p == PolicyFIFO || p == PolicyFreshness
}

// Validate rejects trajectories the buffer can never store. Empty Paths are
// fine; a missing or null Path payload is not.
func (t Trajectory) Validate() error {
	if len(t.Path) == 0 || string(t.Path) == "null" {
		return ErrEmptyPath
	}
	return nil
}

func (rb *ReplayBuffer) Enqueue(item Item) error {
	if err := item.Trajectory.Validate(); err != nil {
		return err
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.items) >= rb.capacity {
		return ErrBufferFull
	}
	rb.items = append(rb.items, item)
	rb.steps += item.Trajectory.Length
	return nil
}

func (rb *ReplayBuffer) Dequeue() (Item, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.dequeueLocked()
}

// DequeueBatch removes up to n items in policy order.
func (rb *ReplayBuffer) DequeueBatch(n int) []Item {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n = min(n, len(rb.items))
	if n <= 0 {
		return nil
	}
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		item, err := rb.dequeueLocked()
		if err != nil {
			break
		}
		items = append(items, item)
	}
	return items
}

func (rb *ReplayBuffer) dequeueLocked() (Item, error) {
	if len(rb.items) == 0 {
		return Item{}, ErrBufferEmpty
	}

	var item Item
	switch rb.policy {
	case PolicyFIFO:
		item = rb.items[0]
		rb.items = rb.items[1:]
	case PolicyFreshness:
		item = rb.items[len(rb.items)-1]
		rb.items = rb.items[:len(rb.items)-1]
	default:
		return Item{}, ErrInvalidPolicy
	}
	rb.steps -= item.Trajectory.Length
	return item, nil
}

func (rb *ReplayBuffer) Capacity() int {
	return rb.capacity
}

func (rb *ReplayBuffer) Policy() Policy {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.policy
}

func (rb *ReplayBuffer) SetPolicy(policy Policy) error {
	if !policy.valid() {
		return ErrInvalidPolicy
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.policy = policy
	return nil
}

func (rb *ReplayBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return len(rb.items)
}

func (rb *ReplayBuffer) Stats() Stats {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return Stats{
		QueueLength: len(rb.items),
		Capacity:    rb.capacity,
		Policy:      rb.policy,
		Steps:       rb.steps,
	}
}
