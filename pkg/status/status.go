// Package status tracks long-running operations (mount lifetime,
// materialization requests) for the monitoring API: what is running now,
// what finished, and how it ended.
package status

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jnweiger/ocffs/pkg/errors"
	"github.com/jnweiger/ocffs/pkg/health"
)

// OperationStatus is the lifecycle state of a tracked operation.
type OperationStatus string

const (
	StatusInProgress OperationStatus = "in_progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusCanceled   OperationStatus = "canceled"
)

// Operation is one tracked unit of work.
type Operation struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Status    OperationStatus        `json:"status"`
	StartTime time.Time              `json:"start_time"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Error     *errors.FSError        `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	cancel context.CancelFunc
}

// TrackerConfig configures operation tracking.
type TrackerConfig struct {
	// MaxHistorySize bounds how many finished operations are retained.
	MaxHistorySize int `json:"max_history_size"`
	// HealthTracker, when set, is folded into GetSystemStatus.
	HealthTracker *health.Tracker `json:"-"`
}

// DefaultTrackerConfig returns the default tracking configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{MaxHistorySize: 1000}
}

// Tracker records active operations and a bounded history of finished
// ones, newest first.
type Tracker struct {
	mu      sync.Mutex
	active  map[string]*Operation
	history []*Operation
	maxHist int
	health  *health.Tracker
	nextID  uint64
}

// NewTracker creates an operation tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = 1000
	}
	return &Tracker{
		active:  make(map[string]*Operation),
		maxHist: cfg.MaxHistorySize,
		health:  cfg.HealthTracker,
	}
}

// StartOperation begins tracking a new operation. The returned context is
// canceled when the operation finishes, whichever way.
func (t *Tracker) StartOperation(ctx context.Context, opType string, metadata map[string]interface{}) (*Operation, context.Context) {
	opCtx, cancel := context.WithCancel(ctx)
	op := &Operation{
		ID:        fmt.Sprintf("%s-%d", opType, atomic.AddUint64(&t.nextID, 1)),
		Type:      opType,
		Status:    StatusInProgress,
		StartTime: time.Now(),
		Metadata:  metadata,
		cancel:    cancel,
	}

	t.mu.Lock()
	t.active[op.ID] = op
	t.mu.Unlock()

	return op, opCtx
}

// CompleteOperation marks an operation as finished successfully.
func (t *Tracker) CompleteOperation(opID string) error {
	return t.finish(opID, StatusCompleted, nil)
}

// FailOperation marks an operation as failed with the given error.
func (t *Tracker) FailOperation(opID string, err error) error {
	fsErr, ok := err.(*errors.FSError)
	if !ok {
		fsErr = errors.New(errors.ErrCodeOperationFailed, err.Error())
	}
	return t.finish(opID, StatusFailed, fsErr)
}

// CancelOperation marks an operation as canceled.
func (t *Tracker) CancelOperation(opID string) error {
	return t.finish(opID, StatusCanceled, nil)
}

func (t *Tracker) finish(opID string, status OperationStatus, opErr *errors.FSError) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.active[opID]
	if !ok {
		return errors.New(errors.ErrCodeOperationNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	now := time.Now()
	op.Status = status
	op.EndTime = &now
	op.Error = opErr
	if op.cancel != nil {
		op.cancel()
	}

	delete(t.active, opID)
	t.history = append([]*Operation{op.snapshot()}, t.history...)
	if len(t.history) > t.maxHist {
		t.history = t.history[:t.maxHist]
	}
	return nil
}

// GetOperation returns a copy of an active operation.
func (t *Tracker) GetOperation(opID string) (*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.active[opID]
	if !ok {
		return nil, errors.New(errors.ErrCodeOperationNotFound, "operation not found").
			WithContext("operation_id", opID)
	}
	return op.snapshot(), nil
}

// GetAllOperations returns copies of all active operations.
func (t *Tracker) GetAllOperations() []*Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]*Operation, 0, len(t.active))
	for _, op := range t.active {
		ops = append(ops, op.snapshot())
	}
	return ops
}

// GetHistory returns up to limit finished operations, newest first.
// limit <= 0 means all retained history.
func (t *Tracker) GetHistory(limit int) []*Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	out := make([]*Operation, limit)
	for i := 0; i < limit; i++ {
		out[i] = t.history[i].snapshot()
	}
	return out
}

// SystemStatus is the aggregate view served at /status.
type SystemStatus struct {
	Timestamp        time.Time                   `json:"timestamp"`
	ActiveOps        int                         `json:"active_operations"`
	OperationsByType map[string]int              `json:"operations_by_type"`
	HealthState      health.State                `json:"health_state"`
	ComponentHealth  map[string]health.Component `json:"component_health,omitempty"`
}

// GetSystemStatus summarizes active operations and, when a health tracker
// is attached, overall component health.
func (t *Tracker) GetSystemStatus() *SystemStatus {
	t.mu.Lock()
	s := &SystemStatus{
		Timestamp:        time.Now(),
		ActiveOps:        len(t.active),
		OperationsByType: make(map[string]int),
	}
	for _, op := range t.active {
		s.OperationsByType[op.Type]++
	}
	t.mu.Unlock()

	if t.health != nil {
		s.HealthState = t.health.Overall()
		s.ComponentHealth = t.health.Snapshot()
	}
	return s
}

// snapshot copies an operation for handing outside the tracker's lock.
func (o *Operation) snapshot() *Operation {
	cp := *o
	cp.cancel = nil
	if o.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(o.Metadata))
		for k, v := range o.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
