package graph

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a persisted run.
type Status string

const (
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
	StatusDone        Status = "done"
)

// Checkpoint is the persisted snapshot of one run, keyed by graph name and
// caller supplied thread identifier.
type Checkpoint struct {
	Key      string `json:"key"`
	ThreadID string `json:"thread_id"`
	Graph    string `json:"graph"`
	Status   Status `json:"status"`
	// Next is the stage that will run when execution continues.
	Next string `json:"next,omitempty"`
	// Last is the most recently completed stage.
	Last      string          `json:"last,omitempty"`
	Step      int             `json:"step"`
	Version   int64           `json:"version"`
	Error     string          `json:"error,omitempty"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Checkpointer persists checkpoints.
//
// Put must be a compare-and-set on Version: it succeeds only when no record
// exists and cp.Version is 1, or when the stored version is cp.Version-1.
// Any other case returns ErrConflict. Get returns ErrNotFound when no record
// exists. Checkpoints are never deleted by the graph.
type Checkpointer interface {
	Get(ctx context.Context, key string) (Checkpoint, error)
	Put(ctx context.Context, cp Checkpoint) error
}

// CheckpointKey returns the store key for a thread of the named graph.
func CheckpointKey(graphName, threadID string) string {
	return graphName + "#" + threadID
}
