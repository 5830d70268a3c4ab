// Package store persists session and execution history for the node
// daemon. The default implementation uses SQLite (pure Go, no CGO).
package store

import (
	"context"
	"time"
)

// KVEntry is a single key-value pair returned by KVList.
type KVEntry struct {
	Key       string     `json:"key"`
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SessionRecord is one kernel session hosted by the daemon.
type SessionRecord struct {
	ID         uint32     `json:"id"`
	KernelName string     `json:"kernel_name"`
	WorkingDir string     `json:"working_dir"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// ExecutionRecord is one execute_request and its outcome.
type ExecutionRecord struct {
	ID             int64      `json:"id"`
	SessionID      uint32     `json:"session_id"`
	MsgID          string     `json:"msg_id"`
	Code           string     `json:"code"`
	Status         string     `json:"status"` // running, ok, error, aborted
	ExecutionCount *int       `json:"execution_count,omitempty"`
	Output         string     `json:"output,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Store is the persistence interface used by the session manager.
type Store interface {
	// KV
	KVSet(ctx context.Context, namespace, key string, value []byte, ttl *time.Duration) error
	KVGet(ctx context.Context, namespace, key string) ([]byte, error)
	KVDelete(ctx context.Context, namespace, key string) error
	KVList(ctx context.Context, namespace, prefix string) ([]KVEntry, error)

	// Sessions
	SessionCreate(ctx context.Context, rec SessionRecord) error
	SessionUpdateStatus(ctx context.Context, id uint32, status string) error
	SessionClose(ctx context.Context, id uint32, status string) error
	SessionGet(ctx context.Context, id uint32) (*SessionRecord, error)
	SessionList(ctx context.Context) ([]SessionRecord, error)

	// Executions
	ExecutionStart(ctx context.Context, rec ExecutionRecord) (int64, error)
	ExecutionFinish(ctx context.Context, id int64, status string, executionCount *int, output string) error
	ExecutionList(ctx context.Context, sessionID uint32, limit int) ([]ExecutionRecord, error)

	// Lifecycle
	Close() error
}
