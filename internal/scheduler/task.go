// Package scheduler runs tasks with priority ordering, dependency
// ordering, per-domain concurrency caps, and resource-adaptive global
// concurrency.
package scheduler

import (
	"context"
	"time"
)

// Priority orders tasks from most to least urgent; lower values run
// first within the ready queue.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Background
)

// Status is a task's lifecycle state.
type Status string

const (
	Created   Status = "created"
	Queued    Status = "queued"
	Executing Status = "executing"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	switch s {
	case Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// Work is the unit of execution a task wraps.
type Work func(ctx context.Context) error

// Task is a unit of scheduled work: created monotonically, ordered by
// (priority, created_at).
type Task struct {
	ID           string
	Domain       string
	Priority     Priority
	MaxRetries   int
	RetryCount   int
	Status       Status
	Dependencies []string
	Work         Work

	createdAt time.Time
	seq       uint64 // tie-break for tasks created within the same tick
}

// Handle lets a caller await a task's terminal outcome, returned from
// Enqueue.
type Handle struct {
	taskID string
	done   chan struct{}
	err    error
}

// Wait blocks until the task reaches a terminal status or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskID returns the identifier of the task this handle tracks.
func (h *Handle) TaskID() string { return h.taskID }
