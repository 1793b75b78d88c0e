// Package queue carries job ids from the submission path to the runner.
// Delivery is at-least-once; the job store's conditional transitions make
// duplicate deliveries harmless.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Claim when nothing arrived before the timeout.
var ErrEmpty = errors.New("queue: empty")

// Priority selects a lane. Fresh submissions go ahead of retries.
type Priority int

const (
	PriorityRetry Priority = iota
	PriorityFresh
)

// Queue is a reliable job-id queue.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, p Priority) error
	// Claim blocks up to timeout for the next id. A timeout <= 0 blocks until ctx ends.
	Claim(ctx context.Context, timeout time.Duration) (string, error)
	// Ack removes a claimed id from the in-flight set.
	Ack(ctx context.Context, jobID string) error
	// RequeueStale moves in-flight ids back to their lanes, up to max per lane.
	RequeueStale(ctx context.Context, max int64) (int64, error)
}

// Memory is an in-process queue backed by buffered channels.
type Memory struct {
	fresh chan string
	retry chan string
}

var _ Queue = (*Memory)(nil)

// NewMemory creates a queue holding up to size ids per lane.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{fresh: make(chan string, size), retry: make(chan string, size)}
}

// Enqueue implements Queue. It fails instead of blocking when the lane is full.
func (m *Memory) Enqueue(ctx context.Context, jobID string, p Priority) error {
	lane := m.retry
	if p == PriorityFresh {
		lane = m.fresh
	}
	select {
	case lane <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("queue: lane full")
	}
}

// Claim implements Queue.
func (m *Memory) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case id := <-m.fresh:
		return id, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case id := <-m.fresh:
		return id, nil
	case id := <-m.retry:
		return id, nil
	case <-expired:
		return "", ErrEmpty
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Ack implements Queue.
func (m *Memory) Ack(context.Context, string) error { return nil }

// RequeueStale implements Queue. In-process deliveries are never in flight
// across restarts, so there is nothing to move.
func (m *Memory) RequeueStale(context.Context, int64) (int64, error) { return 0, nil }
