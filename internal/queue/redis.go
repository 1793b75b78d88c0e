package queue

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Lane is a pending list plus its in-flight list.
type Lane struct {
	QueueKey      string
	ProcessingKey string
}

// Redis is a reliable queue on Redis lists. Claim moves an id from a lane to
// its processing list with BRPOPLPUSH; Ack removes it; RequeueStale returns
// leftovers from crashed consumers.
type Redis struct {
	rdb              *goredis.Client
	processingMapKey string
	fresh            Lane
	retry            Lane
}

var _ Queue = (*Redis)(nil)

// NewRedis creates a queue whose keys share prefix.
func NewRedis(rdb *goredis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "genengine:jobs:"
	}
	return &Redis{
		rdb:              rdb,
		processingMapKey: prefix + "processing_map",
		fresh:            Lane{QueueKey: prefix + "fresh", ProcessingKey: prefix + "fresh:processing"},
		retry:            Lane{QueueKey: prefix + "retry", ProcessingKey: prefix + "retry:processing"},
	}
}

func (q *Redis) lane(p Priority) Lane {
	if p == PriorityFresh {
		return q.fresh
	}
	return q.retry
}

// Enqueue implements Queue.
func (q *Redis) Enqueue(ctx context.Context, jobID string, p Priority) error {
	return q.rdb.LPush(ctx, q.lane(p).QueueKey, jobID).Err()
}

// Claim implements Queue. It polls the fresh lane before the retry lane in
// short blocking slots so fresh work is preferred.
func (q *Redis) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !forever && time.Now().After(deadline) {
			return "", ErrEmpty
		}
		for _, ln := range []Lane{q.fresh, q.retry} {
			wait := slot
			if !forever {
				remain := time.Until(deadline)
				if remain <= 0 {
					return "", ErrEmpty
				}
				if remain < wait {
					wait = remain
				}
			}

			id, err := q.rdb.BRPopLPush(ctx, ln.QueueKey, ln.ProcessingKey, wait).Result()
			if err == nil {
				if hErr := q.rdb.HSet(ctx, q.processingMapKey, id, ln.ProcessingKey).Err(); hErr != nil {
					return "", hErr
				}
				return id, nil
			}
			if errors.Is(err, goredis.Nil) {
				continue
			}
			return "", err
		}
	}
}

// Ack implements Queue.
func (q *Redis) Ack(ctx context.Context, jobID string) error {
	processingKey, err := q.rdb.HGet(ctx, q.processingMapKey, jobID).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			_ = q.rdb.LRem(ctx, q.fresh.ProcessingKey, 1, jobID).Err()
			_ = q.rdb.LRem(ctx, q.retry.ProcessingKey, 1, jobID).Err()
			return nil
		}
		return err
	}
	if err := q.rdb.LRem(ctx, processingKey, 1, jobID).Err(); err != nil {
		return err
	}
	return q.rdb.HDel(ctx, q.processingMapKey, jobID).Err()
}

// RequeueStale implements Queue. Call it only when no consumer is running,
// e.g. at worker startup, since live in-flight ids are moved too.
func (q *Redis) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64
	for _, ln := range []Lane{q.fresh, q.retry} {
		for i := int64(0); i < max; i++ {
			id, err := q.rdb.RPopLPush(ctx, ln.ProcessingKey, ln.QueueKey).Result()
			if err != nil {
				if errors.Is(err, goredis.Nil) {
					break
				}
				return moved, err
			}
			moved++
			_ = q.rdb.HDel(ctx, q.processingMapKey, id).Err()
		}
	}
	return moved, nil
}
