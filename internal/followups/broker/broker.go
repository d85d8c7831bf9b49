// Package broker wraps the asynq client and inspector behind the small
// surface the scheduler needs: replace a slotted job, remove it, check it.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"aurum_backend/platform/config"
)

type Broker struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

func New(cfg config.RedisConfig) (*Broker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := RedisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return &Broker{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
	}, nil
}

func (b *Broker) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.client != nil {
		errs = append(errs, b.client.Close())
	}
	if b.inspector != nil {
		errs = append(errs, b.inspector.Close())
	}
	return errors.Join(errs...)
}

// maxRetry is the delivery attempt budget for every follow-up task.
const maxRetry = 3

// Replace removes any job holding id and enqueues task in its place at
// processAt. Broker job identity is the dedup unit: one live job per slot.
func (b *Broker) Replace(ctx context.Context, queue, id string, task *asynq.Task, processAt time.Time) error {
	if err := b.Remove(ctx, queue, id); err != nil {
		return err
	}

	_, err := b.client.EnqueueContext(ctx, task,
		asynq.TaskID(id),
		asynq.Queue(queue),
		asynq.ProcessAt(processAt),
		asynq.MaxRetry(maxRetry),
	)
	return err
}

// Remove deletes the job holding id, if any. A missing job or queue is not
// an error.
func (b *Broker) Remove(_ context.Context, queue, id string) error {
	err := b.inspector.DeleteTask(queue, id)
	if err == nil ||
		errors.Is(err, asynq.ErrTaskNotFound) ||
		errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return err
}

// Exists reports whether a job currently holds id in queue, in any
// non-terminal state.
func (b *Broker) Exists(_ context.Context, queue, id string) (bool, error) {
	info, err := b.inspector.GetTaskInfo(queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch info.State {
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
		return false, nil
	}
	return true, nil
}

// Inspect returns raw task info for admin views.
func (b *Broker) Inspect(_ context.Context, queue, id string) (*asynq.TaskInfo, error) {
	return b.inspector.GetTaskInfo(queue, id)
}

// Requeue re-enqueues the job holding id for immediate processing, keeping
// its type and payload. When the job is gone and data is provided, a fresh
// task of taskType is enqueued instead.
func (b *Broker) Requeue(ctx context.Context, queue, id, taskType string, data []byte) error {
	info, err := b.inspector.GetTaskInfo(queue, id)
	switch {
	case err == nil:
		taskType = info.Type
		data = info.Payload
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		if taskType == "" || data == nil {
			return asynq.ErrTaskNotFound
		}
	default:
		return err
	}

	if err := b.Remove(ctx, queue, id); err != nil {
		return err
	}

	_, err = b.client.EnqueueContext(ctx, asynq.NewTask(taskType, data),
		asynq.TaskID(id),
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
	)
	return err
}

// RedisClientOpt parses a Redis URL into asynq connection options, honoring
// TLS with an optional insecure override for self-signed setups.
func RedisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
