package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nonprofitsuite/storagecore/internal/config"
)

func redisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

type Client struct {
	client *asynq.Client
}

func NewClient(cfg config.RedisConfig) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt(cfg)),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// DispatchDiscovery schedules classification of a file. A task already
// queued for the same file is not duplicated.
func (c *Client) DispatchDiscovery(ctx context.Context, fileID uuid.UUID) error {
	err := c.enqueue(ctx, TypeDiscoveryProcess, DiscoveryProcessPayload{FileID: fileID.String()},
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Unique(15*time.Minute),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
