package queue

import (
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nonprofitsuite/storagecore/internal/config"
)

// NewServer builds the asynq server that runs discovery and maintenance
// tasks. Maintenance runs on its own queue so a discovery backlog cannot
// starve it.
func NewServer(cfg config.RedisConfig, concurrency int, logger *slog.Logger) *asynq.Server {
	log := logger.With("component", "asynq")
	return asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"maintenance": 3,
				"default":     6,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(1<<uint(min(n, 8))) * 5 * time.Second
				log.Warn("task failed, retrying", "type", task.Type(), "retry", n, "delay", delay, "error", err)
				return delay
			},
			Logger:   asynqLogger{log},
			LogLevel: asynq.WarnLevel,
		},
	)
}

// asynqLogger adapts slog to asynq.Logger.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug(sprint(args)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(sprint(args)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(sprint(args)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(sprint(args)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Error(sprint(args)) }
