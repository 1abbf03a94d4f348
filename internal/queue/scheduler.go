package queue

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nonprofitsuite/storagecore/internal/config"
)

// MaintenanceSchedule maps each periodic task to its interval. Zero disables
// the task.
type MaintenanceSchedule struct {
	QueueReap     time.Duration
	DiscoveryReap time.Duration
	CacheClean    time.Duration
	CacheWarm     time.Duration
}

func ScheduleFromConfig(cfg *config.Config) MaintenanceSchedule {
	return MaintenanceSchedule{
		QueueReap:     cfg.Queue.ReapInterval,
		DiscoveryReap: cfg.Queue.ReapInterval,
		CacheClean:    cfg.Cache.CleanInterval,
		CacheWarm:     cfg.Cache.WarmInterval,
	}
}

func (s MaintenanceSchedule) entries() map[string]time.Duration {
	return map[string]time.Duration{
		TypeQueueReap:     s.QueueReap,
		TypeDiscoveryReap: s.DiscoveryReap,
		TypeCacheClean:    s.CacheClean,
		TypeCacheWarm:     s.CacheWarm,
	}
}

// NewScheduler registers the periodic maintenance tasks. Each task is unique
// for its interval so that several worker processes do not pile them up.
func NewScheduler(cfg config.RedisConfig, sched MaintenanceSchedule, logger *slog.Logger) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(redisOpt(cfg), &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   asynqLogger{logger.With("component", "scheduler")},
		LogLevel: asynq.WarnLevel,
	})

	for taskType, every := range sched.entries() {
		if every <= 0 {
			continue
		}
		_, err := s.Register("@every "+every.String(), asynq.NewTask(taskType, nil),
			asynq.Queue("maintenance"),
			asynq.MaxRetry(0),
			asynq.Unique(every),
		)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", taskType, err)
		}
		logger.Info("maintenance task scheduled", "type", taskType, "every", every)
	}
	return s, nil
}

func sprint(args []any) string {
	return fmt.Sprint(args...)
}
