// Package purge permanently deletes projects and repositories that stayed
// in the removed state past the retention window. Removal is reversible
// (unremove); the purge is what makes it final, and it runs through the
// command pipeline so every replica deletes the same things.
package purge

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
	"github.com/dogma-io/dogma/internal/storage"
)

// sweepSchedule fires at minute 10 of every hour.
const sweepSchedule = "10 * * * *"

// Commander submits commands to the write pipeline.
type Commander interface {
	Execute(ctx context.Context, cmd command.Command) (executor.Result, error)
}

// Sweeper issues PURGE_PROJECT / PURGE_REPOSITORY for anything removed
// longer than maxAge ago. Only the leader sweeps; the purges replicate.
type Sweeper struct {
	store    storage.Storage
	exec     Commander
	isLeader func() bool
	maxAge   time.Duration
	clock    clockwork.Clock
	cron     gocron.Scheduler
	log      *zap.Logger
}

// NewSweeper creates the sweeper. maxAge must be positive; a deployment
// that never purges simply does not construct one.
func NewSweeper(store storage.Storage, exec Commander, isLeader func() bool, maxAge time.Duration, clock clockwork.Clock, logger *zap.Logger) (*Sweeper, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("purge: maxAge must be positive, got %v", maxAge)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cron, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("purge: create scheduler: %w", err)
	}
	s := &Sweeper{
		store:    store,
		exec:     exec,
		isLeader: isLeader,
		maxAge:   maxAge,
		clock:    clock,
		cron:     cron,
		log:      logger.Named("purge"),
	}
	_, err = cron.NewJob(
		gocron.CronJob(sweepSchedule, false),
		gocron.NewTask(s.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("purge: schedule sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("purge: sweeper shutdown: %w", err)
	}
	return nil
}

func (s *Sweeper) sweep() {
	if !s.isLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := s.clock.Now()
	cutoff := now.Add(-s.maxAge)
	projects, err := s.store.ListProjects(ctx, true)
	if err != nil {
		s.log.Error("listing projects", zap.Error(err))
		return
	}
	purged := 0
	for _, p := range projects {
		if p.RemovedAt != nil {
			if p.RemovedAt.After(cutoff) {
				continue
			}
			_, err := s.exec.Execute(ctx, &command.PurgeProject{
				Base:        command.Base{CommitTimeMillis: now.UnixMilli(), Author: command.System},
				ProjectName: p.Name,
			})
			if err != nil {
				s.log.Warn("purging project", zap.String("project", p.Name), zap.Error(err))
				continue
			}
			purged++
			continue
		}
		repos, err := s.store.ListRepositories(ctx, p.Name, true)
		if err != nil {
			s.log.Warn("listing repositories", zap.String("project", p.Name), zap.Error(err))
			continue
		}
		for _, r := range repos {
			if r.RemovedAt == nil || r.RemovedAt.After(cutoff) {
				continue
			}
			_, err := s.exec.Execute(ctx, &command.PurgeRepository{
				Base:           command.Base{CommitTimeMillis: now.UnixMilli(), Author: command.System},
				ProjectName:    p.Name,
				RepositoryName: r.Name,
			})
			if err != nil {
				s.log.Warn("purging repository",
					zap.String("project", p.Name), zap.String("repo", r.Name), zap.Error(err))
				continue
			}
			purged++
		}
	}
	if purged > 0 {
		s.log.Info("purged removed resources", zap.Int("count", purged))
	}
}
