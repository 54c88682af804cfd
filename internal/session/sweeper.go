package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
)

// sweepSchedule fires at minute 30 of every fourth hour.
const sweepSchedule = "30 */4 * * *"

// Commander submits commands to the write pipeline. Satisfied by the
// replicated executor.
type Commander interface {
	Execute(ctx context.Context, cmd command.Command) (executor.Result, error)
}

// Sweeper periodically issues REMOVE_SESSION for expired sessions. Only the
// cluster leader sweeps, so each expired session produces exactly one log
// entry; the removal itself then applies on every replica.
type Sweeper struct {
	store    *Store
	exec     Commander
	isLeader func() bool
	clock    clockwork.Clock
	cron     gocron.Scheduler
	log      *zap.Logger
}

// NewSweeper creates the sweeper. isLeader gates each run; pass a function
// returning true in standalone mode.
func NewSweeper(store *Store, exec Commander, isLeader func() bool, clock clockwork.Clock, logger *zap.Logger) (*Sweeper, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cron, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("session: create scheduler: %w", err)
	}
	s := &Sweeper{
		store:    store,
		exec:     exec,
		isLeader: isLeader,
		clock:    clock,
		cron:     cron,
		log:      logger.Named("sweeper"),
	}
	_, err = cron.NewJob(
		gocron.CronJob(sweepSchedule, false),
		gocron.NewTask(s.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("session: schedule sweep: %w", err)
	}
	return s, nil
}

// Start begins the schedule. Call Stop to shut down.
func (s *Sweeper) Start() {
	s.cron.Start()
}

func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("session: sweeper shutdown: %w", err)
	}
	return nil
}

// sweep removes every expired session through the command pipeline.
func (s *Sweeper) sweep() {
	if !s.isLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessions, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("listing sessions", zap.Error(err))
		return
	}
	now := s.clock.Now()
	removed := 0
	for _, sess := range sessions {
		if sess.ExpirationTime.IsZero() || now.Before(sess.ExpirationTime) {
			continue
		}
		_, err := s.exec.Execute(ctx, &command.RemoveSession{
			Base:      command.Base{CommitTimeMillis: now.UnixMilli(), Author: command.System},
			SessionID: sess.ID,
		})
		if err != nil {
			s.log.Warn("removing expired session",
				zap.String("session", sess.ID), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("swept expired sessions", zap.Int("removed", removed))
	}
}
