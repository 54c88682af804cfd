package mirror

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/storage"
)

const (
	// reloadInterval is how often the scheduler checks each project's meta
	// repository head for changed definitions.
	reloadInterval = time.Minute

	// maxJitter caps the random delay added before each run.
	maxJitter = time.Minute

	runTimeout = 10 * time.Minute
)

// Scheduler keeps one cron job per enabled mirror, reloading definitions
// whenever a project's meta repository head moves. Every replica runs the
// scheduler; the leader gates decide at fire time whether this replica
// actually syncs, so leadership changes need no rescheduling.
type Scheduler struct {
	store        storage.Storage
	runner       *Runner
	isLeader     func() bool
	isZoneLeader func() bool
	zone         string
	clock        clockwork.Clock
	cron         gocron.Scheduler
	rand         *rand.Rand
	onRun        func(error)
	log          *zap.Logger

	// heads tracks the meta head revision seen at the last reload,
	// per project. Touched only from the reload job.
	heads map[string]command.Revision
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Store  storage.Storage
	Runner *Runner

	// IsLeader gates mirrors without a zone; IsZoneLeader gates mirrors
	// pinned to Zone. In standalone mode pass functions returning true.
	IsLeader     func() bool
	IsZoneLeader func() bool
	Zone         string

	// OnRun, when set, observes the outcome of every sync attempt.
	OnRun func(err error)

	Clock  clockwork.Clock
	Logger *zap.Logger
}

// NewScheduler creates the scheduler. Call Start to begin.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cron, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("mirror: create scheduler: %w", err)
	}
	s := &Scheduler{
		store:        cfg.Store,
		runner:       cfg.Runner,
		isLeader:     cfg.IsLeader,
		isZoneLeader: cfg.IsZoneLeader,
		zone:         cfg.Zone,
		clock:        clock,
		cron:         cron,
		rand:         rand.New(rand.NewSource(clock.Now().UnixNano())),
		onRun:        cfg.OnRun,
		log:          cfg.Logger.Named("mirror-scheduler"),
		heads:        make(map[string]command.Revision),
	}
	_, err = cron.NewJob(
		gocron.DurationJob(reloadInterval),
		gocron.NewTask(s.reload),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("mirror: schedule reload: %w", err)
	}
	return s, nil
}

// Start loads the current definitions and begins the schedule.
func (s *Scheduler) Start() {
	s.reload()
	s.cron.Start()
}

func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("mirror: scheduler shutdown: %w", err)
	}
	return nil
}

// reload rescans every project and reschedules the mirrors of those whose
// meta repository head moved since the last scan.
func (s *Scheduler) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	projects, err := s.store.ListProjects(ctx, false)
	if err != nil {
		s.log.Error("listing projects", zap.Error(err))
		return
	}
	alive := make(map[string]bool, len(projects))
	for _, p := range projects {
		alive[p.Name] = true
		head, err := s.store.Head(ctx, p.Name, MetaRepo)
		if err != nil {
			// No meta repository means no mirrors.
			continue
		}
		if prev, ok := s.heads[p.Name]; ok && prev == head {
			continue
		}
		s.heads[p.Name] = head
		s.rescheduleProject(ctx, p.Name)
	}
	for name := range s.heads {
		if !alive[name] {
			delete(s.heads, name)
			s.cron.RemoveByTags(projectTag(name))
		}
	}
}

func (s *Scheduler) rescheduleProject(ctx context.Context, project string) {
	s.cron.RemoveByTags(projectTag(project))

	mirrors, creds, err := LoadProject(ctx, s.store, project)
	if err != nil {
		s.log.Error("loading mirror definitions",
			zap.String("project", project), zap.Error(err))
		return
	}
	scheduled := 0
	for _, m := range mirrors {
		if !m.Enabled {
			continue
		}
		if err := m.Validate(); err != nil {
			s.log.Warn("skipping invalid mirror",
				zap.String("project", project), zap.String("mirror", m.ID), zap.Error(err))
			continue
		}
		cred, err := FindCredential(creds, m.CredentialID)
		if err != nil {
			s.log.Warn("skipping mirror with unresolved credential",
				zap.String("project", project), zap.String("mirror", m.ID), zap.Error(err))
			continue
		}
		_, err = s.cron.NewJob(
			gocron.CronJob(normalizeSchedule(m.Schedule), false),
			gocron.NewTask(s.runMirror, m, cred),
			gocron.WithTags(projectTag(project), "mirror:"+m.ID),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			s.log.Error("scheduling mirror",
				zap.String("project", project), zap.String("mirror", m.ID), zap.Error(err))
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		s.log.Info("scheduled mirrors",
			zap.String("project", project), zap.Int("count", scheduled))
	}
}

// runMirror fires on schedule on every replica; the leader gates and the
// jitter decide whether and when this replica syncs.
func (s *Scheduler) runMirror(m Mirror, cred Credential) {
	if !s.shouldRun(m) {
		return
	}
	if d := s.jitterFor(m); d > 0 {
		s.clock.Sleep(d)
	}
	// Re-check after the jitter: leadership may have moved while sleeping.
	if !s.shouldRun(m) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	err := s.runner.Run(ctx, m, cred)
	if s.onRun != nil {
		s.onRun(err)
	}
	if err != nil {
		s.log.Error("mirror sync failed",
			zap.String("project", m.Project), zap.String("mirror", m.ID), zap.Error(err))
	}
}

func (s *Scheduler) shouldRun(m Mirror) bool {
	if m.Zone != "" {
		return m.Zone == s.zone && s.isZoneLeader()
	}
	return s.isLeader()
}

// jitterFor spreads mirror runs across the schedule period so replicas do
// not hammer remotes in lockstep, capped at one minute.
func (s *Scheduler) jitterFor(m Mirror) time.Duration {
	limit := m.Period(s.clock.Now())
	if limit > maxJitter {
		limit = maxJitter
	}
	if limit <= 0 {
		return 0
	}
	return time.Duration(s.rand.Int63n(int64(limit)))
}

func projectTag(project string) string {
	return "project:" + project
}
