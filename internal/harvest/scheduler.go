package harvest

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/go-co-op/gocron"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/regsync/internal/registry"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultConcurrency = 4
	defaultPurgeEvery  = time.Minute
	retentionCron      = "0 0 * * *"
)

// ErrHarvestInProgress is returned by HarvestOne when the registry is
// already being harvested.
const ErrHarvestInProgress = errors.Sentinel("harvest already in progress")

// Maintenance is the registry store as seen by the scheduler.
type Maintenance interface {
	ListRegistries(ctx context.Context) ([]registry.RemoteRegistry, error)
	PurgeExpiredTokens(ctx context.Context) (int, error)
	PurgeOperations(ctx context.Context, before time.Time) (int, error)
}

type SchedulerConfig struct {
	Harvester   *Harvester
	Store       Maintenance
	Log         logr.Logger
	Interval    time.Duration
	Concurrency int
	PurgeEvery  time.Duration
	// Retention enables a daily purge of operations older than it. Zero
	// keeps every operation.
	Retention time.Duration
	Clock     func() time.Time
}

// Scheduler runs periodic harvests of every enabled registry plus the
// token and operation purges.
type Scheduler struct {
	cfg      SchedulerConfig
	inFlight sync.Map
	cron     *gocron.Scheduler
	cancel   context.CancelFunc
	mu       sync.Mutex
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Harvester == nil || cfg.Store == nil {
		return nil, errors.WithDetails(registry.ErrInvalidInput, "reason", "harvester and store are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PurgeEvery <= 0 {
		cfg.PurgeEvery = defaultPurgeEvery
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{cfg: cfg}, nil
}

// HarvestOne harvests a single registry unless a harvest of it is already
// running.
func (s *Scheduler) HarvestOne(ctx context.Context, name string) (Result, error) {
	if _, busy := s.inFlight.LoadOrStore(name, struct{}{}); busy {
		return Result{Registry: name}, errors.WithDetails(ErrHarvestInProgress, "registry", name)
	}
	defer s.inFlight.Delete(name)
	return s.cfg.Harvester.Harvest(ctx, name)
}

// HarvestAll harvests every registry that is read-enabled and marked for
// harvesting, at most Concurrency at a time. One registry failing does not
// stop the others; the failures are combined into the returned error.
func (s *Scheduler) HarvestAll(ctx context.Context) ([]Result, error) {
	registries, err := s.cfg.Store.ListRegistries(ctx)
	if err != nil {
		return nil, errors.WrapIf(err, "list registries")
	}

	var (
		mu      sync.Mutex
		results []Result
		errs    []error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Concurrency)
	for _, reg := range registries {
		if !reg.ReadEnabled || !reg.Harvested {
			s.cfg.Log.V(1).Info("registry skipped", "registry", reg.Name, "readEnabled", reg.ReadEnabled, "harvested", reg.Harvested)
			continue
		}
		name := reg.Name
		group.Go(func() error {
			result, err := s.HarvestOne(groupCtx, name)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrHarvestInProgress):
				s.cfg.Log.V(1).Info("harvest already running", "registry", name)
			case err != nil:
				errs = append(errs, err)
			default:
				results = append(results, result)
			}
			return nil
		})
	}
	_ = group.Wait()
	return results, errors.Combine(errs...)
}

func (s *Scheduler) purgeTokens(ctx context.Context) {
	if _, err := s.cfg.Store.PurgeExpiredTokens(ctx); err != nil {
		s.cfg.Log.Error(err, "failed to purge resumption tokens")
	}
}

func (s *Scheduler) purgeOperations(ctx context.Context) {
	before := s.cfg.Clock().Add(-s.cfg.Retention)
	if _, err := s.cfg.Store.PurgeOperations(ctx, before); err != nil {
		s.cfg.Log.Error(err, "failed to purge operations", "before", registry.FormatDate(before))
	}
}

func (s *Scheduler) createScheduler(ctx context.Context) (*gocron.Scheduler, error) {
	cron := gocron.NewScheduler(time.UTC)
	cron.SetMaxConcurrentJobs(s.cfg.Concurrency+2, gocron.RescheduleMode)

	if _, err := cron.Every(s.cfg.Interval).SingletonMode().Tag("harvest").Do(func() {
		if _, err := s.HarvestAll(ctx); err != nil {
			s.cfg.Log.Error(err, "scheduled harvest finished with errors")
		}
	}); err != nil {
		return nil, errors.WrapIf(err, "create harvest job")
	}
	if _, err := cron.Every(s.cfg.PurgeEvery).SingletonMode().Tag("purgeTokens").Do(func() {
		s.purgeTokens(ctx)
	}); err != nil {
		return nil, errors.WrapIf(err, "create token purge job")
	}
	if s.cfg.Retention > 0 {
		if _, err := cron.Cron(retentionCron).SingletonMode().Tag("purgeOperations").Do(func() {
			s.purgeOperations(ctx)
		}); err != nil {
			return nil, errors.WrapIf(err, "create operation purge job")
		}
	}
	return cron, nil
}

// Start schedules the jobs. The first harvest runs immediately. Jobs see
// ctx, which Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.WithDetails(registry.ErrInvalidState, "reason", "scheduler already started")
	}
	jobCtx, cancel := context.WithCancel(ctx)
	cron, err := s.createScheduler(jobCtx)
	if err != nil {
		cancel()
		return err
	}
	s.cron = cron
	s.cancel = cancel
	s.cfg.Log.Info("starting scheduler", "jobs", len(cron.Jobs()), "interval", s.cfg.Interval.String())
	cron.StartAsync()
	return nil
}

// Stop cancels running jobs and waits for the scheduler to stop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	s.cancel()
	s.cron.Stop()
	s.cron = nil
	s.cancel = nil
}
