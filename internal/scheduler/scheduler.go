// Package scheduler drives backups. A gocron job ticks at a fixed interval;
// every tick starts a run for each setup that is due and not already
// running. After a run the setup is rescheduled, its run is recorded with
// its status reports, and a notification is sent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/octylFractal/backup-secretary/internal/db"
	"github.com/octylFractal/backup-secretary/internal/hooks"
	"github.com/octylFractal/backup-secretary/internal/metrics"
	"github.com/octylFractal/backup-secretary/internal/notification"
	"github.com/octylFractal/backup-secretary/internal/pipeline"
	"github.com/octylFractal/backup-secretary/internal/repositories"
	"github.com/octylFractal/backup-secretary/internal/setup"
	"github.com/octylFractal/backup-secretary/internal/status"
)

// DefaultTickInterval is how often due setups are looked for.
const DefaultTickInterval = time.Second

// bookkeepingTimeout bounds the writes made after a run ends.
const bookkeepingTimeout = 30 * time.Second

var (
	ErrUnknownSetup   = errors.New("scheduler: unknown setup")
	ErrAlreadyRunning = errors.New("scheduler: setup is already running")
)

// Config holds the scheduler's collaborators. Only Registry is required.
type Config struct {
	Registry *setup.Registry
	// Store receives rescheduled setups. Nil disables persistence.
	Store *setup.FileStore
	// Runs records run history. Nil disables it.
	Runs     repositories.RunRepository
	Notifier notification.Notifier
	// Observer, if set, is told when each run starts.
	Observer Observer
	Metrics  *metrics.Collector
	Hooks    *hooks.Runner

	Clock        clock.Clock
	Logger       *zap.Logger
	TickInterval time.Duration
	// Concurrency is passed to every pipeline; zero means the pipeline
	// default.
	Concurrency int
}

// Observer receives run start events. *events.Hub implements it.
type Observer interface {
	RunStarted(key string, runID uuid.UUID, trigger string, at time.Time)
}

// Scheduler admits due setups and runs them.
type Scheduler struct {
	cfg    Config
	cron   gocron.Scheduler
	logger *zap.Logger

	// runCtx is the parent of every run; Stop cancels it.
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	running map[string]time.Time
	wg      sync.WaitGroup
}

// New returns a stopped Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notification.Nop{}
	}
	if cfg.Hooks == nil {
		cfg.Hooks = hooks.NewRunner(0)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		cron:      cron,
		logger:    cfg.Logger.Named("scheduler"),
		runCtx:    runCtx,
		cancelRun: cancel,
		running:   make(map[string]time.Time),
	}, nil
}

// Start begins ticking. Cancelling ctx cancels every run, as Stop does.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.TickInterval),
		gocron.NewTask(func() { s.Tick(s.runCtx) }),
		gocron.WithName("tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("scheduler: add tick job: %w", err)
	}
	context.AfterFunc(ctx, s.cancelRun)
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.TickInterval),
		zap.Int("setups", s.cfg.Registry.Len()),
	)
	return nil
}

// Stop ends ticking, cancels running backups and waits for their
// bookkeeping to finish.
func (s *Scheduler) Stop() error {
	err := s.cron.Shutdown()
	s.cancelRun()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// Wait blocks until no run is in progress.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick starts a run for every ready setup that is not already running and
// returns the keys it started. Runs proceed in the background under ctx.
func (s *Scheduler) Tick(ctx context.Context) []string {
	var started []string
	for key, st := range s.cfg.Registry.ListReadySetups() {
		if s.launch(ctx, key, st, db.TriggerSchedule) {
			started = append(started, key)
		}
	}
	return started
}

// TriggerNow runs the setup under key immediately, whatever its schedule.
func (s *Scheduler) TriggerNow(_ context.Context, key string) error {
	st, ok := s.cfg.Registry.Retrieve(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetup, key)
	}
	if !s.launch(s.runCtx, key, st, db.TriggerManual) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	s.logger.Info("manual run started", zap.String("setup", key))
	return nil
}

// Running returns the keys of running setups with their start time.
func (s *Scheduler) Running() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.running)
}

// IsRunning reports whether key has a run in progress.
func (s *Scheduler) IsRunning(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[key]
	return ok
}

// RunningKeys returns the keys of running setups, sorted.
func (s *Scheduler) RunningKeys() []string {
	return slices.Sorted(maps.Keys(s.Running()))
}

func (s *Scheduler) launch(ctx context.Context, key string, st setup.Setup, trigger string) bool {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	if _, busy := s.running[key]; busy {
		s.mu.Unlock()
		return false
	}
	s.running[key] = now
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, key)
			s.mu.Unlock()
		}()
		s.execute(ctx, key, st, trigger, now)
	}()
	return true
}

func (s *Scheduler) execute(ctx context.Context, key string, st setup.Setup, trigger string, start time.Time) {
	log := s.logger.With(zap.String("setup", key), zap.String("trigger", trigger))
	reporter := status.NewReporter(log)
	runCtx := status.WithReporter(ctx, reporter)
	// bookkeeping outlives cancellation of the run itself
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RunStarted()
	}
	run := &db.Run{
		SetupKey:    key,
		TriggeredBy: trigger,
		Status:      db.RunRunning,
		State:       string(pipeline.StateIdle),
		StartedAt:   start.UTC(),
	}
	if s.cfg.Runs != nil {
		if err := s.cfg.Runs.Create(bgCtx, run); err != nil {
			log.Warn("failed to record run start", zap.Error(err))
			run.ID = uuid.Nil
		}
	}
	log.Info("backup started", zap.String("run_id", run.ID.String()))
	if s.cfg.Observer != nil {
		s.cfg.Observer.RunStarted(key, run.ID, trigger, start)
	}

	res, runErr := s.backup(runCtx, st)
	end := s.cfg.Clock.Now()
	res.Duration = end.Sub(start)
	succeeded := runErr == nil
	if succeeded {
		reporter.Info(fmt.Sprintf("Backup finished: %d files, %d chunks", res.FilesSeen, res.ChunksStored))
	} else {
		reporter.Error("Backup failed", runErr)
	}

	s.reschedule(key, st, trigger, start, end, succeeded, log)
	s.record(bgCtx, run, res, runErr, end, reporter, log)

	counts := map[string]int{
		string(status.LevelInfo):  reporter.Count(status.LevelInfo),
		string(status.LevelWarn):  reporter.Count(status.LevelWarn),
		string(status.LevelError): reporter.Count(status.LevelError),
	}
	event := notification.RunEvent{
		RunID:        run.ID,
		SetupKey:     key,
		Succeeded:    succeeded,
		Started:      start,
		Ended:        end,
		FilesSeen:    res.FilesSeen,
		ChunksStored: res.ChunksStored,
		BytesStored:  res.BytesStored,
		Warnings:     counts[string(status.LevelWarn)],
		Errors:       counts[string(status.LevelError)],
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	if err := s.cfg.Notifier.NotifyRun(bgCtx, event); err != nil {
		log.Warn("failed to send run notification", zap.Error(err))
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RunFinished(metrics.Run{
			Setup:        key,
			Succeeded:    succeeded,
			Duration:     res.Duration,
			End:          end,
			FilesSeen:    res.FilesSeen,
			ChunksStored: res.ChunksStored,
			BytesStored:  res.BytesStored,
			Reports:      counts,
		})
	}

	if succeeded {
		log.Info("backup succeeded",
			zap.Int64("files", res.FilesSeen),
			zap.Int64("chunks", res.ChunksStored),
			zap.Int64("bytes", res.BytesStored),
			zap.Duration("duration", res.Duration),
		)
	} else {
		log.Error("backup failed", zap.Error(runErr))
	}
}

// backup runs the hooks around the pipeline. The post-backup hook runs even
// when the backup failed.
func (s *Scheduler) backup(ctx context.Context, st setup.Setup) (pipeline.Result, error) {
	res := pipeline.Result{State: pipeline.StateAborted}
	var runErr error
	if _, err := s.cfg.Hooks.Run(ctx, hooks.PhasePre, st.Hooks.PreBackup); err != nil {
		runErr = err
	} else {
		p := pipeline.New(st.Source, st.Chunker, st.Target,
			pipeline.WithConcurrency(s.cfg.Concurrency),
			pipeline.WithClock(s.cfg.Clock),
			pipeline.WithLogger(s.logger),
		)
		res, runErr = p.Run(ctx)
	}
	// the post hook is not a failure of the backup
	_, _ = s.cfg.Hooks.Run(context.WithoutCancel(ctx), hooks.PhasePost, st.Hooks.PostBackup)
	return res, runErr
}

// reschedule applies the outcome of a run to the registry and the store.
// Scheduled setups move to tomorrow at their schedule time whatever the
// outcome, except that a manual run keeps a schedule still in the future.
// A one-shot setup leaves the registry once it succeeds and stays due after
// a failure. A manual run before the one-shot time leaves it pending.
func (s *Scheduler) reschedule(key string, st setup.Setup, trigger string, start, end time.Time, succeeded bool, log *zap.Logger) {
	if _, ok := s.cfg.Registry.Retrieve(key); !ok {
		// removed while running
		return
	}

	var next setup.Setup
	switch {
	case st.ScheduleTime != nil:
		at := setup.NextDailyRun(start, *st.ScheduleTime)
		if trigger == db.TriggerManual && st.NextBackupTime.After(start) {
			at = st.NextBackupTime
		}
		next = st.WithNextBackupTime(at)
		if succeeded {
			next = next.WithLastBackupTime(end)
		}
		s.cfg.Registry.Store(key, next)
		log.Info("setup rescheduled", zap.Time("next", next.NextBackupTime))
	case trigger == db.TriggerManual && st.NextBackupTime.After(start):
		// an early manual run does not replace the pending one-shot run
		if !succeeded {
			return
		}
		next = st.WithLastBackupTime(end)
		s.cfg.Registry.Store(key, next)
		log.Info("one-shot setup still pending", zap.Time("next", next.NextBackupTime))
	case succeeded:
		next = st.WithLastBackupTime(end)
		s.cfg.Registry.Remove(key)
		log.Info("one-shot setup finished")
	default:
		log.Info("one-shot setup failed, will retry")
		return
	}

	if s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.Save(key, next); err != nil {
		log.Error("failed to persist setup", zap.Error(err))
	}
}

func (s *Scheduler) record(ctx context.Context, run *db.Run, res pipeline.Result, runErr error, end time.Time, reporter *status.Reporter, log *zap.Logger) {
	if s.cfg.Runs == nil || run.ID == uuid.Nil {
		return
	}
	outcome := repositories.RunOutcome{
		Status:       db.RunSucceeded,
		State:        string(res.State),
		EndedAt:      end,
		FilesSeen:    res.FilesSeen,
		ChunksStored: res.ChunksStored,
		BytesStored:  res.BytesStored,
	}
	if runErr != nil {
		outcome.Status = db.RunFailed
		outcome.Error = runErr.Error()
	}
	if err := s.cfg.Runs.Finish(ctx, run.ID, outcome); err != nil {
		log.Warn("failed to record run outcome", zap.Error(err))
	}

	reports := reporter.Reports()
	logs := make([]db.RunLog, 0, len(reports))
	for _, r := range reports {
		entry := db.RunLog{
			RunID:     run.ID,
			Level:     string(r.Level),
			Message:   r.Message,
			Timestamp: r.Time.UTC(),
		}
		if r.Cause != nil {
			entry.Cause = r.Cause.Error()
		}
		logs = append(logs, entry)
	}
	if err := s.cfg.Runs.BulkCreateLogs(ctx, logs); err != nil {
		log.Warn("failed to record run logs", zap.Error(err))
	}
}
