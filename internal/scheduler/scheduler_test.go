package scheduler

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/octylFractal/backup-secretary/internal/backup"
	"github.com/octylFractal/backup-secretary/internal/chunker/bytecount"
	"github.com/octylFractal/backup-secretary/internal/config"
	"github.com/octylFractal/backup-secretary/internal/db"
	"github.com/octylFractal/backup-secretary/internal/metrics"
	"github.com/octylFractal/backup-secretary/internal/notification"
	"github.com/octylFractal/backup-secretary/internal/plugin"
	"github.com/octylFractal/backup-secretary/internal/repositories"
	"github.com/octylFractal/backup-secretary/internal/setup"
	sourcelocal "github.com/octylFractal/backup-secretary/internal/source/local"
	targetlocal "github.com/octylFractal/backup-secretary/internal/target/local"
	"github.com/octylFractal/backup-secretary/internal/vpath"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.RunEvent
}

func (n *recordingNotifier) NotifyRun(_ context.Context, e notification.RunEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) all() []notification.RunEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.RunEvent(nil), n.events...)
}

type recordingObserver struct {
	mu      sync.Mutex
	started []string
	ids     []uuid.UUID
}

func (o *recordingObserver) RunStarted(key string, runID uuid.UUID, trigger string, _ time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, key+"/"+trigger)
	o.ids = append(o.ids, runID)
}

// gateTarget blocks every store until release is closed, then fails if
// fail is set.
type gateTarget struct {
	release chan struct{}
	fail    error
}

func (g *gateTarget) PluginID() plugin.ID {
	return plugin.ID{Capability: plugin.CapabilityTarget, Key: "gate"}
}

func (g *gateTarget) Retrieve(context.Context, vpath.Path) (backup.Chunk, error) { return nil, nil }

func (g *gateTarget) List(context.Context) iter.Seq2[vpath.Path, error] {
	return backup.SliceSeq[vpath.Path](nil)
}

func (g *gateTarget) ListPrefix(context.Context, vpath.Path) iter.Seq2[vpath.Path, error] {
	return backup.SliceSeq[vpath.Path](nil)
}

func (g *gateTarget) Store(ctx context.Context, _ backup.Chunk) error {
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.fail
}

type fixture struct {
	clock    *testclock.Clock
	registry *setup.Registry
	store    *setup.FileStore
	runs     repositories.RunRepository
	notifier *recordingNotifier
	observer *recordingObserver
	plugins  *plugin.Registry
	sched    *Scheduler
	srcDir   string
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	database, err := db.Open(db.Config{
		DSN:    filepath.Join(t.TempDir(), "runs.db"),
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close(database) })

	plugins, err := plugin.NewRegistry(bytecount.Provider(), sourcelocal.Provider(nil), targetlocal.Provider())
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		clock:    testclock.NewClock(now),
		store:    setup.NewFileStore(t.TempDir()),
		runs:     repositories.NewRunRepository(database),
		notifier: &recordingNotifier{},
		observer: &recordingObserver{},
		plugins:  plugins,
		srcDir:   t.TempDir(),
	}
	f.registry = setup.NewRegistry(f.clock)
	if err := os.WriteFile(filepath.Join(f.srcDir, "notes.txt"), []byte("remember the milk"), 0o644); err != nil {
		t.Fatal(err)
	}

	f.sched, err = New(Config{
		Registry: f.registry,
		Store:    f.store,
		Runs:     f.runs,
		Notifier: f.notifier,
		Observer: f.observer,
		Metrics:  metrics.NewCollector(),
		Clock:    f.clock,
		Logger:   zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := f.sched.Stop(); err != nil {
			t.Error(err)
		}
	})
	return f
}

func (f *fixture) localSetup(t *testing.T, next time.Time) setup.Setup {
	t.Helper()
	source := sourcelocal.New(nil)
	source.SetSourceFiles([]string{f.srcDir})
	target, err := targetlocal.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return setup.Setup{Source: source, Chunker: bytecount.New(8), Target: target, NextBackupTime: next}
}

func TestNightlyReschedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2026, 10, 16, 1, 59, 59, 0, time.UTC))
	tod := config.TimeOfDay{Hour: 2}
	st := f.localSetup(t, time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC))
	st.ScheduleTime = &tod
	f.registry.Store("nightly", st)

	if started := f.sched.Tick(ctx); len(started) != 0 {
		t.Fatalf("started %v before 02:00", started)
	}

	f.clock.Advance(time.Second)
	if started := f.sched.Tick(ctx); len(started) != 1 || started[0] != "nightly" {
		t.Fatalf("started %v at 02:00", started)
	}
	f.sched.Wait()

	want := time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC)
	got, ok := f.registry.Retrieve("nightly")
	if !ok || !got.NextBackupTime.Equal(want) {
		t.Fatalf("next = %v, %v; want %v", got.NextBackupTime, ok, want)
	}
	if got.LastBackupTime == nil {
		t.Error("last backup time not recorded")
	}
	if started := f.sched.Tick(ctx); len(started) != 0 {
		t.Errorf("started %v right after the run", started)
	}

	saved, err := f.store.Load(f.plugins, "nightly")
	if err != nil {
		t.Fatal(err)
	}
	if !saved.NextBackupTime.Equal(want) || saved.ScheduleTime == nil {
		t.Errorf("persisted setup = %v / %v", saved.NextBackupTime, saved.ScheduleTime)
	}

	runs, total, err := f.runs.List(ctx, repositories.ListOptions{})
	if err != nil || total != 1 {
		t.Fatalf("runs = %d, %v", total, err)
	}
	// 17 bytes in windows of 8
	if r := runs[0]; r.Status != db.RunSucceeded || r.ChunksStored != 3 || r.BytesStored != 17 || r.TriggeredBy != db.TriggerSchedule {
		t.Errorf("run = %+v", r)
	}
	logs, err := f.runs.GetLogs(ctx, runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	var processed bool
	for _, l := range logs {
		if l.Message == "Processing file: '"+filepath.Join(f.srcDir, "notes.txt")+"'" {
			processed = true
		}
	}
	if !processed {
		t.Errorf("logs = %+v", logs)
	}

	events := f.notifier.all()
	if len(events) != 1 || !events[0].Succeeded || events[0].SetupKey != "nightly" {
		t.Errorf("events = %+v", events)
	}

	// the next night runs again
	f.clock.Advance(24 * time.Hour)
	if started := f.sched.Tick(ctx); len(started) != 1 {
		t.Errorf("started %v the next night", started)
	}
	f.sched.Wait()
	got, _ = f.registry.Retrieve("nightly")
	if want := want.AddDate(0, 0, 1); !got.NextBackupTime.Equal(want) {
		t.Errorf("next = %v, want %v", got.NextBackupTime, want)
	}
}

func TestOneShot(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	t.Run("success removes", func(t *testing.T) {
		f := newFixture(t, now)
		f.registry.Store("once", f.localSetup(t, now.Add(-time.Minute)))
		f.sched.Tick(ctx)
		f.sched.Wait()

		if _, ok := f.registry.Retrieve("once"); ok {
			t.Error("one-shot setup still registered")
		}
		saved, err := f.store.Load(f.plugins, "once")
		if err != nil {
			t.Fatal(err)
		}
		if !saved.Done() {
			t.Errorf("persisted one-shot setup is not done: %+v", saved)
		}
	})

	t.Run("failure retries", func(t *testing.T) {
		f := newFixture(t, now)
		st := f.localSetup(t, now.Add(-time.Minute))
		st.Target = &gateTarget{fail: errors.New("bucket gone")}
		f.registry.Store("once", st)

		f.sched.Tick(ctx)
		f.sched.Wait()
		if _, ok := f.registry.Retrieve("once"); !ok {
			t.Fatal("failed one-shot setup was removed")
		}
		events := f.notifier.all()
		if len(events) != 1 || events[0].Succeeded || !strings.Contains(events[0].Error, "bucket gone") {
			t.Errorf("events = %+v", events)
		}
		runs, _, err := f.runs.List(ctx, repositories.ListOptions{SetupKey: "once"})
		if err != nil || len(runs) != 1 || runs[0].Status != db.RunFailed {
			t.Errorf("runs = %+v, %v", runs, err)
		}

		if started := f.sched.Tick(ctx); len(started) != 1 {
			t.Errorf("retry started %v", started)
		}
		f.sched.Wait()
	})
}

func TestManualRunKeepsPendingOneShot(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	due := now.Add(time.Hour)
	f := newFixture(t, now)
	f.registry.Store("once", f.localSetup(t, due))

	if err := f.sched.TriggerNow(ctx, "once"); err != nil {
		t.Fatal(err)
	}
	f.sched.Wait()

	got, ok := f.registry.Retrieve("once")
	if !ok {
		t.Fatal("one-shot setup was removed by an early manual run")
	}
	if !got.NextBackupTime.Equal(due) || got.LastBackupTime == nil {
		t.Errorf("after manual run: next %v, last %v", got.NextBackupTime, got.LastBackupTime)
	}
	saved, err := f.store.Load(f.plugins, "once")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Done() || !saved.NextBackupTime.Equal(due) {
		t.Errorf("persisted setup: done %v, next %v", saved.Done(), saved.NextBackupTime)
	}

	f.clock.Advance(2 * time.Hour)
	if started := f.sched.Tick(ctx); len(started) != 1 || started[0] != "once" {
		t.Fatalf("started %v at the one-shot time", started)
	}
	f.sched.Wait()
	if _, ok := f.registry.Retrieve("once"); ok {
		t.Error("one-shot setup still registered after its scheduled run")
	}
}

func TestRunningSetupIsSkipped(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	gate := &gateTarget{release: make(chan struct{})}
	st := f.localSetup(t, now)
	st.Target = gate
	f.registry.Store("slow", st)

	if started := f.sched.Tick(ctx); len(started) != 1 {
		t.Fatalf("started %v", started)
	}
	if !f.sched.IsRunning("slow") {
		t.Error("setup not marked running")
	}
	if started := f.sched.Tick(ctx); len(started) != 0 {
		t.Errorf("second tick started %v", started)
	}
	if err := f.sched.TriggerNow(ctx, "slow"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("TriggerNow err = %v", err)
	}

	close(gate.release)
	f.sched.Wait()
	if f.sched.IsRunning("slow") || len(f.sched.RunningKeys()) != 0 {
		t.Error("setup still marked running")
	}
}

func TestTriggerNow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	tod := config.TimeOfDay{Hour: 2}
	st := f.localSetup(t, time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC))
	st.ScheduleTime = &tod
	f.registry.Store("nightly", st)

	if err := f.sched.TriggerNow(ctx, "missing"); !errors.Is(err, ErrUnknownSetup) {
		t.Errorf("err = %v", err)
	}
	if err := f.sched.TriggerNow(ctx, "nightly"); err != nil {
		t.Fatal(err)
	}
	f.sched.Wait()

	got, _ := f.registry.Retrieve("nightly")
	if !got.NextBackupTime.Equal(st.NextBackupTime) {
		t.Errorf("manual run moved the schedule to %v", got.NextBackupTime)
	}
	runs, _, err := f.runs.List(ctx, repositories.ListOptions{})
	if err != nil || len(runs) != 1 || runs[0].TriggeredBy != db.TriggerManual {
		t.Fatalf("runs = %+v, %v", runs, err)
	}
	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	if len(f.observer.started) != 1 || f.observer.started[0] != "nightly/"+db.TriggerManual || f.observer.ids[0] != runs[0].ID {
		t.Errorf("observer saw %v %v", f.observer.started, f.observer.ids)
	}
}

func TestHooks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	marker := filepath.Join(t.TempDir(), "post-ran")
	st := f.localSetup(t, now)
	st.Hooks = setup.Hooks{PreBackup: "exit 4", PostBackup: "touch " + marker}
	f.registry.Store("hooked", st)

	f.sched.Tick(ctx)
	f.sched.Wait()

	if _, err := os.Stat(marker); err != nil {
		t.Errorf("post hook did not run: %v", err)
	}
	runs, _, err := f.runs.List(ctx, repositories.ListOptions{})
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %+v, %v", runs, err)
	}
	if runs[0].Status != db.RunFailed || runs[0].FilesSeen != 0 || !strings.Contains(runs[0].Error, "exit code 4") {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched, err := New(Config{Registry: setup.NewRegistry(nil), TickInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := sched.Stop(); err != nil {
		t.Fatal(err)
	}
}
