package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func openTemp(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "secretary.db")
}

func TestOpenSQLiteMigrates(t *testing.T) {
	dsn := openTemp(t)
	database, err := Open(Config{DSN: dsn, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	if err := Ping(context.Background(), database); err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"runs", "run_logs"} {
		if !database.Migrator().HasTable(table) {
			t.Errorf("table %s missing", table)
		}
	}

	run := &Run{SetupKey: "home", TriggeredBy: TriggerManual, Status: RunRunning, State: "idle", StartedAt: time.Now().UTC()}
	if err := database.Create(run).Error; err != nil {
		t.Fatal(err)
	}
	if run.ID.Version() != 7 {
		t.Errorf("run id version = %d", run.ID.Version())
	}
	if err := Close(database); err != nil {
		t.Fatal(err)
	}

	// a second open finds the schema current and keeps the data
	again, err := Open(Config{DSN: dsn, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer Close(again)
	var count int64
	if err := again.Model(&Run{}).Count(&count).Error; err != nil || count != 1 {
		t.Errorf("count = %d, %v", count, err)
	}
}

func TestModelFieldsAreMapped(t *testing.T) {
	database, err := Open(Config{DSN: openTemp(t), Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer Close(database)

	for _, model := range []any{&Run{}, &RunLog{}} {
		stmt := &gorm.Statement{DB: database}
		if err := stmt.Parse(model); err != nil {
			t.Fatal(err)
		}
		for _, field := range []string{"ID", "CreatedAt"} {
			if stmt.Schema.LookUpField(field) == nil {
				t.Errorf("%s: field %s is not mapped", stmt.Schema.Name, field)
			}
		}
	}

	run := &Run{SetupKey: "home", TriggeredBy: TriggerSchedule, Status: RunRunning, State: "idle", StartedAt: time.Now().UTC()}
	if err := database.Create(run).Error; err != nil {
		t.Fatal(err)
	}
	logs := []RunLog{
		{RunID: run.ID, Level: "INFO", Message: "one", Timestamp: time.Now().UTC()},
		{RunID: run.ID, Level: "WARN", Message: "two", Timestamp: time.Now().UTC()},
	}
	if err := database.CreateInBatches(&logs, 10).Error; err != nil {
		t.Fatal(err)
	}
	for _, l := range logs {
		if l.ID == uuid.Nil {
			t.Errorf("log %q has no id", l.Message)
		}
	}

	var row struct {
		ID        string
		CreatedAt time.Time
	}
	if err := database.Raw("SELECT id, created_at FROM runs WHERE id = ?", run.ID).Scan(&row).Error; err != nil {
		t.Fatal(err)
	}
	if row.ID != run.ID.String() || row.CreatedAt.IsZero() {
		t.Errorf("stored row = %+v, want id %s and a creation time", row, run.ID)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Errorf("err = %v", err)
	}
}
