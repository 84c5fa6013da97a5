package synccron

import (
	"context"
	"testing"
	"time"

	"autobackup/internal/apperr"
	"autobackup/internal/helpers"
)

func noopFire(context.Context, uint) {}

func TestScheduleReplacesEntry(t *testing.T) {
	s := NewScheduler(helpers.NewDiscardLogger())

	if err := s.Schedule(1, "0 2 * * *", noopFire); err != nil {
		t.Fatalf("Failed to schedule: %v", err)
	}
	if err := s.Schedule(1, "30 4 * * *", noopFire); err != nil {
		t.Fatalf("Failed to reschedule: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", s.Len())
	}
	if len(s.cron.Entries()) != 1 {
		t.Errorf("Expected 1 cron entry, got %d", len(s.cron.Entries()))
	}
	next := s.Next(1)
	if next.Hour() != 4 || next.Minute() != 30 {
		t.Errorf("Expected next run at 04:30, got %s", next)
	}
}

func TestScheduleInvalidKeepsOldEntry(t *testing.T) {
	s := NewScheduler(helpers.NewDiscardLogger())
	if err := s.Schedule(1, "0 2 * * *", noopFire); err != nil {
		t.Fatalf("Failed to schedule: %v", err)
	}

	err := s.Schedule(1, "not a cron", noopFire)
	if !apperr.Is(err, apperr.ConfigInvalid) {
		t.Fatalf("Expected ConfigInvalid, got %v", err)
	}
	if !s.IsScheduled(1) {
		t.Error("Old entry should be kept when the new expression is invalid")
	}
}

func TestUnscheduleIsIdempotent(t *testing.T) {
	s := NewScheduler(helpers.NewDiscardLogger())
	_ = s.Schedule(7, "0 2 * * 0", noopFire)

	s.Unschedule(7)
	s.Unschedule(7)
	s.Unschedule(99)

	if s.IsScheduled(7) {
		t.Error("Task should not be scheduled after unschedule")
	}
	if !s.Next(7).IsZero() {
		t.Error("Next should be zero for an unscheduled task")
	}
	if len(s.cron.Entries()) != 0 {
		t.Errorf("Expected no cron entries, got %d", len(s.cron.Entries()))
	}
}

func TestFireRecoversPanic(t *testing.T) {
	s := NewScheduler(helpers.NewDiscardLogger())
	called := make(chan uint, 1)

	s.fire(3, func(ctx context.Context, id uint) {
		called <- id
		panic("boom")
	})

	select {
	case id := <-called:
		if id != 3 {
			t.Errorf("Expected task 3, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("fire was not invoked")
	}
}

func TestStartStop(t *testing.T) {
	s := NewScheduler(helpers.NewDiscardLogger())
	if err := s.AddSystemJob("clean-logs", "30 3 * * *", func(context.Context) {}); err != nil {
		t.Fatalf("Failed to add system job: %v", err)
	}
	if err := s.AddSystemJob("bad", "61 * * * *", func(context.Context) {}); err == nil {
		t.Error("Expected error for invalid system job expression")
	}
	if s.Len() != 0 {
		t.Errorf("System jobs should not count as tasks, got %d", s.Len())
	}

	s.Start()
	s.Start()
	if s.Status() != SchedulerStatusRunning {
		t.Errorf("Expected status %s, got %s", SchedulerStatusRunning, s.Status())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Status() != SchedulerStatusStopped {
		t.Errorf("Expected status %s, got %s", SchedulerStatusStopped, s.Status())
	}
	if s.ctx.Err() == nil {
		t.Error("Running jobs should see a cancelled context after stop")
	}
}
