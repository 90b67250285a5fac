package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobFires(t *testing.T) {
	var calls atomic.Int32
	sched := New(nil)
	err := sched.AddJob("reconcile", "@every 1s", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- sched.Start(ctx) }()
	time.Sleep(1500 * time.Millisecond)
	cancel()
	<-done

	if calls.Load() == 0 {
		t.Error("expected at least one call")
	}
}

func TestInvalidSchedule(t *testing.T) {
	sched := New(nil)
	if err := sched.AddJob("remind", "invalid-cron", func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}
}

func TestAddJobReplacesSameName(t *testing.T) {
	sched := New(nil)
	noop := func(context.Context) error { return nil }
	sched.AddJob("remind", "@every 1h", noop)
	sched.AddJob("remind", "@every 2h", noop)
	sched.AddJob("reconcile", "*/10 * * * *", noop)

	jobs := sched.Jobs()
	if len(jobs) != 2 || jobs[0].Name != "reconcile" || jobs[1].Schedule != "@every 2h" {
		t.Errorf("jobs = %+v", jobs)
	}
	if len(sched.cron.Entries()) != 2 {
		t.Errorf("cron entries = %d", len(sched.cron.Entries()))
	}

	sched.RemoveJob("remind")
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d after remove", sched.JobCount())
	}
}

func TestRunNow(t *testing.T) {
	sched := New(nil)
	ran := false
	sched.AddJob("reconcile", "@every 1h", func(context.Context) error {
		ran = true
		return errors.New("store locked")
	})
	if err := sched.RunNow("reconcile"); err == nil || !ran {
		t.Errorf("RunNow err=%v ran=%v", err, ran)
	}
	if err := sched.RunNow("missing"); err == nil {
		t.Error("expected unknown job error")
	}
}
