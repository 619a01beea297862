package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"campusq/queue-service/internal/models"
)

type fakeSchedulerStore struct {
	resolve  func(ctx context.Context, date time.Time) (models.Session, error)
	close    func(ctx context.Context, date time.Time) (int, error)
	finalize func(ctx context.Context, olderThan time.Duration, batchSize int) (int, error)
}

func (f *fakeSchedulerStore) ResolveActiveSession(ctx context.Context, date time.Time) (models.Session, error) {
	return f.resolve(ctx, date)
}

func (f *fakeSchedulerStore) CloseSessions(ctx context.Context, date time.Time) (int, error) {
	return f.close(ctx, date)
}

func (f *fakeSchedulerStore) FinalizeStaleTickets(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	return f.finalize(ctx, olderThan, batchSize)
}

func TestNewRejectsBadCronSpec(t *testing.T) {
	_, err := New(Config{OpenSpec: "not a cron spec"}, &fakeSchedulerStore{})
	if err == nil {
		t.Fatal("expected an error for a malformed cron spec")
	}
}

func TestRunJobRecoversFromPanic(t *testing.T) {
	d := &Daemon{jobWait: time.Second}
	job := d.runJob("panicky", func(ctx context.Context) error {
		panic("boom")
	})
	// Must not crash the test binary.
	job()
}

func TestRunJobPassesDeadline(t *testing.T) {
	d := &Daemon{jobWait: time.Second}
	var hadDeadline bool
	job := d.runJob("check", func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return errors.New("reported, not fatal")
	})
	job()
	if !hadDeadline {
		t.Fatal("job context should carry a deadline")
	}
}

func TestSweepJobUsesConfiguredWindow(t *testing.T) {
	type sweepArgs struct {
		olderThan time.Duration
		batch     int
	}
	swept := make(chan sweepArgs, 1)
	store := &fakeSchedulerStore{
		resolve: func(ctx context.Context, date time.Time) (models.Session, error) {
			return models.Session{SessionNumber: 1}, nil
		},
		close: func(ctx context.Context, date time.Time) (int, error) { return 0, nil },
		finalize: func(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
			select {
			case swept <- sweepArgs{olderThan, batchSize}:
			default:
			}
			return 0, nil
		},
	}
	d, err := New(Config{
		SweepEvery:     20 * time.Millisecond,
		SweepOlderThan: 48 * time.Hour,
		SweepBatchSize: 25,
	}, store)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	d.Start()
	defer d.Stop()

	select {
	case got := <-swept:
		if got.olderThan != 48*time.Hour {
			t.Fatalf("olderThan = %v, want 48h", got.olderThan)
		}
		if got.batch != 25 {
			t.Fatalf("batchSize = %d, want 25", got.batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep job never ran")
	}
}
