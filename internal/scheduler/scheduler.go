// Package scheduler runs the daily session open/close jobs and the stale
// ticket sweep on cron schedules.
package scheduler

import (
	"context"
	"log"
	"time"

	"campusq/queue-service/internal/models"

	"github.com/robfig/cron/v3"
)

// Store is the slice of the queue store the daemon drives. All three
// operations are idempotent, so overlapping runs from a second instance
// are harmless.
type Store interface {
	ResolveActiveSession(ctx context.Context, date time.Time) (models.Session, error)
	CloseSessions(ctx context.Context, date time.Time) (int, error)
	FinalizeStaleTickets(ctx context.Context, olderThan time.Duration, batchSize int) (int, error)
}

type Config struct {
	// Cron specs in the facility's local time.
	OpenSpec  string
	CloseSpec string
	// SweepEvery is converted to an @every spec.
	SweepEvery     time.Duration
	SweepOlderThan time.Duration
	SweepBatchSize int
	Location       *time.Location
}

// Daemon schedules the session lifecycle in the facility's timezone.
type Daemon struct {
	cron    *cron.Cron
	jobWait time.Duration
}

func New(cfg Config, store Store) (*Daemon, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	openSpec := cfg.OpenSpec
	if openSpec == "" {
		openSpec = "0 1 * * *"
	}
	closeSpec := cfg.CloseSpec
	if closeSpec == "" {
		closeSpec = "0 22 * * *"
	}
	sweepEvery := cfg.SweepEvery
	if sweepEvery <= 0 {
		sweepEvery = 10 * time.Minute
	}
	sweepOlderThan := cfg.SweepOlderThan
	if sweepOlderThan <= 0 {
		sweepOlderThan = 24 * time.Hour
	}

	d := &Daemon{
		cron:    cron.New(cron.WithLocation(loc)),
		jobWait: time.Minute,
	}

	if _, err := d.cron.AddFunc(openSpec, d.runJob("session open", func(ctx context.Context) error {
		session, err := store.ResolveActiveSession(ctx, time.Now())
		if err != nil {
			return err
		}
		log.Printf("scheduler: session %d open for %s", session.SessionNumber, session.SessionDate.Format("2006-01-02"))
		return nil
	})); err != nil {
		return nil, err
	}
	if _, err := d.cron.AddFunc(closeSpec, d.runJob("session close", func(ctx context.Context) error {
		closed, err := store.CloseSessions(ctx, time.Now())
		if err != nil {
			return err
		}
		if closed > 0 {
			log.Printf("scheduler: closed %d session(s)", closed)
		}
		return nil
	})); err != nil {
		return nil, err
	}
	if _, err := d.cron.AddFunc("@every "+sweepEvery.String(), d.runJob("stale sweep", func(ctx context.Context) error {
		processed, err := store.FinalizeStaleTickets(ctx, sweepOlderThan, cfg.SweepBatchSize)
		if err != nil {
			return err
		}
		if processed > 0 {
			log.Printf("scheduler: finalized %d stale ticket(s)", processed)
		}
		return nil
	})); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Daemon) Start() {
	d.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (d *Daemon) Stop() {
	<-d.cron.Stop().Done()
}

// runJob wraps a job body with a timeout and a panic guard so one bad run
// never kills the cron goroutine.
func (d *Daemon) runJob(name string, job func(ctx context.Context) error) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("scheduler: %s panicked: %v", name, r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), d.jobWait)
		defer cancel()
		if err := job(ctx); err != nil {
			log.Printf("scheduler: %s: %v", name, err)
		}
	}
}
