package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/stockledger-backend/pkg/logger"
	"github.com/angelmondragon/stockledger-backend/pkg/metrics"
)

type reservationSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

type ReservationSweepJobParams struct {
	Logger  *logger.Logger
	Sweeper reservationSweeper
	Metrics *metrics.CronJobMetrics
}

// NewReservationSweepJob returns the job that reclaims holds whose TTL has
// lapsed, returning their quantity to available stock.
func NewReservationSweepJob(params ReservationSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("reservation sweeper required")
	}
	return &reservationSweepJob{
		logg:    params.Logger,
		sweeper: params.Sweeper,
		metrics: params.Metrics,
		now:     time.Now,
	}, nil
}

type reservationSweepJob struct {
	logg    *logger.Logger
	sweeper reservationSweeper
	metrics *metrics.CronJobMetrics
	now     func() time.Time
}

func (j *reservationSweepJob) Name() string { return "reservation-sweep" }

func (j *reservationSweepJob) Run(ctx context.Context) error {
	expired, err := j.sweeper.SweepExpired(ctx, j.now())
	if j.metrics != nil {
		j.metrics.AddItemsProcessed(j.Name(), expired)
	}
	if err != nil {
		// Partial progress still counts; the failed drafts come around on
		// the next cycle.
		return fmt.Errorf("reservation sweep (%d expired): %w", expired, err)
	}
	logCtx := j.logg.WithField(ctx, "reservations_expired", expired)
	j.logg.Info(logCtx, "reservation sweep complete")
	return nil
}
