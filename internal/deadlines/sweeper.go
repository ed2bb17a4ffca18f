package deadlines

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/medrex/clinic-timeline/pkg/interfaces"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// Sweeper marks pending deadlines whose day has passed as missed
type Sweeper struct {
	repo    interfaces.DeadlineRepository
	logger  *logrus.Entry
	cron    *cron.Cron
	timeout time.Duration
	now     func() time.Time
}

// NewSweeper creates a sweeper over repo
func NewSweeper(repo interfaces.DeadlineRepository, log *logger.Logger) *Sweeper {
	return &Sweeper{
		repo:    repo,
		logger:  log.WithComponent("deadline-sweeper"),
		timeout: time.Minute,
		now:     time.Now,
	}
}

// Sweep marks overdue pending deadlines missed and returns how many were
// marked. A deadline is overdue once the whole day it falls on has passed in
// its own location. A set rewritten by a cascade since it was listed is left
// for the next run.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	sets, err := s.repo.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	missed := 0
	for _, set := range sets {
		marked := 0
		for i := range set.Deadlines {
			d := &set.Deadlines[i]
			if d.Status != types.DeadlinePending {
				continue
			}
			if now.Before(day(d.Date).AddDate(0, 0, 1)) {
				continue
			}
			d.Status = types.DeadlineMissed
			marked++
		}
		if marked == 0 {
			continue
		}

		listedAt := set.UpdatedAt
		set.UpdatedAt = now
		replaced, err := s.repo.ReplaceIfUnchanged(ctx, set, listedAt)
		if err != nil {
			return missed, err
		}
		entry := s.logger.WithField("patient_ref", set.PatientRef)
		if !replaced {
			entry.Debug("Deadline set changed during sweep; skipped")
			continue
		}
		missed += marked
		entry.WithField("missed", marked).Info("Deadlines marked missed")
	}
	return missed, nil
}

// Start runs Sweep on the given cron schedule until Stop
func (s *Sweeper) Start(schedule string) error {
	c := cron.New(
		cron.WithLogger(cron.PrintfLogger(s.logger)),
		cron.WithChain(cron.Recover(cron.PrintfLogger(s.logger))),
	)
	if _, err := c.AddFunc(schedule, s.run); err != nil {
		return types.NewValidationError(types.ErrCodeInvalidInput, "invalid sweep schedule",
			map[string]interface{}{"schedule": schedule, "error": err.Error()})
	}
	s.cron = c
	c.Start()
	s.logger.WithField("schedule", schedule).Info("Deadline sweeper started")
	return nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Deadline sweep failed")
		return
	}
	if n > 0 {
		s.logger.WithField("missed", n).Info("Deadline sweep completed")
	}
}

// Stop waits for a running sweep to finish
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}
