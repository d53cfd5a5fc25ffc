package orgs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper periodically flags overdue invitations as expired
type Sweeper struct {
	invitations *InvitationResolver
	cron        *cron.Cron
	logger      *logrus.Logger
	timeout     time.Duration
}

// NewSweeper schedules ExpireStale on a cron spec such as "@every 15m"
func NewSweeper(invitations *InvitationResolver, schedule string, logger *logrus.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Sweeper{
		invitations: invitations,
		cron:        cron.New(),
		logger:      logger,
		timeout:     30 * time.Second,
	}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one expiry pass
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.invitations.ExpireStale(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Invitation sweep failed")
		return
	}
	if n > 0 {
		s.logger.WithField("expired", n).Info("Flagged overdue invitations as expired")
	}
}
