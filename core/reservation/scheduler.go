package reservation

import (
	"context"
	"time"

	"github.com/mbaur/myshop/api/background"
	"github.com/sirupsen/logrus"
)

// Scheduler owns the sweeper's lifecycle: it runs one sweep per interval
// until stopped. Keeping the timer here, not in the entrypoint, means a test
// can call Sweep directly instead of waiting on the wall clock.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	bg       *background.Background
	log      logrus.FieldLogger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(sweeper *Sweeper, interval time.Duration, bg *background.Background, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		bg:       bg,
		log:      log,
	}
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.bg.Run(func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				res := s.sweeper.Sweep(ctx)

				log := s.log.WithFields(logrus.Fields{
					"expired":  res.ExpiredReservations,
					"released": len(res.ReleasedProducts),
					"errors":   len(res.Errors),
				})
				if len(res.Errors) > 0 {
					log.WithField("details", res.Errors).Error("reservation sweep completed with errors")
				} else if res.ExpiredReservations > 0 {
					log.Info("reservation sweep completed")
				}

			case <-ctx.Done():
				return
			}
		}
	})
}

// Stop halts the timer and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
