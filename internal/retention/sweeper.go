package retention

import (
	"context"
	"time"

	"change-sync/internal/account"
	"change-sync/internal/logging"
)

// Sweeper drives time-based retention on a recurring timer. Each tick
// reschedules itself via the ticker; callers of push/pull are never blocked
// because sweeps queue behind other actor operations like any request.
type Sweeper struct {
	manager  *account.Manager
	interval time.Duration
	log      *logging.Logger
	stop     chan struct{}
	done     chan struct{}
}

func NewSweeper(manager *account.Manager, interval time.Duration, log *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		log:      log.With("sweeper"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.log.Debugf("sweep pass starting")
			s.manager.SweepAll(context.Background(), time.Now().UTC())
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
