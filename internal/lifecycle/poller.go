package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"tradedeck/core/internal/state"
	"tradedeck/core/pkg/logger"
)

// Poller periodically reconciles the status tracker against the backend.
// It is the reactive half of the no-optimistic-update policy: run-states
// left unknown by timeouts converge here on the next successful fetch.
type Poller struct {
	cron     *cron.Cron
	coord    *Coordinator
	registry *state.Registry
	interval time.Duration
	log      *logger.Logger
}

// NewPoller creates a poller with the given refresh cadence.
func NewPoller(coord *Coordinator, registry *state.Registry, interval time.Duration, log *logger.Logger) *Poller {
	return &Poller{
		cron:     cron.New(),
		coord:    coord,
		registry: registry,
		interval: interval,
		log:      log,
	}
}

// Start schedules the periodic refresh.
func (p *Poller) Start() error {
	spec := fmt.Sprintf("@every %s", p.interval)
	if _, err := p.cron.AddFunc(spec, p.tick); err != nil {
		return err
	}
	p.cron.Start()
	p.log.Infof("Status poller started (every %s)", p.interval)
	return nil
}

// Stop stops the poller; a tick already running is allowed to finish.
func (p *Poller) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.log.Info("Status poller stopped")
}

func (p *Poller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	for _, bot := range p.registry.List() {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.coord.RefreshStatus(ctx, bot.ID); err != nil {
			p.log.Debugf("Status refresh for bot %s failed: %v", bot.ID, err)
		}
	}
}
