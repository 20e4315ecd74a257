package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaymux/relaymux/internal/worker"
)

// scaleLoop implements the auto-scaling controller (spec §4.8): every
// ScaleTick it computes utilization and scales the pool up or down against
// the configured thresholds, subject to a global cooldown that prevents
// thrash.
func (p *Pool) scaleLoop(ctx context.Context) {
	ticker := time.NewTicker(p.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.maybeScale(ctx)
		}
	}
}

func (p *Pool) tickInterval() time.Duration {
	if p.cfg.ScaleTick <= 0 {
		return 10 * time.Second
	}
	return p.cfg.ScaleTick
}

func (p *Pool) maybeScale(ctx context.Context) {
	if time.Since(p.lastScale) < p.cfg.ScaleCooldown {
		return
	}

	p.mu.RLock()
	size := len(p.workers)
	var readyOrBusy, inFlight int
	for _, c := range p.workers {
		state := c.w.State()
		if state == worker.Ready || state == worker.Busy {
			readyOrBusy++
			inFlight += c.w.InFlight()
		}
	}
	p.mu.RUnlock()

	if readyOrBusy == 0 {
		return
	}

	capacity := readyOrBusy * p.cfg.MaxConcurrentPerWorker
	utilization := float64(inFlight) / float64(capacity)

	switch {
	case utilization >= p.cfg.ScaleUpThreshold && size < p.cfg.MaxInstances:
		if _, err := p.spawnWorker(ctx); err != nil {
			p.logger.Error("scale-up failed", zap.Error(err))
			return
		}
		p.lastScale = time.Now()
		if p.recorder != nil {
			p.recorder.ObserveScaleEvent(true)
		}
		p.logger.Info("scaled pool up", zap.Float64("utilization", utilization), zap.Int("size", size+1))

	case utilization <= p.cfg.ScaleDownThreshold && size > p.cfg.MinInstances:
		p.drainLeastLoaded()
		p.lastScale = time.Now()
		if p.recorder != nil {
			p.recorder.ObserveScaleEvent(false)
		}
		p.logger.Info("scaled pool down", zap.Float64("utilization", utilization), zap.Int("size", size-1))
	}
}

// drainLeastLoaded marks the worker with the fewest in-flight requests as
// Draining: it accepts no new dispatches, finishes in-flight work, then is
// killed and removed once idle.
func (p *Pool) drainLeastLoaded() {
	p.mu.Lock()
	var target *workerConn
	for _, c := range p.workers {
		if c.w.State() == worker.Draining {
			continue
		}
		if target == nil || c.w.InFlight() < target.w.InFlight() {
			target = c
		}
	}
	p.mu.Unlock()

	if target == nil {
		return
	}
	target.w.SetState(worker.Draining)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.waitDrainAndRemove(target)
	}()
}

func (p *Pool) waitDrainAndRemove(conn *workerConn) {
	for conn.w.InFlight() > 0 {
		select {
		case <-p.stopCh:
			goto kill
		case <-time.After(50 * time.Millisecond):
		}
	}
kill:
	conn.w.Kill()
	p.mu.Lock()
	delete(p.workers, conn.w.ID)
	p.mu.Unlock()
}
