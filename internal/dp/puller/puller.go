// Package puller runs the dispatcher's three schedule-mode polling
// goroutines (spec §4.1.4): immediate, scheduled, and nightly, each with
// its own poll interval and a bounded-concurrency semaphore acquired
// before every claim attempt.
package puller

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/loomrun/loomrun/internal/common/config"
	"github.com/loomrun/loomrun/internal/common/logger"
	"github.com/loomrun/loomrun/internal/common/metrics"
	"github.com/loomrun/loomrun/internal/dp/cpclient"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// Dispatcher hands a claimed run through config resolution, workspace
// staging, container acquisition, and executor handoff. Puller only owns
// the claim loop and concurrency gate; Dispatch does everything after a
// successful claim and is responsible for releasing any resources it
// acquires on failure (spec §4.2.6).
type Dispatcher interface {
	Dispatch(ctx context.Context, claim *v1.RunClaimResponse) error
}

// Puller runs one schedule mode's poll loop.
type Puller struct {
	mode       v1.ScheduleMode
	interval   time.Duration
	workerID   string
	leaseSec   int
	cp         *cpclient.Client
	dispatcher Dispatcher
	sem        *semaphore.Weighted
	log        *logger.Logger
	metrics    *metrics.Registry

	nightlyStartUTC string
	nightlyMinutes  int
}

// Set runs all three schedule-mode pullers until ctx is cancelled.
type Set struct {
	pullers []*Puller
}

// NewSet builds the immediate/scheduled/nightly puller set from cfg.
func NewSet(cfg config.QueueConfig, workerID string, cp *cpclient.Client, dispatcher Dispatcher, log *logger.Logger, m *metrics.Registry) *Set {
	maxConcurrent := int64(cfg.MaxConcurrentTasks)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	build := func(mode v1.ScheduleMode, intervalMs int) *Puller {
		interval := time.Duration(intervalMs) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		return &Puller{
			mode:            mode,
			interval:        interval,
			workerID:        workerID,
			leaseSec:        cfg.LeaseSeconds,
			cp:              cp,
			dispatcher:      dispatcher,
			sem:             semaphore.NewWeighted(maxConcurrent),
			log:             log,
			metrics:         m,
			nightlyStartUTC: cfg.NightlyWindowStartUTC,
			nightlyMinutes:  cfg.NightlyWindowMinutes,
		}
	}

	return &Set{pullers: []*Puller{
		build(v1.ScheduleImmediate, cfg.ImmediatePollIntervalMs),
		build(v1.ScheduleScheduled, cfg.ScheduledPollIntervalMs),
		build(v1.ScheduleNightly, cfg.NightlyPollIntervalMs),
	}}
}

// Run starts all three pullers and blocks until ctx is done.
func (s *Set) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.pullers {
		wg.Add(1)
		go func(p *Puller) {
			defer wg.Done()
			p.run(ctx)
		}(p)
	}
	wg.Wait()
}

func (p *Puller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Puller) tick(ctx context.Context) {
	if p.mode == v1.ScheduleNightly && !p.nightlyWindowOpen(time.Now()) {
		return
	}

	if !p.sem.TryAcquire(1) {
		return // every concurrency slot is busy; try again next tick
	}

	go func() {
		defer p.sem.Release(1)
		p.claimAndDispatch(ctx)
	}()
}

func (p *Puller) claimAndDispatch(ctx context.Context) {
	claim, err := p.cp.Claim(ctx, p.workerID, p.leaseSec, []v1.ScheduleMode{p.mode})
	if err != nil {
		p.log.Error("claim failed", zap.String("mode", string(p.mode)), zap.Error(err))
		if p.metrics != nil {
			p.metrics.QueueClaimsTotal.WithLabelValues(string(p.mode), "error").Inc()
		}
		return
	}
	if claim == nil {
		if p.metrics != nil {
			p.metrics.QueueClaimsTotal.WithLabelValues(string(p.mode), "empty").Inc()
		}
		return // no eligible run
	}

	p.log.Info("run claimed",
		zap.String("mode", string(p.mode)),
		zap.String("run_id", claim.Run.ID),
		zap.String("session_id", claim.Run.SessionID),
	)

	if err := p.dispatcher.Dispatch(ctx, claim); err != nil {
		p.log.Error("dispatch failed",
			zap.String("run_id", claim.Run.ID),
			zap.Error(err),
		)
		if p.metrics != nil {
			p.metrics.QueueClaimsTotal.WithLabelValues(string(p.mode), "dispatch_failed").Inc()
		}
		// The dispatch path is responsible for calling FailRun and
		// releasing any container-pool slot it acquired (spec §4.2.6);
		// the slot this puller holds is released by the defer above
		// regardless of outcome.
		return
	}
	if p.metrics != nil {
		p.metrics.QueueClaimsTotal.WithLabelValues(string(p.mode), "dispatched").Inc()
	}
}

// nightlyWindowOpen mirrors internal/cp/queue's gating locally so the
// dispatcher doesn't burn a claim round-trip outside the configured
// window; the control plane enforces the same window authoritatively.
func (p *Puller) nightlyWindowOpen(now time.Time) bool {
	parts := strings.SplitN(p.nightlyStartUTC, ":", 2)
	if len(parts) != 2 {
		return false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return false
	}

	nowUTC := now.UTC()
	windowStart := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), h, m, 0, 0, time.UTC)
	windowEnd := windowStart.Add(time.Duration(p.nightlyMinutes) * time.Minute)

	if windowEnd.Day() != windowStart.Day() {
		return !nowUTC.Before(windowStart) || nowUTC.Before(windowEnd.Add(-24*time.Hour))
	}
	return !nowUTC.Before(windowStart) && nowUTC.Before(windowEnd)
}
