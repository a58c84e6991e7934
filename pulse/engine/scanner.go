package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/async"
	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/sym"
)

// ScannerConfig contains configuration for the due-schedule scanner
type ScannerConfig struct {
	Interval   time.Duration // How often to look for due schedules
	BatchSize  int           // Schedules claimed per tick at most
	SweepEvery int           // Ticks between orphan sweeps; 0 disables them
}

// ScanResult counts what one tick did
type ScanResult struct {
	Claimed int // executions created
	Skipped int // fires advanced while the schedule was still busy
	Lost    int // claims won by another instance
}

// Scanner claims due schedules on a fixed tick. Claims are transactional,
// so any number of scanners may share a database.
type Scanner struct {
	schedules  *schedule.Store
	workerPool *async.WorkerPool // For system metrics in the tick log
	onClaim    func(*schedule.Schedule, *schedule.Execution)
	sweep      func(ctx context.Context, now time.Time)
	interval   time.Duration
	batchSize  int
	sweepEvery int64
	now        func() time.Time

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int
	lastResult      ScanResult
}

// NewScanner creates a scanner. onClaim receives every created execution;
// sweep, if set, runs every SweepEvery ticks.
func NewScanner(
	store *schedule.Store,
	pool *async.WorkerPool,
	cfg ScannerConfig,
	onClaim func(*schedule.Schedule, *schedule.Execution),
	sweep func(ctx context.Context, now time.Time),
	now func() time.Time,
	log *zap.SugaredLogger,
) *Scanner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &Scanner{
		schedules:  store,
		workerPool: pool,
		onClaim:    onClaim,
		sweep:      sweep,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		sweepEvery: int64(cfg.SweepEvery),
		now:        now,
		pulseLog:   log.With("symbol", sym.Pulse),
		// Force the first tick to log
		lastActiveWork: -1,
	}
}

// Start begins the tick loop
func (s *Scanner) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.pulseLog.Infow("Pulse scanner started", "interval", s.interval, "batch", s.batchSize)
}

// Stop ends the tick loop and waits for the current tick
func (s *Scanner) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.pulseLog.Infow("Pulse scanner stopped")
}

func (s *Scanner) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			s.lastTickAt = now
			s.ticksSinceStart++
			tick := s.ticksSinceStart
			s.mu.Unlock()

			s.logNextFire(ctx, now)

			if _, err := s.Scan(ctx, now); err != nil && ctx.Err() == nil {
				// Don't spam logs - log errors at warn level
				s.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", tick)
			}
			if s.sweep != nil && s.sweepEvery > 0 && tick%s.sweepEvery == 0 {
				s.sweep(ctx, now)
			}
		}
	}
}

// Scan claims every schedule due at now, oldest first, up to the batch size
func (s *Scanner) Scan(ctx context.Context, now time.Time) (ScanResult, error) {
	var result ScanResult
	due, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return result, errors.Wrap(err, "failed to list due schedules")
	}

	for _, sch := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		scheduledFor := *sch.NextRunAt
		claim, err := s.schedules.ClaimDue(ctx, sch, now)
		if err != nil {
			if errors.Is(err, schedule.ErrStaleVersion) {
				result.Lost++
				s.pulseLog.Debugw("Fire claimed by another scanner", logger.FieldScheduleID, sch.ID)
				continue
			}
			// Continue with other schedules even if one fails
			s.pulseLog.Errorw("Failed to claim schedule", logger.FieldScheduleID, sch.ID, logger.FieldError, err)
			continue
		}

		if claim.Skipped {
			result.Skipped++
			s.pulseLog.Infow("Pulse fire skipped, previous execution still active",
				logger.FieldScheduleID, sch.ID,
				"name", sch.Name,
				logger.FieldScheduledFor, scheduledFor,
				logger.FieldNextRunAt, claim.NextRunAt)
			continue
		}

		result.Claimed++
		s.pulseLog.Infow(sym.Pending+" Pulse fire",
			logger.FieldScheduleID, sch.ID,
			"name", sch.Name,
			logger.FieldExecutionID, claim.Execution.ID,
			logger.FieldScheduledFor, scheduledFor,
			logger.FieldNextRunAt, claim.NextRunAt)
		if s.onClaim != nil {
			s.onClaim(sch, claim.Execution)
		}
	}

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()
	return result, nil
}

// logNextFire logs time until the next scheduled fire when queue activity changes
func (s *Scanner) logNextFire(ctx context.Context, now time.Time) {
	upcoming, err := s.schedules.ListUpcoming(ctx, 1)
	if err != nil {
		s.pulseLog.Warnw("Failed to get next scheduled fire", logger.FieldError, err)
		return
	}

	var activeWork int
	if s.workerPool != nil {
		qs := s.workerPool.Queue().Stats()
		activeWork = qs.Ready + qs.Running
	}

	// Only log if active work count has changed
	s.mu.Lock()
	hasChanged := activeWork != s.lastActiveWork
	s.lastActiveWork = activeWork
	s.mu.Unlock()
	if !hasChanged {
		return
	}

	// 1 symbol per 5 tasks, max 60
	pulseIndicator := ""
	if activeWork > 0 {
		numSymbols := (activeWork / 5) + 1
		if numSymbols > 60 {
			numSymbols = 60
		}
		pulseIndicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols)) + " "
	}

	if len(upcoming) == 0 || upcoming[0].NextRunAt == nil {
		if activeWork > 0 {
			s.pulseLog.Infow(fmt.Sprintf("%sPulse - no scheduled fires, %d tasks active", pulseIndicator, activeWork))
		} else {
			s.pulseLog.Infow("Pulse - no scheduled fires")
		}
		return
	}

	next := upcoming[0]
	timeUntil := next.NextRunAt.Sub(now)
	if timeUntil < 0 {
		timeUntil = 0
	}
	msg := fmt.Sprintf("%sPulse - next fire '%s' in %s", pulseIndicator, next.Name, timeUntil.Round(time.Second))
	if activeWork > 0 {
		msg += fmt.Sprintf(", %d tasks active", activeWork)
	}
	if s.workerPool != nil {
		metrics := s.workerPool.GetSystemMetrics()
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			metrics.WorkersActive, metrics.WorkersTotal,
			metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)
	}
	s.pulseLog.Infow(msg)
}

// GetStats returns scanner statistics
func (s *Scanner) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      s.lastTickAt,
		"ticks_since_start": s.ticksSinceStart,
		"interval":          s.interval.String(),
		"last_claimed":      s.lastResult.Claimed,
		"last_skipped":      s.lastResult.Skipped,
	}
}
