package lspd

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"log/slog"
	"sync/atomic"
	"time"
)

// errTickInProgress is returned by Monitor.Tick when another tick is
// still running.
var errTickInProgress = errors.New("monitor tick already in progress")

// OverdueNotifier delivers monitor notifications.
type OverdueNotifier interface {
	// NotifyOverdue privately tells the subject their shift has been
	// open for longer than the overdue threshold
	NotifyOverdue(ctx context.Context, rec ShiftRecord, age time.Duration) error

	// NotifyAutoClosed announces a shift closed by the monitor
	NotifyAutoClosed(ctx context.Context, rec ShiftRecord, d time.Duration) error
}

// TickResult summarizes a single monitor pass
type TickResult struct {
	Scanned  int `json:"scanned"`
	Notified int `json:"notified"`
	Closed   int `json:"closed"`
	Failed   int `json:"failed"`
}

func (r TickResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("scanned", r.Scanned),
		slog.Int("notified", r.Notified),
		slog.Int("closed", r.Closed),
		slog.Int("failed", r.Failed),
	)
}

// Monitor periodically looks for shifts left open longer than the
// overdue threshold. Depending on the policy it either reminds the
// subject once per shift, or closes the shift and announces it.
//
// Only one tick runs at a time. A tick that comes due while another
// is still running is skipped.
type Monitor struct {
	store     ClockStore
	tracker   *ShiftTracker
	notifier  OverdueNotifier
	policy    MonitorPolicy
	threshold time.Duration
	schedule  cron.Schedule
	now       func() time.Time

	// paused is checked at the start of each tick. A nil func
	// means never paused.
	paused func() bool

	running atomic.Bool
	logger  *slog.Logger
}

// NewMonitor builds a Monitor from config. The schedule must be a
// valid standard cron spec.
func NewMonitor(
	cfg MonitorConfig,
	store ClockStore,
	tracker *ShiftTracker,
	notifier OverdueNotifier,
	logger *slog.Logger,
) (*Monitor, error) {
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid monitor schedule %q: %w", cfg.Schedule, err)
	}
	switch cfg.Policy {
	case MonitorPolicyNotify, MonitorPolicyAutoClose:
	default:
		return nil, fmt.Errorf("invalid monitor policy: %q", cfg.Policy)
	}
	if cfg.OverdueThreshold <= 0 {
		return nil, fmt.Errorf("invalid overdue threshold: %s", cfg.OverdueThreshold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:     store,
		tracker:   tracker,
		notifier:  notifier,
		policy:    cfg.Policy,
		threshold: cfg.OverdueThreshold,
		schedule:  schedule,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// Run waits for ready to be closed, then runs ticks on the schedule
// until ctx is cancelled. If ctx is cancelled before ready, no ticks run.
func (m *Monitor) Run(ctx context.Context, ready <-chan struct{}) {
	logger := m.logger
	logger.InfoContext(ctx, "monitor waiting for discord session")
	select {
	case <-ctx.Done():
		logger.InfoContext(ctx, "monitor stopped before session was ready")
		return
	case <-ready:
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{logger: logger}),
		cron.WithChain(cron.Recover(cronLogger{logger: logger})),
	)
	c.Schedule(
		m.schedule,
		cron.FuncJob(
			func() {
				result, err := m.Tick(ctx)
				switch {
				case errors.Is(err, errTickInProgress):
					logger.WarnContext(ctx, "previous tick still running, skipping")
				case err != nil:
					logger.ErrorContext(ctx, "monitor tick failed", tint.Err(err), "result", result)
				default:
					logger.DebugContext(ctx, "monitor tick finished", "result", result)
				}
			},
		),
	)
	logger.InfoContext(
		ctx,
		"monitor started",
		"policy", m.policy,
		"overdue_threshold", m.threshold,
	)
	c.Start()
	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	logger.Info("monitor stopped")
}

// Tick runs a single pass over the overdue shifts.
//
// A failure notifying one subject is logged and the remaining subjects
// are still processed. A store error aborts the tick and is returned.
func (m *Monitor) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult
	if !m.running.CompareAndSwap(false, true) {
		return result, errTickInProgress
	}
	defer m.running.Store(false)

	if m.paused != nil && m.paused() {
		m.logger.DebugContext(ctx, "monitor paused, skipping tick")
		return result, nil
	}

	recs, err := m.store.ListOpenOlderThan(ctx, m.threshold)
	if err != nil {
		return result, err
	}
	result.Scanned = len(recs)

	for i := range recs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		rec := recs[i]
		logger := m.logger.With("subject_id", rec.SubjectID, "shift_id", rec.ID)

		switch m.policy {
		case MonitorPolicyAutoClose:
			d, closeErr := m.tracker.ForceClose(ctx, &rec, m.now(), ShiftClosedByMonitor)
			if errors.Is(closeErr, ErrNotOpen) {
				logger.InfoContext(ctx, "shift closed before the monitor got to it")
				continue
			}
			if closeErr != nil {
				return result, closeErr
			}
			result.Closed++
			if notifyErr := m.notifier.NotifyAutoClosed(ctx, rec, d); notifyErr != nil {
				result.Failed++
				logger.ErrorContext(ctx, "error announcing auto-closed shift", tint.Err(notifyErr))
			}
		default:
			if rec.OverdueNotifiedAt != nil {
				continue
			}
			now := m.now()
			if notifyErr := m.notifier.NotifyOverdue(ctx, rec, rec.Duration(now)); notifyErr != nil {
				result.Failed++
				logger.WarnContext(ctx, "error notifying subject of overdue shift", tint.Err(notifyErr))
				continue
			}
			if markErr := m.store.MarkNotified(ctx, rec.ID, now); markErr != nil {
				return result, markErr
			}
			result.Notified++
		}
	}
	return result, nil
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error(msg, append([]any{tint.Err(err)}, keysAndValues...)...)
}
