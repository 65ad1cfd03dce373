package lspd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ShiftTracker enforces the one-open-shift-per-subject rule on top of
// a ClockStore and computes shift durations.
//
// The check-then-write sequences aren't atomic by themselves. Two
// concurrent clock-ins for the same subject are resolved by the
// store's unique index on open shifts, and two concurrent clock-outs
// by the conditional update in ClockStore.Close.
type ShiftTracker struct {
	store  ClockStore
	logger *slog.Logger
}

func NewShiftTracker(store ClockStore, logger *slog.Logger) *ShiftTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShiftTracker{store: store, logger: logger}
}

// ClockIn opens a new shift for the subject. If the subject already has
// an open shift, ErrAlreadyOpen is returned and nothing is written.
func (t *ShiftTracker) ClockIn(
	ctx context.Context,
	subjectID, subjectName string,
	now time.Time,
) (*ShiftRecord, error) {
	existing, err := t.store.FindOpen(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrAlreadyOpen
	}

	now = now.UTC()
	id, err := t.store.InsertOpen(ctx, subjectID, subjectName, now)
	if err != nil {
		var se *StorageError
		if errors.As(err, &se) && se.Conflict() {
			t.logger.InfoContext(
				ctx,
				"concurrent clock-in rejected by store",
				"subject_id", subjectID,
			)
			return nil, ErrAlreadyOpen
		}
		return nil, err
	}

	rec := &ShiftRecord{
		ID:          id,
		SubjectID:   subjectID,
		SubjectName: subjectName,
		ClockInAt:   now,
	}
	t.logger.InfoContext(ctx, "clocked in", "subject_id", subjectID, "shift_id", id)
	return rec, nil
}

// ClockOut closes the subject's open shift and returns it along with
// its duration. ErrNotOpen is returned if there's no open shift.
func (t *ShiftTracker) ClockOut(
	ctx context.Context,
	subjectID string,
	now time.Time,
) (*ShiftRecord, time.Duration, error) {
	rec, err := t.store.FindOpen(ctx, subjectID)
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, ErrNotOpen
	}

	d, err := t.closeShift(ctx, rec, now, ShiftClosedBySubject)
	if err != nil {
		return nil, 0, err
	}
	t.logger.InfoContext(
		ctx,
		"clocked out",
		"subject_id", subjectID,
		"shift_id", rec.ID,
		"duration", d,
	)
	return rec, d, nil
}

// ForceClose closes an open shift on someone else's behalf (the
// monitor, or an administrator).
func (t *ShiftTracker) ForceClose(
	ctx context.Context,
	rec *ShiftRecord,
	now time.Time,
	closedBy ShiftCloser,
) (time.Duration, error) {
	d, err := t.closeShift(ctx, rec, now, closedBy)
	if err != nil {
		return 0, err
	}
	t.logger.InfoContext(
		ctx,
		"shift force-closed",
		"subject_id", rec.SubjectID,
		"shift_id", rec.ID,
		"closed_by", closedBy,
		"duration", d,
	)
	return d, nil
}

func (t *ShiftTracker) closeShift(
	ctx context.Context,
	rec *ShiftRecord,
	now time.Time,
	closedBy ShiftCloser,
) (time.Duration, error) {
	now = now.UTC()
	if now.Before(rec.ClockInAt) {
		now = rec.ClockInAt
	}
	if err := t.store.Close(ctx, rec.ID, now, closedBy); err != nil {
		return 0, err
	}
	rec.ClockOutAt = &now
	rec.ClosedBy = closedBy
	return rec.Duration(now), nil
}

// FormatDuration renders d as "{h}h {m}m {s}s", truncated to whole
// seconds. All three components are always present.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
}
