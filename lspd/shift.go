package lspd

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"time"
)

var (
	// ErrAlreadyOpen is returned when clocking in while a shift is open
	ErrAlreadyOpen = errors.New("shift already open")

	// ErrNotOpen is returned when clocking out with no open shift
	ErrNotOpen = errors.New("no open shift")

	// ErrEmptyRange is returned when a report's start date is after its end date
	ErrEmptyRange = errors.New("start date is after end date")
)

// StorageError wraps a failure from the backing store: connectivity,
// timeouts and constraint violations.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("clock store: %s: %s", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Conflict reports whether the failure was a unique constraint violation.
func (e *StorageError) Conflict() bool {
	return isUniqueViolation(e.Err)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ShiftCloser identifies what closed a shift
type ShiftCloser string

const (
	ShiftClosedBySubject ShiftCloser = "subject"
	ShiftClosedByMonitor ShiftCloser = "monitor"
	ShiftClosedByAdmin   ShiftCloser = "admin"
)

// ShiftRecord is a single clock-in/clock-out session. A nil ClockOutAt
// means the shift is open.
type ShiftRecord struct {
	ID string `gorm:"primaryKey;type:varchar(36)" json:"id"`

	// SubjectID is the Discord user ID
	SubjectID string `gorm:"type:string;not null;index" json:"subject_id"`

	// SubjectName is the display name captured at clock-in
	SubjectName string `gorm:"type:string;not null" json:"subject_name"`

	ClockInAt  time.Time  `gorm:"not null;index" json:"clock_in_at"`
	ClockOutAt *time.Time `json:"clock_out_at,omitempty"`

	// OverdueNotifiedAt is set once the subject has been reminded
	// about an overdue shift
	OverdueNotifiedAt *time.Time `json:"overdue_notified_at,omitempty"`

	ClosedBy ShiftCloser `gorm:"type:string" json:"closed_by,omitempty"`
}

// Open reports whether the shift hasn't been clocked out yet
func (s ShiftRecord) Open() bool {
	return s.ClockOutAt == nil
}

// Duration returns the length of a closed shift, or the time elapsed
// since clock-in (relative to now) for an open one. Never negative.
func (s ShiftRecord) Duration(now time.Time) time.Duration {
	end := now
	if s.ClockOutAt != nil {
		end = *s.ClockOutAt
	}
	d := end.Sub(s.ClockInAt)
	if d < 0 {
		return 0
	}
	return d
}

// ClockStore persists ShiftRecord entities. There's no caching, every
// call goes to the backing store.
type ClockStore interface {
	// InsertOpen creates a new open shift and returns its ID
	InsertOpen(ctx context.Context, subjectID, subjectName string, clockInAt time.Time) (
		string,
		error,
	)

	// FindOpen returns the subject's open shift, or nil if there isn't one
	FindOpen(ctx context.Context, subjectID string) (*ShiftRecord, error)

	// Close sets ClockOutAt on an open shift. Returns ErrNotOpen if the
	// shift doesn't exist or was already closed.
	Close(ctx context.Context, id string, clockOutAt time.Time, closedBy ShiftCloser) error

	// ListClosedInRange returns closed shifts with ClockInAt in
	// [start, end], ordered by ClockInAt ascending
	ListClosedInRange(ctx context.Context, start, end time.Time) ([]ShiftRecord, error)

	// ListOpenOlderThan returns open shifts whose age is >= threshold
	ListOpenOlderThan(ctx context.Context, threshold time.Duration) ([]ShiftRecord, error)

	// ClearAll deletes every shift record
	ClearAll(ctx context.Context) (int64, error)

	// MarkNotified records when the subject was reminded of an overdue shift
	MarkNotified(ctx context.Context, id string, at time.Time) error

	// ListOpen returns every open shift, oldest first
	ListOpen(ctx context.Context) ([]ShiftRecord, error)

	// ListBySubject returns a subject's shifts with ClockInAt in
	// [start, end], open or closed
	ListBySubject(ctx context.Context, subjectID string, start, end time.Time) (
		[]ShiftRecord,
		error,
	)
}

// gormClockStore is a ClockStore backed by gorm. Writes go
// through DBI, reads use the underlying connection directly.
type gormClockStore struct {
	db  DBI
	now func() time.Time
}

// NewClockStore returns a ClockStore using the given database. now is
// used to compute shift age, and defaults to time.Now.
func NewClockStore(db DBI, now func() time.Time) ClockStore {
	if now == nil {
		now = time.Now
	}
	return &gormClockStore{db: db, now: now}
}

func (s *gormClockStore) read(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := withTimeout(ctx)
	return s.db.DB().WithContext(ctx), cancel
}

func (s *gormClockStore) InsertOpen(
	ctx context.Context,
	subjectID, subjectName string,
	clockInAt time.Time,
) (string, error) {
	rec := &ShiftRecord{
		ID:          uuid.NewString(),
		SubjectID:   subjectID,
		SubjectName: subjectName,
		ClockInAt:   clockInAt.UTC(),
	}
	if _, err := s.db.Create(ctx, rec); err != nil {
		return "", storageErr("insert_open", err)
	}
	return rec.ID, nil
}

func (s *gormClockStore) FindOpen(ctx context.Context, subjectID string) (
	*ShiftRecord,
	error,
) {
	db, cancel := s.read(ctx)
	defer cancel()

	var recs []ShiftRecord
	err := db.Where("subject_id = ? AND clock_out_at IS NULL", subjectID).
		Limit(1).
		Find(&recs).Error
	if err != nil {
		return nil, storageErr("find_open", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (s *gormClockStore) Close(
	ctx context.Context,
	id string,
	clockOutAt time.Time,
	closedBy ShiftCloser,
) error {
	rows, err := s.db.UpdatesWhere(
		ctx,
		&ShiftRecord{},
		map[string]any{
			"clock_out_at": clockOutAt.UTC(),
			"closed_by":    closedBy,
		},
		"id = ? AND clock_out_at IS NULL",
		id,
	)
	if err != nil {
		return storageErr("close", err)
	}
	if rows == 0 {
		return ErrNotOpen
	}
	return nil
}

func (s *gormClockStore) ListClosedInRange(
	ctx context.Context,
	start, end time.Time,
) ([]ShiftRecord, error) {
	db, cancel := s.read(ctx)
	defer cancel()

	recs := []ShiftRecord{}
	err := db.Where(
		"clock_out_at IS NOT NULL AND clock_in_at >= ? AND clock_in_at <= ?",
		start.UTC(), end.UTC(),
	).Order("clock_in_at asc").Find(&recs).Error
	if err != nil {
		return nil, storageErr("list_closed_in_range", err)
	}
	return recs, nil
}

func (s *gormClockStore) ListOpenOlderThan(
	ctx context.Context,
	threshold time.Duration,
) ([]ShiftRecord, error) {
	db, cancel := s.read(ctx)
	defer cancel()

	cutoff := s.now().UTC().Add(-threshold)
	recs := []ShiftRecord{}
	err := db.Where(
		"clock_out_at IS NULL AND clock_in_at <= ?",
		cutoff,
	).Order("clock_in_at asc").Find(&recs).Error
	if err != nil {
		return nil, storageErr("list_open_older_than", err)
	}
	return recs, nil
}

func (s *gormClockStore) ClearAll(ctx context.Context) (int64, error) {
	rows, err := s.db.Delete(ctx, &ShiftRecord{}, "1 = 1")
	if err != nil {
		return 0, storageErr("clear_all", err)
	}
	return rows, nil
}

func (s *gormClockStore) MarkNotified(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.UpdatesWhere(
		ctx,
		&ShiftRecord{},
		map[string]any{"overdue_notified_at": at.UTC()},
		"id = ?",
		id,
	)
	return storageErr("mark_notified", err)
}

func (s *gormClockStore) ListOpen(ctx context.Context) ([]ShiftRecord, error) {
	db, cancel := s.read(ctx)
	defer cancel()

	recs := []ShiftRecord{}
	err := db.Where("clock_out_at IS NULL").Order("clock_in_at asc").Find(&recs).Error
	if err != nil {
		return nil, storageErr("list_open", err)
	}
	return recs, nil
}

func (s *gormClockStore) ListBySubject(
	ctx context.Context,
	subjectID string,
	start, end time.Time,
) ([]ShiftRecord, error) {
	db, cancel := s.read(ctx)
	defer cancel()

	recs := []ShiftRecord{}
	err := db.Where(
		"subject_id = ? AND clock_in_at >= ? AND clock_in_at <= ?",
		subjectID, start.UTC(), end.UTC(),
	).Order("clock_in_at asc").Find(&recs).Error
	if err != nil {
		return nil, storageErr("list_by_subject", err)
	}
	return recs, nil
}
