// Package scheduler implements the timed follow-up reminder core: the
// durable notification record, the in-process timer registry, the edit
// coordinator that arbitrates between concurrent edits and armed timers,
// and the delivery pipeline that re-validates state before sending.
package scheduler

import (
	"context"
	"time"

	"github.com/segurapp/backoffice/internal/domain"
)

// Repository is the durable store of scheduled notifications. It enforces
// that at most one record per (policy, case, type) is in an active status.
type Repository interface {
	// Create persists a new record. Returns ErrDuplicateActive when an
	// active record already exists for the same correlation key.
	Create(ctx context.Context, n *domain.ScheduledNotification) error

	// Find returns the record or ErrNotFound.
	Find(ctx context.Context, id string) (*domain.ScheduledNotification, error)

	// ConditionalUpdate applies patch only while the current status is one
	// of expected, and returns the updated record. Returns ErrStatusConflict
	// when the record exists but its status no longer matches, ErrNotFound
	// when it does not exist. This is the only mutation primitive; blind
	// overwrites are deliberately not part of the contract.
	ConditionalUpdate(ctx context.Context, id string, expected []domain.NotificationStatus, patch UpdatePatch) (*domain.ScheduledNotification, error)

	// ListActive returns every record in a non-terminal status, for startup
	// recovery. This includes records under the editing lock, which a crash
	// can leave behind.
	ListActive(ctx context.Context) ([]domain.ScheduledNotification, error)

	// CountByStatus returns record counts per status.
	CountByStatus(ctx context.Context) (map[domain.NotificationStatus]int, error)
}

// UpdatePatch is a partial update; nil fields are left untouched.
type UpdatePatch struct {
	Status              *domain.NotificationStatus
	ScheduledDate       *time.Time
	LastScheduledAt     *time.Time
	ProcessingStartedAt *time.Time
	SentAt              *time.Time
	RetryCount          *int
	LastError           *string
	CancelReason        *string
}

func statusPtr(s domain.NotificationStatus) *domain.NotificationStatus { return &s }
func timePtr(t time.Time) *time.Time                                   { return &t }
func intPtr(i int) *int                                                { return &i }
func stringPtr(s string) *string                                       { return &s }
