package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/segurapp/backoffice/internal/domain"
)

// EditMode is the strategy chosen for a reschedule request, based on how
// close the current schedule is to firing.
type EditMode string

const (
	// EditModeNormal updates the record and re-arms; there is ample margin
	// before any possible fire.
	EditModeNormal EditMode = "normal_edit"
	// EditModeForceCancel halts the armed timer under an explicit editing
	// status before touching the schedule.
	EditModeForceCancel EditMode = "force_cancel"
	// EditModeCancelAndCreate leaves the old timer alone, cancels the record
	// it points at and reschedules under a brand-new identity.
	EditModeCancelAndCreate EditMode = "cancel_and_create"
)

const (
	// Above this margin a plain conditional update is safe.
	normalEditWindow = 10 * time.Minute
	// Below normalEditWindow but above this margin the timer is force-
	// cancelled first. Below it, even a forced cancel can lose the race
	// against a dispatched send, so the edit switches identities instead.
	forceCancelWindow = 2 * time.Minute
)

// DefaultRecoveryGrace is how far past its scheduled date a notification may
// be on startup and still be fired late instead of marked failed.
const DefaultRecoveryGrace = 5 * time.Minute

const cancelReasonSuperseded = "superseded by edit"

// Coordinator owns every schedule mutation: create, reschedule, cancel and
// startup recovery. It decides how a reschedule interacts with a potentially
// armed timer and executes that strategy against the repository and the
// timer registry. All repository writes are conditional updates, so a
// concurrent delivery transition is never silently clobbered.
type Coordinator struct {
	repo          Repository
	timers        *TimerRegistry
	pipeline      *Pipeline
	recoveryGrace time.Duration
	clock         func() time.Time
}

// NewCoordinator creates a coordinator. A recoveryGrace of zero uses
// DefaultRecoveryGrace.
func NewCoordinator(repo Repository, timers *TimerRegistry, pipeline *Pipeline, recoveryGrace time.Duration) *Coordinator {
	if recoveryGrace <= 0 {
		recoveryGrace = DefaultRecoveryGrace
	}
	return &Coordinator{
		repo:          repo,
		timers:        timers,
		pipeline:      pipeline,
		recoveryGrace: recoveryGrace,
		clock:         time.Now,
	}
}

// ScheduleInput contains the data for a new scheduled notification.
type ScheduleInput struct {
	Key           domain.CorrelationKey
	ChannelID     string
	ScheduledDate time.Time
	Payload       domain.NotificationPayload
}

// Schedule validates the input, persists a new record and arms its timer.
// A second active notification for the same correlation key is rejected
// with ErrDuplicateActive.
func (c *Coordinator) Schedule(ctx context.Context, in ScheduleInput) (*domain.ScheduledNotification, error) {
	if in.Key.PolicyNumber == "" || in.Key.CaseNumber == "" || in.Key.Type == "" {
		return nil, ErrInvalidKey
	}
	if in.ChannelID == "" {
		return nil, ErrInvalidChannel
	}

	now := c.clock()
	if !in.ScheduledDate.After(now) {
		return nil, ErrPastDate
	}

	record := &domain.ScheduledNotification{
		ID:              uuid.NewString(),
		PolicyNumber:    in.Key.PolicyNumber,
		CaseNumber:      in.Key.CaseNumber,
		Type:            in.Key.Type,
		Status:          domain.NotificationStatusScheduled,
		TargetChannelID: in.ChannelID,
		Payload:         in.Payload,
		ScheduledDate:   in.ScheduledDate,
		LastScheduledAt: timePtr(now),
	}

	if err := c.repo.Create(ctx, record); err != nil {
		return nil, err
	}

	c.timers.Arm(record.ID, record.ScheduledDate, c.fire)
	notificationsScheduled.Inc()

	slog.Info("notification scheduled",
		"id", record.ID,
		"policy", record.PolicyNumber,
		"case", record.CaseNumber,
		"type", record.Type,
		"scheduled_date", record.ScheduledDate,
	)
	return record, nil
}

// EditResult reports the outcome of a reschedule.
type EditResult struct {
	Mode         EditMode
	Notification *domain.ScheduledNotification
	// NewID is set when the edit recreated the notification under a new
	// identity (cancel-and-create mode).
	NewID string
}

// Edit changes the scheduled date of a notification. The strategy depends on
// how close the edit is to a firing: with more than ten minutes of margin a
// plain update suffices; between two and ten minutes the armed timer is
// halted first under the editing status; inside the final two minutes the
// original timer is not touched at all. Instead the record is cancelled and
// a replacement is created under a new id, leaving the old timer to be
// rejected by the delivery pipeline's staleness checks.
func (c *Coordinator) Edit(ctx context.Context, id string, newDate time.Time) (*EditResult, error) {
	now := c.clock()
	if !newDate.After(now) {
		return nil, ErrPastDate
	}

	record, err := c.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status.IsTerminal() {
		return nil, ErrNotEditable
	}

	// The margin that matters is the smaller of the two: the current
	// schedule, because its timer may fire during the edit, and the new one,
	// because its timer is about to be armed against a freshly mutated record.
	timeToExecution := record.ScheduledDate.Sub(now)
	if untilNew := newDate.Sub(now); untilNew < timeToExecution {
		timeToExecution = untilNew
	}

	var result *EditResult
	switch {
	case timeToExecution > normalEditWindow:
		result, err = c.normalEdit(ctx, record, newDate, now)
	case timeToExecution >= forceCancelWindow:
		result, err = c.forceCancelEdit(ctx, record, newDate, now)
	default:
		result, err = c.cancelAndCreate(ctx, record, newDate, now)
	}
	if err != nil {
		return nil, err
	}

	recordEdit(result.Mode)
	slog.Info("notification rescheduled",
		"id", id,
		"mode", result.Mode,
		"new_id", result.NewID,
		"time_to_execution", timeToExecution,
		"new_date", newDate,
	)
	return result, nil
}

// normalEdit applies the new date directly and re-arms.
func (c *Coordinator) normalEdit(ctx context.Context, record *domain.ScheduledNotification, newDate, now time.Time) (*EditResult, error) {
	updated, err := c.repo.ConditionalUpdate(ctx, record.ID, domain.ActiveStatuses, UpdatePatch{
		Status:          statusPtr(domain.NotificationStatusScheduled),
		ScheduledDate:   timePtr(newDate),
		LastScheduledAt: timePtr(now),
	})
	if err != nil {
		return nil, c.resolveConflict(ctx, record.ID, err)
	}

	c.timers.Arm(updated.ID, updated.ScheduledDate, c.fire)
	return &EditResult{Mode: EditModeNormal, Notification: updated}, nil
}

// forceCancelEdit takes the editing status, synchronously stops the timer,
// confirms delivery did not slip in between, then applies the new date and
// re-arms. The editing status doubles as a cross-process edit lock: the
// delivery pipeline refuses to fire a record in it.
func (c *Coordinator) forceCancelEdit(ctx context.Context, record *domain.ScheduledNotification, newDate, now time.Time) (*EditResult, error) {
	_, err := c.repo.ConditionalUpdate(ctx, record.ID,
		[]domain.NotificationStatus{domain.NotificationStatusPending, domain.NotificationStatusScheduled},
		UpdatePatch{Status: statusPtr(domain.NotificationStatusEditing)},
	)
	if err != nil {
		return nil, c.resolveConflict(ctx, record.ID, err)
	}

	c.timers.Cancel(record.ID)

	// The cancel is not proof: a delivery could have claimed the record a
	// few milliseconds before the editing transition. Re-read and confirm.
	reread, err := c.repo.Find(ctx, record.ID)
	if err != nil {
		c.releaseEditLock(ctx, record)
		return nil, err
	}
	if reread.Status == domain.NotificationStatusSent || reread.Status == domain.NotificationStatusProcessing {
		return nil, ErrAlreadySent
	}

	updated, err := c.repo.ConditionalUpdate(ctx, record.ID,
		[]domain.NotificationStatus{domain.NotificationStatusEditing},
		UpdatePatch{
			Status:          statusPtr(domain.NotificationStatusScheduled),
			ScheduledDate:   timePtr(newDate),
			LastScheduledAt: timePtr(now),
		},
	)
	if err != nil {
		c.releaseEditLock(ctx, record)
		return nil, fmt.Errorf("release editing status: %w", err)
	}

	c.timers.Arm(updated.ID, updated.ScheduledDate, c.fire)
	return &EditResult{Mode: EditModeForceCancel, Notification: updated}, nil
}

// releaseEditLock rolls a failed force-cancel edit back to scheduled under
// the original date and re-arms the timer, so an aborted edit never leaves
// the record locked. Best effort: if the rollback itself fails, startup
// recovery releases the lock instead.
func (c *Coordinator) releaseEditLock(ctx context.Context, record *domain.ScheduledNotification) {
	released, err := c.repo.ConditionalUpdate(ctx, record.ID,
		[]domain.NotificationStatus{domain.NotificationStatusEditing},
		UpdatePatch{Status: statusPtr(domain.NotificationStatusScheduled)},
	)
	if err != nil {
		slog.Error("failed to release editing status after aborted edit",
			"id", record.ID,
			"policy", record.PolicyNumber,
			"error", err,
		)
		return
	}
	c.timers.Arm(released.ID, released.ScheduledDate, c.fire)
}

// cancelAndCreate supersedes the record without racing its timer. The old
// timer keeps running; when it fires it finds a cancelled record and aborts.
func (c *Coordinator) cancelAndCreate(ctx context.Context, record *domain.ScheduledNotification, newDate, now time.Time) (*EditResult, error) {
	_, err := c.repo.ConditionalUpdate(ctx, record.ID, domain.ActiveStatuses, UpdatePatch{
		Status:       statusPtr(domain.NotificationStatusCancelled),
		CancelReason: stringPtr(cancelReasonSuperseded),
	})
	if err != nil {
		return nil, c.resolveConflict(ctx, record.ID, err)
	}

	replacement := &domain.ScheduledNotification{
		ID:              uuid.NewString(),
		PolicyNumber:    record.PolicyNumber,
		CaseNumber:      record.CaseNumber,
		Type:            record.Type,
		Status:          domain.NotificationStatusScheduled,
		TargetChannelID: record.TargetChannelID,
		Payload:         record.Payload,
		ScheduledDate:   newDate,
		LastScheduledAt: timePtr(now),
	}

	if err := c.repo.Create(ctx, replacement); err != nil {
		return nil, fmt.Errorf("create replacement notification: %w", err)
	}

	c.timers.Arm(replacement.ID, replacement.ScheduledDate, c.fire)
	return &EditResult{
		Mode:         EditModeCancelAndCreate,
		Notification: replacement,
		NewID:        replacement.ID,
	}, nil
}

// Cancel cancels an active notification and its timer.
func (c *Coordinator) Cancel(ctx context.Context, id, reason string) error {
	record, err := c.repo.Find(ctx, id)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return ErrNotEditable
	}

	if reason == "" {
		reason = "cancelled by operator"
	}

	if _, err := c.repo.ConditionalUpdate(ctx, id, domain.ActiveStatuses, UpdatePatch{
		Status:       statusPtr(domain.NotificationStatusCancelled),
		CancelReason: stringPtr(reason),
	}); err != nil {
		return c.resolveConflict(ctx, id, err)
	}

	c.timers.Cancel(id)
	notificationsCancelled.Inc()

	slog.Info("notification cancelled", "id", id, "reason", reason)
	return nil
}

// RecoverOnStartup rebuilds the timer registry from the repository. Timers
// never survive a restart, so every active record is revisited: future
// schedules are re-armed, schedules overdue by at most the grace window are
// fired immediately (the pipeline re-validates before sending), anything
// older is marked failed. Records stuck in processing were mid-delivery
// when the process died; whether the send happened is unknowable, so they
// fail rather than risk a duplicate.
func (c *Coordinator) RecoverOnStartup(ctx context.Context) error {
	records, err := c.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active notifications: %w", err)
	}

	now := c.clock()
	rearmed, late, expired, released := 0, 0, 0, 0

	for i := range records {
		record := &records[i]

		// A crash mid-edit leaves the editing lock held with no owner.
		// Release it back to scheduled and classify the record like any
		// other survivor.
		if record.Status == domain.NotificationStatusEditing {
			unlocked, err := c.repo.ConditionalUpdate(ctx, record.ID,
				[]domain.NotificationStatus{domain.NotificationStatusEditing},
				UpdatePatch{Status: statusPtr(domain.NotificationStatusScheduled)},
			)
			if err != nil {
				slog.Error("failed to release editing status during recovery",
					"id", record.ID,
					"error", err,
				)
				continue
			}
			record = unlocked
			recordRecovery("released_edit")
			released++
		}

		if record.Status == domain.NotificationStatusProcessing {
			c.markRecoveryFailure(ctx, record, "process restarted during delivery")
			recordRecovery("failed_in_flight")
			expired++
			continue
		}

		overdue := now.Sub(record.ScheduledDate)
		switch {
		case overdue > c.recoveryGrace:
			c.markRecoveryFailure(ctx, record, fmt.Sprintf("missed schedule by %s while offline", overdue.Round(time.Second)))
			recordRecovery("expired")
			expired++
		case overdue > 0:
			// Arming with the original date keeps the fire-time date check
			// consistent; the registry fires past dates immediately.
			c.timers.Arm(record.ID, record.ScheduledDate, c.fire)
			recordRecovery("fired_late")
			late++
		default:
			c.timers.Arm(record.ID, record.ScheduledDate, c.fire)
			recordRecovery("rearmed")
			rearmed++
		}
	}

	slog.Info("timer registry recovered",
		"active", len(records),
		"rearmed", rearmed,
		"fired_late", late,
		"failed", expired,
		"released_edits", released,
	)
	return nil
}

func (c *Coordinator) markRecoveryFailure(ctx context.Context, record *domain.ScheduledNotification, reason string) {
	if _, err := c.repo.ConditionalUpdate(ctx, record.ID, domain.ActiveStatuses, UpdatePatch{
		Status:    statusPtr(domain.NotificationStatusFailed),
		LastError: stringPtr(reason),
	}); err != nil {
		slog.Error("failed to mark notification during recovery",
			"id", record.ID,
			"reason", reason,
			"error", err,
		)
		return
	}
	slog.Warn("notification failed during recovery",
		"id", record.ID,
		"policy", record.PolicyNumber,
		"case", record.CaseNumber,
		"reason", reason,
	)
}

// resolveConflict turns a status conflict into the most informative error:
// if the record reached sent or processing in the meantime the edit is too
// late, otherwise the conflict is surfaced as-is.
func (c *Coordinator) resolveConflict(ctx context.Context, id string, err error) error {
	if !errors.Is(err, ErrStatusConflict) {
		return err
	}
	record, findErr := c.repo.Find(ctx, id)
	if findErr != nil {
		return err
	}
	if record.Status == domain.NotificationStatusSent || record.Status == domain.NotificationStatusProcessing {
		return ErrAlreadySent
	}
	return err
}

// fire is the timer callback. The armed metadata must be read before the
// pipeline removes the bookkeeping; if it is already gone, a cancel won the
// race and there is nothing to deliver.
func (c *Coordinator) fire(id string) {
	meta, ok := c.timers.ArmedMetadata(id)
	if !ok {
		return
	}
	c.pipeline.Fire(context.Background(), id, meta)
}
