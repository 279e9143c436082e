package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segurapp/backoffice/internal/domain"
)

// Messenger is the external chat transport the pipeline delivers through.
type Messenger interface {
	SendMessage(ctx context.Context, channelID, text string) error
	SendAttachment(ctx context.Context, channelID, url, caption string) error
}

// clockSkewAllowance absorbs the difference between database timestamps
// (updated_at is set server-side) and this process's clock when comparing
// against the timer's armed-at time.
const clockSkewAllowance = 2 * time.Second

// fireTimeout bounds a single delivery attempt.
const fireTimeout = 30 * time.Second

// Pipeline runs when a timer fires. It trusts nothing captured at arm time:
// the durable record is re-read and three independent staleness checks must
// pass before anything is sent. The transition to processing is a
// conditional update, so concurrent firings (or another process instance)
// resolve to exactly one send.
type Pipeline struct {
	repo      Repository
	timers    *TimerRegistry
	messenger Messenger
	renderer  *Renderer
	clock     func() time.Time
}

// NewPipeline creates a delivery pipeline.
func NewPipeline(repo Repository, timers *TimerRegistry, messenger Messenger, renderer *Renderer) *Pipeline {
	return &Pipeline{
		repo:      repo,
		timers:    timers,
		messenger: messenger,
		renderer:  renderer,
		clock:     time.Now,
	}
}

// Fire handles a fired timer for the given notification id. meta is the
// bookkeeping recorded when that timer was armed. Stale firings abort
// silently apart from a log line; delivery failures are recorded on the
// record as failed. The timer's bookkeeping is always removed.
func (p *Pipeline) Fire(ctx context.Context, id string, meta TimerMetadata) {
	start := p.clock()
	defer p.timers.Cancel(id)

	ctx, cancel := context.WithTimeout(ctx, fireTimeout)
	defer cancel()

	record, err := p.repo.Find(ctx, id)
	if err != nil {
		slog.Error("fired timer for unknown notification", "id", id, "error", err)
		deliveries.WithLabelValues("orphan").Inc()
		return
	}

	if reason, ok := p.staleReason(record, meta); !ok {
		slog.Info("stale timer ignored",
			"id", id,
			"policy", record.PolicyNumber,
			"case", record.CaseNumber,
			"status", record.Status,
			"reason", reason,
		)
		deliveries.WithLabelValues("stale").Inc()
		return
	}

	// At-most-once guard: only one caller wins this transition, even across
	// process instances sharing the repository. A record already in
	// processing is claimed by someone else, so it is not accepted here.
	record, err = p.repo.ConditionalUpdate(ctx, id,
		[]domain.NotificationStatus{domain.NotificationStatusPending, domain.NotificationStatusScheduled},
		UpdatePatch{
			Status:              statusPtr(domain.NotificationStatusProcessing),
			ProcessingStartedAt: timePtr(p.clock()),
		})
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			slog.Info("delivery already claimed elsewhere", "id", id)
			deliveries.WithLabelValues("lost_claim").Inc()
			return
		}
		slog.Error("failed to claim notification for delivery", "id", id, "error", err)
		deliveries.WithLabelValues("error").Inc()
		return
	}

	if err := p.send(ctx, record); err != nil {
		p.recordFailure(ctx, record, err)
		recordDelivery("failed", p.clock().Sub(start))
		return
	}

	if _, err := p.repo.ConditionalUpdate(ctx, id,
		[]domain.NotificationStatus{domain.NotificationStatusProcessing},
		UpdatePatch{
			Status: statusPtr(domain.NotificationStatusSent),
			SentAt: timePtr(p.clock()),
		},
	); err != nil {
		slog.Error("sent but failed to record terminal status",
			"id", id,
			"policy", record.PolicyNumber,
			"error", err,
		)
	}

	recordDelivery("sent", p.clock().Sub(start))
	slog.Info("notification delivered",
		"id", id,
		"policy", record.PolicyNumber,
		"case", record.CaseNumber,
		"type", record.Type,
	)
}

// staleReason applies the fire-time staleness checks. Each one is
// independent; any failure means this timer no longer represents current
// durable state.
func (p *Pipeline) staleReason(record *domain.ScheduledNotification, meta TimerMetadata) (string, bool) {
	// An edit is holding the record; the editing flow re-arms when done.
	if record.Status == domain.NotificationStatusEditing {
		return "edit in progress", false
	}

	// Cancelled, sent or failed since arming. Covers the old timer left
	// behind by a cancel-and-recreate edit.
	if record.Status.IsTerminal() {
		return "terminal status " + string(record.Status), false
	}

	// An edit touched the record after this timer was armed; the re-armed
	// timer (or the replacement record's timer) owns delivery now.
	if record.UpdatedAt.Sub(meta.ArmedAt) > clockSkewAllowance {
		return "record updated after arming", false
	}

	// The schedule moved; this timer fired for an obsolete date.
	if !record.ScheduledDate.Equal(meta.ScheduledFor) {
		return "scheduled date changed", false
	}

	return "", true
}

func (p *Pipeline) send(ctx context.Context, record *domain.ScheduledNotification) error {
	text := p.renderer.Render(record)

	if record.Payload.AttachmentURL != "" {
		return p.messenger.SendAttachment(ctx, record.TargetChannelID, record.Payload.AttachmentURL, text)
	}
	return p.messenger.SendMessage(ctx, record.TargetChannelID, text)
}

// recordFailure moves the record to failed with the delivery error. There is
// no automatic retry here; rescheduling a failed reminder is an operator
// decision.
func (p *Pipeline) recordFailure(ctx context.Context, record *domain.ScheduledNotification, sendErr error) {
	slog.Warn("delivery failed",
		"id", record.ID,
		"policy", record.PolicyNumber,
		"case", record.CaseNumber,
		"channel", record.TargetChannelID,
		"error", sendErr,
	)

	if _, err := p.repo.ConditionalUpdate(ctx, record.ID,
		[]domain.NotificationStatus{domain.NotificationStatusProcessing},
		UpdatePatch{
			Status:     statusPtr(domain.NotificationStatusFailed),
			RetryCount: intPtr(record.RetryCount + 1),
			LastError:  stringPtr(sendErr.Error()),
		},
	); err != nil {
		slog.Error("failed to record delivery failure", "id", record.ID, "error", err)
	}
}
