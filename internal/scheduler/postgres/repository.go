// Package postgres provides the PostgreSQL implementation of the scheduler
// repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/segurapp/backoffice/internal/domain"
	"github.com/segurapp/backoffice/internal/scheduler"
)

const uniqueViolation = "23505"

const notificationColumns = `
	id, policy_number, case_number, type, status, target_channel_id, payload,
	scheduled_date, last_scheduled_at, processing_started_at, sent_at,
	retry_count, last_error, cancel_reason, created_at, updated_at
`

// Repository implements scheduler.Repository using PostgreSQL. The
// correlation-key uniqueness invariant lives in a partial unique index over
// the active statuses, so it holds across process instances.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create persists a new notification record.
func (r *Repository) Create(ctx context.Context, n *domain.ScheduledNotification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO scheduled_notifications
			(id, policy_number, case_number, type, status, target_channel_id,
			 payload, scheduled_date, last_scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		n.ID,
		n.PolicyNumber,
		n.CaseNumber,
		n.Type,
		n.Status,
		n.TargetChannelID,
		payload,
		n.ScheduledDate,
		n.LastScheduledAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return scheduler.ErrDuplicateActive
		}
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// Find returns the notification with the given id.
func (r *Repository) Find(ctx context.Context, id string) (*domain.ScheduledNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM scheduled_notifications WHERE id = $1`

	record, err := scanNotification(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scheduler.ErrNotFound
		}
		return nil, fmt.Errorf("find notification: %w", err)
	}
	return record, nil
}

// ConditionalUpdate applies patch while the current status is one of
// expected, in a single guarded UPDATE so concurrent transitions can never
// be clobbered.
func (r *Repository) ConditionalUpdate(ctx context.Context, id string, expected []domain.NotificationStatus, patch scheduler.UpdatePatch) (*domain.ScheduledNotification, error) {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id, statusStrings(expected)}

	addSet := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		addSet("status", *patch.Status)
	}
	if patch.ScheduledDate != nil {
		addSet("scheduled_date", *patch.ScheduledDate)
	}
	if patch.LastScheduledAt != nil {
		addSet("last_scheduled_at", *patch.LastScheduledAt)
	}
	if patch.ProcessingStartedAt != nil {
		addSet("processing_started_at", *patch.ProcessingStartedAt)
	}
	if patch.SentAt != nil {
		addSet("sent_at", *patch.SentAt)
	}
	if patch.RetryCount != nil {
		addSet("retry_count", *patch.RetryCount)
	}
	if patch.LastError != nil {
		addSet("last_error", *patch.LastError)
	}
	if patch.CancelReason != nil {
		addSet("cancel_reason", *patch.CancelReason)
	}

	query := fmt.Sprintf(`
		UPDATE scheduled_notifications
		SET %s
		WHERE id = $1 AND status = ANY($2)
		RETURNING %s
	`, strings.Join(sets, ", "), notificationColumns)

	record, err := scanNotification(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.classifyMiss(ctx, id)
		}
		return nil, fmt.Errorf("conditional update: %w", err)
	}
	return record, nil
}

// classifyMiss distinguishes a missing record from a status that no longer
// matches the guard.
func (r *Repository) classifyMiss(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scheduled_notifications WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check notification existence: %w", err)
	}
	if exists {
		return scheduler.ErrStatusConflict
	}
	return scheduler.ErrNotFound
}

// ListActive returns every record in a non-terminal status, ordered by
// schedule.
func (r *Repository) ListActive(ctx context.Context) ([]domain.ScheduledNotification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM scheduled_notifications
		WHERE status = ANY($1)
		ORDER BY scheduled_date
	`
	rows, err := r.db.Query(ctx, query, statusStrings(domain.NonTerminalStatuses))
	if err != nil {
		return nil, fmt.Errorf("list active notifications: %w", err)
	}
	defer rows.Close()

	records := make([]domain.ScheduledNotification, 0)
	for rows.Next() {
		record, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// CountByStatus returns record counts grouped by status.
func (r *Repository) CountByStatus(ctx context.Context) (map[domain.NotificationStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM scheduled_notifications GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.NotificationStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.NotificationStatus(status)] = count
	}
	return counts, rows.Err()
}

func statusStrings(statuses []domain.NotificationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func scanNotification(row pgx.Row) (*domain.ScheduledNotification, error) {
	var (
		n       domain.ScheduledNotification
		payload []byte
	)
	err := row.Scan(
		&n.ID,
		&n.PolicyNumber,
		&n.CaseNumber,
		&n.Type,
		&n.Status,
		&n.TargetChannelID,
		&payload,
		&n.ScheduledDate,
		&n.LastScheduledAt,
		&n.ProcessingStartedAt,
		&n.SentAt,
		&n.RetryCount,
		&n.LastError,
		&n.CancelReason,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &n, nil
}
