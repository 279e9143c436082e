package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/segurapp/backoffice/internal/domain"
)

// memRepo is an in-memory Repository with the same conditional-update and
// uniqueness semantics as the PostgreSQL implementation.
type memRepo struct {
	mu      sync.Mutex
	records map[string]*domain.ScheduledNotification
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*domain.ScheduledNotification)}
}

func (r *memRepo) Create(_ context.Context, n *domain.ScheduledNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Matches the partial unique index: every non-terminal status occupies
	// the correlation key, including the editing lock.
	for _, existing := range r.records {
		if existing.Key() == n.Key() && !existing.Status.IsTerminal() {
			return ErrDuplicateActive
		}
	}

	now := time.Now()
	n.CreatedAt = now
	n.UpdatedAt = now

	clone := *n
	r.records[n.ID] = &clone
	return nil
}

func (r *memRepo) Find(_ context.Context, id string) (*domain.ScheduledNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (r *memRepo) ConditionalUpdate(_ context.Context, id string, expected []domain.NotificationStatus, patch UpdatePatch) (*domain.ScheduledNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}

	matched := false
	for _, status := range expected {
		if record.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrStatusConflict
	}

	if patch.Status != nil {
		record.Status = *patch.Status
	}
	if patch.ScheduledDate != nil {
		record.ScheduledDate = *patch.ScheduledDate
	}
	if patch.LastScheduledAt != nil {
		record.LastScheduledAt = patch.LastScheduledAt
	}
	if patch.ProcessingStartedAt != nil {
		record.ProcessingStartedAt = patch.ProcessingStartedAt
	}
	if patch.SentAt != nil {
		record.SentAt = patch.SentAt
	}
	if patch.RetryCount != nil {
		record.RetryCount = *patch.RetryCount
	}
	if patch.LastError != nil {
		record.LastError = *patch.LastError
	}
	if patch.CancelReason != nil {
		record.CancelReason = *patch.CancelReason
	}
	record.UpdatedAt = time.Now()

	clone := *record
	return &clone, nil
}

func (r *memRepo) ListActive(_ context.Context) ([]domain.ScheduledNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make([]domain.ScheduledNotification, 0)
	for _, record := range r.records {
		if !record.Status.IsTerminal() {
			active = append(active, *record)
		}
	}
	return active, nil
}

func (r *memRepo) CountByStatus(_ context.Context) (map[domain.NotificationStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[domain.NotificationStatus]int)
	for _, record := range r.records {
		counts[record.Status]++
	}
	return counts, nil
}

// setUpdatedAt backdates or forward-dates a record's updated_at for
// staleness-check tests.
func (r *memRepo) setUpdatedAt(id string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.records[id]; ok {
		record.UpdatedAt = t
	}
}

func (r *memRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type sentMessage struct {
	ChannelID  string
	Text       string
	Attachment string
}

// fakeMessenger records sends and can be told to fail.
type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *fakeMessenger) SendMessage(_ context.Context, channelID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{ChannelID: channelID, Text: text})
	return nil
}

func (m *fakeMessenger) SendAttachment(_ context.Context, channelID, url, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{ChannelID: channelID, Text: caption, Attachment: url})
	return nil
}

func (m *fakeMessenger) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *fakeMessenger) lastSent() (sentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}
