package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segurapp/backoffice/internal/domain"
)

func newTestPipeline(t *testing.T) (*Pipeline, *memRepo, *TimerRegistry, *fakeMessenger) {
	t.Helper()
	repo := newMemRepo()
	timers := NewTimerRegistry()
	messenger := &fakeMessenger{}
	pipeline := NewPipeline(repo, timers, messenger, NewRenderer())
	return pipeline, repo, timers, messenger
}

func seedScheduled(t *testing.T, repo *memRepo, id string) *domain.ScheduledNotification {
	t.Helper()
	record := &domain.ScheduledNotification{
		ID:              id,
		PolicyNumber:    "POL-100",
		CaseNumber:      "EXP-7",
		Type:            domain.NotificationTypeContact,
		Status:          domain.NotificationStatusScheduled,
		TargetChannelID: "chat-42",
		ScheduledDate:   time.Now().Add(time.Hour),
	}
	require.NoError(t, repo.Create(context.Background(), record))
	return record
}

// freshMeta builds arming bookkeeping consistent with the record as it sits
// in the repository right now.
func freshMeta(record *domain.ScheduledNotification) TimerMetadata {
	return TimerMetadata{ArmedAt: time.Now(), ScheduledFor: record.ScheduledDate}
}

func TestPipelineDeliversAndMarksSent(t *testing.T) {
	pipeline, repo, timers, messenger := newTestPipeline(t)
	record := seedScheduled(t, repo, "n-1")
	timers.Arm("n-1", record.ScheduledDate, func(string) {})

	pipeline.Fire(context.Background(), "n-1", freshMeta(record))

	assert.Equal(t, 1, messenger.sentCount())

	sent, ok := messenger.lastSent()
	require.True(t, ok)
	assert.Equal(t, "chat-42", sent.ChannelID)
	assert.Contains(t, sent.Text, "POL-100")

	updated, err := repo.Find(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationStatusSent, updated.Status)
	assert.NotNil(t, updated.SentAt)
	assert.NotNil(t, updated.ProcessingStartedAt)

	assert.False(t, timers.IsArmed("n-1"), "bookkeeping must be removed after firing")
}

func TestPipelineConcurrentFiresSendOnce(t *testing.T) {
	pipeline, repo, _, messenger := newTestPipeline(t)
	record := seedScheduled(t, repo, "n-1")
	meta := freshMeta(record)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pipeline.Fire(context.Background(), "n-1", meta)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, messenger.sentCount(), "only one firing may claim the record")

	updated, err := repo.Find(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationStatusSent, updated.Status)
}

func TestPipelineSkipsRecordUnderEdit(t *testing.T) {
	pipeline, repo, _, messenger := newTestPipeline(t)
	record := seedScheduled(t, repo, "n-1")
	meta := freshMeta(record)

	_, err := repo.ConditionalUpdate(context.Background(), "n-1", domain.ActiveStatuses, UpdatePatch{
		Status: statusPtr(domain.NotificationStatusEditing),
	})
	require.NoError(t, err)
	repo.setUpdatedAt("n-1", meta.ArmedAt)

	pipeline.Fire(context.Background(), "n-1", meta)

	assert.Equal(t, 0, messenger.sentCount())

	updated, err := repo.Find(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationStatusEditing, updated.Status, "an edit in progress owns the record")
}

func TestPipelineSkipsTerminalRecord(t *testing.T) {
	pipeline, repo, _, messenger := newTestPipeline(t)
	record := seedScheduled(t, repo, "n-1")
	meta := freshMeta(record)

	_, err := repo.ConditionalUpdate(context.Background(), "n-1", domain.ActiveStatuses, UpdatePatch{
		Status:       statusPtr(domain.NotificationStatusCancelled),
		CancelReason: stringPtr("superseded by edit"),
	})
	require.NoError(t, err)

	pipeline.Fire(context.Background(), "n-1", meta)

	assert.Equal(t, 0, messenger.sentCount())

	updated, err := repo.Find(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationStatusCancelled, updated.Status)
}

func TestPipelineSkipsRecordUpdatedAfterArming(t *testing.T) {
	pipeline, repo, _, messenger := newTestPipeline(t)
	record := seedScheduled(t, repo, "n-1")
	meta := freshMeta(record)

	// Something touched the record well after this timer was armed.
	repo.setUpdatedAt("n-1", meta.ArmedAt.Add(5*time.Second))

	pipeline.Fire(context.Background(), "n-1", meta)

	assert.Equal(t, 0, messenger.sentCount())

	updated, err := repo.Find(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationStatusScheduled, updated.Status)
}

func TestPipelineToleratesClockSkew(t *testing.T) {
	pipeline, repo, _, messenger := newTestPipeline(t)
	record := seedScheduled(t, repo, "n-1")
	meta := freshMeta(record)

	// Database timestamps can run slightly ahead of the process clock.
	repo.setUpdatedAt("n-1", meta.ArmedAt.Add(time.Second))

	pipeline.Fire(context.Background(), "n-1", meta)

	assert.Equal(t, 1, messenger.sentCount())
}

func TestPipelineSkipsWhenScheduledDateMoved(t *testing.T) {
	pipeline, repo, _, messenger := newTestPipeline(t)
	record := seedScheduled(t, repo, "n-1")

	meta := freshMeta(record)
	meta.ScheduledFor = record.ScheduledDate.Add(-time.Hour)

	pipeline.Fire(context.Background(), "n-1", meta)

	assert.Equal(t, 0, messenger.sentCount())
}

func TestPipelineFireForUnknownID(t *testing.T) {
	pipeline, _, _, messenger := newTestPipeline(t)

	pipeline.Fire(context.Background(), "ghost", TimerMetadata{
		ArmedAt:      time.Now(),
		ScheduledFor: time.Now(),
	})

	assert.Equal(t, 0, messenger.sentCount())
}

func TestPipelineRecordsDeliveryFailure(t *testing.T) {
	pipeline, repo, _, messenger := newTestPipeline(t)
	record := seedScheduled(t, repo, "n-1")
	messenger.err = errors.New("telegram: chat not found")

	pipeline.Fire(context.Background(), "n-1", freshMeta(record))

	updated, err := repo.Find(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationStatusFailed, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Contains(t, updated.LastError, "chat not found")
	assert.Nil(t, updated.SentAt)
}

func TestPipelineSendsAttachmentWhenPresent(t *testing.T) {
	pipeline, repo, _, messenger := newTestPipeline(t)

	record := &domain.ScheduledNotification{
		ID:              "n-1",
		PolicyNumber:    "POL-100",
		CaseNumber:      "EXP-7",
		Type:            domain.NotificationTypePayment,
		Status:          domain.NotificationStatusScheduled,
		TargetChannelID: "chat-42",
		ScheduledDate:   time.Now().Add(time.Hour),
		Payload: domain.NotificationPayload{
			AttachmentURL: "https://files.example.com/recibo.png",
		},
	}
	require.NoError(t, repo.Create(context.Background(), record))

	pipeline.Fire(context.Background(), "n-1", freshMeta(record))

	sent, ok := messenger.lastSent()
	require.True(t, ok)
	assert.Equal(t, "https://files.example.com/recibo.png", sent.Attachment)
	assert.Contains(t, sent.Text, "Recordatorio de pago")
}
