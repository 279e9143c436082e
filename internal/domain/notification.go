package domain

import "time"

// NotificationStatus is the lifecycle status of a scheduled notification.
type NotificationStatus string

const (
	NotificationStatusPending    NotificationStatus = "pending"
	NotificationStatusScheduled  NotificationStatus = "scheduled"
	NotificationStatusProcessing NotificationStatus = "processing"
	NotificationStatusEditing    NotificationStatus = "editing"
	NotificationStatusSent       NotificationStatus = "sent"
	NotificationStatusFailed     NotificationStatus = "failed"
	NotificationStatusCancelled  NotificationStatus = "cancelled"
)

// ActiveStatuses are the statuses that count as a live schedule. At most one
// notification per correlation key may be in one of these at any time.
var ActiveStatuses = []NotificationStatus{
	NotificationStatusPending,
	NotificationStatusScheduled,
	NotificationStatusProcessing,
}

// NonTerminalStatuses additionally includes the editing lock. These are the
// statuses that occupy a correlation key and that startup recovery must
// revisit, since any of them can be left behind by a crash.
var NonTerminalStatuses = []NotificationStatus{
	NotificationStatusPending,
	NotificationStatusScheduled,
	NotificationStatusProcessing,
	NotificationStatusEditing,
}

// IsTerminal reports whether the status admits no further transitions.
func (s NotificationStatus) IsTerminal() bool {
	switch s {
	case NotificationStatusSent, NotificationStatusFailed, NotificationStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the status counts against the correlation-key
// uniqueness constraint.
func (s NotificationStatus) IsActive() bool {
	switch s {
	case NotificationStatusPending, NotificationStatusScheduled, NotificationStatusProcessing:
		return true
	}
	return false
}

// NotificationType identifies the kind of follow-up reminder.
type NotificationType string

const (
	NotificationTypeContact NotificationType = "contacto"
	NotificationTypeRenewal NotificationType = "vencimiento"
	NotificationTypePayment NotificationType = "pago"
)

// CorrelationKey identifies the business context a notification belongs to.
// The repository enforces that at most one active notification exists per key.
type CorrelationKey struct {
	PolicyNumber string
	CaseNumber   string
	Type         NotificationType
}

// NotificationPayload carries the display fields forwarded to the messenger.
// The scheduling core never interprets these.
type NotificationPayload struct {
	PolicyNumber  string  `json:"policy_number"`
	CaseNumber    string  `json:"case_number"`
	ClientName    string  `json:"client_name,omitempty"`
	VehiclePlate  string  `json:"vehicle_plate,omitempty"`
	VehicleModel  string  `json:"vehicle_model,omitempty"`
	Premium       float64 `json:"premium,omitempty"`
	Note          string  `json:"note,omitempty"`
	AttachmentURL string  `json:"attachment_url,omitempty"`
}

// ScheduledNotification is the durable record of a timed reminder.
type ScheduledNotification struct {
	ID              string
	PolicyNumber    string
	CaseNumber      string
	Type            NotificationType
	Status          NotificationStatus
	TargetChannelID string
	Payload         NotificationPayload
	ScheduledDate   time.Time

	// Timer and delivery bookkeeping.
	LastScheduledAt     *time.Time
	ProcessingStartedAt *time.Time
	SentAt              *time.Time
	RetryCount          int
	LastError           string
	CancelReason        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the correlation key of the record.
func (n *ScheduledNotification) Key() CorrelationKey {
	return CorrelationKey{
		PolicyNumber: n.PolicyNumber,
		CaseNumber:   n.CaseNumber,
		Type:         n.Type,
	}
}
