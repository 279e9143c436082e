package scheduler

import "errors"

// Repository errors.
var (
	ErrNotFound        = errors.New("notification not found")
	ErrDuplicateActive = errors.New("an active notification already exists for this policy, case and type")
	ErrStatusConflict  = errors.New("notification status changed concurrently")
)

// Coordinator errors.
var (
	ErrNotEditable    = errors.New("notification is not editable in a terminal state")
	ErrAlreadySent    = errors.New("notification was already sent")
	ErrPastDate       = errors.New("scheduled date must be in the future")
	ErrInvalidKey     = errors.New("policy number, case number and type are required")
	ErrInvalidChannel = errors.New("target channel is required")
)
