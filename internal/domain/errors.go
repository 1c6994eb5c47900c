package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrSignature is returned when a webhook signature is missing or wrong.
	ErrSignature = errors.New("invalid webhook signature")
)

// ValidationError rejects a request before any side effect happens.
type ValidationError struct {
	Reason string
	IDs    []string
}

func (e *ValidationError) Error() string {
	if len(e.IDs) == 0 {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s (%s)", e.Reason, strings.Join(e.IDs, ", "))
}

// DuplicateError reports an outreach to a contact inside the dedup window.
type DuplicateError struct {
	ContactEmail string
	ExistingID   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("outreach to %s already exists within dedup window (%s)", e.ContactEmail, e.ExistingID)
}

type TransitionError struct {
	From OutreachStatus
	To   OutreachStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid outreach status transition %s -> %s", e.From, e.To)
}

// ApprovalRequiredError blocks queueing until a human approves.
type ApprovalRequiredError struct {
	ID string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("outreach %s requires approval", e.ID)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
