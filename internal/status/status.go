// Package status records the delivery state of stored messages per recipient.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State of one recipient's delivery
type State string

const (
	Pending State = "pending"
	Sending State = "sending"
	Success State = "success"
	Failed  State = "failed"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case Pending, Sending, Success, Failed:
		return true
	}
	return false
}

var (
	// ErrInvalidState is returned when SetStatus receives an unknown state
	ErrInvalidState = errors.New("status: invalid state")
	// ErrNotFound is returned by Get when no record exists for a message
	ErrNotFound = errors.New("status: not found")
)

// Record is the latest status of one recipient of one stored message
type Record struct {
	Owner     string    `json:"owner" db:"owner"`
	Filename  string    `json:"filename" db:"filename"`
	Recipient string    `json:"recipient" db:"recipient"`
	State     State     `json:"state" db:"state"`
	Reason    string    `json:"reason,omitempty" db:"reason"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Tracker stores and returns delivery status keyed by owner and stored filename
type Tracker interface {
	SetStatus(ctx context.Context, owner, filename string, state State, recipient, reason string) error
	Get(ctx context.Context, owner, filename string) ([]Record, error)
}

func checkArgs(owner, filename string, state State) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	if owner == "" || filename == "" {
		return errors.New("status: owner and filename are required")
	}
	return nil
}
