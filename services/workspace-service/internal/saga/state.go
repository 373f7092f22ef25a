// Package saga coordinates the schedule assignment saga: propose, check
// eligibility in another context, then approve or compensate.
package saga

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("saga: not found")
	ErrAlreadyExists     = errors.New("saga: already exists")
	ErrVersionConflict   = errors.New("saga: version conflict")
	ErrInvalidTransition = errors.New("saga: invalid status transition")
	ErrTerminal          = errors.New("saga: already finished")
)

type Status string

const (
	StatusStarted      Status = "started"
	StatusStepPending  Status = "step-pending"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

var transitions = map[Status][]Status{
	StatusStarted:      {StatusStepPending, StatusCompensating, StatusFailed},
	StatusStepPending:  {StatusCompleted, StatusCompensating, StatusFailed},
	StatusCompensating: {StatusCompensated, StatusFailed},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// Step names.
const (
	StepCheckEligibility = "check_eligibility"
	StepAssign           = "assign"
	StepCompensate       = "compensate"
)

type Step struct {
	Name           string    `json:"name"`
	Outcome        string    `json:"outcome"`
	OccurredAt     time.Time `json:"occurredAt"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

type State struct {
	SagaID         string    `json:"sagaId"`
	ScheduleItemID string    `json:"scheduleItemId"`
	WorkspaceID    string    `json:"workspaceId"`
	AssigneeID     string    `json:"assigneeId"`
	StartsAt       time.Time `json:"startsAt"`
	EndsAt         time.Time `json:"endsAt"`
	Status         Status    `json:"status"`
	CurrentStep    string    `json:"currentStep"`
	Steps          []Step    `json:"steps"`
	Version        uint64    `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ID returns the saga id for a schedule item.
func ID(scheduleItemID string) string { return "saga:" + scheduleItemID }

// StepKey is the idempotency key of one step of one saga.
func StepKey(sagaID, step string) string { return sagaID + ":" + step }

func (s *State) transition(to Status, step Step) error {
	if !s.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	if step.Name != "" {
		s.CurrentStep = step.Name
		s.Steps = append(s.Steps, step)
		s.UpdatedAt = step.OccurredAt
	}
	return nil
}

// StepDone reports whether a step with this name already has the outcome.
func (s State) StepDone(name, outcome string) bool {
	for _, st := range s.Steps {
		if st.Name == name && st.Outcome == outcome {
			return true
		}
	}
	return false
}

func (s State) clone() State {
	s.Steps = append([]Step(nil), s.Steps...)
	return s
}
