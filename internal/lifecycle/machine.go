// Package lifecycle holds the authoritative job transition table.
//
// The machine is a pure lookup. Callers persist the new status in their own
// transaction with a conditional update on the expected current status.
package lifecycle

import (
	"fmt"

	"github.com/cuongbtq/jobrouter/internal/domain"
)

// TransitionError reports a status change that is not in the table
type TransitionError struct {
	From domain.JobStatus
	To   domain.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

// Unwrap lets errors.Is match domain.ErrInvalidTransition
func (e *TransitionError) Unwrap() error {
	return domain.ErrInvalidTransition
}

// Machine is a validated directed graph over job statuses
type Machine struct {
	initial    domain.JobStatus
	successors map[domain.JobStatus][]domain.JobStatus
	holding    map[domain.JobStatus]bool
}

var defaultTable = map[domain.JobStatus][]domain.JobStatus{
	domain.JobStatusDraft:               {domain.JobStatusInReview, domain.JobStatusNeedsClarification},
	domain.JobStatusNeedsClarification:  {domain.JobStatusInReview},
	domain.JobStatusInReview:            {domain.JobStatusApproved, domain.JobStatusNeedsClarification},
	domain.JobStatusApproved:            {domain.JobStatusPublished},
	domain.JobStatusPublished:           {domain.JobStatusOpenForRouting, domain.JobStatusAssigned},
	domain.JobStatusOpenForRouting:      {domain.JobStatusAssigned},
	domain.JobStatusAssigned:            {domain.JobStatusInProgress},
	domain.JobStatusInProgress:          {domain.JobStatusContractorCompleted},
	domain.JobStatusContractorCompleted: {domain.JobStatusCustomerApproved, domain.JobStatusCustomerRejected, domain.JobStatusCompletionFlagged},
	// Holding states: leaving them needs a dispute resolution or admin override
	domain.JobStatusCustomerRejected:  {domain.JobStatusInProgress, domain.JobStatusCustomerApproved},
	domain.JobStatusCompletionFlagged: {domain.JobStatusContractorCompleted, domain.JobStatusCustomerApproved},
	domain.JobStatusCustomerApproved:  {domain.JobStatusCompletedApproved},
	domain.JobStatusCompletedApproved: {},
}

var defaultHolding = []domain.JobStatus{
	domain.JobStatusCustomerRejected,
	domain.JobStatusCompletionFlagged,
}

var defaultMachine = MustNew(domain.JobStatusDraft, defaultTable, defaultHolding)

// New validates the table and returns a machine.
// Every status must have an entry, every successor must be a known status,
// every status must be reachable from initial, and holding states must have a way out.
func New(initial domain.JobStatus, table map[domain.JobStatus][]domain.JobStatus, holding []domain.JobStatus) (*Machine, error) {
	if _, ok := table[initial]; !ok {
		return nil, fmt.Errorf("initial status %s has no table entry", initial)
	}

	m := &Machine{
		initial:    initial,
		successors: make(map[domain.JobStatus][]domain.JobStatus, len(table)),
		holding:    make(map[domain.JobStatus]bool, len(holding)),
	}

	for from, tos := range table {
		seen := make(map[domain.JobStatus]bool, len(tos))
		for _, to := range tos {
			if _, ok := table[to]; !ok {
				return nil, fmt.Errorf("status %s lists unknown successor %s", from, to)
			}
			if to == from {
				return nil, fmt.Errorf("status %s transitions to itself", from)
			}
			if seen[to] {
				return nil, fmt.Errorf("status %s lists successor %s twice", from, to)
			}
			seen[to] = true
		}
		m.successors[from] = append([]domain.JobStatus(nil), tos...)
	}

	for _, h := range holding {
		if len(table[h]) == 0 {
			return nil, fmt.Errorf("holding status %s has no way out", h)
		}
		m.holding[h] = true
	}

	reached := map[domain.JobStatus]bool{initial: true}
	queue := []domain.JobStatus{initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range table[cur] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for s := range table {
		if !reached[s] {
			return nil, fmt.Errorf("status %s is unreachable from %s", s, initial)
		}
	}

	return m, nil
}

// MustNew is New that panics on an invalid table
func MustNew(initial domain.JobStatus, table map[domain.JobStatus][]domain.JobStatus, holding []domain.JobStatus) *Machine {
	m, err := New(initial, table, holding)
	if err != nil {
		panic(fmt.Sprintf("lifecycle: %v", err))
	}
	return m
}

// Default returns the job lifecycle machine
func Default() *Machine {
	return defaultMachine
}

// AssertTransition returns a *TransitionError if desired is not a successor of current
func (m *Machine) AssertTransition(current, desired domain.JobStatus) error {
	for _, s := range m.successors[current] {
		if s == desired {
			return nil
		}
	}
	return &TransitionError{From: current, To: desired}
}

// Successors returns a copy of the allowed next statuses
func (m *Machine) Successors(s domain.JobStatus) []domain.JobStatus {
	return append([]domain.JobStatus(nil), m.successors[s]...)
}

// IsTerminal reports whether s has no successors
func (m *Machine) IsTerminal(s domain.JobStatus) bool {
	tos, ok := m.successors[s]
	return ok && len(tos) == 0
}

// RequiresResolution reports whether leaving s needs an out-of-band resolution
func (m *Machine) RequiresResolution(s domain.JobStatus) bool {
	return m.holding[s]
}

// Statuses returns every status known to the machine
func (m *Machine) Statuses() []domain.JobStatus {
	out := make([]domain.JobStatus, 0, len(m.successors))
	for s := range m.successors {
		out = append(out, s)
	}
	return out
}

// AssertTransition checks a change against the default machine
func AssertTransition(current, desired domain.JobStatus) error {
	return defaultMachine.AssertTransition(current, desired)
}

// RequiresResolution checks s against the default machine
func RequiresResolution(s domain.JobStatus) bool {
	return defaultMachine.RequiresResolution(s)
}
