package domain

import (
	"fmt"
	"time"
)

// Transition is one entry of a record's append-only history.
type Transition struct {
	State   State     `json:"state"`
	At      time.Time `json:"at"`
	Message string    `json:"message,omitempty"`
}

// Record is the mutable state of one deployment attempt.
type Record struct {
	ID           string       `json:"id"`
	Request      Request      `json:"request"`
	Attempt      int          `json:"attempt"`
	RetryOf      string       `json:"retry_of,omitempty"`
	State        State        `json:"state"`
	Progress     int          `json:"progress"`
	Message      string       `json:"message"`
	Port         int          `json:"port,omitempty"`
	PID          int          `json:"pid,omitempty"`
	HealthPath   string       `json:"health_path,omitempty"`
	ArtifactPath string       `json:"artifact_path,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Error        *ErrorDetail `json:"error,omitempty"`
	History      []Transition `json:"history"`
	Seq          uint64       `json:"seq"`
}

// NewRecord creates a Pending record for req.
func NewRecord(id string, req Request, now time.Time) Record {
	return Record{
		ID:        id,
		Request:   req,
		Attempt:   1,
		State:     StatePending,
		Message:   "Deployment accepted",
		CreatedAt: now,
		UpdatedAt: now,
		History:   []Transition{{State: StatePending, At: now, Message: "Deployment accepted"}},
		Seq:       1,
	}
}

// Clone returns a deep copy safe to hand out of the registry.
func (r Record) Clone() Record {
	if r.History != nil {
		r.History = append([]Transition(nil), r.History...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		r.Error = &e
	}
	return r
}

// StepIndex returns the step of the current state. Terminal records report
// the step reached before they ended.
func (r Record) StepIndex() int {
	if s := r.State.Step(); s >= 0 {
		return s
	}
	for i := len(r.History) - 1; i >= 0; i-- {
		if s := r.History[i].State.Step(); s >= 0 {
			return s
		}
	}
	return 0
}

// Elapsed is the time since creation, frozen at completion.
func (r Record) Elapsed(now time.Time) time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.CreatedAt)
	}
	return now.Sub(r.CreatedAt)
}

// Transition moves the record to state to. Progress never moves backwards.
func (r *Record) Transition(to State, msg string, now time.Time) error {
	if !CanTransition(r.State, to) {
		return fmt.Errorf("invalid transition %s -> %s", r.State, to)
	}
	r.State = to
	if p := to.BaseProgress(); p > r.Progress {
		r.Progress = p
	}
	r.Message = msg
	r.UpdatedAt = now
	r.History = append(r.History, Transition{State: to, At: now, Message: msg})
	r.Seq++
	if to == StateRunning || to.Terminal() {
		t := now
		r.CompletedAt = &t
	}
	if to.Terminal() {
		r.Port = 0
		r.PID = 0
	}
	return nil
}

// Fail moves the record to Failed with detail attached.
func (r *Record) Fail(detail *ErrorDetail, now time.Time) error {
	if err := r.Transition(StateFailed, detail.Message, now); err != nil {
		return err
	}
	r.Error = detail
	return nil
}

// Advance raises progress within the current state. It reports false when
// p does not strictly increase progress, so callers can skip the event.
func (r *Record) Advance(p int, msg string, now time.Time) bool {
	if r.State.Terminal() || p <= r.Progress {
		return false
	}
	if p > 100 {
		p = 100
	}
	r.Progress = p
	if msg != "" {
		r.Message = msg
	}
	r.UpdatedAt = now
	r.Seq++
	return true
}
