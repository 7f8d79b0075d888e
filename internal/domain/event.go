package domain

import "time"

// Event types carried on the progress stream.
const (
	EventProgress  = "progress"
	EventHeartbeat = "heartbeat"
)

// ProgressEvent is an immutable snapshot broadcast to subscribers.
type ProgressEvent struct {
	Type           string       `json:"type"`
	DeploymentID   string       `json:"deployment_id"`
	Name           string       `json:"name,omitempty"`
	State          State        `json:"state,omitempty"`
	Progress       int          `json:"progress"`
	Message        string       `json:"message,omitempty"`
	ElapsedSeconds float64      `json:"elapsed_seconds"`
	StepIndex      int          `json:"step_index"`
	TotalSteps     int          `json:"total_steps"`
	Port           int          `json:"port,omitempty"`
	Error          *ErrorDetail `json:"error,omitempty"`
	Seq            uint64       `json:"seq,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// EventFromRecord builds the progress snapshot of r at now.
func EventFromRecord(r Record, now time.Time) ProgressEvent {
	ev := ProgressEvent{
		Type:           EventProgress,
		DeploymentID:   r.ID,
		Name:           r.Request.Name,
		State:          r.State,
		Progress:       r.Progress,
		Message:        r.Message,
		ElapsedSeconds: r.Elapsed(now).Seconds(),
		StepIndex:      r.StepIndex(),
		TotalSteps:     TotalSteps,
		Port:           r.Port,
		Seq:            r.Seq,
		Timestamp:      now,
	}
	if r.Error != nil {
		e := *r.Error
		ev.Error = &e
	}
	return ev
}

// Heartbeat builds a heartbeat event for a deployment stream.
func Heartbeat(deploymentID string, now time.Time) ProgressEvent {
	return ProgressEvent{Type: EventHeartbeat, DeploymentID: deploymentID, TotalSteps: TotalSteps, Timestamp: now}
}
