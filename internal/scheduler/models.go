// Package scheduler evaluates cron-based recurring prompts per minion,
// enqueueing each fire into the recipient's message queue.
package scheduler

import "encoding/json"

// Status is a schedule lifecycle status.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// Execution outcomes recorded in schedule_history.jsonl.
type ExecStatus string

const (
	ExecQueued  ExecStatus = "queued"
	ExecFailed  ExecStatus = "failed"
	ExecTimeout ExecStatus = "timeout"
	ExecRetry   ExecStatus = "retry"
)

// DefaultMaxRetries bounds consecutive failures before a schedule pauses
// itself.
const DefaultMaxRetries = 3

// Schedule is one cron trigger bound to a minion. MinionName is captured at
// creation so history stays readable after renames.
type Schedule struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	MinionID   string `json:"minion_id"`
	MinionName string `json:"minion_name"`
	Name       string `json:"name"`

	// Cron is a 5-field expression (minute granularity).
	Cron   string `json:"cron"`
	Prompt string `json:"prompt"`

	ResetSession bool   `json:"reset_session"`
	Status       Status `json:"status"`

	NextRun    *float64   `json:"next_run,omitempty"`
	LastRun    *float64   `json:"last_run,omitempty"`
	LastStatus ExecStatus `json:"last_status,omitempty"`

	ExecutionCount int `json:"execution_count"`
	FailureCount   int `json:"failure_count"`
	MaxRetries     int `json:"max_retries"`

	// TimeoutSeconds bounds one delivery attempt.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *Schedule) Clone() *Schedule {
	c := *s
	if s.NextRun != nil {
		v := *s.NextRun
		c.NextRun = &v
	}
	if s.LastRun != nil {
		v := *s.LastRun
		c.LastRun = &v
	}
	return &c
}

// Execution is one append-only history record.
type Execution struct {
	ExecutionID   string     `json:"execution_id"`
	ScheduleID    string     `json:"schedule_id"`
	ScheduledTime float64    `json:"scheduled_time"`
	FiredAt       float64    `json:"fired_at"`
	Status        ExecStatus `json:"status"`
	MinionState   string     `json:"minion_state,omitempty"`
	Error         string     `json:"error,omitempty"`
	RetryNumber   int        `json:"retry_number"`
	QueueID       string     `json:"queue_id,omitempty"`
}

// UnmarshalJSON migrates legacy records whose queue link was stored under
// comm_id.
func (e *Execution) UnmarshalJSON(data []byte) error {
	type alias Execution
	aux := struct {
		*alias
		LegacyCommID string `json:"comm_id,omitempty"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if e.QueueID == "" && aux.LegacyCommID != "" {
		e.QueueID = aux.LegacyCommID
	}
	return nil
}

// scheduleFile is the shape of a legion's schedules.json.
type scheduleFile struct {
	Schedules []*Schedule `json:"schedules"`
}
