package ir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TaskCollection is the collection that holds background tasks.
// Tasks are ordinary rows so UIs can watch them through live queries.
const TaskCollection = "task"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Valid reports whether s is one of the four task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskProcessing, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Task row field names. The store's claim statement orders on these.
const (
	TaskFieldType        = "type"
	TaskFieldPayload     = "payload"
	TaskFieldStatus      = "status"
	TaskFieldPriority    = "priority"
	TaskFieldRetryCount  = "retryCount"
	TaskFieldCreatedAt   = "createdAt"
	TaskFieldStartedAt   = "startedAt"
	TaskFieldCompletedAt = "completedAt"
	TaskFieldError       = "error"
	TaskFieldClaimToken  = "claimToken"
)

// TimeLayout is the fixed-width UTC layout used for timestamps stored in rows.
// Fixed width keeps text ordering identical to chronological ordering.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp, falling back to RFC 3339.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Task is a durable unit of background work.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      TaskStatus      `json:"status"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retryCount"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Error       string          `json:"error,omitempty"`

	// ClaimToken identifies the claim that moved the task to processing.
	// Completion and failure only apply while the token still matches.
	ClaimToken string `json:"claimToken,omitempty"`
}

// Row converts the task into its stored row form.
func (t Task) Row() (Row, error) {
	row := Row{
		IDField:             t.ID,
		TaskFieldType:       t.Type,
		TaskFieldStatus:     string(t.Status),
		TaskFieldPriority:   t.Priority,
		TaskFieldRetryCount: t.RetryCount,
		TaskFieldCreatedAt:  FormatTime(t.CreatedAt),
	}
	if len(t.Payload) > 0 {
		payload, err := DecodeValue(t.Payload)
		if err != nil {
			return nil, fmt.Errorf("task payload: %w", err)
		}
		row[TaskFieldPayload] = payload
	}
	if t.StartedAt != nil {
		row[TaskFieldStartedAt] = FormatTime(*t.StartedAt)
	}
	if t.CompletedAt != nil {
		row[TaskFieldCompletedAt] = FormatTime(*t.CompletedAt)
	}
	if t.Error != "" {
		row[TaskFieldError] = t.Error
	}
	if t.ClaimToken != "" {
		row[TaskFieldClaimToken] = t.ClaimToken
	}
	return row, nil
}

// TaskFromRow converts a stored task row back into a Task.
func TaskFromRow(row Row) (Task, error) {
	t := Task{
		ID:         row.ID(),
		Type:       stringField(row, TaskFieldType),
		Status:     TaskStatus(stringField(row, TaskFieldStatus)),
		Error:      stringField(row, TaskFieldError),
		ClaimToken: stringField(row, TaskFieldClaimToken),
	}
	if t.ID == "" {
		return Task{}, fmt.Errorf("task row has no id")
	}

	var err error
	if t.Priority, err = intField(row, TaskFieldPriority); err != nil {
		return Task{}, err
	}
	if t.RetryCount, err = intField(row, TaskFieldRetryCount); err != nil {
		return Task{}, err
	}

	if s := stringField(row, TaskFieldCreatedAt); s != "" {
		if t.CreatedAt, err = ParseTime(s); err != nil {
			return Task{}, fmt.Errorf("task %s createdAt: %w", t.ID, err)
		}
	}
	if s := stringField(row, TaskFieldStartedAt); s != "" {
		ts, err := ParseTime(s)
		if err != nil {
			return Task{}, fmt.Errorf("task %s startedAt: %w", t.ID, err)
		}
		t.StartedAt = &ts
	}
	if s := stringField(row, TaskFieldCompletedAt); s != "" {
		ts, err := ParseTime(s)
		if err != nil {
			return Task{}, fmt.Errorf("task %s completedAt: %w", t.ID, err)
		}
		t.CompletedAt = &ts
	}

	if p, ok := row[TaskFieldPayload]; ok && p != nil {
		raw, err := EncodeJSON(p)
		if err != nil {
			return Task{}, fmt.Errorf("task %s payload: %w", t.ID, err)
		}
		t.Payload = raw
	}
	return t, nil
}

func stringField(row Row, name string) string {
	s, _ := row[name].(string)
	return s
}

func intField(row Row, name string) (int, error) {
	switch v := row[name].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, fmt.Errorf("field %s: %w", name, err)
			}
			return int(f), nil
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("field %s: unexpected type %T", name, v)
	}
}
