package taskwire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a task.
type State string

const (
	// Queued tasks sit in the ready-queue waiting for a worker.
	Queued State = "QUEUED"
	// Started tasks have been claimed by a worker.
	Started State = "STARTED"
	// Success, Failure and Revoked are terminal.
	Success State = "SUCCESS"
	Failure State = "FAILURE"
	Revoked State = "REVOKED"
)

// stateRank orders states so that transitions only ever move forward.
var stateRank = map[State]int{
	Queued:  1,
	Started: 2,
	Success: 3,
	Failure: 3,
	Revoked: 3,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Terminal reports whether no further transitions are allowed out of s.
func (s State) Terminal() bool {
	return s == Success || s == Failure || s == Revoked
}

// checkTransition validates a status change. Setting the same state again
// is a no-op and always allowed.
func checkTransition(from, to State) error {
	if !to.Valid() {
		return errors.Wrapf(ErrInvalidTransition, "unknown state %q", to)
	}
	if from == to {
		return nil
	}
	if from.Terminal() {
		return errors.Wrapf(ErrInvalidTransition, "%s is terminal, cannot change to %s", from, to)
	}
	if from.Valid() && stateRank[to] < stateRank[from] {
		return errors.Wrapf(ErrInvalidTransition, "%s cannot go back to %s", from, to)
	}
	return nil
}

// Task is the persisted state of one unit of work. The backend owns the
// lifecycle fields; Args, Kwargs and Result are opaque payloads that are
// stored and returned verbatim.
type Task struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Status       State           `json:"status"`
	Args         json.RawMessage `json:"args,omitempty"`
	Kwargs       json.RawMessage `json:"kwargs,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	FromTask     string          `json:"from_task,omitempty"` // id of the task that spawned this one
	TimeExecuted time.Time       `json:"time_executed"`       // time the task was queued
	TimeStarted  *time.Time      `json:"time_started,omitempty"`
	TimeEnded    *time.Time      `json:"time_ended,omitempty"`
	Expiry       *time.Time      `json:"expiry,omitempty"` // enforced by workers, not by the backend

	// Meta holds fields that are not part of the fixed schema. Save merges
	// unrecognized fields here instead of rejecting them.
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// Done reports whether the task has reached a terminal state.
func (t *Task) Done() bool {
	return t.Status.Terminal()
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Args != nil {
		c.Args = append(json.RawMessage(nil), t.Args...)
	}
	if t.Kwargs != nil {
		c.Kwargs = append(json.RawMessage(nil), t.Kwargs...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.TimeStarted != nil {
		ts := *t.TimeStarted
		c.TimeStarted = &ts
	}
	if t.TimeEnded != nil {
		te := *t.TimeEnded
		c.TimeEnded = &te
	}
	if t.Expiry != nil {
		ex := *t.Expiry
		c.Expiry = &ex
	}
	if t.Meta != nil {
		c.Meta = make(map[string]interface{}, len(t.Meta))
		for k, v := range t.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// Fields is a set of task attributes passed to Save. Keys matching a Task
// attribute are applied directly; everything else is merged into Meta.
type Fields map[string]interface{}

// apply updates the task from the given fields. A status change is validated
// against the state machine before anything is touched.
func (t *Task) apply(fields Fields) error {
	if v, ok := fields["status"]; ok {
		to, err := stateValue(v)
		if err != nil {
			return err
		}
		if err := checkTransition(t.Status, to); err != nil {
			return err
		}
	}
	for field, value := range fields {
		switch field {
		case "id":
			// Immutable once created.
			if s, ok := value.(string); !ok || s != t.ID {
				return fmt.Errorf("taskwire: field %q is immutable", field)
			}
		case "name":
			s, err := stringValue(field, value)
			if err != nil {
				return err
			}
			t.Name = s
		case "status":
			to, _ := stateValue(value)
			t.Status = to
		case "args":
			t.Args = rawValue(value)
		case "kwargs":
			t.Kwargs = rawValue(value)
		case "result":
			t.Result = rawValue(value)
		case "from_task":
			s, err := stringValue(field, value)
			if err != nil {
				return err
			}
			t.FromTask = s
		case "time_executed":
			ts, err := timeValue(field, value)
			if err != nil {
				return err
			}
			if ts != nil {
				t.TimeExecuted = *ts
			}
		case "time_started":
			ts, err := timeValue(field, value)
			if err != nil {
				return err
			}
			t.TimeStarted = ts
		case "time_ended":
			ts, err := timeValue(field, value)
			if err != nil {
				return err
			}
			t.TimeEnded = ts
		case "expiry":
			ts, err := timeValue(field, value)
			if err != nil {
				return err
			}
			t.Expiry = ts
		default:
			if t.Meta == nil {
				t.Meta = make(map[string]interface{})
			}
			t.Meta[field] = value
		}
	}
	return nil
}

func stateValue(v interface{}) (State, error) {
	switch s := v.(type) {
	case State:
		return s, nil
	case string:
		return State(s), nil
	default:
		return "", fmt.Errorf("taskwire: field \"status\" has unsupported type %T", v)
	}
}

func stringValue(field string, v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("taskwire: field %q has unsupported type %T", field, v)
	}
	return s, nil
}

func timeValue(field string, v interface{}) (*time.Time, error) {
	switch ts := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &ts, nil
	case *time.Time:
		return ts, nil
	default:
		return nil, fmt.Errorf("taskwire: field %q has unsupported type %T", field, v)
	}
}

// rawValue coerces opaque payload values into a raw JSON message. The
// backend never inspects payload contents.
func rawValue(v interface{}) json.RawMessage {
	switch p := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return p
	case []byte:
		return json.RawMessage(p)
	case string:
		return json.RawMessage(p)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return data
	}
}
