package waits

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/conductor/fleet/internal/database"
)

// ErrUnknownConditionType is returned when decoding a condition with an
// unrecognized discriminant.
var ErrUnknownConditionType = errors.New("unknown wait condition type")

// ConditionType is the persisted discriminant of a wait condition.
type ConditionType string

const (
	TypeNone       ConditionType = "NONE"
	TypeLock       ConditionType = "PROCESS_LOCK"
	TypeCompletion ConditionType = "PROCESS_COMPLETION"
)

// Condition is a wait condition: None, Lock or Completion.
type Condition interface {
	Type() ConditionType
	condition()
}

// None is the absence of a condition.
type None struct{}

// Lock waits until the process holds the named lock in scope.
type Lock struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
}

// CompleteMode selects when a completion condition is satisfied.
type CompleteMode string

const (
	// CompleteAll waits for every watched process.
	CompleteAll CompleteMode = "ALL"
	// CompleteOneOf waits for any watched process.
	CompleteOneOf CompleteMode = "ONE_OF"
)

// Completion waits for other processes to reach a final status.
type Completion struct {
	Processes   []uuid.UUID `json:"processes"`
	ResumeEvent string      `json:"resumeEvent,omitempty"`
	// Exclusive conditions persist the shrinking set of watched processes
	// between evaluations.
	Exclusive bool `json:"exclusive,omitempty"`
	// FinalStatuses defaults to database.FinalStatuses.
	FinalStatuses []database.ProcessStatus `json:"finalStatuses,omitempty"`
	Mode          CompleteMode             `json:"completeCondition,omitempty"`
	Reason        string                   `json:"reason,omitempty"`
}

func (None) Type() ConditionType       { return TypeNone }
func (Lock) Type() ConditionType       { return TypeLock }
func (Completion) Type() ConditionType { return TypeCompletion }

func (None) condition()       {}
func (Lock) condition()       {}
func (Completion) condition() {}

// IsFinal reports whether status satisfies the condition.
func (c Completion) IsFinal(status database.ProcessStatus) bool {
	if len(c.FinalStatuses) == 0 {
		return status.IsFinal()
	}
	for _, s := range c.FinalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (c Completion) mode() CompleteMode {
	if c.Mode == "" {
		return CompleteAll
	}
	return c.Mode
}

// Encode serializes a condition with its "type" discriminant. A nil
// condition encodes to nil, which clears the stored condition.
func Encode(c Condition) (json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}

	var body []byte
	var err error
	switch v := c.(type) {
	case None:
		body = []byte("{}")
	case Lock:
		body, err = json.Marshal(v)
	case Completion:
		body, err = json.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownConditionType, c)
	}
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(c.Type())
	return json.Marshal(fields)
}

// Decode parses a stored condition. Empty input decodes to None.
func Decode(data json.RawMessage) (Condition, error) {
	if len(data) == 0 || string(data) == "null" {
		return None{}, nil
	}

	var head struct {
		Type ConditionType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid wait condition: %w", err)
	}

	switch head.Type {
	case TypeNone:
		return None{}, nil
	case TypeLock:
		var l Lock
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("invalid lock condition: %w", err)
		}
		return l, nil
	case TypeCompletion:
		var c Completion
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("invalid completion condition: %w", err)
		}
		switch c.mode() {
		case CompleteAll, CompleteOneOf:
		default:
			return nil, fmt.Errorf("invalid completion condition: unknown completeCondition %q", c.Mode)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownConditionType, head.Type)
	}
}
