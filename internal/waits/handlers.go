package waits

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/conductor/fleet/internal/database"
)

// Item is a waiting process with its decoded condition.
type Item struct {
	database.WaitItem
	Condition Condition
}

// Outcome is the verdict of a handler for one item.
type Outcome int

const (
	// Unchanged keeps the stored condition.
	Unchanged Outcome = iota
	// Updated persists Result.Condition and keeps waiting.
	Updated
	// Resolved clears the condition and releases the process.
	Resolved
)

func (o Outcome) String() string {
	switch o {
	case Updated:
		return "updated"
	case Resolved:
		return "resolved"
	default:
		return "unchanged"
	}
}

// Result is a handler verdict for one item.
type Result struct {
	Item    Item
	Outcome Outcome
	// Condition is the replacement condition when Outcome is Updated.
	Condition Condition
	// ResumeEvent is signalled on resolution when non-empty.
	ResumeEvent string
}

// StatusFinder looks up process statuses. Unknown ids are absent from
// the result.
type StatusFinder interface {
	FindStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]database.ProcessStatus, error)
}

// Locker takes named process locks.
type Locker interface {
	TryLock(ctx context.Context, scope, name string, holder uuid.UUID) (bool, error)
}

// CompletionHandler evaluates Completion conditions for a whole batch
// with as few status queries as possible.
type CompletionHandler struct {
	finder StatusFinder
	// limit caps the number of ids per status query.
	limit int
}

// NewCompletionHandler creates a handler querying at most limit ids at a time.
func NewCompletionHandler(finder StatusFinder, limit int) *CompletionHandler {
	if limit <= 0 {
		limit = DefaultConfig().StatusQueryLimit
	}
	return &CompletionHandler{finder: finder, limit: limit}
}

// Handle returns a result for every item. A batch without watched ids
// issues no query. Ids whose process no longer exists count as final.
func (h *CompletionHandler) Handle(ctx context.Context, items []Item) ([]Result, error) {
	if len(items) == 0 {
		return nil, nil
	}

	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, item := range items {
		for _, id := range item.Condition.(Completion).Processes {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	statuses := make(map[uuid.UUID]database.ProcessStatus, len(ids))
	for start := 0; start < len(ids); start += h.limit {
		end := min(start+h.limit, len(ids))
		found, err := h.finder.FindStatuses(ctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to find process statuses: %w", err)
		}
		for id, s := range found {
			statuses[id] = s
		}
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		results = append(results, evaluate(item, statuses))
	}
	return results, nil
}

func evaluate(item Item, statuses map[uuid.UUID]database.ProcessStatus) Result {
	c := item.Condition.(Completion)

	var remaining []uuid.UUID
	for _, id := range c.Processes {
		status, ok := statuses[id]
		if !ok || c.IsFinal(status) {
			continue
		}
		remaining = append(remaining, id)
	}

	res := Result{Item: item, Outcome: Unchanged}
	switch {
	case len(remaining) == 0:
		res.Outcome = Resolved
	case c.mode() == CompleteOneOf && len(remaining) < len(c.Processes):
		res.Outcome = Resolved
	case c.Exclusive && len(remaining) < len(c.Processes):
		next := c
		next.Processes = remaining
		res.Outcome = Updated
		res.Condition = next
	}
	if res.Outcome == Resolved {
		res.ResumeEvent = c.ResumeEvent
	}
	return res
}

// LockHandler resolves Lock conditions by trying to take the lock for
// the waiting process.
type LockHandler struct {
	locker Locker
}

// NewLockHandler creates a lock handler.
func NewLockHandler(locker Locker) *LockHandler {
	return &LockHandler{locker: locker}
}

// Handle tries each lock in turn. Items whose lock is held elsewhere
// stay unchanged.
func (h *LockHandler) Handle(ctx context.Context, items []Item) ([]Result, error) {
	results := make([]Result, 0, len(items))
	for _, item := range items {
		l := item.Condition.(Lock)
		ok, err := h.locker.TryLock(ctx, l.Scope, l.Name, item.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("failed to lock %s/%s: %w", l.Scope, l.Name, err)
		}
		res := Result{Item: item, Outcome: Unchanged}
		if ok {
			res.Outcome = Resolved
		}
		results = append(results, res)
	}
	return results, nil
}
