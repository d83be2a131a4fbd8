package gate

import (
	"errors"
	"fmt"
)

// Quota bounds live executions within one session. Replayed steps are free:
// the budget exists to stop a runaway caller from burning through new side
// effects, not to penalize work already done.
type Quota struct {
	limit int
	used  int
}

// NewQuota creates a quota allowing up to limit live executions.
// A limit of zero or less means unlimited.
func NewQuota(limit int) *Quota {
	return &Quota{limit: limit}
}

// Spend consumes one execution from the budget.
// Returns a QuotaExceededError once the limit is passed.
func (q *Quota) Spend() error {
	q.used++
	if q.limit > 0 && q.used > q.limit {
		return &QuotaExceededError{Used: q.used, Limit: q.limit}
	}
	return nil
}

// Used returns how many executions have been spent.
func (q *Quota) Used() int { return q.used }

// QuotaExceededError is returned when a session passes its execution budget.
type QuotaExceededError struct {
	Used  int
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("execution quota exceeded: %d execution(s) attempted, limit %d", e.Used, e.Limit)
}

// IsQuotaExceeded reports whether err is a quota violation.
// Uses errors.As to handle wrapped errors.
func IsQuotaExceeded(err error) bool {
	var q *QuotaExceededError
	return errors.As(err, &q)
}
