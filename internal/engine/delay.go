package engine

import (
	"time"

	"clinicrm/internal/domain"
)

const day = 24 * time.Hour

// ResolveDueDate computes when a task for rule is due. ABSOLUTE rules count
// from anchor, the stage entry time. AFTER_PREVIOUS rules count from the
// previous task's due date and fall back to anchor when there is none.
// Days are fixed 24h periods in UTC.
func ResolveDueDate(rule domain.StageTaskRule, anchor time.Time, previousDue *time.Time) time.Time {
	base := anchor.UTC()
	if rule.DelayType == domain.DelayAfterPrevious && previousDue != nil && !previousDue.IsZero() {
		base = previousDue.UTC()
	}
	return base.Add(time.Duration(rule.DelayDays) * day)
}
