package soak

import (
	"fmt"
	"strings"

	"github.com/okian/rollcall/internal/domain/model"
)

// verify checks the server's attendance list against what the sessions saw.
// Every identity must have at most one event, and every identity that was
// accepted must have exactly that event.
func (t *tally) verify(ids []identity, events []model.AttendanceEvent, stats *Stats) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ours := make(map[string]bool, len(ids))
	for _, id := range ids {
		ours[id.ID] = true
	}
	recorded := make(map[string][]string)
	for _, e := range events {
		if ours[e.IdentityID] {
			recorded[e.IdentityID] = append(recorded[e.IdentityID], e.ID)
		}
	}
	stats.Recorded = len(recorded)
	stats.SeenIdentities = len(t.seen)

	var problems []string
	for id, events := range recorded {
		if len(events) > 1 {
			problems = append(problems, fmt.Sprintf("%s recorded %d times", id, len(events)))
		}
	}
	for id, n := range t.accepted {
		if n > 1 {
			problems = append(problems, fmt.Sprintf("%s accepted %d times", id, n))
		}
		got := recorded[id]
		if len(got) == 0 {
			problems = append(problems, fmt.Sprintf("%s accepted but missing from attendance", id))
			continue
		}
		if got[0] != t.eventIDs[id] {
			problems = append(problems, fmt.Sprintf("%s accepted as %s but stored as %s", id, t.eventIDs[id], got[0]))
		}
	}
	for _, id := range t.conflict {
		problems = append(problems, fmt.Sprintf("%s reported with conflicting event ids", id))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvariantViolated, strings.Join(problems, "; "))
	}
	return nil
}
