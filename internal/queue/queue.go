// Package queue derives the attendant rotation from a presence snapshot.
// The queue is never stored; it is recomputed from presence state on demand.
package queue

import (
	"sort"

	"github.com/cabelost/depillo-sistema/internal/models"
)

// Compute returns the attendants eligible for automatic assignment, ordered
// by the moment they became available. Attendants without an available status
// or without a queue timestamp are excluded. Equal timestamps fall back to
// attendant id so the result is stable for identical snapshots.
func Compute(snapshot map[string]models.Presence) []string {
	eligible := make([]models.Presence, 0, len(snapshot))
	for _, presence := range snapshot {
		if presence.Status != models.StatusAvailable || presence.QueueTimestamp == nil {
			continue
		}
		eligible = append(eligible, presence)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.QueueTimestamp.Equal(*b.QueueTimestamp) {
			return a.AttendantID < b.AttendantID
		}
		return a.QueueTimestamp.Before(*b.QueueTimestamp)
	})

	ids := make([]string, len(eligible))
	for i, presence := range eligible {
		ids[i] = presence.AttendantID
	}
	return ids
}
