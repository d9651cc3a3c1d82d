// Package report builds the read-side daily summary. Absence is inferred here
// and never recorded.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/internal/domain/types"
)

// ErrInvalidDate is returned for dates not in YYYY-MM-DD form.
var ErrInvalidDate = errors.New("invalid date")

// Entry is one identity's line in the summary.
type Entry struct {
	IdentityID  string       `json:"identity_id"`
	DisplayName string       `json:"display_name,omitempty"`
	Status      types.Status `json:"status"`
	EventID     string       `json:"event_id,omitempty"`
	Timestamp   *time.Time   `json:"timestamp,omitempty"`
	Confidence  float64      `json:"confidence,omitempty"`
	Corrected   bool         `json:"corrected,omitempty"`
	Annotations []string     `json:"annotations,omitempty"`
	// Unenrolled marks events whose identity was later removed from the gallery.
	Unenrolled bool `json:"unenrolled,omitempty"`
}

// Counts tallies entries per status.
type Counts struct {
	OnTime int `json:"on_time"`
	Late   int `json:"late"`
	Absent int `json:"absent"`
}

// Summary is the attendance picture of one day.
type Summary struct {
	Date    string  `json:"date"`
	Counts  Counts  `json:"counts"`
	Entries []Entry `json:"entries"`
}

// Summarize combines enrolled identities, the day's events and corrections.
// Identities without an event are absent. Corrections apply in creation order;
// the latest one carrying a status wins.
func Summarize(date string, identities []model.EnrolledIdentity, events []model.AttendanceEvent, corrections []model.Correction) Summary {
	byEvent := make(map[string][]model.Correction, len(corrections))
	for _, c := range corrections {
		byEvent[c.EventID] = append(byEvent[c.EventID], c)
	}
	for id := range byEvent {
		cs := byEvent[id]
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].CreatedAt.Before(cs[j].CreatedAt) })
	}

	enrolled := make(map[string]model.EnrolledIdentity, len(identities))
	for _, id := range identities {
		enrolled[id.ID] = id
	}

	s := Summary{Date: date, Entries: make([]Entry, 0, len(identities)+len(events))}
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if ev.Date != date || seen[ev.IdentityID] {
			continue
		}
		seen[ev.IdentityID] = true
		ts := ev.Timestamp
		e := Entry{
			IdentityID: ev.IdentityID,
			Status:     ev.Status,
			EventID:    ev.ID,
			Timestamp:  &ts,
			Confidence: ev.Confidence,
		}
		if id, ok := enrolled[ev.IdentityID]; ok {
			e.DisplayName = id.DisplayName
		} else {
			e.Unenrolled = true
		}
		for _, c := range byEvent[ev.ID] {
			e.Annotations = append(e.Annotations, c.Annotation)
			if c.Status != "" {
				e.Status = c.Status
				e.Corrected = true
			}
		}
		s.Entries = append(s.Entries, e)
	}
	for _, id := range identities {
		if seen[id.ID] {
			continue
		}
		s.Entries = append(s.Entries, Entry{IdentityID: id.ID, DisplayName: id.DisplayName, Status: types.StatusAbsent})
	}

	sort.SliceStable(s.Entries, func(i, j int) bool {
		a, b := s.Entries[i], s.Entries[j]
		if a.DisplayName != b.DisplayName {
			return a.DisplayName < b.DisplayName
		}
		return a.IdentityID < b.IdentityID
	})
	for _, e := range s.Entries {
		switch e.Status {
		case types.StatusOnTime:
			s.Counts.OnTime++
		case types.StatusLate:
			s.Counts.Late++
		default:
			s.Counts.Absent++
		}
	}
	return s
}

// Source is what Build reads from.
type Source interface {
	ListEnrolled(ctx context.Context) ([]model.EnrolledIdentity, error)
	ListForDate(ctx context.Context, date string) ([]model.AttendanceEvent, error)
	ListCorrections(ctx context.Context, date string) ([]model.Correction, error)
}

var _ Source = storage.Store(nil)

// Build loads everything for date and summarizes it.
func Build(ctx context.Context, src Source, date string) (Summary, error) {
	if _, err := time.Parse(model.DateLayout, date); err != nil {
		return Summary{}, fmt.Errorf("%q: %w", date, ErrInvalidDate)
	}
	identities, err := src.ListEnrolled(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list identities: %w", err)
	}
	events, err := src.ListForDate(ctx, date)
	if err != nil {
		return Summary{}, fmt.Errorf("list events: %w", err)
	}
	corrections, err := src.ListCorrections(ctx, date)
	if err != nil {
		return Summary{}, fmt.Errorf("list corrections: %w", err)
	}
	return Summarize(date, identities, events, corrections), nil
}
