package reminders

import (
	"sort"
	"strings"
	"time"

	"kinect/internal/models"
)

// Settings are the tunables of one evaluation. They can be swapped at
// runtime; every run takes a snapshot.
type Settings struct {
	Thresholds    CategoryDefaults `yaml:"thresholds" json:"thresholds"`
	DueSoonWindow int              `yaml:"due_soon_window_days" json:"due_soon_window_days"`
	DigestCap     int              `yaml:"digest_cap" json:"digest_cap"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings {
	return Settings{
		Thresholds:    DefaultCategoryDefaults(),
		DueSoonWindow: DefaultDueSoonWindow,
		DigestCap:     DefaultDigestCap,
	}
}

// OverdueEntry is one overdue contact in a user's ranked list.
type OverdueEntry struct {
	ContactID        int64  `json:"contact_id"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	Name             string `json:"name"`
	DaysSinceContact int    `json:"days_since_contact"`
	Threshold        int    `json:"threshold"`
	DaysOverdue      int    `json:"days_overdue"`
}

// ContactWarning records a contact that was left out of the evaluation.
type ContactWarning struct {
	ContactID int64  `json:"contact_id"`
	Reason    string `json:"reason"`
}

// Stats summarizes a user's contacts.
type Stats struct {
	OverdueCount int              `json:"overdue_count"`
	DueSoonCount int              `json:"due_soon_count"`
	Overdue      []OverdueEntry   `json:"overdue"`
	Warnings     []ContactWarning `json:"warnings,omitempty"`
}

// Aggregate classifies every contact and ranks the overdue ones.
// Malformed contacts are skipped and reported in Warnings.
func Aggregate(contacts []models.Contact, lists []models.ContactList, s Settings, now time.Time) Stats {
	byID := make(map[int64]*models.ContactList, len(lists))
	for i := range lists {
		byID[lists[i].ID] = &lists[i]
	}

	stats := Stats{Overdue: make([]OverdueEntry, 0)}
	for i := range contacts {
		c := &contacts[i]

		ref, err := validateContact(c)
		if err != nil {
			stats.Warnings = append(stats.Warnings, ContactWarning{ContactID: c.ID, Reason: err.Error()})
			continue
		}

		var list *models.ContactList
		if c.ListID != nil {
			list = byID[*c.ListID]
		}

		res := Classify(ResolveThreshold(c, list, s.Thresholds), ref, now, s.DueSoonWindow)
		switch res.Status {
		case StatusOverdue:
			stats.OverdueCount++
			stats.Overdue = append(stats.Overdue, OverdueEntry{
				ContactID:        c.ID,
				FirstName:        c.FirstName,
				LastName:         c.LastName,
				Name:             c.DisplayName(),
				DaysSinceContact: res.DaysSinceContact,
				Threshold:        res.Threshold,
				DaysOverdue:      res.DaysOverdue,
			})
		case StatusDueSoon:
			stats.DueSoonCount++
		}
	}

	SortOverdue(stats.Overdue)
	return stats
}

// SortOverdue orders entries by days overdue (desc), then last name and
// first name (asc, case-insensitive), then contact ID.
func SortOverdue(entries []OverdueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.DaysOverdue != b.DaysOverdue {
			return a.DaysOverdue > b.DaysOverdue
		}
		if c := strings.Compare(strings.ToLower(a.LastName), strings.ToLower(b.LastName)); c != 0 {
			return c < 0
		}
		if c := strings.Compare(strings.ToLower(a.FirstName), strings.ToLower(b.FirstName)); c != 0 {
			return c < 0
		}
		return a.ContactID < b.ContactID
	})
}

func validateContact(c *models.Contact) (time.Time, error) {
	if c.ID <= 0 {
		return time.Time{}, &MalformedContactError{ContactID: c.ID, Reason: "missing id"}
	}
	if c.DisplayName() == "" {
		return time.Time{}, &MalformedContactError{ContactID: c.ID, Reason: "missing name"}
	}
	ref, ok := referenceInstant(c)
	if !ok {
		return time.Time{}, &MalformedContactError{ContactID: c.ID, Reason: "no last contact date or creation time"}
	}
	return ref, nil
}
