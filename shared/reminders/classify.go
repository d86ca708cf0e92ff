package reminders

import (
	"time"

	"kinect/internal/models"
)

// DefaultDueSoonWindow is how many days before the threshold a contact is due soon.
const DefaultDueSoonWindow = 7

// Status is the reminder state of one contact.
type Status string

const (
	StatusOK      Status = "OK"
	StatusDueSoon Status = "DUE_SOON"
	StatusOverdue Status = "OVERDUE"
)

// ReminderResult is derived on every evaluation and never stored.
type ReminderResult struct {
	DaysSinceContact int    `json:"days_since_contact"`
	Threshold        int    `json:"threshold"`
	Status           Status `json:"status"`
	DaysOverdue      int    `json:"days_overdue"`
}

// Classify turns a threshold and reference instant into a status.
// Whole days are counted; a reference in the future counts as zero days.
func Classify(threshold int, reference, now time.Time, window int) ReminderResult {
	days := 0
	if elapsed := now.Sub(reference); elapsed > 0 {
		days = int(elapsed / (24 * time.Hour))
	}

	res := ReminderResult{
		DaysSinceContact: days,
		Threshold:        threshold,
		Status:           StatusOK,
	}
	switch {
	case days > threshold:
		res.Status = StatusOverdue
		res.DaysOverdue = days - threshold
	case threshold-days <= window:
		res.Status = StatusDueSoon
	}
	return res
}

// referenceInstant is the last contact date, or the creation time for
// contacts that were never contacted.
func referenceInstant(c *models.Contact) (time.Time, bool) {
	if c.LastContactDate != nil && !c.LastContactDate.IsZero() {
		return *c.LastContactDate, true
	}
	if !c.CreatedAt.IsZero() {
		return c.CreatedAt, true
	}
	return time.Time{}, false
}
