package models

import (
	"strings"
	"time"
)

// Category is the relationship category of a contact.
type Category string

const (
	CategoryBestFriend   Category = "best_friend"
	CategoryFriend       Category = "friend"
	CategoryAcquaintance Category = "acquaintance"
	CategoryCustom       Category = "custom"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryBestFriend, CategoryFriend, CategoryAcquaintance, CategoryCustom:
		return true
	default:
		return false
	}
}

// Contact is a person the user keeps in touch with.
// LastContactDate is owned by the CRUD side; the reminder engine only reads it.
type Contact struct {
	ID                 int64      `json:"id"`
	UserID             int64      `json:"user_id"`
	ListID             *int64     `json:"list_id,omitempty"`
	FirstName          string     `json:"first_name"`
	LastName           string     `json:"last_name"`
	Email              string     `json:"email,omitempty"`
	Category           Category   `json:"category"`
	CustomReminderDays *int       `json:"custom_reminder_days,omitempty"`
	LastContactDate    *time.Time `json:"last_contact_date,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// DisplayName returns "First Last", or whichever half is present.
func (c *Contact) DisplayName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// ContactList groups contacts and may carry a shared reminder interval.
type ContactList struct {
	ID           int64  `json:"id"`
	UserID       int64  `json:"user_id"`
	Name         string `json:"name"`
	ReminderDays *int   `json:"reminder_days,omitempty"`
}
