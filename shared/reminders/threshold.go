package reminders

import "kinect/internal/models"

// GlobalFallbackDays is the interval used when nothing else applies.
const GlobalFallbackDays = 30

// CategoryDefaults maps a category to its default interval in days.
// It is the only place category intervals are defined.
type CategoryDefaults struct {
	Days map[models.Category]int `yaml:"days" json:"days"`
	// Fallback overrides GlobalFallbackDays when positive.
	Fallback int `yaml:"fallback" json:"fallback"`
}

// DefaultCategoryDefaults returns the built-in interval table.
// CategoryCustom has no entry and resolves to the fallback.
func DefaultCategoryDefaults() CategoryDefaults {
	return CategoryDefaults{
		Days: map[models.Category]int{
			models.CategoryBestFriend:   7,
			models.CategoryFriend:       30,
			models.CategoryAcquaintance: 90,
		},
		Fallback: GlobalFallbackDays,
	}
}

func (d CategoryDefaults) fallback() int {
	if d.Fallback > 0 {
		return d.Fallback
	}
	return GlobalFallbackDays
}

// ResolveThreshold returns the effective reminder interval for a contact.
// First match wins: contact override, list interval, category default, fallback.
// list may be nil. The result is always positive.
func ResolveThreshold(c *models.Contact, list *models.ContactList, d CategoryDefaults) int {
	if c.CustomReminderDays != nil && *c.CustomReminderDays > 0 {
		return *c.CustomReminderDays
	}
	if list != nil && list.ReminderDays != nil && *list.ReminderDays > 0 {
		return *list.ReminderDays
	}
	if days, ok := d.Days[c.Category]; ok && days > 0 {
		return days
	}
	return d.fallback()
}
