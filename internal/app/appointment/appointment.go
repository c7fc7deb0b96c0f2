package appointment

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	// MaxAttachmentSize is the per-file limit of the attachment storage.
	MaxAttachmentSize = 10 * 1024 * 1024
)

type Category string

const (
	CategoryHearing   Category = "audiencia"
	CategoryWork      Category = "work"
	CategoryChurch    Category = "church"
	CategoryPersonal  Category = "personal"
	CategoryFinancial Category = "financial"
	CategoryOther     Category = "other"
)

var Categories = []Category{CategoryHearing, CategoryWork, CategoryChurch, CategoryPersonal, CategoryFinancial, CategoryOther}

func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

func (p Priority) Valid() bool {
	for _, v := range Priorities {
		if p == v {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusLate       Status = "late"
	StatusDone       Status = "done"
)

var Statuses = []Status{StatusPending, StatusInProgress, StatusLate, StatusDone}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// ToggleStatus flips between done and alternate. Any status may follow any
// other; this is plain assignment and not a state machine.
func ToggleStatus(current, alternate Status) Status {
	if current == StatusDone {
		return alternate
	}
	return StatusDone
}

// Recurrence is descriptive only. No future instances are generated.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
	RecurrenceYearly  Recurrence = "yearly"
)

var Recurrences = []Recurrence{RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceYearly}

func (r Recurrence) Valid() bool {
	for _, v := range Recurrences {
		if r == v {
			return true
		}
	}
	return false
}

// Alert is a lead time before the appointment.
type Alert string

const (
	AlertOneDay     Alert = "1d"
	AlertOneHour    Alert = "1h"
	AlertThirtyMins Alert = "30m"
	AlertTenMins    Alert = "10m"
)

var Alerts = []Alert{AlertOneDay, AlertOneHour, AlertThirtyMins, AlertTenMins}

func (a Alert) Valid() bool {
	for _, v := range Alerts {
		if a == v {
			return true
		}
	}
	return false
}

func (a Alert) Duration() time.Duration {
	switch a {
	case AlertOneDay:
		return 24 * time.Hour
	case AlertOneHour:
		return time.Hour
	case AlertThirtyMins:
		return 30 * time.Minute
	case AlertTenMins:
		return 10 * time.Minute
	default:
		return 0
	}
}

type Appointment struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Date        string     `json:"date"`
	Time        string     `json:"time"`
	Note        string     `json:"note"`
	Category    Category   `json:"category"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	Recurrence  Recurrence `json:"recurrence"`
	Alerts      []Alert    `json:"alerts"`
	Attachments []string   `json:"attachments"`
	CreatedAt   time.Time  `json:"created_at"`
	AgendaID    string     `json:"agenda_id,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
}

// Clone returns a copy that shares no slices with a.
func (a Appointment) Clone() Appointment {
	out := a
	if a.Alerts != nil {
		out.Alerts = append([]Alert(nil), a.Alerts...)
	}
	if a.Attachments != nil {
		out.Attachments = append([]string(nil), a.Attachments...)
	}
	return out
}

// SortKey orders appointments chronologically.
func (a Appointment) SortKey() string {
	return a.Date + " " + a.Time
}

// Start resolves date and time in loc.
func (a Appointment) Start(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+TimeLayout, a.SortKey(), loc)
}

// AttachmentPath builds the storage key for an uploaded file.
func AttachmentPath(principalID string, uploadedAt time.Time, filename string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "." || name == "/" {
		name = "file"
	}
	return fmt.Sprintf("%s/%d-%s", principalID, uploadedAt.UnixMilli(), name)
}
