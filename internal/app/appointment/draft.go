package appointment

import (
	"strings"
	"time"

	"github.com/agendasync/project/internal/apperr"
)

// Draft is an appointment before the store assigns its id and creation time.
// Empty enum fields take the store defaults (see Normalize).
type Draft struct {
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
	AgendaID    string     `json:"agenda_id,omitempty"`
}

// Normalize trims text fields and fills store defaults.
func (d Draft) Normalize() Draft {
	d.Title = strings.TrimSpace(d.Title)
	d.Date = strings.TrimSpace(d.Date)
	d.Time = strings.TrimSpace(d.Time)
	d.AgendaID = strings.TrimSpace(d.AgendaID)
	if d.Category == "" {
		d.Category = CategoryOther
	}
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	if d.Recurrence == "" {
		d.Recurrence = RecurrenceNone
	}
	if d.Alerts == nil {
		d.Alerts = []Alert{}
	}
	if d.Attachments == nil {
		d.Attachments = []string{}
	}
	return d
}

func (d Draft) Validate() error {
	const op = "validate appointment"
	d = d.Normalize()
	if d.Title == "" {
		return apperr.Validation(op, "title is required")
	}
	if err := validateDate(op, d.Date); err != nil {
		return err
	}
	if err := validateTime(op, d.Time); err != nil {
		return err
	}
	if !d.Category.Valid() {
		return apperr.Validation(op, "invalid category "+string(d.Category))
	}
	if !d.Priority.Valid() {
		return apperr.Validation(op, "invalid priority "+string(d.Priority))
	}
	if !d.Status.Valid() {
		return apperr.Validation(op, "invalid status "+string(d.Status))
	}
	if !d.Recurrence.Valid() {
		return apperr.Validation(op, "invalid recurrence "+string(d.Recurrence))
	}
	return validateAlerts(op, d.Alerts)
}

// Materialize builds the stored appointment for a validated draft.
func (d Draft) Materialize(id, createdBy string, createdAt time.Time) Appointment {
	d = d.Normalize()
	return Appointment{
		ID:          id,
		Title:       d.Title,
		Date:        d.Date,
		Time:        d.Time,
		Note:        d.Note,
		Category:    d.Category,
		Priority:    d.Priority,
		Status:      d.Status,
		Recurrence:  d.Recurrence,
		Alerts:      dedupeAlerts(d.Alerts),
		Attachments: append([]string{}, d.Attachments...),
		CreatedAt:   createdAt,
		AgendaID:    d.AgendaID,
		CreatedBy:   createdBy,
	}
}

func validateDate(op, v string) error {
	if len(v) != len(DateLayout) {
		return apperr.Validation(op, "date must be YYYY-MM-DD")
	}
	if _, err := time.Parse(DateLayout, v); err != nil {
		return apperr.Validation(op, "date must be YYYY-MM-DD")
	}
	return nil
}

func validateTime(op, v string) error {
	if len(v) != len(TimeLayout) {
		return apperr.Validation(op, "time must be HH:MM")
	}
	if _, err := time.Parse(TimeLayout, v); err != nil {
		return apperr.Validation(op, "time must be HH:MM")
	}
	return nil
}

func validateAlerts(op string, alerts []Alert) error {
	for _, a := range alerts {
		if !a.Valid() {
			return apperr.Validation(op, "invalid alert "+string(a))
		}
	}
	return nil
}

// dedupeAlerts keeps the first occurrence of each lead time; alerts are a set.
func dedupeAlerts(alerts []Alert) []Alert {
	out := make([]Alert, 0, len(alerts))
	seen := make(map[Alert]struct{}, len(alerts))
	for _, a := range alerts {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
