package appointment

import (
	"strings"

	"github.com/agendasync/project/internal/apperr"
)

// Field is an optional patch value. The zero Field is absent, which is not
// the same as present-and-empty.
type Field[T any] struct {
	Value T
	Set   bool
}

func Some[T any](v T) Field[T] {
	return Field[T]{Value: v, Set: true}
}

func (f Field[T]) Get() (T, bool) {
	return f.Value, f.Set
}

// Patch is a partial update. Only fields with Set == true are written.
type Patch struct {
	Title       Field[string]
	Date        Field[string]
	Time        Field[string]
	Note        Field[string]
	Category    Field[Category]
	Priority    Field[Priority]
	Status      Field[Status]
	Recurrence  Field[Recurrence]
	Alerts      Field[[]Alert]
	Attachments Field[[]string]
	AgendaID    Field[string]
}

func (p Patch) Empty() bool {
	return !p.Title.Set && !p.Date.Set && !p.Time.Set && !p.Note.Set &&
		!p.Category.Set && !p.Priority.Set && !p.Status.Set && !p.Recurrence.Set &&
		!p.Alerts.Set && !p.Attachments.Set && !p.AgendaID.Set
}

func (p Patch) Validate() error {
	const op = "validate appointment patch"
	if p.Empty() {
		return apperr.Validation(op, "patch has no fields")
	}
	if p.Title.Set && strings.TrimSpace(p.Title.Value) == "" {
		return apperr.Validation(op, "title is required")
	}
	if p.Date.Set {
		if err := validateDate(op, strings.TrimSpace(p.Date.Value)); err != nil {
			return err
		}
	}
	if p.Time.Set {
		if err := validateTime(op, strings.TrimSpace(p.Time.Value)); err != nil {
			return err
		}
	}
	if p.Category.Set && !p.Category.Value.Valid() {
		return apperr.Validation(op, "invalid category "+string(p.Category.Value))
	}
	if p.Priority.Set && !p.Priority.Value.Valid() {
		return apperr.Validation(op, "invalid priority "+string(p.Priority.Value))
	}
	if p.Status.Set && !p.Status.Value.Valid() {
		return apperr.Validation(op, "invalid status "+string(p.Status.Value))
	}
	if p.Recurrence.Set && !p.Recurrence.Value.Valid() {
		return apperr.Validation(op, "invalid recurrence "+string(p.Recurrence.Value))
	}
	if p.Alerts.Set {
		return validateAlerts(op, p.Alerts.Value)
	}
	return nil
}

// Apply returns a copy of a with the present fields replaced.
func (p Patch) Apply(a Appointment) Appointment {
	out := a.Clone()
	if v, ok := p.Title.Get(); ok {
		out.Title = strings.TrimSpace(v)
	}
	if v, ok := p.Date.Get(); ok {
		out.Date = strings.TrimSpace(v)
	}
	if v, ok := p.Time.Get(); ok {
		out.Time = strings.TrimSpace(v)
	}
	if v, ok := p.Note.Get(); ok {
		out.Note = v
	}
	if v, ok := p.Category.Get(); ok {
		out.Category = v
	}
	if v, ok := p.Priority.Get(); ok {
		out.Priority = v
	}
	if v, ok := p.Status.Get(); ok {
		out.Status = v
	}
	if v, ok := p.Recurrence.Get(); ok {
		out.Recurrence = v
	}
	if v, ok := p.Alerts.Get(); ok {
		out.Alerts = dedupeAlerts(v)
	}
	if v, ok := p.Attachments.Get(); ok {
		out.Attachments = append([]string{}, v...)
	}
	if v, ok := p.AgendaID.Get(); ok {
		out.AgendaID = strings.TrimSpace(v)
	}
	return out
}
