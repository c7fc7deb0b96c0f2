// Package gateway is the typed boundary over the remote agenda store.
//
// The store enforces row-level access. Implementations pass the calling
// principal through and return exactly what the store allows; they do not
// filter results again on the client side.
package gateway

import (
	"context"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/app/appointment"
)

// Appointments is the part of the gateway the sync controller needs.
type Appointments interface {
	// ListAppointments returns every row the store lets principal read,
	// ordered by date then time ascending.
	ListAppointments(ctx context.Context, principal string) ([]appointment.Appointment, error)
	CreateAppointment(ctx context.Context, principal string, draft appointment.Draft) (appointment.Appointment, error)
	// UpdateAppointment writes only the fields present in patch.
	UpdateAppointment(ctx context.Context, principal, id string, patch appointment.Patch) error
	DeleteAppointment(ctx context.Context, principal, id string) error
}

type Agendas interface {
	// ListAgendas returns the agendas principal owns, oldest first.
	ListAgendas(ctx context.Context, principal string) ([]agenda.Agenda, error)
	CreateAgenda(ctx context.Context, name, owner string) (agenda.Agenda, error)
	RenameAgenda(ctx context.Context, principal, agendaID, name string) error
	DeleteAgenda(ctx context.Context, principal, agendaID string) error
}

type Grants interface {
	// ListShareGrantsForPrincipal returns grants naming principal as grantee.
	ListShareGrantsForPrincipal(ctx context.Context, principal string) ([]agenda.ShareGrant, error)
	// ListShareGrantsForAgenda returns all grants on one agenda (owner view).
	ListShareGrantsForAgenda(ctx context.Context, principal, agendaID string) ([]agenda.ShareGrant, error)
	// DeleteShareGrant is allowed for the agenda owner and for the grantee.
	DeleteShareGrant(ctx context.Context, principal, grantID string) error
}

type Gateway interface {
	Appointments
	Agendas
	Grants
}
