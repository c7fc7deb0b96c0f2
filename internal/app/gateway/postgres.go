package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/app/appointment"
	"github.com/agendasync/project/internal/apperr"
)

// ClientRole is the database role whose row-level policies gate every
// gateway statement.
const ClientRole = "agenda_client"

const appointmentColumns = `id::text, title, date, time, note, category, priority, status, recurrence,
	alerts, attachments, created_at, coalesce(agenda_id::text, ''), coalesce(created_by::text, '')`

const grantColumns = `id::text, agenda_id::text, grantee_id::text, permission, created_at`

// Postgres is the gateway over the shared store. Every call runs in its own
// transaction that assumes ClientRole and binds the calling principal, so the
// store's policies decide what is visible and writable.
type Postgres struct {
	Pool *pgxpool.Pool
}

var _ Gateway = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

func (p *Postgres) asPrincipal(ctx context.Context, op, principal string, fn func(pgx.Tx) error) error {
	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapPgError(op, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+ClientRole); err != nil {
		return mapPgError(op, err)
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('app.principal_id', $1, true)`, principal); err != nil {
		return mapPgError(op, err)
	}
	if err := fn(tx); err != nil {
		return mapPgError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(op, err)
	}
	return nil
}

// mapPgError turns driver failures into the error taxonomy. Store messages are
// kept so callers can surface them.
func mapPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *apperr.Error
	if errors.As(err, &existing) {
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return apperr.Wrap(apperr.KindNetworkUnavailable, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &apperr.Error{Kind: apperr.KindRemoteRejected, Op: op, Message: pgErr.Message, Err: err}
	}
	return apperr.Remote(op, err)
}

func affectedOne(op string, tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return rejected(op)
	}
	return nil
}

func (p *Postgres) ListAgendas(ctx context.Context, principal string) ([]agenda.Agenda, error) {
	out := make([]agenda.Agenda, 0)
	err := p.asPrincipal(ctx, "list agendas", principal, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id::text, name, owner_id::text, created_at
			 FROM agendas
			 WHERE owner_id = app_principal()
			 ORDER BY created_at, id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a agenda.Agenda
			if err := rows.Scan(&a.ID, &a.Name, &a.OwnerID, &a.CreatedAt); err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) CreateAgenda(ctx context.Context, name, owner string) (agenda.Agenda, error) {
	const op = "create agenda"
	name = agenda.NormalizeName(name)
	if name == "" {
		return agenda.Agenda{}, apperr.Validation(op, "agenda name is required")
	}
	var a agenda.Agenda
	err := p.asPrincipal(ctx, op, owner, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`INSERT INTO agendas (name, owner_id)
			 VALUES ($1, app_principal())
			 RETURNING id::text, name, owner_id::text, created_at`,
			name,
		).Scan(&a.ID, &a.Name, &a.OwnerID, &a.CreatedAt)
	})
	return a, err
}

func (p *Postgres) RenameAgenda(ctx context.Context, principal, agendaID, name string) error {
	const op = "rename agenda"
	name = agenda.NormalizeName(name)
	if name == "" {
		return apperr.Validation(op, "agenda name is required")
	}
	return p.asPrincipal(ctx, op, principal, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE agendas SET name = $2 WHERE id = $1`, agendaID, name)
		if err != nil {
			return err
		}
		return affectedOne(op, tag)
	})
}

func (p *Postgres) DeleteAgenda(ctx context.Context, principal, agendaID string) error {
	const op = "delete agenda"
	return p.asPrincipal(ctx, op, principal, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM agendas WHERE id = $1`, agendaID)
		if err != nil {
			return err
		}
		return affectedOne(op, tag)
	})
}

func (p *Postgres) ListShareGrantsForPrincipal(ctx context.Context, principal string) ([]agenda.ShareGrant, error) {
	return p.listGrants(ctx, "list share grants", principal,
		`SELECT `+grantColumns+` FROM share_grants WHERE grantee_id = app_principal() ORDER BY created_at, id`)
}

func (p *Postgres) ListShareGrantsForAgenda(ctx context.Context, principal, agendaID string) ([]agenda.ShareGrant, error) {
	return p.listGrants(ctx, "list agenda share grants", principal,
		`SELECT `+grantColumns+` FROM share_grants WHERE agenda_id = $1 ORDER BY created_at, id`, agendaID)
}

func (p *Postgres) listGrants(ctx context.Context, op, principal, query string, args ...any) ([]agenda.ShareGrant, error) {
	out := make([]agenda.ShareGrant, 0)
	err := p.asPrincipal(ctx, op, principal, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g agenda.ShareGrant
			if err := rows.Scan(&g.ID, &g.AgendaID, &g.GranteeID, &g.Permission, &g.CreatedAt); err != nil {
				return err
			}
			out = append(out, g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) DeleteShareGrant(ctx context.Context, principal, grantID string) error {
	const op = "delete share grant"
	return p.asPrincipal(ctx, op, principal, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM share_grants WHERE id = $1`, grantID)
		if err != nil {
			return err
		}
		return affectedOne(op, tag)
	})
}

// ListAppointments issues an unfiltered query; the row policies are the only
// access check.
func (p *Postgres) ListAppointments(ctx context.Context, principal string) ([]appointment.Appointment, error) {
	out := make([]appointment.Appointment, 0)
	err := p.asPrincipal(ctx, "list appointments", principal, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+appointmentColumns+`
			 FROM appointments
			 ORDER BY date ASC, time ASC, created_at ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAppointment(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) CreateAppointment(ctx context.Context, principal string, draft appointment.Draft) (appointment.Appointment, error) {
	const op = "create appointment"
	if err := draft.Validate(); err != nil {
		return appointment.Appointment{}, err
	}
	d := draft.Normalize()
	a := d.Materialize("", principal, time.Time{})
	var created appointment.Appointment
	err := p.asPrincipal(ctx, op, principal, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO appointments (title, date, time, note, category, priority, status, recurrence, alerts, attachments, agenda_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, nullif($11, '')::uuid)
			 RETURNING `+appointmentColumns,
			a.Title, a.Date, a.Time, a.Note, string(a.Category), string(a.Priority), string(a.Status),
			string(a.Recurrence), alertStrings(a.Alerts), a.Attachments, a.AgendaID,
		)
		var err error
		created, err = scanAppointment(row)
		return err
	})
	return created, err
}

func (p *Postgres) UpdateAppointment(ctx context.Context, principal, id string, patch appointment.Patch) error {
	const op = "update appointment"
	if err := patch.Validate(); err != nil {
		return err
	}
	set, args := patchAssignments(patch)
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE appointments SET %s WHERE id = $%d`, strings.Join(set, ", "), len(args))
	return p.asPrincipal(ctx, op, principal, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		return affectedOne(op, tag)
	})
}

func (p *Postgres) DeleteAppointment(ctx context.Context, principal, id string) error {
	const op = "delete appointment"
	return p.asPrincipal(ctx, op, principal, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
		if err != nil {
			return err
		}
		return affectedOne(op, tag)
	})
}

// patchAssignments renders the SET list for the present fields only.
func patchAssignments(patch appointment.Patch) ([]string, []any) {
	// Apply to a zero value yields the normalized form of every present field.
	v := patch.Apply(appointment.Appointment{})
	set := make([]string, 0, 11)
	args := make([]any, 0, 12)
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Title.Set {
		add("title", v.Title)
	}
	if patch.Date.Set {
		add("date", v.Date)
	}
	if patch.Time.Set {
		add("time", v.Time)
	}
	if patch.Note.Set {
		add("note", v.Note)
	}
	if patch.Category.Set {
		add("category", string(v.Category))
	}
	if patch.Priority.Set {
		add("priority", string(v.Priority))
	}
	if patch.Status.Set {
		add("status", string(v.Status))
	}
	if patch.Recurrence.Set {
		add("recurrence", string(v.Recurrence))
	}
	if patch.Alerts.Set {
		add("alerts", alertStrings(v.Alerts))
	}
	if patch.Attachments.Set {
		add("attachments", append([]string{}, v.Attachments...))
	}
	if patch.AgendaID.Set {
		args = append(args, v.AgendaID)
		set = append(set, fmt.Sprintf("agenda_id = nullif($%d, '')::uuid", len(args)))
	}
	return set, args
}

func scanAppointment(row pgx.Row) (appointment.Appointment, error) {
	var (
		a           appointment.Appointment
		category    string
		priority    string
		status      string
		recurrence  string
		alerts      []string
		attachments []string
	)
	if err := row.Scan(
		&a.ID, &a.Title, &a.Date, &a.Time, &a.Note,
		&category, &priority, &status, &recurrence,
		&alerts, &attachments, &a.CreatedAt, &a.AgendaID, &a.CreatedBy,
	); err != nil {
		return appointment.Appointment{}, err
	}
	a.Category = appointment.Category(category)
	a.Priority = appointment.Priority(priority)
	a.Status = appointment.Status(status)
	a.Recurrence = appointment.Recurrence(recurrence)
	a.Alerts = make([]appointment.Alert, 0, len(alerts))
	for _, v := range alerts {
		a.Alerts = append(a.Alerts, appointment.Alert(v))
	}
	if attachments == nil {
		attachments = []string{}
	}
	a.Attachments = attachments
	return a, nil
}

func alertStrings(alerts []appointment.Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, string(a))
	}
	return out
}
