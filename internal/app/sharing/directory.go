package sharing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/apperr"
)

// SQLDirectory is the service-role Directory. It connects as a role that
// bypasses row-level security, so it must only be reachable from the
// privileged boundary.
type SQLDirectory struct {
	DB *sql.DB
}

func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{DB: db}
}

// OpenSQLDirectory opens a lib/pq pool for dsn and checks it is reachable.
func OpenSQLDirectory(ctx context.Context, dsn string) (*SQLDirectory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping directory: %w", err)
	}
	return &SQLDirectory{DB: db}, nil
}

func (d *SQLDirectory) Close() error {
	return d.DB.Close()
}

func (d *SQLDirectory) AgendaOwner(ctx context.Context, agendaID string) (string, error) {
	var owner string
	err := d.DB.QueryRowContext(ctx, `SELECT owner_id::text FROM agendas WHERE id = $1`, agendaID).Scan(&owner)
	if err != nil {
		return "", lookupError(err)
	}
	return owner, nil
}

func (d *SQLDirectory) PrincipalByEmail(ctx context.Context, email string) (string, string, error) {
	var id, name string
	err := d.DB.QueryRowContext(ctx,
		`SELECT id::text, display_name FROM principals WHERE lower(email) = lower($1)`,
		email).Scan(&id, &name)
	if err != nil {
		return "", "", lookupError(err)
	}
	return id, name, nil
}

func (d *SQLDirectory) UpsertGrant(ctx context.Context, agendaID, granteeID string, perm agenda.Permission) (agenda.ShareGrant, error) {
	var g agenda.ShareGrant
	var permission string
	err := d.DB.QueryRowContext(ctx,
		`INSERT INTO share_grants (agenda_id, grantee_id, permission)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (agenda_id, grantee_id) DO UPDATE SET permission = EXCLUDED.permission
		 RETURNING id::text, agenda_id::text, grantee_id::text, permission, created_at`,
		agendaID, granteeID, string(perm)).Scan(&g.ID, &g.AgendaID, &g.GranteeID, &permission, &g.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return agenda.ShareGrant{}, apperr.New(apperr.KindRemoteRejected, "upsert share grant", pqErr.Message)
		}
		return agenda.ShareGrant{}, apperr.Remote("upsert share grant", err)
	}
	g.Permission = agenda.Permission(permission)
	return g, nil
}

// lookupError maps a missing row, or an id the store cannot parse, to
// apperr.ErrNotFound.
func lookupError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
		return apperr.ErrNotFound
	}
	return err
}
