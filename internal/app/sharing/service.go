// Package sharing delegates agenda access to other principals.
//
// Creating a grant needs an email lookup that ordinary principals cannot
// perform, so it runs behind a privileged boundary (Service, usually reached
// through Handler). Removing and listing grants is unprivileged and goes
// through the ordinary gateway (Manager).
package sharing

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/apperr"
	"github.com/agendasync/project/internal/platform/logging"
	"github.com/agendasync/project/internal/platform/metrics"
)

// Directory is the privileged view of the store. Lookups that match no row
// return apperr.ErrNotFound.
type Directory interface {
	AgendaOwner(ctx context.Context, agendaID string) (string, error)
	PrincipalByEmail(ctx context.Context, email string) (id, name string, err error)
	UpsertGrant(ctx context.Context, agendaID, granteeID string, perm agenda.Permission) (agenda.ShareGrant, error)
}

// GrantNotice describes a grant that was just written.
type GrantNotice struct {
	Grant        agenda.ShareGrant
	OwnerID      string
	GranteeEmail string
	GranteeName  string
}

type Notifier interface {
	GrantCreated(ctx context.Context, notice GrantNotice) error
}

type Request struct {
	AgendaID   string
	Email      string
	Permission agenda.Permission
}

func (r Request) normalized() Request {
	r.AgendaID = strings.TrimSpace(r.AgendaID)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Permission = agenda.Permission(strings.ToLower(strings.TrimSpace(string(r.Permission))))
	return r
}

// Validate checks the request shape only; ownership and lookups are gates of
// the privileged service.
func (r Request) Validate() error {
	const op = "share agenda"
	if r.AgendaID == "" {
		return apperr.Validation(op, "agenda_id is required")
	}
	if _, err := uuid.Parse(r.AgendaID); err != nil {
		return apperr.Validation(op, "agenda_id is not a valid id")
	}
	if !validEmail(r.Email) {
		return apperr.Validation(op, "a valid email is required")
	}
	if !r.Permission.Valid() {
		return apperr.Validation(op, "permission must be view or edit")
	}
	return nil
}

func validEmail(email string) bool {
	local, domain, ok := strings.Cut(email, "@")
	return ok && local != "" && domain != "" && !strings.ContainsAny(domain, "@ ")
}

type Result struct {
	Grant       agenda.ShareGrant
	GranteeName string
}

type Service struct {
	Directory Directory
	Notifier  Notifier
	Logger    *slog.Logger
}

func NewService(dir Directory, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{Directory: dir, Notifier: notifier, Logger: logging.OrDefault(logger)}
}

// Share grants req.Permission on req.AgendaID to the principal registered
// under req.Email. The gates run in order and the first failure wins:
// caller owns the agenda, email resolves, grantee is not the caller. A
// repeated share for the same pair updates the permission of the one grant.
func (s *Service) Share(ctx context.Context, caller string, req Request) (Result, error) {
	res, err := s.share(ctx, strings.TrimSpace(caller), req.normalized())
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	metrics.ShareRequests.WithLabelValues(result).Inc()
	return res, err
}

func (s *Service) share(ctx context.Context, caller string, req Request) (Result, error) {
	const op = "share agenda"
	if caller == "" {
		return Result{}, apperr.New(apperr.KindUnauthorized, op, "no authenticated principal")
	}
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	owner, err := s.Directory.AgendaOwner(ctx, req.AgendaID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return Result{}, apperr.New(apperr.KindNotOwner, op, "caller does not own this agenda")
	case err != nil:
		return Result{}, apperr.Remote(op, err)
	case owner != caller:
		return Result{}, apperr.New(apperr.KindNotOwner, op, "caller does not own this agenda")
	}

	granteeID, granteeName, err := s.Directory.PrincipalByEmail(ctx, req.Email)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return Result{}, apperr.New(apperr.KindGranteeNotFound, op, "no principal registered with that email")
	case err != nil:
		return Result{}, apperr.Remote(op, err)
	}
	if granteeID == caller {
		return Result{}, apperr.New(apperr.KindSelfShareRejected, op, "cannot share an agenda with yourself")
	}

	grant, err := s.Directory.UpsertGrant(ctx, req.AgendaID, granteeID, req.Permission)
	if err != nil {
		return Result{}, apperr.Remote(op, err)
	}

	if s.Notifier != nil {
		notice := GrantNotice{Grant: grant, OwnerID: caller, GranteeEmail: req.Email, GranteeName: granteeName}
		if err := s.Notifier.GrantCreated(ctx, notice); err != nil {
			s.logger().Warn("grant notification failed", "grant_id", grant.ID, "error", err)
		}
	}
	s.logger().Info("agenda shared", "agenda_id", grant.AgendaID, "grantee_id", grant.GranteeID, "permission", grant.Permission)
	return Result{Grant: grant, GranteeName: granteeName}, nil
}

func (s *Service) logger() *slog.Logger {
	return logging.OrDefault(s.Logger)
}
