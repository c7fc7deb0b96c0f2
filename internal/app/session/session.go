// Package session composes the per-login pieces: agenda list and access
// scope, the appointment sync controller, sharing, and the fallback reload
// schedule. A Session is created on login and closed on logout; nothing it
// owns outlives Close.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"github.com/robfig/cron/v3"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/app/appointment"
	"github.com/agendasync/project/internal/app/cache"
	"github.com/agendasync/project/internal/app/gateway"
	"github.com/agendasync/project/internal/app/sharing"
	"github.com/agendasync/project/internal/app/syncer"
	"github.com/agendasync/project/internal/apperr"
	"github.com/agendasync/project/internal/platform/logging"
	"github.com/agendasync/project/internal/realtime"
)

const DefaultFallbackSchedule = "@every 5m"

type Config struct {
	Debounce      time.Duration
	ReloadTimeout time.Duration
	// FallbackSchedule is a cron spec for forced reloads; empty disables it.
	FallbackSchedule string
	Logger           *slog.Logger
}

type Deps struct {
	Gateway gateway.Gateway
	// Feed may be nil, in which case only explicit and scheduled reloads run.
	Feed    realtime.Feed
	Sharing sharing.Boundary
}

type Session struct {
	id        string
	principal string
	gw        gateway.Gateway
	feed      realtime.Feed
	shares    *sharing.Manager
	ctrl      *syncer.Controller
	cron      *cron.Cron
	log       *slog.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	refreshMu sync.Mutex

	mu       sync.Mutex
	owned    []agenda.Agenda
	grants   []agenda.ShareGrant
	scope    agenda.Scope
	scopeSet bool
	active   string
	closed   bool

	// refreshErr is the last agenda refresh failure, cleared on success.
	refreshErr error
}

// Open signs principal in: it loads the agenda list, resolves the access
// scope, loads appointments for it and starts following changes. A failed
// initial load leaves the session open and stale with the failure in Err;
// Focus or the fallback schedule retries it.
func Open(ctx context.Context, principal string, deps Deps, cfg Config) (*Session, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "open session", "no authenticated principal")
	}
	id := nuid.Next()
	log := logging.OrDefault(cfg.Logger).With("session_id", id, "principal_id", principal)

	bg, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		principal: principal,
		gw:        deps.Gateway,
		feed:      deps.Feed,
		shares:    sharing.NewManager(deps.Sharing, deps.Gateway),
		ctrl: syncer.New(deps.Gateway, deps.Feed, principal, syncer.Options{
			Debounce:      cfg.Debounce,
			ReloadTimeout: cfg.ReloadTimeout,
			Logger:        log,
		}),
		log:    log,
		cancel: cancel,
	}

	if err := s.RefreshAgendas(ctx); err != nil {
		log.Warn("initial load failed; session is stale", "error", err)
	}
	if s.feed != nil {
		s.watchAgendas(bg)
	}
	if cfg.FallbackSchedule != "" {
		if err := s.schedule(bg, cfg.FallbackSchedule, cfg.ReloadTimeout); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	log.Info("session opened", "agendas", s.Scope().Len())
	return s, nil
}

func (s *Session) ID() string                     { return s.id }
func (s *Session) Principal() string              { return s.principal }
func (s *Session) Controller() *syncer.Controller { return s.ctrl }

// Snapshot is the current appointment snapshot; read it, never mutate it.
func (s *Session) Snapshot() *cache.Snapshot { return s.ctrl.Snapshot() }

// Agendas returns the agendas principal owns, oldest first.
func (s *Session) Agendas() []agenda.Agenda {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agenda.Agenda(nil), s.owned...)
}

func (s *Session) SharedWithMe() []agenda.ShareGrant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agenda.ShareGrant(nil), s.grants...)
}

func (s *Session) Scope() agenda.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope.Clone()
}

// Permission reports what the principal may do in agendaID.
func (s *Session) Permission(agendaID string) (agenda.Permission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return agenda.PermissionFor(s.principal, agendaID, s.owned, s.grants)
}

func (s *Session) ActiveAgenda() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) SetActiveAgenda(agendaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scope.Contains(agendaID) {
		return apperr.Validation("set active agenda", "agenda is not accessible")
	}
	s.active = agendaID
	return nil
}

// RefreshAgendas reloads the owned agendas and the grants naming the
// principal. When the resulting scope differs from the one being followed,
// the controller switches to it and reloads.
func (s *Session) RefreshAgendas(ctx context.Context) error {
	_, err := s.refreshAgendas(ctx)
	return err
}

func (s *Session) refreshAgendas(ctx context.Context) (bool, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.isClosed() {
		return false, syncer.ErrClosed
	}
	owned, err := s.gw.ListAgendas(ctx, s.principal)
	if err != nil {
		return false, s.refreshFailed(apperr.Remote("list agendas", err))
	}
	grants, err := s.gw.ListShareGrantsForPrincipal(ctx, s.principal)
	if err != nil {
		return false, s.refreshFailed(apperr.Remote("list share grants", err))
	}
	scope := agenda.ResolveAccessibleAgendas(s.principal, owned, grants)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, syncer.ErrClosed
	}
	s.refreshErr = nil
	s.owned = owned
	s.grants = grants
	changed := !s.scopeSet || !scope.Equal(s.scope)
	s.scope = scope
	s.scopeSet = true
	if !scope.Contains(s.active) {
		s.active = defaultActive(owned, scope)
	}
	s.mu.Unlock()

	if !changed {
		return false, nil
	}
	s.log.Debug("access scope changed", "agendas", scope.Len())
	return true, s.ctrl.SetScope(ctx, scope)
}

func (s *Session) refreshFailed(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syncer.ErrClosed
	}
	s.refreshErr = err
	return err
}

// Err is the failure of the latest agenda refresh, else that of the latest
// appointment reload.
func (s *Session) Err() error {
	s.mu.Lock()
	err := s.refreshErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.ctrl.Err()
}

// defaultActive is the oldest owned agenda, else the first shared one.
func defaultActive(owned []agenda.Agenda, scope agenda.Scope) string {
	for _, a := range owned {
		if scope.Contains(a.ID) {
			return a.ID
		}
	}
	if ids := scope.IDs(); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// Focus forces agenda and appointment reloads, for when the app regains
// focus and signals may have been missed.
func (s *Session) Focus(ctx context.Context) error {
	changed, err := s.refreshAgendas(ctx)
	if err != nil || changed {
		return err
	}
	return s.ctrl.Refresh(ctx)
}

func (s *Session) CreateAgenda(ctx context.Context, name string) (agenda.Agenda, error) {
	name = agenda.NormalizeName(name)
	if name == "" {
		return agenda.Agenda{}, apperr.Validation("create agenda", "name is required")
	}
	if s.isClosed() {
		return agenda.Agenda{}, syncer.ErrClosed
	}
	created, err := s.gw.CreateAgenda(ctx, name, s.principal)
	if err != nil {
		return agenda.Agenda{}, apperr.Remote("create agenda", err)
	}
	if err := s.RefreshAgendas(ctx); err != nil {
		s.log.Warn("agenda reload after create failed", "error", err)
	}
	return created, nil
}

func (s *Session) RenameAgenda(ctx context.Context, agendaID, name string) error {
	const op = "rename agenda"
	name = agenda.NormalizeName(name)
	if name == "" {
		return apperr.Validation(op, "name is required")
	}
	if !s.owns(agendaID) {
		return apperr.New(apperr.KindNotOwner, op, "only the owner can rename an agenda")
	}
	if err := s.gw.RenameAgenda(ctx, s.principal, agendaID, name); err != nil {
		return apperr.Remote(op, err)
	}
	return s.RefreshAgendas(ctx)
}

// DeleteAgenda removes an owned agenda together with its appointments and
// grants. The last owned agenda cannot be deleted.
func (s *Session) DeleteAgenda(ctx context.Context, agendaID string) error {
	const op = "delete agenda"
	s.mu.Lock()
	owned := len(s.owned)
	s.mu.Unlock()
	if !s.owns(agendaID) {
		return apperr.New(apperr.KindNotOwner, op, "only the owner can delete an agenda")
	}
	if owned <= 1 {
		return apperr.Validation(op, "cannot delete the last agenda")
	}
	if err := s.gw.DeleteAgenda(ctx, s.principal, agendaID); err != nil {
		return apperr.Remote(op, err)
	}
	return s.RefreshAgendas(ctx)
}

func (s *Session) owns(agendaID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.owned {
		if a.ID == agendaID {
			return true
		}
	}
	return false
}

func (s *Session) Share(ctx context.Context, agendaID, email string, perm agenda.Permission) (sharing.Result, error) {
	if s.isClosed() {
		return sharing.Result{}, syncer.ErrClosed
	}
	return s.shares.ShareAgenda(ctx, s.principal, agendaID, email, perm)
}

// RemoveShare deletes a grant the principal is party to. Leaving a shared
// agenda narrows the scope, so agendas are reloaded afterwards.
func (s *Session) RemoveShare(ctx context.Context, grantID string) error {
	if s.isClosed() {
		return syncer.ErrClosed
	}
	if err := s.shares.RemoveShare(ctx, s.principal, grantID); err != nil {
		return err
	}
	return s.RefreshAgendas(ctx)
}

func (s *Session) SharesForAgenda(ctx context.Context, agendaID string) ([]agenda.ShareGrant, error) {
	return s.shares.SharesForAgenda(ctx, s.principal, agendaID)
}

// CreateAppointment places drafts without an agenda in the active agenda.
func (s *Session) CreateAppointment(ctx context.Context, draft appointment.Draft) (appointment.Appointment, error) {
	if strings.TrimSpace(draft.AgendaID) == "" {
		draft.AgendaID = s.ActiveAgenda()
	}
	return s.ctrl.Create(ctx, draft)
}

func (s *Session) UpdateAppointment(ctx context.Context, id string, patch appointment.Patch) error {
	return s.ctrl.Update(ctx, id, patch)
}

func (s *Session) DeleteAppointment(ctx context.Context, id string) error {
	return s.ctrl.Delete(ctx, id)
}

func (s *Session) ToggleDone(ctx context.Context, id string, alternate appointment.Status) error {
	return s.ctrl.ToggleDone(ctx, id, alternate)
}

// watchAgendas follows the principal's own change stream and reloads the
// agenda list on each signal, so grants created or removed by others take
// effect without a restart.
func (s *Session) watchAgendas(ctx context.Context) {
	signals, unsubscribe, err := s.feed.Subscribe(ctx, s.principal, nil)
	if err != nil {
		s.log.Warn("agenda change feed unavailable", "error", err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
				if err := s.RefreshAgendas(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("agenda reload failed", "error", err)
				}
			}
		}
	}()
}

func (s *Session) schedule(ctx context.Context, spec string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = syncer.DefaultReloadTimeout
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, 2*timeout)
		defer cancel()
		if err := s.Focus(runCtx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduled reload failed", "error", err)
		}
	})
	if err != nil {
		return apperr.Validation("open session", fmt.Sprintf("invalid fallback schedule %q: %v", spec, err))
	}
	c.Start()
	s.cron = c
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down. Pending reloads are discarded, the feed is
// released and the cache is emptied. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.owned = nil
	s.grants = nil
	s.scope = nil
	s.active = ""
	s.mu.Unlock()

	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	err := s.ctrl.Close()
	s.log.Info("session closed")
	return err
}
