package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/app/appointment"
	"github.com/agendasync/project/internal/app/gateway"
	"github.com/agendasync/project/internal/app/sharing"
	"github.com/agendasync/project/internal/app/syncer"
	"github.com/agendasync/project/internal/apperr"
)

type world struct {
	store *gateway.Memory
	p, q  gateway.Principal
	work  agenda.Agenda
}

func newWorld(t *testing.T) world {
	t.Helper()
	store := gateway.NewMemory()
	p := store.AddPrincipal(gateway.Principal{Email: "p@example.com", Name: "Paula"})
	q := store.AddPrincipal(gateway.Principal{Email: "q@example.com", Name: "Quinn"})
	work, err := store.CreateAgenda(context.Background(), "Work", p.ID)
	if err != nil {
		t.Fatalf("create agenda: %v", err)
	}
	return world{store: store, p: p, q: q, work: work}
}

func (w world) open(t *testing.T, principal string) *Session {
	t.Helper()
	s, err := Open(context.Background(), principal, Deps{
		Gateway: w.store,
		Feed:    w.store,
		Sharing: sharing.NewService(w.store, nil, nil),
	}, Config{Debounce: time.Millisecond, ReloadTimeout: time.Second})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpenWithoutPrincipalIsUnauthorized(t *testing.T) {
	w := newWorld(t)
	_, err := Open(context.Background(), "  ", Deps{Gateway: w.store}, Config{})
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestOpenDefaultsActiveAgendaToFirstOwned(t *testing.T) {
	w := newWorld(t)
	s := w.open(t, w.p.ID)
	if s.ActiveAgenda() != w.work.ID {
		t.Fatalf("expected active agenda %s, got %s", w.work.ID, s.ActiveAgenda())
	}
	if s.Controller().State() != syncer.StateFresh {
		t.Fatalf("expected fresh state, got %s", s.Controller().State())
	}
}

func TestCreateAppointmentLandsInActiveAgenda(t *testing.T) {
	w := newWorld(t)
	s := w.open(t, w.p.ID)

	created, err := s.CreateAppointment(context.Background(), appointment.Draft{
		Title:    "Hearing",
		Date:     "2025-03-10",
		Time:     "09:30",
		Category: appointment.CategoryHearing,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.AgendaID != w.work.ID {
		t.Fatalf("draft not placed in the active agenda: %q", created.AgendaID)
	}
	if got := s.Snapshot().ByDate("2025-03-10"); len(got) != 1 || got[0].Title != "Hearing" {
		t.Fatalf("unexpected day view: %+v", got)
	}
}

func TestViewGranteeSeesButCannotDelete(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	ps := w.open(t, w.p.ID)
	qs := w.open(t, w.q.ID)

	created, err := ps.CreateAppointment(ctx, appointment.Draft{Title: "Hearing", Date: "2025-03-10", Time: "09:30"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := ps.Share(ctx, w.work.ID, "q@example.com", agenda.PermissionView)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if res.GranteeName != "Quinn" {
		t.Fatalf("unexpected grantee name %q", res.GranteeName)
	}

	eventually(t, "grantee scope to include the shared agenda", func() bool {
		return qs.Scope().Contains(w.work.ID) && qs.Snapshot().Len() == 1
	})
	if perm, ok := qs.Permission(w.work.ID); !ok || perm.CanEdit() {
		t.Fatalf("expected view permission, got %q %v", perm, ok)
	}

	err = qs.DeleteAppointment(ctx, created.ID)
	if !errors.Is(err, apperr.ErrRemoteRejected) {
		t.Fatalf("expected remote rejection, got %v", err)
	}
	if ps.Snapshot().Len() != 1 {
		t.Fatalf("rejected delete changed the owner's data")
	}
}

func TestGranteeLeavingNarrowsScope(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	ps := w.open(t, w.p.ID)
	qs := w.open(t, w.q.ID)

	res, err := ps.Share(ctx, w.work.ID, "q@example.com", agenda.PermissionEdit)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	eventually(t, "grantee scope", func() bool { return qs.Scope().Contains(w.work.ID) })

	if err := qs.RemoveShare(ctx, res.Grant.ID); err != nil {
		t.Fatalf("remove share: %v", err)
	}
	if qs.Scope().Contains(w.work.ID) {
		t.Fatalf("scope still contains the agenda after leaving")
	}
	if qs.ActiveAgenda() != "" {
		t.Fatalf("active agenda should reset, got %q", qs.ActiveAgenda())
	}
}

func TestDeleteAgendaRules(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	ps := w.open(t, w.p.ID)
	qs := w.open(t, w.q.ID)

	if err := ps.DeleteAgenda(ctx, w.work.ID); !errors.Is(err, apperr.ErrValidationFailed) {
		t.Fatalf("the last agenda must not be deletable, got %v", err)
	}
	if err := qs.DeleteAgenda(ctx, w.work.ID); !errors.Is(err, apperr.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}

	home, err := ps.CreateAgenda(ctx, "  Home ")
	if err != nil {
		t.Fatalf("create agenda: %v", err)
	}
	if home.Name != "Home" {
		t.Fatalf("name not normalized: %q", home.Name)
	}
	if err := ps.DeleteAgenda(ctx, w.work.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ps.ActiveAgenda() != home.ID {
		t.Fatalf("active agenda should move to %s, got %s", home.ID, ps.ActiveAgenda())
	}
	if agendas := ps.Agendas(); len(agendas) != 1 || agendas[0].ID != home.ID {
		t.Fatalf("unexpected agendas: %+v", agendas)
	}
}

func TestRenameAgenda(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	ps := w.open(t, w.p.ID)

	if err := ps.RenameAgenda(ctx, w.work.ID, " "); !errors.Is(err, apperr.ErrValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := ps.RenameAgenda(ctx, w.work.ID, "Office"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := ps.Agendas()[0].Name; got != "Office" {
		t.Fatalf("rename not reflected: %q", got)
	}
}

func TestFocusForcesReload(t *testing.T) {
	w := newWorld(t)
	s, err := Open(context.Background(), w.p.ID, Deps{Gateway: w.store}, Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	// Written behind the session's back with no feed attached.
	if _, err := w.store.CreateAppointment(context.Background(), w.p.ID, appointment.Draft{
		Title: "Call", Date: "2025-03-11", Time: "10:00", AgendaID: w.work.ID,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Snapshot().Len() != 0 {
		t.Fatalf("snapshot changed without a reload")
	}
	if err := s.Focus(context.Background()); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if s.Snapshot().Len() != 1 {
		t.Fatalf("focus did not reload")
	}
}

func TestScheduledFallbackReload(t *testing.T) {
	w := newWorld(t)
	s, err := Open(context.Background(), w.p.ID, Deps{Gateway: w.store}, Config{FallbackSchedule: "@every 1s"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := w.store.CreateAppointment(context.Background(), w.p.ID, appointment.Draft{
		Title: "Call", Date: "2025-03-11", Time: "10:00", AgendaID: w.work.ID,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.Snapshot().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled reload did not run")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestInvalidFallbackSchedule(t *testing.T) {
	w := newWorld(t)
	_, err := Open(context.Background(), w.p.ID, Deps{Gateway: w.store}, Config{FallbackSchedule: "every so often"})
	if !errors.Is(err, apperr.ErrValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCloseTearsDown(t *testing.T) {
	w := newWorld(t)
	s := w.open(t, w.p.ID)
	if _, err := s.CreateAppointment(context.Background(), appointment.Draft{Title: "x", Date: "2025-03-10", Time: "08:00"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.Snapshot().Len() != 0 {
		t.Fatalf("cache survived close")
	}
	if w.store.Subscribers() != 0 {
		t.Fatalf("feed subscriptions leaked: %d", w.store.Subscribers())
	}
	if _, err := s.CreateAppointment(context.Background(), appointment.Draft{Title: "y", Date: "2025-03-10", Time: "08:00"}); !errors.Is(err, syncer.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.RefreshAgendas(context.Background()); !errors.Is(err, syncer.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpenStaysStaleWhenInitialLoadFails(t *testing.T) {
	w := newWorld(t)
	w.store.SetHook(func(op string) error {
		if op == "list agendas" {
			return errors.New("connection reset")
		}
		return nil
	})
	s, err := Open(context.Background(), w.p.ID, Deps{Gateway: w.store}, Config{})
	if err != nil {
		t.Fatalf("open should keep the session, got %v", err)
	}
	defer s.Close()
	if s.Controller().State() != syncer.StateStale || s.Err() == nil {
		t.Fatalf("expected stale with an error, got %s err=%v", s.Controller().State(), s.Err())
	}
	if s.ActiveAgenda() != "" || s.Scope().Len() != 0 {
		t.Fatalf("nothing should be visible before a successful load")
	}

	w.store.SetHook(nil)
	if err := s.Focus(context.Background()); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if s.Controller().State() != syncer.StateFresh || s.Err() != nil {
		t.Fatalf("focus did not heal the session: %s err=%v", s.Controller().State(), s.Err())
	}
	if s.ActiveAgenda() != w.work.ID {
		t.Fatalf("expected active agenda %s, got %q", w.work.ID, s.ActiveAgenda())
	}
}

func TestCloseDuringAgendaRefreshDiscardsResult(t *testing.T) {
	w := newWorld(t)
	s, err := Open(context.Background(), w.p.ID, Deps{Gateway: w.store}, Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	w.store.SetHook(func(op string) error {
		if op == "list share grants" {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- s.Focus(context.Background()) }()
	<-entered
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, syncer.ErrClosed) {
		t.Fatalf("expected ErrClosed from the interrupted refresh, got %v", err)
	}
	if len(s.Agendas()) != 0 || s.Scope().Len() != 0 || s.ActiveAgenda() != "" {
		t.Fatalf("refresh wrote state after close: agendas=%d scope=%d active=%q",
			len(s.Agendas()), s.Scope().Len(), s.ActiveAgenda())
	}
}
