package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/app/appointment"
	"github.com/agendasync/project/internal/app/gateway"
	"github.com/agendasync/project/internal/apperr"
)

type fakeStore struct {
	mu          sync.Mutex
	items       []appointment.Appointment
	listErr     error
	createErr   error
	updateErr   error
	gate        chan struct{}
	started     chan struct{}
	listCalls   int
	createCalls int
	inFlight    int
	maxInFlight int
}

func newFakeStore(items ...appointment.Appointment) *fakeStore {
	return &fakeStore{items: items, started: make(chan struct{}, 64)}
}

func (f *fakeStore) ListAppointments(ctx context.Context, principal string) ([]appointment.Appointment, error) {
	f.mu.Lock()
	f.listCalls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	gate := f.gate
	f.mu.Unlock()
	f.started <- struct{}{}

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]appointment.Appointment(nil), f.items...), nil
}

func (f *fakeStore) CreateAppointment(ctx context.Context, principal string, draft appointment.Draft) (appointment.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return appointment.Appointment{}, f.createErr
	}
	a := draft.Materialize("new", principal, time.Now())
	f.items = append(f.items, a)
	return a, nil
}

func (f *fakeStore) UpdateAppointment(ctx context.Context, principal, id string, patch appointment.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateErr
}

func (f *fakeStore) DeleteAppointment(ctx context.Context, principal, id string) error {
	return nil
}

func (f *fakeStore) set(fn func(*fakeStore)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func item(id, title string) appointment.Appointment {
	return appointment.Appointment{ID: id, Title: title, Date: "2025-03-10", Time: "09:00", Status: appointment.StatusPending}
}

func TestSetScopeLoadsFreshSnapshot(t *testing.T) {
	store := newFakeStore(item("a1", "Hearing"))
	c := New(store, nil, "p", Options{})
	defer c.Close()

	if c.State() != StateStale {
		t.Fatalf("new controller must start stale")
	}
	if err := c.SetScope(context.Background(), agenda.Scope{"g1": {}}); err != nil {
		t.Fatalf("SetScope: %v", err)
	}
	if c.State() != StateFresh || c.Snapshot().Len() != 1 || c.Err() != nil {
		t.Fatalf("unexpected state %s len=%d err=%v", c.State(), c.Snapshot().Len(), c.Err())
	}
}

func TestScopeIsCopied(t *testing.T) {
	c := New(newFakeStore(), nil, "p", Options{})
	defer c.Close()

	in := agenda.Scope{"g1": {}}
	if err := c.SetScope(context.Background(), in); err != nil {
		t.Fatalf("SetScope: %v", err)
	}
	in["g2"] = struct{}{}
	out := c.Scope()
	delete(out, "g1")
	if got := c.Scope(); got.Len() != 1 || !got.Contains("g1") {
		t.Fatalf("controller scope changed through a caller's map: %v", got.IDs())
	}
}

func TestFailedScopeReloadClearsCache(t *testing.T) {
	store := newFakeStore(item("a1", "Hearing"))
	c := New(store, nil, "p", Options{})
	defer c.Close()
	_ = c.SetScope(context.Background(), nil)

	store.set(func(f *fakeStore) { f.listErr = context.DeadlineExceeded })
	err := c.SetScope(context.Background(), agenda.Scope{"g2": {}})
	if !errors.Is(err, apperr.ErrNetworkUnavailable) {
		t.Fatalf("expected network error, got %v", err)
	}
	if c.Snapshot().Len() != 0 || c.State() != StateStale {
		t.Fatalf("scope change failure must clear the cache: len=%d state=%s", c.Snapshot().Len(), c.State())
	}
}

func TestFailedInvalidationReloadKeepsLastKnownGood(t *testing.T) {
	store := newFakeStore(item("a1", "Hearing"))
	c := New(store, nil, "p", Options{})
	defer c.Close()
	_ = c.SetScope(context.Background(), nil)

	store.set(func(f *fakeStore) { f.listErr = errors.New("permission denied") })
	if err := c.Refresh(context.Background()); !errors.Is(err, apperr.ErrRemoteRejected) {
		t.Fatalf("expected remote rejection, got %v", err)
	}
	if c.Snapshot().Len() != 1 || c.State() != StateStale || c.Err() == nil {
		t.Fatalf("expected stale last-known-good snapshot: len=%d state=%s", c.Snapshot().Len(), c.State())
	}

	store.set(func(f *fakeStore) { f.listErr = nil })
	if err := c.Refresh(context.Background()); err != nil || c.State() != StateFresh || c.Err() != nil {
		t.Fatalf("recovery reload: err=%v state=%s", err, c.State())
	}
}

func TestSingleReloadInFlightWithOneFollowUp(t *testing.T) {
	store := newFakeStore(item("a1", "Hearing"))
	store.gate = make(chan struct{})
	c := New(store, nil, "p", Options{})
	defer c.Close()

	first := make(chan error, 1)
	go func() { first <- c.Refresh(context.Background()) }()
	<-store.started
	if c.State() != StateRefreshing {
		t.Fatalf("expected refreshing, got %s", c.State())
	}

	for i := 0; i < 5; i++ {
		c.Invalidate()
	}
	second := make(chan error, 1)
	go func() { second <- c.Refresh(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if n := store.calls(); n != 1 {
		t.Fatalf("a second reload started while one was in flight: %d calls", n)
	}

	close(store.gate)
	if err := <-first; err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := store.calls(); n != 2 {
		t.Fatalf("expected exactly one follow-up reload, got %d calls", n)
	}
	store.set(func(f *fakeStore) {
		if f.maxInFlight != 1 {
			t.Errorf("reloads overlapped: max in flight %d", f.maxInFlight)
		}
	})
}

func TestDebouncedInvalidationsShareOneReload(t *testing.T) {
	store := newFakeStore()
	c := New(store, nil, "p", Options{Debounce: 20 * time.Millisecond})
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Invalidate()
	}
	eventually(t, "debounced reload", func() bool { return c.Reloads() == 1 })
	time.Sleep(40 * time.Millisecond)
	if n := store.calls(); n != 1 {
		t.Fatalf("burst produced %d reloads", n)
	}
}

func TestCreateValidatesLocally(t *testing.T) {
	store := newFakeStore()
	c := New(store, nil, "p", Options{})
	defer c.Close()

	_, err := c.Create(context.Background(), appointment.Draft{Title: " ", Date: "2025-03-10", Time: "09:00"})
	if !errors.Is(err, apperr.ErrValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.createCalls != 0 {
		t.Fatalf("invalid draft reached the store")
	}
}

func TestCreateFailureLeavesCacheUntouched(t *testing.T) {
	store := newFakeStore(item("a1", "Hearing"))
	c := New(store, nil, "p", Options{})
	defer c.Close()
	_ = c.SetScope(context.Background(), nil)
	before := c.Snapshot()

	store.set(func(f *fakeStore) { f.createErr = apperr.New(apperr.KindRemoteRejected, "create", "denied") })
	_, err := c.Create(context.Background(), appointment.Draft{Title: "x", Date: "2025-03-11", Time: "10:00"})
	if !errors.Is(err, apperr.ErrRemoteRejected) {
		t.Fatalf("expected remote rejection, got %v", err)
	}
	if c.Snapshot() != before {
		t.Fatalf("failed create must not touch the cache")
	}
}

func TestCreateSucceedsWhenFollowUpReloadFails(t *testing.T) {
	store := newFakeStore()
	c := New(store, nil, "p", Options{})
	defer c.Close()

	store.set(func(f *fakeStore) { f.listErr = context.DeadlineExceeded })
	created, err := c.Create(context.Background(), appointment.Draft{Title: "x", Date: "2025-03-11", Time: "10:00"})
	if err != nil || created.ID == "" {
		t.Fatalf("create must report the accepted write: %+v %v", created, err)
	}
	if !errors.Is(c.Err(), apperr.ErrNetworkUnavailable) || c.State() != StateStale {
		t.Fatalf("reload failure must surface via Err: %v %s", c.Err(), c.State())
	}
}

func TestUpdateIsOptimisticWithoutRollback(t *testing.T) {
	store := newFakeStore(item("a1", "Hearing"))
	c := New(store, nil, "p", Options{})
	defer c.Close()
	_ = c.SetScope(context.Background(), nil)

	store.set(func(f *fakeStore) { f.updateErr = apperr.New(apperr.KindRemoteRejected, "update", "view only") })
	err := c.Update(context.Background(), "a1", appointment.Patch{Title: appointment.Some("Renamed")})
	if !errors.Is(err, apperr.ErrRemoteRejected) {
		t.Fatalf("expected remote rejection, got %v", err)
	}
	got, _ := c.Snapshot().Get("a1")
	if got.Title != "Renamed" {
		t.Fatalf("optimistic value was rolled back: %q", got.Title)
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, _ = c.Snapshot().Get("a1")
	if got.Title != "Hearing" {
		t.Fatalf("reload must restore the store value, got %q", got.Title)
	}
}

func TestToggleDoneTwiceRestoresStatus(t *testing.T) {
	store := newFakeStore(item("a1", "Hearing"))
	c := New(store, nil, "p", Options{})
	defer c.Close()
	_ = c.SetScope(context.Background(), nil)

	for i := 0; i < 2; i++ {
		if err := c.ToggleDone(context.Background(), "a1", appointment.StatusPending); err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
	}
	got, _ := c.Snapshot().Get("a1")
	if got.Status != appointment.StatusPending {
		t.Fatalf("double toggle changed status to %s", got.Status)
	}
	if err := c.ToggleDone(context.Background(), "missing", ""); !errors.Is(err, apperr.ErrValidationFailed) {
		t.Fatalf("expected validation error for unknown id, got %v", err)
	}
}

func TestCloseDiscardsInFlightReload(t *testing.T) {
	store := newFakeStore(item("a1", "Hearing"))
	store.gate = make(chan struct{})
	c := New(store, nil, "p", Options{})
	updates, _ := c.Subscribe()

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	<-store.started

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	close(store.gate)
	time.Sleep(10 * time.Millisecond)
	if c.Snapshot().Len() != 0 || c.State() != StateStale {
		t.Fatalf("closed controller applied a result")
	}
	for range updates {
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("refresh after close: %v", err)
	}
	if err := c.Update(context.Background(), "a1", appointment.Patch{Title: appointment.Some("x")}); !errors.Is(err, ErrClosed) {
		t.Fatalf("update after close: %v", err)
	}
}

func TestListenersReceiveLatestSnapshot(t *testing.T) {
	store := newFakeStore(item("a1", "Hearing"))
	c := New(store, nil, "p", Options{})
	defer c.Close()
	updates, stop := c.Subscribe()
	defer stop()

	_ = c.SetScope(context.Background(), nil)
	_ = c.Update(context.Background(), "a1", appointment.Patch{Note: appointment.Some("bring docs")})

	snap := <-updates
	got, _ := snap.Get("a1")
	if got.Note != "bring docs" {
		t.Fatalf("listener did not get the latest snapshot: %+v", got)
	}
}

func TestFeedSignalsTriggerReload(t *testing.T) {
	ctx := context.Background()
	store := gateway.NewMemory()
	p := store.AddPrincipal(gateway.Principal{Email: "p@example.com"})
	q := store.AddPrincipal(gateway.Principal{Email: "q@example.com"})
	g1, _ := store.CreateAgenda(ctx, "Office", p.ID)
	_, _ = store.UpsertGrant(ctx, g1.ID, q.ID, agenda.PermissionView)

	owner := New(store, store, p.ID, Options{Debounce: 5 * time.Millisecond})
	defer owner.Close()
	viewer := New(store, store, q.ID, Options{Debounce: 5 * time.Millisecond})
	defer viewer.Close()
	scope := agenda.Scope{g1.ID: {}}
	_ = owner.SetScope(ctx, scope)
	_ = viewer.SetScope(ctx, scope)

	if _, err := owner.Create(ctx, appointment.Draft{Title: "Standup", Date: "2025-03-10", Time: "09:00", AgendaID: g1.ID}); err != nil {
		t.Fatalf("create: %v", err)
	}
	eventually(t, "viewer reload", func() bool { return len(viewer.Snapshot().ByDate("2025-03-10")) == 1 })

	if err := viewer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := store.Subscribers(); n != 1 {
		t.Fatalf("closed controller left its subscription open: %d", n)
	}
}

// gatedUpdates holds UpdateAppointment until release is closed.
type gatedUpdates struct {
	*gateway.Memory
	entered chan struct{}
	release chan struct{}
}

func (g gatedUpdates) UpdateAppointment(ctx context.Context, principal, id string, patch appointment.Patch) error {
	g.entered <- struct{}{}
	<-g.release
	return g.Memory.UpdateAppointment(ctx, principal, id, patch)
}

func TestReloadDuringPendingOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	store := gateway.NewMemory()
	p := store.AddPrincipal(gateway.Principal{Email: "p@example.com"})
	g1, _ := store.CreateAgenda(ctx, "Office", p.ID)
	created, _ := store.CreateAppointment(ctx, p.ID, appointment.Draft{Title: "Hearing", Date: "2025-03-10", Time: "09:00", AgendaID: g1.ID})

	gw := gatedUpdates{Memory: store, entered: make(chan struct{}, 1), release: make(chan struct{})}
	a := New(gw, nil, p.ID, Options{})
	defer a.Close()
	if err := a.SetScope(ctx, agenda.Scope{g1.ID: {}}); err != nil {
		t.Fatalf("SetScope: %v", err)
	}

	updated := make(chan error, 1)
	go func() { updated <- a.Update(ctx, created.ID, appointment.Patch{Title: appointment.Some("Moved hearing")}) }()
	<-gw.entered
	if got, _ := a.Snapshot().Get(created.ID); got.Title != "Moved hearing" {
		t.Fatalf("optimistic title not applied: %q", got.Title)
	}

	before := a.Reloads()
	a.Invalidate()
	eventually(t, "invalidation reload", func() bool { return a.Reloads() == before+1 })
	if got, _ := a.Snapshot().Get(created.ID); got.Title != "Hearing" {
		t.Fatalf("reload must show the store value while the write is pending, got %q", got.Title)
	}

	close(gw.release)
	if err := <-updated; err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := a.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if a.Reloads() != before+2 {
		t.Fatalf("unexpected reload count %d", a.Reloads()-before)
	}
	if got, _ := a.Snapshot().Get(created.ID); got.Title != "Moved hearing" {
		t.Fatalf("accepted write not reflected: %q", got.Title)
	}
}
