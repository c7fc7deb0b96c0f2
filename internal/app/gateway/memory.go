package gateway

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/app/appointment"
	"github.com/agendasync/project/internal/apperr"
)

// Principal is a directory entry of the in-memory store.
type Principal struct {
	ID    string
	Email string
	Name  string
}

// Memory is an in-process agenda store applying the same access policy as the
// Postgres schema. It serves as the development backend and as the remote
// store in tests; it also answers the privileged directory lookups and emits
// change signals.
type Memory struct {
	Now func() time.Time

	mu           sync.Mutex
	hookFn       func(op string) error
	principals   map[string]Principal
	agendas      map[string]agenda.Agenda
	grants       map[string]agenda.ShareGrant
	appointments map[string]appointment.Appointment
	subs         map[string]memorySub
}

type memorySub struct {
	principal string
	ch        chan struct{}
}

var _ Gateway = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		Now:          func() time.Time { return time.Now().UTC() },
		principals:   map[string]Principal{},
		agendas:      map[string]agenda.Agenda{},
		grants:       map[string]agenda.ShareGrant{},
		appointments: map[string]appointment.Appointment{},
		subs:         map[string]memorySub{},
	}
}

// AddPrincipal registers an identity. An empty id gets a generated one.
func (m *Memory) AddPrincipal(p Principal) Principal {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	m.mu.Lock()
	m.principals[p.ID] = p
	m.mu.Unlock()
	return p
}

// SetHook installs fn to run before every operation; a non-nil error aborts
// the operation. Passing nil removes it.
func (m *Memory) SetHook(fn func(op string) error) {
	m.mu.Lock()
	m.hookFn = fn
	m.mu.Unlock()
}

func (m *Memory) hook(op string) error {
	m.mu.Lock()
	fn := m.hookFn
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	if err := fn(op); err != nil {
		return apperr.Remote(op, err)
	}
	return nil
}

func rejected(op string) error {
	return apperr.New(apperr.KindRemoteRejected, op, "permission denied or row not found")
}

func (m *Memory) ListAgendas(ctx context.Context, principal string) ([]agenda.Agenda, error) {
	if err := m.hook("list agendas"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]agenda.Agenda, 0)
	for _, a := range m.agendas {
		if a.OwnerID == principal {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreateAgenda(ctx context.Context, name, owner string) (agenda.Agenda, error) {
	const op = "create agenda"
	name = agenda.NormalizeName(name)
	if name == "" {
		return agenda.Agenda{}, apperr.Validation(op, "agenda name is required")
	}
	if err := m.hook(op); err != nil {
		return agenda.Agenda{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.principals[owner]; !ok {
		return agenda.Agenda{}, rejected(op)
	}
	a := agenda.Agenda{ID: uuid.NewString(), Name: name, OwnerID: owner, CreatedAt: m.Now()}
	m.agendas[a.ID] = a
	return a, nil
}

func (m *Memory) RenameAgenda(ctx context.Context, principal, agendaID, name string) error {
	const op = "rename agenda"
	name = agenda.NormalizeName(name)
	if name == "" {
		return apperr.Validation(op, "agenda name is required")
	}
	if err := m.hook(op); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agendas[agendaID]
	if !ok || a.OwnerID != principal {
		return rejected(op)
	}
	a.Name = name
	m.agendas[agendaID] = a
	return nil
}

func (m *Memory) DeleteAgenda(ctx context.Context, principal, agendaID string) error {
	const op = "delete agenda"
	if err := m.hook(op); err != nil {
		return err
	}
	m.mu.Lock()
	a, ok := m.agendas[agendaID]
	if !ok || a.OwnerID != principal {
		m.mu.Unlock()
		return rejected(op)
	}
	audience := m.audienceLocked(agendaID, "")
	delete(m.agendas, agendaID)
	for id, g := range m.grants {
		if g.AgendaID == agendaID {
			delete(m.grants, id)
		}
	}
	for id, appt := range m.appointments {
		if appt.AgendaID == agendaID {
			delete(m.appointments, id)
		}
	}
	m.mu.Unlock()
	m.signal(audience)
	return nil
}

func (m *Memory) ListShareGrantsForPrincipal(ctx context.Context, principal string) ([]agenda.ShareGrant, error) {
	if err := m.hook("list share grants"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]agenda.ShareGrant, 0)
	for _, g := range m.grants {
		if g.GranteeID == principal {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

func (m *Memory) ListShareGrantsForAgenda(ctx context.Context, principal, agendaID string) ([]agenda.ShareGrant, error) {
	if err := m.hook("list agenda share grants"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]agenda.ShareGrant, 0)
	a, ok := m.agendas[agendaID]
	for _, g := range m.grants {
		if g.AgendaID != agendaID {
			continue
		}
		// Row policy: the owner sees every grant, a grantee only its own.
		if (ok && a.OwnerID == principal) || g.GranteeID == principal {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

func (m *Memory) DeleteShareGrant(ctx context.Context, principal, grantID string) error {
	const op = "delete share grant"
	if err := m.hook(op); err != nil {
		return err
	}
	m.mu.Lock()
	g, ok := m.grants[grantID]
	if !ok {
		m.mu.Unlock()
		return rejected(op)
	}
	a := m.agendas[g.AgendaID]
	if a.OwnerID != principal && g.GranteeID != principal {
		m.mu.Unlock()
		return rejected(op)
	}
	delete(m.grants, grantID)
	m.mu.Unlock()
	m.signal([]string{g.GranteeID, a.OwnerID})
	return nil
}

func (m *Memory) ListAppointments(ctx context.Context, principal string) ([]appointment.Appointment, error) {
	if err := m.hook("list appointments"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]appointment.Appointment, 0)
	for _, a := range m.appointments {
		if m.canReadLocked(principal, a) {
			out = append(out, a.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SortKey() == out[j].SortKey() {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SortKey() < out[j].SortKey()
	})
	return out, nil
}

func (m *Memory) CreateAppointment(ctx context.Context, principal string, draft appointment.Draft) (appointment.Appointment, error) {
	const op = "create appointment"
	if err := draft.Validate(); err != nil {
		return appointment.Appointment{}, err
	}
	if err := m.hook(op); err != nil {
		return appointment.Appointment{}, err
	}
	m.mu.Lock()
	a := draft.Materialize(uuid.NewString(), principal, m.Now())
	if !m.canEditLocked(principal, a) {
		m.mu.Unlock()
		return appointment.Appointment{}, rejected(op)
	}
	m.appointments[a.ID] = a
	audience := m.audienceLocked(a.AgendaID, a.CreatedBy)
	m.mu.Unlock()
	m.signal(audience)
	return a.Clone(), nil
}

func (m *Memory) UpdateAppointment(ctx context.Context, principal, id string, patch appointment.Patch) error {
	const op = "update appointment"
	if err := patch.Validate(); err != nil {
		return err
	}
	if err := m.hook(op); err != nil {
		return err
	}
	m.mu.Lock()
	cur, ok := m.appointments[id]
	if !ok || !m.canEditLocked(principal, cur) {
		m.mu.Unlock()
		return rejected(op)
	}
	next := patch.Apply(cur)
	if !m.canEditLocked(principal, next) {
		m.mu.Unlock()
		return rejected(op)
	}
	m.appointments[id] = next
	audience := append(m.audienceLocked(cur.AgendaID, cur.CreatedBy), m.audienceLocked(next.AgendaID, "")...)
	m.mu.Unlock()
	m.signal(audience)
	return nil
}

func (m *Memory) DeleteAppointment(ctx context.Context, principal, id string) error {
	const op = "delete appointment"
	if err := m.hook(op); err != nil {
		return err
	}
	m.mu.Lock()
	cur, ok := m.appointments[id]
	if !ok || !m.canEditLocked(principal, cur) {
		m.mu.Unlock()
		return rejected(op)
	}
	delete(m.appointments, id)
	audience := m.audienceLocked(cur.AgendaID, cur.CreatedBy)
	m.mu.Unlock()
	m.signal(audience)
	return nil
}

// Agenda returns a row without access checks. Used by the privileged side.
func (m *Memory) Agenda(agendaID string) (agenda.Agenda, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agendas[agendaID]
	return a, ok
}

// AgendaOwner is a privileged lookup.
func (m *Memory) AgendaOwner(ctx context.Context, agendaID string) (string, error) {
	if err := m.hook("agenda owner"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agendas[agendaID]
	if !ok {
		return "", apperr.ErrNotFound
	}
	return a.OwnerID, nil
}

// PrincipalByEmail is a privileged lookup.
func (m *Memory) PrincipalByEmail(ctx context.Context, email string) (string, string, error) {
	if err := m.hook("principal by email"); err != nil {
		return "", "", err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.principals {
		if p.Email == email {
			return p.ID, p.Name, nil
		}
	}
	return "", "", apperr.ErrNotFound
}

// UpsertGrant is a privileged write keyed by (agendaID, granteeID).
func (m *Memory) UpsertGrant(ctx context.Context, agendaID, granteeID string, perm agenda.Permission) (agenda.ShareGrant, error) {
	const op = "upsert share grant"
	if err := m.hook(op); err != nil {
		return agenda.ShareGrant{}, err
	}
	m.mu.Lock()
	a, ok := m.agendas[agendaID]
	if !ok {
		m.mu.Unlock()
		return agenda.ShareGrant{}, rejected(op)
	}
	var out agenda.ShareGrant
	found := false
	for id, g := range m.grants {
		if g.AgendaID == agendaID && g.GranteeID == granteeID {
			g.Permission = perm
			m.grants[id] = g
			out = g
			found = true
			break
		}
	}
	if !found {
		out = agenda.ShareGrant{ID: uuid.NewString(), AgendaID: agendaID, GranteeID: granteeID, Permission: perm, CreatedAt: m.Now()}
		m.grants[out.ID] = out
	}
	m.mu.Unlock()
	m.signal([]string{granteeID, a.OwnerID})
	return out, nil
}

// Subscribe delivers a signal whenever a row visible to principal changes.
// The scope argument is accepted for interface parity with the NATS feed;
// the store already knows who can see what.
func (m *Memory) Subscribe(ctx context.Context, principal string, _ agenda.Scope) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	key := principal + "#" + uuid.NewString()
	m.subs[key] = memorySub{principal: principal, ch: ch}
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, key)
			m.mu.Unlock()
		})
	}
	context.AfterFunc(ctx, unsubscribe)
	return ch, unsubscribe, nil
}

// Subscribers counts open subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) signal(principals []string) {
	targets := map[string]struct{}{}
	for _, p := range principals {
		if p != "" {
			targets[p] = struct{}{}
		}
	}
	m.mu.Lock()
	chans := make([]chan struct{}, 0)
	for _, s := range m.subs {
		if _, ok := targets[s.principal]; ok {
			chans = append(chans, s.ch)
		}
	}
	m.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// audienceLocked lists the principals that can see rows of agendaID.
func (m *Memory) audienceLocked(agendaID, createdBy string) []string {
	out := []string{createdBy}
	if agendaID == "" {
		return out
	}
	if a, ok := m.agendas[agendaID]; ok {
		out = append(out, a.OwnerID)
	}
	for _, g := range m.grants {
		if g.AgendaID == agendaID {
			out = append(out, g.GranteeID)
		}
	}
	return out
}

func (m *Memory) permissionLocked(principal, agendaID string) (agenda.Permission, bool) {
	a, ok := m.agendas[agendaID]
	if !ok {
		return "", false
	}
	if a.OwnerID == principal {
		return agenda.PermissionEdit, true
	}
	for _, g := range m.grants {
		if g.AgendaID == agendaID && g.GranteeID == principal {
			return g.Permission, true
		}
	}
	return "", false
}

func (m *Memory) canReadLocked(principal string, a appointment.Appointment) bool {
	if a.AgendaID == "" {
		return a.CreatedBy == principal
	}
	_, ok := m.permissionLocked(principal, a.AgendaID)
	return ok
}

func (m *Memory) canEditLocked(principal string, a appointment.Appointment) bool {
	if a.AgendaID == "" {
		return a.CreatedBy == principal
	}
	perm, ok := m.permissionLocked(principal, a.AgendaID)
	return ok && perm.CanEdit()
}

func sortGrants(grants []agenda.ShareGrant) {
	sort.SliceStable(grants, func(i, j int) bool {
		if grants[i].CreatedAt.Equal(grants[j].CreatedAt) {
			return grants[i].ID < grants[j].ID
		}
		return grants[i].CreatedAt.Before(grants[j].CreatedAt)
	})
}
