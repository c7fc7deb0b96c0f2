package agenda

import (
	"sort"
	"strings"
	"time"
)

type Permission string

const (
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

func (p Permission) Valid() bool {
	return p == PermissionView || p == PermissionEdit
}

func (p Permission) CanEdit() bool {
	return p == PermissionEdit
}

type Agenda struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ShareGrant delegates access to one agenda. (AgendaID, GranteeID) is unique.
type ShareGrant struct {
	ID         string     `json:"id"`
	AgendaID   string     `json:"agenda_id"`
	GranteeID  string     `json:"grantee_id"`
	Permission Permission `json:"permission"`
	CreatedAt  time.Time  `json:"created_at"`
}

func NormalizeName(name string) string {
	return strings.TrimSpace(name)
}

// Scope is the set of agenda ids a principal may read.
type Scope map[string]struct{}

func (s Scope) Contains(agendaID string) bool {
	_, ok := s[agendaID]
	return ok
}

func (s Scope) Len() int { return len(s) }

// IDs returns the members in ascending order.
func (s Scope) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone copies s; a nil scope stays nil.
func (s Scope) Clone() Scope {
	if s == nil {
		return nil
	}
	out := make(Scope, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s Scope) Equal(other Scope) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// ResolveAccessibleAgendas is the union of the agendas principal owns and the
// agendas shared with it. An empty principal sees nothing.
func ResolveAccessibleAgendas(principal string, owned []Agenda, grants []ShareGrant) Scope {
	scope := Scope{}
	if strings.TrimSpace(principal) == "" {
		return scope
	}
	for _, a := range owned {
		if a.OwnerID == principal && a.ID != "" {
			scope[a.ID] = struct{}{}
		}
	}
	for _, g := range grants {
		if g.GranteeID == principal && g.AgendaID != "" {
			scope[g.AgendaID] = struct{}{}
		}
	}
	return scope
}

// PermissionFor reports what principal may do in agendaID. Owners always edit.
func PermissionFor(principal, agendaID string, owned []Agenda, grants []ShareGrant) (Permission, bool) {
	for _, a := range owned {
		if a.ID == agendaID && a.OwnerID == principal {
			return PermissionEdit, true
		}
	}
	for _, g := range grants {
		if g.AgendaID == agendaID && g.GranteeID == principal {
			return g.Permission, true
		}
	}
	return "", false
}
