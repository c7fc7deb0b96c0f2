// Package realtime delivers best-effort "something changed" signals to sync
// controllers. Signals carry no payload; receivers reload.
package realtime

import (
	"context"

	"github.com/agendasync/project/internal/app/agenda"
)

// Feed opens a change subscription for one principal over an access scope.
// The returned channel has capacity one and never blocks the sender; the
// returned func closes the subscription and is safe to call more than once.
type Feed interface {
	Subscribe(ctx context.Context, principal string, scope agenda.Scope) (<-chan struct{}, func(), error)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
