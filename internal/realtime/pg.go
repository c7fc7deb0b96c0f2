package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/contracts"
	"github.com/agendasync/project/internal/platform/logging"
)

// PGListener holds one pooled connection in LISTEN mode and hands every
// notification payload to a handler.
type PGListener struct {
	Pool    *pgxpool.Pool
	Channel string
	Logger  *slog.Logger

	// RetryDelay separates reconnect attempts in Run.
	RetryDelay time.Duration
}

// Listen blocks until ctx ends or the connection fails.
func (l *PGListener) Listen(ctx context.Context, handle func(payload string)) error {
	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.Channel}.Sanitize()); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handle(n.Payload)
	}
}

// Run keeps listening across connection failures until ctx ends.
func (l *PGListener) Run(ctx context.Context, handle func(payload string)) {
	log := logging.OrDefault(l.Logger)
	delay := l.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		err := l.Listen(ctx, handle)
		if ctx.Err() != nil {
			return
		}
		log.Warn("store listener stopped, retrying", "channel", l.Channel, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// PGFeed serves subscriptions straight from store notifications, for
// deployments without NATS.
type PGFeed struct {
	mu   sync.Mutex
	subs map[string]pgSub
}

type pgSub struct {
	principal string
	scope     agenda.Scope
	ch        chan struct{}
}

var _ Feed = (*PGFeed)(nil)

func NewPGFeed() *PGFeed {
	return &PGFeed{subs: map[string]pgSub{}}
}

func (f *PGFeed) Subscribe(ctx context.Context, principal string, scope agenda.Scope) (<-chan struct{}, func(), error) {
	id := nuid.Next()
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs[id] = pgSub{principal: principal, scope: scope, ch: ch}
	f.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
	context.AfterFunc(ctx, unsubscribe)
	return ch, unsubscribe, nil
}

// Dispatch routes one notification payload to the subscribers whose scope
// contains the agenda or whose principal the row names. Malformed payloads
// signal everyone, since a missed reload is worse than a spare one.
func (f *PGFeed) Dispatch(payload string) int {
	var n contracts.StoreNotification
	malformed := json.Unmarshal([]byte(payload), &n) != nil

	f.mu.Lock()
	targets := make([]chan struct{}, 0, len(f.subs))
	for _, s := range f.subs {
		if malformed || (n.AgendaID != "" && s.scope.Contains(n.AgendaID)) || (n.PrincipalID != "" && n.PrincipalID == s.principal) {
			targets = append(targets, s.ch)
		}
	}
	f.mu.Unlock()

	for _, ch := range targets {
		signal(ch)
	}
	return len(targets)
}
