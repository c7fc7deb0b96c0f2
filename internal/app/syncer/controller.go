// Package syncer keeps a session's appointment cache consistent with the
// remote store.
//
// The Controller is the only writer of its cache. Creates and deletes go to
// the store first and are followed by a full reload; updates are applied to
// the cache optimistically and are not rolled back when the store refuses
// them. Invalidation signals from the realtime feed schedule reloads. At most
// one reload runs at a time; requests that arrive meanwhile share a single
// follow-up reload.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/app/appointment"
	"github.com/agendasync/project/internal/app/cache"
	"github.com/agendasync/project/internal/app/gateway"
	"github.com/agendasync/project/internal/apperr"
	"github.com/agendasync/project/internal/platform/logging"
	"github.com/agendasync/project/internal/platform/metrics"
	"github.com/agendasync/project/internal/realtime"
)

var ErrClosed = errors.New("sync controller closed")

const (
	DefaultDebounce      = 75 * time.Millisecond
	DefaultReloadTimeout = 5 * time.Second
)

type State int

const (
	StateStale State = iota
	StateRefreshing
	StateFresh
)

func (s State) String() string {
	switch s {
	case StateRefreshing:
		return "refreshing"
	case StateFresh:
		return "fresh"
	default:
		return "stale"
	}
}

type Options struct {
	// Debounce is the window in which invalidations collapse into one
	// reload. Zero reloads on every signal (still single-flight).
	Debounce      time.Duration
	ReloadTimeout time.Duration
	Logger        *slog.Logger
}

// round is one reload. Waiters block on done and then read err.
type round struct {
	done  chan struct{}
	err   error
	reset bool
}

type Controller struct {
	gateway   gateway.Appointments
	feed      realtime.Feed
	principal string
	opts      Options
	log       *slog.Logger
	cache     *cache.Cache

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	err         error
	closed      bool
	scope       agenda.Scope
	stopFeed    func()
	timer       *time.Timer
	current     *round
	next        *round
	listeners   map[string]chan *cache.Snapshot
	reloadCount uint64
}

// New builds a controller for principal. feed may be nil, in which case only
// explicit refreshes reload.
func New(gw gateway.Appointments, feed realtime.Feed, principal string, opts Options) *Controller {
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = DefaultReloadTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		gateway:   gw,
		feed:      feed,
		principal: principal,
		opts:      opts,
		log:       logging.OrDefault(opts.Logger).With("component", "syncer", "principal", principal),
		cache:     cache.New(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: map[string]chan *cache.Snapshot{},
	}
}

func (c *Controller) Principal() string { return c.principal }

// Snapshot is the current read-only view.
func (c *Controller) Snapshot() *cache.Snapshot { return c.cache.Snapshot() }

// Scope is a copy of the access scope last passed to SetScope.
func (c *Controller) Scope() agenda.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope.Clone()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the failure of the latest reload, nil after a successful one.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Reloads counts completed reload rounds.
func (c *Controller) Reloads() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadCount
}

// Subscribe delivers every new snapshot. The channel keeps only the latest
// one and is closed by Close.
func (c *Controller) Subscribe() (<-chan *cache.Snapshot, func()) {
	ch := make(chan *cache.Snapshot, 1)
	id := nuid.Next()
	c.mu.Lock()
	if c.closed {
		close(ch)
		c.mu.Unlock()
		return ch, func() {}
	}
	c.listeners[id] = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		if _, ok := c.listeners[id]; ok {
			delete(c.listeners, id)
			close(ch)
		}
		c.mu.Unlock()
	}
}

// SetScope follows the change feed for scope and reloads. A failed reload
// here clears the cache, since the previous snapshot belongs to another scope.
func (c *Controller) SetScope(ctx context.Context, scope agenda.Scope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.stopFeed != nil {
		c.stopFeed()
		c.stopFeed = nil
	}
	scope = scope.Clone()
	c.scope = scope
	if c.feed != nil {
		c.stopFeed = c.follow(scope)
	}
	r := c.requestLocked(true)
	c.mu.Unlock()
	return c.wait(ctx, r)
}

// follow opens a feed subscription that invalidates on every signal. Called
// with c.mu held.
func (c *Controller) follow(scope agenda.Scope) func() {
	subCtx, cancel := context.WithCancel(c.ctx)
	signals, unsubscribe, err := c.feed.Subscribe(subCtx, c.principal, scope)
	if err != nil {
		cancel()
		c.log.Warn("change feed unavailable, relying on explicit reloads", "error", err)
		return nil
	}
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case <-signals:
				c.Invalidate()
			}
		}
	}()
	return func() {
		cancel()
		unsubscribe()
	}
}

// Invalidate schedules a reload. Invalidations within the debounce window of
// the first one share its reload.
func (c *Controller) Invalidate() {
	metrics.SyncInvalidations.Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.opts.Debounce == 0 {
		c.requestLocked(false)
		return
	}
	if c.timer != nil {
		metrics.SyncCoalesced.Inc()
		return
	}
	c.timer = time.AfterFunc(c.opts.Debounce, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.timer = nil
		if !c.closed {
			c.requestLocked(false)
		}
	})
}

// Refresh forces a reload and waits for it. The reload starts after any
// reload already in flight, so it observes every write made before the call.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	r := c.requestLocked(false)
	c.mu.Unlock()
	return c.wait(ctx, r)
}

// Create sends draft to the store, then reloads. It returns the stored row.
// A reload failure after a successful create is reported through Err, not
// here.
func (c *Controller) Create(ctx context.Context, draft appointment.Draft) (appointment.Appointment, error) {
	if c.isClosed() {
		return appointment.Appointment{}, ErrClosed
	}
	if err := draft.Validate(); err != nil {
		return appointment.Appointment{}, err
	}
	created, err := c.gateway.CreateAppointment(ctx, c.principal, draft)
	if err != nil {
		return appointment.Appointment{}, apperr.Remote("create appointment", err)
	}
	c.reloadAfterWrite(ctx, "create")
	return created, nil
}

func (c *Controller) Delete(ctx context.Context, id string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if id == "" {
		return apperr.Validation("delete appointment", "appointment id is required")
	}
	if err := c.gateway.DeleteAppointment(ctx, c.principal, id); err != nil {
		return apperr.Remote("delete appointment", err)
	}
	c.reloadAfterWrite(ctx, "delete")
	return nil
}

// Update applies patch to the cache at once and then sends it. When the store
// refuses, the cached value stays as patched until the next reload.
func (c *Controller) Update(ctx context.Context, id string, patch appointment.Patch) error {
	const op = "update appointment"
	if id == "" {
		return apperr.Validation(op, "appointment id is required")
	}
	if err := patch.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if snap, ok := c.cache.Patch(id, patch); ok {
		c.publishLocked(snap)
	}
	c.mu.Unlock()

	if err := c.gateway.UpdateAppointment(ctx, c.principal, id, patch); err != nil {
		metrics.OptimisticUpdates.WithLabelValues("rejected").Inc()
		c.log.Warn("optimistic update refused by store", "appointment_id", id, "error", err)
		return apperr.Remote(op, err)
	}
	metrics.OptimisticUpdates.WithLabelValues("accepted").Inc()
	return nil
}

// ToggleDone flips the cached status between done and alternate (pending
// when empty) through Update.
func (c *Controller) ToggleDone(ctx context.Context, id string, alternate appointment.Status) error {
	cur, ok := c.cache.Snapshot().Get(id)
	if !ok {
		return apperr.Validation("toggle appointment", "appointment is not loaded")
	}
	if alternate == "" {
		alternate = appointment.StatusPending
	}
	next := appointment.ToggleStatus(cur.Status, alternate)
	return c.Update(ctx, id, appointment.Patch{Status: appointment.Some(next)})
}

// Close stops the feed, discards in-flight results and empties the cache.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopFeed != nil {
		c.stopFeed()
		c.stopFeed = nil
	}
	c.cancel()
	if c.next != nil {
		c.next.err = ErrClosed
		close(c.next.done)
		c.next = nil
	}
	c.state = StateStale
	c.err = ErrClosed
	snap := c.cache.Clear()
	c.publishLocked(snap)
	for id, ch := range c.listeners {
		delete(c.listeners, id)
		close(ch)
	}
	return nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) reloadAfterWrite(ctx context.Context, op string) {
	c.mu.Lock()
	r := c.requestLocked(false)
	c.mu.Unlock()
	if err := c.wait(ctx, r); err != nil && !errors.Is(err, ErrClosed) {
		c.log.Warn("reload after write failed", "op", op, "error", err)
	}
}

func (c *Controller) wait(ctx context.Context, r *round) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestLocked returns the round that will satisfy a new reload request:
// a fresh one when idle, otherwise the single follow-up round.
func (c *Controller) requestLocked(reset bool) *round {
	if c.closed {
		r := &round{done: make(chan struct{}), err: ErrClosed}
		close(r.done)
		return r
	}
	if c.current == nil {
		c.current = &round{done: make(chan struct{}), reset: reset}
		go c.run(c.current)
		return c.current
	}
	if c.next == nil {
		c.next = &round{done: make(chan struct{}), reset: reset}
	} else {
		c.next.reset = c.next.reset || reset
		metrics.SyncCoalesced.Inc()
	}
	return c.next
}

func (c *Controller) run(r *round) {
	for r != nil {
		c.mu.Lock()
		if !c.closed {
			c.state = StateRefreshing
		}
		c.mu.Unlock()

		start := time.Now()
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.ReloadTimeout)
		items, err := c.gateway.ListAppointments(ctx, c.principal)
		cancel()
		metrics.SyncReloadDuration.Observe(time.Since(start).Seconds())

		r = c.finish(r, items, err)
	}
}

// finish applies a reload result and hands back the follow-up round, if any.
func (c *Controller) finish(r *round, items []appointment.Appointment, err error) *round {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		metrics.SyncReloads.WithLabelValues("discarded").Inc()
		r.err = ErrClosed
		close(r.done)
		return nil
	case err == nil:
		metrics.SyncReloads.WithLabelValues("ok").Inc()
		snap := c.cache.Replace(items)
		c.state = StateFresh
		c.err = nil
		c.publishLocked(snap)
	default:
		metrics.SyncReloads.WithLabelValues("error").Inc()
		err = apperr.Remote("reload appointments", err)
		c.state = StateStale
		c.err = err
		if r.reset {
			c.publishLocked(c.cache.Clear())
		}
		c.log.Warn("reload failed", "reset", r.reset, "error", err)
	}
	c.reloadCount++
	r.err = err
	close(r.done)

	c.current = c.next
	c.next = nil
	return c.current
}

// publishLocked hands snap to every listener, replacing an unread one.
func (c *Controller) publishLocked(snap *cache.Snapshot) {
	for _, ch := range c.listeners {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
