package realtime

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/agendasync/project/internal/app/agenda"
	"github.com/agendasync/project/internal/sharding"
)

// Subscriber is the part of nats.JetStreamContext the feed uses.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// NATSFeed shares one JetStream subscription per change subject between all
// local subscribers of that subject.
type NATSFeed struct {
	JS Subscriber

	mu        sync.Mutex
	bySubject map[string]*subjectStream
}

type subjectStream struct {
	subject     string
	sub         *nats.Subscription
	subscribers map[string]chan struct{}
}

var _ Feed = (*NATSFeed)(nil)

func NewNATSFeed(js Subscriber) *NATSFeed {
	return &NATSFeed{JS: js, bySubject: map[string]*subjectStream{}}
}

// Subscribe listens on the principal subject and on every agenda subject of
// scope. Received notices only signal; their body is not interpreted.
func (f *NATSFeed) Subscribe(ctx context.Context, principal string, scope agenda.Scope) (<-chan struct{}, func(), error) {
	subjects := make([]string, 0, scope.Len()+1)
	if principal != "" {
		subjects = append(subjects, sharding.PrincipalSubject(principal))
	}
	for _, id := range scope.IDs() {
		subjects = append(subjects, sharding.AgendaSubject(id))
	}

	id := nuid.Next()
	ch := make(chan struct{}, 1)
	joined := make([]string, 0, len(subjects))
	for _, subject := range subjects {
		if err := f.join(subject, id, ch); err != nil {
			for _, s := range joined {
				f.leave(s, id)
			}
			return nil, nil, err
		}
		joined = append(joined, subject)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			for _, s := range joined {
				f.leave(s, id)
			}
		})
	}
	context.AfterFunc(ctx, unsubscribe)
	return ch, unsubscribe, nil
}

// Subjects reports the subjects with an open JetStream subscription.
func (f *NATSFeed) Subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.bySubject))
	for s := range f.bySubject {
		out = append(out, s)
	}
	return out
}

func (f *NATSFeed) join(subject, id string, ch chan struct{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stream, ok := f.bySubject[subject]; ok {
		stream.subscribers[id] = ch
		return nil
	}
	stream := &subjectStream{subject: subject, subscribers: map[string]chan struct{}{id: ch}}
	sub, err := f.JS.Subscribe(subject, func(*nats.Msg) {
		f.broadcast(stream)
	}, nats.DeliverNew(), nats.AckNone())
	if err != nil {
		return err
	}
	stream.sub = sub
	f.bySubject[subject] = stream
	return nil
}

func (f *NATSFeed) leave(subject, id string) {
	f.mu.Lock()
	stream, ok := f.bySubject[subject]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(stream.subscribers, id)
	var sub *nats.Subscription
	if len(stream.subscribers) == 0 {
		sub = stream.sub
		delete(f.bySubject, subject)
	}
	f.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (f *NATSFeed) broadcast(stream *subjectStream) {
	f.mu.Lock()
	targets := make([]chan struct{}, 0, len(stream.subscribers))
	for _, ch := range stream.subscribers {
		targets = append(targets, ch)
	}
	f.mu.Unlock()

	for _, ch := range targets {
		signal(ch)
	}
}
