// Package feed implements the change-feed primitive of the backend store: a
// subscription delivering full-row snapshots for a table, optionally filtered
// by one column, with an observable open/closed channel state.
package feed

import (
	"sync"
	"sync/atomic"
)

type State int32

const (
	StateOpen State = iota
	StateClosed
)

// Filter narrows a subscription to rows whose column equals the given value.
// A zero Filter matches every row of the table.
type Filter struct {
	Column string
	Value  string
}

func (f Filter) matches(columns map[string]string) bool {
	if f.Column == "" {
		return true
	}
	return columns[f.Column] == f.Value
}

// Event carries one full-row snapshot, never a diff. Row holds the concrete
// model value for the table.
type Event struct {
	Table string
	Row   any
}

type Subscription struct {
	C chan Event

	table  string
	filter Filter
	state  atomic.Int32
	broker *Broker
}

func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() {
	s.broker.remove(s)
}

// Broker fans row snapshots out to subscribers. Writers never block: a
// subscriber that cannot keep up loses events, which is acceptable because
// every consumer runs a polling safety net on top of the push path.
type Broker struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

func (b *Broker) Subscribe(table string, filter Filter) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, 16),
		table:  table,
		filter: filter,
		broker: b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers a snapshot to every open subscription matching the table
// and filter columns.
func (b *Broker) Publish(table string, row any, columns map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.table != table || !sub.filter.matches(columns) {
			continue
		}
		select {
		case sub.C <- Event{Table: table, Row: row}:
		default:
		}
	}
}

// Drop severs every subscription without the subscribers asking for it,
// simulating a transport-level disconnect: channels flip to closed and stop
// receiving, and it is up to each consumer's health check to resubscribe.
func (b *Broker) Drop() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		b.remove(sub)
	}
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.state.Store(int32(StateClosed))
	close(sub.C)
}
