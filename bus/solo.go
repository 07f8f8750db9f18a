package bus

import (
	"fmt"
	"sync"

	"github.com/aep/strata/db"
)

// soloBuffer is how far a subscriber may lag before it starts losing
// changes. Publish never blocks on a slow consumer.
const soloBuffer = 64

type soloSub struct {
	pattern string
	ch      chan db.Change
}

// Solo is the in-process bus. Zero fan-in ordering surprises: Publish
// is called in commit order and delivers in that order per subscriber.
type Solo struct {
	m      sync.Mutex
	subs   map[int]*soloSub
	next   int
	closed bool
}

var _ Bus = (*Solo)(nil)

func NewSolo() *Solo {
	return &Solo{subs: make(map[int]*soloSub)}
}

func (s *Solo) Publish(ch db.Change) error {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closed {
		return fmt.Errorf("bus closed")
	}
	topic := ch.Topic()
	for _, sub := range s.subs {
		if !matches(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- ch:
		default:
			log.Debug("[bus].drop:", "topic", topic)
		}
	}
	return nil
}

func (s *Solo) Subscribe(subject string) (<-chan db.Change, func(), error) {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closed {
		return nil, nil, fmt.Errorf("bus closed")
	}
	id := s.next
	s.next++
	sub := &soloSub{pattern: subject, ch: make(chan db.Change, soloBuffer)}
	s.subs[id] = sub

	cancel := func() {
		s.m.Lock()
		defer s.m.Unlock()
		if cur, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(cur.ch)
		}
	}
	return sub.ch, cancel, nil
}

func (s *Solo) Close() error {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	return nil
}
