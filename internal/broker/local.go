package broker

import (
	"sync"
)

// Local is an in-process Bus with exact subject matching. Handlers run
// synchronously on the publishing goroutine.
type Local struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]Handler
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[int]Handler)}
}

func (l *Local) Publish(subject string, data []byte) error {
	l.mu.Lock()
	hs := make([]Handler, 0, len(l.subs[subject]))
	for _, h := range l.subs[subject] {
		hs = append(hs, h)
	}
	l.mu.Unlock()

	for _, h := range hs {
		h(subject, data)
	}
	return nil
}

func (l *Local) Subscribe(subject string, h Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	if l.subs[subject] == nil {
		l.subs[subject] = make(map[int]Handler)
	}
	l.subs[subject][id] = h
	return &localSub{l: l, subject: subject, id: id}, nil
}

// Subscribers reports how many handlers listen on subject.
func (l *Local) Subscribers(subject string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[subject])
}

type localSub struct {
	l       *Local
	subject string
	id      int
}

func (s *localSub) Unsubscribe() error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	delete(s.l.subs[s.subject], s.id)
	if len(s.l.subs[s.subject]) == 0 {
		delete(s.l.subs, s.subject)
	}
	return nil
}
