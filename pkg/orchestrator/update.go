package orchestrator

import (
	"sync"

	"github.com/loracle-dev/loracle/pkg/store"
)

// UpdateKind distinguishes observer updates.
type UpdateKind string

const (
	// UpdateState reports a state transition.
	UpdateState UpdateKind = "state"
	// UpdateSession reports that the current session changed.
	UpdateSession UpdateKind = "session"
	// UpdateMessage reports a persisted message.
	UpdateMessage UpdateKind = "message"
	// UpdateToken reports a reply fragment; Message carries the text so far.
	UpdateToken UpdateKind = "token"
	// UpdateNotice is informational, such as an ignored trigger.
	UpdateNotice UpdateKind = "notice"
	// UpdateError reports a failed turn.
	UpdateError UpdateKind = "error"
)

// Update is published to observers for every visible change.
type Update struct {
	Kind      UpdateKind     `json:"kind"`
	State     State          `json:"state"`
	SessionID string         `json:"session_id,omitempty"`
	Message   *store.Message `json:"message,omitempty"`
	Text      string         `json:"text,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
}

// maxQueuedTokens bounds how many token updates wait for a slow subscriber.
// Further tokens are dropped; the persisted reply arrives in the final UpdateMessage.
const maxQueuedTokens = 64

// broadcaster fans updates out to subscribers without blocking the loop.
// Only token updates may be dropped for a slow subscriber; every other kind is delivered in order.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func (b *broadcaster) subscribe() (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Update)
		close(ch)
		return ch, func() {}
	}
	if b.subs == nil {
		b.subs = make(map[*subscriber]struct{})
	}
	sub := newSubscriber()
	b.subs[sub] = struct{}{}
	go sub.run()

	return sub.out, func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.stop()
	}
}

func (b *broadcaster) publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.push(u)
	}
}

// close delivers what is queued, then closes every subscription.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.finish()
	}
	b.subs = nil
}

// subscriber queues updates for one observer and forwards them from its own goroutine.
type subscriber struct {
	out  chan Update
	wake chan struct{}
	done chan struct{}

	mu        sync.Mutex
	pending   []Update
	tokens    int
	finishing bool
	stopOnce  sync.Once
}

func newSubscriber() *subscriber {
	return &subscriber{
		out:  make(chan Update),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber) push(u Update) {
	s.mu.Lock()
	if u.Kind == UpdateToken {
		if s.tokens >= maxQueuedTokens {
			s.mu.Unlock()
			return
		}
		s.tokens++
	}
	s.pending = append(s.pending, u)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish closes out once the queue is drained.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.finishing = true
	s.mu.Unlock()
	s.signal()
}

// stop discards the queue and closes out.
func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			finishing := s.finishing
			s.mu.Unlock()
			if finishing {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		u := s.pending[0]
		s.mu.Unlock()

		select {
		case s.out <- u:
		case <-s.done:
			return
		}

		s.mu.Lock()
		s.pending[0] = Update{}
		s.pending = s.pending[1:]
		if u.Kind == UpdateToken {
			s.tokens--
		}
		s.mu.Unlock()
	}
}
