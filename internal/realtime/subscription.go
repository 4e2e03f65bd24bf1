package realtime

import "sync"

// Subscription is a handle to one live channel. Changes are queued without
// bound and handed to the handler sequentially on a dedicated goroutine.
type Subscription struct {
	id      string
	channel string
	fn      Handler

	mu     sync.Mutex
	queue  []Change
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newSubscription(id, channel string, fn Handler) *Subscription {
	s := &Subscription{
		id:      id,
		channel: channel,
		fn:      fn,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// ID identifies the subscription within its feed.
func (s *Subscription) ID() string { return s.id }

// Channel is the substrate channel this subscription listens on.
func (s *Subscription) Channel() string { return s.channel }

// Done is closed once the subscription has been torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) enqueue(change Change) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, change)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

func (s *Subscription) next() (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return Change{}, false
	}
	change := s.queue[0]
	s.queue[0] = Change{}
	s.queue = s.queue[1:]
	return change, true
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			change, ok := s.next()
			if !ok {
				break
			}
			s.fn(change)
		}
	}
}
