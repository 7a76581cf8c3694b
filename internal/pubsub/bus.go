package pubsub

import (
	"context"
	"errors"
	"path"
	"sync"
)

// Publisher delivers an encoded payload to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber streams messages whose channel matches a glob pattern such as
// "trades:*". The stream closes when ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string) (<-chan Message, error)
}

// Message is a payload received on a channel.
type Message struct {
	Channel string
	Data    []byte
}

const subscriberBuffer = 256

type subscription struct {
	pattern string
	out     chan Message
}

// Bus is an in-process Publisher and Subscriber. Publishing never blocks:
// a subscriber whose buffer is full misses the message.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Publish fans payload out to every matching subscription.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if !Match(s.pattern, channel) {
			continue
		}
		select {
		case s.out <- Message{Channel: channel, Data: payload}:
		default:
		}
	}
	return nil
}

// Subscribe registers a pattern. The returned channel is closed after ctx
// is done.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	s := &subscription{pattern: pattern, out: make(chan Message, subscriberBuffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.out)
		b.mu.Unlock()
	}()
	return s.out, nil
}

// Match reports whether channel matches a subscription pattern. Patterns use
// glob syntax; a pattern without metacharacters matches only itself.
func Match(pattern, channel string) bool {
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

// ValidPattern reports whether pattern is a well-formed, non-empty glob.
func ValidPattern(pattern string) bool {
	_, err := path.Match(pattern, "")
	return pattern != "" && err == nil
}

// MultiPublisher publishes to every wrapped publisher and joins their
// errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
	_ Publisher  = MultiPublisher(nil)
)
