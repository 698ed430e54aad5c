// Package event provides subscription lists whose subscribers hold an
// explicit token to unsubscribe with.
package event

// Feed is not safe for concurrent use; it is owned by the goroutine that
// emits on it.
type Feed[T any] struct {
	nextID uint64
	subs   []*Subscription[T]
}

type Subscription[T any] struct {
	feed *Feed[T]
	id   uint64
	fn   func(T)
}

func (f *Feed[T]) Subscribe(fn func(T)) *Subscription[T] {
	f.nextID++
	s := &Subscription[T]{
		feed: f,
		id:   f.nextID,
		fn:   fn,
	}
	f.subs = append(f.subs, s)
	return s
}

// Unsubscribe is idempotent.
func (s *Subscription[T]) Unsubscribe() {
	if s == nil || s.feed == nil {
		return
	}
	f := s.feed
	s.feed = nil

	for i, sub := range f.subs {
		if sub.id == s.id {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every subscriber in subscription order. Subscribers may
// unsubscribe from within the callback.
func (f *Feed[T]) Emit(v T) {
	subs := make([]*Subscription[T], len(f.subs))
	copy(subs, f.subs)

	for _, s := range subs {
		if s.feed == nil {
			continue
		}
		s.fn(v)
	}
}

func (f *Feed[T]) Len() int {
	return len(f.subs)
}
