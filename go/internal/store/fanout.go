package store

import "sync"

// Fanout dispatches snapshots to per-document subscribers. Each subscriber
// has its own delivery goroutine; if it falls behind, intermediate snapshots
// are coalesced and only the newest is delivered.
type Fanout struct {
	mu   sync.Mutex
	subs map[Ref]map[uint64]*subscription
	next uint64
}

type subscription struct {
	fn      Listener
	mu      sync.Mutex
	pending *Snapshot
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewFanout() *Fanout {
	return &Fanout{subs: make(map[Ref]map[uint64]*subscription)}
}

// Add registers fn for ref and optionally queues an initial snapshot.
func (f *Fanout) Add(ref Ref, fn Listener, initial *Snapshot) Unsubscribe {
	sub := &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go sub.run()
	if initial != nil {
		sub.offer(*initial)
	}

	f.mu.Lock()
	id := f.next
	f.next++
	if f.subs[ref] == nil {
		f.subs[ref] = make(map[uint64]*subscription)
	}
	f.subs[ref][id] = sub
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		if subs, ok := f.subs[ref]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(f.subs, ref)
			}
		}
		f.mu.Unlock()
		sub.stop()
	}
}

// Publish queues snap for every subscriber of its ref.
func (f *Fanout) Publish(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs[snap.Ref] {
		sub.offer(snap)
	}
}

// Watching reports whether ref has any subscriber.
func (f *Fanout) Watching(ref Ref) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[ref]) > 0
}

// Refs returns every watched ref.
func (f *Fanout) Refs() []Ref {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := make([]Ref, 0, len(f.subs))
	for ref := range f.subs {
		refs = append(refs, ref)
	}
	return refs
}

// Close stops every subscription.
func (f *Fanout) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[Ref]map[uint64]*subscription)
	f.mu.Unlock()
	for _, byID := range subs {
		for _, sub := range byID {
			sub.stop()
		}
	}
}

func (s *subscription) offer(snap Snapshot) {
	s.mu.Lock()
	s.pending = &snap
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.mu.Lock()
			snap := s.pending
			s.pending = nil
			s.mu.Unlock()
			if snap == nil {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(*snap)
		}
	}
}
