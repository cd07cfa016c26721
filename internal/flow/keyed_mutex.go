package flow

import (
	"sync"
	"sync/atomic"
)

// KeyedMutex serializes work per key in reservation order. Each key keeps a
// chain of tickets; a ticket is acquired once the one reserved before it is
// released. Keys are dropped once no ticket is outstanding.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedQueue
}

type keyedQueue struct {
	tail chan struct{}
	refs int
}

// Ticket is a reserved place in the queue of one key.
type Ticket struct {
	k        *KeyedMutex
	key      string
	prev     <-chan struct{}
	done     chan struct{}
	acquired atomic.Bool
	once     sync.Once
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedQueue)}
}

// Reserve queues a ticket for key without blocking.
func (k *KeyedMutex) Reserve(key string) *Ticket {
	k.mu.Lock()
	defer k.mu.Unlock()
	q, ok := k.locks[key]
	if !ok {
		q = &keyedQueue{}
		k.locks[key] = q
	}
	t := &Ticket{k: k, key: key, prev: q.tail, done: make(chan struct{})}
	q.tail = t.done
	q.refs++
	return t
}

// Lock reserves and acquires key, returning the function releasing it.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	return k.Reserve(key).Acquire()
}

// Acquire blocks until every ticket reserved earlier for the key has been
// released, and returns Release.
func (t *Ticket) Acquire() (unlock func()) {
	if t.prev != nil {
		<-t.prev
	}
	t.acquired.Store(true)
	return t.Release
}

// Release gives up the ticket. It is idempotent. A ticket released without
// being acquired passes its turn on only after its predecessor is done.
func (t *Ticket) Release() {
	t.once.Do(func() {
		if !t.acquired.Load() && t.prev != nil {
			go func(prev <-chan struct{}, done chan struct{}) {
				<-prev
				close(done)
			}(t.prev, t.done)
		} else {
			close(t.done)
		}
		k := t.k
		k.mu.Lock()
		if q, ok := k.locks[t.key]; ok {
			q.refs--
			if q.refs == 0 {
				delete(k.locks, t.key)
			}
		}
		k.mu.Unlock()
	})
}

// Len returns the number of keys with outstanding tickets.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
