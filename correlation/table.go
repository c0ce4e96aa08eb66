// Package correlation matches callbacks to the calls waiting for them.
//
// Each outgoing call registers a Slot under its correlation id before the
// frame is written. The read loop fulfills the slot when the callback
// arrives; a connection teardown fails every slot still registered. No
// global lock is taken on the hot path: slots live in a sync.Map and each
// slot resolves exactly once.
//
//	caller-1 ──Register(id1)──┐                 ┌── Fulfill(id2) ← callback
//	caller-2 ──Register(id2)──┼──→ Table ───────┤
//	caller-3 ──Register(id3)──┘                 └── CloseAll(err) → every slot
package correlation

import (
	"sync"
	"sync/atomic"

	"duplex-rpc/message"

	"github.com/juju/errors"
)

// ErrClosed is returned to slots released by a teardown.
const ErrClosed = errors.ConstError("connection closed")

// Slot is the rendezvous point of one in-flight call.
type Slot struct {
	id       string
	once     sync.Once
	done     chan struct{}
	callback *message.CallbackRecord
	err      error
}

func newSlot(id string) *Slot {
	return &Slot{id: id, done: make(chan struct{})}
}

func (s *Slot) ID() string { return s.id }

// Done is closed once the slot has been resolved.
func (s *Slot) Done() <-chan struct{} { return s.done }

// Wait blocks until the slot is resolved.
func (s *Slot) Wait() (*message.CallbackRecord, error) {
	<-s.done
	return s.callback, s.err
}

func (s *Slot) resolve(cb *message.CallbackRecord, err error) bool {
	resolved := false
	s.once.Do(func() {
		s.callback, s.err = cb, err
		close(s.done)
		resolved = true
	})
	return resolved
}

// Table holds the slots of one connection.
type Table struct {
	slots    sync.Map // map[string]*Slot
	closed   atomic.Bool
	closeErr atomic.Value
}

func NewTable() *Table {
	return &Table{}
}

// Register inserts a slot for id. It fails if id is already waiting or the
// table has been closed.
func (t *Table) Register(id string) (*Slot, error) {
	if t.closed.Load() {
		return nil, t.err()
	}
	slot := newSlot(id)
	if _, loaded := t.slots.LoadOrStore(id, slot); loaded {
		return nil, errors.AlreadyExistsf("pending call %q", id)
	}
	// a concurrent CloseAll may have swept before the store landed
	if t.closed.Load() {
		if s, ok := t.slots.LoadAndDelete(id); ok {
			s.(*Slot).resolve(nil, t.err())
		}
		return nil, t.err()
	}
	return slot, nil
}

// Fulfill resolves the slot matching cb.ID and removes it.
// It returns false when nothing was waiting.
func (t *Table) Fulfill(cb *message.CallbackRecord) bool {
	s, ok := t.slots.LoadAndDelete(cb.ID)
	if !ok {
		return false
	}
	return s.(*Slot).resolve(cb, nil)
}

// Fail resolves the slot for id with err and removes it.
func (t *Table) Fail(id string, err error) bool {
	s, ok := t.slots.LoadAndDelete(id)
	if !ok {
		return false
	}
	return s.(*Slot).resolve(nil, err)
}

// Remove drops the slot for id without resolving it.
func (t *Table) Remove(id string) {
	t.slots.Delete(id)
}

// CloseAll fails every registered slot with err and rejects later registrations.
func (t *Table) CloseAll(err error) {
	if err == nil {
		err = ErrClosed
	}
	if t.closed.CompareAndSwap(false, true) {
		t.closeErr.Store(errorBox{err})
	}
	t.slots.Range(func(key, value any) bool {
		if s, ok := t.slots.LoadAndDelete(key); ok {
			s.(*Slot).resolve(nil, t.err())
		}
		return true
	})
}

// Len returns the number of registered slots.
func (t *Table) Len() int {
	n := 0
	t.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

type errorBox struct{ err error }

func (t *Table) err() error {
	if b, ok := t.closeErr.Load().(errorBox); ok {
		return errors.WithType(b.err, ErrClosed)
	}
	return ErrClosed
}
