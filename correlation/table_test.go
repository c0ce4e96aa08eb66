package correlation

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"duplex-rpc/message"

	"github.com/juju/errors"
)

func TestFulfillWakesOnlyMatchingSlot(t *testing.T) {
	table := NewTable()
	a, err := table.Register("a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := table.Register("b")
	if err != nil {
		t.Fatal(err)
	}

	if !table.Fulfill(&message.CallbackRecord{ID: "b", Data: "2"}) {
		t.Fatal("expect slot b to be fulfilled")
	}
	cb, err := b.Wait()
	if err != nil || cb.Data != "2" {
		t.Fatalf("slot b got %+v %v", cb, err)
	}
	select {
	case <-a.Done():
		t.Fatal("slot a must still be waiting")
	default:
	}
	if table.Len() != 1 {
		t.Fatalf("expect 1 pending slot, got %d", table.Len())
	}

	// a second callback with the same id is dropped
	if table.Fulfill(&message.CallbackRecord{ID: "b"}) {
		t.Fatal("duplicate callback must not be delivered")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	table := NewTable()
	if _, err := table.Register("x"); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Register("x"); !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("expect already exists, got %v", err)
	}
}

func TestConcurrentCorrelation(t *testing.T) {
	table := NewTable()
	const n = 200
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprint(i)
		slot, err := table.Register(id)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(i int, slot *Slot) {
			defer wg.Done()
			cb, err := slot.Wait()
			if err != nil {
				t.Errorf("slot %d: %v", i, err)
				return
			}
			results[i] = cb.Data
		}(i, slot)
	}
	// fulfil in reverse order
	for i := n - 1; i >= 0; i-- {
		table.Fulfill(&message.CallbackRecord{ID: fmt.Sprint(i), Data: "r" + fmt.Sprint(i)})
	}
	wg.Wait()
	for i, r := range results {
		if r != "r"+fmt.Sprint(i) {
			t.Fatalf("slot %d received %q", i, r)
		}
	}
}

func TestCloseAllWakesEverySlot(t *testing.T) {
	table := NewTable()
	var slots []*Slot
	for i := 0; i < 50; i++ {
		s, err := table.Register(fmt.Sprint(i))
		if err != nil {
			t.Fatal(err)
		}
		slots = append(slots, s)
	}

	table.CloseAll(io.EOF)

	for i, s := range slots {
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatalf("slot %d was not released", i)
		}
		if _, err := s.Wait(); !errors.Is(err, ErrClosed) || !errors.Is(err, io.EOF) {
			t.Fatalf("slot %d: expect closed error wrapping EOF, got %v", i, err)
		}
	}
	if table.Len() != 0 {
		t.Fatalf("table should be empty, has %d", table.Len())
	}
	if _, err := table.Register("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("register after close should fail, got %v", err)
	}
}

func TestCloseAllRacesRegister(t *testing.T) {
	for round := 0; round < 20; round++ {
		table := NewTable()
		var wg sync.WaitGroup
		slots := make(chan *Slot, 100)
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if s, err := table.Register(fmt.Sprint(i)); err == nil {
					slots <- s
				}
			}(i)
		}
		table.CloseAll(nil)
		wg.Wait()
		close(slots)
		for s := range slots {
			select {
			case <-s.Done():
			case <-time.After(time.Second):
				t.Fatalf("round %d: slot %s left waiting after teardown", round, s.ID())
			}
		}
	}
}

func TestFailAndRemove(t *testing.T) {
	table := NewTable()
	s, _ := table.Register("f")
	if !table.Fail("f", errors.New("boom")) {
		t.Fatal("expect fail to resolve the slot")
	}
	if _, err := s.Wait(); err == nil || err.Error() != "boom" {
		t.Fatalf("expect boom, got %v", err)
	}
	table.Register("r")
	table.Remove("r")
	if table.Len() != 0 {
		t.Fatal("remove should drop the slot")
	}
}
