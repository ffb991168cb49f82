package eventbus

import (
	"sync"
	"testing"
	"time"

	"nuvogw/internal/model"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(8)
	var mu sync.Mutex
	var got1, got2 []model.StateChangeEvent

	b.Subscribe(SyncCallback(func(ev model.StateChangeEvent) {
		mu.Lock()
		got1 = append(got1, ev)
		mu.Unlock()
	}))
	b.Subscribe(SyncCallback(func(ev model.StateChangeEvent) {
		mu.Lock()
		got2 = append(got2, ev)
		mu.Unlock()
	}))

	b.Publish(model.StateChangeEvent{Target: "Zone_2", Property: "Volume", Value: "37"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := len(got1) == 1 && len(got2) == 1
		mu.Unlock()
		if ok {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got1) != 1 || got1[0].Target != "Zone_2" || got1[0].Value != "37" {
		t.Fatalf("subscriber 1 got %+v", got1)
	}
	if len(got2) != 1 {
		t.Fatalf("subscriber 2 got %+v", got2)
	}
}

func TestPerTargetOrderPreserved(t *testing.T) {
	b := New(16)
	var mu sync.Mutex
	var values []string

	done := make(chan struct{})
	count := 0
	b.Subscribe(SyncCallback(func(ev model.StateChangeEvent) {
		mu.Lock()
		values = append(values, ev.Value)
		count++
		if count == 5 {
			close(done)
		}
		mu.Unlock()
	}))

	for i := 0; i < 5; i++ {
		b.Publish(model.StateChangeEvent{Target: "Zone_1", Property: "Volume", Value: string(rune('0' + i))})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"0", "1", "2", "3", "4"}
	for i, v := range want {
		if values[i] != v {
			t.Fatalf("got order %v, want %v", values, want)
		}
	}
}

func TestPanickingSubscriberDoesNotAffectOthers(t *testing.T) {
	b := New(8)
	var mu sync.Mutex
	otherGotIt := false

	b.Subscribe(SyncCallback(func(ev model.StateChangeEvent) {
		panic("boom")
	}))
	b.Subscribe(SyncCallback(func(ev model.StateChangeEvent) {
		mu.Lock()
		otherGotIt = true
		mu.Unlock()
	}))

	b.Publish(model.StateChangeEvent{Target: "Zone_1", Property: "Mute", Value: "True"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := otherGotIt
		mu.Unlock()
		if ok {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !otherGotIt {
		t.Fatal("other subscriber never received the event after a sibling panicked")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(2)
	block := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once

	h := b.Subscribe(func(ev model.StateChangeEvent) <-chan struct{} {
		startedOnce.Do(func() { close(started) }) // signal only the first delivery
		<-block
		return closedChan
	})

	// First event occupies the callback (blocked on <-block). The next two
	// fill the depth-2 queue, so the fourth publish must evict the second.
	b.Publish(model.StateChangeEvent{Value: "first"})
	<-started
	b.Publish(model.StateChangeEvent{Value: "second"})
	b.Publish(model.StateChangeEvent{Value: "third"})
	b.Publish(model.StateChangeEvent{Value: "fourth"})

	close(block)

	time.Sleep(50 * time.Millisecond)
	if b.Drops(h) == 0 {
		t.Fatal("expected at least one drop after overflowing the queue")
	}
}

func TestClearRemovesAllSubscribers(t *testing.T) {
	b := New(4)
	var mu sync.Mutex
	delivered := false
	b.Subscribe(SyncCallback(func(ev model.StateChangeEvent) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	}))
	b.Clear()
	b.Publish(model.StateChangeEvent{Target: "Zone_1"})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered {
		t.Fatal("subscriber still received events after Clear")
	}
}
