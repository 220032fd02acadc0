package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishReachesTypedAndAllSubscribers(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var typed, all []Event
	done := make(chan struct{}, 2)

	bus.Subscribe(EventAlertCreated, func(e Event) {
		mu.Lock()
		typed = append(typed, e)
		mu.Unlock()
		done <- struct{}{}
	})
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		all = append(all, e)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(Event{Type: EventAlertCreated, Data: map[string]any{"symbol": "BTCUSDT"}})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("subscriber was not invoked")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(typed) != 1 || len(all) != 1 {
		t.Fatalf("expected one delivery each, got typed=%d all=%d", len(typed), len(all))
	}
	if typed[0].ID == "" || typed[0].Timestamp.IsZero() {
		t.Error("publish must assign id and timestamp")
	}
}

func TestPublishSkipsOtherTypes(t *testing.T) {
	bus := NewBus()
	called := make(chan Event, 1)
	bus.Subscribe(EventStreamConnected, func(e Event) { called <- e })

	bus.PublishSubscriptionUpdated(3, 3, 0, []string{"BTCUSDT"}, nil)

	select {
	case <-called:
		t.Fatal("subscriber for a different type must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionUpdatedCarriesCounts(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventSubscriptionUpdated, func(e Event) { got <- e })

	bus.PublishSubscriptionUpdated(10, 7, 3, []string{"BTCUSDT", "ETHUSDT"}, []string{"XRPUSDT"})

	select {
	case e := <-got:
		if e.Data["total"] != 10 || e.Data["subscribed"] != 7 || e.Data["pending"] != 3 {
			t.Errorf("unexpected counts: %+v", e.Data)
		}
		if added, ok := e.Data["added"].([]string); !ok || len(added) != 2 {
			t.Errorf("unexpected added set: %+v", e.Data["added"])
		}
		if removed, ok := e.Data["removed"].([]string); !ok || len(removed) != 1 {
			t.Errorf("unexpected removed set: %+v", e.Data["removed"])
		}
	case <-time.After(time.Second):
		t.Fatal("subscription event was not delivered")
	}
}
