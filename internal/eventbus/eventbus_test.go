package eventbus

import (
	"testing"
)

func TestEmitOrderMatchesNotificationOrder(t *testing.T) {
	b := New(100)
	var order []string
	b.Subscribe(Filter{}, func(e Event) { order = append(order, "a:"+e.ID) })
	b.Subscribe(Filter{}, func(e Event) { order = append(order, "b:"+e.ID) })

	b.Emit("p", "ag", Output, "t1", nil)
	b.Emit("p", "ag", Output, "t2", nil)

	want := []string{"a:evt-1", "b:evt-1", "a:evt-2", "b:evt-2"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestSubscriberPanicDoesNotAffectOthers(t *testing.T) {
	b := New(100)
	called := false
	b.Subscribe(Filter{}, func(Event) { panic("boom") })
	b.Subscribe(Filter{}, func(Event) { called = true })

	b.Emit("p", "ag", Output, "t1", nil)

	if !called {
		t.Error("second subscriber was not invoked after first panicked")
	}
}

func TestFilterMatchesAllPopulatedFields(t *testing.T) {
	b := New(100)
	var got []Event
	b.Subscribe(Filter{Project: "p1", AgentID: "a1", Types: []EventType{Output, ErrorEvent}}, func(e Event) {
		got = append(got, e)
	})

	b.Emit("p1", "a1", Output, "t", nil)
	b.Emit("p1", "a2", Output, "t", nil)
	b.Emit("p2", "a1", Output, "t", nil)
	b.Emit("p1", "a1", ToolUse, "t", nil)
	b.Emit("p1", "a1", ErrorEvent, "t", nil)

	if len(got) != 2 {
		t.Fatalf("got %d matching events, want 2", len(got))
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	b := New(100)
	n := 0
	unsub := b.Subscribe(Filter{}, func(Event) { n++ })
	b.Emit("p", "a", Output, "t", nil)
	unsub()
	b.Emit("p", "a", Output, "t", nil)
	if n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
}

func TestSinceReturnsStrictlyNewerEventsInOrder(t *testing.T) {
	b := New(100)
	e1 := b.Emit("p", "a", Output, "t1", nil)
	e2 := b.Emit("p", "a", Output, "t2", nil)
	e3 := b.Emit("p", "a", Output, "t3", nil)

	got := b.Since(e1.ID, Filter{})
	if len(got) != 2 || got[0].ID != e2.ID || got[1].ID != e3.ID {
		t.Fatalf("Since(%q) = %v, want [%s %s]", e1.ID, got, e2.ID, e3.ID)
	}
}

func TestSinceRespectsEvictionBestEffort(t *testing.T) {
	b := New(2)
	e1 := b.Emit("p", "a", Output, "t1", nil)
	b.Emit("p", "a", Output, "t2", nil)
	b.Emit("p", "a", Output, "t3", nil) // evicts e1

	got := b.Since(e1.ID, Filter{})
	if len(got) != 2 {
		t.Fatalf("got %d events after eviction, want remaining 2", len(got))
	}
}

func TestSinceFiltersByProjectAndAgent(t *testing.T) {
	b := New(100)
	b.Emit("p1", "a1", Output, "t1", nil)
	b.Emit("p2", "a1", Output, "t2", nil)
	e0 := Event{ID: "evt-0"}

	got := b.Since(e0.ID, Filter{Project: "p1"})
	if len(got) != 1 || got[0].Project != "p1" {
		t.Fatalf("Since with project filter = %v", got)
	}
}
