package intercom

import (
	"fmt"
	"testing"
)

func TestEmitDeliversInOrder(t *testing.T) {
	ic := New(0)

	var got []string
	ic.On(TopicTaskCompleted, func(ev Event) {
		got = append(got, fmt.Sprintf("a:%v", ev.Data))
	})
	ic.On(TopicTaskCompleted, func(ev Event) {
		got = append(got, fmt.Sprintf("b:%v", ev.Data))
	})
	ic.On(TopicTaskFailed, func(ev Event) {
		t.Error("wrong-topic handler invoked")
	})

	ic.Emit(TopicTaskCompleted, "u1", 1)
	ic.Emit(TopicTaskCompleted, "u1", 2)

	want := []string{"a:1", "b:1", "a:2", "b:2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestOnAnyAndUnsubscribe(t *testing.T) {
	ic := New(0)

	var anyCount, topicCount int
	offAny := ic.OnAny(func(ev Event) { anyCount++ })
	offTopic := ic.On(TopicAgentCreated, func(ev Event) { topicCount++ })

	ic.Emit(TopicAgentCreated, "u1", nil)
	ic.Emit(TopicMemoryUpdated, "u1", nil)

	if anyCount != 2 || topicCount != 1 {
		t.Fatalf("anyCount=%d topicCount=%d, want 2 and 1", anyCount, topicCount)
	}

	offAny()
	offTopic()
	ic.Emit(TopicAgentCreated, "u1", nil)

	if anyCount != 2 || topicCount != 1 {
		t.Errorf("handlers fired after unsubscribe")
	}
}

func TestHandlerPanicIsSwallowed(t *testing.T) {
	ic := New(0)

	var after bool
	ic.On(TopicTaskFailed, func(ev Event) { panic("broken subscriber") })
	ic.On(TopicTaskFailed, func(ev Event) { after = true })

	ic.Emit(TopicTaskFailed, "u1", nil)

	if !after {
		t.Error("panicking handler prevented later handlers from running")
	}
}

func TestHistoryRings(t *testing.T) {
	ic := New(3)

	for i := 0; i < 5; i++ {
		ic.Emit(TopicTaskCompleted, "u1", i)
	}
	hist := ic.History(TopicTaskCompleted)
	if len(hist) != 3 {
		t.Fatalf("per-topic history = %d events, want 3", len(hist))
	}
	if hist[0].Data != 2 || hist[2].Data != 4 {
		t.Errorf("history kept wrong window: %v", hist)
	}

	// Global ring holds 2N across topics.
	for i := 0; i < 5; i++ {
		ic.Emit(TopicTaskFailed, "u1", i)
	}
	global := ic.GlobalHistory()
	if len(global) != 6 {
		t.Fatalf("global history = %d events, want 6", len(global))
	}
}

func TestUnknownTopicIsDropped(t *testing.T) {
	ic := New(0)
	fired := false
	ic.OnAny(func(ev Event) { fired = true })

	ic.Emit("bogus:topic", "u1", nil)

	if fired {
		t.Error("unknown topic reached subscribers")
	}
}

func TestClear(t *testing.T) {
	ic := New(0)
	count := 0
	ic.On(TopicTaskCompleted, func(ev Event) { count++ })
	ic.Emit(TopicTaskCompleted, "u1", nil)

	ic.Clear()
	ic.Emit(TopicTaskCompleted, "u1", nil)

	if count != 1 {
		t.Errorf("count = %d, want 1 (no delivery after Clear)", count)
	}
	if len(ic.History(TopicTaskCompleted)) != 0 || len(ic.GlobalHistory()) != 0 {
		t.Error("history survived Clear")
	}
}
